// Package replicate generates images with Flux models hosted on Replicate.
package replicate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/provider"
)

const (
	Vendor         = "replicate"
	DefaultBaseURL = "https://api.replicate.com/v1"
	DefaultModel   = "black-forest-labs/flux-2-pro"

	DefaultAspectRatio     = "1:1"
	DefaultSafetyTolerance = 2
)

var ErrNoOutput = errors.New("prediction has no output")

var _ provider.ImageClient = (*Client)(nil)

type Client struct {
	model     string
	transport *provider.Transport
}

func New(opts provider.Options) *Client {
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		model: model,
		transport: provider.NewTransport(Vendor, DefaultBaseURL, opts, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+opts.APIKey)
		}),
	}
}

func (c *Client) ID() string {
	return Vendor
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) SetModel(model string) {
	if model != "" {
		c.model = model
	}
}

type predictionRequest struct {
	Input provider.ImageRequest `json:"input"`
}

// GenerateImage creates a prediction and waits for it synchronously.
func (c *Client) GenerateImage(ctx context.Context, req provider.ImageRequest) *domain.GenerationResult {
	if req.AspectRatio == "" {
		req.AspectRatio = DefaultAspectRatio
	}
	if req.SafetyTolerance == 0 {
		req.SafetyTolerance = DefaultSafetyTolerance
	}

	return c.transport.Do(ctx, provider.Call{
		Path:    "/models/" + c.model + "/predictions",
		Model:   c.model,
		Payload: predictionRequest{Input: req},
		Header:  http.Header{"Prefer": []string{"wait"}},
	})
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
}

// ImageURL returns the first output URL. Replicate returns a single string
// for most Flux models and a list for models producing several images.
func (c *Client) ImageURL(raw json.RawMessage) (string, error) {
	var p prediction
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("decode prediction: %w", err)
	}

	var url string
	if err := json.Unmarshal(p.Output, &url); err == nil && url != "" {
		return url, nil
	}

	var urls []string
	if err := json.Unmarshal(p.Output, &urls); err == nil {
		for _, u := range urls {
			if strings.TrimSpace(u) != "" {
				return u, nil
			}
		}
	}

	return "", fmt.Errorf("%w (status %q)", ErrNoOutput, p.Status)
}
