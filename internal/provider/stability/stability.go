// Package stability generates images with Stability AI's Stable Image API.
// The API answers with base64 image bytes, which are written to object
// storage so callers get a URL like every other image vendor.
package stability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/provider"
	"github.com/felipepmaragno/storyforge/internal/storage"
	"github.com/google/uuid"
)

const (
	Vendor         = "stability"
	DefaultBaseURL = "https://api.stability.ai/v2beta"
	DefaultModel   = "stable-image-core"

	outputFormat = "png"
)

var _ provider.ImageClient = (*Client)(nil)

type Client struct {
	model     string
	transport *provider.Transport
	store     storage.Store
	prefix    string
}

func New(opts provider.Options, store storage.Store) *Client {
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		model:  model,
		store:  store,
		prefix: "images/",
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

// endpoint maps a model name onto the Stable Image service that serves it.
func (c *Client) endpoint() (path, model string) {
	switch {
	case strings.Contains(c.model, "ultra"):
		return "/stable-image/generate/ultra", ""
	case strings.HasPrefix(c.model, "sd3"):
		return "/stable-image/generate/sd3", c.model
	default:
		return "/stable-image/generate/core", ""
	}
}

type generateRecord struct {
	Model        string `json:"model"`
	Prompt       string `json:"prompt"`
	AspectRatio  string `json:"aspect_ratio,omitempty"`
	OutputFormat string `json:"output_format"`
}

type generateResponse struct {
	Image        string `json:"image"`
	FinishReason string `json:"finish_reason"`
	Seed         int64  `json:"seed"`
}

// stored replaces the base64 payload in the recorded response.
type stored struct {
	URL          string `json:"url"`
	FinishReason string `json:"finish_reason"`
	Seed         int64  `json:"seed"`
}

// GenerateImage ignores InputImages: Stable Image text-to-image endpoints
// take no reference images.
func (c *Client) GenerateImage(ctx context.Context, req provider.ImageRequest) *domain.GenerationResult {
	path, model := c.endpoint()

	body, contentType, err := encodeForm(req, model)
	record, _ := json.Marshal(generateRecord{
		Model:        c.model,
		Prompt:       req.Prompt,
		AspectRatio:  req.AspectRatio,
		OutputFormat: outputFormat,
	})
	if err != nil {
		return provider.Failure(record, fmt.Errorf("encode form: %w", err), 0)
	}

	res := c.transport.Do(ctx, provider.Call{
		Path:        path,
		Model:       c.model,
		Body:        body,
		ContentType: contentType,
		Record:      record,
	})
	if !res.OK() {
		return res
	}

	var gen generateResponse
	if err := json.Unmarshal(res.Response, &gen); err != nil || gen.Image == "" {
		return provider.Normalize(record, provider.StatusTransportFailure, nil, res.Elapsed)
	}
	if gen.FinishReason != "" && gen.FinishReason != "SUCCESS" {
		return &domain.GenerationResult{
			Request:    record,
			StatusCode: provider.StatusTransportFailure,
			Elapsed:    res.Elapsed,
			Error:      "generation finished with " + gen.FinishReason,
			Cause:      domain.ErrProviderApplication,
		}
	}

	img, err := base64.StdEncoding.DecodeString(gen.Image)
	if err != nil {
		return provider.Failure(record, fmt.Errorf("decode image: %w", err), res.Elapsed)
	}
	obj, err := c.store.Put(ctx, c.prefix+uuid.NewString()+"."+outputFormat, img, "image/"+outputFormat)
	if err != nil {
		return provider.Failure(record, fmt.Errorf("store image: %w", err), res.Elapsed)
	}

	res.Response, _ = json.Marshal(stored{URL: obj.URL, FinishReason: gen.FinishReason, Seed: gen.Seed})
	return res
}

func encodeForm(req provider.ImageRequest, model string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"prompt", req.Prompt},
		{"output_format", outputFormat},
	}
	if req.AspectRatio != "" {
		fields = append(fields, [2]string{"aspect_ratio", req.AspectRatio})
	}
	if model != "" {
		fields = append(fields, [2]string{"model", model})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func (c *Client) ImageURL(raw json.RawMessage) (string, error) {
	var s stored
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if s.URL == "" {
		return "", fmt.Errorf("decode response: no image url")
	}
	return s.URL, nil
}
