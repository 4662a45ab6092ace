// Package provider holds the pieces shared by every AI vendor client:
// the client contracts, per-call bookkeeping and the HTTP exchange that
// turns transport, status and vendor-reported failures into a
// domain.GenerationResult instead of a Go error.
package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/felipepmaragno/storyforge/internal/circuitbreaker"
	"github.com/felipepmaragno/storyforge/internal/domain"
)

// Client is implemented by every text-generation vendor.
//
// Chat and Completion never return a Go error. Failures are reported
// through GenerationResult.Error and mirrored by the getters until the
// next call.
type Client interface {
	ID() string
	Chat(ctx context.Context, messages []domain.Message) *domain.GenerationResult
	Completion(ctx context.Context, prompt string) *domain.GenerationResult
	Parse(raw json.RawMessage) (Reply, error)

	SetModel(model string)
	SetTemperature(temperature float64) float64
	SetMaxTokens(maxTokens int)
	SetResponseFormat(format string)

	Model() string
	StatusCode() int
	RawRequest() json.RawMessage
	RawResponse() json.RawMessage
	ElapsedSeconds() float64
	Err() string
}

// Reply is the vendor-independent view of a successful text response.
type Reply struct {
	ID               string
	Model            string
	Completion       string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type ImageRequest struct {
	Prompt          string   `json:"prompt"`
	AspectRatio     string   `json:"aspect_ratio,omitempty"`
	SafetyTolerance int      `json:"safety_tolerance,omitempty"`
	InputImages     []string `json:"input_images,omitempty"`
}

// ImageClient is implemented by image-generation vendors.
type ImageClient interface {
	ID() string
	Model() string
	SetModel(model string)
	GenerateImage(ctx context.Context, req ImageRequest) *domain.GenerationResult
	ImageURL(raw json.RawMessage) (string, error)
}

// Options configures a vendor client. Zero values fall back to the
// vendor's own defaults.
type Options struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	HTTPClient  *http.Client
	Breaker     circuitbreaker.CircuitBreaker
}
