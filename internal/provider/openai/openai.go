package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"

	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/provider"
)

const (
	Vendor         = "openai"
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
)

// AllowedModels is the set of model ids this service may bill against.
// Anything else is replaced by DefaultModel.
var AllowedModels = []string{
	"gpt-4o-mini",
	"gpt-4o",
	"gpt-4.1",
	"gpt-4.1-mini",
	"gpt-4.1-nano",
	"gpt-3.5-turbo-instruct",
}

var _ provider.Client = (*Client)(nil)

type Client struct {
	provider.Base
	transport *provider.Transport
}

func New(opts provider.Options) *Client {
	c := &Client{
		Base: provider.NewBase(opts, DefaultModel),
	}
	c.SetModel(c.Base.Model())
	c.transport = provider.NewTransport(Vendor, DefaultBaseURL, opts, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+opts.APIKey)
	})
	return c
}

func (c *Client) ID() string {
	return Vendor
}

// SetModel accepts only allow-listed models and silently falls back to
// DefaultModel for anything else.
func (c *Client) SetModel(model string) {
	if !slices.Contains(AllowedModels, model) {
		model = DefaultModel
	}
	c.Base.SetModel(model)
}

type chatRequest struct {
	Model          string           `json:"model"`
	Messages       []domain.Message `json:"messages"`
	Temperature    float64          `json:"temperature"`
	ResponseFormat *responseFormat  `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type completionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

func (c *Client) Chat(ctx context.Context, messages []domain.Message) *domain.GenerationResult {
	req := chatRequest{
		Model:       c.Model(),
		Messages:    messages,
		Temperature: c.Temperature(),
	}
	if c.StructuredOutput() {
		req.ResponseFormat = &responseFormat{Type: c.ResponseFormat()}
	}

	return c.Record(c.transport.Do(ctx, provider.Call{
		Path:    "/chat/completions",
		Model:   req.Model,
		Payload: req,
	}))
}

func (c *Client) Completion(ctx context.Context, prompt string) *domain.GenerationResult {
	req := completionRequest{
		Model:       c.Model(),
		Prompt:      prompt,
		Temperature: c.Temperature(),
		MaxTokens:   c.MaxTokens(),
	}

	return c.Record(c.transport.Do(ctx, provider.Call{
		Path:    "/completions",
		Model:   req.Model,
		Payload: req,
	}))
}

type response struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message *struct {
			Content string `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Parse reads both chat (choices[0].message.content) and legacy
// completion (choices[0].text) responses.
func (c *Client) Parse(raw json.RawMessage) (provider.Reply, error) {
	return ParseResponse(raw)
}

// ParseResponse is exported for OpenAI-compatible hosts that share the
// wire format.
func ParseResponse(raw json.RawMessage) (provider.Reply, error) {
	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return provider.Reply{}, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return provider.Reply{}, fmt.Errorf("decode response: no choices")
	}

	choice := resp.Choices[0]
	text := choice.Text
	if choice.Message != nil {
		text = choice.Message.Content
	}

	total := resp.Usage.TotalTokens
	if total == 0 {
		total = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}

	return provider.Reply{
		ID:               resp.ID,
		Model:            resp.Model,
		Completion:       text,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      total,
	}, nil
}
