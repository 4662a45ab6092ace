// Package llama talks to the Meta Llama API. Hosts that expose Llama
// models behind an OpenAI-compatible endpoint work too, since Parse
// understands both response shapes.
package llama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/provider"
	"github.com/felipepmaragno/storyforge/internal/provider/openai"
)

const (
	Vendor         = "llama"
	DefaultBaseURL = "https://api.llama.com/v1"
	DefaultModel   = "Llama-3.3-70B-Instruct"
)

var _ provider.Client = (*Client)(nil)

type Client struct {
	provider.Base
	transport *provider.Transport
}

func New(opts provider.Options) *Client {
	return &Client{
		Base: provider.NewBase(opts, DefaultModel),
		transport: provider.NewTransport(Vendor, DefaultBaseURL, opts, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+opts.APIKey)
		}),
	}
}

func (c *Client) ID() string {
	return Vendor
}

type chatRequest struct {
	Model               string           `json:"model"`
	Messages            []domain.Message `json:"messages"`
	Temperature         float64          `json:"temperature"`
	MaxCompletionTokens int              `json:"max_completion_tokens,omitempty"`
	ResponseFormat      *responseFormat  `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

func (c *Client) Chat(ctx context.Context, messages []domain.Message) *domain.GenerationResult {
	req := chatRequest{
		Model:               c.Model(),
		Messages:            messages,
		Temperature:         c.Temperature(),
		MaxCompletionTokens: c.MaxTokens(),
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

// Completion has no dedicated endpoint on this API; the prompt is sent as
// a single user turn.
func (c *Client) Completion(ctx context.Context, prompt string) *domain.GenerationResult {
	return c.Chat(ctx, []domain.Message{{Role: domain.RoleUser, Content: prompt}})
}

type response struct {
	ID                string `json:"id"`
	CompletionMessage *struct {
		Content struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"completion_message"`
	Metrics []struct {
		Metric string  `json:"metric"`
		Value  float64 `json:"value"`
	} `json:"metrics"`
}

func (c *Client) Parse(raw json.RawMessage) (provider.Reply, error) {
	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return provider.Reply{}, fmt.Errorf("decode response: %w", err)
	}

	if resp.CompletionMessage == nil {
		reply, err := openai.ParseResponse(raw)
		if err != nil {
			return provider.Reply{}, err
		}
		if reply.Model == "" {
			reply.Model = c.Model()
		}
		return reply, nil
	}

	reply := provider.Reply{
		ID:         resp.ID,
		Model:      c.Model(),
		Completion: resp.CompletionMessage.Content.Text,
	}
	for _, m := range resp.Metrics {
		switch m.Metric {
		case "num_prompt_tokens":
			reply.PromptTokens = int(m.Value)
		case "num_completion_tokens":
			reply.CompletionTokens = int(m.Value)
		case "num_total_tokens":
			reply.TotalTokens = int(m.Value)
		}
	}
	if reply.TotalTokens == 0 {
		reply.TotalTokens = reply.PromptTokens + reply.CompletionTokens
	}
	return reply, nil
}
