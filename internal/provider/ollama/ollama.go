// Package ollama runs Llama-family models on a self-hosted Ollama server
// through its native /api/chat and /api/generate endpoints.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/provider"
)

const (
	Vendor         = "ollama"
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "llama3.2"
)

var _ provider.Client = (*Client)(nil)

type Client struct {
	provider.Base
	transport *provider.Transport
}

func New(opts provider.Options) *Client {
	return &Client{
		Base:      provider.NewBase(opts, DefaultModel),
		transport: provider.NewTransport(Vendor, DefaultBaseURL, opts, nil),
	}
}

func (c *Client) ID() string {
	return Vendor
}

type modelOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []domain.Message `json:"messages"`
	Stream   bool             `json:"stream"`
	Format   string           `json:"format,omitempty"`
	Options  modelOptions     `json:"options"`
}

type generateRequest struct {
	Model   string       `json:"model"`
	Prompt  string       `json:"prompt"`
	Stream  bool         `json:"stream"`
	Format  string       `json:"format,omitempty"`
	Options modelOptions `json:"options"`
}

// format maps any structured response format onto Ollama's JSON mode.
func (c *Client) format() string {
	if c.StructuredOutput() {
		return "json"
	}
	return ""
}

func (c *Client) options() modelOptions {
	return modelOptions{Temperature: c.Temperature(), NumPredict: c.MaxTokens()}
}

func (c *Client) Chat(ctx context.Context, messages []domain.Message) *domain.GenerationResult {
	req := chatRequest{
		Model:    c.Model(),
		Messages: messages,
		Format:   c.format(),
		Options:  c.options(),
	}
	return c.Record(c.transport.Do(ctx, provider.Call{
		Path:    "/api/chat",
		Model:   req.Model,
		Payload: req,
	}))
}

func (c *Client) Completion(ctx context.Context, prompt string) *domain.GenerationResult {
	req := generateRequest{
		Model:   c.Model(),
		Prompt:  prompt,
		Format:  c.format(),
		Options: c.options(),
	}
	return c.Record(c.transport.Do(ctx, provider.Call{
		Path:    "/api/generate",
		Model:   req.Model,
		Payload: req,
	}))
}

type response struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   *struct {
		Content string `json:"content"`
	} `json:"message"`
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Parse handles both /api/chat (message.content) and /api/generate
// (response) bodies. Ollama returns no id, so the creation timestamp
// stands in for one.
func (c *Client) Parse(raw json.RawMessage) (provider.Reply, error) {
	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return provider.Reply{}, fmt.Errorf("decode response: %w", err)
	}

	text := resp.Response
	if resp.Message != nil {
		text = resp.Message.Content
	}

	return provider.Reply{
		ID:               resp.CreatedAt,
		Model:            resp.Model,
		Completion:       text,
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
		TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
	}, nil
}
