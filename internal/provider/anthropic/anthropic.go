package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/provider"
)

const (
	Vendor           = "anthropic"
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	DefaultModel     = "claude-3-5-haiku-20241022"
	DefaultMaxTokens = 4096
	APIVersion       = "2023-06-01"

	jsonInstruction = "Respond with a single valid JSON object and nothing else."
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
			r.Header.Set("x-api-key", opts.APIKey)
			r.Header.Set("anthropic-version", APIVersion)
		}),
	}
}

func (c *Client) ID() string {
	return Vendor
}

// MessagesRequest is the Messages API body, shared with the Bedrock client.
type MessagesRequest struct {
	AnthropicVersion string           `json:"anthropic_version,omitempty"`
	Model            string           `json:"model,omitempty"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []domain.Message `json:"messages"`
	Temperature      float64          `json:"temperature"`
}

// BuildRequest moves the system turn into the top-level system field.
// The Messages API has no JSON mode, so structured output is requested
// through the system prompt.
func BuildRequest(messages []domain.Message, model string, temperature float64, maxTokens int, structured bool) MessagesRequest {
	req := MessagesRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
	}

	var system []string
	for _, m := range messages {
		if m.Role == domain.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		req.Messages = append(req.Messages, m)
	}
	if structured {
		system = append(system, jsonInstruction)
	}
	req.System = strings.Join(system, "\n\n")
	return req
}

func (c *Client) Chat(ctx context.Context, messages []domain.Message) *domain.GenerationResult {
	req := BuildRequest(messages, c.Model(), c.Temperature(), c.MaxTokens(), c.StructuredOutput())
	return c.Record(c.transport.Do(ctx, provider.Call{
		Path:    "/messages",
		Model:   req.Model,
		Payload: req,
	}))
}

func (c *Client) Completion(ctx context.Context, prompt string) *domain.GenerationResult {
	return c.Chat(ctx, []domain.Message{{Role: domain.RoleUser, Content: prompt}})
}

func (c *Client) Parse(raw json.RawMessage) (provider.Reply, error) {
	return ParseResponse(raw)
}

type response struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func ParseResponse(raw json.RawMessage) (provider.Reply, error) {
	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return provider.Reply{}, fmt.Errorf("decode response: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return provider.Reply{
		ID:               resp.ID,
		Model:            resp.Model,
		Completion:       text.String(),
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}, nil
}
