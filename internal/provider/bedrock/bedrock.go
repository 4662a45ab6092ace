// Package bedrock runs Anthropic models through the AWS Bedrock runtime.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	"github.com/felipepmaragno/storyforge/internal/circuitbreaker"
	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/provider"
	"github.com/felipepmaragno/storyforge/internal/provider/anthropic"
	"github.com/felipepmaragno/storyforge/internal/telemetry"
)

const (
	Vendor       = "bedrock"
	DefaultModel = "anthropic.claude-3-5-haiku-20241022-v1:0"

	anthropicVersion = "bedrock-2023-05-31"
)

var modelIDs = map[string]string{
	"claude-3-5-sonnet": "anthropic.claude-3-5-sonnet-20241022-v2:0",
	"claude-3-5-haiku":  "anthropic.claude-3-5-haiku-20241022-v1:0",
	"claude-3-haiku":    "anthropic.claude-3-haiku-20240307-v1:0",
}

// Runtime is the subset of the Bedrock runtime client used here.
type Runtime interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

var _ provider.Client = (*Client)(nil)

type Client struct {
	provider.Base
	runtime Runtime
	breaker circuitbreaker.CircuitBreaker
}

func New(cfg aws.Config, opts provider.Options) *Client {
	return NewWithRuntime(bedrockruntime.NewFromConfig(cfg), opts)
}

func NewWithRuntime(runtime Runtime, opts provider.Options) *Client {
	c := &Client{
		Base:    provider.NewBase(opts, DefaultModel),
		runtime: runtime,
		breaker: opts.Breaker,
	}
	c.SetModel(c.Base.Model())
	return c
}

func (c *Client) ID() string {
	return Vendor
}

// SetModel expands short Claude names into Bedrock model ids.
func (c *Client) SetModel(model string) {
	if id, ok := modelIDs[model]; ok {
		model = id
	}
	c.Base.SetModel(model)
}

func (c *Client) Chat(ctx context.Context, messages []domain.Message) *domain.GenerationResult {
	ctx, span := telemetry.StartSpan(ctx, "provider."+Vendor)
	defer span.End()
	telemetry.AddProviderAttributes(span, Vendor, c.Model())

	res := c.invoke(ctx, messages)
	if err := res.Err(); err != nil {
		telemetry.AddErrorAttribute(span, err)
	}
	return c.Record(provider.Observe(ctx, Vendor, c.Model(), c.breaker, res))
}

func (c *Client) Completion(ctx context.Context, prompt string) *domain.GenerationResult {
	return c.Chat(ctx, []domain.Message{{Role: domain.RoleUser, Content: prompt}})
}

func (c *Client) invoke(ctx context.Context, messages []domain.Message) *domain.GenerationResult {
	req := anthropic.BuildRequest(messages, "", c.Temperature(), c.MaxTokens(), c.StructuredOutput())
	req.AnthropicVersion = anthropicVersion

	body, err := json.Marshal(req)
	if err != nil {
		return provider.Failure(nil, fmt.Errorf("marshal request: %w", err), 0)
	}

	if c.breaker != nil {
		if err := c.breaker.Allow(ctx); err != nil {
			return provider.Failure(body, err, 0)
		}
	}

	var sw provider.Stopwatch
	sw.Start()
	out, err := c.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.Model()),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	sw.Stop()

	if err != nil {
		return classify(body, err, sw.Seconds())
	}
	return provider.Normalize(body, 200, out.Body, sw.Seconds())
}

// classify keeps the HTTP status of service errors so throttling and
// validation failures are reported like any other non-2xx response.
func classify(request json.RawMessage, err error, elapsed float64) *domain.GenerationResult {
	var respErr *awshttp.ResponseError
	if !errors.As(err, &respErr) || respErr.HTTPStatusCode() == 0 {
		return provider.Failure(request, err, elapsed)
	}

	msg := provider.NoResponse
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorMessage() != "" {
		msg = apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()
	}

	return &domain.GenerationResult{
		Request:    request,
		StatusCode: respErr.HTTPStatusCode(),
		Elapsed:    elapsed,
		Error:      msg,
		Cause:      domain.ErrHTTPStatus,
	}
}

func (c *Client) Parse(raw json.RawMessage) (provider.Reply, error) {
	reply, err := anthropic.ParseResponse(raw)
	if err != nil {
		return provider.Reply{}, err
	}
	if reply.Model == "" {
		reply.Model = c.Model()
	}
	return reply, nil
}
