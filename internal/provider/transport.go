package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/felipepmaragno/storyforge/internal/circuitbreaker"
	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/httputil"
	"github.com/felipepmaragno/storyforge/internal/metrics"
	"github.com/felipepmaragno/storyforge/internal/telemetry"
)

const (
	// StatusTransportFailure is reported for failures that never produced
	// a usable HTTP response, and for vendor errors embedded in a 2xx body.
	StatusTransportFailure = http.StatusInternalServerError

	NoResponse = "No response"
)

// Transport performs one HTTP exchange with a vendor API.
type Transport struct {
	Vendor  string
	BaseURL string
	HTTP    *http.Client
	Breaker circuitbreaker.CircuitBreaker

	// Authorize sets credential headers. It must never log them.
	Authorize func(req *http.Request)
}

func NewTransport(vendor, defaultBaseURL string, opts Options, authorize func(*http.Request)) *Transport {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	client := opts.HTTPClient
	if client == nil {
		client = httputil.WithTimeout(opts.Timeout)
	}

	return &Transport{
		Vendor:    vendor,
		BaseURL:   strings.TrimRight(baseURL, "/"),
		HTTP:      client,
		Breaker:   opts.Breaker,
		Authorize: authorize,
	}
}

// Call describes one outbound request. Payload is JSON-encoded unless Body
// is set, in which case Body is sent verbatim with ContentType and Record
// is what gets kept as the raw request.
type Call struct {
	Method      string
	Path        string
	Model       string
	Payload     any
	Body        []byte
	ContentType string
	Record      json.RawMessage
	Header      http.Header
}

// Do runs the call and always returns a result.
func (t *Transport) Do(ctx context.Context, call Call) *domain.GenerationResult {
	ctx, span := telemetry.StartSpan(ctx, "provider."+t.Vendor)
	defer span.End()
	telemetry.AddProviderAttributes(span, t.Vendor, call.Model)

	res := t.exchange(ctx, call)
	if err := res.Err(); err != nil {
		telemetry.AddErrorAttribute(span, err)
	}
	return res
}

func (t *Transport) exchange(ctx context.Context, call Call) *domain.GenerationResult {
	body, record, err := call.encode()
	if err != nil {
		return Observe(ctx, t.Vendor, call.Model, t.Breaker, Failure(record, fmt.Errorf("marshal request: %w", err), 0))
	}

	if t.Breaker != nil {
		if err := t.Breaker.Allow(ctx); err != nil {
			return Observe(ctx, t.Vendor, call.Model, t.Breaker, Failure(record, err, 0))
		}
	}

	method := call.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, t.BaseURL+call.Path, bytes.NewReader(body))
	if err != nil {
		return Observe(ctx, t.Vendor, call.Model, t.Breaker, Failure(record, fmt.Errorf("create request: %w", err), 0))
	}
	contentType := call.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	for k, vs := range call.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if t.Authorize != nil {
		t.Authorize(httpReq)
	}

	slog.Debug("provider request",
		"provider", t.Vendor,
		"model", call.Model,
		"path", call.Path,
		"bytes", len(body),
	)

	var sw Stopwatch
	sw.Start()
	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		sw.Stop()
		return Observe(ctx, t.Vendor, call.Model, t.Breaker, Failure(record, err, sw.Seconds()))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	sw.Stop()
	if err != nil {
		return Observe(ctx, t.Vendor, call.Model, t.Breaker, Failure(record, fmt.Errorf("read response: %w", err), sw.Seconds()))
	}

	return Observe(ctx, t.Vendor, call.Model, t.Breaker, Normalize(record, resp.StatusCode, respBody, sw.Seconds()))
}

// Observe feeds a finished call into metrics, the vendor's breaker and the
// log. Clients that do not go through Transport call it themselves.
func Observe(ctx context.Context, vendor, model string, breaker circuitbreaker.CircuitBreaker, res *domain.GenerationResult) *domain.GenerationResult {
	status := strconv.Itoa(res.StatusCode)
	metrics.RecordProviderCall(vendor, model, status, res.Elapsed)

	if res.Error != "" {
		metrics.RecordProviderError(vendor, errorType(res.Cause))
		if breaker != nil && countsAgainstBreaker(res) {
			breaker.RecordFailure(ctx)
		}
		slog.Warn("provider call failed",
			"provider", vendor,
			"model", model,
			"status", res.StatusCode,
			"elapsed", res.Elapsed,
			"error", truncate(res.Error, 512),
		)
		return res
	}

	if breaker != nil {
		breaker.RecordSuccess(ctx)
	}
	slog.Info("provider call completed",
		"provider", vendor,
		"model", model,
		"status", res.StatusCode,
		"elapsed", res.Elapsed,
		"bytes", len(res.Response),
	)
	return res
}

func (c Call) encode() ([]byte, json.RawMessage, error) {
	if c.Body != nil {
		return c.Body, c.Record, nil
	}
	body, err := json.Marshal(c.Payload)
	if err != nil {
		return nil, nil, err
	}
	return body, body, nil
}

// Failure builds the result for a call that never got a usable response.
func Failure(request json.RawMessage, err error, elapsed float64) *domain.GenerationResult {
	cause := domain.ErrTransport
	if errors.Is(err, domain.ErrCircuitBreakerOpen) {
		cause = domain.ErrCircuitBreakerOpen
	}
	return &domain.GenerationResult{
		Request:    request,
		StatusCode: StatusTransportFailure,
		Elapsed:    elapsed,
		Error:      "Request failed: " + err.Error(),
		Cause:      cause,
	}
}

// Normalize classifies a completed HTTP exchange.
func Normalize(request json.RawMessage, status int, body []byte, elapsed float64) *domain.GenerationResult {
	res := &domain.GenerationResult{
		Request:    request,
		StatusCode: status,
		Elapsed:    elapsed,
	}

	if status < 200 || status > 299 {
		res.Error = string(bytes.TrimSpace(body))
		if res.Error == "" {
			res.Error = NoResponse
		}
		res.Cause = domain.ErrHTTPStatus
		return res
	}

	if msg := ExtractError(body); msg != "" {
		res.Error = msg
		res.StatusCode = StatusTransportFailure
		res.Cause = domain.ErrProviderApplication
		return res
	}

	if len(bytes.TrimSpace(body)) == 0 {
		res.Error = NoResponse
		res.StatusCode = StatusTransportFailure
		res.Cause = domain.ErrProviderApplication
		return res
	}

	res.Response = json.RawMessage(body)
	return res
}

// ExtractError returns the vendor error embedded in a response body, or ""
// when the body carries none. Both {"error":"..."} and
// {"error":{"message":"..."}} are understood; a null error is ignored.
func ExtractError(body []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	raw := bytes.TrimSpace(envelope.Error)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}

	return string(raw)
}

func countsAgainstBreaker(res *domain.GenerationResult) bool {
	if res.Cause == domain.ErrCircuitBreakerOpen {
		return false
	}
	if res.Cause == domain.ErrHTTPStatus {
		return res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests
	}
	return true
}

func errorType(cause error) string {
	switch cause {
	case domain.ErrTransport:
		return "transport"
	case domain.ErrHTTPStatus:
		return "http_status"
	case domain.ErrProviderApplication:
		return "application"
	case domain.ErrTimeoutExceeded:
		return "timeout"
	case domain.ErrCircuitBreakerOpen:
		return "circuit_open"
	}
	return "unknown"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
