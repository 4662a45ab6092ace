package provider

import (
	"encoding/json"
	"time"

	"github.com/felipepmaragno/storyforge/internal/domain"
)

const (
	MinTemperature = 0.0
	MaxTemperature = 2.0
)

// Base carries the request settings and the record of the last call.
// Vendor clients embed it and call Record once per dispatch.
type Base struct {
	model          string
	temperature    float64
	maxTokens      int
	responseFormat string

	last *domain.GenerationResult
}

func NewBase(opts Options, defaultModel string) Base {
	b := Base{
		model:          opts.Model,
		temperature:    opts.Temperature,
		maxTokens:      opts.MaxTokens,
		responseFormat: domain.ResponseFormatText,
	}
	if b.model == "" {
		b.model = defaultModel
	}
	b.temperature = clampTemperature(b.temperature)
	return b
}

func (b *Base) SetModel(model string) {
	b.model = model
}

// SetTemperature clamps to the range every vendor accepts and returns the
// value that will be sent.
func (b *Base) SetTemperature(temperature float64) float64 {
	b.temperature = clampTemperature(temperature)
	return b.temperature
}

func (b *Base) SetMaxTokens(maxTokens int) {
	if maxTokens < 0 {
		maxTokens = 0
	}
	b.maxTokens = maxTokens
}

// SetResponseFormat accepts "text" or a structured-output indicator such
// as "json_object". Empty resets to text.
func (b *Base) SetResponseFormat(format string) {
	if format == "" {
		format = domain.ResponseFormatText
	}
	b.responseFormat = format
}

func (b *Base) Model() string          { return b.model }
func (b *Base) Temperature() float64   { return b.temperature }
func (b *Base) MaxTokens() int         { return b.maxTokens }
func (b *Base) ResponseFormat() string { return b.responseFormat }

// StructuredOutput reports whether the response format must be forwarded.
func (b *Base) StructuredOutput() bool {
	return b.responseFormat != domain.ResponseFormatText
}

// Record stores the outcome of the latest call and returns it.
func (b *Base) Record(res *domain.GenerationResult) *domain.GenerationResult {
	b.last = res
	return res
}

func (b *Base) Last() *domain.GenerationResult {
	return b.last
}

func (b *Base) StatusCode() int {
	if b.last == nil {
		return 0
	}
	return b.last.StatusCode
}

func (b *Base) RawRequest() json.RawMessage {
	if b.last == nil {
		return nil
	}
	return b.last.Request
}

func (b *Base) RawResponse() json.RawMessage {
	if b.last == nil {
		return nil
	}
	return b.last.Response
}

func (b *Base) ElapsedSeconds() float64 {
	if b.last == nil {
		return 0
	}
	return b.last.Elapsed
}

func (b *Base) Err() string {
	if b.last == nil {
		return ""
	}
	return b.last.Error
}

func clampTemperature(t float64) float64 {
	switch {
	case t < MinTemperature:
		return MinTemperature
	case t > MaxTemperature:
		return MaxTemperature
	}
	return t
}

// Stopwatch measures one call. Seconds is 0 unless both ends were marked.
type Stopwatch struct {
	start time.Time
	stop  time.Time
}

func (s *Stopwatch) Start() { s.start = time.Now() }
func (s *Stopwatch) Stop()  { s.stop = time.Now() }

func (s *Stopwatch) Seconds() float64 {
	if s.start.IsZero() || s.stop.IsZero() {
		return 0
	}
	return s.stop.Sub(s.start).Seconds()
}
