// Package cost prices AI calls and keeps the append-only usage ledger.
package cost

import (
	"encoding/json"
	"strings"
)

// TextCost prices a text call at a single per-1K-token rate applied to
// prompt and completion tokens alike.
func TextCost(promptTokens, completionTokens int, costPer1K float64) float64 {
	return float64(promptTokens+completionTokens) / 1000 * costPer1K
}

type ImageRate struct {
	CostPerInputImage  float64 `json:"cost_per_input_image"`
	CostPerOutputImage float64 `json:"cost_per_output_image"`
}

func (r ImageRate) Cost(inputImages, outputImages int) float64 {
	return float64(inputImages)*r.CostPerInputImage + float64(outputImages)*r.CostPerOutputImage
}

// ImageRule prices every model whose name contains Pattern.
type ImageRule struct {
	Pattern string    `json:"pattern"`
	Rate    ImageRate `json:"rate"`
}

// DefaultImageRate bills unknown models for output only.
var DefaultImageRate = ImageRate{CostPerInputImage: 0, CostPerOutputImage: 0.025}

// DefaultImageRules are checked in order; the first match wins, so more
// specific fragments come first.
var DefaultImageRules = []ImageRule{
	{Pattern: "flux-2-max", Rate: ImageRate{CostPerInputImage: 0.03, CostPerOutputImage: 0.03}},
	{Pattern: "flux-2-pro", Rate: ImageRate{CostPerInputImage: 0.015, CostPerOutputImage: 0.015}},
	{Pattern: "flux-kontext", Rate: ImageRate{CostPerInputImage: 0, CostPerOutputImage: 0.04}},
	{Pattern: "flux-schnell", Rate: ImageRate{CostPerInputImage: 0, CostPerOutputImage: 0.003}},
	{Pattern: "stable-image", Rate: ImageRate{CostPerInputImage: 0, CostPerOutputImage: 0.03}},
}

// ImagePricing is a prioritized list of substring rules ending in a
// default rate. Resolve never fails.
type ImagePricing struct {
	rules    []ImageRule
	fallback ImageRate
}

func NewImagePricing(rules []ImageRule, fallback ImageRate) *ImagePricing {
	cp := make([]ImageRule, 0, len(rules))
	for _, r := range rules {
		if r.Pattern == "" {
			continue
		}
		r.Pattern = strings.ToLower(r.Pattern)
		cp = append(cp, r)
	}
	return &ImagePricing{rules: cp, fallback: fallback}
}

func DefaultImagePricing() *ImagePricing {
	return NewImagePricing(DefaultImageRules, DefaultImageRate)
}

// Resolve returns the rate of the first rule matching model, and whether
// a rule matched at all.
func (p *ImagePricing) Resolve(model string) (ImageRate, bool) {
	model = strings.ToLower(model)
	for _, r := range p.rules {
		if strings.Contains(model, r.Pattern) {
			return r.Rate, true
		}
	}
	return p.fallback, false
}

func (p *ImagePricing) Cost(model string, inputImages, outputImages int) float64 {
	rate, _ := p.Resolve(model)
	return rate.Cost(inputImages, outputImages)
}

func (p *ImagePricing) Rules() []ImageRule {
	out := make([]ImageRule, len(p.rules))
	copy(out, p.rules)
	return out
}

func (p *ImagePricing) Fallback() ImageRate {
	return p.fallback
}

// UsageFields is what a text response contributes to a usage entry.
type UsageFields struct {
	ID               string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ParseResponseForStore reads the OpenAI-shaped usage block of a text
// response. Missing or malformed input yields zero fields.
func ParseResponseForStore(raw json.RawMessage) UsageFields {
	var resp struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &resp) != nil {
		return UsageFields{}
	}

	total := resp.Usage.TotalTokens
	if total == 0 {
		total = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	return UsageFields{
		ID:               resp.ID,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      total,
	}
}
