package main

import (
	"encoding/json"
	"slices"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/storyforge/internal/config"
	"github.com/felipepmaragno/storyforge/internal/cost"
)

type providerSummary struct {
	Name      string  `json:"name"`
	Kind      string  `json:"kind"`
	Model     string  `json:"model,omitempty"`
	BaseURL   string  `json:"base_url,omitempty"`
	CostPer1K float64 `json:"cost_per_1k_tokens,omitempty"`
	Default   bool    `json:"default,omitempty"`
}

type providersOutput struct {
	Providers     []providerSummary `json:"providers"`
	ImagePricing  []cost.ImageRule  `json:"image_pricing"`
	ImageFallback cost.ImageRate    `json:"image_fallback"`
}

// newProvidersCommand prints the resolved vendor configuration without
// connecting to anything. API keys are never printed.
func newProvidersCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List configured AI providers and image pricing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := providersOutput{Providers: make([]providerSummary, 0)}
			for _, name := range cfg.AI.ConfiguredProviders() {
				pc := cfg.AI.Providers[name]
				s := providerSummary{
					Name:      name,
					Kind:      "text",
					Model:     pc.Model,
					BaseURL:   pc.BaseURL,
					CostPer1K: pc.CostPer1KTokens,
					Default:   name == cfg.AI.DefaultProvider,
				}
				if slices.Contains(config.ImageProviders, name) {
					s.Kind = "image"
					s.CostPer1K = 0
					s.Default = name == cfg.AI.DefaultImageProvider
				}
				out.Providers = append(out.Providers, s)
			}
			pricing := cfg.AI.ImagePricingTable()
			out.ImagePricing = pricing.Rules()
			out.ImageFallback = pricing.Fallback()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
