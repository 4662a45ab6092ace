package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/storyforge/internal/budget"
	"github.com/felipepmaragno/storyforge/internal/cost"
	"github.com/felipepmaragno/storyforge/internal/domain"
)

const (
	defaultUsageLimit = 100
	maxUsageLimit     = 1000
)

type UsageResponse struct {
	Entries      []domain.UsageLogEntry `json:"entries"`
	Count        int                    `json:"count"`
	MonthSpend   float64                `json:"month_spend_usd"`
	MonthlyLimit float64                `json:"monthly_budget_usd,omitempty"`
}

// handleListUsage lists the caller's ledger entries, newest first.
func (h *Handler) handleListUsage(w http.ResponseWriter, r *http.Request, ref domain.UsageRef) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := cost.UsageFilter{
		UserID:      ref.UserID,
		BookID:      q.Get("book_id"),
		ChapterID:   q.Get("chapter_id"),
		CharacterID: q.Get("character_id"),
		ItemType:    domain.ItemType(q.Get("item_type")),
		Limit:       defaultUsageLimit,
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(limit, maxUsageLimit)
	}

	entries, err := h.tracker.List(ctx, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	spend, err := h.tracker.TotalCost(ctx, ref.UserID, budget.StartOfMonth(time.Now()))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if entries == nil {
		entries = []domain.UsageLogEntry{}
	}
	resp := UsageResponse{Entries: entries, Count: len(entries), MonthSpend: spend}
	if h.budget != nil {
		resp.MonthlyLimit = h.budget.Budget()
	}
	writeJSON(w, http.StatusOK, resp)
}

type ProviderInfo struct {
	Name      string  `json:"name"`
	CostPer1K float64 `json:"cost_per_1k_tokens"`
	Default   bool    `json:"default,omitempty"`
}

type ProvidersResponse struct {
	Providers       []ProviderInfo    `json:"providers"`
	ImageProviders  []string          `json:"image_providers"`
	ImagePricing    []cost.ImageRule  `json:"image_pricing"`
	ImageFallback   cost.ImageRate    `json:"image_fallback"`
	CircuitBreakers map[string]string `json:"circuit_breakers,omitempty"`
}

func (h *Handler) handleListProviders(w http.ResponseWriter, r *http.Request) {
	resolved := h.router.Resolved()

	providers := make([]ProviderInfo, 0)
	for _, name := range h.router.AvailableProviders() {
		providers = append(providers, ProviderInfo{
			Name:      name,
			CostPer1K: h.router.CostPer1K(name),
			Default:   name == resolved,
		})
	}

	pricing := h.router.ImagePricing()
	resp := ProvidersResponse{
		Providers:      providers,
		ImageProviders: h.router.AvailableImageProviders(),
		ImagePricing:   pricing.Rules(),
		ImageFallback:  pricing.Fallback(),
	}
	if h.breakers != nil {
		resp.CircuitBreakers = h.breakers.States(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}
