// Package moderation screens user text through the OpenAI moderation
// endpoint before it reaches a generation prompt.
package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/felipepmaragno/storyforge/internal/cache"
	"github.com/felipepmaragno/storyforge/internal/cost"
	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/metrics"
	"github.com/felipepmaragno/storyforge/internal/provider"
	"github.com/felipepmaragno/storyforge/internal/provider/openai"
)

const (
	Vendor               = "openai"
	DefaultModel         = "omni-moderation-latest"
	DefaultMinConfidence = 0.5
	DefaultCacheTTL      = 24 * time.Hour
)

type Config struct {
	Enabled       bool
	Model         string
	MinConfidence float64
	CacheTTL      time.Duration
}

// Verdict is the outcome of one check. Categories lists the categories at
// or above the confidence threshold, sorted.
type Verdict struct {
	Flagged    bool               `json:"flagged"`
	Categories []string           `json:"categories,omitempty"`
	Scores     map[string]float64 `json:"scores,omitempty"`
	Cached     bool               `json:"-"`
}

type Moderator struct {
	cfg       Config
	transport *provider.Transport
	cache     cache.Cache
	tracker   cost.Tracker
}

// New builds a moderator calling the OpenAI moderation API with opts. The
// cache and tracker may be nil.
func New(cfg Config, opts provider.Options, c cache.Cache, tracker cost.Tracker) *Moderator {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}

	apiKey := opts.APIKey
	transport := provider.NewTransport(Vendor, openai.DefaultBaseURL, opts, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+apiKey)
	})

	return &Moderator{
		cfg:       cfg,
		transport: transport,
		cache:     c,
		tracker:   tracker,
	}
}

func (m *Moderator) Enabled() bool { return m.cfg.Enabled }

func (m *Moderator) Model() string { return m.cfg.Model }

// Check classifies text. A disabled moderator or blank text is always
// allowed. Vendor failures are logged and allowed; only a cancelled context
// is returned as an error.
func (m *Moderator) Check(ctx context.Context, ref domain.UsageRef, text string) (Verdict, error) {
	if !m.cfg.Enabled || strings.TrimSpace(text) == "" {
		return Verdict{}, nil
	}

	key := cache.Key("moderation", m.cfg.Model, text)
	if m.cache != nil {
		if data, ok := m.cache.Get(ctx, key); ok {
			var v Verdict
			if err := json.Unmarshal(data, &v); err == nil {
				v.Cached = true
				metrics.RecordModeration(v.Flagged, true)
				return v, nil
			}
		}
	}

	res := m.transport.Do(ctx, provider.Call{
		Path:    "/moderations",
		Model:   m.cfg.Model,
		Payload: request{Model: m.cfg.Model, Input: text},
	})
	m.track(ctx, ref, res)

	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	if !res.OK() {
		slog.Warn("moderation unavailable, allowing input",
			"user_id", ref.UserID,
			"status", res.StatusCode,
			"error", res.Error,
		)
		return Verdict{}, nil
	}

	v, err := m.verdict(res.Response)
	if err != nil {
		slog.Warn("moderation response unreadable, allowing input",
			"user_id", ref.UserID,
			"error", err,
		)
		return Verdict{}, nil
	}

	metrics.RecordModeration(v.Flagged, false)
	if m.cache != nil {
		if data, err := json.Marshal(v); err == nil {
			if err := m.cache.Set(ctx, key, data, m.cfg.CacheTTL); err != nil {
				slog.Debug("moderation cache write failed", "error", err)
			}
		}
	}
	return v, nil
}

// Require returns an error wrapping domain.ErrContentFlagged when text is
// flagged.
func (m *Moderator) Require(ctx context.Context, ref domain.UsageRef, text string) error {
	v, err := m.Check(ctx, ref, text)
	if err != nil {
		return err
	}
	if v.Flagged {
		return fmt.Errorf("%w: %s", domain.ErrContentFlagged, strings.Join(v.Categories, ", "))
	}
	return nil
}

type request struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type response struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Results []struct {
		Flagged        bool               `json:"flagged"`
		CategoryScores map[string]float64 `json:"category_scores"`
	} `json:"results"`
}

// verdict applies the confidence threshold to the category scores. The
// vendor's own flagged bit is ignored so the threshold stays authoritative.
func (m *Moderator) verdict(raw json.RawMessage) (Verdict, error) {
	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Verdict{}, fmt.Errorf("decode moderation response: %w", err)
	}
	if len(resp.Results) == 0 {
		return Verdict{}, fmt.Errorf("decode moderation response: no results")
	}

	scores := resp.Results[0].CategoryScores
	v := Verdict{Scores: scores}
	for category, score := range scores {
		if score >= m.cfg.MinConfidence {
			v.Categories = append(v.Categories, category)
		}
	}
	sort.Strings(v.Categories)
	v.Flagged = len(v.Categories) > 0
	return v, nil
}

func (m *Moderator) track(ctx context.Context, ref domain.UsageRef, res *domain.GenerationResult) {
	if m.tracker == nil {
		return
	}
	entry := domain.UsageLogEntry{
		Provider:       Vendor,
		Model:          m.cfg.Model,
		ItemType:       domain.ItemModeration,
		RequestJSON:    res.Request,
		ResponseJSON:   res.Response,
		StatusCode:     res.StatusCode,
		ElapsedSeconds: res.Elapsed,
		Error:          res.Error,
	}
	entry.SetRef(ref)

	if _, err := m.tracker.Store(context.WithoutCancel(ctx), entry); err != nil {
		slog.Error("failed to store moderation usage", "user_id", ref.UserID, "error", err)
	}
}
