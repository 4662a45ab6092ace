package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/felipepmaragno/storyforge/internal/cache"
	"github.com/felipepmaragno/storyforge/internal/cost"
	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/provider"
)

const cleanResponse = `{"id":"modr-1","model":"omni-moderation-latest","results":[{"flagged":false,"category_scores":{"violence":0.02,"hate":0.001}}]}`

const violentResponse = `{"id":"modr-2","model":"omni-moderation-latest","results":[{"flagged":true,"category_scores":{"violence":0.91,"harassment":0.6,"hate":0.1}}]}`

func moderationServer(t *testing.T, status int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/moderations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" || req.Input == "" {
			t.Errorf("bad request body: %+v, %v", req, err)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newModerator(srvURL string, cfg Config, c cache.Cache, tracker cost.Tracker) *Moderator {
	return New(cfg, provider.Options{APIKey: "sk-test", BaseURL: srvURL}, c, tracker)
}

func TestModerator_Check(t *testing.T) {
	tests := []struct {
		name           string
		status         int
		body           string
		minConfidence  float64
		wantFlagged    bool
		wantCategories []string
	}{
		{"clean text", 200, cleanResponse, 0.5, false, nil},
		{"violent text", 200, violentResponse, 0.5, true, []string{"harassment", "violence"}},
		{"threshold above scores", 200, violentResponse, 0.95, false, nil},
		{"vendor error fails open", 500, `{"error":{"message":"overloaded"}}`, 0.5, false, nil},
		{"embedded error fails open", 200, `{"error":"bad key"}`, 0.5, false, nil},
		{"no results fails open", 200, `{"results":[]}`, 0.5, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := moderationServer(t, tt.status, tt.body)
			tracker := cost.NewInMemoryTracker()
			m := newModerator(srv.URL, Config{Enabled: true, MinConfidence: tt.minConfidence}, nil, tracker)

			v, err := m.Check(context.Background(), domain.UsageRef{UserID: "u1"}, "the dragon bites the knight")
			if err != nil {
				t.Fatalf("Check() error: %v", err)
			}
			if v.Flagged != tt.wantFlagged {
				t.Errorf("Flagged = %v, want %v", v.Flagged, tt.wantFlagged)
			}
			if !reflect.DeepEqual(v.Categories, tt.wantCategories) {
				t.Errorf("Categories = %v, want %v", v.Categories, tt.wantCategories)
			}

			entries := tracker.Entries()
			if len(entries) != 1 {
				t.Fatalf("expected 1 usage entry, got %d", len(entries))
			}
			e := entries[0]
			if e.ItemType != domain.ItemModeration || e.UserID != "u1" || e.TotalCost != 0 || e.Model != DefaultModel {
				t.Errorf("unexpected usage entry: %+v", e)
			}
			if (e.Error != "") != (tt.status != 200 || tt.body == `{"error":"bad key"}`) {
				t.Errorf("usage entry error = %q", e.Error)
			}
		})
	}
}

func TestModerator_Disabled(t *testing.T) {
	srv, calls := moderationServer(t, 200, violentResponse)
	m := newModerator(srv.URL, Config{Enabled: false}, nil, nil)

	v, err := m.Check(context.Background(), domain.UsageRef{UserID: "u1"}, "anything")
	if err != nil || v.Flagged {
		t.Errorf("Check() = %+v, %v", v, err)
	}
	if atomic.LoadInt32(calls) != 0 {
		t.Error("disabled moderator must not call the vendor")
	}
}

func TestModerator_BlankText(t *testing.T) {
	srv, calls := moderationServer(t, 200, violentResponse)
	m := newModerator(srv.URL, Config{Enabled: true}, nil, nil)

	if v, err := m.Check(context.Background(), domain.UsageRef{}, "   "); err != nil || v.Flagged {
		t.Errorf("Check() = %+v, %v", v, err)
	}
	if atomic.LoadInt32(calls) != 0 {
		t.Error("blank text must not call the vendor")
	}
}

func TestModerator_Cached(t *testing.T) {
	srv, calls := moderationServer(t, 200, violentResponse)
	c := cache.NewInMemoryCache()
	defer c.Close()
	tracker := cost.NewInMemoryTracker()
	m := newModerator(srv.URL, Config{Enabled: true}, c, tracker)
	ctx := context.Background()
	ref := domain.UsageRef{UserID: "u1"}

	first, err := m.Check(ctx, ref, "the dragon bites the knight")
	if err != nil || !first.Flagged || first.Cached {
		t.Fatalf("first Check() = %+v, %v", first, err)
	}

	second, err := m.Check(ctx, ref, "the dragon bites the knight")
	if err != nil || !second.Flagged || !second.Cached {
		t.Fatalf("second Check() = %+v, %v", second, err)
	}
	if !reflect.DeepEqual(first.Categories, second.Categories) {
		t.Errorf("cached categories differ: %v vs %v", first.Categories, second.Categories)
	}

	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("expected 1 vendor call, got %d", n)
	}
	if n := len(tracker.Entries()); n != 1 {
		t.Errorf("expected 1 usage entry, got %d", n)
	}
}

func TestModerator_FailureNotCached(t *testing.T) {
	srv, calls := moderationServer(t, 503, "")
	c := cache.NewInMemoryCache()
	defer c.Close()
	m := newModerator(srv.URL, Config{Enabled: true}, c, nil)
	ctx := context.Background()

	m.Check(ctx, domain.UsageRef{}, "hello")
	m.Check(ctx, domain.UsageRef{}, "hello")

	if n := atomic.LoadInt32(calls); n != 2 {
		t.Errorf("failures must not be cached, got %d calls", n)
	}
}

func TestModerator_Require(t *testing.T) {
	srv, _ := moderationServer(t, 200, violentResponse)
	m := newModerator(srv.URL, Config{Enabled: true}, nil, nil)

	err := m.Require(context.Background(), domain.UsageRef{UserID: "u1"}, "the dragon bites the knight")
	if !errors.Is(err, domain.ErrContentFlagged) {
		t.Errorf("expected ErrContentFlagged, got %v", err)
	}

	clean, _ := moderationServer(t, 200, cleanResponse)
	m = newModerator(clean.URL, Config{Enabled: true}, nil, nil)
	if err := m.Require(context.Background(), domain.UsageRef{UserID: "u1"}, "a friendly dragon"); err != nil {
		t.Errorf("Require() error: %v", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	m := New(Config{Enabled: true}, provider.Options{}, nil, nil)
	if m.Model() != DefaultModel || m.cfg.MinConfidence != DefaultMinConfidence || m.cfg.CacheTTL != DefaultCacheTTL {
		t.Errorf("unexpected defaults: %+v", m.cfg)
	}
	if !m.Enabled() {
		t.Error("expected enabled")
	}
}
