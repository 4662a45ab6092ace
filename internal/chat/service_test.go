package chat

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/felipepmaragno/storyforge/internal/cost"
	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/provider"
	"github.com/felipepmaragno/storyforge/internal/provider/openai"
)

const helloResponse = `{"id":"chatcmpl-1","model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"Hello!"}}],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`

type MockTracker struct {
	StoreFunc func(ctx context.Context, entry domain.UsageLogEntry) (domain.UsageLogEntry, error)
}

func (m *MockTracker) Store(ctx context.Context, entry domain.UsageLogEntry) (domain.UsageLogEntry, error) {
	return m.StoreFunc(ctx, entry)
}

func (m *MockTracker) List(ctx context.Context, filter cost.UsageFilter) ([]domain.UsageLogEntry, error) {
	return nil, nil
}

func (m *MockTracker) TotalCost(ctx context.Context, userID string, since time.Time) (float64, error) {
	return 0, nil
}

// recordingServer answers every chat call with body and keeps the decoded
// requests.
func recordingServer(t *testing.T, body string) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var requests []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		requests = append(requests, req)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func TestService_Chat_Success(t *testing.T) {
	srv, _ := recordingServer(t, helloResponse)
	svc := New(openai.New(provider.Options{BaseURL: srv.URL}), 0.002, cost.NewInMemoryTracker())

	svc.SetContext("You are Alice")
	svc.AddUserMessage("Hi")
	out := svc.Chat(context.Background())

	if out.Failed() {
		t.Fatalf("unexpected error: %s", out.Error)
	}
	if out.Completion != "Hello!" || out.PromptTokens != 10 || out.CompletionTokens != 2 || out.TotalTokens != 12 {
		t.Errorf("outcome = %+v", out)
	}
	if want := 12.0 / 1000 * 0.002; math.Abs(out.TotalCost-want) > 1e-12 {
		t.Errorf("TotalCost = %v, want %v", out.TotalCost, want)
	}
	if out.Model != "gpt-4o-mini" || out.ID != "chatcmpl-1" || out.CostPerToken != 0.002 {
		t.Errorf("outcome = %+v", out)
	}
	if svc.Completion() != "Hello!" || svc.TotalTokens() != 12 || svc.Err() != "" {
		t.Error("accessors must mirror the outcome")
	}
}

func TestService_Chat_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	}))
	defer srv.Close()

	svc := New(openai.New(provider.Options{BaseURL: srv.URL, Timeout: 20 * time.Millisecond}), 0.002, nil)
	svc.AddUserMessage("Hi")
	out := svc.Chat(context.Background())

	if !strings.HasPrefix(out.Error, "Request failed: ") {
		t.Errorf("Error = %q", out.Error)
	}
	if out.Completion != "" || out.PromptTokens != 0 || out.CompletionTokens != 0 || out.TotalTokens != 0 || out.TotalCost != 0 {
		t.Errorf("numeric fields must be zero on failure: %+v", out)
	}
	if out.StatusCode != 500 {
		t.Errorf("StatusCode = %d", out.StatusCode)
	}
}

func TestService_Chat_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"http error", 429, `{"error":{"message":"Rate limit reached"}}`, `{"error":{"message":"Rate limit reached"}}`},
		{"empty error body", 502, ``, "No response"},
		{"embedded error", 200, `{"error":{"message":"model overloaded"}}`, "model overloaded"},
		{"no choices", 200, `{"id":"x","choices":[]}`, "decode response: no choices"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			svc := New(openai.New(provider.Options{BaseURL: srv.URL}), 0.002, nil)
			svc.AddUserMessage("Hi")
			out := svc.Chat(context.Background())

			if out.Error != tt.wantErr {
				t.Errorf("Error = %q, want %q", out.Error, tt.wantErr)
			}
			if out.Completion != "" || out.TotalTokens != 0 || out.TotalCost != 0 {
				t.Errorf("outcome = %+v", out)
			}
		})
	}
}

func TestService_SetContext_Replaces(t *testing.T) {
	srv, requests := recordingServer(t, helloResponse)
	svc := New(openai.New(provider.Options{BaseURL: srv.URL}), 0, nil)

	svc.AddUserMessage("Hi")
	svc.SetContext("You are Alice")
	svc.SetContext("You are Bob")
	svc.AddSystemMessage("You are Carol")
	svc.Chat(context.Background())

	msgs := (*requests)[0]["messages"].([]any)
	var systems []string
	for _, m := range msgs {
		msg := m.(map[string]any)
		if msg["role"] == "system" {
			systems = append(systems, msg["content"].(string))
		}
	}
	if len(systems) != 1 || systems[0] != "You are Carol" {
		t.Errorf("system messages = %v", systems)
	}
	if first := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("system message must lead the transcript, got %v", first)
	}
}

func TestService_ResetMessages(t *testing.T) {
	svc := New(openai.New(provider.Options{}), 0, nil)

	svc.ResetMessages()
	if len(svc.Messages()) != 0 {
		t.Error("expected empty transcript")
	}

	svc.SetContext("ctx")
	svc.AddUserMessage("a")
	svc.AddAssistantMessage("b")
	if len(svc.Messages()) != 3 {
		t.Fatalf("len = %d", len(svc.Messages()))
	}

	svc.ResetMessages()
	if len(svc.Messages()) != 0 {
		t.Error("expected empty transcript after reset")
	}
}

func TestService_Complete(t *testing.T) {
	srv, requests := recordingServer(t, `{"id":"cmpl-1","model":"gpt-3.5-turbo-instruct","choices":[{"text":"Once"}],"usage":{"prompt_tokens":5,"completion_tokens":1,"total_tokens":6}}`)
	svc := New(openai.New(provider.Options{BaseURL: srv.URL, Model: "gpt-3.5-turbo-instruct", MaxTokens: 64}), 0.0015, nil)

	svc.AddUserMessage("kept")
	out := svc.Complete(context.Background(), "Write a story")

	if out.Completion != "Once" || out.TotalTokens != 6 {
		t.Errorf("outcome = %+v", out)
	}
	if (*requests)[0]["prompt"] != "Write a story" || (*requests)[0]["max_tokens"] != float64(64) {
		t.Errorf("request = %v", (*requests)[0])
	}
	if len(svc.Messages()) != 1 {
		t.Error("Complete must not touch the transcript")
	}
}

func TestService_SetTemperature(t *testing.T) {
	svc := New(openai.New(provider.Options{}), 0, nil)
	if got := svc.SetTemperature(3); got != provider.MaxTemperature {
		t.Errorf("SetTemperature(3) = %v", got)
	}
	if got := svc.SetTemperature(0.4); got != 0.4 {
		t.Errorf("SetTemperature(0.4) = %v", got)
	}
}

func TestService_TrackRequestLog(t *testing.T) {
	srv, _ := recordingServer(t, helloResponse)
	tracker := cost.NewInMemoryTracker()
	svc := New(openai.New(provider.Options{BaseURL: srv.URL}), 0.002, tracker)

	svc.AddUserMessage("Hi")
	svc.Chat(context.Background())

	ref := domain.UsageRef{UserID: "user-1", BookID: "book-1"}
	entry, err := svc.TrackRequestLog(context.Background(), ref, domain.ItemChat)
	if err != nil {
		t.Fatalf("TrackRequestLog() error: %v", err)
	}
	if entry.ID == "" || entry.UserID != "user-1" || entry.BookID != "book-1" || entry.ChapterID != "" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Provider != "openai" || entry.StatusCode != 200 || entry.TotalTokens != 12 {
		t.Errorf("entry = %+v", entry)
	}
	if len(entry.RequestJSON) == 0 || len(entry.ResponseJSON) == 0 {
		t.Error("expected raw request and response")
	}
	if len(tracker.Entries()) != 1 {
		t.Errorf("expected exactly one stored entry, got %d", len(tracker.Entries()))
	}
}

func TestService_TrackRequestLog_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	var stored domain.UsageLogEntry
	tracker := &MockTracker{
		StoreFunc: func(ctx context.Context, entry domain.UsageLogEntry) (domain.UsageLogEntry, error) {
			stored = entry
			return entry, nil
		},
	}
	svc := New(openai.New(provider.Options{BaseURL: srv.URL}), 0.002, tracker)
	svc.AddUserMessage("Hi")
	svc.Chat(context.Background())

	if _, err := svc.TrackRequestLog(context.Background(), domain.UsageRef{UserID: "u"}, domain.ItemChapter); err != nil {
		t.Fatalf("TrackRequestLog() error: %v", err)
	}
	if stored.StatusCode != 500 || stored.Error != "No response" || stored.TotalCost != 0 {
		t.Errorf("failed calls must still be logged with their status: %+v", stored)
	}

	broken := &MockTracker{
		StoreFunc: func(ctx context.Context, entry domain.UsageLogEntry) (domain.UsageLogEntry, error) {
			return domain.UsageLogEntry{}, errors.New("db down")
		},
	}
	svc = New(openai.New(provider.Options{BaseURL: srv.URL}), 0, broken)
	if _, err := svc.TrackRequestLog(context.Background(), domain.UsageRef{}, domain.ItemChat); err == nil {
		t.Error("expected tracker error")
	}
}
