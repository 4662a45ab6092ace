package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/felipepmaragno/storyforge/internal/budget"
	"github.com/felipepmaragno/storyforge/internal/cost"
	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/notifications"
	"github.com/felipepmaragno/storyforge/internal/provider"
	"github.com/felipepmaragno/storyforge/internal/provider/openai"
	"github.com/felipepmaragno/storyforge/internal/provider/replicate"
	"github.com/felipepmaragno/storyforge/internal/queue"
	"github.com/felipepmaragno/storyforge/internal/repository"
	"github.com/felipepmaragno/storyforge/internal/router"
)

// chatReply wraps completion in an OpenAI chat response.
func chatReply(completion string) string {
	body, _ := json.Marshal(map[string]any{
		"id":    "chatcmpl-1",
		"model": "gpt-4o-mini",
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": completion}},
		},
		"usage": map[string]int{"prompt_tokens": 100, "completion_tokens": 400, "total_tokens": 500},
	})
	return string(body)
}

// MockTracker overrides Store on top of an in-memory ledger.
type MockTracker struct {
	*cost.InMemoryTracker
	StoreFunc func(ctx context.Context, entry domain.UsageLogEntry) (domain.UsageLogEntry, error)
}

func (m *MockTracker) Store(ctx context.Context, entry domain.UsageLogEntry) (domain.UsageLogEntry, error) {
	return m.StoreFunc(ctx, entry)
}

type fixture struct {
	content  *repository.InMemoryContentRepository
	tracker  *cost.InMemoryTracker
	notifier *notifications.InMemoryNotifier
	router   *router.Router

	mu           sync.Mutex
	chatRequests []map[string]any
	imgRequests  []map[string]any

	book      *domain.Book
	chapter   *domain.Chapter
	character *domain.Character
}

// newFixture serves chat replies in order (the last one repeats) and every
// image call with imageBody.
func newFixture(t *testing.T, chatStatus int, chatBodies []string, imageBody string) *fixture {
	t.Helper()
	f := &fixture{
		content:  repository.NewInMemoryContentRepository(),
		tracker:  cost.NewInMemoryTracker(),
		notifier: notifications.NewInMemoryNotifier(),
	}

	chatSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.chatRequests = append(f.chatRequests, req)
		n := len(f.chatRequests)
		f.mu.Unlock()

		w.WriteHeader(chatStatus)
		if n > len(chatBodies) {
			n = len(chatBodies)
		}
		w.Write([]byte(chatBodies[n-1]))
	}))
	t.Cleanup(chatSrv.Close)

	imgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.imgRequests = append(f.imgRequests, req)
		f.mu.Unlock()
		w.Write([]byte(imageBody))
	}))
	t.Cleanup(imgSrv.Close)

	r, err := router.New("openai", f.tracker,
		router.WithVendor(router.Vendor{
			Name:      "openai",
			CostPer1K: 0.002,
			NewClient: func() provider.Client { return openai.New(provider.Options{BaseURL: chatSrv.URL}) },
		}),
		router.WithImageVendor(router.ImageVendor{
			Name:     "replicate",
			NewImage: func() provider.ImageClient { return replicate.New(provider.Options{BaseURL: imgSrv.URL}) },
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	f.router = r

	ctx := context.Background()
	f.book = &domain.Book{UserID: "user-1", Title: "The Lost Star", Premise: "A fox looks for a fallen star", AgeGroup: "4-6"}
	if err := f.content.CreateBook(ctx, f.book); err != nil {
		t.Fatal(err)
	}
	f.chapter = &domain.Chapter{BookID: f.book.ID, Number: 1, Prompt: "The fox sees the star fall"}
	if err := f.content.CreateChapter(ctx, f.chapter); err != nil {
		t.Fatal(err)
	}
	f.character = &domain.Character{BookID: f.book.ID, Name: "Fennel", Description: "a curious red fox"}
	if err := f.content.CreateCharacter(ctx, f.character); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) generator(opts ...GeneratorOption) *Generator {
	opts = append([]GeneratorOption{WithNotifier(f.notifier)}, opts...)
	return NewGenerator(f.router, f.content, opts...)
}

func (f *fixture) job(t *testing.T, kind queue.Kind, payload any) queue.Job {
	t.Helper()
	job, err := queue.NewJob(kind, domain.UsageRef{UserID: "user-1", BookID: f.book.ID}, payload, 3, DefaultRetryFor)
	if err != nil {
		t.Fatal(err)
	}
	return job
}

const replicateOK = `{"id":"p-1","status":"succeeded","output":"https://replicate.delivery/cover.png"}`

func TestGenerator_GenerateChapter(t *testing.T) {
	f := newFixture(t, http.StatusOK, []string{
		chatReply(`{"title":"A Star Falls","content":"Fennel watched the sky.\n\nThen a star fell."}`),
	}, replicateOK)

	err := f.generator().Handle(context.Background(), f.job(t, queue.KindGenerateChapter, ChapterPayload{ChapterID: f.chapter.ID}))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	ch, _ := f.content.GetChapter(context.Background(), f.chapter.ID)
	if ch.Status != domain.StatusCompleted || ch.Title != "A Star Falls" || !strings.HasPrefix(ch.Content, "Fennel watched") {
		t.Errorf("unexpected chapter: %+v", ch)
	}

	req := f.chatRequests[0]
	format, _ := req["response_format"].(map[string]any)
	if format["type"] != domain.ResponseFormatJSON {
		t.Errorf("response_format = %v", req["response_format"])
	}
	messages, _ := req["messages"].([]any)
	system, _ := messages[0].(map[string]any)
	if system["role"] != "system" || !strings.Contains(system["content"].(string), "Fennel: a curious red fox") {
		t.Errorf("unexpected system message: %v", system)
	}

	entries := f.tracker.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 usage entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ItemType != domain.ItemChapter || e.ChapterID != f.chapter.ID || e.BookID != f.book.ID || e.UserID != "user-1" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if want := 500.0 / 1000 * 0.002; math.Abs(e.TotalCost-want) > 1e-12 {
		t.Errorf("TotalCost = %v, want %v", e.TotalCost, want)
	}

	if got := f.notifier.OfType(notifications.NotificationChapterUpdated); len(got) != 1 {
		t.Errorf("expected 1 chapter_updated, got %d", len(got))
	}
}

func TestGenerator_GenerateChapter_AsksForTitle(t *testing.T) {
	f := newFixture(t, http.StatusOK, []string{
		chatReply("```json\n{\"content\":\"Fennel ran through the woods.\"}\n```"),
		chatReply(`"The Midnight Run"`),
	}, replicateOK)

	if err := f.generator().Handle(context.Background(), f.job(t, queue.KindGenerateChapter, ChapterPayload{ChapterID: f.chapter.ID})); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	ch, _ := f.content.GetChapter(context.Background(), f.chapter.ID)
	if ch.Title != "The Midnight Run" {
		t.Errorf("Title = %q", ch.Title)
	}
	if len(f.chatRequests) != 2 {
		t.Fatalf("expected 2 chat calls, got %d", len(f.chatRequests))
	}
	if _, ok := f.chatRequests[1]["response_format"]; ok {
		t.Error("title request must use the text format")
	}

	items := map[domain.ItemType]int{}
	for _, e := range f.tracker.Entries() {
		items[e.ItemType]++
	}
	if items[domain.ItemChapter] != 1 || items[domain.ItemChapterTitle] != 1 {
		t.Errorf("unexpected usage items: %v", items)
	}
}

func TestGenerator_GenerateChapter_ProviderFailure(t *testing.T) {
	f := newFixture(t, http.StatusInternalServerError, []string{`{"error":{"message":"overloaded"}}`}, replicateOK)

	err := f.generator().Handle(context.Background(), f.job(t, queue.KindGenerateChapter, ChapterPayload{ChapterID: f.chapter.ID}))
	if !errors.Is(err, domain.ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
	if !Retryable(err) {
		t.Error("provider failures should be retryable")
	}

	entries := f.tracker.Entries()
	if len(entries) != 1 || entries[0].StatusCode != http.StatusInternalServerError || entries[0].Error == "" || entries[0].TotalCost != 0 {
		t.Errorf("failed call must still be tracked: %+v", entries)
	}

	ch, _ := f.content.GetChapter(context.Background(), f.chapter.ID)
	if ch.Status != domain.StatusProcessing {
		t.Errorf("Status = %s, want processing until the job gives up", ch.Status)
	}
}

func TestGenerator_GenerateChapter_UsageQueue(t *testing.T) {
	f := newFixture(t, http.StatusOK, []string{chatReply(`{"title":"T","content":"C"}`)}, replicateOK)
	q := queue.NewInMemoryQueue()
	g := f.generator(WithUsageQueue(NewEnqueuer(q, 3, DefaultRetryFor)))

	if err := g.Handle(context.Background(), f.job(t, queue.KindGenerateChapter, ChapterPayload{ChapterID: f.chapter.ID})); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if len(f.tracker.Entries()) != 0 {
		t.Error("usage must be deferred to the queue")
	}
	pending := q.Jobs()
	if len(pending) != 1 || pending[0].Kind != queue.KindTrackUsage {
		t.Fatalf("expected one track_usage job, got %+v", pending)
	}

	if err := g.Handle(context.Background(), pending[0]); err != nil {
		t.Fatalf("track usage: %v", err)
	}
	entries := f.tracker.Entries()
	if len(entries) != 1 || entries[0].ID == "" || entries[0].ChapterID != f.chapter.ID {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestGenerator_GenerateCover(t *testing.T) {
	f := newFixture(t, http.StatusOK, []string{chatReply("{}")}, replicateOK)
	ctx := context.Background()
	f.content.UpdateCharacterPortrait(ctx, f.character.ID, domain.StatusCompleted, "https://cdn.example.com/fennel.png", "")

	if err := f.generator().Handle(ctx, f.job(t, queue.KindGenerateCover, CoverPayload{BookID: f.book.ID})); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	book, _ := f.content.GetBook(ctx, f.book.ID)
	if book.CoverStatus != domain.StatusCompleted || book.CoverURL != "https://replicate.delivery/cover.png" {
		t.Errorf("unexpected book: %+v", book)
	}

	input, _ := f.imgRequests[0]["input"].(map[string]any)
	images, _ := input["input_images"].([]any)
	if len(images) != 1 || images[0] != "https://cdn.example.com/fennel.png" {
		t.Errorf("input_images = %v", input["input_images"])
	}
	if input["aspect_ratio"] != CoverAspectRatio || !strings.Contains(input["prompt"].(string), "Fennel") {
		t.Errorf("unexpected input: %v", input)
	}

	entries := f.tracker.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ItemType != domain.ItemCover || e.InputImages != 1 || e.OutputImages != 1 || math.Abs(e.TotalCost-0.03) > 1e-9 {
		t.Errorf("unexpected entry: %+v", e)
	}
	if got := f.notifier.OfType(notifications.NotificationCoverUpdated); len(got) != 1 {
		t.Errorf("expected cover notification, got %d", len(got))
	}
}

func TestGenerator_GeneratePortrait_NoOutput(t *testing.T) {
	f := newFixture(t, http.StatusOK, []string{chatReply("{}")}, `{"id":"p-2","status":"failed","output":null}`)
	ctx := context.Background()

	err := f.generator().Handle(ctx, f.job(t, queue.KindGeneratePortrait, PortraitPayload{CharacterID: f.character.ID}))
	if !errors.Is(err, domain.ErrProviderApplication) {
		t.Fatalf("expected ErrProviderApplication, got %v", err)
	}

	e := f.tracker.Entries()[0]
	if e.ItemType != domain.ItemCharacterPortrait || e.OutputImages != 0 || e.TotalCost != 0 || e.Error == "" {
		t.Errorf("image without output must not be billed: %+v", e)
	}
}

func TestGenerator_GeneratePortrait(t *testing.T) {
	f := newFixture(t, http.StatusOK, []string{chatReply("{}")}, replicateOK)
	ctx := context.Background()

	if err := f.generator().Handle(ctx, f.job(t, queue.KindGeneratePortrait, PortraitPayload{CharacterID: f.character.ID})); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	c, _ := f.content.GetCharacter(ctx, f.character.ID)
	if c.PortraitStatus != domain.StatusCompleted || c.PortraitURL == "" {
		t.Errorf("unexpected character: %+v", c)
	}
	input, _ := f.imgRequests[0]["input"].(map[string]any)
	if _, ok := input["input_images"]; ok {
		t.Error("portraits are generated without reference images")
	}
	if e := f.tracker.Entries()[0]; e.CharacterID != f.character.ID || e.TotalCost <= 0 {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestGenerator_BudgetExceeded(t *testing.T) {
	f := newFixture(t, http.StatusOK, []string{chatReply("{}")}, replicateOK)
	ctx := context.Background()
	f.tracker.Store(ctx, domain.UsageLogEntry{UserID: "user-1", ItemType: domain.ItemChapter, TotalCost: 5})

	monitor := budget.NewMonitor(f.tracker, 1, budget.DefaultThresholds())
	err := f.generator(WithBudget(monitor)).Handle(ctx, f.job(t, queue.KindGenerateChapter, ChapterPayload{ChapterID: f.chapter.ID}))

	if !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if Retryable(err) {
		t.Error("budget errors must not be retried")
	}
	if len(f.chatRequests) != 0 {
		t.Error("no provider call expected over budget")
	}
}

func TestGenerator_TrackUsage_BudgetAlert(t *testing.T) {
	f := newFixture(t, http.StatusOK, []string{chatReply("{}")}, replicateOK)
	ctx := context.Background()

	monitor := budget.NewMonitor(f.tracker, 1, budget.DefaultThresholds(), budget.WithNotifier(f.notifier))
	g := f.generator(WithBudget(monitor))

	job, _ := queue.NewJob(queue.KindTrackUsage, domain.UsageRef{UserID: "user-1"},
		domain.UsageLogEntry{ID: "entry-1", UserID: "user-1", ItemType: domain.ItemCover, TotalCost: 0.9}, 3, DefaultRetryFor)
	if err := g.Handle(ctx, job); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	alerts := f.notifier.OfType(notifications.NotificationBudgetWarning)
	if len(alerts) != 1 || alerts[0].Channel != "user.user-1" {
		t.Errorf("expected one budget warning, got %+v", f.notifier.GetNotifications())
	}
}

func TestGenerator_TrackUsage_Redelivered(t *testing.T) {
	f := newFixture(t, http.StatusOK, []string{chatReply("{}")}, replicateOK)
	ctx := context.Background()
	g := f.generator()

	job, _ := queue.NewJob(queue.KindTrackUsage, domain.UsageRef{UserID: "user-1"},
		domain.UsageLogEntry{ID: "entry-1", UserID: "user-1", ItemType: domain.ItemChat, TotalCost: 0.01}, 3, DefaultRetryFor)
	for i := 0; i < 2; i++ {
		if err := g.Handle(ctx, job); err != nil {
			t.Fatalf("Handle() delivery %d error = %v", i+1, err)
		}
	}
	if n := len(f.tracker.Entries()); n != 1 {
		t.Errorf("ledger has %d entries, want 1", n)
	}
}

func TestGenerator_TrackUsage_StoreError(t *testing.T) {
	f := newFixture(t, http.StatusOK, []string{chatReply("{}")}, replicateOK)
	ctx := context.Background()

	tracker := &MockTracker{
		InMemoryTracker: cost.NewInMemoryTracker(),
		StoreFunc: func(ctx context.Context, entry domain.UsageLogEntry) (domain.UsageLogEntry, error) {
			return entry, fmt.Errorf("store: %w", domain.ErrInvalidRequest)
		},
	}
	r, err := router.New("openai", tracker, router.WithVendor(router.Vendor{
		Name:      "openai",
		NewClient: func() provider.Client { return openai.New(provider.Options{BaseURL: "http://127.0.0.1:1"}) },
	}))
	if err != nil {
		t.Fatal(err)
	}
	g := NewGenerator(r, f.content)

	job, _ := queue.NewJob(queue.KindTrackUsage, domain.UsageRef{UserID: "user-1"},
		domain.UsageLogEntry{ID: "entry-2", UserID: "user-1", ItemType: domain.ItemChat}, 3, DefaultRetryFor)
	if err := g.Handle(ctx, job); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("a rejected entry must surface, got %v", err)
	}
}

func TestGenerator_Fail(t *testing.T) {
	f := newFixture(t, http.StatusOK, []string{chatReply("{}")}, replicateOK)
	ctx := context.Background()
	g := f.generator()

	tests := []struct {
		name    string
		job     queue.Job
		subject string
		check   func(t *testing.T)
	}{
		{
			name:    "chapter",
			job:     f.job(t, queue.KindGenerateChapter, ChapterPayload{ChapterID: f.chapter.ID}),
			subject: "chapter",
			check: func(t *testing.T) {
				ch, _ := f.content.GetChapter(ctx, f.chapter.ID)
				if ch.Status != domain.StatusFailed || ch.Error == "" {
					t.Errorf("unexpected chapter: %+v", ch)
				}
			},
		},
		{
			name:    "cover",
			job:     f.job(t, queue.KindGenerateCover, CoverPayload{BookID: f.book.ID}),
			subject: "cover",
			check: func(t *testing.T) {
				b, _ := f.content.GetBook(ctx, f.book.ID)
				if b.CoverStatus != domain.StatusFailed || b.CoverError == "" {
					t.Errorf("unexpected book: %+v", b)
				}
			},
		},
		{
			name:    "portrait",
			job:     f.job(t, queue.KindGeneratePortrait, PortraitPayload{CharacterID: f.character.ID}),
			subject: "portrait",
			check: func(t *testing.T) {
				c, _ := f.content.GetCharacter(ctx, f.character.ID)
				if c.PortraitStatus != domain.StatusFailed || c.PortraitError == "" {
					t.Errorf("unexpected character: %+v", c)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.notifier.Clear()
			g.Fail(ctx, tt.job, domain.ErrGenerationFailed)
			tt.check(t)

			failed := f.notifier.OfType(notifications.NotificationGenerationFailed)
			if len(failed) != 1 || failed[0].Data["subject"] != tt.subject || failed[0].Channel != "user.user-1" {
				t.Errorf("unexpected notifications: %+v", f.notifier.GetNotifications())
			}
		})
	}
}

func TestGenerator_UnknownKind(t *testing.T) {
	f := newFixture(t, http.StatusOK, []string{chatReply("{}")}, replicateOK)
	err := f.generator().Handle(context.Background(), queue.Job{Kind: "compose_song"})
	if !errors.Is(err, domain.ErrInvalidRequest) || Retryable(err) {
		t.Errorf("expected permanent ErrInvalidRequest, got %v", err)
	}
}

func TestFailureMessage(t *testing.T) {
	tests := []struct {
		err      error
		contains string
	}{
		{domain.ErrBudgetExceeded, "budget"},
		{domain.ErrContentFlagged, "moderation"},
		{domain.ErrProviderNotFound, "provider"},
		{domain.ErrCircuitBreakerOpen, "temporarily"},
		{domain.ErrTimeoutExceeded, "too long"},
		{errors.New("boom"), "Generation failed"},
	}
	for _, tt := range tests {
		if got := FailureMessage(tt.err); !strings.Contains(got, tt.contains) {
			t.Errorf("FailureMessage(%v) = %q", tt.err, got)
		}
	}
}
