package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/felipepmaragno/storyforge/internal/budget"
	"github.com/felipepmaragno/storyforge/internal/chat"
	"github.com/felipepmaragno/storyforge/internal/cost"
	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/notifications"
	"github.com/felipepmaragno/storyforge/internal/provider"
	"github.com/felipepmaragno/storyforge/internal/queue"
	"github.com/felipepmaragno/storyforge/internal/repository"
	"github.com/felipepmaragno/storyforge/internal/router"
)

const (
	CoverAspectRatio    = "3:4"
	PortraitAspectRatio = "1:1"
)

// Handler processes one job. Fail is called once when a job has failed
// for the last time.
type Handler interface {
	Handle(ctx context.Context, job queue.Job) error
	Fail(ctx context.Context, job queue.Job, err error)
}

// Retryable reports whether another attempt could succeed.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrDuplicate),
		errors.Is(err, domain.ErrContentFlagged),
		errors.Is(err, domain.ErrBudgetExceeded),
		errors.Is(err, domain.ErrProviderNotFound):
		return false
	}
	return true
}

// Generator handles every job kind.
type Generator struct {
	router   *router.Router
	content  repository.ContentRepository
	tracker  cost.Tracker
	usage    *Enqueuer
	notifier notifications.Notifier
	monitor  *budget.Monitor
}

type GeneratorOption func(*Generator)

// WithUsageQueue defers ledger writes to track_usage jobs. Without it
// entries are stored inline.
func WithUsageQueue(e *Enqueuer) GeneratorOption {
	return func(g *Generator) { g.usage = e }
}

func WithNotifier(n notifications.Notifier) GeneratorOption {
	return func(g *Generator) { g.notifier = n }
}

func WithBudget(m *budget.Monitor) GeneratorOption {
	return func(g *Generator) { g.monitor = m }
}

func NewGenerator(r *router.Router, content repository.ContentRepository, opts ...GeneratorOption) *Generator {
	g := &Generator{
		router:  r,
		content: content,
		tracker: r.Tracker(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) Handle(ctx context.Context, job queue.Job) error {
	switch job.Kind {
	case queue.KindGenerateChapter:
		return g.generateChapter(ctx, job)
	case queue.KindGenerateCover:
		return g.generateCover(ctx, job)
	case queue.KindGeneratePortrait:
		return g.generatePortrait(ctx, job)
	case queue.KindTrackUsage:
		return g.trackUsage(ctx, job)
	default:
		return fmt.Errorf("job kind %q: %w", job.Kind, domain.ErrInvalidRequest)
	}
}

type chapterDraft struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (g *Generator) generateChapter(ctx context.Context, job queue.Job) error {
	var p ChapterPayload
	if err := job.Decode(&p); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}

	ch, err := g.content.GetChapter(ctx, p.ChapterID)
	if err != nil {
		return fmt.Errorf("load chapter: %w", err)
	}
	book, err := g.content.GetBook(ctx, ch.BookID)
	if err != nil {
		return fmt.Errorf("load book: %w", err)
	}
	characters, err := g.content.ListCharacters(ctx, book.ID)
	if err != nil {
		return fmt.Errorf("list characters: %w", err)
	}
	chapters, err := g.content.ListChapters(ctx, book.ID)
	if err != nil {
		return fmt.Errorf("list chapters: %w", err)
	}

	ref := job.Ref
	ref.BookID, ref.ChapterID = book.ID, ch.ID

	if err := g.checkBudget(ctx, ref.UserID); err != nil {
		return err
	}

	ch.Status, ch.Error = domain.StatusProcessing, ""
	if err := g.content.UpdateChapter(ctx, ch); err != nil {
		return fmt.Errorf("update chapter: %w", err)
	}

	var previous []domain.Chapter
	for _, c := range chapters {
		if c.Number < ch.Number {
			previous = append(previous, c)
		}
	}

	svc := g.router.Provider(p.Provider).Chat()
	if p.Model != "" {
		svc.SetModel(p.Model)
	}
	svc.SetResponseFormat(domain.ResponseFormatJSON)
	svc.SetContext(storyTellerPrompt(*book, characters, previous))
	svc.AddUserMessage(chapterRequest(*ch))

	out := svc.Chat(ctx)
	g.track(ctx, svc.UsageEntry(ref, domain.ItemChapter))
	if out.Failed() {
		return fmt.Errorf("generate chapter: %w: %s", domain.ErrGenerationFailed, out.Error)
	}

	var draft chapterDraft
	if err := chat.DecodeJSON(out.Completion, &draft); err != nil {
		return fmt.Errorf("generate chapter: %w", err)
	}
	if strings.TrimSpace(draft.Content) == "" {
		return fmt.Errorf("generate chapter: %w: empty content", domain.ErrGenerationFailed)
	}

	if strings.TrimSpace(ch.Title) == "" {
		ch.Title = strings.TrimSpace(draft.Title)
	}
	if ch.Title == "" {
		ch.Title = g.chapterTitle(ctx, svc, ref, *ch, out.Completion)
	}
	ch.Content = strings.TrimSpace(draft.Content)
	ch.Status, ch.Error = domain.StatusCompleted, ""
	if err := g.content.UpdateChapter(ctx, ch); err != nil {
		return fmt.Errorf("update chapter: %w", err)
	}

	slog.Info("chapter generated",
		"job_id", job.ID,
		"book_id", book.ID,
		"chapter_id", ch.ID,
		"provider", svc.Provider(),
		"model", out.Model,
		"cost", out.TotalCost,
	)
	g.broadcast(ctx, notifications.ChapterUpdated(*ch))
	return nil
}

// chapterTitle asks for a title in the same conversation. A failed call
// falls back to a numbered title.
func (g *Generator) chapterTitle(ctx context.Context, svc *chat.Service, ref domain.UsageRef, ch domain.Chapter, completion string) string {
	svc.SetResponseFormat(domain.ResponseFormatText)
	svc.AddAssistantMessage(completion)
	svc.AddUserMessage(titleRequest)

	out := svc.Chat(ctx)
	g.track(ctx, svc.UsageEntry(ref, domain.ItemChapterTitle))

	title := strings.Trim(strings.TrimSpace(out.Completion), `"'`)
	if out.Failed() || title == "" {
		return fmt.Sprintf("Chapter %d", ch.Number)
	}
	return title
}

func (g *Generator) generateCover(ctx context.Context, job queue.Job) error {
	var p CoverPayload
	if err := job.Decode(&p); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}

	book, err := g.content.GetBook(ctx, p.BookID)
	if err != nil {
		return fmt.Errorf("load book: %w", err)
	}
	characters, err := g.content.ListCharacters(ctx, book.ID)
	if err != nil {
		return fmt.Errorf("list characters: %w", err)
	}

	ref := job.Ref
	ref.BookID = book.ID

	if err := g.checkBudget(ctx, ref.UserID); err != nil {
		return err
	}
	if err := g.content.UpdateBookCover(ctx, book.ID, domain.StatusProcessing, "", ""); err != nil {
		return fmt.Errorf("update cover: %w", err)
	}

	var portraits []string
	for _, c := range characters {
		if c.PortraitStatus == domain.StatusCompleted && c.PortraitURL != "" {
			portraits = append(portraits, c.PortraitURL)
		}
	}

	url, err := g.generateImage(ctx, ref, domain.ItemCover, p.Provider, p.Model, provider.ImageRequest{
		Prompt:      coverPrompt(*book, characters),
		AspectRatio: CoverAspectRatio,
		InputImages: portraits,
	})
	if err != nil {
		return fmt.Errorf("generate cover: %w", err)
	}

	if err := g.content.UpdateBookCover(ctx, book.ID, domain.StatusCompleted, url, ""); err != nil {
		return fmt.Errorf("update cover: %w", err)
	}
	if updated, err := g.content.GetBook(ctx, book.ID); err == nil {
		g.broadcast(ctx, notifications.CoverUpdated(*updated))
	}
	return nil
}

func (g *Generator) generatePortrait(ctx context.Context, job queue.Job) error {
	var p PortraitPayload
	if err := job.Decode(&p); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}

	character, err := g.content.GetCharacter(ctx, p.CharacterID)
	if err != nil {
		return fmt.Errorf("load character: %w", err)
	}
	book, err := g.content.GetBook(ctx, character.BookID)
	if err != nil {
		return fmt.Errorf("load book: %w", err)
	}

	ref := job.Ref
	ref.BookID, ref.CharacterID = book.ID, character.ID

	if err := g.checkBudget(ctx, ref.UserID); err != nil {
		return err
	}
	if err := g.content.UpdateCharacterPortrait(ctx, character.ID, domain.StatusProcessing, "", ""); err != nil {
		return fmt.Errorf("update portrait: %w", err)
	}

	url, err := g.generateImage(ctx, ref, domain.ItemCharacterPortrait, p.Provider, p.Model, provider.ImageRequest{
		Prompt:      portraitPrompt(*book, *character),
		AspectRatio: PortraitAspectRatio,
	})
	if err != nil {
		return fmt.Errorf("generate portrait: %w", err)
	}

	if err := g.content.UpdateCharacterPortrait(ctx, character.ID, domain.StatusCompleted, url, ""); err != nil {
		return fmt.Errorf("update portrait: %w", err)
	}
	if updated, err := g.content.GetCharacter(ctx, character.ID); err == nil {
		g.broadcast(ctx, notifications.PortraitUpdated(*updated))
	}
	return nil
}

// generateImage makes one image call, records its usage and returns the
// image URL.
func (g *Generator) generateImage(ctx context.Context, ref domain.UsageRef, item domain.ItemType, vendor, model string, req provider.ImageRequest) (string, error) {
	img, ok := g.router.Image(vendor)
	if !ok {
		return "", fmt.Errorf("%w: no image vendor registered", domain.ErrProviderNotFound)
	}
	if model != "" {
		img.SetModel(model)
	}

	res := img.GenerateImage(ctx, req)
	entry := ImageUsageEntry(img, res, ref, item, len(req.InputImages), g.router.ImagePricing())

	var url string
	if res.OK() {
		var err error
		if url, err = img.ImageURL(res.Response); err != nil {
			entry.Error = err.Error()
			entry.OutputImages, entry.TotalCost = 0, 0
		}
	}
	g.track(ctx, entry)

	if !res.OK() {
		return "", res.Err()
	}
	if entry.Error != "" {
		return "", fmt.Errorf("%w: %s", domain.ErrProviderApplication, entry.Error)
	}
	return url, nil
}

// ImageUsageEntry describes an image call as a ledger entry. Only a
// successful call produces an output image and a cost.
func ImageUsageEntry(img provider.ImageClient, res *domain.GenerationResult, ref domain.UsageRef, item domain.ItemType, inputImages int, pricing *cost.ImagePricing) domain.UsageLogEntry {
	entry := domain.UsageLogEntry{
		Provider:       img.ID(),
		Model:          img.Model(),
		ItemType:       item,
		RequestJSON:    res.Request,
		ResponseJSON:   res.Response,
		StatusCode:     res.StatusCode,
		ElapsedSeconds: res.Elapsed,
		InputImages:    inputImages,
		Error:          res.Error,
		CreatedAt:      time.Now().UTC(),
	}
	entry.SetRef(ref)
	if res.OK() {
		entry.OutputImages = 1
		entry.TotalCost = pricing.Cost(entry.Model, inputImages, 1)
	}
	return entry
}

func (g *Generator) trackUsage(ctx context.Context, job queue.Job) error {
	var entry domain.UsageLogEntry
	if err := job.Decode(&entry); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}

	stored, err := g.tracker.Store(ctx, entry)
	if errors.Is(err, domain.ErrDuplicate) {
		slog.Debug("usage entry already stored", "job_id", job.ID, "entry_id", entry.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("store usage: %w", err)
	}

	NewRecorder(g.tracker, nil, g.monitor).Stored(ctx, stored)
	return nil
}

// track records an entry for every call, successful or not.
func (g *Generator) track(ctx context.Context, entry domain.UsageLogEntry) {
	NewRecorder(g.tracker, g.usage, g.monitor).Record(ctx, entry)
}

func (g *Generator) checkBudget(ctx context.Context, userID string) error {
	return CheckBudget(ctx, g.monitor, userID)
}

func (g *Generator) broadcast(ctx context.Context, n ...notifications.Notification) {
	if err := notifications.Broadcast(ctx, g.notifier, n...); err != nil {
		slog.Warn("broadcast failed", "error", err)
	}
}

// Fail marks the job's subject as failed and tells the user why.
func (g *Generator) Fail(ctx context.Context, job queue.Job, err error) {
	ctx = context.WithoutCancel(ctx)
	msg := FailureMessage(err)

	switch job.Kind {
	case queue.KindGenerateChapter:
		var p ChapterPayload
		if job.Decode(&p) != nil {
			return
		}
		ch, getErr := g.content.GetChapter(ctx, p.ChapterID)
		if getErr != nil {
			slog.Warn("cannot mark chapter failed", "chapter_id", p.ChapterID, "error", getErr)
			return
		}
		ch.Status, ch.Error = domain.StatusFailed, msg
		if updErr := g.content.UpdateChapter(ctx, ch); updErr != nil {
			slog.Error("failed to mark chapter failed", "chapter_id", ch.ID, "error", updErr)
		}
		g.broadcast(ctx,
			notifications.ChapterUpdated(*ch),
			notifications.GenerationFailed(job.Ref, "chapter", ch.ID, msg),
		)

	case queue.KindGenerateCover:
		var p CoverPayload
		if job.Decode(&p) != nil {
			return
		}
		if updErr := g.content.UpdateBookCover(ctx, p.BookID, domain.StatusFailed, "", msg); updErr != nil {
			slog.Warn("cannot mark cover failed", "book_id", p.BookID, "error", updErr)
			return
		}
		notes := []notifications.Notification{notifications.GenerationFailed(job.Ref, "cover", p.BookID, msg)}
		if book, getErr := g.content.GetBook(ctx, p.BookID); getErr == nil {
			notes = append(notes, notifications.CoverUpdated(*book))
		}
		g.broadcast(ctx, notes...)

	case queue.KindGeneratePortrait:
		var p PortraitPayload
		if job.Decode(&p) != nil {
			return
		}
		if updErr := g.content.UpdateCharacterPortrait(ctx, p.CharacterID, domain.StatusFailed, "", msg); updErr != nil {
			slog.Warn("cannot mark portrait failed", "character_id", p.CharacterID, "error", updErr)
			return
		}
		notes := []notifications.Notification{notifications.GenerationFailed(job.Ref, "portrait", p.CharacterID, msg)}
		if c, getErr := g.content.GetCharacter(ctx, p.CharacterID); getErr == nil {
			notes = append(notes, notifications.PortraitUpdated(*c))
		}
		g.broadcast(ctx, notes...)

	case queue.KindTrackUsage:
		slog.Error("usage entry dropped", "job_id", job.ID, "user_id", job.Ref.UserID, "error", err)
	}
}

// FailureMessage turns a job error into text fit for the end user.
func FailureMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrBudgetExceeded):
		return "Your monthly AI budget has been reached."
	case errors.Is(err, domain.ErrContentFlagged):
		return "The request was flagged by content moderation."
	case errors.Is(err, domain.ErrProviderNotFound):
		return "No AI provider is available for this request."
	case errors.Is(err, domain.ErrCircuitBreakerOpen):
		return "The AI provider is temporarily unavailable. Please try again later."
	case errors.Is(err, domain.ErrTimeoutExceeded):
		return "The AI provider took too long to respond. Please try again."
	default:
		return "Generation failed. Please try again."
	}
}
