package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/jobs"
)

type CreateBookRequest struct {
	Title    string `json:"title"`
	Premise  string `json:"premise"`
	AgeGroup string `json:"age_group,omitempty"`
}

type CreateChapterRequest struct {
	Number int    `json:"number,omitempty"`
	Title  string `json:"title,omitempty"`
	Prompt string `json:"prompt"`
}

type CreateCharacterRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// GenerateRequest selects the vendor and model for a generation job.
// Both are optional.
type GenerateRequest struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

type BookResponse struct {
	*domain.Book
	Chapters   []domain.Chapter   `json:"chapters"`
	Characters []domain.Character `json:"characters"`
}

type JobResponse struct {
	JobID  string        `json:"job_id"`
	Kind   string        `json:"kind"`
	Status domain.Status `json:"status"`
}

// ownedBook loads a book and hides books of other users.
func (h *Handler) ownedBook(ctx context.Context, ref domain.UsageRef, id string) (*domain.Book, error) {
	book, err := h.content.GetBook(ctx, id)
	if err != nil {
		return nil, err
	}
	if book.UserID != ref.UserID {
		return nil, domain.ErrNotFound
	}
	return book, nil
}

func (h *Handler) handleCreateBook(w http.ResponseWriter, r *http.Request, ref domain.UsageRef) {
	ctx := r.Context()

	var req CreateBookRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := h.moderate(ctx, ref, req.Title, req.Premise); err != nil {
		writeDomainError(w, err)
		return
	}

	book := &domain.Book{
		UserID:    ref.UserID,
		ProfileID: ref.ProfileID,
		Title:     req.Title,
		Premise:   strings.TrimSpace(req.Premise),
		AgeGroup:  req.AgeGroup,
	}
	if err := h.content.CreateBook(ctx, book); err != nil {
		writeDomainError(w, err)
		return
	}

	slog.Info("book created", "book_id", book.ID, "user_id", ref.UserID)
	writeJSON(w, http.StatusCreated, book)
}

func (h *Handler) handleGetBook(w http.ResponseWriter, r *http.Request, ref domain.UsageRef) {
	ctx := r.Context()

	book, err := h.ownedBook(ctx, ref, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	chapters, err := h.content.ListChapters(ctx, book.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	characters, err := h.content.ListCharacters(ctx, book.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if chapters == nil {
		chapters = []domain.Chapter{}
	}
	if characters == nil {
		characters = []domain.Character{}
	}
	writeJSON(w, http.StatusOK, BookResponse{Book: book, Chapters: chapters, Characters: characters})
}

func (h *Handler) handleCreateChapter(w http.ResponseWriter, r *http.Request, ref domain.UsageRef) {
	ctx := r.Context()

	book, err := h.ownedBook(ctx, ref, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req CreateChapterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Number < 0 {
		writeError(w, http.StatusBadRequest, "number must be positive")
		return
	}

	ref.BookID = book.ID
	if err := h.moderate(ctx, ref, req.Title, req.Prompt); err != nil {
		writeDomainError(w, err)
		return
	}

	if req.Number == 0 {
		existing, err := h.content.ListChapters(ctx, book.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		for _, ch := range existing {
			if ch.Number > req.Number {
				req.Number = ch.Number
			}
		}
		req.Number++
	}

	chapter := &domain.Chapter{
		BookID: book.ID,
		Number: req.Number,
		Title:  strings.TrimSpace(req.Title),
		Prompt: strings.TrimSpace(req.Prompt),
	}
	if err := h.content.CreateChapter(ctx, chapter); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, chapter)
}

func (h *Handler) handleCreateCharacter(w http.ResponseWriter, r *http.Request, ref domain.UsageRef) {
	ctx := r.Context()

	book, err := h.ownedBook(ctx, ref, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req CreateCharacterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	ref.BookID = book.ID
	if err := h.moderate(ctx, ref, req.Name, req.Description); err != nil {
		writeDomainError(w, err)
		return
	}

	character := &domain.Character{
		BookID:      book.ID,
		Name:        req.Name,
		Description: strings.TrimSpace(req.Description),
	}
	if err := h.content.CreateCharacter(ctx, character); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, character)
}

// generationRequest decodes the optional body shared by the generation
// endpoints and checks the budget.
func (h *Handler) generationRequest(r *http.Request, ref domain.UsageRef) (GenerateRequest, error) {
	var req GenerateRequest
	if err := decodeBody(r, &req); err != nil {
		return req, err
	}
	if h.enqueuer == nil {
		return req, fmt.Errorf("background jobs are not configured")
	}
	return req, jobs.CheckBudget(r.Context(), h.budget, ref.UserID)
}

func (h *Handler) handleGenerateChapter(w http.ResponseWriter, r *http.Request, ref domain.UsageRef) {
	ctx := r.Context()

	book, err := h.ownedBook(ctx, ref, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	chapter, err := h.content.GetChapter(ctx, r.PathValue("chapterID"))
	if err != nil || chapter.BookID != book.ID {
		writeDomainError(w, domain.ErrNotFound)
		return
	}
	if chapter.Status == domain.StatusProcessing {
		writeError(w, http.StatusConflict, "chapter is already being generated")
		return
	}

	req, err := h.generationRequest(r, ref)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.Provider != "" && !h.router.HasProvider(req.Provider) {
		writeDomainError(w, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, req.Provider))
		return
	}

	chapter.Status, chapter.Error = domain.StatusPending, ""
	if err := h.content.UpdateChapter(ctx, chapter); err != nil {
		writeDomainError(w, err)
		return
	}

	ref.BookID = book.ID
	job, err := h.enqueuer.Chapter(ctx, ref, jobs.ChapterPayload{ChapterID: chapter.ID, Provider: req.Provider, Model: req.Model})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	slog.Info("chapter generation queued", "job_id", job.ID, "book_id", book.ID, "chapter_id", chapter.ID, "user_id", ref.UserID)
	writeJSON(w, http.StatusAccepted, JobResponse{JobID: job.ID, Kind: string(job.Kind), Status: domain.StatusPending})
}

func (h *Handler) handleGenerateCover(w http.ResponseWriter, r *http.Request, ref domain.UsageRef) {
	ctx := r.Context()

	book, err := h.ownedBook(ctx, ref, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	req, err := h.generationRequest(r, ref)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.Provider != "" && !h.router.HasImageProvider(req.Provider) {
		writeDomainError(w, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, req.Provider))
		return
	}

	if err := h.content.UpdateBookCover(ctx, book.ID, domain.StatusPending, "", ""); err != nil {
		writeDomainError(w, err)
		return
	}

	job, err := h.enqueuer.Cover(ctx, ref, jobs.CoverPayload{BookID: book.ID, Provider: req.Provider, Model: req.Model})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	slog.Info("cover generation queued", "job_id", job.ID, "book_id", book.ID, "user_id", ref.UserID)
	writeJSON(w, http.StatusAccepted, JobResponse{JobID: job.ID, Kind: string(job.Kind), Status: domain.StatusPending})
}

func (h *Handler) handleGeneratePortrait(w http.ResponseWriter, r *http.Request, ref domain.UsageRef) {
	ctx := r.Context()

	character, err := h.content.GetCharacter(ctx, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	book, err := h.ownedBook(ctx, ref, character.BookID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	req, err := h.generationRequest(r, ref)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.Provider != "" && !h.router.HasImageProvider(req.Provider) {
		writeDomainError(w, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, req.Provider))
		return
	}

	if err := h.content.UpdateCharacterPortrait(ctx, character.ID, domain.StatusPending, "", ""); err != nil {
		writeDomainError(w, err)
		return
	}

	ref.BookID = book.ID
	job, err := h.enqueuer.Portrait(ctx, ref, jobs.PortraitPayload{CharacterID: character.ID, Provider: req.Provider, Model: req.Model})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	slog.Info("portrait generation queued", "job_id", job.ID, "character_id", character.ID, "user_id", ref.UserID)
	writeJSON(w, http.StatusAccepted, JobResponse{JobID: job.ID, Kind: string(job.Kind), Status: domain.StatusPending})
}
