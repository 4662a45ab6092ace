package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/google/uuid"
)

// ContentRepository stores books and the chapters and characters that
// belong to them. Getters return domain.ErrNotFound for unknown ids.
type ContentRepository interface {
	CreateBook(ctx context.Context, book *domain.Book) error
	GetBook(ctx context.Context, id string) (*domain.Book, error)
	UpdateBookCover(ctx context.Context, id string, status domain.Status, url, message string) error

	CreateChapter(ctx context.Context, chapter *domain.Chapter) error
	GetChapter(ctx context.Context, id string) (*domain.Chapter, error)
	ListChapters(ctx context.Context, bookID string) ([]domain.Chapter, error)
	UpdateChapter(ctx context.Context, chapter *domain.Chapter) error

	CreateCharacter(ctx context.Context, character *domain.Character) error
	GetCharacter(ctx context.Context, id string) (*domain.Character, error)
	ListCharacters(ctx context.Context, bookID string) ([]domain.Character, error)
	UpdateCharacterPortrait(ctx context.Context, id string, status domain.Status, url, message string) error
}

func stamp(id *string, created, updated *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	*updated = now
}

func statusOr(s, fallback domain.Status) domain.Status {
	if s == "" {
		return fallback
	}
	return s
}

type InMemoryContentRepository struct {
	mu         sync.RWMutex
	books      map[string]domain.Book
	chapters   map[string]domain.Chapter
	characters map[string]domain.Character
}

func NewInMemoryContentRepository() *InMemoryContentRepository {
	return &InMemoryContentRepository{
		books:      make(map[string]domain.Book),
		chapters:   make(map[string]domain.Chapter),
		characters: make(map[string]domain.Character),
	}
}

func (r *InMemoryContentRepository) CreateBook(ctx context.Context, book *domain.Book) error {
	stamp(&book.ID, &book.CreatedAt, &book.UpdatedAt)
	book.CoverStatus = statusOr(book.CoverStatus, domain.StatusPending)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.books[book.ID]; exists {
		return domain.ErrDuplicate
	}
	r.books[book.ID] = *book
	return nil
}

func (r *InMemoryContentRepository) GetBook(ctx context.Context, id string) (*domain.Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	book, ok := r.books[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &book, nil
}

func (r *InMemoryContentRepository) UpdateBookCover(ctx context.Context, id string, status domain.Status, url, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	book, ok := r.books[id]
	if !ok {
		return domain.ErrNotFound
	}
	book.CoverStatus = status
	if url != "" {
		book.CoverURL = url
	}
	book.CoverError = message
	book.UpdatedAt = time.Now().UTC()
	r.books[id] = book
	return nil
}

func (r *InMemoryContentRepository) CreateChapter(ctx context.Context, chapter *domain.Chapter) error {
	stamp(&chapter.ID, &chapter.CreatedAt, &chapter.UpdatedAt)
	chapter.Status = statusOr(chapter.Status, domain.StatusPending)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.books[chapter.BookID]; !ok {
		return domain.ErrNotFound
	}
	if _, exists := r.chapters[chapter.ID]; exists {
		return domain.ErrDuplicate
	}
	r.chapters[chapter.ID] = *chapter
	return nil
}

func (r *InMemoryContentRepository) GetChapter(ctx context.Context, id string) (*domain.Chapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chapter, ok := r.chapters[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &chapter, nil
}

// ListChapters returns the chapters of a book ordered by number.
func (r *InMemoryContentRepository) ListChapters(ctx context.Context, bookID string) ([]domain.Chapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []domain.Chapter
	for _, c := range r.chapters {
		if c.BookID == bookID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Number < result[j].Number
	})
	return result, nil
}

func (r *InMemoryContentRepository) UpdateChapter(ctx context.Context, chapter *domain.Chapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.chapters[chapter.ID]
	if !ok {
		return domain.ErrNotFound
	}
	existing.Title = chapter.Title
	existing.Content = chapter.Content
	existing.Status = chapter.Status
	existing.Error = chapter.Error
	existing.UpdatedAt = time.Now().UTC()
	r.chapters[chapter.ID] = existing
	*chapter = existing
	return nil
}

func (r *InMemoryContentRepository) CreateCharacter(ctx context.Context, character *domain.Character) error {
	stamp(&character.ID, &character.CreatedAt, &character.UpdatedAt)
	character.PortraitStatus = statusOr(character.PortraitStatus, domain.StatusPending)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.books[character.BookID]; !ok {
		return domain.ErrNotFound
	}
	if _, exists := r.characters[character.ID]; exists {
		return domain.ErrDuplicate
	}
	r.characters[character.ID] = *character
	return nil
}

func (r *InMemoryContentRepository) GetCharacter(ctx context.Context, id string) (*domain.Character, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	character, ok := r.characters[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &character, nil
}

// ListCharacters returns the characters of a book in creation order.
func (r *InMemoryContentRepository) ListCharacters(ctx context.Context, bookID string) ([]domain.Character, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []domain.Character
	for _, c := range r.characters {
		if c.BookID == bookID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *InMemoryContentRepository) UpdateCharacterPortrait(ctx context.Context, id string, status domain.Status, url, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	character, ok := r.characters[id]
	if !ok {
		return domain.ErrNotFound
	}
	character.PortraitStatus = status
	if url != "" {
		character.PortraitURL = url
	}
	character.PortraitError = message
	character.UpdatedAt = time.Now().UTC()
	r.characters[id] = character
	return nil
}
