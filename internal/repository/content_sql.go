package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/felipepmaragno/storyforge/internal/domain"
)

var _ ContentRepository = (*SQLContentRepository)(nil)

type SQLContentRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLContentRepository(db *sql.DB, dialect Dialect) *SQLContentRepository {
	return &SQLContentRepository{db: db, dialect: dialect}
}

func (r *SQLContentRepository) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.db.ExecContext(ctx, rebind(r.dialect, query), args...)
}

func (r *SQLContentRepository) insert(ctx context.Context, what, query string, args ...any) error {
	if _, err := r.exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert %s: %w", what, domain.ErrDuplicate)
		}
		return fmt.Errorf("insert %s: %w", what, err)
	}
	return nil
}

func (r *SQLContentRepository) update(ctx context.Context, what, query string, args ...any) error {
	res, err := r.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *SQLContentRepository) CreateBook(ctx context.Context, book *domain.Book) error {
	stamp(&book.ID, &book.CreatedAt, &book.UpdatedAt)
	book.CoverStatus = statusOr(book.CoverStatus, domain.StatusPending)

	return r.insert(ctx, "book", `
		INSERT INTO books (id, user_id, profile_id, title, premise, age_group,
		                   cover_url, cover_status, cover_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		book.ID,
		book.UserID,
		nullable(book.ProfileID),
		book.Title,
		book.Premise,
		nullable(book.AgeGroup),
		nullable(book.CoverURL),
		string(book.CoverStatus),
		nullable(book.CoverError),
		timeArg(r.dialect, book.CreatedAt),
		timeArg(r.dialect, book.UpdatedAt),
	)
}

func (r *SQLContentRepository) GetBook(ctx context.Context, id string) (*domain.Book, error) {
	query := rebind(r.dialect, `
		SELECT id, user_id, profile_id, title, premise, age_group,
		       cover_url, cover_status, cover_error, created_at, updated_at
		FROM books
		WHERE id = ?
	`)

	var (
		book                                    domain.Book
		status                                  string
		profileID, ageGroup, coverURL, coverErr sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&book.ID,
		&book.UserID,
		&profileID,
		&book.Title,
		&book.Premise,
		&ageGroup,
		&coverURL,
		&status,
		&coverErr,
		scanTime{&book.CreatedAt},
		scanTime{&book.UpdatedAt},
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query book: %w", err)
	}

	book.ProfileID = profileID.String
	book.AgeGroup = ageGroup.String
	book.CoverURL = coverURL.String
	book.CoverStatus = domain.Status(status)
	book.CoverError = coverErr.String
	return &book, nil
}

// UpdateBookCover sets the cover status and message. An empty url keeps
// the previous cover.
func (r *SQLContentRepository) UpdateBookCover(ctx context.Context, id string, status domain.Status, url, message string) error {
	return r.update(ctx, "book cover", `
		UPDATE books
		SET cover_status = ?, cover_url = COALESCE(?, cover_url), cover_error = ?, updated_at = ?
		WHERE id = ?
	`, string(status), nullable(url), nullable(message), timeArg(r.dialect, time.Now()), id)
}

func (r *SQLContentRepository) CreateChapter(ctx context.Context, chapter *domain.Chapter) error {
	stamp(&chapter.ID, &chapter.CreatedAt, &chapter.UpdatedAt)
	chapter.Status = statusOr(chapter.Status, domain.StatusPending)

	if _, err := r.GetBook(ctx, chapter.BookID); err != nil {
		return err
	}

	return r.insert(ctx, "chapter", `
		INSERT INTO chapters (id, book_id, number, title, prompt, content, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		chapter.ID,
		chapter.BookID,
		chapter.Number,
		nullable(chapter.Title),
		nullable(chapter.Prompt),
		nullable(chapter.Content),
		string(chapter.Status),
		nullable(chapter.Error),
		timeArg(r.dialect, chapter.CreatedAt),
		timeArg(r.dialect, chapter.UpdatedAt),
	)
}

const chapterColumns = `id, book_id, number, title, prompt, content, status, error, created_at, updated_at`

func scanChapter(row interface{ Scan(...any) error }) (domain.Chapter, error) {
	var (
		c                                  domain.Chapter
		status                             string
		title, prompt, content, errMessage sql.NullString
	)
	err := row.Scan(
		&c.ID,
		&c.BookID,
		&c.Number,
		&title,
		&prompt,
		&content,
		&status,
		&errMessage,
		scanTime{&c.CreatedAt},
		scanTime{&c.UpdatedAt},
	)
	if err != nil {
		return c, err
	}
	c.Title = title.String
	c.Prompt = prompt.String
	c.Content = content.String
	c.Status = domain.Status(status)
	c.Error = errMessage.String
	return c, nil
}

func (r *SQLContentRepository) GetChapter(ctx context.Context, id string) (*domain.Chapter, error) {
	query := rebind(r.dialect, `SELECT `+chapterColumns+` FROM chapters WHERE id = ?`)

	c, err := scanChapter(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query chapter: %w", err)
	}
	return &c, nil
}

func (r *SQLContentRepository) ListChapters(ctx context.Context, bookID string) ([]domain.Chapter, error) {
	query := rebind(r.dialect, `SELECT `+chapterColumns+` FROM chapters WHERE book_id = ? ORDER BY number, id`)

	rows, err := r.db.QueryContext(ctx, query, bookID)
	if err != nil {
		return nil, fmt.Errorf("query chapters: %w", err)
	}
	defer rows.Close()

	var chapters []domain.Chapter
	for rows.Next() {
		c, err := scanChapter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		chapters = append(chapters, c)
	}
	return chapters, rows.Err()
}

// UpdateChapter saves the generated title, content, status and error.
func (r *SQLContentRepository) UpdateChapter(ctx context.Context, chapter *domain.Chapter) error {
	chapter.UpdatedAt = time.Now().UTC()
	return r.update(ctx, "chapter", `
		UPDATE chapters
		SET title = ?, content = ?, status = ?, error = ?, updated_at = ?
		WHERE id = ?
	`,
		nullable(chapter.Title),
		nullable(chapter.Content),
		string(chapter.Status),
		nullable(chapter.Error),
		timeArg(r.dialect, chapter.UpdatedAt),
		chapter.ID,
	)
}

func (r *SQLContentRepository) CreateCharacter(ctx context.Context, character *domain.Character) error {
	stamp(&character.ID, &character.CreatedAt, &character.UpdatedAt)
	character.PortraitStatus = statusOr(character.PortraitStatus, domain.StatusPending)

	if _, err := r.GetBook(ctx, character.BookID); err != nil {
		return err
	}

	return r.insert(ctx, "character", `
		INSERT INTO characters (id, book_id, name, description, portrait_url,
		                        portrait_status, portrait_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		character.ID,
		character.BookID,
		character.Name,
		nullable(character.Description),
		nullable(character.PortraitURL),
		string(character.PortraitStatus),
		nullable(character.PortraitError),
		timeArg(r.dialect, character.CreatedAt),
		timeArg(r.dialect, character.UpdatedAt),
	)
}

const characterColumns = `id, book_id, name, description, portrait_url, portrait_status, portrait_error, created_at, updated_at`

func scanCharacter(row interface{ Scan(...any) error }) (domain.Character, error) {
	var (
		c                               domain.Character
		status                          string
		description, portrait, errorMsg sql.NullString
	)
	err := row.Scan(
		&c.ID,
		&c.BookID,
		&c.Name,
		&description,
		&portrait,
		&status,
		&errorMsg,
		scanTime{&c.CreatedAt},
		scanTime{&c.UpdatedAt},
	)
	if err != nil {
		return c, err
	}
	c.Description = description.String
	c.PortraitURL = portrait.String
	c.PortraitStatus = domain.Status(status)
	c.PortraitError = errorMsg.String
	return c, nil
}

func (r *SQLContentRepository) GetCharacter(ctx context.Context, id string) (*domain.Character, error) {
	query := rebind(r.dialect, `SELECT `+characterColumns+` FROM characters WHERE id = ?`)

	c, err := scanCharacter(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query character: %w", err)
	}
	return &c, nil
}

func (r *SQLContentRepository) ListCharacters(ctx context.Context, bookID string) ([]domain.Character, error) {
	query := rebind(r.dialect, `SELECT `+characterColumns+` FROM characters WHERE book_id = ? ORDER BY created_at, id`)

	rows, err := r.db.QueryContext(ctx, query, bookID)
	if err != nil {
		return nil, fmt.Errorf("query characters: %w", err)
	}
	defer rows.Close()

	var characters []domain.Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan character: %w", err)
		}
		characters = append(characters, c)
	}
	return characters, rows.Err()
}

func (r *SQLContentRepository) UpdateCharacterPortrait(ctx context.Context, id string, status domain.Status, url, message string) error {
	return r.update(ctx, "character portrait", `
		UPDATE characters
		SET portrait_status = ?, portrait_url = COALESCE(?, portrait_url), portrait_error = ?, updated_at = ?
		WHERE id = ?
	`, string(status), nullable(url), nullable(message), timeArg(r.dialect, time.Now()), id)
}
