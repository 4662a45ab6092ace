package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/felipepmaragno/storyforge/internal/cost"
	"github.com/felipepmaragno/storyforge/internal/domain"
)

// Sealer encrypts request and response payloads before they are written.
// *crypto.Encryptor implements it.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(value string) ([]byte, error)
}

var _ cost.Tracker = (*UsageRepository)(nil)

// UsageRepository is the SQL usage ledger. It only inserts and reads.
type UsageRepository struct {
	db      *sql.DB
	dialect Dialect
	sealer  Sealer
}

type UsageOption func(*UsageRepository)

func WithSealer(s Sealer) UsageOption {
	return func(r *UsageRepository) { r.sealer = s }
}

func NewUsageRepository(db *sql.DB, dialect Dialect, opts ...UsageOption) *UsageRepository {
	r := &UsageRepository{db: db, dialect: dialect}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const usageColumns = `id, user_id, profile_id, book_id, chapter_id, character_id,
	provider, model, item_type, request_json, response_json, status_code,
	elapsed_seconds, prompt_tokens, completion_tokens, total_tokens,
	input_images, output_images, total_cost, error, created_at`

func (r *UsageRepository) Store(ctx context.Context, entry domain.UsageLogEntry) (domain.UsageLogEntry, error) {
	entry = cost.Prepare(entry)

	request, err := r.seal(entry.RequestJSON)
	if err != nil {
		return entry, fmt.Errorf("seal request: %w", err)
	}
	response, err := r.seal(entry.ResponseJSON)
	if err != nil {
		return entry, fmt.Errorf("seal response: %w", err)
	}

	query := rebind(r.dialect, `
		INSERT INTO usage_logs (`+usageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err = r.db.ExecContext(ctx, query,
		entry.ID,
		entry.UserID,
		nullable(entry.ProfileID),
		nullable(entry.BookID),
		nullable(entry.ChapterID),
		nullable(entry.CharacterID),
		entry.Provider,
		entry.Model,
		string(entry.ItemType),
		nullable(request),
		nullable(response),
		entry.StatusCode,
		entry.ElapsedSeconds,
		entry.PromptTokens,
		entry.CompletionTokens,
		entry.TotalTokens,
		entry.InputImages,
		entry.OutputImages,
		entry.TotalCost,
		nullable(entry.Error),
		timeArg(r.dialect, entry.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return entry, fmt.Errorf("insert usage log %s: %w", entry.ID, domain.ErrDuplicate)
		}
		return entry, fmt.Errorf("insert usage log: %w", err)
	}

	cost.Observe(entry)
	return entry, nil
}

func (r *UsageRepository) List(ctx context.Context, filter cost.UsageFilter) ([]domain.UsageLogEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		where = append(where, cond)
		args = append(args, arg)
	}
	if filter.UserID != "" {
		add("user_id = ?", filter.UserID)
	}
	if filter.BookID != "" {
		add("book_id = ?", filter.BookID)
	}
	if filter.ChapterID != "" {
		add("chapter_id = ?", filter.ChapterID)
	}
	if filter.CharacterID != "" {
		add("character_id = ?", filter.CharacterID)
	}
	if filter.ItemType != "" {
		add("item_type = ?", string(filter.ItemType))
	}
	if !filter.Since.IsZero() {
		add("created_at >= ?", timeArg(r.dialect, filter.Since))
	}

	query := "SELECT " + usageColumns + " FROM usage_logs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, rebind(r.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("query usage logs: %w", err)
	}
	defer rows.Close()

	var entries []domain.UsageLogEntry
	for rows.Next() {
		entry, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *UsageRepository) TotalCost(ctx context.Context, userID string, since time.Time) (float64, error) {
	query := rebind(r.dialect, `
		SELECT COALESCE(SUM(total_cost), 0)
		FROM usage_logs
		WHERE user_id = ? AND created_at >= ?
	`)

	var total float64
	if err := r.db.QueryRowContext(ctx, query, userID, timeArg(r.dialect, since)).Scan(&total); err != nil {
		return 0, fmt.Errorf("query total cost: %w", err)
	}
	return total, nil
}

func (r *UsageRepository) scan(rows *sql.Rows) (domain.UsageLogEntry, error) {
	var (
		e                                         domain.UsageLogEntry
		itemType                                  string
		profileID, bookID, chapterID, characterID sql.NullString
		request, response, errMsg                 sql.NullString
	)
	err := rows.Scan(
		&e.ID,
		&e.UserID,
		&profileID,
		&bookID,
		&chapterID,
		&characterID,
		&e.Provider,
		&e.Model,
		&itemType,
		&request,
		&response,
		&e.StatusCode,
		&e.ElapsedSeconds,
		&e.PromptTokens,
		&e.CompletionTokens,
		&e.TotalTokens,
		&e.InputImages,
		&e.OutputImages,
		&e.TotalCost,
		&errMsg,
		scanTime{&e.CreatedAt},
	)
	if err != nil {
		return e, fmt.Errorf("scan usage log: %w", err)
	}

	e.ProfileID = profileID.String
	e.BookID = bookID.String
	e.ChapterID = chapterID.String
	e.CharacterID = characterID.String
	e.ItemType = domain.ItemType(itemType)
	e.Error = errMsg.String

	if e.RequestJSON, err = r.open(request.String); err != nil {
		return e, fmt.Errorf("open request of %s: %w", e.ID, err)
	}
	if e.ResponseJSON, err = r.open(response.String); err != nil {
		return e, fmt.Errorf("open response of %s: %w", e.ID, err)
	}
	return e, nil
}

func (r *UsageRepository) seal(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	if r.sealer == nil {
		return string(raw), nil
	}
	return r.sealer.Seal(raw)
}

func (r *UsageRepository) open(value string) (json.RawMessage, error) {
	if value == "" {
		return nil, nil
	}
	if r.sealer == nil {
		return json.RawMessage(value), nil
	}
	raw, err := r.sealer.Open(value)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}
