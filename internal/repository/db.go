// Package repository persists the usage ledger and book content in
// Postgres or SQLite. Queries are written once with ? placeholders and
// rebound for the target dialect.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

// timeLayout is fixed width so SQLite text timestamps compare in order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func OpenPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// OpenSQLite opens a local database file. SQLite allows one writer, so
// the pool is capped at a single connection.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return db, nil
}

// EnsureSchema creates the tables when missing. It does not migrate
// existing tables.
func EnsureSchema(ctx context.Context, db *sql.DB, dialect Dialect) error {
	for _, stmt := range schema(dialect) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func schema(d Dialect) []string {
	ts := "TIMESTAMPTZ"
	real := "DOUBLE PRECISION"
	if d == SQLite {
		ts = "TEXT"
		real = "REAL"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS usage_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			profile_id TEXT,
			book_id TEXT,
			chapter_id TEXT,
			character_id TEXT,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			item_type TEXT NOT NULL,
			request_json TEXT,
			response_json TEXT,
			status_code INTEGER NOT NULL,
			elapsed_seconds ` + real + ` NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			input_images INTEGER NOT NULL DEFAULT 0,
			output_images INTEGER NOT NULL DEFAULT 0,
			total_cost ` + real + ` NOT NULL DEFAULT 0,
			error TEXT,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_user_created ON usage_logs (user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_book ON usage_logs (book_id, chapter_id)`,
		`CREATE TABLE IF NOT EXISTS books (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			profile_id TEXT,
			title TEXT NOT NULL,
			premise TEXT NOT NULL,
			age_group TEXT,
			cover_url TEXT,
			cover_status TEXT NOT NULL,
			cover_error TEXT,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chapters (
			id TEXT PRIMARY KEY,
			book_id TEXT NOT NULL REFERENCES books (id),
			number INTEGER NOT NULL,
			title TEXT,
			prompt TEXT,
			content TEXT,
			status TEXT NOT NULL,
			error TEXT,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS characters (
			id TEXT PRIMARY KEY,
			book_id TEXT NOT NULL REFERENCES books (id),
			name TEXT NOT NULL,
			description TEXT,
			portrait_url TEXT,
			portrait_status TEXT NOT NULL,
			portrait_error TEXT,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
	}
}

// rebind turns ? placeholders into $n for Postgres.
func rebind(d Dialect, query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// timeArg stores timestamps natively in Postgres and as fixed-width UTC
// text in SQLite.
func timeArg(d Dialect, t time.Time) any {
	if d == SQLite {
		return t.UTC().Format(timeLayout)
	}
	return t
}

// scanTime accepts both native timestamps and the text layout.
type scanTime struct {
	t *time.Time
}

func (s scanTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*s.t = v.UTC()
		return nil
	case string:
		return s.parse(v)
	case []byte:
		return s.parse(string(v))
	case nil:
		*s.t = time.Time{}
		return nil
	}
	return fmt.Errorf("scan time: unsupported type %T", src)
}

func (s scanTime) parse(v string) error {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return fmt.Errorf("scan time: %w", err)
	}
	*s.t = t.UTC()
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
