package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"github.com/maxbeyer1/reddit-monitor/internal/domain"
	"github.com/maxbeyer1/reddit-monitor/internal/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS seen_items (
	item_id TEXT PRIMARY KEY,
	author TEXT NOT NULL,
	channel TEXT NOT NULL,
	title TEXT NOT NULL,
	first_seen_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS escalations (
	token TEXT PRIMARY KEY,
	item_id TEXT NOT NULL,
	author TEXT NOT NULL,
	channel TEXT NOT NULL,
	title TEXT NOT NULL,
	permalink TEXT NOT NULL,
	item_created_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	deadline INTEGER NOT NULL,
	status TEXT NOT NULL,
	resolved_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS escalations_status_idx ON escalations (status);
`

// SQLiteRepository persists seen items and escalations into a single SQLite file.
type SQLiteRepository struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

var (
	_ ports.SeenStore       = (*SQLiteRepository)(nil)
	_ ports.EscalationStore = (*SQLiteRepository)(nil)
)

// Open creates the parent directory if needed, opens the database and applies the schema.
func Open(ctx context.Context, path string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	// One writer connection serializes the poll loop, timers and webhook.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create tables: %w", err)
	}

	return &SQLiteRepository{db: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Question)}, nil
}

// Close closes the underlying database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// PingContext reports whether the database is reachable.
func (r *SQLiteRepository) PingContext(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Has reports whether the item was already recorded.
func (r *SQLiteRepository) Has(ctx context.Context, itemID string) (bool, error) {
	query, args, err := r.sb.Select("1").From("seen_items").Where(sq.Eq{"item_id": itemID}).Limit(1).ToSql()
	if err != nil {
		return false, fmt.Errorf("storage: build has query: %w", err)
	}

	var one int
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: has %s: %w", itemID, err)
	}
	return true, nil
}

// MarkSeen inserts the record unless the item is already present.
func (r *SQLiteRepository) MarkSeen(ctx context.Context, record domain.SeenRecord) (bool, error) {
	query, args, err := r.sb.Insert("seen_items").
		Columns("item_id", "author", "channel", "title", "first_seen_at").
		Values(record.ItemID, record.Author, record.Channel, record.Title, record.FirstSeenAt.UnixMilli()).
		Suffix("ON CONFLICT(item_id) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("storage: build mark seen: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("storage: mark seen %s: %w", record.ItemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: mark seen %s rows affected: %w", record.ItemID, err)
	}
	return n == 1, nil
}

// ListSeen returns the most recently seen records first.
func (r *SQLiteRepository) ListSeen(ctx context.Context, limit int) ([]domain.SeenRecord, error) {
	builder := r.sb.Select("item_id", "author", "channel", "title", "first_seen_at").
		From("seen_items").
		OrderBy("first_seen_at DESC", "item_id")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("storage: build list seen: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list seen: %w", err)
	}
	defer rows.Close()

	var records []domain.SeenRecord
	for rows.Next() {
		var (
			rec domain.SeenRecord
			at  int64
		)
		if err := rows.Scan(&rec.ItemID, &rec.Author, &rec.Channel, &rec.Title, &at); err != nil {
			return nil, fmt.Errorf("storage: scan seen record: %w", err)
		}
		rec.FirstSeenAt = time.UnixMilli(at).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate seen records: %w", err)
	}
	return records, nil
}

// SaveEscalation upserts the escalation snapshot; only status and resolution change on conflict.
func (r *SQLiteRepository) SaveEscalation(ctx context.Context, esc domain.PendingEscalation) error {
	query, args, err := r.sb.Insert("escalations").
		Columns("token", "item_id", "author", "channel", "title", "permalink",
			"item_created_at", "created_at", "deadline", "status", "resolved_at").
		Values(esc.Token, esc.Item.ID, esc.Item.Author, esc.Item.Channel, esc.Item.Title, esc.Item.Permalink,
			unixMilli(esc.Item.CreatedAt), unixMilli(esc.CreatedAt), unixMilli(esc.Deadline), string(esc.Status), unixMilli(esc.ResolvedAt)).
		Suffix("ON CONFLICT(token) DO UPDATE SET status = excluded.status, resolved_at = excluded.resolved_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("storage: build save escalation: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("storage: save escalation %s: %w", esc.Token, err)
	}
	return nil
}

// PendingEscalations returns every escalation still waiting for its outcome, oldest deadline first.
func (r *SQLiteRepository) PendingEscalations(ctx context.Context) ([]domain.PendingEscalation, error) {
	query, args, err := r.sb.Select("token", "item_id", "author", "channel", "title", "permalink",
		"item_created_at", "created_at", "deadline", "status", "resolved_at").
		From("escalations").
		Where(sq.Eq{"status": string(domain.StatusPending)}).
		OrderBy("deadline", "token").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("storage: build pending escalations: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: pending escalations: %w", err)
	}
	defer rows.Close()

	var out []domain.PendingEscalation
	for rows.Next() {
		var (
			esc                                       domain.PendingEscalation
			status                                    string
			itemCreated, created, deadline, resolved int64
		)
		if err := rows.Scan(&esc.Token, &esc.Item.ID, &esc.Item.Author, &esc.Item.Channel, &esc.Item.Title, &esc.Item.Permalink,
			&itemCreated, &created, &deadline, &status, &resolved); err != nil {
			return nil, fmt.Errorf("storage: scan escalation: %w", err)
		}
		esc.Status = domain.EscalationStatus(status)
		esc.Item.CreatedAt = fromUnixMilli(itemCreated)
		esc.CreatedAt = fromUnixMilli(created)
		esc.Deadline = fromUnixMilli(deadline)
		esc.ResolvedAt = fromUnixMilli(resolved)
		out = append(out, esc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate escalations: %w", err)
	}
	return out, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
