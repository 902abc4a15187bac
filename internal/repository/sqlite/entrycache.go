package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bxxmzilla1/calliope/internal/domain"
)

// EntryCache implements journal.EntryCache using SQLite. It mirrors the
// remote entry list per owner for first paint; the remote store remains
// the source of truth.
type EntryCache struct {
	db *sql.DB
}

// NewEntryCache creates a SQLite-backed EntryCache.
func NewEntryCache(db *DB) *EntryCache {
	return &EntryCache{db: db.SqlDB}
}

// Replace swaps the owner's cached rows for the given entries.
func (c *EntryCache) Replace(ctx context.Context, ownerID string, entries []domain.JournalEntry) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM cached_entries WHERE owner_id = ?", ownerID); err != nil {
		return fmt.Errorf("clear cached entries: %w", err)
	}
	for _, e := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO cached_entries (id, owner_id, title, content, mood, date)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, ownerID, e.Title, e.Content, string(e.Mood), e.Date.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert cached entry: %w", err)
		}
	}
	return tx.Commit()
}

// List returns the owner's cached entries, newest first.
func (c *EntryCache) List(ctx context.Context, ownerID string) ([]domain.JournalEntry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, owner_id, title, content, mood, date
		 FROM cached_entries WHERE owner_id = ? ORDER BY date DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query cached entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.JournalEntry
	for rows.Next() {
		var e domain.JournalEntry
		var mood string
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Title, &e.Content, &mood, &e.Date); err != nil {
			return nil, fmt.Errorf("scan cached entry: %w", err)
		}
		e.Mood = domain.Mood(mood)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Clear drops all cached rows for the owner.
func (c *EntryCache) Clear(ctx context.Context, ownerID string) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM cached_entries WHERE owner_id = ?", ownerID); err != nil {
		return fmt.Errorf("clear cached entries: %w", err)
	}
	return nil
}
