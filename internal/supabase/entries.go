package supabase

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bxxmzilla1/calliope/internal/domain"
	"github.com/google/uuid"
)

const entriesTable = "journal_entries"

// Entries implements domain.EntryStore on the journal_entries table.
// Entry ids are generated client-side so a create is retryable without
// duplicating rows.
type Entries struct {
	rest  *RestClient
	newID func() string
	now   func() time.Time
}

// NewEntries creates an Entries store over the given REST client.
func NewEntries(rest *RestClient) *Entries {
	return &Entries{rest: rest, newID: uuid.NewString, now: time.Now}
}

type entryRow struct {
	ID      string    `json:"id"`
	UserID  string    `json:"user_id"`
	Title   string    `json:"title"`
	Content string    `json:"content"`
	Mood    string    `json:"mood"`
	Date    time.Time `json:"date"`
}

func (r entryRow) toDomain() domain.JournalEntry {
	return domain.JournalEntry{
		ID:      r.ID,
		OwnerID: r.UserID,
		Title:   r.Title,
		Content: r.Content,
		Mood:    domain.Mood(r.Mood),
		Date:    r.Date,
	}
}

func (e *Entries) ListEntries(ctx context.Context, ownerID string) ([]domain.JournalEntry, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("user_id", "eq."+ownerID)
	q.Set("order", "date.desc")

	var rows []entryRow
	if err := e.rest.do(ctx, http.MethodGet, entriesTable, q.Encode(), "", nil, &rows); err != nil {
		return nil, err
	}
	entries := make([]domain.JournalEntry, len(rows))
	for i, r := range rows {
		entries[i] = r.toDomain()
	}
	return entries, nil
}

func (e *Entries) CreateEntry(ctx context.Context, ownerID string, draft domain.EntryDraft) (*domain.JournalEntry, error) {
	row := entryRow{
		ID:      e.newID(),
		UserID:  ownerID,
		Title:   draft.Title,
		Content: draft.Content,
		Mood:    string(draft.Mood),
		Date:    e.now().UTC(),
	}

	var created []entryRow
	if err := e.rest.do(ctx, http.MethodPost, entriesTable, "", "return=representation", row, &created); err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("%w: insert returned no row", domain.ErrStoreFailed)
	}
	entry := created[0].toDomain()
	return &entry, nil
}

func (e *Entries) UpdateEntry(ctx context.Context, ownerID, id string, patch domain.EntryPatch) (*domain.JournalEntry, error) {
	body := map[string]any{}
	if patch.Title != nil {
		body["title"] = *patch.Title
	}
	if patch.Content != nil {
		body["content"] = *patch.Content
	}
	if patch.Mood != nil {
		body["mood"] = string(*patch.Mood)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty patch", domain.ErrInvalidInput)
	}

	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("user_id", "eq."+ownerID)

	var updated []entryRow
	if err := e.rest.do(ctx, http.MethodPatch, entriesTable, q.Encode(), "return=representation", body, &updated); err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		return nil, domain.ErrNotFound
	}
	entry := updated[0].toDomain()
	return &entry, nil
}

func (e *Entries) DeleteEntry(ctx context.Context, ownerID, id string) error {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("user_id", "eq."+ownerID)
	return e.rest.do(ctx, http.MethodDelete, entriesTable, q.Encode(), "return=minimal", nil, nil)
}
