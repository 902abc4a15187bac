package domain

import (
	"context"
	"time"
)

// Mood is the feeling tagged on a journal entry.
type Mood string

const (
	MoodHappy   Mood = "happy"
	MoodSad     Mood = "sad"
	MoodNeutral Mood = "neutral"
	MoodExcited Mood = "excited"
	MoodCalm    Mood = "calm"
)

// Valid reports whether m is one of the known moods.
func (m Mood) Valid() bool {
	switch m {
	case MoodHappy, MoodSad, MoodNeutral, MoodExcited, MoodCalm:
		return true
	}
	return false
}

// JournalEntry is a single dated, mood-tagged entry.
type JournalEntry struct {
	ID      string
	OwnerID string
	Title   string
	Content string
	Mood    Mood
	Date    time.Time
}

// EntryDraft is the caller-supplied part of a new entry. The store
// assigns the id and date.
type EntryDraft struct {
	Title   string
	Content string
	Mood    Mood
}

// EntryPatch is a partial update; nil fields are left unchanged.
type EntryPatch struct {
	Title   *string
	Content *string
	Mood    *Mood
}

// EntryStore is the boundary to the remote journal entry table.
type EntryStore interface {
	// ListEntries returns the owner's entries, newest first.
	ListEntries(ctx context.Context, ownerID string) ([]JournalEntry, error)
	CreateEntry(ctx context.Context, ownerID string, draft EntryDraft) (*JournalEntry, error)
	UpdateEntry(ctx context.Context, ownerID, id string, patch EntryPatch) (*JournalEntry, error)
	DeleteEntry(ctx context.Context, ownerID, id string) error
}
