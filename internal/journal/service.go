package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bxxmzilla1/calliope/internal/domain"
)

// EntryCache is an optional local write-through cache used for first
// paint. Implementations scope entries by owner.
type EntryCache interface {
	Replace(ctx context.Context, ownerID string, entries []domain.JournalEntry) error
	List(ctx context.Context, ownerID string) ([]domain.JournalEntry, error)
	Clear(ctx context.Context, ownerID string) error
}

// Service handles journal entry reads and writes for the current
// owner, with the quota gate applied before any remote create. The
// client-side gate only saves a round trip; the backing store is the
// authoritative enforcement point.
type Service struct {
	store  domain.EntryStore
	cache  EntryCache
	logger *slog.Logger

	mu         sync.Mutex
	owner      string
	count      int
	countValid bool
}

// NewService creates a Service. cache may be nil.
func NewService(store domain.EntryStore, cache EntryCache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, cache: cache, logger: logger}
}

// SetOwner switches the service to a new owner. Any count remembered
// for the previous owner is invalidated and their cached rows cleared,
// so a later quota evaluation can never see another identity's data.
func (s *Service) SetOwner(ctx context.Context, ownerID string) {
	s.mu.Lock()
	prev := s.owner
	if prev == ownerID {
		s.mu.Unlock()
		return
	}
	s.owner = ownerID
	s.countValid = false
	s.mu.Unlock()

	if s.cache != nil && prev != "" {
		if err := s.cache.Clear(ctx, prev); err != nil {
			s.logger.Warn("clear entry cache for previous owner failed", "owner_id", prev, "error", err)
		}
	}
}

// List returns the owner's entries, newest first. Remote read failures
// degrade to an empty result set rather than an error.
func (s *Service) List(ctx context.Context, ownerID string) []domain.JournalEntry {
	entries, err := s.store.ListEntries(ctx, ownerID)
	if err != nil {
		s.logger.Warn("list entries failed, returning empty set", "owner_id", ownerID, "error", err)
		return nil
	}
	s.rememberCount(ownerID, len(entries))
	if s.cache != nil {
		if err := s.cache.Replace(ctx, ownerID, entries); err != nil {
			s.logger.Warn("refresh entry cache failed", "owner_id", ownerID, "error", err)
		}
	}
	return entries
}

// CachedList returns locally cached entries for first paint. It never
// substitutes for a fresh List where the count matters.
func (s *Service) CachedList(ctx context.Context, ownerID string) []domain.JournalEntry {
	if s.cache == nil {
		return nil
	}
	entries, err := s.cache.List(ctx, ownerID)
	if err != nil {
		return nil
	}
	return entries
}

// Quota fetches a fresh entry count and derives the quota state.
func (s *Service) Quota(ctx context.Context, ownerID string, tier domain.Tier) (QuotaState, error) {
	count, err := s.freshCount(ctx, ownerID)
	if err != nil {
		return QuotaState{}, fmt.Errorf("count entries: %w", err)
	}
	return Evaluate(tier, count), nil
}

// CachedQuota derives the quota state from the last remembered count.
// ok is false when no count is remembered for this owner.
func (s *Service) CachedQuota(ownerID string, tier domain.Tier) (QuotaState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.countValid || s.owner != ownerID {
		return QuotaState{}, false
	}
	return Evaluate(tier, s.count), true
}

// Create adds an entry after an advisory quota check against the
// freshly fetched count. Beyond-limit attempts fail with QuotaError
// before any remote write is attempted.
func (s *Service) Create(ctx context.Context, ownerID string, tier domain.Tier, draft domain.EntryDraft) (*domain.JournalEntry, error) {
	if draft.Title == "" {
		return nil, fmt.Errorf("%w: title is required", domain.ErrInvalidInput)
	}
	if !draft.Mood.Valid() {
		return nil, fmt.Errorf("%w: unknown mood %q", domain.ErrInvalidInput, draft.Mood)
	}

	count, err := s.freshCount(ctx, ownerID)
	if err != nil {
		// The gate is advisory; when the count is unavailable, defer
		// enforcement to the store.
		s.logger.Warn("entry count unavailable, deferring quota to store", "owner_id", ownerID, "error", err)
	} else if !CanCreate(tier, count) {
		limit, _ := Limit(tier)
		return nil, &domain.QuotaError{Limit: limit}
	}

	entry, err := s.store.CreateEntry(ctx, ownerID, draft)
	if err != nil {
		return nil, fmt.Errorf("create entry: %w", err)
	}
	s.refresh(ctx, ownerID)
	return entry, nil
}

// Update applies a partial edit to an entry.
func (s *Service) Update(ctx context.Context, ownerID, id string, patch domain.EntryPatch) (*domain.JournalEntry, error) {
	if patch.Mood != nil && !patch.Mood.Valid() {
		return nil, fmt.Errorf("%w: unknown mood %q", domain.ErrInvalidInput, *patch.Mood)
	}
	entry, err := s.store.UpdateEntry(ctx, ownerID, id, patch)
	if err != nil {
		return nil, fmt.Errorf("update entry: %w", err)
	}
	s.refresh(ctx, ownerID)
	return entry, nil
}

// Delete removes an entry.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if err := s.store.DeleteEntry(ctx, ownerID, id); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	s.refresh(ctx, ownerID)
	return nil
}

// refresh re-validates the entry list after a mutation so the quota is
// re-derived, never served stale.
func (s *Service) refresh(ctx context.Context, ownerID string) {
	_ = s.List(ctx, ownerID)
}

func (s *Service) freshCount(ctx context.Context, ownerID string) (int, error) {
	entries, err := s.store.ListEntries(ctx, ownerID)
	if err != nil {
		s.mu.Lock()
		s.countValid = false
		s.mu.Unlock()
		return 0, err
	}
	s.rememberCount(ownerID, len(entries))
	return len(entries), nil
}

func (s *Service) rememberCount(ownerID string, n int) {
	s.mu.Lock()
	s.owner = ownerID
	s.count = n
	s.countValid = true
	s.mu.Unlock()
}
