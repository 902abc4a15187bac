package journal_test

import (
	"testing"

	"github.com/bxxmzilla1/calliope/internal/domain"
	"github.com/bxxmzilla1/calliope/internal/journal"
)

func TestEvaluate_FreeTier(t *testing.T) {
	tests := []struct {
		count         int
		wantCanCreate bool
	}{
		{0, true},
		{1, true},
		{4, true},
		{5, false},
		{6, false},
	}
	for _, tt := range tests {
		state := journal.Evaluate(domain.TierFree, tt.count)
		if !state.Limited {
			t.Fatalf("count=%d: free tier must be limited", tt.count)
		}
		if state.Limit != journal.FreeEntryLimit {
			t.Fatalf("count=%d: limit = %d, want %d", tt.count, state.Limit, journal.FreeEntryLimit)
		}
		if state.CanCreate != tt.wantCanCreate {
			t.Errorf("count=%d: CanCreate = %v, want %v", tt.count, state.CanCreate, tt.wantCanCreate)
		}
	}
}

func TestEvaluate_PremiumUnlimited(t *testing.T) {
	for _, count := range []int{0, 5, 500} {
		state := journal.Evaluate(domain.TierPremium, count)
		if state.Limited {
			t.Fatalf("count=%d: premium must not be limited", count)
		}
		if !state.CanCreate {
			t.Fatalf("count=%d: premium must always allow creation", count)
		}
	}
}

func TestCanCreate(t *testing.T) {
	if !journal.CanCreate(domain.TierFree, journal.FreeEntryLimit-1) {
		t.Fatal("one below the limit must be allowed")
	}
	if journal.CanCreate(domain.TierFree, journal.FreeEntryLimit) {
		t.Fatal("at the limit must be blocked")
	}
	if !journal.CanCreate(domain.TierPremium, journal.FreeEntryLimit*10) {
		t.Fatal("premium must never be blocked")
	}
}

func TestLimit(t *testing.T) {
	if limit, ok := journal.Limit(domain.TierFree); !ok || limit != journal.FreeEntryLimit {
		t.Fatalf("free limit = %d, %v", limit, ok)
	}
	if _, ok := journal.Limit(domain.TierPremium); ok {
		t.Fatal("premium must report no limit")
	}
}
