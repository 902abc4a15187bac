package journal

import "github.com/bxxmzilla1/calliope/internal/domain"

// FreeEntryLimit is the number of entries a free-tier owner may keep.
const FreeEntryLimit = 5

// QuotaState is the advisory creation gate derived from the tier and a
// fresh entry count. Limited is false for tiers with no limit.
type QuotaState struct {
	Count     int
	Limit     int
	Limited   bool
	CanCreate bool
}

// Evaluate derives the quota state for a tier and entry count.
func Evaluate(tier domain.Tier, count int) QuotaState {
	if tier == domain.TierPremium {
		return QuotaState{Count: count, CanCreate: true}
	}
	return QuotaState{
		Count:     count,
		Limit:     FreeEntryLimit,
		Limited:   true,
		CanCreate: count < FreeEntryLimit,
	}
}

// CanCreate reports whether an owner on the given tier with the given
// entry count may create another entry.
func CanCreate(tier domain.Tier, count int) bool {
	return Evaluate(tier, count).CanCreate
}

// Limit returns the entry limit for a tier. ok is false when the tier
// is unbounded.
func Limit(tier domain.Tier) (limit int, ok bool) {
	if tier == domain.TierPremium {
		return 0, false
	}
	return FreeEntryLimit, true
}
