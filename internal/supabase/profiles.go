package supabase

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/bxxmzilla1/calliope/internal/domain"
)

const profilesTable = "user_profiles"

// Profiles implements domain.ProfileStore on the user_profiles table.
type Profiles struct {
	rest *RestClient
}

// NewProfiles creates a Profiles store over the given REST client.
func NewProfiles(rest *RestClient) *Profiles {
	return &Profiles{rest: rest}
}

func (p *Profiles) GetTier(ctx context.Context, ownerID string) (domain.Tier, error) {
	q := url.Values{}
	q.Set("select", "subscription_tier")
	q.Set("user_id", "eq."+ownerID)

	var rows []struct {
		SubscriptionTier string `json:"subscription_tier"`
	}
	if err := p.rest.do(ctx, http.MethodGet, profilesTable, q.Encode(), "", nil, &rows); err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", domain.ErrNotFound
	}
	if rows[0].SubscriptionTier == string(domain.TierPremium) {
		return domain.TierPremium, nil
	}
	return domain.TierFree, nil
}

func (p *Profiles) SetTier(ctx context.Context, ownerID string, tier domain.Tier) error {
	q := url.Values{}
	q.Set("user_id", "eq."+ownerID)
	body := map[string]string{"subscription_tier": string(tier)}
	return p.rest.do(ctx, http.MethodPatch, profilesTable, q.Encode(), "return=minimal", body, nil)
}

// CreateDefaultProfile inserts a free-tier row for the owner. The
// on_conflict upsert makes concurrent calls for the same owner
// collapse to a single row.
func (p *Profiles) CreateDefaultProfile(ctx context.Context, ownerID string) error {
	q := url.Values{}
	q.Set("on_conflict", "user_id")
	body := map[string]string{
		"user_id":           ownerID,
		"subscription_tier": string(domain.TierFree),
	}
	return p.rest.do(ctx, http.MethodPost, profilesTable, q.Encode(),
		"resolution=ignore-duplicates,return=minimal", body, nil)
}

// UserIDByCustomer resolves the owner of a billing customer id. The
// webhook relay uses it to apply subscription events that only carry
// the Stripe customer.
func (p *Profiles) UserIDByCustomer(ctx context.Context, customerID string) (string, error) {
	q := url.Values{}
	q.Set("select", "user_id")
	q.Set("stripe_customer_id", "eq."+customerID)

	var rows []struct {
		UserID string `json:"user_id"`
	}
	if err := p.rest.do(ctx, http.MethodGet, profilesTable, q.Encode(), "", nil, &rows); err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("%w: no profile for customer", domain.ErrNotFound)
	}
	return rows[0].UserID, nil
}
