package billing_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bxxmzilla1/calliope/internal/billing"
	"github.com/bxxmzilla1/calliope/internal/domain"
)

// memTierStore maps Stripe customers to users and records tier writes.
type memTierStore struct {
	mu        sync.Mutex
	customers map[string]string
	tiers     map[string]domain.Tier
	setErr    error
}

func newMemTierStore() *memTierStore {
	return &memTierStore{
		customers: make(map[string]string),
		tiers:     make(map[string]domain.Tier),
	}
}

func (s *memTierStore) SetTier(ctx context.Context, userID string, tier domain.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.tiers[userID] = tier
	return nil
}

func (s *memTierStore) UserIDByCustomer(ctx context.Context, customerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.customers[customerID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return userID, nil
}

func (s *memTierStore) tier(userID string) (domain.Tier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tier, ok := s.tiers[userID]
	return tier, ok
}

func postEvent(t *testing.T, handler *billing.WebhookHandler, payload string) *httptest.ResponseRecorder {
	t.Helper()
	return postSigned(t, handler, payload, billing.SignPayload([]byte(payload), testSecret, time.Now()))
}

func postSigned(t *testing.T, handler *billing.WebhookHandler, payload, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", signature)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_CheckoutCompletedUpgrades(t *testing.T) {
	store := newMemTierStore()
	handler := billing.NewWebhookHandler(testSecret, store, nil, discardLogger())

	payload := `{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {"object": {
			"metadata": {"supabase_user_id": "user-1"},
			"subscription": "sub_123",
			"customer": "cus_123"
		}}
	}`
	rec := postEvent(t, handler, payload)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if tier, _ := store.tier("user-1"); tier != domain.TierPremium {
		t.Fatalf("tier = %v, want premium", tier)
	}
}

func TestWebhook_CheckoutWithoutMetadataIsAcknowledged(t *testing.T) {
	store := newMemTierStore()
	handler := billing.NewWebhookHandler(testSecret, store, nil, discardLogger())

	payload := `{
		"id": "evt_2",
		"type": "checkout.session.completed",
		"data": {"object": {"subscription": "sub_123"}}
	}`
	rec := postEvent(t, handler, payload)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(store.tiers) != 0 {
		t.Fatalf("no tier should change: %v", store.tiers)
	}
}

func TestWebhook_SubscriptionStatusSyncsTier(t *testing.T) {
	tests := []struct {
		eventType string
		status    string
		want      domain.Tier
	}{
		{"customer.subscription.updated", "active", domain.TierPremium},
		{"customer.subscription.updated", "trialing", domain.TierPremium},
		{"customer.subscription.updated", "past_due", domain.TierFree},
		{"customer.subscription.deleted", "canceled", domain.TierFree},
	}
	for _, tt := range tests {
		store := newMemTierStore()
		store.customers["cus_123"] = "user-1"
		handler := billing.NewWebhookHandler(testSecret, store, nil, discardLogger())

		payload := fmt.Sprintf(`{
			"id": "evt_3",
			"type": %q,
			"data": {"object": {"status": %q, "customer": "cus_123"}}
		}`, tt.eventType, tt.status)
		rec := postEvent(t, handler, payload)

		if rec.Code != http.StatusOK {
			t.Fatalf("%s/%s: status = %d", tt.eventType, tt.status, rec.Code)
		}
		if tier, _ := store.tier("user-1"); tier != tt.want {
			t.Errorf("%s/%s: tier = %v, want %v", tt.eventType, tt.status, tier, tt.want)
		}
	}
}

func TestWebhook_SubscriptionExpandedCustomerObject(t *testing.T) {
	store := newMemTierStore()
	store.customers["cus_123"] = "user-1"
	handler := billing.NewWebhookHandler(testSecret, store, nil, discardLogger())

	// Expanded payloads carry the customer as an object, not a string.
	payload := `{
		"id": "evt_4",
		"type": "customer.subscription.updated",
		"data": {"object": {"status": "active", "customer": {"id": "cus_123"}}}
	}`
	rec := postEvent(t, handler, payload)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if tier, _ := store.tier("user-1"); tier != domain.TierPremium {
		t.Fatalf("tier = %v, want premium", tier)
	}
}

func TestWebhook_UnknownCustomerIsAcknowledged(t *testing.T) {
	store := newMemTierStore()
	handler := billing.NewWebhookHandler(testSecret, store, nil, discardLogger())

	payload := `{
		"id": "evt_5",
		"type": "customer.subscription.deleted",
		"data": {"object": {"status": "canceled", "customer": "cus_unknown"}}
	}`
	rec := postEvent(t, handler, payload)

	// Stripe must not retry events we can never apply.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWebhook_InvoicePaymentSucceededRenews(t *testing.T) {
	store := newMemTierStore()
	store.customers["cus_123"] = "user-1"
	store.tiers["user-1"] = domain.TierFree
	handler := billing.NewWebhookHandler(testSecret, store, nil, discardLogger())

	payload := `{
		"id": "evt_6",
		"type": "invoice.payment_succeeded",
		"data": {"object": {"customer": "cus_123", "subscription": "sub_123"}}
	}`
	rec := postEvent(t, handler, payload)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if tier, _ := store.tier("user-1"); tier != domain.TierPremium {
		t.Fatalf("tier = %v, want premium", tier)
	}
}

func TestWebhook_PaymentFailedKeepsTier(t *testing.T) {
	store := newMemTierStore()
	store.customers["cus_123"] = "user-1"
	store.tiers["user-1"] = domain.TierPremium
	handler := billing.NewWebhookHandler(testSecret, store, nil, discardLogger())

	payload := `{
		"id": "evt_7",
		"type": "invoice.payment_failed",
		"data": {"object": {"customer": "cus_123"}}
	}`
	rec := postEvent(t, handler, payload)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	// Grace period: a single failed payment does not downgrade.
	if tier, _ := store.tier("user-1"); tier != domain.TierPremium {
		t.Fatalf("tier = %v, want premium", tier)
	}
}

func TestWebhook_UnhandledEventAcknowledged(t *testing.T) {
	handler := billing.NewWebhookHandler(testSecret, newMemTierStore(), nil, discardLogger())

	rec := postEvent(t, handler, `{"id":"evt_8","type":"charge.refunded","data":{"object":{}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWebhook_BadSignatureRejected(t *testing.T) {
	store := newMemTierStore()
	handler := billing.NewWebhookHandler(testSecret, store, nil, discardLogger())

	payload := `{"id":"evt_9","type":"checkout.session.completed","data":{"object":{"metadata":{"supabase_user_id":"user-1"},"subscription":"sub_1"}}}`
	rec := postSigned(t, handler, payload, "t=123,v1=deadbeef")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(store.tiers) != 0 {
		t.Fatal("an unverified event must not be applied")
	}
}

func TestWebhook_StoreFailureReturns500(t *testing.T) {
	store := newMemTierStore()
	store.setErr = fmt.Errorf("profile table unavailable")
	handler := billing.NewWebhookHandler(testSecret, store, nil, discardLogger())

	payload := `{
		"id": "evt_10",
		"type": "checkout.session.completed",
		"data": {"object": {"metadata": {"supabase_user_id": "user-1"}, "subscription": "sub_1"}}
	}`
	rec := postEvent(t, handler, payload)

	// A 500 makes Stripe retry, which is what we want for a transient
	// store failure.
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestWebhook_GetRejected(t *testing.T) {
	handler := billing.NewWebhookHandler(testSecret, newMemTierStore(), nil, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
