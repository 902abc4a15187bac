package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bxxmzilla1/calliope/internal/domain"
)

// maxEventBody bounds how much of a webhook request body is read.
const maxEventBody = 1 << 18

// TierStore is the slice of the profile table the webhook needs: resolving
// a Stripe customer to a user and writing that user's tier.
type TierStore interface {
	SetTier(ctx context.Context, userID string, tier domain.Tier) error
	UserIDByCustomer(ctx context.Context, customerID string) (string, error)
}

// WebhookHandler receives Stripe webhook events, verifies their signatures,
// and applies subscription changes to user profiles. The profile table is
// the source of truth for tier; clients observe the change on their next
// tier read.
type WebhookHandler struct {
	secret    string
	tolerance time.Duration
	store     TierStore
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewWebhookHandler creates a webhook handler using the given endpoint
// secret. metrics may be nil when no collector is registered.
func NewWebhookHandler(secret string, store TierStore, metrics *Metrics, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		secret:    secret,
		tolerance: DefaultTolerance,
		store:     store,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ServeHTTP handles POST requests from Stripe. Events with bad signatures
// get a 400; handled and unhandled event types both get a 200 so that
// Stripe does not retry work we have already done or will never do.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	if err := VerifySignature(body, r.Header.Get("Stripe-Signature"), h.secret, h.now(), h.tolerance); err != nil {
		h.logger.Warn("webhook signature rejected", "error", err)
		h.metrics.recordSignatureFailure()
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	var event stripeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if err := h.apply(r.Context(), event); err != nil {
		h.logger.Error("apply webhook event", "event_id", event.ID, "type", event.Type, "error", err)
		h.metrics.recordEvent(event.Type, "error")
		writeError(w, http.StatusInternalServerError, "event not applied")
		return
	}

	h.metrics.recordEvent(event.Type, "ok")
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// apply routes an event to its handler. Unknown event types are logged and
// acknowledged without side effects.
func (h *WebhookHandler) apply(ctx context.Context, event stripeEvent) error {
	switch event.Type {
	case "checkout.session.completed":
		return h.checkoutCompleted(ctx, event.Data.Object)
	case "customer.subscription.updated", "customer.subscription.deleted":
		return h.subscriptionChanged(ctx, event.Data.Object)
	case "invoice.payment_succeeded":
		return h.paymentSucceeded(ctx, event.Data.Object)
	case "invoice.payment_failed":
		// Grace period: the subscription stays premium until Stripe emits
		// a subscription.updated with a non-active status.
		h.logger.Warn("invoice payment failed", "event_id", event.ID)
		return nil
	default:
		h.logger.Debug("unhandled webhook event", "type", event.Type)
		return nil
	}
}

// checkoutCompleted upgrades the user named in the session metadata. The
// checkout session was created with supabase_user_id in its metadata, so no
// customer lookup is needed.
func (h *WebhookHandler) checkoutCompleted(ctx context.Context, object json.RawMessage) error {
	var session struct {
		Metadata struct {
			SupabaseUserID string `json:"supabase_user_id"`
		} `json:"metadata"`
		Subscription jsonID `json:"subscription"`
	}
	if err := json.Unmarshal(object, &session); err != nil {
		return fmt.Errorf("decode checkout session: %w", err)
	}
	if session.Metadata.SupabaseUserID == "" || session.Subscription == "" {
		h.logger.Warn("checkout session without user metadata or subscription")
		return nil
	}
	if err := h.store.SetTier(ctx, session.Metadata.SupabaseUserID, domain.TierPremium); err != nil {
		return fmt.Errorf("upgrade after checkout: %w", err)
	}
	h.logger.Info("subscription activated", "user_id", session.Metadata.SupabaseUserID)
	return nil
}

// subscriptionChanged syncs the tier with the subscription status: active
// and trialing stay premium, everything else drops to free.
func (h *WebhookHandler) subscriptionChanged(ctx context.Context, object json.RawMessage) error {
	var sub struct {
		Status   string `json:"status"`
		Customer jsonID `json:"customer"`
	}
	if err := json.Unmarshal(object, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}

	userID, err := h.store.UserIDByCustomer(ctx, string(sub.Customer))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.logger.Warn("subscription event for unknown customer", "customer_id", sub.Customer)
			return nil
		}
		return fmt.Errorf("resolve customer: %w", err)
	}

	tier := domain.TierFree
	if sub.Status == "active" || sub.Status == "trialing" {
		tier = domain.TierPremium
	}
	if err := h.store.SetTier(ctx, userID, tier); err != nil {
		return fmt.Errorf("sync tier: %w", err)
	}
	h.logger.Info("subscription status applied", "user_id", userID, "status", sub.Status, "tier", tier)
	return nil
}

// paymentSucceeded re-asserts premium after a successful renewal invoice.
func (h *WebhookHandler) paymentSucceeded(ctx context.Context, object json.RawMessage) error {
	var invoice struct {
		Customer     jsonID `json:"customer"`
		Subscription jsonID `json:"subscription"`
	}
	if err := json.Unmarshal(object, &invoice); err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}
	if invoice.Subscription == "" {
		return nil
	}

	userID, err := h.store.UserIDByCustomer(ctx, string(invoice.Customer))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.logger.Warn("invoice for unknown customer", "customer_id", invoice.Customer)
			return nil
		}
		return fmt.Errorf("resolve customer: %w", err)
	}
	if err := h.store.SetTier(ctx, userID, domain.TierPremium); err != nil {
		return fmt.Errorf("renew tier: %w", err)
	}
	return nil
}

// jsonID decodes a Stripe reference field that may arrive either as a bare
// ID string or as an expanded object carrying an "id" field.
type jsonID string

func (j *jsonID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*j = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*j = jsonID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*j = jsonID(obj.ID)
	return nil
}
