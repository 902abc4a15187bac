package billing_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bxxmzilla1/calliope/internal/billing"
)

const testSecret = "whsec_test"

func TestVerifySignature_RoundTrip(t *testing.T) {
	payload := []byte(`{"type":"checkout.session.completed"}`)
	now := time.Now()
	header := billing.SignPayload(payload, testSecret, now)

	if err := billing.VerifySignature(payload, header, testSecret, now, billing.DefaultTolerance); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
}

func TestVerifySignature_TamperedPayload(t *testing.T) {
	payload := []byte(`{"amount":100}`)
	now := time.Now()
	header := billing.SignPayload(payload, testSecret, now)

	err := billing.VerifySignature([]byte(`{"amount":99999}`), header, testSecret, now, billing.DefaultTolerance)
	if !errors.Is(err, billing.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	payload := []byte(`{}`)
	now := time.Now()
	header := billing.SignPayload(payload, "whsec_other", now)

	err := billing.VerifySignature(payload, header, testSecret, now, billing.DefaultTolerance)
	if !errors.Is(err, billing.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifySignature_StaleTimestamp(t *testing.T) {
	payload := []byte(`{}`)
	signedAt := time.Now().Add(-time.Hour)
	header := billing.SignPayload(payload, testSecret, signedAt)

	err := billing.VerifySignature(payload, header, testSecret, time.Now(), billing.DefaultTolerance)
	if !errors.Is(err, billing.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for a replayed payload, got %v", err)
	}
}

func TestVerifySignature_MultipleV1Signatures(t *testing.T) {
	// Stripe sends several v1 entries during secret rotation; any valid
	// one must pass.
	payload := []byte(`{}`)
	now := time.Now()
	valid := billing.SignPayload(payload, testSecret, now)
	_, v1, _ := strings.Cut(valid, ",")
	header := valid[:strings.Index(valid, ",")] + ",v1=deadbeef," + v1

	if err := billing.VerifySignature(payload, header, testSecret, now, billing.DefaultTolerance); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
}

func TestVerifySignature_MalformedHeaders(t *testing.T) {
	payload := []byte(`{}`)
	now := time.Now()
	for _, header := range []string{
		"",
		"t=123",
		"v1=abcd",
		"garbage",
		"t=notanumber,v1=abcd",
	} {
		err := billing.VerifySignature(payload, header, testSecret, now, billing.DefaultTolerance)
		if !errors.Is(err, billing.ErrInvalidSignature) {
			t.Errorf("header %q: expected ErrInvalidSignature, got %v", header, err)
		}
	}
}
