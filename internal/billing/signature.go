package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance is the maximum accepted age of a webhook signature
// timestamp. Older payloads are rejected to blunt replay attacks.
const DefaultTolerance = 5 * time.Minute

// ErrInvalidSignature indicates that a webhook payload failed signature
// verification and must not be processed.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// VerifySignature checks a Stripe-Signature header against the raw request
// body. The header carries a timestamp and one or more v1 signatures, each
// an HMAC-SHA256 of "<timestamp>.<body>" keyed with the endpoint secret.
// Verification succeeds if any v1 signature matches and the timestamp is
// within tolerance of now.
func VerifySignature(payload []byte, header, secret string, now time.Time, tolerance time.Duration) error {
	if header == "" {
		return fmt.Errorf("%w: missing header", ErrInvalidSignature)
	}

	var timestamp string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			sigs = append(sigs, value)
		}
	}
	if timestamp == "" || len(sigs) == 0 {
		return fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > tolerance || age < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, sig := range sigs {
		decoded, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching v1 signature", ErrInvalidSignature)
}

// SignPayload produces a Stripe-Signature header value for the given body.
// Used by tests and local tooling to construct verifiable requests.
func SignPayload(payload []byte, secret string, at time.Time) string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}
