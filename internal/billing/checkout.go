// Package billing handles the Stripe side of subscriptions: starting a
// hosted checkout for upgrades, and applying webhook events to the
// subscription tier stored in user profiles.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bxxmzilla1/calliope/internal/domain"
)

// CheckoutClient starts checkout sessions through the project's
// create-checkout edge function. The function owns the Stripe secret key;
// the client only forwards the caller's access token.
type CheckoutClient struct {
	functionsURL string
	anonKey      string
	http         *http.Client
}

// NewCheckoutClient creates a checkout client for the given functions base
// URL (e.g. https://xyz.supabase.co/functions/v1). If httpClient is nil,
// http.DefaultClient is used.
func NewCheckoutClient(functionsURL, anonKey string, httpClient *http.Client) *CheckoutClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &CheckoutClient{
		functionsURL: strings.TrimRight(functionsURL, "/"),
		anonKey:      anonKey,
		http:         httpClient,
	}
}

// CreateCheckoutSession asks the edge function for a hosted checkout URL
// for the user identified by accessToken. The URL is where the user
// completes payment; tier changes arrive later via webhook.
func (c *CheckoutClient) CreateCheckoutSession(ctx context.Context, accessToken string) (string, error) {
	if accessToken == "" {
		return "", domain.ErrNotAuthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.functionsURL+"/create-checkout", bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", fmt.Errorf("create checkout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read checkout response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("create checkout session: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode checkout response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("create checkout session: no checkout URL returned")
	}
	return out.URL, nil
}
