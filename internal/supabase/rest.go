package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bxxmzilla1/calliope/internal/domain"
)

// RestClient performs PostgREST calls against the project's tables.
// The token function supplies the caller's access token so row-level
// security applies; when it returns empty the anon key is used, and a
// service-role key can be supplied instead for trusted server-side
// callers like the billing webhook.
type RestClient struct {
	baseURL string
	apiKey  string
	token   func() string
	http    *http.Client
}

// NewRestClient creates a RestClient for the project at baseURL.
// token may be nil.
func NewRestClient(baseURL, apiKey string, token func() string, hc *http.Client) *RestClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &RestClient{baseURL: trimSlash(baseURL), apiKey: apiKey, token: token, http: hc}
}

// do performs one table request. query must already be encoded. prefer
// sets the Prefer header when non-empty. out, when non-nil, receives
// the decoded JSON body.
func (c *RestClient) do(ctx context.Context, method, table, query, prefer string, body, out any) error {
	u := c.baseURL + "/rest/v1/" + table
	if query != "" {
		u += "?" + query
	}

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	bearer := c.apiKey
	if c.token != nil {
		if t := c.token(); t != "" {
			bearer = t
		}
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: status %d: %s", domain.ErrStoreFailed, method, table, resp.StatusCode, msg)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return fmt.Errorf("%w: decode response: %v", domain.ErrStoreFailed, err)
		}
	}
	return nil
}
