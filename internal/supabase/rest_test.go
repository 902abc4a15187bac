package supabase_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bxxmzilla1/calliope/internal/domain"
	"github.com/bxxmzilla1/calliope/internal/supabase"
)

// tableServer records PostgREST requests and serves canned responses
// keyed by "METHOD /table".
type tableServer struct {
	mu        sync.Mutex
	requests  []recordedRequest
	responses map[string]response
}

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Prefer string
	Bearer string
	Body   string
}

type response struct {
	status int
	body   string
}

func newTableServer() (*tableServer, *httptest.Server) {
	ts := &tableServer{responses: make(map[string]response)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Prefer: r.Header.Get("Prefer"),
			Bearer: r.Header.Get("Authorization"),
			Body:   string(body),
		})
		resp, ok := ts.responses[r.Method+" "+r.URL.Path]
		ts.mu.Unlock()
		if !ok {
			resp = response{status: http.StatusOK, body: "[]"}
		}
		w.WriteHeader(resp.status)
		w.Write([]byte(resp.body))
	}))
	return ts, srv
}

func (ts *tableServer) respond(method, table string, status int, body string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.responses[method+" /rest/v1/"+table] = response{status: status, body: body}
}

func (ts *tableServer) last(t *testing.T) recordedRequest {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.requests) == 0 {
		t.Fatal("no requests recorded")
	}
	return ts.requests[len(ts.requests)-1]
}

func newProfiles(srv *httptest.Server) *supabase.Profiles {
	rest := supabase.NewRestClient(srv.URL, testAnonKey, func() string { return "user-token" }, nil)
	return supabase.NewProfiles(rest)
}

func TestProfiles_GetTier(t *testing.T) {
	ts, srv := newTableServer()
	defer srv.Close()
	ts.respond(http.MethodGet, "user_profiles", http.StatusOK, `[{"subscription_tier":"premium"}]`)

	tier, err := newProfiles(srv).GetTier(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetTier: %v", err)
	}
	if tier != domain.TierPremium {
		t.Fatalf("tier = %v, want premium", tier)
	}

	req := ts.last(t)
	if req.Path != "/rest/v1/user_profiles" {
		t.Fatalf("path = %q", req.Path)
	}
	if req.Query != "select=subscription_tier&user_id=eq.user-1" {
		t.Fatalf("query = %q", req.Query)
	}
	// Requests run as the user so row-level security applies.
	if req.Bearer != "Bearer user-token" {
		t.Fatalf("bearer = %q", req.Bearer)
	}
}

func TestProfiles_GetTierUnknownValueDefaultsFree(t *testing.T) {
	ts, srv := newTableServer()
	defer srv.Close()
	ts.respond(http.MethodGet, "user_profiles", http.StatusOK, `[{"subscription_tier":"enterprise"}]`)

	tier, err := newProfiles(srv).GetTier(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetTier: %v", err)
	}
	if tier != domain.TierFree {
		t.Fatalf("unrecognized tier must degrade to free, got %v", tier)
	}
}

func TestProfiles_GetTierMissingRow(t *testing.T) {
	_, srv := newTableServer()
	defer srv.Close()

	_, err := newProfiles(srv).GetTier(context.Background(), "user-1")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProfiles_CreateDefaultProfileUpsert(t *testing.T) {
	ts, srv := newTableServer()
	defer srv.Close()
	ts.respond(http.MethodPost, "user_profiles", http.StatusCreated, "")

	if err := newProfiles(srv).CreateDefaultProfile(context.Background(), "user-1"); err != nil {
		t.Fatalf("CreateDefaultProfile: %v", err)
	}

	req := ts.last(t)
	if req.Query != "on_conflict=user_id" {
		t.Fatalf("query = %q", req.Query)
	}
	if req.Prefer != "resolution=ignore-duplicates,return=minimal" {
		t.Fatalf("Prefer = %q", req.Prefer)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["user_id"] != "user-1" || body["subscription_tier"] != "free" {
		t.Fatalf("body = %v", body)
	}
}

func TestProfiles_SetTier(t *testing.T) {
	ts, srv := newTableServer()
	defer srv.Close()
	ts.respond(http.MethodPatch, "user_profiles", http.StatusNoContent, "")

	if err := newProfiles(srv).SetTier(context.Background(), "user-1", domain.TierPremium); err != nil {
		t.Fatalf("SetTier: %v", err)
	}

	req := ts.last(t)
	if req.Method != http.MethodPatch || req.Query != "user_id=eq.user-1" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestProfiles_UserIDByCustomer(t *testing.T) {
	ts, srv := newTableServer()
	defer srv.Close()
	ts.respond(http.MethodGet, "user_profiles", http.StatusOK, `[{"user_id":"user-9"}]`)

	userID, err := newProfiles(srv).UserIDByCustomer(context.Background(), "cus_123")
	if err != nil {
		t.Fatalf("UserIDByCustomer: %v", err)
	}
	if userID != "user-9" {
		t.Fatalf("userID = %q", userID)
	}
	if q := ts.last(t).Query; q != "select=user_id&stripe_customer_id=eq.cus_123" {
		t.Fatalf("query = %q", q)
	}
}

func newEntries(srv *httptest.Server) *supabase.Entries {
	rest := supabase.NewRestClient(srv.URL, testAnonKey, func() string { return "user-token" }, nil)
	return supabase.NewEntries(rest)
}

func TestEntries_ListOrdersNewestFirst(t *testing.T) {
	ts, srv := newTableServer()
	defer srv.Close()
	ts.respond(http.MethodGet, "journal_entries", http.StatusOK, `[
		{"id":"e2","user_id":"u1","title":"later","content":"","mood":"calm","date":"2026-08-02T00:00:00Z"},
		{"id":"e1","user_id":"u1","title":"earlier","content":"","mood":"happy","date":"2026-08-01T00:00:00Z"}
	]`)

	entries, err := newEntries(srv).ListEntries(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "e2" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[0].Mood != domain.MoodCalm {
		t.Fatalf("mood = %v", entries[0].Mood)
	}

	req := ts.last(t)
	if req.Query != "order=date.desc&select=%2A&user_id=eq.u1" {
		t.Fatalf("query = %q", req.Query)
	}
}

func TestEntries_CreateSendsGeneratedID(t *testing.T) {
	ts, srv := newTableServer()
	defer srv.Close()
	ts.respond(http.MethodPost, "journal_entries", http.StatusCreated,
		`[{"id":"server-echo","user_id":"u1","title":"t","content":"c","mood":"happy","date":"2026-08-30T00:00:00Z"}]`)

	entry, err := newEntries(srv).CreateEntry(context.Background(), "u1", domain.EntryDraft{
		Title:   "t",
		Content: "c",
		Mood:    domain.MoodHappy,
	})
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if entry.ID != "server-echo" || entry.OwnerID != "u1" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	req := ts.last(t)
	if req.Prefer != "return=representation" {
		t.Fatalf("Prefer = %q", req.Prefer)
	}
	var row map[string]any
	if err := json.Unmarshal([]byte(req.Body), &row); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if row["id"] == "" || row["user_id"] != "u1" || row["mood"] != "happy" {
		t.Fatalf("body = %v", row)
	}
	if _, err := time.Parse(time.RFC3339, row["date"].(string)); err != nil {
		t.Fatalf("date not RFC3339: %v", row["date"])
	}
}

func TestEntries_UpdateEmptyPatchRejected(t *testing.T) {
	_, srv := newTableServer()
	defer srv.Close()

	_, err := newEntries(srv).UpdateEntry(context.Background(), "u1", "e1", domain.EntryPatch{})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEntries_UpdateMissingRow(t *testing.T) {
	ts, srv := newTableServer()
	defer srv.Close()
	ts.respond(http.MethodPatch, "journal_entries", http.StatusOK, "[]")

	title := "new"
	_, err := newEntries(srv).UpdateEntry(context.Background(), "u1", "missing", domain.EntryPatch{Title: &title})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEntries_DeleteScopedToOwner(t *testing.T) {
	ts, srv := newTableServer()
	defer srv.Close()
	ts.respond(http.MethodDelete, "journal_entries", http.StatusNoContent, "")

	if err := newEntries(srv).DeleteEntry(context.Background(), "u1", "e1"); err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	if q := ts.last(t).Query; q != "id=eq.e1&user_id=eq.u1" {
		t.Fatalf("query = %q", q)
	}
}

func TestRestClient_ServerErrorWrapped(t *testing.T) {
	ts, srv := newTableServer()
	defer srv.Close()
	ts.respond(http.MethodGet, "journal_entries", http.StatusInternalServerError, `{"message":"boom"}`)

	_, err := newEntries(srv).ListEntries(context.Background(), "u1")
	if !errors.Is(err, domain.ErrStoreFailed) {
		t.Fatalf("expected ErrStoreFailed, got %v", err)
	}
}
