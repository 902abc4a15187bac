package router

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/bxxmzilla1/calliope/internal/domain"
	"github.com/bxxmzilla1/calliope/internal/session"
)

// SessionSource supplies the current session snapshot.
type SessionSource interface {
	Snapshot() session.Snapshot
}

// View is what the UI layer should render: either nothing while the
// session is still resolving, or the guarded route.
type View struct {
	Resolving bool
	Route     domain.RouteState
}

// Guard resolves the address fragment into a route and keeps route and
// identity mutually consistent. Unauthenticated users only reach
// public routes; authenticated users never see public-only routes.
// Corrective redirects always target a page that itself needs no
// further redirect, so recomputation converges in one hop.
type Guard struct {
	fragment domain.Fragment
	sessions SessionSource

	mu           sync.Mutex
	view         View
	listeners    map[int]func(View)
	nextListener int

	kick chan struct{}
}

// NewGuard creates a Guard. The initial view is resolving until the
// first Recompute.
func NewGuard(fragment domain.Fragment, sessions SessionSource) *Guard {
	return &Guard{
		fragment:  fragment,
		sessions:  sessions,
		view:      View{Resolving: true},
		listeners: make(map[int]func(View)),
		kick:      make(chan struct{}, 1),
	}
}

// Current returns the latest computed view.
func (g *Guard) Current() View {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.view
}

// OnChange registers a listener invoked whenever the view changes. The
// returned function removes it.
func (g *Guard) OnChange(fn func(View)) (remove func()) {
	g.mu.Lock()
	id := g.nextListener
	g.nextListener++
	g.listeners[id] = fn
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.listeners, id)
		g.mu.Unlock()
	}
}

// Invalidate requests a recomputation. Concurrent triggers collapse to
// a single pass over the latest fragment and identity.
func (g *Guard) Invalidate() {
	select {
	case g.kick <- struct{}{}:
	default:
	}
}

// Run services Invalidate requests until the context ends.
func (g *Guard) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.kick:
			g.Recompute()
		}
	}
}

// Recompute derives the view from the current fragment and session
// snapshot, performing a corrective redirect when they disagree. It is
// idempotent: running it twice in a row yields the same view.
func (g *Guard) Recompute() {
	snap := g.sessions.Snapshot()
	if snap.Phase == domain.PhaseResolving {
		// Never show a protected or public-only page while identity is
		// undetermined.
		g.setView(View{Resolving: true})
		return
	}

	authed := snap.Phase == domain.PhaseAuthenticated
	route := ParseFragment(g.fragment.Read(), authed)

	switch {
	case authed && route.Page.PublicOnly():
		route = domain.RouteState{Page: domain.PageDashboard, Params: map[string]string{}}
		g.fragment.Write(EncodeFragment(route.Page, nil))
	case !authed && route.Page.Protected():
		route = domain.RouteState{Page: domain.PageHome, Params: map[string]string{}}
		g.fragment.Write(EncodeFragment(route.Page, nil))
	}

	g.setView(View{Route: route})
}

// Navigate writes a correctly encoded fragment for the page and
// params, which in turn triggers a recomputation through the fragment
// watcher.
func (g *Guard) Navigate(page domain.Page, params map[string]string) {
	g.fragment.Write(EncodeFragment(page, params))
}

func (g *Guard) setView(v View) {
	g.mu.Lock()
	if viewEqual(g.view, v) {
		g.mu.Unlock()
		return
	}
	g.view = v
	fns := make([]func(View), 0, len(g.listeners))
	for _, fn := range g.listeners {
		fns = append(fns, fn)
	}
	g.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func viewEqual(a, b View) bool {
	if a.Resolving != b.Resolving || a.Route.Page != b.Route.Page {
		return false
	}
	if len(a.Route.Params) != len(b.Route.Params) {
		return false
	}
	for k, v := range a.Route.Params {
		if b.Route.Params[k] != v {
			return false
		}
	}
	return true
}

// ParseFragment resolves a raw fragment into a route. The path is
// case-insensitive; unknown or empty paths resolve to the
// tier-appropriate default rather than an error.
func ParseFragment(raw string, authed bool) domain.RouteState {
	fallback := domain.PageHome
	if authed {
		fallback = domain.PageDashboard
	}

	path, query, _ := strings.Cut(raw, "?")
	page, ok := domain.ParsePage(path)
	params := map[string]string{}
	if !ok {
		return domain.RouteState{Page: fallback, Params: params}
	}
	if query != "" {
		if vals, err := url.ParseQuery(query); err == nil {
			for k, v := range vals {
				if len(v) > 0 {
					params[k] = v[0]
				}
			}
		}
	}
	return domain.RouteState{Page: page, Params: params}
}

// EncodeFragment renders a page and params as a fragment value: the
// lowercase path, then URL-encoded query parameters, omitted entirely
// when empty.
func EncodeFragment(page domain.Page, params map[string]string) string {
	if len(params) == 0 {
		return string(page)
	}
	vals := url.Values{}
	for k, v := range params {
		vals.Set(k, v)
	}
	return string(page) + "?" + vals.Encode()
}
