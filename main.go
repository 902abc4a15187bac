// Command calliope is the journaling client shell. It resolves the
// Supabase session, guards navigation between pages, and edits journal
// entries through an interactive prompt. The address fragment of the
// hosted app is modeled by an in-process fragment value, seeded from
// CALLIOPE_FRAGMENT (e.g. an OAuth callback handed over by the system
// browser).
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bxxmzilla1/calliope/internal/billing"
	"github.com/bxxmzilla1/calliope/internal/config"
	"github.com/bxxmzilla1/calliope/internal/domain"
	"github.com/bxxmzilla1/calliope/internal/journal"
	"github.com/bxxmzilla1/calliope/internal/repository/sqlite"
	"github.com/bxxmzilla1/calliope/internal/router"
	"github.com/bxxmzilla1/calliope/internal/session"
	"github.com/bxxmzilla1/calliope/internal/supabase"
)

func main() {
	cfg, err := config.LoadApp()
	if err != nil {
		slog.Error("load configuration", "error", err)
		os.Exit(1)
	}

	logOpts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}
	logger := slog.New(slog.NewTextHandler(os.Stderr, logOpts))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.New(filepath.Join(cfg.DataDir, "calliope.db"))
	if err != nil {
		slog.Error("open local database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		slog.Error("run migrations", "error", err)
		os.Exit(1)
	}

	creds, err := sqlite.NewCredentialRepository(db, filepath.Join(cfg.DataDir, "calliope.key"))
	if err != nil {
		slog.Error("open credential store", "error", err)
		os.Exit(1)
	}

	auth := supabase.NewAuthClient(cfg.SupabaseURL, cfg.SupabaseAnonKey, nil, creds, logger)
	rest := supabase.NewRestClient(cfg.SupabaseURL, cfg.SupabaseAnonKey, auth.AccessToken, nil)
	profiles := supabase.NewProfiles(rest)
	entries := supabase.NewEntries(rest)
	checkout := billing.NewCheckoutClient(cfg.SupabaseURL+"/functions/v1", cfg.SupabaseAnonKey, nil)

	fragment := router.NewInMemory(cfg.InitialFragment)

	manager := session.New(session.Config{
		Provider: auth,
		Profiles: profiles,
		Fragment: fragment,
		Logger:   logger,
	})
	guard := router.NewGuard(fragment, manager)
	journalSvc := journal.NewService(entries, sqlite.NewEntryCache(db), logger)

	// A persisted session from a previous run, if any, becomes the
	// initial session the manager resolves against.
	if err := auth.Restore(ctx); err != nil {
		logger.Warn("restore persisted session", "error", err)
	}

	// An OAuth callback fragment carries tokens the provider has not seen
	// yet; exchanging them races the manager's bounded session poll, which
	// is exactly the window the poll exists for.
	if raw := fragment.Read(); session.IsOAuthCallback(raw) {
		go func() {
			if err := auth.HandleCallbackFragment(ctx, raw); err != nil {
				logger.Warn("handle oauth callback", "error", err)
			}
		}()
	}

	removeFragmentWatch := fragment.Watch(guard.Invalidate)
	defer removeFragmentWatch()

	removeSessionWatch := manager.OnChange(func(snap session.Snapshot) {
		if snap.Identity != nil {
			journalSvc.SetOwner(ctx, snap.Identity.UserID)
		} else if snap.Phase == domain.PhaseUnauthenticated {
			journalSvc.SetOwner(ctx, "")
		}
		guard.Invalidate()
	})
	defer removeSessionWatch()

	go guard.Run(ctx)
	stopManager := manager.Start(ctx)
	defer stopManager()

	shell := &shell{
		manager:  manager,
		guard:    guard,
		journal:  journalSvc,
		auth:     auth,
		checkout: checkout,
		out:      os.Stdout,
	}

	guard.OnChange(func(v router.View) { shell.render(v) })
	shell.render(guard.Current())
	shell.run(ctx, bufio.NewScanner(os.Stdin))
}

// shell is the interactive front of the client: it renders the guarded
// view and translates typed commands into service calls.
type shell struct {
	manager  *session.Manager
	guard    *router.Guard
	journal  *journal.Service
	auth     *supabase.AuthClient
	checkout *billing.CheckoutClient
	out      *os.File
}

func (sh *shell) run(ctx context.Context, in *bufio.Scanner) {
	for {
		fmt.Fprint(sh.out, "> ")
		if !in.Scan() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		switch cmd {
		case "quit", "exit":
			return
		case "help":
			sh.printHelp()
		case "open":
			sh.guard.Navigate(parseTarget(rest))
		case "login":
			sh.login(ctx, rest)
		case "signup":
			sh.signup(ctx, rest)
		case "oauth":
			sh.oauth(ctx, rest)
		case "logout":
			sh.manager.Logout(ctx)
		case "list":
			sh.list(ctx)
		case "new":
			sh.create(ctx, rest)
		case "edit":
			sh.edit(ctx, rest)
		case "delete":
			sh.delete(ctx, rest)
		case "quota":
			sh.quota(ctx)
		case "upgrade":
			sh.upgrade(ctx)
		case "cancel":
			sh.cancel(ctx)
		case "whoami":
			sh.whoami()
		default:
			fmt.Fprintf(sh.out, "unknown command %q (try help)\n", cmd)
		}
	}
}

// render prints the current view. While the session is resolving, no page
// is shown at all; protected and public pages only render once the guard
// has settled.
func (sh *shell) render(v router.View) {
	if v.Resolving {
		fmt.Fprintln(sh.out, "-- resolving session --")
		return
	}
	page := v.Route.Page
	fmt.Fprintf(sh.out, "== %s ==\n", page)
	switch page {
	case domain.PageDashboard:
		sh.list(context.Background())
	case domain.PageEntry:
		if id := v.Route.Params["id"]; id != "" {
			fmt.Fprintf(sh.out, "editing entry %s\n", id)
		} else {
			fmt.Fprintln(sh.out, "new entry (use: new <mood> <title> -- <content>)")
		}
	case domain.PageSettings:
		sh.whoami()
	}
}

func (sh *shell) printHelp() {
	fmt.Fprint(sh.out, `commands:
  open <fragment>            navigate, e.g. open dashboard or open entry?id=...
  login <email> <password>   sign in with password
  signup <email> <password>  create an account
  oauth <provider>           start an OAuth sign-in (prints the provider URL)
  logout                     sign out
  list                       list journal entries
  new <mood> <title> -- <content>
  edit <id> <mood> <title> -- <content>
  delete <id>                delete an entry
  quota                      show the entry quota
  upgrade                    start a premium checkout (prints the URL)
  cancel                     cancel premium
  whoami                     show the signed-in identity
  quit
`)
}

func (sh *shell) login(ctx context.Context, rest string) {
	email, password, ok := strings.Cut(rest, " ")
	if !ok {
		fmt.Fprintln(sh.out, "usage: login <email> <password>")
		return
	}
	id, err := sh.manager.Login(ctx, email, password)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCredentials) {
			fmt.Fprintln(sh.out, "invalid email or password")
			return
		}
		fmt.Fprintln(sh.out, "sign in failed:", err)
		return
	}
	fmt.Fprintf(sh.out, "signed in as %s\n", id.Email)
	sh.guard.Navigate(domain.PageDashboard, nil)
}

func (sh *shell) signup(ctx context.Context, rest string) {
	email, password, ok := strings.Cut(rest, " ")
	if !ok {
		fmt.Fprintln(sh.out, "usage: signup <email> <password>")
		return
	}
	id, err := sh.manager.SignUp(ctx, email, password)
	if err != nil {
		fmt.Fprintln(sh.out, "sign up failed:", err)
		return
	}
	fmt.Fprintf(sh.out, "account created for %s\n", id.Email)
	sh.guard.Navigate(domain.PageDashboard, nil)
}

func (sh *shell) oauth(ctx context.Context, provider string) {
	provider = strings.TrimSpace(provider)
	url, err := sh.manager.SignInWithOAuth(ctx, provider)
	if err != nil {
		fmt.Fprintln(sh.out, "could not start OAuth sign-in:", err)
		return
	}
	fmt.Fprintf(sh.out, "open in a browser:\n  %s\nthen restart with CALLIOPE_FRAGMENT set to the callback fragment\n", url)
}

func (sh *shell) list(ctx context.Context) {
	id, ok := sh.identity()
	if !ok {
		return
	}
	entries := sh.journal.List(ctx, id.UserID)
	if len(entries) == 0 {
		fmt.Fprintln(sh.out, "no entries yet")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(sh.out, "%s  %s  [%s]  %s\n", e.ID, e.Date.Format("2006-01-02"), e.Mood, e.Title)
	}
}

func (sh *shell) create(ctx context.Context, rest string) {
	id, ok := sh.identity()
	if !ok {
		return
	}
	mood, title, content, ok := parseEntryArgs(rest)
	if !ok {
		fmt.Fprintln(sh.out, "usage: new <mood> <title> -- <content>")
		return
	}
	entry, err := sh.journal.Create(ctx, id.UserID, id.Tier, domain.EntryDraft{
		Title:   title,
		Content: content,
		Mood:    mood,
	})
	if err != nil {
		var qe *domain.QuotaError
		if errors.As(err, &qe) {
			fmt.Fprintf(sh.out, "%s; upgrade to premium for unlimited entries\n", qe.Error())
			return
		}
		fmt.Fprintln(sh.out, "create entry:", err)
		return
	}
	fmt.Fprintf(sh.out, "created %s\n", entry.ID)
}

func (sh *shell) edit(ctx context.Context, rest string) {
	id, ok := sh.identity()
	if !ok {
		return
	}
	entryID, args, found := strings.Cut(rest, " ")
	if !found {
		fmt.Fprintln(sh.out, "usage: edit <id> <mood> <title> -- <content>")
		return
	}
	mood, title, content, ok := parseEntryArgs(args)
	if !ok {
		fmt.Fprintln(sh.out, "usage: edit <id> <mood> <title> -- <content>")
		return
	}
	_, err := sh.journal.Update(ctx, id.UserID, entryID, domain.EntryPatch{
		Title:   &title,
		Content: &content,
		Mood:    &mood,
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			fmt.Fprintln(sh.out, "no such entry")
			return
		}
		fmt.Fprintln(sh.out, "update entry:", err)
		return
	}
	fmt.Fprintln(sh.out, "updated")
}

func (sh *shell) delete(ctx context.Context, rest string) {
	id, ok := sh.identity()
	if !ok {
		return
	}
	entryID := strings.TrimSpace(rest)
	if entryID == "" {
		fmt.Fprintln(sh.out, "usage: delete <id>")
		return
	}
	if err := sh.journal.Delete(ctx, id.UserID, entryID); err != nil {
		fmt.Fprintln(sh.out, "delete entry:", err)
		return
	}
	fmt.Fprintln(sh.out, "deleted")
}

func (sh *shell) quota(ctx context.Context) {
	id, ok := sh.identity()
	if !ok {
		return
	}
	state, err := sh.journal.Quota(ctx, id.UserID, id.Tier)
	if err != nil {
		fmt.Fprintln(sh.out, "quota unavailable:", err)
		return
	}
	if !state.Limited {
		fmt.Fprintf(sh.out, "premium: %d entries, no limit\n", state.Count)
		return
	}
	fmt.Fprintf(sh.out, "free plan: %d of %d entries used\n", state.Count, state.Limit)
}

func (sh *shell) upgrade(ctx context.Context) {
	if _, ok := sh.identity(); !ok {
		return
	}
	url, err := sh.checkout.CreateCheckoutSession(ctx, sh.auth.AccessToken())
	if err != nil {
		fmt.Fprintln(sh.out, "could not start checkout:", err)
		return
	}
	fmt.Fprintf(sh.out, "complete payment at:\n  %s\nthe tier updates once the payment webhook lands\n", url)
	sh.manager.RefreshTier()
}

func (sh *shell) cancel(ctx context.Context) {
	if _, ok := sh.identity(); !ok {
		return
	}
	if err := sh.manager.UpdateTier(ctx, domain.TierFree); err != nil {
		fmt.Fprintln(sh.out, "cancel subscription:", err)
		return
	}
	fmt.Fprintln(sh.out, "subscription canceled")
}

func (sh *shell) whoami() {
	snap := sh.manager.Snapshot()
	switch {
	case snap.Phase == domain.PhaseResolving:
		fmt.Fprintln(sh.out, "resolving session")
	case snap.Identity == nil:
		fmt.Fprintln(sh.out, "not signed in")
	default:
		fmt.Fprintf(sh.out, "%s (%s plan)\n", snap.Identity.Email, snap.Identity.Tier)
	}
}

// identity returns the signed-in identity or prints a hint.
func (sh *shell) identity() (domain.Identity, bool) {
	snap := sh.manager.Snapshot()
	if snap.Identity == nil {
		fmt.Fprintln(sh.out, "sign in first (login <email> <password>)")
		return domain.Identity{}, false
	}
	return *snap.Identity, true
}

// parseTarget turns an "open" argument into a page and params, accepting
// both "dashboard" and "#entry?id=abc" forms.
func parseTarget(raw string) (domain.Page, map[string]string) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "#")
	route := router.ParseFragment(raw, true)
	return route.Page, route.Params
}

// parseEntryArgs splits "<mood> <title> -- <content>"; content is optional.
func parseEntryArgs(rest string) (mood domain.Mood, title, content string, ok bool) {
	moodWord, after, found := strings.Cut(strings.TrimSpace(rest), " ")
	if !found {
		return "", "", "", false
	}
	title, content, _ = strings.Cut(after, " -- ")
	title = strings.TrimSpace(title)
	content = strings.TrimSpace(content)
	if title == "" {
		return "", "", "", false
	}
	return domain.Mood(moodWord), title, content, true
}
