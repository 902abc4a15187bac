package domain

import "strings"

// Page is a logical screen of the client. The string value is the
// canonical lowercase fragment path.
type Page string

const (
	PageHome      Page = "home"
	PageLogin     Page = "login"
	PageSignUp    Page = "signup"
	PageDashboard Page = "dashboard"
	PageEntry     Page = "entry"
	PageSettings  Page = "settings"
)

// ParsePage maps a fragment path to a known page, case-insensitively.
func ParsePage(s string) (Page, bool) {
	switch Page(strings.ToLower(s)) {
	case PageHome:
		return PageHome, true
	case PageLogin:
		return PageLogin, true
	case PageSignUp:
		return PageSignUp, true
	case PageDashboard:
		return PageDashboard, true
	case PageEntry:
		return PageEntry, true
	case PageSettings:
		return PageSettings, true
	}
	return "", false
}

// Protected reports whether the page requires an authenticated user.
func (p Page) Protected() bool {
	switch p {
	case PageDashboard, PageEntry, PageSettings:
		return true
	}
	return false
}

// PublicOnly reports whether an authenticated user should never see
// the page.
func (p Page) PublicOnly() bool {
	switch p {
	case PageHome, PageLogin, PageSignUp:
		return true
	}
	return false
}

// RouteState is the resolved screen plus its query parameters. It is
// derived from the address fragment and the current session phase,
// never persisted.
type RouteState struct {
	Page   Page
	Params map[string]string
}

// Fragment is the address-fragment boundary. Values never include the
// leading '#'. Injecting it keeps routing and session logic testable
// without a real browsing context.
type Fragment interface {
	Read() string
	Write(string)
}
