// Package browser describes the capability surface the crawler needs from a browser
// engine: sessions with persistent storage state, pages that can navigate and wait,
// and index-addressed access to clickable elements and their forms.
//
// Drivers live in subpackages. Index-based element access is positional and must be
// re-validated by the driver on every call; no handle is kept between calls.
package browser

import (
	"context"
	"errors"
)

// Sentinel errors shared by all drivers.
var (
	// ErrStaleElement means the requested clickable index no longer exists.
	ErrStaleElement = errors.New("browser: clickable element no longer present")
	// ErrNoForm means the element has no enclosing form.
	ErrNoForm = errors.New("browser: element has no enclosing form")
	// ErrNavigationTimeout means no navigation happened before the deadline.
	ErrNavigationTimeout = errors.New("browser: navigation did not occur")
)

// ClickableSelector selects the elements the explorer clicks through.
const ClickableSelector = `button, input[type=submit], a[href=""], a[href^="#"], a[href^="javascript:"]`

// LinkSelector selects anchors with a genuine navigation target.
const LinkSelector = `a:not([href=""]):not([href="#"]):not([href^="javascript:"])`

// Element describes one clickable element at the time of the call.
type Element struct {
	CSSPath   string `json:"cssPath"`
	OuterHTML string `json:"outerHTML"`
	FormHTML  string `json:"formHTML"`
	InForm    bool   `json:"inForm"`
}

// FormField is one entry of an enclosing form's element list, in form order.
type FormField struct {
	Index       int    `json:"index"`
	Tag         string `json:"tag"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	FirstOption string `json:"firstOption"`
	HasOptions  bool   `json:"hasOptions"`
}

// FieldValue assigns Value to the form element at Index.
type FieldValue struct {
	Index int    `json:"index"`
	Value string `json:"value"`
}

// Dialog is a native alert/confirm/prompt raised by the page.
type Dialog interface {
	Message() string
	Accept() error
}

// DialogHandler receives dialogs. Handlers run on driver goroutines.
type DialogHandler func(Dialog)

// RequestHandler receives the URL of every request the page issues.
type RequestHandler func(url string)

// Page is a single tab. Methods that block take their deadline from ctx.
type Page interface {
	Goto(ctx context.Context, url string) error
	WaitForNetworkIdle(ctx context.Context) error
	// Navigations counts main-frame navigations since the page was created.
	Navigations() uint64
	// WaitForNavigation returns nil once Navigations() exceeds after, or
	// ErrNavigationTimeout when ctx expires first.
	WaitForNavigation(ctx context.Context, after uint64) error
	URL(ctx context.Context) (string, error)

	// OnDialog registers h until the returned func is called. Dialogs raised
	// while no handler is registered are dismissed by the driver.
	OnDialog(h DialogHandler) (remove func())
	OnRequest(h RequestHandler) (remove func())

	Links(ctx context.Context) ([]string, error)
	ClickableCount(ctx context.Context) (int, error)
	Describe(ctx context.Context, index int) (Element, error)
	FormFields(ctx context.Context, index int) ([]FormField, error)
	SetFormFields(ctx context.Context, index int, values []FieldValue) error
	Click(ctx context.Context, index int) error
	SessionStorage(ctx context.Context) (map[string]string, error)

	Close() error
}

// SessionOptions seeds a new browser session.
type SessionOptions struct {
	// StorageStatePath is read when the file exists.
	StorageStatePath string
	// SessionStorage is written into window.sessionStorage of every new document.
	SessionStorage map[string]string
}

// Session is an isolated browser context (cookie jar plus storage).
type Session interface {
	NewPage(ctx context.Context) (Page, error)
	SaveStorageState(ctx context.Context, path string) error
	Close() error
}

// Browser launches sessions.
type Browser interface {
	NewSession(ctx context.Context, opts SessionOptions) (Session, error)
	Close() error
}
