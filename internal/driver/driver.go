// Package driver is the contract between the page core and whatever drives
// the actual document: an in-process simulator or a real browser.
//
// A Driver owns exactly one page. Element handles it returns are opaque and
// only valid against the document they were resolved from; once the
// document changes underneath them, calls on a stale handle fail with
// ErrDetached.
package driver

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrDetached        = errors.New("element is not attached to the document")
	ErrClosed          = errors.New("driver is closed")
	ErrInvalidSelector = errors.New("invalid selector")
	ErrNavigation      = errors.New("navigation failed")
	ErrNotEditable     = errors.New("element is not an <input>, <textarea> or [contenteditable] element")
)

// LoadState is how far a navigation proceeds before returning.
type LoadState string

const (
	DOMContentLoaded LoadState = "domcontentloaded"
	Load             LoadState = "load"
	NetworkIdle      LoadState = "networkidle"
)

// Valid reports whether s is a known load state.
func (s LoadState) Valid() bool {
	switch s {
	case DOMContentLoaded, Load, NetworkIdle:
		return true
	}
	return false
}

// Viewport is the emulated rendering surface in CSS pixels.
type Viewport struct {
	Width  int
	Height int
}

// Element is an opaque handle to one node in the current document.
type Element interface {
	// ID is stable for the lifetime of the underlying node, so two
	// resolutions that reach the same node agree on it.
	ID() string
	// Describe renders a short human-readable form such as
	// `div.post-card#post-1` for diagnostics.
	Describe() string
}

// ElementState is everything actionability checks need in one round trip.
type ElementState struct {
	Attached      bool
	Visible       bool
	Obscured      bool
	PointerEvents bool
	Enabled       bool
}

// Request is an outgoing request as seen by an interceptor.
type Request struct {
	Method       string
	URL          string
	ResourceType string
	Header       http.Header
}

// Action is what happens to an intercepted request.
type Action string

const (
	ActionContinue Action = "continue"
	ActionAbort    Action = "abort"
	ActionFulfill  Action = "fulfill"
)

// Disposition is an interceptor's decision for one request.
type Disposition struct {
	Action Action
	Reason string // abort only, e.g. "failed", "connectionrefused"
	Status int    // fulfill only
	Header http.Header
	Body   []byte
}

// Interceptor is consulted synchronously for every request the page issues
// after it is installed.
type Interceptor interface {
	Dispatch(req Request) Disposition
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(req Request) Disposition

func (f InterceptorFunc) Dispatch(req Request) Disposition { return f(req) }

// HeaderSetter is implemented by drivers that can add headers to every
// request the page issues from now on. A later call replaces the earlier set.
type HeaderSetter interface {
	SetExtraHeaders(ctx context.Context, h http.Header) error
}

// Driver drives one page.
type Driver interface {
	Navigate(ctx context.Context, url string, until LoadState) error
	URL() string

	// QueryAll returns matches of selector in document order. A nil scope
	// queries the whole document; otherwise only descendants of scope.
	QueryAll(ctx context.Context, scope Element, selector string) ([]Element, error)

	State(ctx context.Context, el Element) (ElementState, error)
	ComputedStyle(ctx context.Context, el Element, property string) (string, error)
	TextContent(ctx context.Context, el Element) (string, error)
	// Attribute returns the value and whether the attribute is present.
	Attribute(ctx context.Context, el Element, name string) (string, bool, error)

	Hover(ctx context.Context, el Element) error
	Click(ctx context.Context, el Element) error
	Fill(ctx context.Context, el Element, value string) error

	SetViewport(ctx context.Context, vp Viewport) error
	// AwaitFrame returns once the page has rendered at least one frame
	// since the call.
	AwaitFrame(ctx context.Context) error

	// Intercept installs the single interceptor that decides every request
	// the page makes. Passing nil restores pass-through.
	Intercept(ic Interceptor) error

	Close() error
}
