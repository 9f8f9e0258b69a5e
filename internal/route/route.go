// Package route decides the fate of every request a page issues.
//
// A Table holds interceptors newest-first. Dispatch walks the snapshot that
// is current when the request reaches it and the first matching interceptor
// decides; unmatched requests continue. Installing or removing an
// interceptor swaps the snapshot, so requests already dispatched are never
// re-evaluated. A Dispatch racing an Install sees either the old or the new
// snapshot and nothing orders the two.
package route

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/pagecheck/internal/driver"
	"github.com/kuitang/pagecheck/internal/logutil"
	"github.com/kuitang/pagecheck/internal/obs"
)

// Handler picks a disposition for a request its pattern matched. Handlers
// run synchronously while the page issues the request and must not block.
type Handler interface {
	Handle(req driver.Request) driver.Disposition
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req driver.Request) driver.Disposition

func (f HandlerFunc) Handle(req driver.Request) driver.Disposition { return f(req) }

// Response is a synthetic response for Fulfill.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Abort fails matching requests with a network error. An empty reason
// means "failed".
func Abort(reason string) Handler {
	if reason == "" {
		reason = "failed"
	}
	return HandlerFunc(func(driver.Request) driver.Disposition {
		return driver.Disposition{Action: driver.ActionAbort, Reason: reason}
	})
}

// Fulfill answers matching requests without touching the network.
func Fulfill(resp Response) Handler {
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	return HandlerFunc(func(driver.Request) driver.Disposition {
		return driver.Disposition{
			Action: driver.ActionFulfill,
			Status: resp.Status,
			Header: resp.Header.Clone(),
			Body:   append([]byte(nil), resp.Body...),
		}
	})
}

// Continue lets matching requests through unmodified. Installed on a narrow
// pattern it shields those requests from older, broader interceptors.
func Continue() Handler {
	return HandlerFunc(func(driver.Request) driver.Disposition {
		return driver.Disposition{Action: driver.ActionContinue}
	})
}

// Interceptor is one installed rule.
type Interceptor struct {
	ID          string
	Pattern     Pattern
	Handler     Handler
	Seq         uint64
	InstalledAt time.Time

	hits atomic.Int64
}

// Hits is the number of requests this interceptor has decided.
func (ic *Interceptor) Hits() int64 { return ic.hits.Load() }

// Table is an ordered set of interceptors. It is safe for concurrent use.
type Table struct {
	mu   sync.Mutex
	seq  uint64
	snap atomic.Pointer[[]*Interceptor] // newest first

	logger *slog.Logger
}

// NewTable returns an empty table whose logs carry sessionID.
func NewTable(sessionID string) *Table {
	t := &Table{logger: obs.Pkg("route").With("session_id", sessionID)}
	empty := []*Interceptor{}
	t.snap.Store(&empty)
	return t
}

// Install adds an interceptor in front of all existing ones.
func (t *Table) Install(p Pattern, h Handler) *Interceptor {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	ic := &Interceptor{
		ID:          uuid.NewString(),
		Pattern:     p,
		Handler:     h,
		Seq:         t.seq,
		InstalledAt: time.Now(),
	}
	cur := *t.snap.Load()
	next := make([]*Interceptor, 0, len(cur)+1)
	next = append(next, ic)
	next = append(next, cur...)
	t.snap.Store(&next)

	t.logger.Debug("route_installed", "interceptor_id", ic.ID, "pattern", p.String(), "seq", ic.Seq)
	return ic
}

// Uninstall removes the interceptor with id. It reports whether one was
// removed.
func (t *Table) Uninstall(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.snap.Load()
	next := make([]*Interceptor, 0, len(cur))
	for _, ic := range cur {
		if ic.ID != id {
			next = append(next, ic)
		}
	}
	if len(next) == len(cur) {
		return false
	}
	t.snap.Store(&next)
	t.logger.Debug("route_uninstalled", "interceptor_id", id)
	return true
}

// Clear removes every interceptor.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	empty := []*Interceptor{}
	t.snap.Store(&empty)
}

// Len is the number of installed interceptors.
func (t *Table) Len() int {
	return len(*t.snap.Load())
}

// Snapshot returns the installed interceptors, newest first.
func (t *Table) Snapshot() []*Interceptor {
	cur := *t.snap.Load()
	return append([]*Interceptor(nil), cur...)
}

// maxLoggedBody caps fulfilled bodies in decision logs.
const maxLoggedBody = 512

// Dispatch decides req. It implements driver.Interceptor.
func (t *Table) Dispatch(req driver.Request) driver.Disposition {
	var (
		decided  *Interceptor
		decision = driver.Disposition{Action: driver.ActionContinue}
	)
	for _, ic := range *t.snap.Load() {
		if !ic.Pattern.Match(req) {
			continue
		}
		decided = ic
		decision = ic.Handler.Handle(req)
		if decision.Action == "" {
			decision.Action = driver.ActionContinue
		}
		ic.hits.Add(1)
		break
	}

	obs.RecordRouteDecision(string(decision.Action))
	if decided == nil {
		return decision
	}
	attrs := []any{
		"interceptor_id", decided.ID,
		"method", req.Method,
		"url", logutil.FormatURLForLog(req.URL),
		"headers", logutil.FormatHeadersForLog(req.Header),
		"action", string(decision.Action),
	}
	switch decision.Action {
	case driver.ActionAbort:
		attrs = append(attrs, "reason", decision.Reason)
	case driver.ActionFulfill:
		attrs = append(attrs,
			"status", decision.Status,
			"body", logutil.FormatBodyForLog(decision.Header.Get("Content-Type"), decision.Body, maxLoggedBody),
		)
	}
	t.logger.Debug("route_decision", attrs...)
	return decision
}

var _ driver.Interceptor = (*Table)(nil)
