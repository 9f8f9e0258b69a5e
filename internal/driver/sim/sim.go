// Package sim is an in-process page driver. It parses served HTML, resolves
// CSS selectors with cascadia, computes styles from the page's own <style>
// sheets against the emulated viewport and hover state, and runs Go
// programs in place of page scripts. Every request the page makes passes
// through the installed interceptor first.
//
// It is deterministic enough to test waiting, interception and layout
// semantics without a browser.
package sim

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/kuitang/pagecheck/internal/driver"
	"github.com/kuitang/pagecheck/internal/logutil"
	"github.com/kuitang/pagecheck/internal/obs"
)

const (
	defaultFrameInterval = 16 * time.Millisecond
	defaultNetworkIdle   = 500 * time.Millisecond
	maxBodyBytes         = 10 << 20
)

// NetworkError is what the page observes for an aborted request.
type NetworkError struct {
	Reason string
	URL    string
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("net::ERR_%s at %s", strings.ToUpper(e.Reason), e.URL)
}

// Option configures a Driver.
type Option func(*Driver)

// WithHTTPClient sets the client used for requests the interceptor lets
// through.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Driver) { d.client = c }
}

// WithProgram runs p whenever a document whose URL path equals path is
// loaded. The path "*" matches any document without a more specific
// program.
func WithProgram(path string, p Program) Option {
	return func(d *Driver) { d.programs[path] = p }
}

// WithFrameInterval sets how long one rendering frame takes.
func WithFrameInterval(interval time.Duration) Option {
	return func(d *Driver) { d.frameInterval = interval }
}

// WithFrozenFrames makes AwaitFrame block until its context ends, as a page
// whose main thread never yields would.
func WithFrozenFrames() Option {
	return func(d *Driver) { d.frozen = true }
}

// WithNetworkIdle sets the quiet window after which the network counts as
// idle.
func WithNetworkIdle(window time.Duration) Option {
	return func(d *Driver) { d.networkIdle = window }
}

// WithHeader adds a header to every request the page issues.
func WithHeader(key, value string) Option {
	return func(d *Driver) { d.header.Add(key, value) }
}

// Driver simulates one page. It is safe for concurrent use.
type Driver struct {
	client        *http.Client
	programs      map[string]Program
	frameInterval time.Duration
	networkIdle   time.Duration
	frozen        bool
	header        http.Header
	extra         http.Header
	logger        *slog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu          sync.Mutex
	closed      bool
	interceptor driver.Interceptor
	selectors   map[string]cascadia.SelectorGroup
	vp          viewport

	// Per-document state, replaced on every navigation.
	gen        uint64
	pageCtx    context.Context
	pageCancel context.CancelFunc
	url        *url.URL
	doc        *html.Node
	sheet      *stylesheet
	hovered    *html.Node
	handlers   []eventHandler
	inflight   int
	lastNet    time.Time
}

// New returns a driver with an empty document.
func New(opts ...Option) *Driver {
	d := &Driver{
		client:        &http.Client{},
		programs:      make(map[string]Program),
		frameInterval: defaultFrameInterval,
		networkIdle:   defaultNetworkIdle,
		header:        http.Header{},
		logger:        obs.Pkg("sim"),
		selectors:     make(map[string]cascadia.SelectorGroup),
		vp:            viewport{width: 1280, height: 720},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.rootCtx, d.rootCancel = context.WithCancel(context.Background())
	d.pageCtx, d.pageCancel = context.WithCancel(d.rootCtx)
	d.doc, _ = html.Parse(strings.NewReader("<html><head></head><body></body></html>"))
	d.sheet = &stylesheet{}
	d.url = &url.URL{Scheme: "about", Opaque: "blank"}
	return d
}

var (
	_ driver.Driver       = (*Driver)(nil)
	_ driver.HeaderSetter = (*Driver)(nil)
)

// Navigate loads rawURL, which must be absolute, and boots its program.
func (d *Driver) Navigate(ctx context.Context, rawURL string, until driver.LoadState) error {
	target, err := url.Parse(rawURL)
	if err != nil || !target.IsAbs() {
		return fmt.Errorf("%w: %q is not an absolute URL", driver.ErrNavigation, rawURL)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return driver.ErrClosed
	}
	req := d.newRequest(http.MethodGet, target.String(), "document")
	disp := d.dispatch(req)
	d.mu.Unlock()

	resp, err := d.roundTrip(ctx, req, nil, disp)
	if err != nil {
		return fmt.Errorf("%w: %v", driver.ErrNavigation, err)
	}
	doc, err := html.Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", driver.ErrNavigation, target, err)
	}
	sheet, problems := parseStylesheets(doc)
	for _, p := range problems {
		d.logger.Debug("sim_stylesheet_skipped", "url", target.String(), "error", p)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return driver.ErrClosed
	}
	d.pageCancel()
	d.gen++
	d.pageCtx, d.pageCancel = context.WithCancel(d.rootCtx)
	d.url = target
	d.doc = doc
	d.sheet = sheet
	d.hovered = nil
	d.handlers = nil
	d.inflight = 0
	d.lastNet = time.Now()
	if prog := d.programFor(target.Path); prog != nil {
		prog(d.page())
	}
	gen := d.gen
	d.mu.Unlock()

	d.logger.Debug("sim_navigated", "url", logutil.FormatURLForLog(target.String()), "status", resp.Status, "until", string(until), "gen", gen)

	if until == driver.NetworkIdle {
		return d.waitNetworkIdle(ctx)
	}
	return nil
}

func (d *Driver) programFor(path string) Program {
	if p, ok := d.programs[path]; ok {
		return p
	}
	return d.programs["*"]
}

func (d *Driver) waitNetworkIdle(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		d.mu.Lock()
		idle := d.inflight == 0 && time.Since(d.lastNet) >= d.networkIdle
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return driver.ErrClosed
		}
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for network idle: %w", driver.ErrNavigation, context.Cause(ctx))
		case <-tick.C:
		}
	}
}

// URL is the current document's URL.
func (d *Driver) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url.String()
}

// Intercept installs ic as the decider for every later request.
func (d *Driver) Intercept(ic driver.Interceptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.ErrClosed
	}
	d.interceptor = ic
	return nil
}

// SetViewport resizes the emulated surface. Media queries are evaluated
// against it from the next style read on.
func (d *Driver) SetViewport(_ context.Context, vp driver.Viewport) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.ErrClosed
	}
	d.vp = viewport{width: vp.Width, height: vp.Height}
	d.dispatchEvent("resize", nil)
	return nil
}

// AwaitFrame waits one frame interval.
func (d *Driver) AwaitFrame(ctx context.Context) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return driver.ErrClosed
	}
	if d.frozen {
		<-ctx.Done()
		return context.Cause(ctx)
	}
	t := time.NewTimer(d.frameInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// Close drops the document and cancels every pending program callback.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.interceptor = nil
	d.handlers = nil
	d.rootCancel()
	return nil
}

// Response is what a page fetch resolves to.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

func (d *Driver) newRequest(method, rawURL, resourceType string) driver.Request {
	return driver.Request{
		Method:       method,
		URL:          rawURL,
		ResourceType: resourceType,
		Header:       d.requestHeader(),
	}
}

func (d *Driver) requestHeader() http.Header {
	h := d.header.Clone()
	for k, vs := range d.extra {
		h[k] = slices.Clone(vs)
	}
	return h
}

// SetExtraHeaders sets headers sent with every later request, on top of
// those from WithHeader.
func (d *Driver) SetExtraHeaders(_ context.Context, h http.Header) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.ErrClosed
	}
	d.extra = h.Clone()
	return nil
}

// dispatch asks the interceptor about req. Callers hold d.mu, so the
// decision reflects the interceptors installed when the request is issued.
func (d *Driver) dispatch(req driver.Request) driver.Disposition {
	if d.interceptor == nil {
		return driver.Disposition{Action: driver.ActionContinue}
	}
	return d.interceptor.Dispatch(req)
}

// roundTrip carries out an already-decided request.
func (d *Driver) roundTrip(ctx context.Context, req driver.Request, body []byte, disp driver.Disposition) (*Response, error) {
	switch disp.Action {
	case driver.ActionAbort:
		return nil, &NetworkError{Reason: disp.Reason, URL: req.URL}
	case driver.ActionFulfill:
		header := disp.Header.Clone()
		if header == nil {
			header = http.Header{}
		}
		return &Response{Status: disp.Status, Header: header, Body: disp.Body}, nil
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Reason: "failed", URL: req.URL}
	}
	defer httpResp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, &NetworkError{Reason: "failed", URL: req.URL}
	}
	return &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}
