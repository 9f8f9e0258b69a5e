// Package roddriver drives a real Chromium page through the DevTools
// protocol with go-rod.
package roddriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/kuitang/pagecheck/internal/driver"
	"github.com/kuitang/pagecheck/internal/logutil"
	"github.com/kuitang/pagecheck/internal/obs"
)

// Option configures a Driver.
type Option func(*Driver)

// WithHeadless sets headless mode (default true).
func WithHeadless(h bool) Option {
	return func(d *Driver) { d.headless = h }
}

// WithBin uses the browser binary at path instead of looking one up.
func WithBin(path string) Option {
	return func(d *Driver) { d.bin = path }
}

// WithControlURL attaches to an already running browser.
func WithControlURL(u string) Option {
	return func(d *Driver) { d.controlURL = u }
}

// Driver is a driver.Driver backed by one rod page.
type Driver struct {
	headless   bool
	bin        string
	controlURL string

	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	logger   *slog.Logger

	mu          sync.Mutex
	closed      bool
	interceptor driver.Interceptor
	router      *rod.HijackRouter
}

// Available reports whether a browser binary can be found.
func Available() bool {
	_, ok := launcher.LookPath()
	return ok
}

// New launches (or attaches to) a browser and opens a blank page.
func New(ctx context.Context, opts ...Option) (*Driver, error) {
	d := &Driver{headless: true, logger: obs.Pkg("roddriver")}
	for _, o := range opts {
		o(d)
	}

	if d.controlURL == "" {
		l := launcher.New().
			Headless(d.headless).
			Set("disable-gpu").
			Set("no-first-run").
			Set("no-default-browser-check")
		if d.bin != "" {
			l = l.Bin(d.bin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chromium: %w", err)
		}
		d.launcher = l
		d.controlURL = u
	}

	b := rod.New().Context(ctx).ControlURL(d.controlURL)
	if err := b.Connect(); err != nil {
		d.cleanup()
		return nil, fmt.Errorf("connect to chromium: %w", err)
	}
	d.browser = b.Context(context.Background())

	page, err := d.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		d.cleanup()
		return nil, fmt.Errorf("open page: %w", err)
	}
	d.page = page
	d.logger.Info("chromium_attached", "cdp", d.controlURL, "headless", d.headless)
	return d, nil
}

func (d *Driver) cleanup() {
	if d.browser != nil {
		_ = d.browser.Close()
	}
	if d.launcher != nil {
		d.launcher.Kill()
		d.launcher.Cleanup()
	}
}

func (d *Driver) live() (*rod.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, driver.ErrClosed
	}
	return d.page, nil
}

var lifecycle = map[driver.LoadState]proto.PageLifecycleEventName{
	driver.DOMContentLoaded: proto.PageLifecycleEventNameDOMContentLoaded,
	driver.Load:             proto.PageLifecycleEventNameLoad,
	driver.NetworkIdle:      proto.PageLifecycleEventNameNetworkIdle,
}

func (d *Driver) Navigate(ctx context.Context, rawURL string, until driver.LoadState) error {
	page, err := d.live()
	if err != nil {
		return err
	}
	page = page.Context(ctx)
	wait := page.WaitNavigation(lifecycle[until])
	if err := page.Navigate(rawURL); err != nil {
		var navErr *rod.NavigationError
		if errors.As(err, &navErr) {
			return fmt.Errorf("%w: %s", driver.ErrNavigation, navErr.Reason)
		}
		return d.classify(err)
	}
	wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (d *Driver) URL() string {
	page, err := d.live()
	if err != nil {
		return ""
	}
	info, err := page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// element is a live rod element plus the identity it was tagged with.
type element struct {
	el   *rod.Element
	id   string
	desc string
}

func (e *element) ID() string       { return e.id }
func (e *element) Describe() string { return e.desc }

const tagJS = `function () {
	if (!this.__pagecheckID) {
		window.__pagecheckSeq = (window.__pagecheckSeq || 0) + 1;
		this.__pagecheckID = 'e' + window.__pagecheckSeq;
	}
	let desc = this.tagName.toLowerCase();
	if (this.id) desc += '#' + this.id;
	for (const c of this.classList) desc += '.' + c;
	return JSON.stringify({id: this.__pagecheckID, desc: desc});
}`

func (d *Driver) QueryAll(ctx context.Context, scope driver.Element, selector string) ([]driver.Element, error) {
	page, err := d.live()
	if err != nil {
		return nil, err
	}

	var found rod.Elements
	if scope == nil {
		found, err = page.Context(ctx).Elements(selector)
	} else {
		s, ok := scope.(*element)
		if !ok {
			return nil, fmt.Errorf("roddriver: foreign element %T", scope)
		}
		var attached bool
		if attached, err = d.attached(ctx, s); err == nil && !attached {
			return nil, driver.ErrDetached
		}
		if err == nil {
			found, err = s.el.Context(ctx).Elements(selector)
		}
	}
	if err != nil {
		return nil, d.classify(err)
	}

	out := make([]driver.Element, 0, len(found))
	for _, el := range found {
		res, err := el.Context(ctx).Eval(tagJS)
		if err != nil {
			return nil, d.classify(err)
		}
		var tag struct {
			ID   string `json:"id"`
			Desc string `json:"desc"`
		}
		if err := json.Unmarshal([]byte(res.Value.Str()), &tag); err != nil {
			return nil, fmt.Errorf("roddriver: element tag: %w", err)
		}
		out = append(out, &element{el: el, id: tag.ID, desc: tag.Desc})
	}
	return out, nil
}

func (d *Driver) attached(ctx context.Context, e *element) (bool, error) {
	res, err := e.el.Context(ctx).Eval(`function () { return this.isConnected; }`)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

// eval runs fn on el after checking the element is still live.
func (d *Driver) eval(ctx context.Context, el driver.Element, fn string, args ...any) (*proto.RuntimeRemoteObject, error) {
	if _, err := d.live(); err != nil {
		return nil, err
	}
	e, ok := el.(*element)
	if !ok {
		return nil, fmt.Errorf("roddriver: foreign element %T", el)
	}
	attached, err := d.attached(ctx, e)
	if err != nil {
		return nil, d.classify(err)
	}
	if !attached {
		return nil, driver.ErrDetached
	}
	res, err := e.el.Context(ctx).Eval(fn, args...)
	if err != nil {
		return nil, d.classify(err)
	}
	return res, nil
}

const stateJS = `function () {
	const s = getComputedStyle(this);
	const r = this.getBoundingClientRect();
	const visible = s.visibility !== 'hidden' && r.width > 0 && r.height > 0;
	let obscured = this.closest('[inert]') !== null;
	if (!obscured && visible && s.pointerEvents !== 'none') {
		const hit = document.elementFromPoint(r.left + r.width / 2, r.top + r.height / 2);
		obscured = hit !== null && hit !== this && !this.contains(hit);
	}
	const enabled = !this.disabled && this.closest('fieldset[disabled]') === null;
	return JSON.stringify({visible, obscured, pointerEvents: s.pointerEvents !== 'none', enabled});
}`

func (d *Driver) State(ctx context.Context, el driver.Element) (driver.ElementState, error) {
	res, err := d.eval(ctx, el, stateJS)
	if errors.Is(err, driver.ErrDetached) {
		return driver.ElementState{}, nil
	}
	if err != nil {
		return driver.ElementState{}, err
	}
	var st struct {
		Visible       bool `json:"visible"`
		Obscured      bool `json:"obscured"`
		PointerEvents bool `json:"pointerEvents"`
		Enabled       bool `json:"enabled"`
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), &st); err != nil {
		return driver.ElementState{}, fmt.Errorf("roddriver: element state: %w", err)
	}
	return driver.ElementState{
		Attached:      true,
		Visible:       st.Visible,
		Obscured:      st.Obscured,
		PointerEvents: st.PointerEvents,
		Enabled:       st.Enabled,
	}, nil
}

func (d *Driver) ComputedStyle(ctx context.Context, el driver.Element, property string) (string, error) {
	res, err := d.eval(ctx, el, `function (p) { return getComputedStyle(this).getPropertyValue(p); }`, property)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (d *Driver) TextContent(ctx context.Context, el driver.Element) (string, error) {
	res, err := d.eval(ctx, el, `function () { return this.textContent || ''; }`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (d *Driver) Attribute(ctx context.Context, el driver.Element, name string) (string, bool, error) {
	res, err := d.eval(ctx, el, `function (n) {
		return JSON.stringify({present: this.hasAttribute(n), value: this.getAttribute(n) || ''});
	}`, name)
	if err != nil {
		return "", false, err
	}
	var a struct {
		Present bool   `json:"present"`
		Value   string `json:"value"`
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), &a); err != nil {
		return "", false, fmt.Errorf("roddriver: attribute: %w", err)
	}
	return a.Value, a.Present, nil
}

func (d *Driver) Hover(ctx context.Context, el driver.Element) error {
	if _, err := d.eval(ctx, el, `function () { return true; }`); err != nil {
		return err
	}
	return d.classify(el.(*element).el.Context(ctx).Hover())
}

func (d *Driver) Click(ctx context.Context, el driver.Element) error {
	if _, err := d.eval(ctx, el, `function () { return true; }`); err != nil {
		return err
	}
	return d.classify(el.(*element).el.Context(ctx).Click(proto.InputMouseButtonLeft, 1))
}

func (d *Driver) Fill(ctx context.Context, el driver.Element, value string) error {
	res, err := d.eval(ctx, el, `function () {
		const t = this.tagName;
		return this.isContentEditable || t === 'TEXTAREA' ||
			(t === 'INPUT' && !['checkbox', 'radio', 'button', 'submit', 'reset', 'file', 'image'].includes(this.type));
	}`)
	if err != nil {
		return err
	}
	if !res.Value.Bool() {
		return driver.ErrNotEditable
	}
	if _, err := d.eval(ctx, el, `function () {
		if (this.isContentEditable) this.textContent = ''; else this.value = '';
		this.dispatchEvent(new Event('input', {bubbles: true}));
	}`); err != nil {
		return err
	}
	if value == "" {
		return nil
	}
	return d.classify(el.(*element).el.Context(ctx).Input(value))
}

func (d *Driver) SetViewport(ctx context.Context, vp driver.Viewport) error {
	page, err := d.live()
	if err != nil {
		return err
	}
	return d.classify(page.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: 1,
	}))
}

// SetExtraHeaders sends h with every later request of the page.
func (d *Driver) SetExtraHeaders(ctx context.Context, h http.Header) error {
	page, err := d.live()
	if err != nil {
		return err
	}
	dict := make([]string, 0, 2*len(h))
	for k, vs := range h {
		dict = append(dict, k, strings.Join(vs, ", "))
	}
	_, err = page.Context(ctx).SetExtraHeaders(dict)
	return d.classify(err)
}

// AwaitFrame waits for two animation frames, which guarantees style and
// layout ran at least once after the call.
func (d *Driver) AwaitFrame(ctx context.Context) error {
	page, err := d.live()
	if err != nil {
		return err
	}
	_, err = page.Context(ctx).Eval(`() => new Promise(r => requestAnimationFrame(() => requestAnimationFrame(() => r(true))))`)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return d.classify(err)
	}
	return nil
}

func (d *Driver) Intercept(ic driver.Interceptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.ErrClosed
	}
	d.interceptor = ic
	if ic == nil || d.router != nil {
		return nil
	}

	router := d.page.HijackRequests()
	if err := router.Add("*", "", d.hijack); err != nil {
		return fmt.Errorf("roddriver: hijack: %w", err)
	}
	go router.Run()
	d.router = router
	return nil
}

func (d *Driver) hijack(h *rod.Hijack) {
	d.mu.Lock()
	ic := d.interceptor
	d.mu.Unlock()
	if ic == nil {
		h.ContinueRequest(&proto.FetchContinueRequest{})
		return
	}

	header := http.Header{}
	for k, v := range h.Request.Headers() {
		header.Set(k, v.Str())
	}
	req := driver.Request{
		Method:       h.Request.Method(),
		URL:          h.Request.URL().String(),
		ResourceType: strings.ToLower(string(h.Request.Type())),
		Header:       header,
	}
	disp := ic.Dispatch(req)

	switch disp.Action {
	case driver.ActionAbort:
		h.Response.Fail(errorReason(disp.Reason))
	case driver.ActionFulfill:
		h.Response.Payload().ResponseCode = disp.Status
		for k, vs := range disp.Header {
			for _, v := range vs {
				h.Response.SetHeader(k, v)
			}
		}
		h.Response.SetBody(disp.Body)
	default:
		h.ContinueRequest(&proto.FetchContinueRequest{})
	}
	d.logger.Debug("rod_request", "method", req.Method, "url", logutil.FormatURLForLog(req.URL), "action", string(disp.Action))
}

var errorReasons = map[string]proto.NetworkErrorReason{
	"aborted":              proto.NetworkErrorReasonAborted,
	"accessdenied":         proto.NetworkErrorReasonAccessDenied,
	"addressunreachable":   proto.NetworkErrorReasonAddressUnreachable,
	"blockedbyclient":      proto.NetworkErrorReasonBlockedByClient,
	"blockedbyresponse":    proto.NetworkErrorReasonBlockedByResponse,
	"connectionaborted":    proto.NetworkErrorReasonConnectionAborted,
	"connectionclosed":     proto.NetworkErrorReasonConnectionClosed,
	"connectionfailed":     proto.NetworkErrorReasonConnectionFailed,
	"connectionrefused":    proto.NetworkErrorReasonConnectionRefused,
	"connectionreset":      proto.NetworkErrorReasonConnectionReset,
	"internetdisconnected": proto.NetworkErrorReasonInternetDisconnected,
	"namenotresolved":      proto.NetworkErrorReasonNameNotResolved,
	"timedout":             proto.NetworkErrorReasonTimedOut,
}

func errorReason(reason string) proto.NetworkErrorReason {
	if r, ok := errorReasons[strings.ToLower(reason)]; ok {
		return r
	}
	return proto.NetworkErrorReasonFailed
}

// classify maps protocol failures onto driver errors.
func (d *Driver) classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "is not a valid selector"):
		return fmt.Errorf("%w: %s", driver.ErrInvalidSelector, msg)
	case strings.Contains(msg, "Cannot find context with specified id"),
		strings.Contains(msg, "Could not find node with given id"),
		strings.Contains(msg, "Node is detached from document"):
		return driver.ErrDetached
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return driver.ErrClosed
	}
	return err
}

func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	router := d.router
	d.mu.Unlock()

	if router != nil {
		_ = router.Stop()
	}
	err := d.page.Close()
	d.cleanup()
	return err
}

var (
	_ driver.Driver       = (*Driver)(nil)
	_ driver.HeaderSetter = (*Driver)(nil)
)
