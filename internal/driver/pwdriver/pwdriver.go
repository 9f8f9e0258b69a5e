// Package pwdriver drives a real Chromium page through playwright-go.
package pwdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/pagecheck/internal/driver"
	"github.com/kuitang/pagecheck/internal/logutil"
	"github.com/kuitang/pagecheck/internal/obs"
)

// defaultTimeoutMS bounds every playwright call made without a context
// deadline.
const defaultTimeoutMS = 5000

// Option configures a Driver.
type Option func(*Driver)

// WithHeadless sets headless mode (default true).
func WithHeadless(h bool) Option {
	return func(d *Driver) { d.headless = h }
}

// Driver is a driver.Driver backed by one playwright page.
type Driver struct {
	headless bool

	pw      *playwright.Playwright
	browser playwright.Browser
	page    playwright.Page
	logger  *slog.Logger

	mu          sync.Mutex
	closed      bool
	interceptor driver.Interceptor
	routed      bool
}

// New starts playwright, launches Chromium and opens a blank page.
func New(opts ...Option) (*Driver, error) {
	d := &Driver{headless: true, logger: obs.Pkg("pwdriver")}
	for _, o := range opts {
		o(d)
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(d.headless),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	page, err := browser.NewPage()
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("open page: %w", err)
	}
	page.SetDefaultTimeout(defaultTimeoutMS)
	page.SetDefaultNavigationTimeout(defaultTimeoutMS)

	d.pw, d.browser, d.page = pw, browser, page
	d.logger.Info("chromium_launched", "headless", d.headless, "version", browser.Version())
	return d, nil
}

func (d *Driver) live() (playwright.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, driver.ErrClosed
	}
	return d.page, nil
}

// timeout converts the context deadline into playwright's milliseconds.
func timeout(ctx context.Context) *float64 {
	dl, ok := ctx.Deadline()
	if !ok {
		return playwright.Float(defaultTimeoutMS)
	}
	ms := float64(time.Until(dl).Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return playwright.Float(ms)
}

var waitUntil = map[driver.LoadState]*playwright.WaitUntilState{
	driver.DOMContentLoaded: playwright.WaitUntilStateDomcontentloaded,
	driver.Load:             playwright.WaitUntilStateLoad,
	driver.NetworkIdle:      playwright.WaitUntilStateNetworkidle,
}

func (d *Driver) Navigate(ctx context.Context, rawURL string, until driver.LoadState) error {
	page, err := d.live()
	if err != nil {
		return err
	}
	_, err = page.Goto(rawURL, playwright.PageGotoOptions{
		WaitUntil: waitUntil[until],
		Timeout:   timeout(ctx),
	})
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if strings.Contains(err.Error(), "net::ERR_") {
			return fmt.Errorf("%w: %s", driver.ErrNavigation, err.Error())
		}
		return d.classify(err)
	}
	return nil
}

func (d *Driver) URL() string {
	page, err := d.live()
	if err != nil {
		return ""
	}
	return page.URL()
}

type element struct {
	h    playwright.ElementHandle
	id   string
	desc string
}

func (e *element) ID() string       { return e.id }
func (e *element) Describe() string { return e.desc }

const tagJS = `el => {
	if (!el.__pagecheckID) {
		window.__pagecheckSeq = (window.__pagecheckSeq || 0) + 1;
		el.__pagecheckID = 'e' + window.__pagecheckSeq;
	}
	let desc = el.tagName.toLowerCase();
	if (el.id) desc += '#' + el.id;
	for (const c of el.classList) desc += '.' + c;
	return JSON.stringify({id: el.__pagecheckID, desc: desc});
}`

func (d *Driver) QueryAll(ctx context.Context, scope driver.Element, selector string) ([]driver.Element, error) {
	page, err := d.live()
	if err != nil {
		return nil, err
	}

	var found []playwright.ElementHandle
	if scope == nil {
		found, err = page.QuerySelectorAll(selector)
	} else {
		s, ok := scope.(*element)
		if !ok {
			return nil, fmt.Errorf("pwdriver: foreign element %T", scope)
		}
		if attached, aerr := d.attached(s); aerr != nil {
			err = aerr
		} else if !attached {
			return nil, driver.ErrDetached
		} else {
			found, err = s.h.QuerySelectorAll(selector)
		}
	}
	if err != nil {
		return nil, d.classify(err)
	}

	out := make([]driver.Element, 0, len(found))
	for _, h := range found {
		var tag struct {
			ID   string `json:"id"`
			Desc string `json:"desc"`
		}
		if err := evalJSON(h, tagJS, nil, &tag); err != nil {
			return nil, d.classify(err)
		}
		out = append(out, &element{h: h, id: tag.ID, desc: tag.Desc})
	}
	return out, nil
}

func evalJSON(h playwright.ElementHandle, fn string, arg any, v any) error {
	var (
		res any
		err error
	)
	if arg == nil {
		res, err = h.Evaluate(fn)
	} else {
		res, err = h.Evaluate(fn, arg)
	}
	if err != nil {
		return err
	}
	s, ok := res.(string)
	if !ok {
		return fmt.Errorf("pwdriver: expected JSON string, got %T", res)
	}
	return json.Unmarshal([]byte(s), v)
}

func (d *Driver) attached(e *element) (bool, error) {
	res, err := e.h.Evaluate(`el => el.isConnected`)
	if err != nil {
		return false, err
	}
	ok, _ := res.(bool)
	return ok, nil
}

func (d *Driver) handle(el driver.Element) (*element, error) {
	if _, err := d.live(); err != nil {
		return nil, err
	}
	e, ok := el.(*element)
	if !ok {
		return nil, fmt.Errorf("pwdriver: foreign element %T", el)
	}
	attached, err := d.attached(e)
	if err != nil {
		return nil, d.classify(err)
	}
	if !attached {
		return nil, driver.ErrDetached
	}
	return e, nil
}

const stateJS = `el => {
	const s = getComputedStyle(el);
	const r = el.getBoundingClientRect();
	const visible = s.visibility !== 'hidden' && r.width > 0 && r.height > 0;
	let obscured = el.closest('[inert]') !== null;
	if (!obscured && visible && s.pointerEvents !== 'none') {
		const hit = document.elementFromPoint(r.left + r.width / 2, r.top + r.height / 2);
		obscured = hit !== null && hit !== el && !el.contains(hit);
	}
	const enabled = !el.disabled && el.closest('fieldset[disabled]') === null;
	return JSON.stringify({visible, obscured, pointerEvents: s.pointerEvents !== 'none', enabled});
}`

func (d *Driver) State(ctx context.Context, el driver.Element) (driver.ElementState, error) {
	e, err := d.handle(el)
	if err == driver.ErrDetached {
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
	if err := evalJSON(e.h, stateJS, nil, &st); err != nil {
		return driver.ElementState{}, d.classify(err)
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
	e, err := d.handle(el)
	if err != nil {
		return "", err
	}
	res, err := e.h.Evaluate(`(el, p) => getComputedStyle(el).getPropertyValue(p)`, property)
	if err != nil {
		return "", d.classify(err)
	}
	s, _ := res.(string)
	return s, nil
}

func (d *Driver) TextContent(ctx context.Context, el driver.Element) (string, error) {
	e, err := d.handle(el)
	if err != nil {
		return "", err
	}
	text, err := e.h.TextContent()
	return text, d.classify(err)
}

func (d *Driver) Attribute(ctx context.Context, el driver.Element, name string) (string, bool, error) {
	e, err := d.handle(el)
	if err != nil {
		return "", false, err
	}
	var a struct {
		Present bool   `json:"present"`
		Value   string `json:"value"`
	}
	err = evalJSON(e.h, `(el, n) => JSON.stringify({present: el.hasAttribute(n), value: el.getAttribute(n) || ''})`, name, &a)
	if err != nil {
		return "", false, d.classify(err)
	}
	return a.Value, a.Present, nil
}

func (d *Driver) Hover(ctx context.Context, el driver.Element) error {
	e, err := d.handle(el)
	if err != nil {
		return err
	}
	return d.classify(e.h.Hover(playwright.ElementHandleHoverOptions{Timeout: timeout(ctx)}))
}

func (d *Driver) Click(ctx context.Context, el driver.Element) error {
	e, err := d.handle(el)
	if err != nil {
		return err
	}
	return d.classify(e.h.Click(playwright.ElementHandleClickOptions{Timeout: timeout(ctx)}))
}

func (d *Driver) Fill(ctx context.Context, el driver.Element, value string) error {
	e, err := d.handle(el)
	if err != nil {
		return err
	}
	err = e.h.Fill(value, playwright.ElementHandleFillOptions{Timeout: timeout(ctx)})
	if err != nil && strings.Contains(err.Error(), "not an <input>") {
		return driver.ErrNotEditable
	}
	return d.classify(err)
}

func (d *Driver) SetViewport(ctx context.Context, vp driver.Viewport) error {
	page, err := d.live()
	if err != nil {
		return err
	}
	return d.classify(page.SetViewportSize(vp.Width, vp.Height))
}

// SetExtraHeaders sends h with every later request of the page.
func (d *Driver) SetExtraHeaders(_ context.Context, h http.Header) error {
	page, err := d.live()
	if err != nil {
		return err
	}
	flat := make(map[string]string, len(h))
	for k, vs := range h {
		flat[k] = strings.Join(vs, ", ")
	}
	return d.classify(page.SetExtraHTTPHeaders(flat))
}

// AwaitFrame waits for two animation frames. playwright-go calls take no
// context, so a canceled ctx abandons the evaluation rather than stopping
// it.
func (d *Driver) AwaitFrame(ctx context.Context) error {
	page, err := d.live()
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		_, err := page.Evaluate(`() => new Promise(r => requestAnimationFrame(() => requestAnimationFrame(() => r(true))))`)
		done <- err
	}()
	select {
	case err := <-done:
		return d.classify(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) Intercept(ic driver.Interceptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.ErrClosed
	}
	d.interceptor = ic
	if ic == nil || d.routed {
		return nil
	}
	if err := d.page.Route("**/*", d.route); err != nil {
		return fmt.Errorf("pwdriver: route: %w", err)
	}
	d.routed = true
	return nil
}

func (d *Driver) route(r playwright.Route) {
	d.mu.Lock()
	ic := d.interceptor
	d.mu.Unlock()

	pr := r.Request()
	header := http.Header{}
	for k, v := range pr.Headers() {
		header.Set(k, v)
	}
	req := driver.Request{
		Method:       pr.Method(),
		URL:          pr.URL(),
		ResourceType: pr.ResourceType(),
		Header:       header,
	}
	disp := driver.Disposition{Action: driver.ActionContinue}
	if ic != nil {
		disp = ic.Dispatch(req)
	}

	var err error
	switch disp.Action {
	case driver.ActionAbort:
		err = r.Abort(disp.Reason)
	case driver.ActionFulfill:
		headers := make(map[string]string, len(disp.Header))
		for k := range disp.Header {
			headers[k] = disp.Header.Get(k)
		}
		err = r.Fulfill(playwright.RouteFulfillOptions{
			Status:  playwright.Int(disp.Status),
			Headers: headers,
			Body:    disp.Body,
		})
	default:
		err = r.Continue()
	}
	if err != nil {
		d.logger.Warn("pw_route_failed", "url", logutil.FormatURLForLog(req.URL), "action", string(disp.Action), "error", err)
	}
}

// classify maps playwright failures onto driver errors.
func (d *Driver) classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "is not a valid selector"),
		strings.Contains(msg, "while parsing"):
		return fmt.Errorf("%w: %s", driver.ErrInvalidSelector, msg)
	case strings.Contains(msg, "Element is not attached to the DOM"),
		strings.Contains(msg, "Execution context was destroyed"),
		strings.Contains(msg, "Cannot find context with specified id"),
		strings.Contains(msg, "JSHandle is disposed"):
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
	d.mu.Unlock()

	err := d.page.Close()
	if berr := d.browser.Close(); err == nil {
		err = berr
	}
	if perr := d.pw.Stop(); err == nil {
		err = perr
	}
	return err
}

var (
	_ driver.Driver       = (*Driver)(nil)
	_ driver.HeaderSetter = (*Driver)(nil)
)
