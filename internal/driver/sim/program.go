package sim

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/kuitang/pagecheck/internal/logutil"
)

// Program stands in for a document's scripts. It runs once per navigation,
// right after the document is parsed, with the page locked.
type Program func(p *Page)

// Handler reacts to a delegated event. target is the element that matched
// the handler's selector.
type Handler func(p *Page, target *goquery.Selection)

type eventHandler struct {
	event    string
	selector string
	fn       Handler
}

// Page is a program's view of the document it was started for. Every
// callback runs with the driver locked, so DOM edits through Find are safe
// and become visible to the next query as a whole. Callbacks scheduled for
// a document that has since been replaced are dropped.
type Page struct {
	d   *Driver
	gen uint64
	ctx context.Context
	url *url.URL
}

func (d *Driver) page() *Page {
	return &Page{d: d, gen: d.gen, ctx: d.pageCtx, url: d.url}
}

// current reports whether p's document is still loaded. Callers hold d.mu.
func (p *Page) current() bool {
	return !p.d.closed && p.d.gen == p.gen
}

// Document wraps the live document.
func (p *Page) Document() *goquery.Document {
	return goquery.NewDocumentFromNode(p.d.doc)
}

// Find selects from the live document.
func (p *Page) Find(selector string) *goquery.Selection {
	return p.Document().Find(selector)
}

// URL is the document's URL.
func (p *Page) URL() *url.URL {
	u := *p.url
	return &u
}

// Logger returns the driver logger tagged with the document URL.
func (p *Page) Logger() *slog.Logger {
	return p.d.logger.With("page_url", logutil.FormatURLForLog(p.url.String()))
}

// On registers fn for event on elements matching selector, including ones
// added later. An empty selector listens on the window, which receives
// "resize".
func (p *Page) On(event, selector string, fn Handler) {
	if !p.current() {
		return
	}
	p.d.handlers = append(p.d.handlers, eventHandler{event: event, selector: selector, fn: fn})
}

// After runs fn once delay has passed, unless the document is gone by then.
func (p *Page) After(delay time.Duration, fn func(p *Page)) {
	t := time.NewTimer(delay)
	go func() {
		defer t.Stop()
		select {
		case <-p.ctx.Done():
			return
		case <-t.C:
		}
		p.d.mu.Lock()
		defer p.d.mu.Unlock()
		if p.current() {
			fn(p)
		}
	}()
}

// Fetch issues a request the way page script would. The interceptor
// decides it immediately; done runs later with the response or the
// network error the page would observe.
func (p *Page) Fetch(method, rawURL string, body []byte, done func(p *Page, resp *Response, err error)) {
	if !p.current() {
		return
	}
	target, err := p.url.Parse(rawURL)
	if err != nil {
		p.Logger().Debug("sim_fetch_bad_url", "url", rawURL, "error", err)
		return
	}
	if method == "" {
		method = http.MethodGet
	}

	d := p.d
	req := d.newRequest(method, target.String(), "fetch")
	disp := d.dispatch(req)
	d.inflight++
	d.lastNet = time.Now()

	go func() {
		resp, err := d.roundTrip(p.ctx, req, body, disp)

		d.mu.Lock()
		defer d.mu.Unlock()
		if !p.current() {
			d.logger.Debug("sim_fetch_dropped", "method", method, "url", logutil.FormatURLForLog(req.URL))
			return
		}
		d.inflight--
		d.lastNet = time.Now()

		attrs := []any{"method", method, "url", logutil.FormatURLForLog(req.URL), "action", string(disp.Action)}
		if resp != nil {
			attrs = append(attrs, "status", resp.Status)
		}
		if err != nil {
			attrs = append(attrs, "error", err.Error())
		}
		d.logger.Debug("sim_fetch", attrs...)

		if done != nil {
			done(p, resp, err)
		}
	}()
}

// dispatchEvent runs handlers for event bubbling from target to the root.
// A nil target addresses the window. Callers hold d.mu.
func (d *Driver) dispatchEvent(event string, target *html.Node) {
	if len(d.handlers) == 0 {
		return
	}
	p := d.page()
	handlers := append([]eventHandler(nil), d.handlers...)

	if target == nil {
		for _, h := range handlers {
			if h.event == event && h.selector == "" {
				h.fn(p, goquery.NewDocumentFromNode(d.doc).Selection)
			}
		}
		return
	}

	for cur := target; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		for _, h := range handlers {
			if h.event != event || h.selector == "" {
				continue
			}
			group, err := d.compile(h.selector)
			if err != nil || !group.Match(cur) {
				continue
			}
			h.fn(p, goquery.NewDocumentFromNode(cur).Selection)
			if !p.current() {
				return
			}
		}
	}
}
