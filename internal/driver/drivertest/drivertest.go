// Package drivertest checks that a driver.Driver behaves the way the page
// core relies on. Every backend runs the same suite against the same
// script-free document, so only CSS, layout and protocol behaviour are
// exercised.
package drivertest

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/pagecheck/internal/driver"
)

// Factory returns a fresh driver. Run closes it when the subtest ends.
type Factory func(t *testing.T) driver.Driver

const suitePage = `<!DOCTYPE html>
<html>
<head>
<style>
body { margin: 0; }
.card { padding: 8px; }
.card .reveal { opacity: 0; }
.card:hover .reveal { opacity: 1; }
.gone { display: none; }
.ghost { visibility: hidden; }
.nopointer { pointer-events: none; }
@media (max-width: 600px) {
	.wide-only { display: none; }
}
</style>
</head>
<body>
<div id="list">
	<div class="card" id="c1"><h2>One</h2><span class="reveal">x</span></div>
	<div class="card" id="c2"><h2>Two</h2><span class="reveal">y</span></div>
</div>
<p class="gone">gone</p>
<p class="ghost">ghost</p>
<div class="empty"></div>
<div inert><button id="inert-button">inert</button></div>
<button id="disabled" disabled>off</button>
<button class="nopointer">np</button>
<p class="wide-only">wide</p>
<a id="link" href="/next" title="">next   page</a>
</body>
</html>`

// Server serves the suite document at /, a second document at /next and
// the X-Drivertest request header at /echo.
func Server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(suitePage))
	})
	mux.HandleFunc("GET /next", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<!DOCTYPE html><html><body><p class="next">second</p></body></html>`))
	})
	mux.HandleFunc("GET /echo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html><html><body><p id="echo">%s</p></body></html>`, html.EscapeString(r.Header.Get("X-Drivertest")))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// Run executes the suite.
func Run(t *testing.T, newDriver Factory) {
	srv := Server(t)

	open := func(t *testing.T) (driver.Driver, context.Context) {
		t.Helper()
		d := newDriver(t)
		t.Cleanup(func() { d.Close() })
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		t.Cleanup(cancel)
		require.NoError(t, d.SetViewport(ctx, driver.Viewport{Width: 1280, Height: 720}))
		require.NoError(t, d.Navigate(ctx, srv.URL+"/", driver.Load))
		return d, ctx
	}

	t.Run("QueryOrderAndScope", func(t *testing.T) {
		d, ctx := open(t)
		cards, err := d.QueryAll(ctx, nil, ".card")
		require.NoError(t, err)
		require.Len(t, cards, 2)
		assert.Equal(t, "div#c1.card", cards[0].Describe())

		again, err := d.QueryAll(ctx, nil, ".card")
		require.NoError(t, err)
		assert.Equal(t, cards[0].ID(), again[0].ID())
		assert.NotEqual(t, cards[0].ID(), cards[1].ID())

		heads, err := d.QueryAll(ctx, cards[1], "h2")
		require.NoError(t, err)
		require.Len(t, heads, 1)
		text, err := d.TextContent(ctx, heads[0])
		require.NoError(t, err)
		assert.Equal(t, "Two", text)
	})

	t.Run("InvalidSelector", func(t *testing.T) {
		d, ctx := open(t)
		_, err := d.QueryAll(ctx, nil, "div[")
		assert.ErrorIs(t, err, driver.ErrInvalidSelector)
	})

	t.Run("State", func(t *testing.T) {
		d, ctx := open(t)
		cases := []struct {
			selector string
			want     driver.ElementState
		}{
			{"#c1", driver.ElementState{Attached: true, Visible: true, PointerEvents: true, Enabled: true}},
			{".gone", driver.ElementState{Attached: true, PointerEvents: true, Enabled: true}},
			{".ghost", driver.ElementState{Attached: true, PointerEvents: true, Enabled: true}},
			{".empty", driver.ElementState{Attached: true, PointerEvents: true, Enabled: true}},
			{"#inert-button", driver.ElementState{Attached: true, Visible: true, Obscured: true, PointerEvents: true, Enabled: true}},
			{"#disabled", driver.ElementState{Attached: true, Visible: true, PointerEvents: true}},
			{".nopointer", driver.ElementState{Attached: true, Visible: true, Enabled: true}},
		}
		for _, tc := range cases {
			els, err := d.QueryAll(ctx, nil, tc.selector)
			require.NoError(t, err)
			require.Len(t, els, 1, tc.selector)
			st, err := d.State(ctx, els[0])
			require.NoError(t, err)
			assert.Equal(t, tc.want, st, tc.selector)
		}
	})

	t.Run("HoverChangesComputedStyle", func(t *testing.T) {
		d, ctx := open(t)
		cards, err := d.QueryAll(ctx, nil, ".card")
		require.NoError(t, err)
		reveals, err := d.QueryAll(ctx, nil, ".reveal")
		require.NoError(t, err)

		op, err := d.ComputedStyle(ctx, reveals[0], "opacity")
		require.NoError(t, err)
		assert.Equal(t, "0", op)

		require.NoError(t, d.Hover(ctx, cards[0]))
		require.NoError(t, d.AwaitFrame(ctx))
		op, err = d.ComputedStyle(ctx, reveals[0], "opacity")
		require.NoError(t, err)
		assert.Equal(t, "1", op)
		op, err = d.ComputedStyle(ctx, reveals[1], "opacity")
		require.NoError(t, err)
		assert.Equal(t, "0", op)
	})

	t.Run("ViewportMediaQuery", func(t *testing.T) {
		d, ctx := open(t)
		els, err := d.QueryAll(ctx, nil, ".wide-only")
		require.NoError(t, err)

		visible := func() bool {
			st, err := d.State(ctx, els[0])
			require.NoError(t, err)
			return st.Visible
		}
		assert.True(t, visible())
		require.NoError(t, d.SetViewport(ctx, driver.Viewport{Width: 375, Height: 667}))
		require.NoError(t, d.AwaitFrame(ctx))
		assert.False(t, visible())
		require.NoError(t, d.SetViewport(ctx, driver.Viewport{Width: 1440, Height: 900}))
		require.NoError(t, d.AwaitFrame(ctx))
		assert.True(t, visible())
	})

	t.Run("AttributesAndText", func(t *testing.T) {
		d, ctx := open(t)
		els, err := d.QueryAll(ctx, nil, "#link")
		require.NoError(t, err)
		require.Len(t, els, 1)

		href, ok, err := d.Attribute(ctx, els[0], "href")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "/next", href)

		title, ok, err := d.Attribute(ctx, els[0], "title")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, title)

		_, ok, err = d.Attribute(ctx, els[0], "data-missing")
		require.NoError(t, err)
		assert.False(t, ok)

		text, err := d.TextContent(ctx, els[0])
		require.NoError(t, err)
		assert.Equal(t, "next   page", text)
	})

	t.Run("FillRejectsNonEditable", func(t *testing.T) {
		d, ctx := open(t)
		els, err := d.QueryAll(ctx, nil, "#c1")
		require.NoError(t, err)
		err = d.Fill(ctx, els[0], "x")
		assert.ErrorIs(t, err, driver.ErrNotEditable)
	})

	t.Run("NavigationDetachesElements", func(t *testing.T) {
		d, ctx := open(t)
		cards, err := d.QueryAll(ctx, nil, ".card")
		require.NoError(t, err)

		require.NoError(t, d.Navigate(ctx, srv.URL+"/next", driver.DOMContentLoaded))
		assert.Equal(t, srv.URL+"/next", d.URL())

		st, err := d.State(ctx, cards[0])
		require.NoError(t, err)
		assert.False(t, st.Attached)
		_, err = d.TextContent(ctx, cards[0])
		assert.ErrorIs(t, err, driver.ErrDetached)

		next, err := d.QueryAll(ctx, nil, ".next")
		require.NoError(t, err)
		assert.Len(t, next, 1)
	})

	t.Run("InterceptAbortAndFulfill", func(t *testing.T) {
		d, ctx := open(t)
		require.NoError(t, d.Intercept(driver.InterceptorFunc(func(req driver.Request) driver.Disposition {
			switch {
			case strings.HasSuffix(req.URL, "/blocked"):
				return driver.Disposition{Action: driver.ActionAbort, Reason: "failed"}
			case strings.HasSuffix(req.URL, "/synthetic"):
				return driver.Disposition{
					Action: driver.ActionFulfill,
					Status: http.StatusOK,
					Header: http.Header{"Content-Type": {"text/html"}},
					Body:   []byte(`<!DOCTYPE html><html><body><p class="synthetic">made up</p></body></html>`),
				}
			}
			return driver.Disposition{Action: driver.ActionContinue}
		})))

		err := d.Navigate(ctx, srv.URL+"/blocked", driver.Load)
		assert.ErrorIs(t, err, driver.ErrNavigation)

		require.NoError(t, d.Navigate(ctx, srv.URL+"/synthetic", driver.Load))
		els, err := d.QueryAll(ctx, nil, ".synthetic")
		require.NoError(t, err)
		assert.Len(t, els, 1)

		require.NoError(t, d.Navigate(ctx, srv.URL+"/", driver.Load))
		els, err = d.QueryAll(ctx, nil, ".card")
		require.NoError(t, err)
		assert.Len(t, els, 2)
	})

	t.Run("ExtraHeaders", func(t *testing.T) {
		d, ctx := open(t)
		hs, ok := d.(driver.HeaderSetter)
		if !ok {
			t.Skip("driver cannot set request headers")
		}
		require.NoError(t, hs.SetExtraHeaders(ctx, http.Header{"X-Drivertest": {"tagged"}}))
		require.NoError(t, d.Navigate(ctx, srv.URL+"/echo", driver.Load))
		els, err := d.QueryAll(ctx, nil, "#echo")
		require.NoError(t, err)
		require.Len(t, els, 1)
		text, err := d.TextContent(ctx, els[0])
		require.NoError(t, err)
		assert.Equal(t, "tagged", text)
	})

	t.Run("Closed", func(t *testing.T) {
		d, ctx := open(t)
		require.NoError(t, d.Close())
		_, err := d.QueryAll(ctx, nil, ".card")
		assert.True(t, errors.Is(err, driver.ErrClosed), "got %v", err)
		assert.NoError(t, d.Close())
	})
}
