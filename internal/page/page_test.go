package page

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/pagecheck/internal/config"
	"github.com/kuitang/pagecheck/internal/driver"
	"github.com/kuitang/pagecheck/internal/driver/sim"
	"github.com/kuitang/pagecheck/internal/errs"
	"github.com/kuitang/pagecheck/internal/route"
)

const testBase = "http://app.test"

func testConfig() config.Config {
	cfg := config.Default()
	cfg.BaseURL = testBase
	cfg.Timeout = 300 * time.Millisecond
	cfg.ActionTimeout = 300 * time.Millisecond
	cfg.NavigationTimeout = time.Second
	cfg.RenderTimeout = 200 * time.Millisecond
	cfg.PollStart = 5 * time.Millisecond
	cfg.PollMax = 20 * time.Millisecond
	cfg.NetworkIdle = 20 * time.Millisecond
	return cfg
}

// open serves body at the base URL and navigates to it.
func open(t *testing.T, body string, opts ...sim.Option) *Session {
	t.Helper()
	return openWith(t, testConfig(), body, opts...)
}

func openWith(t *testing.T, cfg config.Config, body string, opts ...sim.Option) *Session {
	t.Helper()
	opts = append([]sim.Option{sim.WithFrameInterval(time.Millisecond), sim.WithNetworkIdle(cfg.NetworkIdle)}, opts...)
	s, err := New(sim.New(opts...), WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Route(route.Glob(testBase+"/"), route.Fulfill(route.Response{
		Header: http.Header{"Content-Type": {"text/html"}},
		Body:   []byte(body),
	}))
	require.NoError(t, err)
	require.NoError(t, s.Navigate(context.Background(), "/"))
	return s
}

const layoutPage = `<html><head><style>
.card .del { opacity: 0; }
.card:hover .del { opacity: 1; }
.grid { grid-template-columns: repeat(3, 1fr); }
@media (max-width: 600px) { .grid { grid-template-columns: 1fr; } }
.hidden { display: none; }
.nope { pointer-events: none; }
</style></head><body>
<div class="grid">
  <div class="card" id="a"><h2>Alpha</h2><p>first  body</p><button class="del">Delete</button></div>
  <div class="card" id="b"><h2>Beta</h2><p>second body</p><button class="del">Delete</button></div>
</div>
<button id="hidden-btn" class="hidden">h</button>
<button id="off" disabled>off</button>
<div inert><button id="covered">c</button></div>
<div class="nope"><button id="ignored">i</button></div>
<input id="title" value="">
</body></html>`

func TestLocatorString(t *testing.T) {
	t.Parallel()
	s := open(t, layoutPage)

	l := s.Locator(".post-card").First().Locator(".delete-button")
	assert.Equal(t, ".post-card >> nth=0 >> .delete-button", l.String())
	assert.Equal(t, ".card >> nth=-1", s.Locator(".card").Last().String())
}

func TestLocatorNarrowing(t *testing.T) {
	t.Parallel()
	s := open(t, layoutPage)
	ctx := context.Background()

	text, err := s.Locator(".card").First().Locator("h2").TextContent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Alpha", text)

	text, err = s.Locator(".card").Last().Locator("h2").TextContent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Beta", text)

	n, err := s.Locator(".card").Nth(5).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Locator(".grid").Locator(".card").Locator(".del").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLocatorReResolvesAfterMutation(t *testing.T) {
	t.Parallel()
	prog := func(p *sim.Page) {
		p.After(30*time.Millisecond, func(p *sim.Page) {
			p.Find(".grid").AppendHtml(`<div class="card" id="c"><h2>Gamma</h2></div>`)
			p.Find("#a").Remove()
		})
	}
	s := open(t, layoutPage, sim.WithProgram("/", prog))
	ctx := context.Background()

	first := s.Locator(".card").First()
	require.NoError(t, first.ExpectText(ctx, "Alpha"))
	require.NoError(t, s.Locator(".card").ExpectCount(ctx, 2))
	require.NoError(t, first.ExpectText(ctx, "Beta"), "First re-resolves against the mutated document")
	require.NoError(t, s.Locator(".card").Last().ExpectText(ctx, "Gamma"))
}

func TestStrictModeFailsFast(t *testing.T) {
	t.Parallel()
	s := open(t, layoutPage)

	start := time.Now()
	err := s.Locator(".card").ExpectVisible(context.Background(), WithTimeout(5*time.Second))
	require.True(t, errs.Is(err, errs.StrictMode), "got %v", err)
	assert.Contains(t, err.Error(), "resolved to 2 elements")
	assert.Less(t, time.Since(start), time.Second)

	err = s.Locator(".del").Click(context.Background())
	assert.True(t, errs.Is(err, errs.StrictMode))

	_, err = s.Locator(".card h2").IsVisible(context.Background())
	assert.True(t, errs.Is(err, errs.StrictMode))
}

func TestActionabilityReasons(t *testing.T) {
	t.Parallel()
	s := open(t, layoutPage)
	ctx := context.Background()

	tests := []struct {
		name   string
		action func() error
		reason string
	}{
		{"missing", func() error { return s.Locator("#missing").Click(ctx) }, errs.ReasonNotFound},
		{"hidden", func() error { return s.Locator("#hidden-btn").Hover(ctx) }, errs.ReasonHidden},
		{"inert", func() error { return s.Locator("#covered").Click(ctx) }, errs.ReasonObscured},
		{"pointer-events", func() error { return s.Locator("#ignored").Click(ctx) }, errs.ReasonPointerEvents},
		{"disabled", func() error { return s.Locator("#off").Click(ctx) }, errs.ReasonDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action()
			require.True(t, errs.Is(err, errs.Actionability), "got %v", err)
			assert.Equal(t, tt.reason, errs.ReasonOf(err))
			diag := errs.DiagnosticOf(err)
			require.NotNil(t, diag)
			assert.Equal(t, 300*time.Millisecond, diag.Timeout)
		})
	}

	// Hover does not need the element to be enabled.
	require.NoError(t, s.Locator("#off").Hover(ctx))
}

func TestActionWaitsForElement(t *testing.T) {
	t.Parallel()
	clicked := make(chan struct{}, 1)
	prog := func(p *sim.Page) {
		p.After(40*time.Millisecond, func(p *sim.Page) {
			p.Find("body").AppendHtml(`<button id="late">late</button>`)
		})
		p.On("click", "#late", func(*sim.Page, *goquery.Selection) { clicked <- struct{}{} })
	}
	s := open(t, layoutPage, sim.WithProgram("/", prog))

	require.NoError(t, s.Locator("#late").Click(context.Background()))
	select {
	case <-clicked:
	default:
		t.Fatal("click handler did not run")
	}
}

func TestHoverRevealsButton(t *testing.T) {
	t.Parallel()
	s := open(t, layoutPage)
	ctx := context.Background()

	card := s.Locator(".card").First()
	del := card.Locator(".del")
	require.NoError(t, del.ExpectCSS(ctx, "opacity", "0"))
	require.NoError(t, card.Hover(ctx))
	require.NoError(t, del.ExpectCSS(ctx, "opacity", "1"))
	require.NoError(t, s.Locator(".card").Last().Locator(".del").ExpectCSS(ctx, "opacity", "0"))
}

func TestExpectCSSTimeoutDiagnostic(t *testing.T) {
	t.Parallel()
	s := open(t, layoutPage)

	err := s.Locator("#a .del").ExpectCSS(context.Background(), "opacity", "1", WithTimeout(40*time.Millisecond))
	require.True(t, errs.Is(err, errs.Timeout), "got %v", err)
	diag := errs.DiagnosticOf(err)
	require.NotNil(t, diag)
	assert.Equal(t, "opacity=0", diag.LastObserved)
	assert.Equal(t, 40*time.Millisecond, diag.Timeout)
	assert.GreaterOrEqual(t, diag.Elapsed, 40*time.Millisecond)
}

func TestExpectTextAndAttribute(t *testing.T) {
	t.Parallel()
	s := open(t, layoutPage)
	ctx := context.Background()

	require.NoError(t, s.Locator("#a p").ExpectText(ctx, "first body"))
	require.NoError(t, s.Locator("#title").Fill(ctx, "hello"))
	require.NoError(t, s.Locator("#title").ExpectAttribute(ctx, "value", "hello"))
	require.NoError(t, s.ExpectURL(ctx, "app.test"))

	err := s.Locator("#a h2").ExpectAttribute(ctx, "data-x", "1", WithTimeout(20*time.Millisecond))
	require.True(t, errs.Is(err, errs.Timeout))
	assert.Equal(t, "data-x absent", errs.DiagnosticOf(err).LastObserved)

	err = s.Locator("#a h2").Fill(ctx, "nope")
	assert.True(t, errs.Is(err, errs.InvalidArgument), "got %v", err)
}

func TestExpectHidden(t *testing.T) {
	t.Parallel()
	s := open(t, layoutPage)
	ctx := context.Background()

	require.NoError(t, s.Locator("#hidden-btn").ExpectHidden(ctx))
	require.NoError(t, s.Locator("#missing").ExpectHidden(ctx))

	hidden, err := s.Locator("#a").IsHidden(ctx)
	require.NoError(t, err)
	assert.False(t, hidden)
}

func TestInvalidSelectorIsTerminal(t *testing.T) {
	t.Parallel()
	s := open(t, layoutPage)

	start := time.Now()
	err := s.Locator("div[").ExpectVisible(context.Background(), WithTimeout(5*time.Second))
	require.True(t, errs.Is(err, errs.InvalidArgument), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestViewportReflow(t *testing.T) {
	t.Parallel()
	s := open(t, layoutPage)
	ctx := context.Background()
	grid := s.Locator(".grid")

	assert.Equal(t, driver.Viewport{Width: 1280, Height: 720}, s.Viewport())
	require.NoError(t, grid.ExpectCSS(ctx, "grid-template-columns", "repeat(3, 1fr)"))

	require.NoError(t, s.SetViewport(ctx, 375, 667))
	assert.Equal(t, driver.Viewport{Width: 375, Height: 667}, s.Viewport())
	require.NoError(t, grid.ExpectCSS(ctx, "grid-template-columns", "1fr", WithTimeout(time.Nanosecond)),
		"the reflow is visible on the first read after SetViewport returns")

	err := s.SetViewport(ctx, 0, 10)
	assert.True(t, errs.Is(err, errs.InvalidArgument))
}

func TestRenderTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RenderTimeout = 30 * time.Millisecond
	_, err := New(sim.New(sim.WithFrozenFrames()), WithConfig(cfg))
	require.True(t, errs.Is(err, errs.RenderTimeout), "got %v", err)
	assert.Equal(t, 30*time.Millisecond, errs.DiagnosticOf(err).Timeout)
}

func TestCloseCancelsPendingWaits(t *testing.T) {
	t.Parallel()
	s := open(t, layoutPage)
	ctx := context.Background()

	result := make(chan error, 1)
	go func() {
		result <- s.Locator("#never").ExpectVisible(ctx, WithTimeout(10*time.Second))
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-result:
		assert.True(t, errs.Is(err, errs.ClosedSession), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending wait was not cancelled by Close")
	}

	require.NoError(t, s.Close())
	assert.True(t, errs.Is(s.Navigate(ctx, "/"), errs.ClosedSession))
	assert.True(t, errs.Is(s.Locator(".card").Click(ctx), errs.ClosedSession))
	assert.True(t, errs.Is(s.SetViewport(ctx, 10, 10), errs.ClosedSession))
	_, err := s.Route(route.Glob("**"), route.Abort(""))
	assert.True(t, errs.Is(err, errs.ClosedSession))
	_, err = s.Locator(".card").Count(ctx)
	assert.True(t, errs.Is(err, errs.ClosedSession))
	assert.Empty(t, s.Routes())
}

func TestNavigateArguments(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.BaseURL = ""
	s, err := New(sim.New(sim.WithFrameInterval(time.Millisecond)), WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	assert.True(t, errs.Is(s.Navigate(ctx, "/"), errs.InvalidArgument))
	assert.True(t, errs.Is(s.Navigate(ctx, "http://app.test/", WaitUntil("eventually")), errs.InvalidArgument))

	_, err = s.Route(route.Glob("**"), route.Abort("connectionrefused"))
	require.NoError(t, err)
	err = s.Navigate(ctx, "http://app.test/")
	require.True(t, errs.Is(err, errs.Navigation), "got %v", err)
	assert.Contains(t, err.Error(), "CONNECTIONREFUSED")
}

func TestLoadStates(t *testing.T) {
	t.Parallel()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(60 * time.Millisecond)
		fmt.Fprint(w, "ready")
	}))
	t.Cleanup(api.Close)

	prog := func(p *sim.Page) {
		p.Fetch("GET", api.URL+"/api/data", nil, func(p *sim.Page, resp *sim.Response, err error) {
			if err != nil {
				return
			}
			p.Find(".loading").Remove()
			p.Find("body").AppendHtml(`<div class="data">` + string(resp.Body) + `</div>`)
		})
	}
	s := open(t, `<html><body><div class="loading">Loading</div></body></html>`, sim.WithProgram("/", prog))
	ctx := context.Background()

	require.NoError(t, s.Navigate(ctx, "/", WaitUntil(driver.DOMContentLoaded)))
	visible, err := s.Locator(".loading").IsVisible(ctx)
	require.NoError(t, err)
	assert.True(t, visible)
	require.NoError(t, s.Locator(".data").ExpectVisible(ctx))
	require.NoError(t, s.Locator(".loading").ExpectHidden(ctx))

	require.NoError(t, s.Navigate(ctx, "/", WaitUntil(driver.NetworkIdle)))
	visible, err = s.Locator(".data").IsVisible(ctx)
	require.NoError(t, err)
	assert.True(t, visible, "network idle waits for the data request")
}

// testExpectCount_StableDocument checks that a count assertion against a
// document that already has n matches passes on its first evaluation.
func testExpectCount_StableDocument(t *rapid.T) {
	n := rapid.IntRange(0, 8).Draw(t, "n")
	noise := rapid.IntRange(0, 4).Draw(t, "noise")

	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<div class="item">%d</div>`, i)
	}
	for i := 0; i < noise; i++ {
		fmt.Fprintf(&b, `<div class="other">%d</div>`, i)
	}
	b.WriteString("</body></html>")

	cfg := testConfig()
	cfg.PollStart = 100 * time.Millisecond
	cfg.PollMax = 100 * time.Millisecond
	s, err := New(sim.New(sim.WithFrameInterval(time.Millisecond)), WithConfig(cfg))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Route(route.Glob(testBase+"/"), route.Fulfill(route.Response{Body: []byte(b.String())})); err != nil {
		t.Fatal(err)
	}
	if err := s.Navigate(context.Background(), "/"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := s.Locator(".item").ExpectCount(context.Background(), n); err != nil {
		t.Fatalf("ExpectCount(%d): %v", n, err)
	}
	if elapsed := time.Since(start); elapsed >= cfg.PollStart {
		t.Fatalf("took %s, longer than one poll interval", elapsed)
	}
}

func TestExpectCount_StableDocument(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testExpectCount_StableDocument)
}
