package browser

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/pagecheck/internal/driver"
	"github.com/kuitang/pagecheck/internal/errs"
	"github.com/kuitang/pagecheck/internal/notesfixture"
	"github.com/kuitang/pagecheck/internal/page"
	"github.com/kuitang/pagecheck/internal/route"
)

func TestNotes_LoadsAndDisplaysPosts(t *testing.T) {
	env := SetupBrowserTestEnv(t, notesfixture.Options{})
	s := env.NewSession(t)
	Goto(t, s)
	ctx := context.Background()

	require.NoError(t, s.Locator(".posts-grid").ExpectVisible(ctx))

	posts := s.Locator(".post-card")
	require.NoError(t, posts.ExpectCount(ctx, env.Store.Len()))

	first := posts.First()
	require.NoError(t, first.Locator("h2").ExpectVisible(ctx))
	// Strict resolution: a second paragraph in the card would fail this.
	require.NoError(t, first.Locator("p").ExpectVisible(ctx))
	require.NoError(t, first.Locator(".post-meta").ExpectVisible(ctx))

	require.NoError(t, first.Locator("h2").ExpectText(ctx, env.Store.List()[0].Title))
}

func TestNotes_EveryPostHasOneParagraph(t *testing.T) {
	env := SetupBrowserTestEnv(t, notesfixture.Options{})
	s := env.NewSession(t)
	Goto(t, s)
	ctx := context.Background()

	posts := s.Locator(".post-card")
	require.NoError(t, posts.ExpectCount(ctx, env.Store.Len()))
	for i := range env.Store.Len() {
		require.NoError(t, posts.Nth(i).Locator("p").ExpectCount(ctx, 1), "post %d", i)
	}
}

func TestNotes_DisplaysTagsForEachPost(t *testing.T) {
	env := SetupBrowserTestEnv(t, notesfixture.Options{})
	s := env.NewSession(t)
	Goto(t, s)
	ctx := context.Background()

	first := s.Locator(".post-card").First()
	require.NoError(t, first.ExpectVisible(ctx))

	tags := first.Locator(".tag")
	require.NoError(t, tags.ExpectCount(ctx, len(env.Store.List()[0].Tags)))

	text, err := tags.First().TextContent(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, text)

	n, err := s.Locator(".post-card").Count(ctx)
	require.NoError(t, err)
	for i := range n {
		tag := s.Locator(".post-card").Nth(i).Locator(".tag").First()
		text, err := tag.TextContent(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, text, "post %d", i)
	}
}

func TestNotes_ShowsDeleteButtonOnHover(t *testing.T) {
	env := SetupBrowserTestEnv(t, notesfixture.Options{})
	s := env.NewSession(t)
	Goto(t, s)
	ctx := context.Background()

	first := s.Locator(".post-card").First()
	deleteButton := first.Locator(".delete-button")

	require.NoError(t, deleteButton.ExpectCSS(ctx, "opacity", "0"))
	require.NoError(t, first.Hover(ctx))
	require.NoError(t, deleteButton.ExpectCSS(ctx, "opacity", "1"))

	// Moving to another card hides the first button again.
	require.NoError(t, s.Locator(".post-card").Last().Hover(ctx))
	require.NoError(t, deleteButton.ExpectCSS(ctx, "opacity", "0"))
}

func TestNotes_HandlesNetworkErrorsGracefully(t *testing.T) {
	env := SetupBrowserTestEnv(t, notesfixture.Options{})
	s := env.NewSession(t)
	Goto(t, s)
	ctx := context.Background()

	abort, err := s.Route(route.Glob("**/posts/*"), route.Abort(""))
	require.NoError(t, err)

	first := s.Locator(".post-card").First()
	require.NoError(t, first.ExpectVisible(ctx))
	id := env.Store.List()[0].ID

	require.NoError(t, first.Hover(ctx))
	require.NoError(t, first.Locator(".delete-button").Click(ctx))

	require.NoError(t, s.Locator(".error-banner").ExpectVisible(ctx))
	require.NoError(t, s.Locator(".error-banner").ExpectText(ctx, "Could not delete post"))
	require.NoError(t, first.ExpectVisible(ctx))
	require.NoError(t, first.ExpectAttribute(ctx, "data-id", id))
	require.NoError(t, s.Locator(".post-card").ExpectCount(ctx, len(notesfixture.DefaultPosts())))

	assert.Equal(t, int64(1), abort.Hits())
	assert.Zero(t, env.Store.HitCount(http.MethodDelete, "/api/posts/"+id), "aborted request reached the server")
	assert.Equal(t, len(notesfixture.DefaultPosts()), env.Store.Len())
}

func TestNotes_DeleteRemovesPost(t *testing.T) {
	env := SetupBrowserTestEnv(t, notesfixture.Options{})
	s := env.NewSession(t)
	Goto(t, s)
	ctx := context.Background()

	want := len(notesfixture.DefaultPosts())
	posts := s.Locator(".post-card")
	require.NoError(t, posts.ExpectCount(ctx, want))

	first := posts.First()
	require.NoError(t, first.Hover(ctx))
	require.NoError(t, first.Locator(".delete-button").Click(ctx))

	require.NoError(t, posts.ExpectCount(ctx, want-1))
	require.NoError(t, s.Locator(".error-banner").ExpectHidden(ctx))
	assert.Equal(t, want-1, env.Store.Len())
}

func TestNotes_NewestInterceptorWins(t *testing.T) {
	env := SetupBrowserTestEnv(t, notesfixture.Options{})
	s := env.NewSession(t)
	Goto(t, s)
	ctx := context.Background()

	posts := s.Locator(".post-card")
	require.NoError(t, posts.ExpectCount(ctx, env.Store.Len()))
	id := env.Store.List()[0].ID

	broad, err := s.Route(route.Glob("**/api/posts/*").Methods(http.MethodDelete), route.Abort(""))
	require.NoError(t, err)
	narrow, err := s.Route(route.Glob("**/api/posts/"+id), route.Continue())
	require.NoError(t, err)

	first := posts.First()
	require.NoError(t, first.Hover(ctx))
	require.NoError(t, first.Locator(".delete-button").Click(ctx))

	require.NoError(t, posts.ExpectCount(ctx, len(notesfixture.DefaultPosts())-1))
	assert.Equal(t, int64(1), narrow.Hits())
	assert.Zero(t, broad.Hits())

	// Without the narrow rule the broad one decides the next delete.
	require.NoError(t, s.Unroute(narrow))
	second := posts.First()
	require.NoError(t, second.Hover(ctx))
	require.NoError(t, second.Locator(".delete-button").Click(ctx))
	require.NoError(t, s.Locator(".error-banner").ExpectVisible(ctx))
	assert.Equal(t, int64(1), broad.Hits())
}

func TestNotes_FulfilledListReplacesServerData(t *testing.T) {
	env := SetupBrowserTestEnv(t, notesfixture.Options{})
	s := env.NewSession(t)
	ctx := context.Background()

	_, err := s.Route(route.Glob("**/api/posts"), route.Fulfill(route.Response{
		Header: http.Header{"Content-Type": {"application/json"}},
		Body: []byte(`[{"id":"x","title":"Injected","html":"<p>from the route</p>",` +
			`"author":"test","created_at":"today","tags":["stub"]}]`),
	}))
	require.NoError(t, err)
	Goto(t, s)

	require.NoError(t, s.Locator(".post-card").ExpectCount(ctx, 1))
	require.NoError(t, s.Locator(".post-card h2").ExpectText(ctx, "Injected"))
	require.NoError(t, s.Locator(".tag").ExpectText(ctx, "stub"))
	assert.Zero(t, env.Store.HitCount(http.MethodGet, "/api/posts"))
}

func TestNotes_ShowsLoadingStateInitially(t *testing.T) {
	env := SetupBrowserTestEnv(t, notesfixture.Options{Latency: 400 * time.Millisecond})
	s := env.NewSession(t)
	Goto(t, s, page.WaitUntil(driver.DOMContentLoaded))
	ctx := context.Background()

	require.NoError(t, s.Locator(".loading").ExpectVisible(ctx))

	require.NoError(t, s.Locator(".posts-grid").ExpectVisible(ctx))
	require.NoError(t, s.Locator(".loading").ExpectHidden(ctx))
}

func TestNotes_IsResponsive(t *testing.T) {
	env := SetupBrowserTestEnv(t, notesfixture.Options{})
	s := env.NewSession(t)
	Goto(t, s)
	ctx := context.Background()

	viewports := []driver.Viewport{
		{Width: 375, Height: 667},
		{Width: 768, Height: 1024},
		{Width: 1440, Height: 900},
	}
	for _, vp := range viewports {
		require.NoError(t, s.SetViewport(ctx, vp.Width, vp.Height))
		assert.Equal(t, vp, s.Viewport())
		require.NoError(t, s.Locator(".posts-grid").ExpectVisible(ctx), "%dx%d", vp.Width, vp.Height)
		require.NoError(t, s.Locator(".post-card").First().ExpectVisible(ctx), "%dx%d", vp.Width, vp.Height)
	}
}

func TestNotes_MissingElementTimesOutWithDiagnostic(t *testing.T) {
	env := SetupBrowserTestEnv(t, notesfixture.Options{})
	s := env.NewSession(t)
	Goto(t, s)
	ctx := context.Background()

	require.NoError(t, s.Locator(".posts-grid").ExpectVisible(ctx))

	start := time.Now()
	err := s.Locator(".no-such-thing").ExpectVisible(ctx, page.WithTimeout(300*time.Millisecond))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Timeout), "got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	diag := errs.DiagnosticOf(err)
	require.NotNil(t, diag)
	assert.Contains(t, diag.LastObserved, ".no-such-thing")
	assert.GreaterOrEqual(t, diag.Attempts, 2)
}

func TestNotes_StrictModeOnAmbiguousLocator(t *testing.T) {
	env := SetupBrowserTestEnv(t, notesfixture.Options{})
	s := env.NewSession(t)
	Goto(t, s)
	ctx := context.Background()

	require.NoError(t, s.Locator(".post-card").ExpectCount(ctx, env.Store.Len()))

	start := time.Now()
	err := s.Locator(".post-card").ExpectVisible(ctx)
	assert.True(t, errs.Is(err, errs.StrictMode), "got %v", err)
	assert.Less(t, time.Since(start), env.Config.Timeout)
}

func TestNotes_RequestsCarrySessionID(t *testing.T) {
	env := SetupBrowserTestEnv(t, notesfixture.Options{})
	s := env.NewSession(t)
	Goto(t, s)
	ctx := context.Background()

	require.NoError(t, s.Locator(".post-card").ExpectCount(ctx, env.Store.Len()))

	hits := env.Store.Hits()
	require.NotEmpty(t, hits)
	for _, h := range hits {
		if h.Path == "/favicon.ico" {
			continue
		}
		assert.Equal(t, s.ID(), h.Session, "%s %s", h.Method, h.Path)
	}
	assert.Equal(t, 1, env.Store.HitCount(http.MethodGet, "/api/posts"))
}
