// Package browser runs the notes scenarios end to end against the backend
// PAGECHECK_BACKEND selects. The simulated backend needs nothing installed;
// the real ones skip when Chromium is unavailable.
package browser

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kuitang/pagecheck/internal/config"
	"github.com/kuitang/pagecheck/internal/driver"
	"github.com/kuitang/pagecheck/internal/driver/backend"
	"github.com/kuitang/pagecheck/internal/driver/sim"
	"github.com/kuitang/pagecheck/internal/notesfixture"
	"github.com/kuitang/pagecheck/internal/page"
)

// browserMaxTimeout caps every wait in this package.
const browserMaxTimeout = 5 * time.Second

// BrowserTestEnv is one fixture server plus the configuration sessions
// against it use.
type BrowserTestEnv struct {
	Store   *notesfixture.Store
	Server  *httptest.Server
	BaseURL string
	Config  config.Config
}

// SetupBrowserTestEnv starts a fresh notes server seeded with the default
// posts.
func SetupBrowserTestEnv(t *testing.T, opts notesfixture.Options) *BrowserTestEnv {
	t.Helper()

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	store := notesfixture.NewStore()
	srv := httptest.NewServer(notesfixture.NewServer(store, opts))
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL
	if cfg.Timeout > browserMaxTimeout {
		cfg.Timeout = browserMaxTimeout
	}
	if cfg.ActionTimeout > browserMaxTimeout {
		cfg.ActionTimeout = browserMaxTimeout
	}
	return &BrowserTestEnv{Store: store, Server: srv, BaseURL: srv.URL, Config: *cfg}
}

// NewSession opens a session on the configured backend.
func (env *BrowserTestEnv) NewSession(t *testing.T) *page.Session {
	t.Helper()
	s, err := page.New(env.newDriver(t), page.WithConfig(env.Config))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func (env *BrowserTestEnv) newDriver(t *testing.T) driver.Driver {
	t.Helper()
	if env.Config.Backend != config.BackendSim && testing.Short() {
		t.Skip("skipping browser tests in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d, err := backend.Open(ctx, env.Config, sim.WithProgram("/", notesfixture.Program()))
	if errors.Is(err, backend.ErrUnavailable) {
		t.Skip(err)
	}
	require.NoError(t, err)
	return d
}

// Goto navigates s to the notes page.
func Goto(t *testing.T, s *page.Session, opts ...page.NavigateOption) {
	t.Helper()
	require.NoError(t, s.Navigate(context.Background(), "/", opts...))
}
