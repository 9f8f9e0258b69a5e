// Package page composes a driver, a route table and the waiting primitive
// into a page session: navigation, viewport control, request interception,
// locators and assertions.
//
// A Session is driven by one caller at a time. Independent sessions share
// nothing and may run in parallel.
package page

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kuitang/pagecheck/internal/config"
	"github.com/kuitang/pagecheck/internal/driver"
	"github.com/kuitang/pagecheck/internal/errs"
	"github.com/kuitang/pagecheck/internal/logutil"
	"github.com/kuitang/pagecheck/internal/obs"
	"github.com/kuitang/pagecheck/internal/route"
	"github.com/kuitang/pagecheck/internal/wait"
)

// Option configures a Session.
type Option func(*Session)

// WithConfig replaces the default timeouts, polling bounds, base URL and
// viewport.
func WithConfig(cfg config.Config) Option {
	return func(s *Session) { s.cfg = cfg }
}

// WithBaseURL sets the URL relative navigations resolve against.
func WithBaseURL(base string) Option {
	return func(s *Session) { s.cfg.BaseURL = base }
}

// WithViewport sets the viewport applied when the session opens.
func WithViewport(width, height int) Option {
	return func(s *Session) { s.cfg.ViewportWidth, s.cfg.ViewportHeight = width, height }
}

// Session is one navigable document context.
type Session struct {
	id     string
	drv    driver.Driver
	routes *route.Table
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	closed atomic.Bool

	closeOnce sync.Once
	closeErr  error

	mu       sync.Mutex
	viewport driver.Viewport
}

// New opens a session on drv and applies the default viewport. The session
// owns drv from here on and closes it on Close.
func New(drv driver.Driver, opts ...Option) (*Session, error) {
	s := &Session{
		id:  uuid.NewString(),
		drv: drv,
		cfg: config.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.cfg.Validate(); err != nil {
		_ = drv.Close()
		return nil, errs.Wrap(errs.InvalidArgument, "invalid session configuration", err)
	}

	s.routes = route.NewTable(s.id)
	s.logger = obs.Pkg("page").With("session_id", s.id)
	s.ctx, s.cancel = context.WithCancelCause(obs.WithSession(context.Background(), s.id))

	if err := drv.Intercept(s.routes); err != nil {
		_ = drv.Close()
		return nil, errs.Wrap(errs.Internal, "install interceptor", err)
	}
	if hs, ok := drv.(driver.HeaderSetter); ok && s.cfg.TagRequests {
		if err := hs.SetExtraHeaders(context.Background(), http.Header{obs.SessionHeader: {s.id}}); err != nil {
			_ = drv.Close()
			return nil, errs.Wrap(errs.Internal, "set session header", err)
		}
	}

	obs.RecordSessionOpened()
	s.logger.Info("session_opened", "viewport", fmt.Sprintf("%dx%d", s.cfg.ViewportWidth, s.cfg.ViewportHeight))

	if err := s.SetViewport(context.Background(), s.cfg.ViewportWidth, s.cfg.ViewportHeight); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// ID identifies the session in logs and traces.
func (s *Session) ID() string { return s.id }

// bind derives an operation context that also ends, with the session's
// closure as its cause, when the session closes.
func (s *Session) bind(ctx context.Context, op string) (context.Context, func(), error) {
	if s.closed.Load() {
		return nil, nil, errs.Closed(s.id)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(s.ctx, func() { cancel(context.Cause(s.ctx)) })
	ctx = obs.WithOp(obs.WithSession(ctx, s.id), op)
	return ctx, func() {
		stop()
		cancel(nil)
	}, nil
}

// fail maps a driver error to a coded one.
func (s *Session) fail(err error) error {
	var coded *errs.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &coded):
		return err
	case s.closed.Load(), errors.Is(err, driver.ErrClosed):
		return errs.Closed(s.id)
	case errors.Is(err, driver.ErrInvalidSelector), errors.Is(err, driver.ErrNotEditable):
		return errs.Wrap(errs.InvalidArgument, err.Error(), err)
	case errors.Is(err, driver.ErrNavigation):
		return errs.Wrap(errs.Navigation, err.Error(), err)
	default:
		return errs.Wrap(errs.Internal, err.Error(), err)
	}
}

// NavigateOption adjusts one navigation.
type NavigateOption func(*navigateOptions)

type navigateOptions struct {
	until   driver.LoadState
	timeout time.Duration
}

// WaitUntil sets how far the page must load before Navigate returns. The
// default is driver.Load.
func WaitUntil(state driver.LoadState) NavigateOption {
	return func(o *navigateOptions) { o.until = state }
}

// NavigateTimeout overrides the configured navigation timeout.
func NavigateTimeout(d time.Duration) NavigateOption {
	return func(o *navigateOptions) { o.timeout = d }
}

// Navigate loads rawURL, resolved against the base URL when relative.
func (s *Session) Navigate(ctx context.Context, rawURL string, opts ...NavigateOption) (err error) {
	o := navigateOptions{until: driver.Load, timeout: s.cfg.NavigationTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.until.Valid() {
		return errs.New(errs.InvalidArgument, fmt.Sprintf("unknown load state %q", o.until))
	}
	target, err := s.resolveURL(rawURL)
	if err != nil {
		return err
	}

	ctx, done, err := s.bind(ctx, "navigate")
	if err != nil {
		return err
	}
	defer done()
	ctx, span := obs.StartSpan(ctx, "page.navigate",
		attribute.String("url", logutil.FormatURLForLog(target)),
		attribute.String("wait_until", string(o.until)),
	)
	defer func() { obs.EndSpan(span, err) }()

	navCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	if nerr := s.drv.Navigate(navCtx, target, o.until); nerr != nil {
		if s.closed.Load() {
			return errs.Closed(s.id)
		}
		if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			return &errs.Error{
				Code:    errs.Navigation,
				Message: fmt.Sprintf("navigation to %s did not reach %s", target, o.until),
				Diag:    &errs.Diagnostic{LastObserved: nerr.Error(), Elapsed: time.Since(start), Timeout: o.timeout, Attempts: 1},
				Err:     nerr,
			}
		}
		return s.fail(nerr)
	}
	obs.From(ctx).With("pkg", "page").Debug("navigated",
		"url", logutil.FormatURLForLog(target),
		"wait_until", string(o.until),
		"dur_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (s *Session) resolveURL(rawURL string) (string, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return "", errs.Wrap(errs.InvalidArgument, fmt.Sprintf("invalid URL %q", rawURL), err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if s.cfg.BaseURL == "" {
		return "", errs.New(errs.InvalidArgument, fmt.Sprintf("relative URL %q needs a base URL", rawURL))
	}
	base, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return "", errs.Wrap(errs.InvalidArgument, fmt.Sprintf("invalid base URL %q", s.cfg.BaseURL), err)
	}
	return base.ResolveReference(ref).String(), nil
}

// URL is the current document URL.
func (s *Session) URL() string {
	if s.closed.Load() {
		return ""
	}
	return s.drv.URL()
}

// Route installs an interceptor in front of all existing ones. It affects
// requests issued from now on.
func (s *Session) Route(p route.Pattern, h route.Handler) (*route.Interceptor, error) {
	if s.closed.Load() {
		return nil, errs.Closed(s.id)
	}
	return s.routes.Install(p, h), nil
}

// Unroute removes ic. Removing an interceptor twice is not an error.
func (s *Session) Unroute(ic *route.Interceptor) error {
	if s.closed.Load() {
		return errs.Closed(s.id)
	}
	if ic != nil {
		s.routes.Uninstall(ic.ID)
	}
	return nil
}

// Routes returns the installed interceptors, newest first.
func (s *Session) Routes() []*route.Interceptor {
	return s.routes.Snapshot()
}

// Locator returns a locator for selector on the whole document.
func (s *Session) Locator(selector string) *Locator {
	return &Locator{s: s, kind: stepQuery, selector: selector}
}

// ExpectURL waits for the current URL to contain substr.
func (s *Session) ExpectURL(ctx context.Context, substr string, opts ...ExpectOption) error {
	return s.expect(ctx, "url contains "+substr, opts, func(context.Context) (bool, string, error) {
		u := s.drv.URL()
		return containsNormalized(u, substr), "url=" + u, nil
	})
}

// Close releases the session: pending waits fail with a closed-session
// error, interceptors are removed and the driver is closed. Close is
// idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel(errs.Closed(s.id))
		s.routes.Clear()
		if err := s.drv.Close(); err != nil {
			s.closeErr = errs.Wrap(errs.Internal, "close driver", err)
		}
		obs.RecordSessionClosed()
		s.logger.Info("session_closed")
	})
	return s.closeErr
}

func (s *Session) waitOptions(timeout time.Duration) wait.Options {
	return wait.Options{Timeout: timeout, PollStart: s.cfg.PollStart, PollMax: s.cfg.PollMax}
}
