package page

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kuitang/pagecheck/internal/driver"
	"github.com/kuitang/pagecheck/internal/errs"
	"github.com/kuitang/pagecheck/internal/obs"
)

// SetViewport resizes the page and returns once one frame has rendered at
// the new size, so layout reads that follow see the reflowed page.
func (s *Session) SetViewport(ctx context.Context, width, height int) (err error) {
	if width <= 0 || height <= 0 {
		return errs.New(errs.InvalidArgument, fmt.Sprintf("viewport must be positive, got %dx%d", width, height))
	}
	ctx, done, err := s.bind(ctx, "set_viewport")
	if err != nil {
		return err
	}
	defer done()
	ctx, span := obs.StartSpan(ctx, "page.set_viewport",
		attribute.Int("width", width),
		attribute.Int("height", height),
	)
	defer func() { obs.EndSpan(span, err) }()

	vp := driver.Viewport{Width: width, Height: height}
	if err := s.drv.SetViewport(ctx, vp); err != nil {
		return s.fail(err)
	}
	s.mu.Lock()
	s.viewport = vp
	s.mu.Unlock()

	start := time.Now()
	frameCtx, cancel := context.WithTimeout(ctx, s.cfg.RenderTimeout)
	defer cancel()
	if ferr := s.drv.AwaitFrame(frameCtx); ferr != nil {
		if s.closed.Load() {
			return errs.Closed(s.id)
		}
		if ctx.Err() == nil && errors.Is(frameCtx.Err(), context.DeadlineExceeded) {
			return &errs.Error{
				Code:    errs.RenderTimeout,
				Message: fmt.Sprintf("layout did not settle after resize to %dx%d", width, height),
				Diag: &errs.Diagnostic{
					LastObserved: "no frame rendered",
					Elapsed:      time.Since(start),
					Timeout:      s.cfg.RenderTimeout,
					Attempts:     1,
				},
				Err: ferr,
			}
		}
		if ctx.Err() != nil {
			return errs.Wrap(errs.Canceled, "set viewport canceled", context.Cause(ctx))
		}
		return s.fail(ferr)
	}
	obs.From(ctx).With("pkg", "page").Debug("viewport_set", "width", width, "height", height,
		"settle_ms", time.Since(start).Milliseconds())
	return nil
}

// Viewport is the most recently applied viewport.
func (s *Session) Viewport() driver.Viewport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport
}
