// Package wait is the one polling primitive behind every assertion and
// actionability check: evaluate a predicate, back off exponentially between
// failed attempts, give up at a deadline with the last observation attached.
package wait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/kuitang/pagecheck/internal/errs"
	"github.com/kuitang/pagecheck/internal/logutil"
	"github.com/kuitang/pagecheck/internal/obs"
)

const (
	DefaultTimeout   = 5 * time.Second
	DefaultPollStart = 100 * time.Millisecond
	DefaultPollMax   = time.Second
)

// Predicate reports whether the awaited condition holds. observed describes
// what was seen and ends up in the diagnostic on timeout. Errors for which
// errs.IsTerminal is true end the wait; any other error counts as a failed
// attempt.
type Predicate func(ctx context.Context) (ok bool, observed string, err error)

// maxLoggedObserved caps observed values in debug logs. Diagnostics keep
// the full value.
const maxLoggedObserved = 200

// Options bound one wait. Zero fields take the package defaults.
type Options struct {
	Timeout   time.Duration
	PollStart time.Duration
	PollMax   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PollStart <= 0 {
		o.PollStart = DefaultPollStart
	}
	if o.PollMax <= 0 {
		o.PollMax = DefaultPollMax
	}
	if o.PollMax < o.PollStart {
		o.PollMax = o.PollStart
	}
	return o
}

// Result summarises a finished wait.
type Result struct {
	Attempts int
	Elapsed  time.Duration
	Observed string
}

func newBackOff(o Options) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     o.PollStart,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         o.PollMax,
	}
	b.Reset()
	return b
}

// For evaluates pred until it holds, the timeout elapses or ctx is done.
// The first evaluation happens immediately and the last one at the
// deadline. Evaluations never overlap.
func For(ctx context.Context, name string, opts Options, pred Predicate) (res Result, err error) {
	opts = opts.withDefaults()
	ctx, span := obs.StartSpan(ctx, "wait."+name,
		attribute.String("pagecheck.wait", name),
		attribute.Int64("pagecheck.timeout_ms", opts.Timeout.Milliseconds()),
	)
	logger := obs.From(ctx).With("pkg", "wait", "wait", name)

	start := time.Now()
	deadline := start.Add(opts.Timeout)
	bo := newBackOff(opts)
	stillWaiting := rate.Sometimes{First: 1, Interval: time.Second}

	timer := time.NewTimer(opts.Timeout)
	timer.Stop()

	defer func() {
		timer.Stop()
		res.Elapsed = time.Since(start)
		obs.RecordWait(outcome(err), res.Attempts, res.Elapsed)
		span.SetAttributes(attribute.Int("pagecheck.attempts", res.Attempts))
		obs.EndSpan(span, err)
	}()

	for {
		if ctx.Err() != nil {
			return res, canceled(ctx)
		}

		res.Attempts++
		ok, observed, perr := pred(ctx)
		if perr != nil {
			if errs.IsTerminal(perr) {
				return res, perr
			}
			if ctx.Err() != nil {
				return res, canceled(ctx)
			}
			if observed == "" {
				observed = "error: " + perr.Error()
			}
		}
		res.Observed = observed
		if ok {
			logger.Debug("wait_satisfied", "attempts", res.Attempts, "elapsed_ms", time.Since(start).Milliseconds())
			return res, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			elapsed := time.Since(start)
			logger.Debug("wait_timeout", "attempts", res.Attempts, "observed", logutil.TruncateForLog(observed, maxLoggedObserved))
			return res, &errs.Error{
				Code:    errs.Timeout,
				Message: fmt.Sprintf("timed out after %s waiting for %s", opts.Timeout, name),
				Diag: &errs.Diagnostic{
					LastObserved: observed,
					Elapsed:      elapsed,
					Timeout:      opts.Timeout,
					Attempts:     res.Attempts,
				},
			}
		}

		delay := bo.NextBackOff()
		if delay > remaining {
			delay = remaining
		}
		stillWaiting.Do(func() {
			logger.Debug("wait_retry", "attempt", res.Attempts, "next_ms", delay.Milliseconds(), "observed", logutil.TruncateForLog(observed, maxLoggedObserved))
		})

		timer.Reset(delay)
		select {
		case <-ctx.Done():
			return res, canceled(ctx)
		case <-timer.C:
		}
	}
}

// canceled prefers a coded cancellation cause, so a wait interrupted by
// session close reports the closure.
func canceled(ctx context.Context) error {
	cause := context.Cause(ctx)
	var coded *errs.Error
	if errors.As(cause, &coded) {
		return cause
	}
	return errs.Wrap(errs.Canceled, "wait canceled", cause)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errs.Is(err, errs.Timeout):
		return "timeout"
	case errs.Is(err, errs.Canceled), errs.Is(err, errs.ClosedSession):
		return "canceled"
	default:
		return "error"
	}
}
