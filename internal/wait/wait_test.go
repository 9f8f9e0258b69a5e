package wait

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/pagecheck/internal/errs"
)

func fast(timeout time.Duration) Options {
	return Options{Timeout: timeout, PollStart: time.Millisecond, PollMax: 4 * time.Millisecond}
}

func TestFor_ImmediateSuccessEvaluatesOnce(t *testing.T) {
	t.Parallel()

	res, err := For(context.Background(), "immediate", Options{}, func(context.Context) (bool, string, error) {
		return true, "ready", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "ready", res.Observed)
}

func TestFor_SucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	res, err := For(context.Background(), "eventually", fast(time.Second), func(context.Context) (bool, string, error) {
		n := calls.Add(1)
		return n >= 3, "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
}

func TestFor_TimeoutCarriesDiagnostic(t *testing.T) {
	t.Parallel()

	_, err := For(context.Background(), "never", fast(30*time.Millisecond), func(context.Context) (bool, string, error) {
		return false, "opacity=0", nil
	})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Timeout), "got %v", err)

	diag := errs.DiagnosticOf(err)
	require.NotNil(t, diag)
	assert.Equal(t, "opacity=0", diag.LastObserved)
	assert.Equal(t, 30*time.Millisecond, diag.Timeout)
	assert.GreaterOrEqual(t, diag.Elapsed, 30*time.Millisecond)
	assert.GreaterOrEqual(t, diag.Attempts, 2)
	assert.Contains(t, err.Error(), "last observed: opacity=0")
}

func TestFor_TerminalErrorStopsImmediately(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	_, err := For(context.Background(), "strict", fast(time.Second), func(context.Context) (bool, string, error) {
		calls.Add(1)
		return false, "", errs.New(errs.StrictMode, "3 elements match")
	})
	require.True(t, errs.Is(err, errs.StrictMode))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFor_TransientErrorIsRetriedAndObserved(t *testing.T) {
	t.Parallel()

	_, err := For(context.Background(), "flaky", fast(20*time.Millisecond), func(context.Context) (bool, string, error) {
		return false, "", errors.New("node went away")
	})
	require.True(t, errs.Is(err, errs.Timeout))
	assert.Equal(t, "error: node went away", errs.DiagnosticOf(err).LastObserved)
}

func TestFor_CancelCauseSurfaces(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(10*time.Millisecond, func() { cancel(errs.Closed("s-1")) })

	start := time.Now()
	_, err := For(ctx, "closing", Options{Timeout: 5 * time.Second}, func(context.Context) (bool, string, error) {
		return false, "", nil
	})
	require.True(t, errs.Is(err, errs.ClosedSession), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFor_PlainCancelIsCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := For(ctx, "canceled", Options{}, func(context.Context) (bool, string, error) {
		return true, "", nil
	})
	require.True(t, errs.Is(err, errs.Canceled))
	assert.Zero(t, res.Attempts)
}

func TestBackOffDoublesUpToMax(t *testing.T) {
	t.Parallel()

	bo := newBackOff(Options{PollStart: 100 * time.Millisecond, PollMax: time.Second}.withDefaults())
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, bo.NextBackOff(), "interval %d", i)
	}
}

func testFor_TimeoutMonotonic(t *rapid.T) {
	t1 := time.Duration(rapid.IntRange(1, 10).Draw(t, "t1")) * time.Millisecond
	t2 := t1 + time.Duration(rapid.IntRange(15, 25).Draw(t, "gap"))*time.Millisecond
	never := func(context.Context) (bool, string, error) { return false, "", nil }

	_, err1 := For(context.Background(), "never", fast(t1), never)
	_, err2 := For(context.Background(), "never", fast(t2), never)
	if !errs.Is(err1, errs.Timeout) || !errs.Is(err2, errs.Timeout) {
		t.Fatalf("expected timeouts, got %v / %v", err1, err2)
	}
	e1 := errs.DiagnosticOf(err1).Elapsed
	e2 := errs.DiagnosticOf(err2).Elapsed
	if e1 < t1 || e2 < t2 {
		t.Fatalf("failed before the deadline: %s < %s or %s < %s", e1, t1, e2, t2)
	}
	if e1 > e2 {
		t.Fatalf("shorter timeout %s failed later (%s) than longer timeout %s (%s)", t1, e1, t2, e2)
	}
}

func TestFor_TimeoutMonotonic(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testFor_TimeoutMonotonic)
}

func testFor_StableConditionWithinOnePoll(t *rapid.T) {
	// A condition already true is observed by the first evaluation, so the
	// wait never sleeps.
	pollStart := time.Duration(rapid.IntRange(20, 60).Draw(t, "poll")) * time.Millisecond
	start := time.Now()
	res, err := For(context.Background(), "stable", Options{Timeout: time.Second, PollStart: pollStart}, func(context.Context) (bool, string, error) {
		return true, "", nil
	})
	if err != nil || res.Attempts != 1 {
		t.Fatalf("err=%v attempts=%d", err, res.Attempts)
	}
	if time.Since(start) >= pollStart {
		t.Fatalf("took longer than one poll interval")
	}
}

func TestFor_StableConditionWithinOnePoll(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testFor_StableConditionWithinOnePoll)
}
