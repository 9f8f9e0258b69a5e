package page

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kuitang/pagecheck/internal/driver"
	"github.com/kuitang/pagecheck/internal/wait"
)

// ExpectOption adjusts one assertion.
type ExpectOption func(*expectOptions)

type expectOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the configured assertion timeout.
func WithTimeout(d time.Duration) ExpectOption {
	return func(o *expectOptions) { o.timeout = d }
}

// expect is the only place assertions wait. Each Expect* method is a
// predicate handed to it.
func (s *Session) expect(ctx context.Context, name string, opts []ExpectOption, pred wait.Predicate) error {
	o := expectOptions{timeout: s.cfg.Timeout}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, done, err := s.bind(ctx, "expect")
	if err != nil {
		return err
	}
	defer done()
	_, err = wait.For(ctx, name, s.waitOptions(o.timeout), pred)
	return err
}

// ExpectVisible waits until the locator resolves to one visible element.
func (l *Locator) ExpectVisible(ctx context.Context, opts ...ExpectOption) error {
	return l.s.expect(ctx, l.String()+" visible", opts, l.visibleNow)
}

// ExpectHidden waits until the locator resolves to nothing or to one
// hidden element.
func (l *Locator) ExpectHidden(ctx context.Context, opts ...ExpectOption) error {
	return l.s.expect(ctx, l.String()+" hidden", opts, func(ctx context.Context) (bool, string, error) {
		visible, observed, err := l.visibleNow(ctx)
		return !visible && err == nil, observed, err
	})
}

// ExpectCount waits until the locator resolves to exactly n elements.
func (l *Locator) ExpectCount(ctx context.Context, n int, opts ...ExpectOption) error {
	return l.s.expect(ctx, fmt.Sprintf("%s count=%d", l, n), opts, func(ctx context.Context) (bool, string, error) {
		els, err := l.resolve(ctx)
		if err != nil {
			return false, "", l.s.fail(err)
		}
		return len(els) == n, fmt.Sprintf("count=%d", len(els)), nil
	})
}

// ExpectCSS waits until the computed value of property equals value.
func (l *Locator) ExpectCSS(ctx context.Context, property, value string, opts ...ExpectOption) error {
	name := fmt.Sprintf("%s css %s=%s", l, property, value)
	return l.s.expect(ctx, name, opts, l.elementPredicate(func(ctx context.Context, el driver.Element) (bool, string, error) {
		got, err := l.s.drv.ComputedStyle(ctx, el, property)
		if err != nil {
			return false, "", err
		}
		return got == value, fmt.Sprintf("%s=%s", property, got), nil
	}))
}

// ExpectText waits until the text content contains substr, comparing with
// runs of whitespace collapsed.
func (l *Locator) ExpectText(ctx context.Context, substr string, opts ...ExpectOption) error {
	name := fmt.Sprintf("%s text contains %q", l, substr)
	return l.s.expect(ctx, name, opts, l.elementPredicate(func(ctx context.Context, el driver.Element) (bool, string, error) {
		got, err := l.s.drv.TextContent(ctx, el)
		if err != nil {
			return false, "", err
		}
		return containsNormalized(got, substr), fmt.Sprintf("text=%q", normalizeSpace(got)), nil
	}))
}

// ExpectAttribute waits until attribute name is present with value.
func (l *Locator) ExpectAttribute(ctx context.Context, name, value string, opts ...ExpectOption) error {
	desc := fmt.Sprintf("%s [%s=%q]", l, name, value)
	return l.s.expect(ctx, desc, opts, l.elementPredicate(func(ctx context.Context, el driver.Element) (bool, string, error) {
		got, ok, err := l.s.drv.Attribute(ctx, el, name)
		if err != nil {
			return false, "", err
		}
		if !ok {
			return false, name + " absent", nil
		}
		return got == value, fmt.Sprintf("%s=%q", name, got), nil
	}))
}

// elementPredicate lifts a check on one element into a locator predicate
// with strictness and detachment handled.
func (l *Locator) elementPredicate(check func(context.Context, driver.Element) (bool, string, error)) wait.Predicate {
	return func(ctx context.Context) (bool, string, error) {
		el, observed, err := l.single(ctx)
		if err != nil || el == nil {
			return false, observed, err
		}
		ok, observed, err := check(ctx, el)
		if errors.Is(err, driver.ErrDetached) {
			return false, el.Describe() + " detached", nil
		}
		if err != nil {
			return false, "", l.s.fail(err)
		}
		return ok, observed, nil
	}
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func containsNormalized(s, substr string) bool {
	return strings.Contains(normalizeSpace(s), normalizeSpace(substr))
}
