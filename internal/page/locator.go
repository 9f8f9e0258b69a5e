package page

import (
	"context"
	"errors"
	"fmt"

	"github.com/kuitang/pagecheck/internal/driver"
	"github.com/kuitang/pagecheck/internal/errs"
	"github.com/kuitang/pagecheck/internal/wait"
)

type stepKind int

const (
	stepQuery stepKind = iota
	stepNth
)

// Locator is a recipe for finding elements, not a reference to them. Every
// operation resolves it again against the live document, so a Locator stays
// correct while the page re-renders underneath it.
type Locator struct {
	s      *Session
	parent *Locator
	kind   stepKind

	selector string // stepQuery
	index    int    // stepNth; negative counts from the end
}

// Locator scopes selector to the elements this locator resolves to.
func (l *Locator) Locator(selector string) *Locator {
	return &Locator{s: l.s, parent: l, kind: stepQuery, selector: selector}
}

// Nth narrows to the i-th match at resolve time. Negative i counts from
// the end, so Nth(-1) is the last match.
func (l *Locator) Nth(i int) *Locator {
	return &Locator{s: l.s, parent: l, kind: stepNth, index: i}
}

// First narrows to the first match.
func (l *Locator) First() *Locator { return l.Nth(0) }

// Last narrows to the last match.
func (l *Locator) Last() *Locator { return l.Nth(-1) }

// String renders the chain, e.g. ".post-card >> nth=0 >> .delete-button".
func (l *Locator) String() string {
	var own string
	switch l.kind {
	case stepNth:
		own = fmt.Sprintf("nth=%d", l.index)
	default:
		own = l.selector
	}
	if l.parent == nil {
		return own
	}
	return l.parent.String() + " >> " + own
}

// Resolve returns the current matches in document order.
func (l *Locator) Resolve(ctx context.Context) ([]driver.Element, error) {
	ctx, done, err := l.s.bind(ctx, "locator.resolve")
	if err != nil {
		return nil, err
	}
	defer done()
	els, err := l.resolve(ctx)
	return els, l.s.fail(err)
}

// Count is the number of current matches.
func (l *Locator) Count(ctx context.Context) (int, error) {
	els, err := l.Resolve(ctx)
	return len(els), err
}

func (l *Locator) resolve(ctx context.Context) ([]driver.Element, error) {
	if l.kind == stepNth {
		all, err := l.parent.resolve(ctx)
		if err != nil {
			return nil, err
		}
		i := l.index
		if i < 0 {
			i += len(all)
		}
		if i < 0 || i >= len(all) {
			return nil, nil
		}
		return all[i : i+1], nil
	}

	if l.parent == nil {
		return l.s.drv.QueryAll(ctx, nil, l.selector)
	}
	scopes, err := l.parent.resolve(ctx)
	if err != nil {
		return nil, err
	}
	var out []driver.Element
	seen := make(map[string]bool)
	for _, scope := range scopes {
		els, err := l.s.drv.QueryAll(ctx, scope, l.selector)
		if errors.Is(err, driver.ErrDetached) {
			// The scope went away between the two queries; it has no
			// descendants now.
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, el := range els {
			if id := el.ID(); !seen[id] {
				seen[id] = true
				out = append(out, el)
			}
		}
	}
	return out, nil
}

// single resolves to exactly one element. Zero matches is reported as an
// observation; more than one is a strict-mode violation.
func (l *Locator) single(ctx context.Context) (driver.Element, string, error) {
	els, err := l.resolve(ctx)
	if err != nil {
		return nil, "", l.s.fail(err)
	}
	switch len(els) {
	case 0:
		return nil, "no element matches " + l.String(), nil
	case 1:
		return els[0], "", nil
	}
	return nil, "", l.strictViolation(els)
}

func (l *Locator) strictViolation(els []driver.Element) error {
	names := make([]string, 0, 3)
	for i, el := range els {
		if i == 3 {
			names = append(names, "...")
			break
		}
		names = append(names, el.Describe())
	}
	return errs.New(errs.StrictMode, fmt.Sprintf("strict mode violation: %s resolved to %d elements %v", l, len(els), names))
}

// Hover waits until the element is actionable and moves the pointer over
// it.
func (l *Locator) Hover(ctx context.Context) error {
	return l.act(ctx, "hover", false, func(ctx context.Context, el driver.Element) error {
		return l.s.drv.Hover(ctx, el)
	})
}

// Click waits until the element is actionable and enabled, then clicks it.
func (l *Locator) Click(ctx context.Context) error {
	return l.act(ctx, "click", true, func(ctx context.Context, el driver.Element) error {
		return l.s.drv.Click(ctx, el)
	})
}

// Fill waits until the element is actionable and enabled, then replaces
// its value.
func (l *Locator) Fill(ctx context.Context, value string) error {
	return l.act(ctx, "fill", true, func(ctx context.Context, el driver.Element) error {
		return l.s.drv.Fill(ctx, el, value)
	})
}

// act runs do inside the actionability wait, so the element that passed
// the checks is the one acted on.
func (l *Locator) act(ctx context.Context, name string, needEnabled bool, do func(context.Context, driver.Element) error) error {
	ctx, done, err := l.s.bind(ctx, "locator."+name)
	if err != nil {
		return err
	}
	defer done()

	var reason string
	_, err = wait.For(ctx, name+" "+l.String(), l.s.waitOptions(l.s.cfg.ActionTimeout), func(ctx context.Context) (bool, string, error) {
		el, observed, err := l.single(ctx)
		if err != nil {
			return false, "", err
		}
		if el == nil {
			reason = errs.ReasonNotFound
			return false, observed, nil
		}

		st, err := l.s.drv.State(ctx, el)
		if err != nil {
			return false, "", l.s.fail(err)
		}
		if r := blocking(st, needEnabled); r != "" {
			reason = r
			return false, fmt.Sprintf("%s is %s", el.Describe(), r), nil
		}

		if err := do(ctx, el); err != nil {
			if errors.Is(err, driver.ErrDetached) {
				reason = errs.ReasonDetached
				return false, el.Describe() + " detached before " + name, nil
			}
			return false, "", l.s.fail(err)
		}
		return true, name + " " + el.Describe(), nil
	})
	if errs.Is(err, errs.Timeout) {
		return &errs.Error{
			Code:    errs.Actionability,
			Message: fmt.Sprintf("%s %s: element never became actionable", name, l),
			Reason:  reason,
			Diag:    errs.DiagnosticOf(err),
			Err:     err,
		}
	}
	return err
}

func blocking(st driver.ElementState, needEnabled bool) string {
	switch {
	case !st.Attached:
		return errs.ReasonDetached
	case !st.Visible:
		return errs.ReasonHidden
	case st.Obscured:
		return errs.ReasonObscured
	case !st.PointerEvents:
		return errs.ReasonPointerEvents
	case needEnabled && !st.Enabled:
		return errs.ReasonDisabled
	}
	return ""
}

// TextContent waits for exactly one element and returns its text content.
func (l *Locator) TextContent(ctx context.Context) (string, error) {
	ctx, done, err := l.s.bind(ctx, "locator.text_content")
	if err != nil {
		return "", err
	}
	defer done()

	var text string
	_, err = wait.For(ctx, "text of "+l.String(), l.s.waitOptions(l.s.cfg.ActionTimeout), func(ctx context.Context) (bool, string, error) {
		el, observed, err := l.single(ctx)
		if err != nil || el == nil {
			return false, observed, err
		}
		t, err := l.s.drv.TextContent(ctx, el)
		if errors.Is(err, driver.ErrDetached) {
			return false, el.Describe() + " detached", nil
		}
		if err != nil {
			return false, "", l.s.fail(err)
		}
		text = t
		return true, t, nil
	})
	return text, err
}

// IsVisible reports whether the single match is visible right now. No
// match counts as not visible; it does not wait.
func (l *Locator) IsVisible(ctx context.Context) (bool, error) {
	ctx, done, err := l.s.bind(ctx, "locator.is_visible")
	if err != nil {
		return false, err
	}
	defer done()
	visible, _, err := l.visibleNow(ctx)
	return visible, err
}

// IsHidden is the negation of IsVisible.
func (l *Locator) IsHidden(ctx context.Context) (bool, error) {
	visible, err := l.IsVisible(ctx)
	return !visible, err
}

func (l *Locator) visibleNow(ctx context.Context) (bool, string, error) {
	el, observed, err := l.single(ctx)
	if err != nil || el == nil {
		return false, observed, err
	}
	st, err := l.s.drv.State(ctx, el)
	if err != nil {
		return false, "", l.s.fail(err)
	}
	switch {
	case !st.Attached:
		return false, el.Describe() + " detached", nil
	case !st.Visible:
		return false, el.Describe() + " is hidden", nil
	}
	return true, el.Describe() + " is visible", nil
}
