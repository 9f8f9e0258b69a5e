package route

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kuitang/pagecheck/internal/driver"
)

// Pattern decides which requests an interceptor sees. The zero Pattern
// matches nothing.
type Pattern struct {
	desc    string
	match   func(driver.Request) bool
	methods map[string]struct{}
}

// Glob matches the full request URL against a URL glob:
//
//	**   any characters, including '/'
//	*    any characters except '/'
//	{a,b} either alternative
//	\x   literal x
//
// Every other character, '?' included, is literal. A "**/" at the start of
// the glob or after a '/' also matches nothing, so "**/posts/*" matches
// both "http://h/posts/1" and "posts/1".
func Glob(glob string) Pattern {
	re := regexp.MustCompile(GlobToRegexp(glob))
	return Pattern{
		desc:  "glob " + glob,
		match: func(r driver.Request) bool { return re.MatchString(r.URL) },
	}
}

// Regexp matches when re finds a match anywhere in the request URL.
func Regexp(re *regexp.Regexp) Pattern {
	return Pattern{
		desc:  "regexp " + re.String(),
		match: func(r driver.Request) bool { return re.MatchString(r.URL) },
	}
}

// Func matches when fn returns true.
func Func(fn func(driver.Request) bool) Pattern {
	return Pattern{desc: "func", match: fn}
}

// Methods narrows p to the given HTTP methods. Matching is case-insensitive.
func (p Pattern) Methods(methods ...string) Pattern {
	out := p
	out.methods = make(map[string]struct{}, len(methods))
	for _, m := range methods {
		out.methods[strings.ToUpper(m)] = struct{}{}
	}
	return out
}

// Match reports whether req falls inside the pattern.
func (p Pattern) Match(req driver.Request) bool {
	if p.match == nil {
		return false
	}
	if len(p.methods) > 0 {
		method := strings.ToUpper(req.Method)
		if method == "" {
			method = "GET"
		}
		if _, ok := p.methods[method]; !ok {
			return false
		}
	}
	return p.match(req)
}

func (p Pattern) String() string {
	if len(p.methods) == 0 {
		return p.desc
	}
	methods := make([]string, 0, len(p.methods))
	for m := range p.methods {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return fmt.Sprintf("%s [%s]", p.desc, strings.Join(methods, ","))
}

// GlobToRegexp converts a URL glob to an anchored regular expression.
func GlobToRegexp(glob string) string {
	var b strings.Builder
	b.WriteByte('^')
	inGroup := false
	for i := 0; i < len(glob); i++ {
		ch := glob[i]
		switch ch {
		case '\\':
			if i+1 < len(glob) {
				i++
				b.WriteString(regexp.QuoteMeta(glob[i : i+1]))
			} else {
				b.WriteString(`\\`)
			}
		case '*':
			stars := 1
			for i+1 < len(glob) && glob[i+1] == '*' {
				stars++
				i++
			}
			atBoundary := i+1-stars == 0 || glob[i-stars] == '/'
			switch {
			case stars > 1 && atBoundary && i+1 < len(glob) && glob[i+1] == '/':
				b.WriteString(`(?:.*/)?`)
				i++
			case stars > 1:
				b.WriteString(`.*`)
			default:
				b.WriteString(`[^/]*`)
			}
		case '{':
			inGroup = true
			b.WriteString(`(?:`)
		case '}':
			if inGroup {
				inGroup = false
				b.WriteByte(')')
			} else {
				b.WriteString(`\}`)
			}
		case ',':
			if inGroup {
				b.WriteByte('|')
			} else {
				b.WriteByte(',')
			}
		default:
			b.WriteString(regexp.QuoteMeta(glob[i : i+1]))
		}
	}
	if inGroup {
		b.WriteByte(')')
	}
	b.WriteByte('$')
	return b.String()
}
