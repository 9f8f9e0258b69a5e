package sim

import (
	"strconv"
	"strings"
)

type viewport struct {
	width, height int
}

// mediaMatches reports whether every enclosing @media prelude holds.
func mediaMatches(preludes []string, vp viewport) bool {
	for _, p := range preludes {
		if !mediaQueryList(p, vp) {
			return false
		}
	}
	return true
}

// mediaQueryList evaluates a comma-separated list of media queries; the
// list holds when any query does.
func mediaQueryList(list string, vp viewport) bool {
	for _, q := range strings.Split(list, ",") {
		if mediaQuery(strings.ToLower(strings.TrimSpace(q)), vp) {
			return true
		}
	}
	return false
}

func mediaQuery(q string, vp viewport) bool {
	if q == "" {
		return true
	}
	negate := false
	if rest, ok := strings.CutPrefix(q, "not "); ok {
		negate, q = true, rest
	}
	q = strings.TrimPrefix(q, "only ")

	result := true
	for _, part := range strings.Split(q, " and ") {
		part = strings.TrimSpace(part)
		switch {
		case part == "" || part == "all" || part == "screen":
		case part == "print" || part == "speech":
			result = false
		case strings.HasPrefix(part, "(") && strings.HasSuffix(part, ")"):
			if !mediaFeature(strings.TrimSpace(part[1:len(part)-1]), vp) {
				result = false
			}
		default:
			result = false
		}
	}
	if negate {
		return !result
	}
	return result
}

func mediaFeature(feature string, vp viewport) bool {
	name, value, hasValue := strings.Cut(feature, ":")
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)

	if name == "orientation" {
		landscape := vp.width > vp.height
		return (value == "landscape") == landscape
	}
	if !hasValue {
		return name == "width" || name == "height" || name == "hover" || name == "pointer"
	}

	px, ok := parseLength(value)
	switch name {
	case "min-width":
		return ok && float64(vp.width) >= px
	case "max-width":
		return ok && float64(vp.width) <= px
	case "width":
		return ok && float64(vp.width) == px
	case "min-height":
		return ok && float64(vp.height) >= px
	case "max-height":
		return ok && float64(vp.height) <= px
	case "height":
		return ok && float64(vp.height) == px
	case "hover":
		return value == "hover"
	case "pointer":
		return value == "fine"
	case "prefers-reduced-motion":
		return value == "no-preference"
	case "prefers-color-scheme":
		return value == "light"
	}
	return false
}

// parseLength converts px/em/rem lengths to pixels with a 16px root font.
func parseLength(v string) (float64, bool) {
	unit := 1.0
	switch {
	case strings.HasSuffix(v, "rem"):
		v, unit = strings.TrimSuffix(v, "rem"), 16
	case strings.HasSuffix(v, "em"):
		v, unit = strings.TrimSuffix(v, "em"), 16
	case strings.HasSuffix(v, "px"):
		v = strings.TrimSuffix(v, "px")
	case v == "0":
	default:
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return f * unit, true
}
