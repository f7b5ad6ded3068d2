package proxy

import (
	"fmt"
	"path"
	"strings"
)

// Flag is either a fixed boolean or a predicate evaluated per request.
type Flag struct {
	fn func(Params) bool
	v  bool
}

// Static returns a Flag that always evaluates to v.
func Static(v bool) Flag { return Flag{v: v} }

// When returns a Flag backed by fn.
func When(fn func(Params) bool) Flag { return Flag{fn: fn} }

// Eval resolves the flag for p.
func (f Flag) Eval(p Params) bool {
	if f.fn != nil {
		return f.fn(p)
	}
	return f.v
}

// ParseFlag maps a configured predicate name onto a Flag. Known names are
// always, never, bot, html and bot-html.
func ParseFlag(name string) (Flag, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always", "true":
		return Static(true), nil
	case "never", "false":
		return Static(false), nil
	case "bot":
		return When(func(p Params) bool { return p.IsBot }), nil
	case "html":
		return When(targetLooksLikeHTML), nil
	case "bot-html":
		return When(func(p Params) bool { return p.IsBot && targetLooksLikeHTML(p) }), nil
	default:
		return Flag{}, fmt.Errorf("unknown predicate %q", name)
	}
}

// LooksLikeHTML reports whether a URL path ends in .html or has no
// extension at all.
func LooksLikeHTML(p string) bool {
	if strings.HasSuffix(p, ".html") {
		return true
	}
	return !strings.Contains(path.Base(p), ".")
}

func targetLooksLikeHTML(p Params) bool {
	if p.TargetURL == nil {
		return false
	}
	return LooksLikeHTML(p.TargetURL.Path)
}
