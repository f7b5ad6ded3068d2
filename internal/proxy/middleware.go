package proxy

import (
	"context"
	"strings"
)

// ReqMiddleware rewrites the parameters of a single strategy attempt.
type ReqMiddleware func(ctx context.Context, p Params) (Params, error)

// ResMiddleware post-processes the final result of a chain run.
type ResMiddleware func(ctx context.Context, p Params, r Result) (Result, error)

// RewriteConfig controls the built-in request rewrite.
type RewriteConfig struct {
	StripQuery        bool
	TrimTrailingSlash bool
}

// Rewrite returns a ReqMiddleware that normalizes the target URL, or nil when
// nothing is enabled.
func Rewrite(cfg RewriteConfig) ReqMiddleware {
	if !cfg.StripQuery && !cfg.TrimTrailingSlash {
		return nil
	}
	return func(_ context.Context, p Params) (Params, error) {
		if p.TargetURL == nil {
			return p, nil
		}
		if cfg.StripQuery {
			p.TargetURL.RawQuery = ""
			p.TargetURL.ForceQuery = false
		}
		if cfg.TrimTrailingSlash && len(p.TargetURL.Path) > 1 && strings.HasSuffix(p.TargetURL.Path, "/") {
			p.TargetURL.Path = strings.TrimRight(p.TargetURL.Path, "/")
			if p.TargetURL.Path == "" {
				p.TargetURL.Path = "/"
			}
			p.TargetURL.RawPath = ""
		}
		return p, nil
	}
}
