// Package rewrite maps /…/index.md and /…/index.txt alternate paths onto the
// canonical route with an explicit format parameter.
package rewrite

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

var suffixes = map[string]string{
	"index.md":  "md",
	"index.txt": "txt",
}

type rewrittenKey struct{}

// Rewritten reports whether the request already passed through the rewriter.
func Rewritten(ctx context.Context) bool {
	v, _ := ctx.Value(rewrittenKey{}).(bool)
	return v
}

// Rewriter strips format suffixes from request paths.
type Rewriter struct {
	enabled bool
	param   string
	logger  *zap.Logger
}

// New creates a Rewriter. With plain permalinks there is no path routing to
// rewrite, so the rewriter stays inert and only the format parameter applies.
func New(plainPermalinks bool, param string, logger *zap.Logger) *Rewriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rewriter{enabled: !plainPermalinks, param: param, logger: logger}
}

// Middleware rewrites matching requests before handing them to next.
func (rw *Rewriter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rw.enabled || Rewritten(r.Context()) {
			next.ServeHTTP(w, r)
			return
		}
		clean, format, ok := Split(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		r2 := r.Clone(context.WithValue(r.Context(), rewrittenKey{}, true))
		r2.URL.Path = clean
		r2.URL.RawPath = ""
		q := r2.URL.Query()
		q.Set(rw.param, format)
		r2.URL.RawQuery = q.Encode()
		r2.RequestURI = r2.URL.RequestURI()

		rw.logger.Debug("rewrote format suffix",
			zap.String("from", r.URL.Path),
			zap.String("to", clean),
			zap.String("format", format),
		)
		next.ServeHTTP(w, r2)
	})
}

// Split returns the canonical path and format for a path ending in index.md or
// index.txt. The canonical path always ends with a slash.
func Split(path string) (string, string, bool) {
	slash := strings.LastIndex(path, "/")
	format, ok := suffixes[path[slash+1:]]
	if !ok {
		return path, "", false
	}
	return path[:slash+1], format, true
}
