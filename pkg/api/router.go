package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/reelmix/reelmix/pkg/auth"
	"github.com/reelmix/reelmix/pkg/metrics"
	"github.com/reelmix/reelmix/pkg/ratelimit"
	"github.com/reelmix/reelmix/pkg/tracing"
)

// RouterOptions selects the middleware wrapped around the API. Nil fields
// disable the corresponding layer.
type RouterOptions struct {
	Auth    *auth.Authenticator
	Limiter *ratelimit.Limiter
	Metrics *metrics.Metrics
	Tracing *tracing.Provider
}

// publicPaths are served without an API key
var publicPaths = []string{"/health"}

// NewRouter registers the handler's routes behind tracing, metrics,
// authentication and rate limiting, in that order.
func NewRouter(h *Handler, opts RouterOptions) *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "route not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
	})

	if opts.Tracing != nil {
		r.Use(tracing.HTTPMiddleware(opts.Tracing))
	}
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	if opts.Auth != nil {
		r.Use(opts.Auth.Middleware(publicPaths...))
	}
	if opts.Limiter != nil {
		r.Use(opts.Limiter.Middleware(ratelimit.APIKeyFunc))
	}
	return r
}
