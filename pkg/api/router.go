package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RouterOptions lists the non-API endpoints mounted next to the channel API.
// Nil handlers are not mounted.
type RouterOptions struct {
	GatewayPath string
	Gateway     http.Handler

	MetricsPath string
	Metrics     http.Handler

	Health http.Handler
	Ready  http.Handler

	// Middleware wraps every route, outermost first
	Middleware []mux.MiddlewareFunc
}

// NewRouter builds the process router
func NewRouter(h *Handler, opts RouterOptions) *mux.Router {
	router := mux.NewRouter()

	for _, mw := range opts.Middleware {
		router.Use(mw)
	}

	SetupRoutes(router, h)

	if opts.Gateway != nil {
		path := opts.GatewayPath
		if path == "" {
			path = "/ws"
		}
		router.Handle(path, opts.Gateway).Methods(http.MethodGet)
	}
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, opts.Metrics).Methods(http.MethodGet)
	}
	if opts.Health != nil {
		router.Handle("/health", opts.Health).Methods(http.MethodGet)
	}
	if opts.Ready != nil {
		router.Handle("/ready", opts.Ready).Methods(http.MethodGet)
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return router
}
