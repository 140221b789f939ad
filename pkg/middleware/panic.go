package middleware

import (
	"net/http"

	"github.com/bitechdev/channelhub/pkg/logger"
	"github.com/bitechdev/channelhub/pkg/metrics"
)

const panicMiddlewareMethodName = "PanicMiddleware"

// PanicRecovery recovers from handler panics, reports them to the logger,
// error tracker and metrics, and answers 500
func PanicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rcv := recover(); rcv != nil {
				metrics.GetProvider().RecordPanic(panicMiddlewareMethodName)
				_ = logger.HandlePanic(r.Context(), panicMiddlewareMethodName, rcv)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal_error","message":"Internal server error"}`))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
