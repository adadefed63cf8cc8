package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	apierrors "github.com/narvanalabs/buildstream/internal/api/errors"
	"github.com/narvanalabs/buildstream/pkg/logger"
)

// Recovery returns a middleware that recovers from panics and logs the error.
func Recovery(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					requestID := middleware.GetReqID(r.Context())

					entry := apierrors.NewErrorLogEntry(
						requestID,
						apierrors.CodeInternalError,
						"panic recovered",
					)

					log.Error("panic recovered",
						"error", rec,
						"correlation_id", entry.CorrelationID,
						"error_code", entry.ErrorCode,
						"stack_trace", entry.StackTrace,
						"method", r.Method,
						"path", r.URL.Path,
					)

					err := apierrors.NewInternalError("An unexpected error occurred").WithRequestID(requestID)
					apierrors.WriteError(w, err)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
