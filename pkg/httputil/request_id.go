package httputil

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/cwrk-planet/watch-party/pkg/logger"
)

const HeaderRequestID = "X-Request-ID"

// maxRequestIDLen caps client-supplied ids before they reach logs.
const maxRequestIDLen = 128

type reqIDKey struct{}

// MiddlewareRequestID forwards the caller's X-Request-ID or mints one. The
// id is echoed on the response and tagged on every log line written with
// logger.Ctx for the request.
func MiddlewareRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(HeaderRequestID)
		if !validRequestID(reqID) {
			reqID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, reqID)

		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), reqID)))
	})
}

func validRequestID(s string) bool {
	if s == "" || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if c := s[i]; c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

func WithRequestID(ctx context.Context, reqID string) context.Context {
	ctx = context.WithValue(ctx, reqIDKey{}, reqID)
	return logger.WithAttrs(ctx, slog.String("req_id", reqID))
}

func FromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(reqIDKey{}).(string)
	return v, ok
}
