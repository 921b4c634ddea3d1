package httpmw

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// HeaderName names the member a request is made for.
const HeaderName = "X-Party-Name"

type HeartbeatToucher interface {
	TouchHeartbeat(ctx context.Context, roomID, name string) error
}

// HeartbeatMiddleware refreshes last_seen for the named member when the
// route carries a {roomId}. Failures never fail the request.
func HeartbeatMiddleware(members HeartbeatToucher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)

			name := strings.TrimSpace(r.Header.Get(HeaderName))
			roomID := chi.URLParam(r, "roomId")
			if name != "" && roomID != "" {
				_ = members.TouchHeartbeat(r.Context(), roomID, name)
			}
		})
	}
}
