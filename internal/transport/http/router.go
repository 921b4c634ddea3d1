package http

import (
	"net/http"
	"time"

	httpmw "github.com/cwrk-planet/watch-party/internal/transport/http/middleware"
	"github.com/cwrk-planet/watch-party/pkg/httputil"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type RouterOptions struct {
	// WS serves /ws/rooms/{id}; nil leaves the route out.
	WS             http.HandlerFunc
	Heartbeat      httpmw.HeartbeatToucher
	RateLimit      func(http.Handler) http.Handler
	AllowedOrigins []string
	Timeout        time.Duration
}

func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}

	r := chi.NewRouter()
	r.Use(middlewareChi.RealIP)
	r.Use(middlewareChi.Recoverer)
	r.Use(httputil.MiddlewareRequestID)
	r.Use(httputil.MiddlewareLogging)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID", httpmw.HeaderName},
		ExposedHeaders: []string{httputil.HeaderRequestID},
		MaxAge:         300,
	}))

	if opts.WS != nil {
		r.Get("/ws/rooms/{id}", opts.WS)
	}

	r.Route("/api", func(api chi.Router) {
		if opts.RateLimit != nil {
			api.Use(opts.RateLimit)
		}
		if opts.Heartbeat != nil {
			api.Use(httpmw.HeartbeatMiddleware(opts.Heartbeat))
		}

		// Processing blocks until the renditions are stored.
		api.Post("/movieupload/process", h.ProcessMovie)

		api.Group(func(g chi.Router) {
			g.Use(middlewareChi.Timeout(opts.Timeout))

			g.Post("/createroom", h.CreateRoom)
			g.Get("/verifyroom/{roomId}", h.VerifyRoom)
			g.Put("/joinroom/{roomId}", h.JoinRoom)

			g.Get("/upload-url", h.UploadURL)
			g.Post("/movieupload/delete", h.DeleteMovie)
			g.Get("/movieupload/{roomId}", h.MovieStatus)

			g.Route("/rooms/{roomId}", func(rr chi.Router) {
				rr.Post("/leave", h.LeaveRoom)
				rr.Get("/participants", h.GetParticipants)
				rr.Get("/chat", h.GetChatHistory)
			})
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.OK(w, map[string]string{"status": "ok"})
	})

	return r
}
