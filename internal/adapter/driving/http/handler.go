package http

import (
	"net/http"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type Options struct {
	StaticDir       string
	DeliveryTimeout time.Duration
	WriteTimeout    time.Duration
	// RateLimit caps inbound frames per second on one websocket.
	RateLimit rate.Limit
	RateBurst int
	InboxSize int
	Metrics   http.Handler
}

func (o Options) withDefaults() Options {
	if o.StaticDir == "" {
		o.StaticDir = "./static"
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.RateLimit <= 0 {
		o.RateLimit = rate.Inf
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 1
	}
	return o
}

type Handler struct {
	Calls *service.CallService
	Hub   *ws.Hub
	opts  Options
}

func NewHandler(calls *service.CallService, hub *ws.Hub, opts Options) *Handler {
	return &Handler{
		Calls: calls,
		Hub:   hub,
		opts:  opts.withDefaults(),
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	if h.opts.Metrics != nil {
		r.Handle("/metrics", h.opts.Metrics)
	}

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/participants", h.Join)
			r.Route("/participants/{participantID}", func(r chi.Router) {
				r.Delete("/", h.Leave)
				r.Post("/offer", h.Offer)
				r.Post("/answer", h.Answer)
				r.Post("/candidates", h.Candidate)
				r.Patch("/media", h.Media)
			})
		})
	})

	r.Get("/ws", h.ServeWS)
	r.Get("/*", h.ServeStatic)

	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.Calls.ActiveSessions(),
		"clients":  h.Hub.Len(),
	})
}
