package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"heartcards/internal/http/handlers"
	"heartcards/internal/middleware"
)

// RouterOptions carries the settings the router needs beyond the handlers.
type RouterOptions struct {
	JWTSecret       string
	AllowedOrigins  []string
	RateLimitPerMin int
	StaticDir       string
	Logger          zerolog.Logger
}

func NewRouter(app *handlers.App, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/readyz", app.Ready)

	// Provider callbacks authenticate by signature, not JWT.
	r.Post("/v1/webhooks/assembly", app.AssemblyWebhook)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(opts.JWTSecret))
		r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))

		r.Route("/v1/cards", func(r chi.Router) {
			r.Post("/", app.CreateCard)
			r.Get("/{request_id}", app.CardStatus)
			r.Post("/{request_id}/cancel", app.CancelCard)
		})
		r.Get("/v1/me/cards", app.CardCounters)
	})

	if opts.StaticDir != "" {
		fs := http.StripPrefix("/static/", http.FileServer(http.Dir(opts.StaticDir)))
		r.Handle("/static/*", fs)
	}

	return r
}
