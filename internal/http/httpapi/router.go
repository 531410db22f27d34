package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/http/handlers"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/middleware"
)

// Options tunes the cross-cutting middleware.
type Options struct {
	CORSOrigins []string
	// SubmitsPerMinute caps package submissions per client; zero disables.
	SubmitsPerMinute int
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(*app.Logger),
		middleware.CORS(opts.CORSOrigins),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/generation/queue", app.GenerationQueue)

	r.Route("/v1/packages", func(r chi.Router) {
		r.With(middleware.RateLimit(opts.SubmitsPerMinute, time.Minute)).Post("/", app.CreatePackage)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", app.GetPackage)
			r.Get("/progress", app.PackageProgress)
			r.Get("/events", app.PackageEvents)
			r.Get("/manifest", app.PackageManifest)
			r.Post("/cancel", app.CancelPackage)
		})
	})

	return r
}
