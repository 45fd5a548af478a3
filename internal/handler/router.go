package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"assetvault/internal/auth"
	"assetvault/internal/logger"
	"assetvault/internal/queue"
)

type RouterDeps struct {
	Assets  *AssetHandler
	Dumps   *DumpHandler
	Health  *HealthHandler
	Auth    *auth.Verifier
	Limiter *queue.RateLimiter
	Timeout time.Duration
	Log     *logger.Logger
}

// NewRouter собирает HTTP-маршруты сервиса.
func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Metrics())
	r.Use(RequestLogger(d.Log))
	r.Use(middleware.Recoverer)
	if d.Timeout > 0 {
		r.Use(middleware.Timeout(d.Timeout))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition", "ETag", "X-Asset-Version", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// лимит на маршрут, без ограничителя пропускаем
	limit := func(route string) func(http.Handler) http.Handler {
		if d.Limiter == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return d.Limiter.Middleware(route)
	}

	r.Get("/health/live", d.Health.Live)
	r.Get("/health/ready", d.Health.Ready)
	r.Get("/metrics", d.Health.Metrics)

	r.With(limit("files.public")).Get("/files/{namespace}/*", d.Assets.Public)

	r.Route("/v1", func(r chi.Router) {
		r.Use(RequireAuth(d.Auth, d.Log))

		r.Route("/assets", func(r chi.Router) {
			r.With(limit("assets.list")).Get("/", d.Assets.List)
			r.With(limit("assets.create")).Post("/", d.Assets.Create)
			r.With(limit("assets.create_many")).Post("/batch", d.Assets.CreateMany)
			r.With(limit("assets.delete_many")).Delete("/", d.Assets.DeleteMany)

			r.Route("/{uuid}", func(r chi.Router) {
				r.With(limit("assets.get")).Get("/", d.Assets.Get)
				r.With(limit("assets.update")).Put("/", d.Assets.Update)
				r.With(limit("assets.delete")).Delete("/", d.Assets.Delete)
				r.With(limit("assets.content")).Get("/content", d.Assets.Content)
			})
		})

		r.Route("/dumps", func(r chi.Router) {
			r.With(limit("dumps.get")).Get("/", d.Dumps.Get)
			r.With(limit("dumps.create")).Post("/", d.Dumps.Create)
			r.With(limit("dumps.restore")).Post("/restore", d.Dumps.Restore)
		})
	})

	return r
}
