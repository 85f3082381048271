/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     zap request log (method, path, status, duration)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Timeout:    Request-scoped deadline passed down to storage
  6. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /health, /ready               Liveness and readiness
  /metrics                      Prometheus scrape endpoint
  /api/agent-accounts/*         Agent ledger
  /api/vendor-accounts/*        Vendor ledger
  /api/office-accounts/*        Office / bank ledger
  /api/entry-counts/*           Entry counters and global sequence
  /api/archives                 Snapshots of deleted entries

SECURITY NOTE:
  No authentication middleware. The X-Actor header is trusted as-is and
  only used for attribution.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/warp/agency-ledger/ledger"
)

// RouterOptions tunes NewRouter. Zero values are usable.
type RouterOptions struct {
	RequestTimeout time.Duration
	AllowedOrigins []string
	// Metrics serves /metrics; defaults to promhttp.Handler().
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Handle("/metrics", opts.Metrics)

	r.Route("/api", func(r chi.Router) {
		// One route group per ledger kind, same handlers.
		for _, kind := range ledger.Kinds {
			r.Route("/"+kind.Route(), func(r chi.Router) {
				r.Use(withKind(kind))
				r.Get("/", h.ListEntries)
				r.Post("/", h.CreateEntry)
				r.Get("/accounts", h.ListAccounts)
				r.Post("/recompute", h.Recompute)
				r.Get("/{id}", h.GetEntry)
				r.Put("/{id}", h.UpdateEntry)
				r.Delete("/{id}", h.DeleteEntry)
			})
		}

		r.Route("/entry-counts", func(r chi.Router) {
			r.Get("/", h.ListEntryCounts)
			r.Post("/increment", h.IncrementEntryCount)
			r.Get("/{formType}", h.GetEntryCount)
		})

		r.Get("/archives", h.ListArchives)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, ledger.Result{
			Status: ledger.StatusError,
			Code:   http.StatusNotFound,
			Errors: []string{"route not found"},
		})
	})

	return r
}

// RequestLogger logs one line per request with zap.
func RequestLogger(log *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr))
		})
	}
}
