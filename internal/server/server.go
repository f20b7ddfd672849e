// Package server provides the HTTP API for the market data cache.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/quantdb/quantdb/internal/database"
	"github.com/quantdb/quantdb/internal/monitor"
	"github.com/quantdb/quantdb/internal/repository"
	"github.com/quantdb/quantdb/internal/service"
)

// Facade is the slice of the cache service the HTTP layer maps onto.
type Facade interface {
	GetDailyBars(ctx context.Context, rawSymbol, start, end, adjust string) (service.BarsResult, error)
	GetIndexBars(ctx context.Context, rawSymbol, start, end, period string) (service.IndexBarsResult, error)
	GetRealtime(ctx context.Context, rawSymbol string) (service.SnapshotResult, error)
	GetRealtimeBatch(ctx context.Context, rawSymbols []string) (service.BatchResult, error)
	GetAssetInfo(ctx context.Context, rawSymbol string, forceRefresh bool) (service.AssetResult, error)
	GetFinancialSummary(ctx context.Context, rawSymbol string) (service.FinancialResult, error)
	GetFinancialIndicators(ctx context.Context, rawSymbol string) (service.FinancialResult, error)
	CacheStats(ctx context.Context) (service.CacheStatsResult, error)
	ClearCache(ctx context.Context, scope, rawSymbol string) (service.ClearResult, error)
}

// Config holds server configuration.
type Config struct {
	Port    int
	DevMode bool
}

// Deps are the server's collaborators.
type Deps struct {
	Facade     Facade
	Hub        *monitor.Hub
	DB         *database.DB
	RequestLog *repository.RequestLogRepository
}

// Server is the HTTP server.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	deps    Deps
	started time.Time
}

// New creates the HTTP server with routing and middleware configured.
func New(cfg Config, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		log:     log.With().Str("component", "server").Logger(),
		deps:    deps,
		started: time.Now(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	// The monitor stream hijacks its connection, so the write timeout
	// only governs plain request/response routes.
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		// The stream holds its connection open, so it stays outside the
		// request timeout group.
		r.Get("/monitor/stream", s.handleMonitorStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Route("/stocks/{symbol}", func(r chi.Router) {
				r.Get("/daily", s.handleDailyBars)
				r.Get("/realtime", s.handleRealtime)
				r.Get("/info", s.handleAssetInfo)
				r.Get("/financial/summary", s.handleFinancialSummary)
				r.Get("/financial/indicators", s.handleFinancialIndicators)
			})
			r.Post("/realtime/batch", s.handleRealtimeBatch)

			r.Get("/indexes/{symbol}/daily", s.handleIndexBars)

			r.Get("/cache/stats", s.handleCacheStats)
			r.Delete("/cache", s.handleClearCache)

			r.Get("/monitor/requests", s.handleRecentRequests)
			r.Get("/system/status", s.handleSystemStatus)
		})
	})
}

// requestLogger assigns the request ID and logs the request line. The
// same ID flows into the facade so response envelopes and the request
// log agree.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(service.WithRequestID(r.Context(), id)))

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", id).
			Msg("HTTP request")
	})
}

// Start begins listening. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
