// Package server provides the HTTP server of the sync service.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/devrev/opsync/internal/auth"
	"github.com/devrev/opsync/internal/config"
	syncerrors "github.com/devrev/opsync/internal/errors"
	"github.com/devrev/opsync/internal/handler"
	"github.com/devrev/opsync/internal/health"
	"github.com/devrev/opsync/internal/metrics"
	"github.com/devrev/opsync/internal/middleware"
	"github.com/devrev/opsync/internal/service"
	"github.com/devrev/opsync/internal/store"
	"github.com/devrev/opsync/internal/validation"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxUploadBody = 64 << 20

// Dependencies are the stores the server runs on
type Dependencies struct {
	Ops         store.OpStore
	Users       store.UserStore
	Idempotency store.IdempotencyStore
	// TokenVersionCache caches user token versions; nil disables caching
	TokenVersionCache store.Cache
}

// Server represents the HTTP server.
type Server struct {
	router        *mux.Router
	httpServer    *http.Server
	handlers      *handler.Handlers
	authenticator *auth.Authenticator
	healthCheck   *health.HealthCheck
	errorHandler  *syncerrors.Handler
	metrics       *metrics.Metrics
	logger        *zap.Logger
	cfg           *config.ServerConfig
}

// NewServer wires the sync service onto a router.
func NewServer(cfg *config.ServerConfig, deps Dependencies, logger *zap.Logger) *Server {
	router := mux.NewRouter()
	errorHandler := syncerrors.NewHandler(logger)
	m := metrics.NewMetrics()

	authenticator := auth.NewAuthenticator(
		auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		deps.Users,
		deps.TokenVersionCache,
		cfg.Auth.VersionCacheTTL,
		logger,
	)

	var idempotency *service.IdempotencyService
	if deps.Idempotency != nil {
		idempotency = service.NewIdempotencyService(deps.Idempotency, cfg.Redis.IdempotencyTTL, logger)
	}
	syncService := service.NewSyncService(deps.Ops, idempotency, authenticator, m, cfg.Sync.MaxOpsPerDownload, logger)
	validator := validation.NewValidatorWithLimits(cfg.Sync.MaxOpsPerUpload, cfg.Sync.MaxPayloadBytes)

	probes := map[string]health.Pinger{
		"op_store":   deps.Ops,
		"user_store": deps.Users,
	}
	if deps.Idempotency != nil {
		probes["idempotency_store"] = deps.Idempotency
	}

	return &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler:      router,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
			IdleTimeout:  cfg.HTTP.IdleTimeout,
		},
		handlers:      handler.NewHandlers(syncService, validator, errorHandler, m, logger),
		authenticator: authenticator,
		healthCheck:   health.NewHealthCheck(probes, 5*time.Second, logger, m.SetHealthStatus),
		errorHandler:  errorHandler,
		metrics:       m,
		logger:        logger,
		cfg:           cfg,
	}
}

// SetupRoutes configures all HTTP routes. Only the /sync routes roll the
// bearer token on success.
func (s *Server) SetupRoutes() {
	chain := middleware.Chain(
		middleware.Recovery(s.errorHandler, s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		metrics.Middleware(s.metrics),
		middleware.CORS(s.cfg.HTTP.AllowedOrigins),
	)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	authenticated := []mux.MiddlewareFunc{
		middleware.Timeout(s.cfg.HTTP.RequestTimeout),
		middleware.MaxBody(maxUploadBody),
	}
	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.BurstSize,
			s.errorHandler,
			s.logger,
		)
		authenticated = append([]mux.MiddlewareFunc{rateLimiter.Limit}, authenticated...)
	}
	authenticated = append(authenticated, s.authenticator.Middleware(s.errorHandler))

	syncRoutes := s.router.PathPrefix("/sync").Subrouter()
	syncRoutes.Use(authenticated...)
	syncRoutes.Use(auth.RefreshMiddleware(s.authenticator.Tokens(), s.logger, s.metrics.RecordTokenRefresh))
	syncRoutes.HandleFunc("/ops", s.handlers.UploadOps).Methods(http.MethodPost)
	syncRoutes.HandleFunc("/ops", s.handlers.DownloadOps).Methods(http.MethodGet)
	syncRoutes.HandleFunc("/status", s.handlers.Status).Methods(http.MethodGet)

	apiRoutes := s.router.PathPrefix("/api").Subrouter()
	apiRoutes.Use(authenticated...)
	apiRoutes.HandleFunc("/replace-token", s.handlers.ReplaceToken).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, syncerrors.ErrorCodeNotFound, "endpoint not found", r.Header.Get("X-Request-ID"))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, syncerrors.ErrorCodeInvalidRequest, "method not allowed", r.Header.Get("X-Request-ID"))
	})
}

// Authenticator exposes token issuing for bootstrap tooling.
func (s *Server) Authenticator() *auth.Authenticator {
	return s.authenticator
}

// HealthCheck returns the readiness prober.
func (s *Server) HealthCheck() *health.HealthCheck {
	return s.healthCheck
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.Int("port", s.cfg.HTTP.Port))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the http.Handler for the server.
func (s *Server) GetHandler() http.Handler {
	return s.router
}
