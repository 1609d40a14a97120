package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"payrails/internal/config"
	"payrails/internal/hmacauth"
	"payrails/internal/idempotency"
	"payrails/internal/payment"
	"payrails/internal/transaction"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Dependencies struct {
	Payments    *payment.Service
	Idempotency idempotency.Store
	Logger      *slog.Logger
	// Checks are probed by /api/v1/health, keyed by component name.
	Checks map[string]HealthCheck
}

type Server struct {
	payments   *payment.Service
	manager    *transaction.Manager
	logger     *slog.Logger
	metrics    *metricsRegistry
	hmac       *hmacauth.Verifier
	idem       *idempotency.Guard
	checks     map[string]HealthCheck
	handler    http.Handler
	httpServer *http.Server
	observerID transaction.CallbackID
}

func New(cfg config.ServiceConfig, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "http"))

	store := deps.Idempotency
	if store == nil {
		store = idempotency.NewMemoryStore()
	}

	s := &Server{
		payments: deps.Payments,
		manager:  deps.Payments.Manager(),
		logger:   logger,
		metrics:  newMetricsRegistry(),
		hmac: &hmacauth.Verifier{
			Secret:  cfg.HMACSecret,
			MaxSkew: cfg.HMACClockSkew,
			Logger:  logger,
		},
		idem: &idempotency.Guard{
			Store:  store,
			Window: cfg.IdempotencyWindow,
			Logger: logger,
		},
		checks: deps.Checks,
	}
	s.observerID = s.manager.OnStatusChange(s.metrics.observer(s.manager))

	s.handler = s.routes()
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	signed := api.NewRoute().Subrouter()
	signed.Use(s.hmac.Middleware)
	signed.Handle("/payments", s.idem.Middleware(http.HandlerFunc(s.handleCreatePayment))).Methods(http.MethodPost)
	signed.HandleFunc("/payments", s.handleListPayments).Methods(http.MethodGet)
	signed.HandleFunc("/payments", s.handleClearPayments).Methods(http.MethodDelete)
	signed.HandleFunc("/payments/{id}", s.handleGetPayment).Methods(http.MethodGet)
	signed.HandleFunc("/payments/{id}/progress", s.handleGetProgress).Methods(http.MethodGet)
	signed.HandleFunc("/payments/{id}/cancel", s.handleCancelPayment).Methods(http.MethodPost)
	signed.Handle("/payments/{id}/retry", s.idem.Middleware(http.HandlerFunc(s.handleRetryPayment))).Methods(http.MethodPost)
	signed.HandleFunc("/fees", s.handleFees).Methods(http.MethodGet)
	signed.HandleFunc("/statistics", s.handleStatistics).Methods(http.MethodGet)

	var h http.Handler = r
	h = handlers.CombinedLoggingHandler(slogWriter{s.logger}, h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.logger}))(h)
	return requestIDMiddleware(h)
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.manager.RemoveStatusChangeCallback(s.observerID)
	return s.httpServer.Shutdown(ctx)
}

// RefreshGauges recomputes the status and problematic gauges.
func (s *Server) RefreshGauges() transaction.Statistics {
	stats := s.manager.GetStatistics()
	s.metrics.refresh(stats)
	return stats
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// slogWriter turns access log lines from gorilla/handlers into slog records.
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("recovered from handler panic", "panic", strings.TrimSpace(fmt.Sprintln(v...)))
}
