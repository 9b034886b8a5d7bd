package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"offramp/internal/config"
	"offramp/internal/hmacauth"
	"offramp/internal/idempotency"
	"offramp/internal/ledger"
	"offramp/internal/metrics"
	"offramp/internal/offramp"
)

const (
	idempotencyHeader = "X-Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
	maxBodyBytes      = 1 << 20
	maxInitiateBytes  = 16 << 10
)

// Orchestrator is the part of offramp.Service the HTTP layer drives.
type Orchestrator interface {
	Initiate(ctx context.Context, req offramp.ConversionRequest) (*offramp.Receipt, error)
	GetStatus(ctx context.Context, transactionID string) (ledger.Record, error)
	History(ctx context.Context, transactionID string) ([]ledger.Event, error)
	Confirm(ctx context.Context, c offramp.Confirmation) (ledger.Record, error)
}

type Deps struct {
	Service     Orchestrator
	Idempotency idempotency.Store
	Metrics     *metrics.Registry
	Logger      *zap.Logger
	QueueDepth  func() (int, error)
	Health      []HealthCheck
}

type Server struct {
	cfg          config.ServiceConfig
	svc          Orchestrator
	store        idempotency.Store
	callbackAuth *hmacauth.Verifier
	httpServer   *http.Server
	router       chi.Router
	metrics      *metrics.Registry
	logger       *zap.Logger
	health       []HealthCheck
	queueDepthFn func() (int, error)
}

func NewServer(cfg config.ServiceConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = 24 * time.Hour
	}

	s := &Server{
		cfg:   cfg,
		svc:   deps.Service,
		store: deps.Idempotency,
		callbackAuth: &hmacauth.Verifier{
			Secret:   cfg.CallbackSecret,
			Resource: func(r *http.Request) string { return chi.URLParam(r, "id") },
			Logger:   logger,
		},
		metrics:      deps.Metrics,
		logger:       logger,
		health:       deps.Health,
		queueDepthFn: deps.QueueDepth,
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", idempotencyHeader},
		ExposedHeaders:   []string{replayedHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", deps.Metrics.Handler())

	r.Post("/offramp", s.handleInitiate)
	r.Get("/offramp", s.handleStatus)
	r.Get("/offramp/{id}/events", s.handleEvents)
	r.With(s.callbackAuth.Middleware).Post("/offramp/callbacks/mpesa/{id}", s.handleMpesaCallback)

	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
