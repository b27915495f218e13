// Package app wires configuration, storage, the routing core and the HTTP
// surface into one runnable server.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/oslerlabs/medrouter/internal/auth"
	"github.com/oslerlabs/medrouter/internal/blob"
	"github.com/oslerlabs/medrouter/internal/credential"
	"github.com/oslerlabs/medrouter/internal/features"
	"github.com/oslerlabs/medrouter/internal/health"
	"github.com/oslerlabs/medrouter/internal/httpapi"
	"github.com/oslerlabs/medrouter/internal/ingest"
	"github.com/oslerlabs/medrouter/internal/logging"
	"github.com/oslerlabs/medrouter/internal/maintenance"
	"github.com/oslerlabs/medrouter/internal/metrics"
	"github.com/oslerlabs/medrouter/internal/notify"
	"github.com/oslerlabs/medrouter/internal/provider"
	"github.com/oslerlabs/medrouter/internal/quota"
	"github.com/oslerlabs/medrouter/internal/rag"
	"github.com/oslerlabs/medrouter/internal/ratelimit"
	"github.com/oslerlabs/medrouter/internal/router"
	"github.com/oslerlabs/medrouter/internal/secrets"
	"github.com/oslerlabs/medrouter/internal/store"
	"github.com/oslerlabs/medrouter/internal/tracing"
)

type Server struct {
	cfg Config

	r       *chi.Mux
	httpd   *http.Server
	logger  *slog.Logger
	started bool

	store      store.Store
	dispatcher *notify.Dispatcher
	monitor    *health.Monitor
	pipeline   *ingest.Pipeline
	limiter    *ratelimit.Limiter

	traceShutdown func(context.Context) error
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	traceShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
	})
	if err != nil {
		return nil, err
	}

	db, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("path", cfg.DBPath))

	cipher, err := secrets.NewCipher(cfg.EncryptionSecret)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	m := metrics.New()
	bus := notify.NewBus()
	sinks := []notify.Sink{&notify.LogSink{Logger: logger}}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, &notify.WebhookSink{URL: cfg.WebhookURL})
	}
	if cfg.SMTPAddr != "" {
		sinks = append(sinks, &notify.EmailSink{Addr: cfg.SMTPAddr, From: cfg.SMTPFrom, To: cfg.SMTPTo})
	}
	dispatcher := notify.NewDispatcher(bus, logger, sinks...)

	models, err := provider.LoadModelTable(cfg.ModelsPath)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	gateway := provider.NewGateway(cfg.GatewayBaseURL, models,
		provider.WithTimeout(time.Duration(cfg.ProviderTimeoutSecs)*time.Second))

	creds := credential.NewManager(db, cipher, bus, m, logger)
	maint := maintenance.NewController(db, bus, m, logger)
	engine := router.NewEngine(db, creds, cipher, gateway, maint, bus, m, logger)

	blobs, err := blob.NewStore(cfg.BlobDir)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	pipeline := ingest.NewPipeline(ingest.Config{
		Workers:   cfg.IngestWorkers,
		QueueSize: cfg.IngestQueueSize,
	}, db, blobs, engine, m, logger)

	monitor := health.NewMonitor(health.Config{
		Interval:     time.Duration(cfg.HealthIntervalSecs) * time.Second,
		ProbeTimeout: time.Duration(cfg.ProbeTimeoutSecs) * time.Second,
	}, db, creds, maint, gateway, logger)

	limiter := ratelimit.New(cfg.RateLimitPerMin, cfg.RateLimitBurst, time.Minute)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracing.Middleware())
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Store:     db,
		Auth:      auth.NewService(db, cfg.SuperAdminEmail),
		Engine:    engine,
		Creds:     creds,
		Quota:     quota.NewChecker(db, m, logger),
		Gate:      features.NewGate(db, logger),
		Maint:     maint,
		Monitor:   monitor,
		Pipeline:  pipeline,
		Blobs:     blobs,
		Search:    rag.NewSearcher(db, engine, logger),
		Cipher:    cipher,
		Metrics:   m,
		Logger:    logger,
		RateLimit: limiter,
	})

	return &Server{
		cfg:           cfg,
		r:             r,
		logger:        logger,
		store:         db,
		dispatcher:    dispatcher,
		monitor:       monitor,
		pipeline:      pipeline,
		limiter:       limiter,
		traceShutdown: traceShutdown,
	}, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Start launches the background workers and the HTTP listener. Blocks until
// the listener exits.
func (s *Server) Start() error {
	s.started = true
	s.dispatcher.Start()
	s.pipeline.Start(0)
	if s.cfg.HealthProbesEnabled {
		s.monitor.Start()
	}

	s.httpd = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("listening", slog.String("addr", s.cfg.ListenAddr))
	if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener and the background workers in dependency order
// and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.httpd != nil {
		if err := s.httpd.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.started {
		if s.cfg.HealthProbesEnabled {
			s.monitor.Stop()
		}
		s.pipeline.Stop()
		s.dispatcher.Stop()
	}
	s.limiter.Stop()
	if err := s.traceShutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
