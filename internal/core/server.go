package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"procodus.dev/fleet-core/internal/dispatch"
	"procodus.dev/fleet-core/internal/fanout"
	"procodus.dev/fleet-core/internal/ingest"
	"procodus.dev/fleet-core/internal/registry"
	"procodus.dev/fleet-core/internal/store"
	"procodus.dev/fleet-core/pkg/broker"
	"procodus.dev/fleet-core/pkg/logger"
	"procodus.dev/fleet-core/pkg/metrics"
)

const (
	// How long to wait for the broker at startup before failing fatally.
	startupGracePeriod = 60 * time.Second

	// Global bound on graceful shutdown.
	shutdownDeadline = 30 * time.Second

	metricsNamespace = "fleet_core"
)

// Server is the core service: it owns the lifecycle of every component and
// the HTTP listener for the push channel.
type Server struct {
	logger     *slog.Logger
	config     *Config
	db         *gorm.DB
	broker     broker.ClientInterface
	registry   *registry.Registry
	ingest     *ingest.Worker
	dispatcher *dispatch.Dispatcher
	hub        *fanout.Hub
	httpServer *http.Server
	sweepDone  chan struct{}
}

// NewServer creates a new Server instance.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.BrokerAddress == "" {
		return nil, errors.New("broker address cannot be empty")
	}
	if cfg.BrokerPort <= 0 {
		return nil, errors.New("broker port must be positive")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL cannot be empty")
	}
	if cfg.ListenAddr == "" {
		return nil, errors.New("listen address cannot be empty")
	}

	return &Server{
		logger:    cfg.Logger,
		config:    cfg,
		sweepDone: make(chan struct{}),
	}, nil
}

// Run starts every component and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting core service")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Database
	storeLogger := logger.ForComponent(s.logger, "store")
	db, err := store.NewDB(&store.DBConfig{
		Logger: storeLogger,
		URL:    s.config.DatabaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	st, err := store.NewStore(db, storeLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	// Broker, with the startup grace period: if the broker is unreachable
	// for the whole grace window the process exits non-zero and the
	// supervisor restarts it.
	brokerClient, err := broker.New(&broker.Config{
		Logger:         logger.ForComponent(s.logger, "broker"),
		Metrics:        metrics.NewBrokerMetrics(metricsNamespace),
		Address:        s.config.BrokerAddress,
		Port:           s.config.BrokerPort,
		Username:       s.config.BrokerUsername,
		Password:       s.config.BrokerPassword,
		Vhost:          s.config.BrokerVhost,
		PublishTimeout: s.config.PublishTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize broker client: %w", err)
	}
	s.broker = brokerClient

	graceCtx, graceCancel := context.WithTimeout(ctx, startupGracePeriod)
	err = s.broker.WaitReady(graceCtx)
	graceCancel()
	if err != nil {
		return fmt.Errorf("broker unreachable within startup grace period: %w", err)
	}

	// Fan-out hub
	hub, err := fanout.NewHub(&fanout.HubConfig{
		Logger:         logger.ForComponent(s.logger, "fanout"),
		Metrics:        metrics.NewFanoutMetrics(metricsNamespace),
		BufferSize:     s.config.FanoutBufferSize,
		MaxSubscribers: s.config.FanoutMaxSubscribers,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize hub: %w", err)
	}
	s.hub = hub

	// Device registry and liveness sweep
	reg, err := registry.New(&registry.Config{
		Logger:           logger.ForComponent(s.logger, "registry"),
		Store:            st,
		Events:           hub,
		Metrics:          metrics.NewRegistryMetrics(metricsNamespace),
		OfflineThreshold: s.config.OfflineThreshold,
		SweepInterval:    s.config.SweepInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize registry: %w", err)
	}
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("failed to load device registry: %w", err)
	}
	s.registry = reg

	go func() {
		reg.Run(ctx)
		close(s.sweepDone)
	}()

	// Ingest worker
	worker, err := ingest.NewWorker(&ingest.Config{
		Logger:      logger.ForComponent(s.logger, "ingest"),
		Broker:      s.broker,
		Registry:    reg,
		Store:       st,
		Events:      hub,
		Metrics:     metrics.NewIngestMetrics(metricsNamespace),
		Prefetch:    s.config.IngestPrefetch,
		WorkerCount: s.config.IngestWorkerCount,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize ingest worker: %w", err)
	}
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ingest worker: %w", err)
	}
	s.ingest = worker

	// Command dispatcher
	dispatcher, err := dispatch.New(&dispatch.Config{
		Logger:     logger.ForComponent(s.logger, "dispatch"),
		Broker:     s.broker,
		Store:      st,
		Events:     hub,
		Metrics:    metrics.NewDispatchMetrics(metricsNamespace),
		MaxRetries: s.config.CommandMaxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}
	s.dispatcher = dispatcher

	// HTTP listener: push channel, metrics, health
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.SubscribeEvents)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() {
		s.logger.Info("http listener started", "addr", s.config.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("http server error: %w", err)
		}
		close(httpErr)
	}()

	s.logger.Info("core service started")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-httpErr:
		if err != nil {
			s.logger.Error("http server error", "error", err)
			cancel()
			return err
		}
	}

	return s.Shutdown()
}

// Shutdown stops every component within the global shutdown deadline:
// consumption stops first, in-flight messages drain, the sweep exits at its
// next tick, subscribers get a normal-closure frame, and the database closes
// last.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down core service")

	deadline := time.After(shutdownDeadline)
	done := make(chan error, 1)
	go func() {
		done <- s.shutdownComponents()
	}()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Error("core service shutdown completed with errors", "error", err)
			return err
		}
		s.logger.Info("core service shutdown completed successfully")
		return nil
	case <-deadline:
		s.logger.Error("shutdown deadline exceeded, forcing exit")
		return errors.New("shutdown deadline exceeded")
	}
}

func (s *Server) shutdownComponents() error {
	var shutdownErr error

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("http shutdown error: %w", err))
		}
		cancel()
	}

	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("broker close error: %w", err))
		}
	}

	if s.ingest != nil {
		s.ingest.Stop()
	}

	select {
	case <-s.sweepDone:
	case <-time.After(s.config.SweepInterval + time.Second):
	}

	if s.hub != nil {
		s.hub.Close()
	}

	if s.db != nil {
		if err := store.CloseDB(s.db, s.logger); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("database close error: %w", err))
		}
	}

	return shutdownErr
}

// handleHealthz reports readiness of the broker connection.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.broker != nil && s.broker.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(`{"status":"broker_unavailable"}`))
}
