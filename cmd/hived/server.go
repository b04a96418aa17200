package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/hivemind"
	"github.com/BaSui01/hivemind/api"
	"github.com/BaSui01/hivemind/api/handlers"
	"github.com/BaSui01/hivemind/config"
	"github.com/BaSui01/hivemind/internal/server"
	"github.com/BaSui01/hivemind/internal/telemetry"
)

// Server wires the orchestrator to the API and metrics listeners.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	orch   *hivemind.Orchestrator

	limiter        *RateLimiter
	httpManager    *server.Manager
	metricsManager *server.Manager

	watcher *config.Watcher
	level   zap.AtomicLevel
}

// NewServer builds the orchestrator and both listeners without starting
// anything. providers may be nil.
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers) (*Server, error) {
	orch, err := hivemind.New(cfg, hivemind.WithLogger(logger), hivemind.WithTelemetry(providers))
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		orch:    orch,
		limiter: NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
	}

	mux := api.NewMux(orch, api.Options{
		Version: version(),
		Checks:  []handlers.HealthCheck{handlers.CheckFunc{CheckName: "orchestrator", Fn: orch.Ready}},
		Logger:  logger,
	})
	s.httpManager = server.NewManager(s.middleware(mux), server.FromConfig("api", cfg.Server.HTTPPort, cfg.Server), logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", orch.Metrics().Handler())
	s.metricsManager = server.NewManager(metricsMux, server.FromConfig("metrics", cfg.Server.MetricsPort, cfg.Server), logger)
	return s, nil
}

// WatchConfig reloads the config file while serving. Only the log level is
// applied live; other changes are logged and take effect on restart.
func (s *Server) WatchConfig(w *config.Watcher, level zap.AtomicLevel) {
	s.watcher = w
	s.level = level
	w.OnReload(s.applyReload)
}

func (s *Server) applyReload(old, updated *config.Config) {
	if updated.Log.Level != old.Log.Level {
		lvl, err := zapcore.ParseLevel(updated.Log.Level)
		if err != nil {
			s.logger.Warn("ignoring invalid log level", zap.String("level", updated.Log.Level))
		} else {
			s.level.SetLevel(lvl)
			s.logger.Info("log level changed", zap.Stringer("level", lvl))
		}
	}
	cmpOld, cmpNew := *old, *updated
	cmpOld.Log.Level, cmpNew.Log.Level = "", ""
	if !reflect.DeepEqual(cmpOld, cmpNew) {
		s.logger.Warn("config changed; restart hived to apply settings other than log.level")
	}
}

func (s *Server) middleware(h http.Handler) http.Handler {
	return Chain(h,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		s.limiter.Middleware(),
		// innermost so it sees the route pattern the mux resolves
		MetricsMiddleware(s.orch.Metrics()),
	)
}

// Run starts the orchestrator and serves until ctx is done or a listener
// fails, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.orch.Start(ctx); err != nil {
		s.closeOrchestrator()
		return fmt.Errorf("start orchestrator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.httpManager.Run(gctx) })
	g.Go(func() error { return s.metricsManager.Run(gctx) })
	g.Go(func() error {
		s.limiter.Run(gctx)
		return nil
	})
	if s.watcher != nil {
		g.Go(func() error {
			s.watcher.Run(gctx)
			return nil
		})
	}

	s.logger.Info("hived serving",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("hive_id", s.orch.HiveID()),
	)

	err := g.Wait()
	s.logger.Info("shutting down")
	if cerr := s.closeOrchestrator(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

func (s *Server) closeOrchestrator() error {
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.orch.Close(ctx); err != nil {
		s.logger.Error("orchestrator shutdown failed", zap.Error(err))
		return err
	}
	return nil
}
