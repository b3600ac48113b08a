package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/api"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/audit"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/config"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/engine"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/events"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/hub"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/lock"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/metrics"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/playbook"
	"github.com/yazhsab/qbitel-bridge/go/soar/internal/policy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger, err := newLogger(cfg.LogDevelopment)
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	defer logger.Sync()

	if !cfg.LogDevelopment {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New(prometheus.DefaultRegisterer)
	bus := events.NewBus(logger, m)
	deps := hub.Deps{
		Bus:      bus,
		Metrics:  m,
		Handlers: defaultHandlers(logger),
	}

	// Audit log
	if cfg.DatabaseURL != "" {
		pool, err := audit.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to audit database", zap.Error(err))
		}
		defer pool.Close()

		sink := audit.NewPostgresSink(pool)
		if err := sink.EnsureSchema(ctx); err != nil {
			logger.Fatal("failed to prepare audit schema", zap.Error(err))
		}
		deps.Audit = sink
		logger.Info("audit log stored in postgres")
	} else {
		logger.Warn("no database configured, audit log kept in memory")
	}

	// Per-incident execution locks
	if cfg.RedisURL != "" {
		rdb, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		deps.Locker = lock.NewRedisLocker(logger, rdb, 0)
	}

	// Event forwarding
	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(logger, cfg.NATSURL)
		if err != nil {
			logger.Fatal("failed to connect to nats", zap.Error(err))
		}
		defer nc.Drain()
		detach := events.NewNATSForwarder(logger, nc, cfg.NATSSubjectPrefix).Attach(bus)
		defer detach()
	}

	// Approval policy
	decider, err := newDecider(logger, cfg.ApprovalPolicyPath)
	if err != nil {
		logger.Fatal("failed to load approval policy", zap.Error(err))
	}
	deps.Decider = decider

	h, err := hub.New(logger, cfg, deps)
	if err != nil {
		logger.Fatal("failed to create orchestration hub", zap.Error(err))
	}

	// Playbooks
	if cfg.PlaybookDir != "" {
		loaderConfig := playbook.DefaultLoaderConfig()
		loaderConfig.Dir = cfg.PlaybookDir
		loaderConfig.PublicKeyPath = cfg.PlaybookPublicKeyPath
		loaderConfig.RequireSignature = cfg.RequirePlaybookSignature

		loader, err := playbook.NewLoader(logger, loaderConfig)
		if err != nil {
			logger.Fatal("failed to create playbook loader", zap.Error(err))
		}
		if _, err := loader.LoadInto(ctx, h.Playbooks()); err != nil {
			logger.Fatal("failed to load playbooks", zap.Error(err))
		}
	}

	h.Start(ctx)
	defer h.Stop()

	server := api.NewServer(logger, &api.Config{JWTSecret: cfg.JWTSecret}, h)
	server.Router().GET("/metrics", gin.WrapH(promhttp.Handler()))

	logger.Info("soar orchestrator starting",
		zap.String("addr", cfg.HTTPAddr),
		zap.Bool("postgres_audit", cfg.DatabaseURL != ""),
		zap.Bool("redis_locks", cfg.RedisURL != ""),
		zap.Bool("nats_events", cfg.NATSURL != ""),
		zap.Int("max_concurrent_playbooks", cfg.MaxConcurrentPlaybooks),
		zap.Int("integrations", len(cfg.Integrations)))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down soar orchestrator")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("soar orchestrator stopped")
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newDecider(logger *zap.Logger, path string) (policy.Decider, error) {
	if path == "" {
		return policy.NewEvaluator(logger, policy.DefaultConfig())
	}
	return policy.NewEvaluatorFromFile(logger, path, policy.DefaultConfig())
}

// defaultHandlers binds a logging handler to every action category until
// real integrations are registered.
func defaultHandlers(logger *zap.Logger) *engine.HandlerRegistry {
	handlers := engine.NewHandlerRegistry()
	for _, category := range []model.ActionCategory{
		model.CategoryContainment,
		model.CategoryRemediation,
		model.CategoryInvestigation,
		model.CategoryNotification,
		model.CategoryOther,
	} {
		handlers.Register(string(category), engine.NewLoggingHandler(logger.Named("handler"), string(category)))
	}
	return handlers
}
