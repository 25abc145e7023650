package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamrtc/internal/core/domain"
	"streamrtc/internal/core/ports"
	"streamrtc/internal/core/services"
	"streamrtc/internal/events"
	httphandlers "streamrtc/internal/handlers/http"
	"streamrtc/internal/infrastructure/coordinator"
	"streamrtc/internal/infrastructure/distributed"
	"streamrtc/internal/infrastructure/middleware"
	"streamrtc/internal/infrastructure/monitoring"
	"streamrtc/internal/infrastructure/repositories"
	"streamrtc/internal/rtc"
	"streamrtc/pkg/config"
	distlease "streamrtc/pkg/distributed"
	"streamrtc/pkg/logger"
	"streamrtc/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/agent.yaml", "path to the agent configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to load config", "path", *configPath, "error", err)
	}
	if err := cfg.Validate(); err != nil {
		zap.NewExample().Sugar().Fatalw("invalid config", "error", err)
	}

	var zapLogger *zap.Logger
	if cfg.Logging.Format == "console" {
		zapLogger = logger.NewConsole(cfg.Logging.Level)
	} else {
		zapLogger = logger.New(cfg.Logging.Level)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	var (
		metrics        ports.Metrics = ports.NopMetrics{}
		metricsHandler http.Handler
	)
	if cfg.Monitoring.PrometheusEnabled {
		collector := monitoring.NewPrometheusCollector()
		metrics = collector
		metricsHandler = collector.Handler()
		log.Info("prometheus metrics enabled")
	}

	opts, err := rtc.OptionsFromConfig(cfg)
	if err != nil {
		log.Fatalw("invalid connection options", "error", err)
	}
	callCID := opts.CallCID()

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	redisClient := repoFactory.RedisClient()

	ctx := logger.WithUser(logger.WithCall(context.Background(), callCID), opts.UserID)
	agentID := uuid.NewString()

	var lease *distlease.Lease
	if redisClient != nil {
		leases := distlease.NewLeaseManager(redisClient, "streamrtc:", log.Named("lease"))
		lease, err = leases.TryAcquire(ctx, leases.CallKey(opts.CallType, opts.CallID), cfg.Redis.LeaseTTL)
		if errors.Is(err, distlease.ErrLeaseHeld) {
			log.Fatalw("call is already served by another agent", "call_cid", callCID)
		}
		if err != nil {
			log.Fatalw("failed to acquire call lease", "call_cid", callCID, "error", err)
		}
		agentID = lease.Holder()
	}

	emitter := events.NewEmitter()
	var bus *distributed.EventBus
	if redisClient != nil && cfg.Redis.MirrorEvents {
		bus = distributed.NewEventBus(redisClient, agentID, callCID, log.Named("events"))
		bus.Mirror(emitter)
	}

	tokens := services.NewTokenService(cfg.Coordinator.APISecret, cfg.Coordinator.TokenTTL)
	api := coordinator.NewAPI(opts.API, tokens, log.Named("api"))

	joinCtx, cancelJoin := context.WithTimeout(ctx, cfg.SFU.JoinTimeout+cfg.Coordinator.RequestTimeout)
	conn, err := rtc.Join(joinCtx, opts, rtc.Dependencies{
		API:     api,
		Tokens:  tokens,
		Roster:  repoFactory.CreateParticipantRepository(callCID),
		Metrics: metrics,
		Emitter: emitter,
		Logger:  log,
	})
	cancelJoin()
	if err != nil {
		log.Fatalw("failed to join call", "call_cid", callCID, "error", err)
	}
	log.Infow("agent joined call", "call_cid", callCID, "session_id", conn.SessionID(), "agent_id", agentID)

	events.On(emitter, func(ev domain.ReconnectionFailed) {
		log.Errorw("reconnection failed, giving up", "reason", ev.Reason)
	})

	health := monitoring.NewHealthChecker()
	health.AddCheck("sfu_signaling", func(ctx context.Context) (bool, error) {
		return conn.SignalingHealthy(), nil
	}, time.Second)
	if redisClient != nil {
		health.AddRedisCheck(redisClient, 2*time.Second)
	}

	var srv *http.Server
	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		router := gin.New()
		router.Use(
			middleware.RecoveryMiddleware(log),
			middleware.TracingMiddleware(conn),
			middleware.ErrorHandlerMiddleware(log),
			middleware.NewRateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst),
		)

		var protected []gin.HandlerFunc
		if cfg.Server.RequireAuth {
			protected = append(protected, middleware.AuthMiddleware(tokens))
		}
		httphandlers.NewStatusHandler(conn, health, metricsHandler).SetupRoutes(router, protected...)

		srv = &http.Server{
			Addr:         cfg.Server.Address,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		go func() {
			log.Infow("starting status server", "address", cfg.Server.Address)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErr <- err
			}
		}()
	}

	var leaseLost <-chan struct{}
	if lease != nil {
		leaseLost = lease.Lost()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	case <-conn.Done():
		log.Infow("connection ended", "state", string(conn.State()))
	case <-leaseLost:
		log.Warnw("call lease lost, leaving")
	case err := <-serverErr:
		log.Errorw("status server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := conn.Leave(shutdownCtx); err != nil {
		log.Warnw("error leaving call", "error", err)
	}

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Errorw("error force closing server", "error", closeErr)
			}
		}
	}

	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Warnw("error closing event bus", "error", err)
		}
	}
	if lease != nil {
		if err := lease.Release(shutdownCtx); err != nil && !errors.Is(err, distlease.ErrLeaseLost) {
			log.Warnw("error releasing call lease", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing redis client", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error shutting down tracing", "error", err)
	}

	log.Info("agent stopped")
}
