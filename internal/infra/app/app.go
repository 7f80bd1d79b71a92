package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arklim/merchant-console-session/internal/backend"
	"github.com/arklim/merchant-console-session/internal/core/port"
	"github.com/arklim/merchant-console-session/internal/infra/audit"
	"github.com/arklim/merchant-console-session/internal/infra/broadcast"
	"github.com/arklim/merchant-console-session/internal/infra/clock"
	"github.com/arklim/merchant-console-session/internal/infra/config"
	"github.com/arklim/merchant-console-session/internal/infra/logger"
	"github.com/arklim/merchant-console-session/internal/infra/marker"
	"github.com/arklim/merchant-console-session/internal/infra/telemetry"
	"github.com/arklim/merchant-console-session/internal/transport/http/routes"
	"github.com/arklim/merchant-console-session/internal/usecase"
)

// Application owns one execution context: the lifecycle manager, its
// broadcast subscription, and the local control surface.
type Application struct {
	cfg     *config.AppConfig
	engine  *gin.Engine
	logger  *zap.Logger
	manager *usecase.LifecycleManager
	sync    *broadcast.RedisSynchronizer
	audit   *audit.Producer
}

// New wires the application from configuration.
func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	metrics := telemetry.NewMetrics("console")
	clk := clock.NewSystem()

	client, err := backend.NewClient(cfg.Backend, log)
	if err != nil {
		return nil, fmt.Errorf("init backend client: %w", err)
	}

	api := backend.NewAPI(client, clk, cfg.Csrf.MaxAge)

	var limiter *rate.Limiter
	if cfg.Csrf.EndpointRate > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.Csrf.EndpointRate)), cfg.Csrf.EndpointRate)
	}
	csrfCache := usecase.NewCsrfTokenCache(api, clk, limiter, log)

	guard := backend.NewGuard(client, csrfCache, log)
	api.WithGuard(guard)

	secret := []byte(cfg.Marker.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate marker secret: %w", err)
		}
		log.Warn("marker.secret not configured, session marker will not survive restarts")
	}

	markerStore, err := marker.NewStore(cfg.Marker.Path, secret, clk)
	if err != nil {
		return nil, fmt.Errorf("init marker store: %w", err)
	}

	manager, err := usecase.NewLifecycleManager(cfg.Session, clk, api, csrfCache, markerStore, log)
	if err != nil {
		return nil, fmt.Errorf("init lifecycle manager: %w", err)
	}
	manager.WithMetrics(metrics)
	guard.WithRevokeSink(manager)

	var redisSync *broadcast.RedisSynchronizer
	if cfg.Redis.Enabled {
		redisSync, err = broadcast.NewRedisSynchronizer(cfg.Redis, log)
		if err != nil {
			return nil, fmt.Errorf("init redis broadcast: %w", err)
		}
		manager.WithBroadcaster(redisSync)
	} else {
		log.Info("redis broadcast disabled, running as a standalone context")
		manager.WithBroadcaster(broadcast.NewBus())
	}

	var auditProducer *audit.Producer
	var auditPublisher port.AuditPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		auditProducer, err = audit.NewProducer(cfg.Kafka, log)
		if err != nil {
			log.Warn("failed to init kafka producer, using stub publisher", zap.Error(err))
			auditPublisher = audit.NewStubPublisher(log)
		} else {
			auditPublisher = audit.NewPublisher(auditProducer, cfg.App, log)
		}
	} else {
		log.Info("kafka brokers not configured, using stub publisher")
		auditPublisher = audit.NewStubPublisher(log)
	}
	manager.WithAuditPublisher(auditPublisher)

	engine := routes.Register(routes.Dependencies{
		Config:     cfg,
		Logger:     log,
		Controller: manager,
		Cache:      cacheChecker(redisSync),
	})

	return &Application{
		cfg:     cfg,
		engine:  engine,
		logger:  log,
		manager: manager,
		sync:    redisSync,
		audit:   auditProducer,
	}, nil
}

// cacheChecker avoids handing routes a typed-nil interface value.
func cacheChecker(s *broadcast.RedisSynchronizer) routes.CacheChecker {
	if s == nil {
		return nil
	}
	return s
}

// Run starts the control surface and the lifecycle loop, blocking until the
// context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	defer func() {
		_ = a.logger.Sync()
	}()
	defer func() {
		if a.sync != nil {
			_ = a.sync.Close()
		}
	}()
	defer func() {
		if a.audit != nil {
			_ = a.audit.Close()
		}
	}()
	defer a.manager.Terminate()

	if err := a.manager.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize lifecycle manager: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.logger.Info("starting console agent",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
		zap.String("instance_id", a.manager.InstanceID()),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("run server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-serverErrCh:
		return err
	}
}
