package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/iliyamo/cafeteria-queue/internal/config"
	"github.com/iliyamo/cafeteria-queue/internal/database"
	"github.com/iliyamo/cafeteria-queue/internal/estimator"
	"github.com/iliyamo/cafeteria-queue/internal/ledger"
	"github.com/iliyamo/cafeteria-queue/internal/logging"
	"github.com/iliyamo/cafeteria-queue/internal/middleware"
	"github.com/iliyamo/cafeteria-queue/internal/queue"
	"github.com/iliyamo/cafeteria-queue/internal/registry"
	"github.com/iliyamo/cafeteria-queue/internal/repository"
	"github.com/iliyamo/cafeteria-queue/internal/router"
	"github.com/iliyamo/cafeteria-queue/internal/scheduler"
	"github.com/iliyamo/cafeteria-queue/internal/service"
	"github.com/iliyamo/cafeteria-queue/internal/slotlock"
	"github.com/iliyamo/cafeteria-queue/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	byCategory, err := cfg.ServiceTimes()
	if err != nil {
		return err
	}
	arena := slotlock.New(st)
	reg := registry.New(arena, time.Now)
	led := ledger.New(arena, cfg.TokenGrace, time.Now)
	est := estimator.New(estimator.Config{Default: cfg.DefaultServiceTime(), ByCategory: byCategory})

	events := queue.NewPublisher(cfg.RabbitMQURL, log.Named("publisher"))
	defer events.Close()

	coord := service.New(st, reg, led, est, service.Options{
		ReservationTTL: cfg.ReservationTTL,
		Retention:      cfg.SnapshotRetention,
		Events:         events,
		Logger:         log.Named("coordinator"),
	})
	if err := coord.Restore(ctx); err != nil {
		return err
	}

	consumerCtx, cancelConsumer := context.WithCancel(ctx)
	defer cancelConsumer()
	go func() {
		err := queue.NewConsumer(cfg.RabbitMQURL, coord, log.Named("consumer")).Run(consumerCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("payment consumer stopped", zap.Error(err))
		}
	}()

	rdb := config.NewRedisClient(cfg.Redis)
	if rdb == nil {
		log.Warn("redis unavailable, rate limiting and caching disabled", zap.String("addr", cfg.Redis.Addr))
	} else {
		defer func() { _ = rdb.Close() }()
	}

	jobs := scheduler.Config{ExpireInterval: cfg.ExpireInterval, SweepInterval: cfg.SweepInterval}
	var runner scheduler.Runner
	if rdb != nil {
		runner, err = scheduler.NewAsynq(cfg.Redis.AsynqOpt(), coord, jobs, log.Named("scheduler"))
		if err != nil {
			return err
		}
	} else {
		runner = scheduler.NewTicker(coord, jobs, log.Named("scheduler"))
	}
	if err := runner.Start(); err != nil {
		return err
	}
	defer runner.Shutdown()

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(logging.RequestLogger(log.Named("http")))
	router.Register(e, coord, router.Options{
		JWTSecret:     cfg.JWTSecret,
		PaymentSecret: cfg.PaymentWebhookSecret,
		RateLimit:     middleware.NewTokenBucket(cfg.RateLimit, rdb, log.Named("ratelimit")),
		Cache:         middleware.NewRedisCache(cfg.Cache, rdb, log.Named("cache")),
		Logger:        log,
	})

	errc := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env), zap.String("store", cfg.StoreDriver))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// openStore returns the configured persistence backend.
func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, func(), error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("using in-memory store, state is lost on restart")
		return store.NewMemory(), func() {}, nil
	}
	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return repository.NewStore(db), func() { _ = db.Close() }, nil
}
