// Package scheduler triggers the periodic maintenance of the queue:
// expiring tokens whose grace period passed and sweeping reservations
// whose payment window elapsed.  With Redis available the triggers are
// asynq periodic tasks, so only one replica runs each tick; without it an
// in-process ticker does the same work.
package scheduler

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Task types.
const (
	TypeExpireTokens      = "tokens:expire"
	TypeSweepReservations = "reservations:sweep"
)

// Jobs is the maintenance surface of the reservation coordinator.
type Jobs interface {
	Now() time.Time
	ExpireAllStaleTokens(ctx context.Context, now time.Time) (int, error)
	SweepExpiredReservations(ctx context.Context, now time.Time) (int, error)
}

// Config sets how often each job runs.
type Config struct {
	ExpireInterval time.Duration
	SweepInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ExpireInterval <= 0 {
		c.ExpireInterval = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	return c
}

// Runner is a started maintenance loop.
type Runner interface {
	Start() error
	Shutdown()
}

// NewMux routes both task types to the coordinator.
func NewMux(j Jobs, log *zap.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeExpireTokens, handleExpire(j, log))
	mux.HandleFunc(TypeSweepReservations, handleSweep(j, log))
	return mux
}

func handleExpire(j Jobs, log *zap.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		n, err := j.ExpireAllStaleTokens(ctx, j.Now())
		if err != nil {
			log.Warn("expire stale tokens failed", zap.Int("expired", n), zap.Error(err))
			return err
		}
		if n > 0 {
			log.Info("stale tokens expired", zap.Int("expired", n))
		}
		return nil
	}
}

func handleSweep(j Jobs, log *zap.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		n, err := j.SweepExpiredReservations(ctx, j.Now())
		if err != nil {
			log.Warn("sweep reservations failed", zap.Int("released", n), zap.Error(err))
			return err
		}
		if n > 0 {
			log.Info("expired reservations released", zap.Int("released", n))
		}
		return nil
	}
}

// Asynq runs the jobs as asynq periodic tasks.
type Asynq struct {
	srv   *asynq.Server
	sched *asynq.Scheduler
	mux   *asynq.ServeMux
	log   *zap.Logger
}

// NewAsynq registers both periodic tasks.  Each enqueued task is unique
// for one interval, so a tick that is still pending is not duplicated.
func NewAsynq(opt asynq.RedisClientOpt, j Jobs, cfg Config, log *zap.Logger) (*Asynq, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 2,
		Queues:      map[string]int{"maintenance": 1},
		Logger:      log.Sugar(),
	})
	sched := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Location: time.UTC, Logger: log.Sugar()})

	periodic := []struct {
		typ   string
		every time.Duration
	}{
		{TypeExpireTokens, cfg.ExpireInterval},
		{TypeSweepReservations, cfg.SweepInterval},
	}
	for _, p := range periodic {
		task := asynq.NewTask(p.typ, nil,
			asynq.Queue("maintenance"),
			asynq.MaxRetry(0),
			asynq.Timeout(p.every),
			asynq.Unique(p.every),
		)
		if _, err := sched.Register("@every "+p.every.String(), task); err != nil {
			return nil, err
		}
	}
	return &Asynq{srv: srv, sched: sched, mux: NewMux(j, log), log: log}, nil
}

// Start launches the worker and the scheduler.
func (a *Asynq) Start() error {
	if err := a.srv.Start(a.mux); err != nil {
		return err
	}
	if err := a.sched.Start(); err != nil {
		a.srv.Shutdown()
		return err
	}
	a.log.Info("asynq scheduler started")
	return nil
}

// Shutdown stops scheduling and waits for running tasks.
func (a *Asynq) Shutdown() {
	a.sched.Shutdown()
	a.srv.Shutdown()
}
