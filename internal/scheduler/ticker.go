package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Ticker runs the jobs on in-process tickers.  It is used when Redis is
// unavailable and assumes a single replica.
type Ticker struct {
	mux    *asynq.ServeMux
	cfg    Config
	log    *zap.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTicker returns an unstarted ticker runner.
func NewTicker(j Jobs, cfg Config, log *zap.Logger) *Ticker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ticker{mux: NewMux(j, log), cfg: cfg.withDefaults(), log: log}
}

// Start launches one goroutine per job.
func (t *Ticker) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.run(ctx, TypeExpireTokens, t.cfg.ExpireInterval)
	t.run(ctx, TypeSweepReservations, t.cfg.SweepInterval)
	t.log.Info("ticker scheduler started",
		zap.Duration("expire_interval", t.cfg.ExpireInterval),
		zap.Duration("sweep_interval", t.cfg.SweepInterval))
	return nil
}

func (t *Ticker) run(ctx context.Context, typ string, every time.Duration) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		tick := time.NewTicker(every)
		defer tick.Stop()
		task := asynq.NewTask(typ, nil)
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				runCtx, cancel := context.WithTimeout(ctx, every)
				_ = t.mux.ProcessTask(runCtx, task)
				cancel()
			}
		}
	}()
}

// Shutdown stops the tickers and waits for a running job to finish.
func (t *Ticker) Shutdown() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}
