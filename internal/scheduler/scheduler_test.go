package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeJobs struct {
	mu      sync.Mutex
	now     time.Time
	expired []time.Time
	swept   []time.Time
	err     error
}

func (f *fakeJobs) Now() time.Time { return f.now }

func (f *fakeJobs) ExpireAllStaleTokens(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, now)
	return 2, f.err
}

func (f *fakeJobs) SweepExpiredReservations(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swept = append(f.swept, now)
	return 1, f.err
}

func (f *fakeJobs) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.expired), len(f.swept)
}

func TestMuxRoutesTasks(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	j := &fakeJobs{now: now}
	mux := NewMux(j, zap.NewNop())

	require.NoError(t, mux.ProcessTask(context.Background(), asynq.NewTask(TypeExpireTokens, nil)))
	require.NoError(t, mux.ProcessTask(context.Background(), asynq.NewTask(TypeSweepReservations, nil)))

	assert.Equal(t, []time.Time{now}, j.expired)
	assert.Equal(t, []time.Time{now}, j.swept)
}

func TestMuxReportsJobErrors(t *testing.T) {
	j := &fakeJobs{err: errors.New("storage down")}
	mux := NewMux(j, zap.NewNop())

	assert.Error(t, mux.ProcessTask(context.Background(), asynq.NewTask(TypeExpireTokens, nil)))
	assert.Error(t, mux.ProcessTask(context.Background(), asynq.NewTask(TypeSweepReservations, nil)))
}

func TestTickerRunsBothJobs(t *testing.T) {
	j := &fakeJobs{now: time.Now()}
	r := NewTicker(j, Config{ExpireInterval: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond}, zap.NewNop())
	require.NoError(t, r.Start())

	assert.Eventually(t, func() bool {
		e, s := j.counts()
		return e >= 2 && s >= 2
	}, 2*time.Second, 5*time.Millisecond)

	r.Shutdown()
	e, s := j.counts()
	time.Sleep(30 * time.Millisecond)
	e2, s2 := j.counts()
	assert.Equal(t, e, e2)
	assert.Equal(t, s, s2)
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, 30*time.Second, c.ExpireInterval)
	assert.Equal(t, 15*time.Second, c.SweepInterval)
}

var (
	_ Runner = (*Asynq)(nil)
	_ Runner = (*Ticker)(nil)
)
