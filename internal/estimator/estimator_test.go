package estimator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cafeteria-queue/internal/model"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func tok(id string, n uint64, s model.TokenStatus) model.Token {
	return model.Token{ID: id, SlotID: "s1", Number: n, Status: s}
}

func TestServiceTime(t *testing.T) {
	e := New(Config{Default: 2 * time.Minute, ByCategory: map[string]time.Duration{" Lunch ": 3 * time.Minute}})
	assert.Equal(t, 3*time.Minute, e.ServiceTime("lunch"))
	assert.Equal(t, 3*time.Minute, e.ServiceTime("LUNCH"))
	assert.Equal(t, 3*time.Minute, e.ServiceTime(" lunch "))
	assert.Equal(t, 2*time.Minute, e.ServiceTime("breakfast"))
}

func TestSnapshotsRankAndWait(t *testing.T) {
	e := New(Config{Default: time.Minute, ByCategory: map[string]time.Duration{"lunch": 3 * time.Minute}})
	slot := model.Slot{ID: "s1", MealCategory: "lunch"}
	tokens := []model.Token{
		tok("t4", 4, model.TokenActive),
		tok("t1", 1, model.TokenServed),
		tok("t2", 2, model.TokenServing),
		tok("t3", 3, model.TokenActive),
		tok("t5", 5, model.TokenExpired),
	}
	tokens[2].CounterID = "c1"

	snaps := e.Snapshots(slot, tokens, now)
	require.Len(t, snaps, 5)
	byID := make(map[string]model.QueueSnapshot)
	for i, s := range snaps {
		assert.Equal(t, uint64(i+1), s.Number, "ordered by number")
		assert.Equal(t, now, s.ComputedAt)
		byID[s.TokenID] = s
	}

	assert.True(t, byID["t1"].Terminal)
	assert.Equal(t, 0, byID["t1"].Rank)

	serving := byID["t2"]
	assert.Equal(t, 1, serving.Rank)
	assert.Equal(t, int64(0), serving.EstimatedWaitSeconds)
	assert.Equal(t, "c1", serving.CounterID)

	assert.Equal(t, 2, byID["t3"].Rank)
	assert.Equal(t, 1, byID["t3"].Ahead)
	assert.Equal(t, int64(180), byID["t3"].EstimatedWaitSeconds)

	assert.Equal(t, 3, byID["t4"].Rank)
	assert.Equal(t, int64(360), byID["t4"].EstimatedWaitSeconds)

	assert.True(t, byID["t5"].Terminal)
	assert.Equal(t, 0, byID["t5"].Rank)

	for _, s := range snaps {
		assert.Equal(t, s.Rank, Rank(tokens, s.TokenID))
	}
}

func TestRankDecreasesAfterServed(t *testing.T) {
	tokens := []model.Token{
		tok("a", 1, model.TokenServing),
		tok("b", 2, model.TokenActive),
		tok("c", 3, model.TokenActive),
	}
	before := []int{Rank(tokens, "b"), Rank(tokens, "c")}
	tokens[0].Status = model.TokenServed
	after := []int{Rank(tokens, "b"), Rank(tokens, "c")}
	assert.Equal(t, []int{2, 3}, before)
	assert.Equal(t, []int{1, 2}, after)
	assert.Equal(t, 0, Rank(tokens, "a"))
	assert.Equal(t, 0, Rank(tokens, "missing"))
}

func TestSnapshot(t *testing.T) {
	e := New(Config{Default: time.Minute})
	slot := model.Slot{ID: "s1", MealCategory: "dinner"}
	tokens := []model.Token{tok("a", 1, model.TokenActive), tok("b", 2, model.TokenActive)}

	s, ok := e.Snapshot(slot, tokens, "b", now)
	require.True(t, ok)
	assert.Equal(t, 2, s.Rank)
	assert.Equal(t, int64(60), s.EstimatedWaitSeconds)

	_, ok = e.Snapshot(slot, tokens, "zzz", now)
	assert.False(t, ok)
}

func TestSnapshotsDoNotReorderInput(t *testing.T) {
	e := New(Config{})
	tokens := []model.Token{tok("b", 2, model.TokenActive), tok("a", 1, model.TokenActive)}
	e.Snapshots(model.Slot{}, tokens, now)
	assert.Equal(t, "b", tokens[0].ID)
}
