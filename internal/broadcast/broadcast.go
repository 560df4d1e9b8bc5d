// Package broadcast fans queue snapshots out to per-token subscribers.
//
// Publish never blocks: every subscriber owns a single-slot mailbox and a
// newer snapshot replaces an unread one.  A slow or disconnected client
// therefore misses intermediate positions but always sees the latest one,
// and the terminal event that closes its stream.
package broadcast

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/cafeteria-queue/internal/model"
)

// Source recomputes a token's snapshot when none has been published yet,
// e.g. after a restart or once a terminal entry was pruned.
type Source func(ctx context.Context, tokenID string) (model.QueueSnapshot, error)

type subscriber struct {
	ch     chan model.QueueSnapshot
	done   chan struct{}
	closed bool
}

// Stats is a point-in-time view of the broadcaster.
type Stats struct {
	Tokens      int    `json:"tokens"`
	Subscribers int    `json:"subscribers"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

// Broadcaster holds the live subscribers and the latest snapshot of every
// token that has been published.
type Broadcaster struct {
	source Source
	log    *zap.Logger

	mu        sync.Mutex
	topics    map[string]map[*subscriber]struct{}
	latest    map[string]model.QueueSnapshot
	delivered uint64
	dropped   uint64
}

// New returns a Broadcaster that falls back to source on a cache miss.
func New(source Source, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		source: source,
		log:    log,
		topics: make(map[string]map[*subscriber]struct{}),
		latest: make(map[string]model.QueueSnapshot),
	}
}

// Publish records snap as the token's latest snapshot and hands it to every
// current subscriber.  Snapshots older than the recorded one, and anything
// after a terminal snapshot, are ignored.  A terminal snapshot closes all
// subscriber streams of the token.
func (b *Broadcaster) Publish(snap model.QueueSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.latest[snap.TokenID]; ok && (prev.Terminal || prev.Seq > snap.Seq) {
		return
	}
	b.latest[snap.TokenID] = snap

	subs := b.topics[snap.TokenID]
	for s := range subs {
		b.offer(s, snap)
		if snap.Terminal {
			b.closeSub(s)
		}
	}
	if snap.Terminal {
		delete(b.topics, snap.TokenID)
	}
}

// PublishAll publishes a batch, typically every snapshot of one slot.
func (b *Broadcaster) PublishAll(snaps []model.QueueSnapshot) {
	for _, s := range snaps {
		b.Publish(s)
	}
}

// offer places snap in the subscriber's mailbox, evicting an unread one.
// Callers hold b.mu, so no other sender can refill the slot in between.
func (b *Broadcaster) offer(s *subscriber, snap model.QueueSnapshot) {
	if s.closed {
		return
	}
	select {
	case s.ch <- snap:
		b.delivered++
		return
	default:
	}
	select {
	case <-s.ch:
		b.dropped++
	default:
	}
	select {
	case s.ch <- snap:
		b.delivered++
	default:
		b.dropped++
	}
}

func (b *Broadcaster) closeSub(s *subscriber) {
	if !s.closed {
		s.closed = true
		close(s.ch)
		close(s.done)
	}
}

// CurrentSnapshot returns the latest published snapshot of a token, or
// asks the source when nothing was published.  Clients use it to
// resynchronise after reconnecting.
func (b *Broadcaster) CurrentSnapshot(ctx context.Context, tokenID string) (model.QueueSnapshot, error) {
	b.mu.Lock()
	snap, ok := b.latest[tokenID]
	b.mu.Unlock()
	if ok {
		return snap, nil
	}
	return b.source(ctx, tokenID)
}

// Prune forgets terminal snapshots computed before cutoff.  Later queries
// for those tokens go to the source.
func (b *Broadcaster) Prune(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, snap := range b.latest {
		if snap.Terminal && snap.ComputedAt.Before(cutoff) {
			delete(b.latest, id)
			n++
		}
	}
	return n
}

// Stats reports the number of tokens with live subscribers and delivery
// counters.
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{Tokens: len(b.topics), Delivered: b.delivered, Dropped: b.dropped}
	for _, subs := range b.topics {
		st.Subscribers += len(subs)
	}
	return st
}
