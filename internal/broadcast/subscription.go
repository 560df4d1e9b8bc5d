package broadcast

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/iliyamo/cafeteria-queue/internal/model"
)

// Subscription is a live stream of snapshots for one token.  C is closed
// after the terminal snapshot, after Close, or once the subscribe context
// is cancelled.
type Subscription struct {
	C <-chan model.QueueSnapshot

	b       *Broadcaster
	tokenID string
	sub     *subscriber
	once    sync.Once
}

// Subscribe opens a stream for tokenID, primed with its current snapshot.
// A token that is already served or
// expired yields a single terminal snapshot and a closed stream.  The
// subscription is released when ctx is cancelled or Close is called,
// whichever happens first.
func (b *Broadcaster) Subscribe(ctx context.Context, tokenID string) (*Subscription, error) {
	snap, err := b.CurrentSnapshot(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	s := &subscriber{ch: make(chan model.QueueSnapshot, 1), done: make(chan struct{})}
	sub := &Subscription{C: s.ch, b: b, tokenID: tokenID, sub: s}

	b.mu.Lock()
	if latest, ok := b.latest[tokenID]; ok && latest.Seq >= snap.Seq {
		snap = latest
	}
	if snap.Terminal {
		s.ch <- snap
		b.closeSub(s)
		b.mu.Unlock()
		return sub, nil
	}
	subs, ok := b.topics[tokenID]
	if !ok {
		subs = make(map[*subscriber]struct{})
		b.topics[tokenID] = subs
	}
	subs[s] = struct{}{}
	s.ch <- snap
	b.mu.Unlock()

	b.log.Debug("subscriber attached", zap.String("token_id", tokenID))
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-s.done:
		}
	}()
	return sub, nil
}

// Close detaches the subscription and closes C.  It is safe to call more
// than once and from any goroutine.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.b
		b.mu.Lock()
		if subs, ok := b.topics[s.tokenID]; ok {
			delete(subs, s.sub)
			if len(subs) == 0 {
				delete(b.topics, s.tokenID)
			}
		}
		b.closeSub(s.sub)
		b.mu.Unlock()
		b.log.Debug("subscriber detached", zap.String("token_id", s.tokenID))
	})
}
