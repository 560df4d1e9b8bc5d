package service

import (
	"context"

	"github.com/iliyamo/cafeteria-queue/internal/queue"
)

// Events receives domain events after the section that caused them
// committed.  Implementations must not block; failures are theirs to log.
type Events interface {
	TokenIssued(ctx context.Context, ev queue.TokenIssuedEvent)
	QueueEnded(ctx context.Context, ev queue.QueueEndedEvent)
}

type nopEvents struct{}

func (nopEvents) TokenIssued(context.Context, queue.TokenIssuedEvent) {}
func (nopEvents) QueueEnded(context.Context, queue.QueueEndedEvent)   {}
