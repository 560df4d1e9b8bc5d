package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iliyamo/cafeteria-queue/internal/model"
	"github.com/iliyamo/cafeteria-queue/internal/slotlock"
)

// PaymentHandler applies one payment outcome.  The reservation
// coordinator implements it.
type PaymentHandler interface {
	HandlePaymentEvent(ctx context.Context, ev model.PaymentEvent) (model.Token, error)
}

// Consumer reads payment.events and feeds them to a PaymentHandler.
// Transient storage failures requeue the message; every other outcome,
// including expected domain errors such as an expired reservation, is
// acknowledged so the queue never loops on a message that cannot succeed.
type Consumer struct {
	url      string
	handler  PaymentHandler
	log      *zap.Logger
	prefetch int

	retryDelay time.Duration
	maxBackoff time.Duration
}

// NewConsumer returns a consumer for the broker at url.
func NewConsumer(url string, h PaymentHandler, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		url:        url,
		handler:    h,
		log:        log,
		prefetch:   50,
		retryDelay: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Run connects to the broker and consumes until ctx is cancelled,
// reconnecting with exponential backoff whenever the connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warn("payment consumer: dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < c.maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("payment consumer: consume loop ended, reconnecting", zap.Error(err))
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.log.Warn("payment consumer: set QoS failed", zap.Error(err))
	}
	if _, err := ch.QueueDeclare(PaymentQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(PaymentQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	c.log.Info("payment consumer: consuming", zap.String("queue", PaymentQueue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.process(ctx, d)
		}
	}
}

// disposition is what happens to a delivery after handling.
type disposition int

const (
	ack disposition = iota
	requeue
	reject
)

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	switch c.handle(ctx, d.Body) {
	case ack:
		_ = d.Ack(false)
	case requeue:
		sleep(ctx, c.retryDelay)
		_ = d.Nack(false, true)
	case reject:
		_ = d.Nack(false, false)
	}
}

func (c *Consumer) handle(ctx context.Context, body []byte) disposition {
	var ev model.PaymentEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.BookingID == "" || !ev.Outcome.Valid() {
		c.log.Error("payment consumer: malformed message", zap.ByteString("body", body), zap.Error(err))
		return reject
	}
	log := c.log.With(zap.String("booking_id", ev.BookingID), zap.String("outcome", string(ev.Outcome)))

	tok, err := c.handler.HandlePaymentEvent(ctx, ev)
	switch {
	case err == nil:
		if tok.ID != "" {
			log.Debug("payment consumer: token issued", zap.String("token_id", tok.ID), zap.Uint64("number", tok.Number))
		}
		return ack
	case errors.Is(err, slotlock.ErrStorage), errors.Is(err, context.DeadlineExceeded):
		log.Warn("payment consumer: transient failure, requeueing", zap.Error(err))
		return requeue
	case errors.Is(err, slotlock.ErrInvariant):
		log.Error("payment consumer: refused by invariant check", zap.Error(err))
		return reject
	default:
		log.Info("payment consumer: event not applied", zap.Error(err))
		return ack
	}
}

// sleep waits for d or until ctx is done and reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
