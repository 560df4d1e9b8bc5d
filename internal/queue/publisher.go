package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type dialFunc func() (channel, func(), error)

type message struct {
	queue string
	body  []byte
}

// Publisher sends domain events to durable RabbitMQ queues.  Publishing
// is asynchronous and best-effort: events are buffered, and when the
// buffer is full or the broker is unreachable they are dropped and
// logged.  Callers are never blocked by the broker.
type Publisher struct {
	log  *zap.Logger
	dial dialFunc

	mu     sync.RWMutex
	closed bool
	jobs   chan message
	done   chan struct{}

	ch       channel
	closeCon func()
	declared map[string]bool
}

// NewPublisher starts a publisher for the broker at url.
func NewPublisher(url string, log *zap.Logger) *Publisher {
	return newPublisher(func() (channel, func(), error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		return ch, func() { _ = conn.Close() }, nil
	}, log, 256)
}

func newPublisher(dial dialFunc, log *zap.Logger, buffer int) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Publisher{
		log:      log,
		dial:     dial,
		jobs:     make(chan message, buffer),
		done:     make(chan struct{}),
		declared: make(map[string]bool),
	}
	go p.loop()
	return p
}

// TokenIssued publishes ev to token.issued.
func (p *Publisher) TokenIssued(_ context.Context, ev TokenIssuedEvent) {
	p.enqueue(TokenIssuedQueue, ev)
}

// QueueEnded publishes ev to queue.ended.
func (p *Publisher) QueueEnded(_ context.Context, ev QueueEndedEvent) {
	p.enqueue(QueueEndedQueue, ev)
}

func (p *Publisher) enqueue(queue string, ev any) {
	body, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("rabbitmq: marshal event failed", zap.String("queue", queue), zap.Error(err))
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.log.Warn("rabbitmq: publisher closed, event dropped", zap.String("queue", queue))
		return
	}
	select {
	case p.jobs <- message{queue: queue, body: body}:
	default:
		p.log.Warn("rabbitmq: publish buffer full, event dropped", zap.String("queue", queue))
	}
}

// Close flushes buffered events and closes the broker connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	<-p.done
}

func (p *Publisher) loop() {
	defer close(p.done)
	defer p.reset()
	for m := range p.jobs {
		if err := p.publish(m); err != nil {
			p.log.Warn("rabbitmq: publish failed", zap.String("queue", m.queue), zap.Error(err))
			p.reset()
		}
	}
}

func (p *Publisher) publish(m message) error {
	if p.ch == nil {
		ch, closeCon, err := p.dial()
		if err != nil {
			return err
		}
		p.ch, p.closeCon = ch, closeCon
	}
	if !p.declared[m.queue] {
		if _, err := p.ch.QueueDeclare(m.queue, true, false, false, false, nil); err != nil {
			return err
		}
		p.declared[m.queue] = true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.ch.PublishWithContext(ctx, "", m.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         m.body,
	})
}

func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.closeCon != nil {
		p.closeCon()
		p.closeCon = nil
	}
	p.declared = make(map[string]bool)
}
