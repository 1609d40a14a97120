// Package events forwards payment status changes to an external bus.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"payrails/internal/transaction"
)

// StatusChanged is published once per accepted status transition.
type StatusChanged struct {
	PaymentID  string             `json:"paymentId"`
	From       transaction.Status `json:"from"`
	To         transaction.Status `json:"to"`
	OccurredAt time.Time          `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, ev StatusChanged) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by payment id so a payment's events
// stay ordered within one partition.
type KafkaPublisher struct {
	w messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        false,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev StatusChanged) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.PaymentID),
		Value: payload,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte("payment.status_changed")},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish status event for %s: %w", ev.PaymentID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// LogPublisher only logs events. It is used when no brokers are configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev StatusChanged) error {
	p.Logger.Info("payment status changed", "id", ev.PaymentID, "from", ev.From, "to", ev.To)
	return nil
}

func (LogPublisher) Close() error { return nil }

// Forwarder decouples the state manager's synchronous observers from a
// possibly slow publisher through a bounded queue.
type Forwarder struct {
	pub     Publisher
	logger  *slog.Logger
	now     func() time.Time
	queue   chan StatusChanged
	dropped atomic.Uint64
}

func NewForwarder(pub Publisher, logger *slog.Logger, buffer int) *Forwarder {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		pub:    pub,
		logger: logger.With(slog.String("component", "events")),
		now:    time.Now,
		queue:  make(chan StatusChanged, buffer),
	}
}

// Observer returns a status-change callback that never blocks. Events that
// do not fit in the queue are dropped and counted.
func (f *Forwarder) Observer() transaction.StatusChangeFunc {
	return func(id string, from, to transaction.Status) {
		ev := StatusChanged{PaymentID: id, From: from, To: to, OccurredAt: f.now()}
		select {
		case f.queue <- ev:
		default:
			f.dropped.Add(1)
			f.logger.Warn("event queue full, dropping status event", "id", id, "to", to)
		}
	}
}

// Dropped is the number of events discarded because the queue was full.
func (f *Forwarder) Dropped() uint64 {
	return f.dropped.Load()
}

// Run publishes queued events until ctx is done, then flushes what is left
// with a short grace period and closes the publisher.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-f.queue:
			f.publish(ctx, ev)
		case <-ctx.Done():
			f.flush()
			return f.pub.Close()
		}
	}
}

func (f *Forwarder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-f.queue:
			f.publish(ctx, ev)
		default:
			return
		}
	}
}

func (f *Forwarder) publish(ctx context.Context, ev StatusChanged) {
	if err := f.pub.Publish(ctx, ev); err != nil {
		f.logger.Error("publish status event", "id", ev.PaymentID, "error", err)
	}
}
