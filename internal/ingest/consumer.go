package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subscriber is the subset of the event bus used for core subscriptions
type Subscriber interface {
	QueueSubscribe(subject, queue string, handler func(*nats.Msg)) (*nats.Subscription, error)
}

// Subscribe handles every core NATS message on subject as a batch of one.
// Delivery is at most once; use a Consumer for redelivery.
func (h *Handler) Subscribe(bus Subscriber, subject, queue string, timeout time.Duration) (*nats.Subscription, error) {
	return bus.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		h.HandleBatch(ctx, []Event{{Body: msg.Data, EnqueuedAt: h.now()}})
	})
}

// ConsumerConfig configures a JetStream pull consumer
type ConsumerConfig struct {
	Stream  string
	Subject string
	Durable string
	// Batch is the maximum number of messages handled together
	Batch int
	// MaxWait bounds one fetch
	MaxWait time.Duration
	// MaxAge is the stream retention used when the stream is created
	MaxAge time.Duration
	// Timeout bounds the handling of one fetched batch
	Timeout time.Duration
}

// DefaultConsumerConfig returns the defaults for the telemetry stream
func DefaultConsumerConfig(subject string) ConsumerConfig {
	return ConsumerConfig{
		Stream:  "TELEMETRY",
		Subject: subject,
		Durable: "occupancy-ingest",
		Batch:   64,
		MaxWait: 2 * time.Second,
		MaxAge:  24 * time.Hour,
		Timeout: 30 * time.Second,
	}
}

// Consumer pulls telemetry batches from a JetStream stream. Messages are
// acked once handled; frames that failed to persist are nak'ed so they are
// redelivered.
type Consumer struct {
	js      nats.JetStreamContext
	handler *Handler
	cfg     ConsumerConfig
	logger  *slog.Logger
}

// NewConsumer creates a pull consumer feeding handler
func NewConsumer(js nats.JetStreamContext, handler *Handler, cfg ConsumerConfig) *Consumer {
	if cfg.Batch <= 0 {
		cfg.Batch = 64
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Consumer{
		js:      js,
		handler: handler,
		cfg:     cfg,
		logger:  slog.Default().With("component", "ingest_consumer"),
	}
}

// EnsureStream creates the stream when it does not exist
func (c *Consumer) EnsureStream() error {
	_, err := c.js.StreamInfo(c.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", c.cfg.Stream, err)
	}

	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:     c.cfg.Stream,
		Subjects: []string{c.cfg.Subject},
		Storage:  nats.FileStorage,
		MaxAge:   c.cfg.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", c.cfg.Stream, err)
	}

	c.logger.Info("Created telemetry stream", "stream", c.cfg.Stream, "subject", c.cfg.Subject)
	return nil
}

// Run fetches and handles batches until ctx is done
func (c *Consumer) Run(ctx context.Context) error {
	sub, err := c.js.PullSubscribe(c.cfg.Subject, c.cfg.Durable, nats.BindStream(c.cfg.Stream), nats.AckExplicit())
	if err != nil {
		return fmt.Errorf("failed to subscribe to stream %s: %w", c.cfg.Stream, err)
	}

	c.logger.Info("Telemetry consumer started", "stream", c.cfg.Stream, "durable", c.cfg.Durable, "batch", c.cfg.Batch)

	for {
		if ctx.Err() != nil {
			return nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.MaxWait)
		msgs, err := sub.Fetch(c.cfg.Batch, nats.Context(fetchCtx))
		cancel()

		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
				continue
			case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
				return fmt.Errorf("telemetry consumer stopped: %w", err)
			default:
				c.logger.Warn("Fetch failed", "error", err)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Second):
				}
				continue
			}
		}

		c.handle(ctx, msgs)
	}
}

func (c *Consumer) handle(ctx context.Context, msgs []*nats.Msg) {
	if len(msgs) == 0 {
		return
	}

	events := make([]Event, len(msgs))
	for i, msg := range msgs {
		events[i] = Event{Body: msg.Data}
		if meta, err := msg.Metadata(); err == nil {
			events[i].EnqueuedAt = meta.Timestamp
		}
	}

	batchCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	res := c.handler.HandleBatch(batchCtx, events)

	for i, msg := range msgs {
		var persistErr *PersistError
		if errors.As(res.Errors[i], &persistErr) {
			if err := msg.Nak(); err != nil {
				c.logger.Warn("Failed to nak message", "error", err)
			}
			continue
		}
		if err := msg.Ack(); err != nil {
			c.logger.Warn("Failed to ack message", "error", err)
		}
	}
}
