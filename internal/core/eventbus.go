// Package core provides the shared messaging infrastructure of the
// occupancy service: an embedded (or external) NATS event bus with
// JetStream key-value access.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// DefaultNATSPort is the standard NATS client port
const DefaultNATSPort = 4222

// Subjects used between the ingest and counting pipelines and consumers
const (
	SubjectTelemetry     = "occupancy.telemetry"
	SubjectFrames        = "occupancy.frames"
	SubjectCounts        = "occupancy.counts"
	SubjectNotifications = "occupancy.notifications"
	SubjectConfigChanged = "config.changed"
)

// EventBus provides pub/sub messaging using an embedded NATS server, or a
// connection to an external one when a URL is configured
type EventBus struct {
	server *server.Server
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger

	// Subscription tracking
	subs   map[string][]*nats.Subscription
	subsMu sync.RWMutex
}

// EventBusConfig configures the event bus
type EventBusConfig struct {
	// URL of an external NATS server. When set no server is embedded.
	URL string
	// Host for the embedded NATS server (default: 127.0.0.1)
	Host string
	// Port for the embedded NATS server (default: 4222, -1 picks a random port)
	Port int
	// StoreDir for JetStream persistence (optional)
	StoreDir string
	// EnableJetStream enables JetStream for persistent messaging and KV
	EnableJetStream bool
	// Name is the client connection name
	Name string
	// ConnectTimeout, ReconnectWait and MaxReconnects tune the client connection
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
}

// DefaultEventBusConfig returns default configuration
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		Host:            "127.0.0.1",
		Port:            DefaultNATSPort,
		EnableJetStream: true,
		Name:            "occupancy",
		ConnectTimeout:  5 * time.Second,
		ReconnectWait:   2 * time.Second,
		MaxReconnects:   60,
	}
}

// NewEventBus starts an embedded NATS server (unless cfg.URL is set) and
// connects to it
func NewEventBus(cfg EventBusConfig, logger *slog.Logger) (*EventBus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultNATSPort
	}
	if cfg.Name == "" {
		cfg.Name = "occupancy"
	}
	if logger == nil {
		logger = slog.Default()
	}

	var ns *server.Server
	url := cfg.URL

	if url == "" {
		opts := &server.Options{
			Host:   cfg.Host,
			Port:   cfg.Port,
			NoSigs: true,
			NoLog:  true, // We'll use our own logger
		}

		if cfg.EnableJetStream {
			opts.JetStream = true
			if cfg.StoreDir != "" {
				opts.StoreDir = cfg.StoreDir
			}
		}

		var err error
		ns, err = server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create NATS server: %w", err)
		}

		go ns.Start()

		// Embedded NATS is typically ready in <100ms
		if !ns.ReadyForConnections(2 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("NATS server not ready after 2 seconds (port %d)", cfg.Port)
		}
		url = ns.ClientURL()
	}

	connOpts := []nats.Option{nats.Name(cfg.Name)}
	if cfg.ConnectTimeout > 0 {
		connOpts = append(connOpts, nats.Timeout(cfg.ConnectTimeout))
	}
	if cfg.ReconnectWait > 0 {
		connOpts = append(connOpts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.MaxReconnects != 0 {
		connOpts = append(connOpts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(url, connOpts...)
	if err != nil {
		if ns != nil {
			ns.Shutdown()
		}
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	eb := &EventBus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "eventbus"),
		subs:   make(map[string][]*nats.Subscription),
	}

	if cfg.EnableJetStream {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			if ns != nil {
				ns.Shutdown()
			}
			return nil, fmt.Errorf("failed to open JetStream context: %w", err)
		}
		eb.js = js
	}

	eb.logger.Info("Event bus started", "url", url, "embedded", ns != nil, "jetstream", cfg.EnableJetStream)

	return eb, nil
}

// ClientURL returns the NATS client URL
func (eb *EventBus) ClientURL() string {
	if eb.server != nil {
		return eb.server.ClientURL()
	}
	return eb.conn.ConnectedUrl()
}

// JetStream returns the JetStream context, nil when JetStream is disabled
func (eb *EventBus) JetStream() nats.JetStreamContext {
	return eb.js
}

// KeyValue returns the named key-value bucket, creating it with the given
// per-entry TTL when it does not exist yet
func (eb *EventBus) KeyValue(bucket string, ttl time.Duration) (nats.KeyValue, error) {
	if eb.js == nil {
		return nil, errors.New("jetstream is not enabled")
	}

	kv, err := eb.js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to open bucket %s: %w", bucket, err)
	}

	kv, err = eb.js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  bucket,
		TTL:     ttl,
		History: 1,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}

	eb.logger.Info("Created key-value bucket", "bucket", bucket, "ttl", ttl)
	return kv, nil
}

// Publish publishes a message to a subject
func (eb *EventBus) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return eb.conn.Publish(subject, payload)
}

// PublishRaw publishes raw bytes to a subject
func (eb *EventBus) PublishRaw(subject string, data []byte) error {
	return eb.conn.Publish(subject, data)
}

// Subscribe subscribes to a subject
func (eb *EventBus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := eb.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}

	eb.subsMu.Lock()
	eb.subs[subject] = append(eb.subs[subject], sub)
	eb.subsMu.Unlock()

	return sub, nil
}

// QueueSubscribe subscribes to a subject with a queue group for load balancing
func (eb *EventBus) QueueSubscribe(subject, queue string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	if queue == "" {
		return eb.Subscribe(subject, handler)
	}

	sub, err := eb.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return nil, err
	}

	eb.subsMu.Lock()
	eb.subs[subject] = append(eb.subs[subject], sub)
	eb.subsMu.Unlock()

	return sub, nil
}

// Flush waits until all published messages have been processed by the server
func (eb *EventBus) Flush() error {
	return eb.conn.Flush()
}

// Unsubscribe removes all subscriptions for a subject
func (eb *EventBus) Unsubscribe(subject string) {
	eb.subsMu.Lock()
	defer eb.subsMu.Unlock()

	if subs, ok := eb.subs[subject]; ok {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		delete(eb.subs, subject)
	}
}

// Stop drains the connection and shuts down the embedded server
func (eb *EventBus) Stop() {
	_ = eb.conn.Drain()

	if eb.server != nil {
		eb.server.Shutdown()
	}

	eb.logger.Info("Event bus stopped")
}

// ConfigChangedEvent is published after a configuration reload
type ConfigChangedEvent struct {
	Section   string    `json:"section"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishConfigChanged publishes a configuration change event
func (eb *EventBus) PublishConfigChanged(section string) error {
	return eb.Publish(SubjectConfigChanged, ConfigChangedEvent{
		Section:   section,
		Timestamp: time.Now(),
	})
}

// HealthCheck performs a health check on the event bus
func (eb *EventBus) HealthCheck(ctx context.Context) error {
	if !eb.conn.IsConnected() {
		return fmt.Errorf("NATS connection not active")
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := eb.conn.RequestWithContext(ctx, "_health", []byte("ping"))
	if errors.Is(err, nats.ErrNoResponders) {
		// No responders is OK, just means no one is listening
		return nil
	}
	return err
}
