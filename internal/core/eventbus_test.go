package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func newTestBus(t *testing.T) *EventBus {
	t.Helper()

	cfg := DefaultEventBusConfig()
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()

	eb, err := NewEventBus(cfg, slog.Default())
	if err != nil {
		t.Fatalf("Failed to start event bus: %v", err)
	}
	t.Cleanup(eb.Stop)
	return eb
}

func TestEventBus_PublishSubscribe(t *testing.T) {
	eb := newTestBus(t)

	received := make(chan map[string]int, 1)
	_, err := eb.Subscribe(SubjectCounts, func(msg *nats.Msg) {
		var payload map[string]int
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			t.Errorf("Failed to unmarshal: %v", err)
			return
		}
		received <- payload
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := eb.Publish(SubjectCounts, map[string]int{"count": 3}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got["count"] != 3 {
			t.Errorf("Expected count 3, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for message")
	}
}

func TestEventBus_QueueSubscribeWithoutGroup(t *testing.T) {
	eb := newTestBus(t)

	received := make(chan struct{}, 1)
	if _, err := eb.QueueSubscribe(SubjectTelemetry, "", func(*nats.Msg) { received <- struct{}{} }); err != nil {
		t.Fatalf("QueueSubscribe failed: %v", err)
	}
	if err := eb.PublishRaw(SubjectTelemetry, []byte("{}")); err != nil {
		t.Fatalf("PublishRaw failed: %v", err)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for message")
	}

	eb.Unsubscribe(SubjectTelemetry)
	eb.subsMu.RLock()
	defer eb.subsMu.RUnlock()
	if _, ok := eb.subs[SubjectTelemetry]; ok {
		t.Error("Expected subscriptions to be removed")
	}
}

func TestEventBus_KeyValue(t *testing.T) {
	eb := newTestBus(t)

	kv, err := eb.KeyValue("test_bucket", time.Minute)
	if err != nil {
		t.Fatalf("KeyValue failed: %v", err)
	}
	if _, err := kv.Put("a", []byte("1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Second call opens the existing bucket
	again, err := eb.KeyValue("test_bucket", time.Minute)
	if err != nil {
		t.Fatalf("KeyValue reopen failed: %v", err)
	}
	entry, err := again.Get("a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(entry.Value()) != "1" {
		t.Errorf("Expected value 1, got %s", entry.Value())
	}
}

func TestEventBus_KeyValueWithoutJetStream(t *testing.T) {
	cfg := DefaultEventBusConfig()
	cfg.Port = -1
	cfg.EnableJetStream = false

	eb, err := NewEventBus(cfg, nil)
	if err != nil {
		t.Fatalf("Failed to start event bus: %v", err)
	}
	defer eb.Stop()

	if _, err := eb.KeyValue("x", time.Minute); err == nil {
		t.Error("Expected error when JetStream is disabled")
	}
}

func TestEventBus_HealthCheck(t *testing.T) {
	eb := newTestBus(t)

	if err := eb.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
	if eb.ClientURL() == "" {
		t.Error("Expected client URL")
	}
}

func TestEventBus_ExternalURL(t *testing.T) {
	embedded := newTestBus(t)

	cfg := DefaultEventBusConfig()
	cfg.URL = embedded.ClientURL()

	eb, err := NewEventBus(cfg, nil)
	if err != nil {
		t.Fatalf("Failed to connect to external NATS: %v", err)
	}
	defer eb.Stop()

	if eb.server != nil {
		t.Error("Expected no embedded server when URL is set")
	}
	if eb.JetStream() == nil {
		t.Error("Expected JetStream context")
	}
}
