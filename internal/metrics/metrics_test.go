package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.MessageReceived("placeholder")
	m.MessageReceived("placeholder")
	if got := testutil.ToFloat64(m.messagesReceived.WithLabelValues("placeholder")); got != 2 {
		t.Fatalf("expected 2 messages, got %f", got)
	}

	m.FrameStored()
	if got := testutil.ToFloat64(m.framesStored); got != 1 {
		t.Fatalf("expected 1 stored frame, got %f", got)
	}

	m.FrameDropped("decode")
	if got := testutil.ToFloat64(m.framesDropped.WithLabelValues("decode")); got != 1 {
		t.Fatalf("expected 1 dropped frame, got %f", got)
	}

	m.Estimate("baseline")
	m.Estimate("changed")
	if got := testutil.ToFloat64(m.estimates.WithLabelValues("changed")); got != 1 {
		t.Fatalf("expected 1 changed estimate, got %f", got)
	}

	m.Notifications(3)
	m.Notifications(0)
	if got := testutil.ToFloat64(m.notifications); got != 3 {
		t.Fatalf("expected 3 notifications, got %f", got)
	}

	m.SinkError("count")
	if got := testutil.ToFloat64(m.sinkErrors.WithLabelValues("count")); got != 1 {
		t.Fatalf("expected 1 sink error, got %f", got)
	}

	m.SetCount("cam-1", 4)
	if got := testutil.ToFloat64(m.currentCount.WithLabelValues("cam-1")); got != 4 {
		t.Fatalf("expected count gauge 4, got %f", got)
	}

	m.SetWebSocketClients(2)
	if got := testutil.ToFloat64(m.wsClients); got != 2 {
		t.Fatalf("expected 2 clients, got %f", got)
	}

	m.ObserveProcess(5 * time.Millisecond)
	if samples := testutil.CollectAndCount(m.processLatency); samples != 1 {
		t.Fatalf("expected latency histogram to be collected once, got %d", samples)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	m.MessageReceived("x")
	m.FrameStored()
	m.FrameDropped("x")
	m.Estimate("x")
	m.Notifications(1)
	m.SinkError("x")
	m.ObserveProcess(time.Second)
	m.SetCount("x", 1)
	m.SetWebSocketClients(1)
	if err := m.RegisterDB(nil, "x"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.FrameStored()

	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	if err := m.RegisterDB(db, "occupancy"); err != nil {
		t.Fatalf("RegisterDB failed: %v", err)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"occupancy_frames_stored_total 1", "go_sql_open_connections"} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %q in metrics output", name)
		}
	}
}
