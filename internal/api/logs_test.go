package api

import (
	"net/http"
	"testing"

	"github.com/Spatial-NVR/occupancy/internal/logging"
)

func newLogRing() *logging.RingBuffer {
	rb := logging.NewRingBuffer(10)
	rb.Add(logging.Entry{Level: "DEBUG", Message: "Skipping frame", Component: "counting"})
	rb.Add(logging.Entry{Level: "INFO", Message: "Count was changed", Component: "counting"})
	rb.Add(logging.Entry{Level: "WARN", Message: "Fetch failed", Component: "ingest"})
	rb.Add(logging.Entry{Level: "ERROR", Message: "Failed to publish", Component: "counting"})
	return rb
}

func TestLogHandler_Recent(t *testing.T) {
	h := NewLogHandler(newLogRing()).Routes()

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all", "/", []string{"Skipping frame", "Count was changed", "Fetch failed", "Failed to publish"}},
		{"limit keeps newest", "/?limit=2", []string{"Fetch failed", "Failed to publish"}},
		{"level", "/?level=warn", []string{"Fetch failed", "Failed to publish"}},
		{"component", "/?component=counting&limit=2", []string{"Count was changed", "Failed to publish"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, h, http.MethodGet, tt.query, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", w.Code)
			}

			var got []logging.Entry
			decodeData(t, w, &got)
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d entries, got %d", len(tt.want), len(got))
			}
			for i, msg := range tt.want {
				if got[i].Message != msg {
					t.Errorf("Entry %d: expected %q, got %q", i, msg, got[i].Message)
				}
			}
		})
	}
}

func TestLogHandler_InvalidLimit(t *testing.T) {
	h := NewLogHandler(newLogRing()).Routes()

	for _, q := range []string{"/?limit=0", "/?limit=abc"} {
		if w := doJSON(t, h, http.MethodGet, q, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}
}
