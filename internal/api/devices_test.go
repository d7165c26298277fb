package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Spatial-NVR/occupancy/internal/detection"
	"github.com/Spatial-NVR/occupancy/internal/frames"
)

type stubCounts struct {
	counts map[string]int
	err    error
}

func (s stubCounts) CurrentEstimate(_ context.Context, deviceID string) (int, bool, error) {
	if s.err != nil {
		return 0, false, s.err
	}
	n, ok := s.counts[deviceID]
	return n, ok, nil
}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setupDeviceTest(t *testing.T, counts stubCounts) (http.Handler, *frames.Service) {
	t.Helper()
	svc := frames.NewService(setupTestDB(t))

	h := NewDeviceHandler(svc, counts)
	h.now = func() time.Time { return now }
	return h.Routes(), svc
}

func saveFrame(t *testing.T, svc *frames.Service, deviceID string, at time.Time, people int) {
	t.Helper()
	items := make([]detection.Item, people)
	for i := range items {
		items[i] = detection.Item{Confidence: 0.9, Right: 10, Bottom: 10}
	}
	rec := detection.BuildFrameRecord(items, detection.Metadata{DeviceID: deviceID, Timestamp: at})
	if err := svc.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
}

func TestDeviceHandler_Frames(t *testing.T) {
	h, svc := setupDeviceTest(t, stubCounts{})

	saveFrame(t, svc, "cam-1", now.Add(-10*time.Minute), 1)
	saveFrame(t, svc, "cam-1", now.Add(-2*time.Minute), 2)
	saveFrame(t, svc, "cam-1", now.Add(-time.Minute), 3)
	saveFrame(t, svc, "cam-2", now.Add(-time.Minute), 4)

	// Default range is the last five minutes
	w := doJSON(t, h, http.MethodGet, "/cam-1/frames", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var recs []detection.FrameRecord
	decodeData(t, w, &recs)
	if len(recs) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(recs))
	}
	if len(recs[0].Detections) != 3 {
		t.Errorf("Expected newest frame first, got %d detections", len(recs[0].Detections))
	}

	from := now.Add(-15 * time.Minute).Format(time.RFC3339)
	w = doJSON(t, h, http.MethodGet, "/cam-1/frames?from="+from, nil)
	recs = nil
	decodeData(t, w, &recs)
	if len(recs) != 3 {
		t.Errorf("Expected 3 frames with explicit from, got %d", len(recs))
	}
}

func TestDeviceHandler_FramesBadRequest(t *testing.T) {
	h, _ := setupDeviceTest(t, stubCounts{})

	for _, path := range []string{
		"/cam-1/frames?from=yesterday",
		"/cam-1/frames?to=noon",
		"/cam-1/frames?from=1714564800&to=1714561200",
		"/cam-1/frames?from=1714478400&to=1714564801",
		"/cam%201/frames",
	} {
		w := doJSON(t, h, http.MethodGet, path, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, w.Code)
		}
	}
}

func TestDeviceHandler_List(t *testing.T) {
	h, svc := setupDeviceTest(t, stubCounts{})
	saveFrame(t, svc, "cam-1", now, 1)
	saveFrame(t, svc, "cam-2", now, 1)

	w := doJSON(t, h, http.MethodGet, "/", nil)
	var devices []frames.Device
	decodeData(t, w, &devices)
	if len(devices) != 2 {
		t.Errorf("Expected 2 devices, got %d", len(devices))
	}
}

func TestDeviceHandler_Count(t *testing.T) {
	h, _ := setupDeviceTest(t, stubCounts{counts: map[string]int{"cam-1": 0}})

	w := doJSON(t, h, http.MethodGet, "/cam-1/count", nil)
	var resp CountResponse
	decodeData(t, w, &resp)
	if !resp.Known || resp.Count == nil || *resp.Count != 0 {
		t.Errorf("Expected known count 0, got %+v", resp)
	}

	w = doJSON(t, h, http.MethodGet, "/cam-9/count", nil)
	resp = CountResponse{}
	decodeData(t, w, &resp)
	if resp.Known || resp.Count != nil {
		t.Errorf("Expected unknown count, got %+v", resp)
	}
}

func TestDeviceHandler_CountError(t *testing.T) {
	h, _ := setupDeviceTest(t, stubCounts{err: errors.New("kv unavailable")})

	w := doJSON(t, h, http.MethodGet, "/cam-1/count", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", w.Code)
	}
}
