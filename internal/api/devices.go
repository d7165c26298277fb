package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/occupancy/internal/detection"
	"github.com/Spatial-NVR/occupancy/internal/frames"
)

// FrameReader serves stored frames
type FrameReader interface {
	Devices(ctx context.Context) ([]frames.Device, error)
	Window(ctx context.Context, deviceID string, from, to time.Time) ([]detection.FrameRecord, error)
}

// CountReader serves the live smoothed count of a device
type CountReader interface {
	CurrentEstimate(ctx context.Context, deviceID string) (int, bool, error)
}

// maxFrameRange bounds a frames query
const maxFrameRange = 24 * time.Hour

// DeviceHandler handles device read API requests
type DeviceHandler struct {
	frames FrameReader
	counts CountReader
	now    func() time.Time
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(frames FrameReader, counts CountReader) *DeviceHandler {
	return &DeviceHandler{frames: frames, counts: counts, now: time.Now}
}

// Routes returns the device routes
func (h *DeviceHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/{id}/frames", h.Frames)
	r.Get("/{id}/count", h.Count)

	return r
}

// List lists devices that have stored frames
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	devices, err := h.frames.Devices(r.Context())
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	if devices == nil {
		devices = []frames.Device{}
	}

	OK(w, devices)
}

// Frames returns the frames of a device between from and to. Both accept
// RFC 3339 or unix seconds; to defaults to now and from to five minutes
// before to.
func (h *DeviceHandler) Frames(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := ValidateDeviceID(id); err != nil {
		BadRequest(w, err.Error())
		return
	}

	q := r.URL.Query()

	to := h.now()
	if s := q.Get("to"); s != "" {
		t, err := parseTime(s)
		if err != nil {
			BadRequest(w, "Invalid to parameter")
			return
		}
		to = t
	}

	from := to.Add(-5 * time.Minute)
	if s := q.Get("from"); s != "" {
		t, err := parseTime(s)
		if err != nil {
			BadRequest(w, "Invalid from parameter")
			return
		}
		from = t
	}

	if from.After(to) {
		BadRequest(w, "from must not be after to")
		return
	}
	if to.Sub(from) > maxFrameRange {
		BadRequest(w, "range must not exceed 24h")
		return
	}

	records, err := h.frames.Window(r.Context(), id, from, to)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	if records == nil {
		records = []detection.FrameRecord{}
	}

	OK(w, records)
}

// CountResponse is the live count of a device. Count is null when the
// device has no live estimate.
type CountResponse struct {
	DeviceID string `json:"device_id"`
	Count    *int   `json:"count"`
	Known    bool   `json:"known"`
}

// Count returns the live smoothed count of a device
func (h *DeviceHandler) Count(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := ValidateDeviceID(id); err != nil {
		BadRequest(w, err.Error())
		return
	}

	n, ok, err := h.counts.CurrentEstimate(r.Context(), id)
	if err != nil {
		InternalError(w, err.Error())
		return
	}

	resp := CountResponse{DeviceID: id, Known: ok}
	if ok {
		resp.Count = &n
	}
	OK(w, resp)
}

func parseTime(s string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}
