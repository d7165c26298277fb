package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Spatial-NVR/occupancy/internal/detection"
	"github.com/Spatial-NVR/occupancy/internal/metrics"
)

// FrameWriter persists frame records
type FrameWriter interface {
	Save(ctx context.Context, rec detection.FrameRecord) error
}

// Publisher publishes stored frame batches
type Publisher interface {
	Publish(subject string, data interface{}) error
}

// PersistError reports a frame that was decoded but could not be stored.
// Unlike decode failures it may succeed on redelivery.
type PersistError struct {
	FrameID string
	Err     error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to persist frame %s: %v", e.FrameID, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// Options configures a Handler
type Options struct {
	// FramesSubject receives a detection.FrameBatch after every batch with
	// stored frames. Empty disables publishing.
	FramesSubject string
	// OnlyToday drops events enqueued before the current UTC day.
	OnlyToday bool
	Metrics   *metrics.Metrics
}

// Handler decodes telemetry events into frame records, stores them and
// hands them on to counting
type Handler struct {
	writer        FrameWriter
	publisher     Publisher
	framesSubject string
	onlyToday     atomic.Bool
	metrics       *metrics.Metrics
	now           func() time.Time
	logger        *slog.Logger
}

// NewHandler creates a telemetry handler. publisher may be nil.
func NewHandler(writer FrameWriter, publisher Publisher, opts Options) *Handler {
	h := &Handler{
		writer:        writer,
		publisher:     publisher,
		framesSubject: opts.FramesSubject,
		metrics:       opts.Metrics,
		now:           time.Now,
		logger:        slog.Default().With("component", "ingest"),
	}
	h.onlyToday.Store(opts.OnlyToday)
	return h
}

// SetOnlyToday toggles the same-day filter
func (h *Handler) SetOnlyToday(v bool) {
	h.onlyToday.Store(v)
}

// BatchResult holds the outcome of HandleBatch. Errors is aligned with the
// input events; a nil entry means the event was stored or skipped.
type BatchResult struct {
	Frames []detection.FrameRecord
	Errors []error
}

// Err joins every per-event error
func (r BatchResult) Err() error {
	return errors.Join(r.Errors...)
}

// Handle processes one event. It returns nil without error for events
// that are skipped (heartbeats, stale or unsupported sources).
func (h *Handler) Handle(ctx context.Context, ev Event) (*detection.FrameRecord, error) {
	if h.onlyToday.Load() && !ev.EnqueuedAt.IsZero() && isBeforeToday(ev.EnqueuedAt, h.now()) {
		h.metrics.FrameDropped("stale")
		return nil, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(ev.Body, &envelope); err != nil {
		h.metrics.FrameDropped("envelope")
		return nil, fmt.Errorf("failed to parse telemetry envelope: %w", err)
	}

	raw, ok := envelope[SourcePlaceholder]
	if !ok {
		if _, heartbeat := envelope[SourceHeartbeat]; heartbeat {
			h.metrics.MessageReceived("heartbeat")
			return nil, nil
		}
		h.metrics.MessageReceived("unsupported")
		h.logger.Info("Unsupported message source")
		return nil, nil
	}
	h.metrics.MessageReceived("placeholder")

	var msg Telemetry
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.metrics.FrameDropped("envelope")
		return nil, fmt.Errorf("failed to parse telemetry message: %w", err)
	}
	if msg.DeviceID == "" {
		h.metrics.FrameDropped("envelope")
		return nil, fmt.Errorf("telemetry message without device id")
	}
	if len(msg.Inferences) == 0 {
		h.metrics.FrameDropped("envelope")
		return nil, fmt.Errorf("telemetry message from %s without inferences", msg.DeviceID)
	}

	// Devices publish one inference per message
	inf := msg.Inferences[0]

	items, err := detection.DecodeBase64(inf.O)
	if err != nil {
		h.metrics.FrameDropped("decode")
		return nil, fmt.Errorf("device %s: %w", msg.DeviceID, err)
	}

	rec := detection.BuildFrameRecord(items, detection.Metadata{
		DeviceID:  msg.DeviceID,
		ModelID:   msg.ModelID,
		Timestamp: h.frameTime(inf.T, ev.EnqueuedAt),
		HasImage:  msg.Image,
		ProjectID: msg.ProjectID,
	})

	if err := h.writer.Save(ctx, rec); err != nil {
		h.metrics.FrameDropped("persist")
		return nil, &PersistError{FrameID: rec.ID, Err: err}
	}
	h.metrics.FrameStored()

	h.logger.Debug("Frame stored", "id", rec.ID, "device_id", rec.DeviceID, "detections", len(rec.Detections))
	return &rec, nil
}

// HandleBatch processes events independently; one failure never stops the
// rest. Stored frames are published as a single batch.
func (h *Handler) HandleBatch(ctx context.Context, events []Event) BatchResult {
	res := BatchResult{Errors: make([]error, len(events))}

	for i, ev := range events {
		rec, err := h.Handle(ctx, ev)
		if err != nil {
			h.logger.Warn("Failed to handle telemetry event", "error", err)
			res.Errors[i] = err
			continue
		}
		if rec != nil {
			res.Frames = append(res.Frames, *rec)
		}
	}

	if len(res.Frames) > 0 && h.publisher != nil && h.framesSubject != "" {
		if err := h.publisher.Publish(h.framesSubject, detection.FrameBatch{Frames: res.Frames}); err != nil {
			h.logger.Error("Failed to publish frame batch", "frames", len(res.Frames), "error", err)
		}
	}

	return res
}

func (h *Handler) frameTime(t string, enqueued time.Time) time.Time {
	if t != "" {
		ts, err := ParseInferenceTime(t)
		if err == nil {
			return ts
		}
		h.logger.Debug("Falling back to enqueue time", "error", err)
	}
	if !enqueued.IsZero() {
		return enqueued
	}
	return h.now()
}

func isBeforeToday(t, now time.Time) bool {
	ty, tm, td := t.UTC().Date()
	ny, nm, nd := now.UTC().Date()
	return time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC).Before(time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC))
}
