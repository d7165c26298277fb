// Package counting runs the occupancy pipeline for stored frames: window
// lookup, mode estimate, transition detection and threshold alerting.
package counting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/Spatial-NVR/occupancy/internal/alerting"
	"github.com/Spatial-NVR/occupancy/internal/detection"
	"github.com/Spatial-NVR/occupancy/internal/metrics"
	"github.com/Spatial-NVR/occupancy/internal/notify"
	"github.com/Spatial-NVR/occupancy/internal/occupancy"
	"github.com/Spatial-NVR/occupancy/internal/transition"
)

// WindowSource returns the frame records of a device with timestamps in
// [from, to], newest first
type WindowSource interface {
	Window(ctx context.Context, deviceID string, from, to time.Time) ([]detection.FrameRecord, error)
}

// RuleSource returns the alert rules of a device
type RuleSource interface {
	ListForDevice(ctx context.Context, deviceID string) ([]alerting.Rule, error)
}

// Settings are the tunable parameters of the pipeline
type Settings struct {
	// TrackedClass is the detection class that is counted
	TrackedClass uint32
	// FilterWidth is the trailing window width
	FilterWidth time.Duration
	// EventTimeout bounds the collaborator calls made for one frame
	EventTimeout time.Duration
	// Workers bounds the number of devices processed in parallel
	Workers int
}

// DefaultSettings returns the default pipeline settings
func DefaultSettings() Settings {
	return Settings{
		TrackedClass: 0,
		FilterWidth:  occupancy.DefaultWidth,
		EventTimeout: 10 * time.Second,
		Workers:      8,
	}
}

func (s Settings) normalize() Settings {
	d := DefaultSettings()
	if s.FilterWidth <= 0 {
		s.FilterWidth = d.FilterWidth
	}
	if s.EventTimeout <= 0 {
		s.EventTimeout = d.EventTimeout
	}
	if s.Workers <= 0 {
		s.Workers = d.Workers
	}
	return s
}

// RetryableError reports a collaborator failure for one frame. The tracker
// state of the device is unchanged when Op is "window" or "rules", so the
// frame can be processed again.
type RetryableError struct {
	DeviceID string
	FrameID  string
	Op       string
	Err      error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("device %s frame %s: %s failed: %v", e.DeviceID, e.FrameID, e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Outcome classifies what processing a frame produced
type Outcome int

const (
	// OutcomeUnknown means the window was empty and nothing was observed
	OutcomeUnknown Outcome = iota
	// OutcomeBaseline means the device had no live previous count
	OutcomeBaseline
	// OutcomeUnchanged means the estimate equals the previous count
	OutcomeUnchanged
	// OutcomeChanged means the estimate moved and rules were evaluated
	OutcomeChanged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnknown:
		return "unknown"
	case OutcomeBaseline:
		return "baseline"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeChanged:
		return "changed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is the outcome of processing one frame
type Result struct {
	Outcome       Outcome
	Previous      int
	Current       int
	Notifications []alerting.Notification
}

// Processor runs the pipeline. It is safe for concurrent use; frames of the
// same device should be submitted in timestamp order.
type Processor struct {
	windows WindowSource
	rules   RuleSource
	tracker *transition.Tracker
	sink    notify.Sink
	metrics *metrics.Metrics

	mu       sync.RWMutex
	settings Settings

	now    func() time.Time
	logger *slog.Logger
}

// NewProcessor creates a processor. sink and m may be nil.
func NewProcessor(windows WindowSource, rules RuleSource, tracker *transition.Tracker, sink notify.Sink, m *metrics.Metrics, settings Settings) *Processor {
	if sink == nil {
		sink = notify.Multi{}
	}
	return &Processor{
		windows:  windows,
		rules:    rules,
		tracker:  tracker,
		sink:     sink,
		metrics:  m,
		settings: settings.normalize(),
		now:      time.Now,
		logger:   slog.Default().With("component", "counting"),
	}
}

// Settings returns the current settings
func (p *Processor) Settings() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

// UpdateSettings replaces the settings for frames processed from now on
func (p *Processor) UpdateSettings(s Settings) {
	s = s.normalize()

	p.mu.Lock()
	p.settings = s
	p.mu.Unlock()

	p.logger.Info("Counting settings updated",
		"tracked_class", s.TrackedClass,
		"filter_width", s.FilterWidth,
		"event_timeout", s.EventTimeout,
		"workers", s.Workers)
}

// Process runs the pipeline for one stored frame. Rules are fetched before
// the tracker is touched so that a failed lookup leaves the device's
// previous count intact. Sink failures are logged and never returned.
func (p *Processor) Process(ctx context.Context, frame detection.FrameRecord) (Result, error) {
	start := time.Now()
	defer func() { p.metrics.ObserveProcess(time.Since(start)) }()

	s := p.Settings()
	ctx, cancel := context.WithTimeout(ctx, s.EventTimeout)
	defer cancel()

	est := occupancy.NewEstimator(s.TrackedClass, s.FilterWidth)
	at := frame.Time()
	from, to := est.Range(at)

	window, err := p.windows.Window(ctx, frame.DeviceID, from, to)
	if err != nil {
		p.metrics.Estimate("error")
		return Result{}, &RetryableError{DeviceID: frame.DeviceID, FrameID: frame.ID, Op: "window", Err: err}
	}

	smoothed, ok := est.Smooth(frame.DeviceID, window, at)
	if !ok {
		p.metrics.Estimate(OutcomeUnknown.String())
		p.logger.Debug("No frames in window", "device_id", frame.DeviceID, "frame_id", frame.ID)
		return Result{Outcome: OutcomeUnknown}, nil
	}

	rules, err := p.rules.ListForDevice(ctx, frame.DeviceID)
	if err != nil {
		p.metrics.Estimate("error")
		return Result{}, &RetryableError{DeviceID: frame.DeviceID, FrameID: frame.ID, Op: "rules", Err: err}
	}

	tr, err := p.tracker.Observe(ctx, frame.DeviceID, smoothed.Value, p.now())
	if err != nil {
		p.metrics.Estimate("error")
		return Result{}, &RetryableError{DeviceID: frame.DeviceID, FrameID: frame.ID, Op: "tracker", Err: err}
	}
	p.metrics.SetCount(frame.DeviceID, tr.Current)

	res := Result{Previous: tr.Previous, Current: tr.Current}

	if tr.Kind == transition.Baseline {
		res.Outcome = OutcomeBaseline
		p.metrics.Estimate(res.Outcome.String())
		return res, nil
	}

	if err := p.sink.PublishCount(ctx, notify.NewCountUpdate(frame, tr.Previous, tr.Current)); err != nil {
		p.metrics.SinkError("count")
		p.logger.Warn("Failed to publish count update", "device_id", frame.DeviceID, "error", err)
	}

	if !tr.Changed() {
		res.Outcome = OutcomeUnchanged
		p.metrics.Estimate(res.Outcome.String())
		return res, nil
	}

	p.logger.Info("Count was changed", "device_id", frame.DeviceID, "previous", tr.Previous, "current", tr.Current)

	notes := alerting.Evaluate(frame.DeviceID, tr.Previous, tr.Current, rules, at)
	for i := range notes {
		notes[i].ID = uuid.New().String()
		if err := p.sink.PublishNotification(ctx, notes[i]); err != nil {
			p.metrics.SinkError("notification")
			p.logger.Warn("Failed to publish notification", "device_id", frame.DeviceID, "rule_id", notes[i].Rule.ID, "error", err)
		}
	}
	p.metrics.Notifications(len(notes))

	res.Outcome = OutcomeChanged
	res.Notifications = notes
	p.metrics.Estimate(res.Outcome.String())
	return res, nil
}

// ProcessBatch processes every frame of the batch. Frames are grouped by
// device and handled in timestamp order; devices run in parallel up to the
// configured worker count. A failing frame never stops the others; all
// failures are joined into the returned error.
func (p *Processor) ProcessBatch(ctx context.Context, frames []detection.FrameRecord) error {
	if len(frames) == 0 {
		return nil
	}

	byDevice := make(map[string][]detection.FrameRecord)
	for _, f := range frames {
		byDevice[f.DeviceID] = append(byDevice[f.DeviceID], f)
	}

	devices := make([]string, 0, len(byDevice))
	for id := range byDevice {
		devices = append(devices, id)
	}
	sort.Strings(devices)

	errs := make([][]error, len(devices))

	var g errgroup.Group
	g.SetLimit(p.Settings().Workers)

	for i, id := range devices {
		group := byDevice[id]
		sort.SliceStable(group, func(a, b int) bool { return group[a].Timestamp < group[b].Timestamp })

		g.Go(func() error {
			for _, f := range group {
				if ctx.Err() != nil {
					errs[i] = append(errs[i], ctx.Err())
					return nil
				}
				if _, err := p.Process(ctx, f); err != nil {
					errs[i] = append(errs[i], err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	var all []error
	for _, e := range errs {
		all = append(all, e...)
	}
	return errors.Join(all...)
}

// CurrentEstimate returns the live count of a device, ok=false when the
// device has not been observed within the tracker TTL
func (p *Processor) CurrentEstimate(ctx context.Context, deviceID string) (int, bool, error) {
	return p.tracker.Last(ctx, deviceID, p.now())
}

// Subscriber is the subset of the event bus used to receive frame batches
type Subscriber interface {
	QueueSubscribe(subject, queue string, handler func(*nats.Msg)) (*nats.Subscription, error)
}

// Subscribe processes every detection.FrameBatch published on subject
func (p *Processor) Subscribe(bus Subscriber, subject, queue string) (*nats.Subscription, error) {
	return bus.QueueSubscribe(subject, queue, p.HandleMsg)
}

// HandleMsg processes one frame batch message
func (p *Processor) HandleMsg(msg *nats.Msg) {
	var batch detection.FrameBatch
	if err := json.Unmarshal(msg.Data, &batch); err != nil {
		p.logger.Warn("Failed to parse frame batch", "subject", msg.Subject, "error", err)
		return
	}

	if err := p.ProcessBatch(context.Background(), batch.Frames); err != nil {
		p.logger.Warn("Failed to process frames", "frames", len(batch.Frames), "error", err)
	}
}
