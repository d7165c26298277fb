// Package notify delivers count updates and threshold notifications to
// their consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Spatial-NVR/occupancy/internal/alerting"
	"github.com/Spatial-NVR/occupancy/internal/detection"
)

// Event types carried in EventType
const (
	EventTypeCount        = "people_counting"
	EventTypeNotification = "notification"
)

// EventSource identifies this service as the producer of an event
const EventSource = "occupancy"

// CountUpdate reports the smoothed count of a device after a frame
type CountUpdate struct {
	EventID     string           `json:"event_id"`
	EventType   string           `json:"event_type"`
	DeviceID    string           `json:"device_id"`
	EventSource string           `json:"event_source"`
	EventTime   time.Time        `json:"event_time"`
	HasImage    bool             `json:"has_image"`
	Inference   []detection.Item `json:"inference"`
	Count       int              `json:"count"`
	Previous    int              `json:"previous"`
}

// NewCountUpdate builds the update for frame with the given transition
func NewCountUpdate(frame detection.FrameRecord, previous, current int) CountUpdate {
	return CountUpdate{
		EventID:     frame.ID,
		EventType:   EventTypeCount,
		DeviceID:    frame.DeviceID,
		EventSource: EventSource,
		EventTime:   frame.Time(),
		HasImage:    frame.HasImage,
		Inference:   frame.Detections,
		Count:       current,
		Previous:    previous,
	}
}

// NotificationEvent is the wire form of an alerting.Notification. Data
// holds the JSON encoded rule that fired.
type NotificationEvent struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	DeviceID    string    `json:"device_id"`
	EventSource string    `json:"event_source"`
	EventTime   time.Time `json:"event_time"`
	HasImage    bool      `json:"has_image"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Method      string    `json:"delivery_method"`
	Previous    int       `json:"previous"`
	Current     int       `json:"current"`
	Data        string    `json:"data"`
}

// NewNotificationEvent converts n to its wire form
func NewNotificationEvent(n alerting.Notification) NotificationEvent {
	data, _ := json.Marshal(n.Rule)
	return NotificationEvent{
		EventID:     n.ID,
		EventType:   EventTypeNotification,
		DeviceID:    n.DeviceID,
		EventSource: EventSource,
		EventTime:   n.EventTime.UTC(),
		Title:       n.Rule.Title,
		Message:     n.RenderedMessage,
		Method:      n.Rule.DeliveryMethod,
		Previous:    n.Previous,
		Current:     n.Current,
		Data:        string(data),
	}
}

// Sink receives pipeline output. Deliveries are fire-and-forget for the
// caller; an error is only reported and never retried.
type Sink interface {
	PublishCount(ctx context.Context, update CountUpdate) error
	PublishNotification(ctx context.Context, n alerting.Notification) error
}

// Publisher is the subset of the event bus used by BusSink
type Publisher interface {
	Publish(subject string, data interface{}) error
}

// BusSink publishes to event bus subjects
type BusSink struct {
	bus                 Publisher
	countSubject        string
	notificationSubject string
}

// NewBusSink creates a sink publishing on the given subjects
func NewBusSink(bus Publisher, countSubject, notificationSubject string) *BusSink {
	return &BusSink{
		bus:                 bus,
		countSubject:        countSubject,
		notificationSubject: notificationSubject,
	}
}

func (s *BusSink) PublishCount(_ context.Context, update CountUpdate) error {
	return s.bus.Publish(s.countSubject, update)
}

func (s *BusSink) PublishNotification(_ context.Context, n alerting.Notification) error {
	return s.bus.Publish(s.notificationSubject, NewNotificationEvent(n))
}

// Multi fans out to every sink and joins their errors
type Multi []Sink

func (m Multi) PublishCount(ctx context.Context, update CountUpdate) error {
	var errs []error
	for _, s := range m {
		if err := s.PublishCount(ctx, update); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) PublishNotification(ctx context.Context, n alerting.Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.PublishNotification(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Broadcaster pushes a typed message to the clients following a device
type Broadcaster interface {
	BroadcastToDevice(deviceID, msgType string, data interface{})
}

// HubSink forwards pipeline output to live dashboard clients
type HubSink struct {
	hub Broadcaster
}

// NewHubSink creates a sink broadcasting on hub
func NewHubSink(hub Broadcaster) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) PublishCount(_ context.Context, update CountUpdate) error {
	s.hub.BroadcastToDevice(update.DeviceID, EventTypeCount, update)
	return nil
}

func (s *HubSink) PublishNotification(_ context.Context, n alerting.Notification) error {
	s.hub.BroadcastToDevice(n.DeviceID, EventTypeNotification, NewNotificationEvent(n))
	return nil
}
