// Package detection decodes camera detection records and assembles the
// per-frame records the counting pipeline works on.
package detection

import (
	"fmt"
	"time"
)

// Item is a single object detected in a frame
type Item struct {
	ClassID    uint32  `json:"class_id"`
	Confidence float64 `json:"confidence"`
	Left       int     `json:"left"`
	Top        int     `json:"top"`
	Right      int     `json:"right"`
	Bottom     int     `json:"bottom"`
}

// FrameRecord is the decoded result of one inference on one device
type FrameRecord struct {
	ID         string `json:"id"`
	DeviceID   string `json:"device_id"`
	ModelID    string `json:"model_id"`
	Timestamp  int64  `json:"timestamp"` // unix seconds
	Detections []Item `json:"detections"`
	HasImage   bool   `json:"has_image"`
	ProjectID  string `json:"project_id,omitempty"`
}

// Time returns the record timestamp as a UTC time
func (r FrameRecord) Time() time.Time {
	return time.Unix(r.Timestamp, 0).UTC()
}

// Count returns the number of detections of the given class
func (r FrameRecord) Count(classID uint32) int {
	n := 0
	for _, d := range r.Detections {
		if d.ClassID == classID {
			n++
		}
	}
	return n
}

// Metadata carries the envelope fields attached to a decoded inference
type Metadata struct {
	DeviceID  string
	ModelID   string
	Timestamp time.Time
	HasImage  bool
	ProjectID string
}

// DecodeError is returned when a detection record cannot be decoded
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid detection record: %s: %v", e.Reason, e.Err)
	}
	return "invalid detection record: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// FrameBatch is the unit published from ingestion to counting
type FrameBatch struct {
	Frames []FrameRecord `json:"frames"`
}
