// Package ingest turns camera telemetry into stored frame records.
package ingest

import (
	"fmt"
	"strconv"
	"time"
)

// Message sources found as top-level keys of a telemetry envelope
const (
	SourcePlaceholder = "backdoor-EA_Main/placeholder"
	SourceHeartbeat   = "backdoor-EA_Main/Heartbeat"
)

// Telemetry is the inference message published by a camera
type Telemetry struct {
	DeviceID   string      `json:"DeviceID"`
	ModelID    string      `json:"ModelID"`
	Image      bool        `json:"Image"`
	Inferences []Inference `json:"Inferences"`
	ProjectID  string      `json:"project_id"`
}

// Inference is one inference result: T is the capture time as
// yyyyMMddHHmmssfff and O the base64 detection record
type Inference struct {
	T string `json:"T"`
	O string `json:"O"`
}

// Event is one message delivered by the transport
type Event struct {
	Body       []byte
	EnqueuedAt time.Time
}

// ParseInferenceTime parses the compact capture time format
// yyyyMMddHHmmssfff (milliseconds optional) as UTC
func ParseInferenceTime(s string) (time.Time, error) {
	if len(s) != 14 && len(s) != 17 {
		return time.Time{}, fmt.Errorf("invalid inference time %q", s)
	}

	t, err := time.ParseInLocation("20060102150405", s[:14], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid inference time %q: %w", s, err)
	}

	if len(s) == 17 {
		ms, err := strconv.Atoi(s[14:])
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid inference time %q: %w", s, err)
		}
		t = t.Add(time.Duration(ms) * time.Millisecond)
	}
	return t, nil
}
