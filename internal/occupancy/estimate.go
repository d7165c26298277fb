// Package occupancy turns a trailing window of frame records into a
// de-noised occupancy count.
package occupancy

import (
	"time"

	"github.com/Spatial-NVR/occupancy/internal/detection"
)

// DefaultWidth is the default trailing window width
const DefaultWidth = 5 * time.Second

// Window is the set of frame records of one device inside [t-W, t]
type Window []detection.FrameRecord

// SmoothedCount is the filtered occupancy of a device at a point in time
type SmoothedCount struct {
	DeviceID   string `json:"device_id"`
	Value      int    `json:"value"`
	ComputedAt int64  `json:"computed_at"`
}

// Estimate returns the most frequent per-frame count of trackedClass in the
// window. Ties resolve to the smallest count. An empty window has no
// estimate and returns ok=false, which callers must not read as zero.
func Estimate(window Window, trackedClass uint32) (count int, ok bool) {
	if len(window) == 0 {
		return 0, false
	}

	freq := make(map[int]int, len(window))
	for _, rec := range window {
		freq[rec.Count(trackedClass)]++
	}

	best, bestFreq := 0, 0
	for c, f := range freq {
		if f > bestFreq || (f == bestFreq && c < best) {
			best, bestFreq = c, f
		}
	}
	return best, true
}

// Estimator bundles the tracked class with the filter width
type Estimator struct {
	TrackedClass uint32
	Width        time.Duration
}

// NewEstimator returns an estimator, falling back to DefaultWidth for
// non-positive widths
func NewEstimator(trackedClass uint32, width time.Duration) Estimator {
	if width <= 0 {
		width = DefaultWidth
	}
	return Estimator{TrackedClass: trackedClass, Width: width}
}

// Range returns the window bounds ending at t, both inclusive
func (e Estimator) Range(t time.Time) (from, to time.Time) {
	return t.Add(-e.Width), t
}

// Smooth estimates the count for deviceID from window. ok is false when the
// window is empty.
func (e Estimator) Smooth(deviceID string, window Window, at time.Time) (SmoothedCount, bool) {
	v, ok := Estimate(window, e.TrackedClass)
	if !ok {
		return SmoothedCount{}, false
	}
	return SmoothedCount{DeviceID: deviceID, Value: v, ComputedAt: at.Unix()}, true
}
