// Package alerting decides which threshold rules fire on a count transition.
package alerting

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Direction is the way a count must move for a rule to apply
type Direction string

const (
	Increasing Direction = "increasing"
	Decreasing Direction = "decreasing"
)

// ParseDirection accepts the canonical names and the "or more" / "or less"
// conditions used by older rule tables
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "increasing", "or more", "up":
		return Increasing, nil
	case "decreasing", "or less", "down":
		return Decreasing, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// Valid reports whether d is one of the known directions
func (d Direction) Valid() bool {
	return d == Increasing || d == Decreasing
}

// Rule is a per-device threshold alert
type Rule struct {
	ID             string    `json:"id"`
	DeviceID       string    `json:"device_id"`
	Threshold      int       `json:"threshold"`
	Direction      Direction `json:"direction"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	DeliveryMethod string    `json:"delivery_method"`
}

// Crossed reports whether moving from previous to current crosses the
// rule's threshold in the rule's direction
func (r Rule) Crossed(previous, current int) bool {
	switch r.Direction {
	case Increasing:
		return previous < r.Threshold && r.Threshold <= current
	case Decreasing:
		return current <= r.Threshold && r.Threshold < previous
	default:
		return false
	}
}

// Notification is raised once per firing rule per transition
type Notification struct {
	ID              string    `json:"id"`
	DeviceID        string    `json:"device_id"`
	EventTime       time.Time `json:"event_time"`
	Rule            Rule      `json:"rule"`
	RenderedMessage string    `json:"rendered_message"`
	Previous        int       `json:"previous"`
	Current         int       `json:"current"`
}

// Evaluate returns one notification for every rule of deviceID that the
// transition from previous to current crosses. Rules are independent: all
// of them are checked and overlapping thresholds fire together. An
// unchanged count fires nothing.
func Evaluate(deviceID string, previous, current int, rules []Rule, eventTime time.Time) []Notification {
	if current == previous {
		return nil
	}

	dir := Decreasing
	if current > previous {
		dir = Increasing
	}

	var out []Notification
	for _, r := range rules {
		if r.DeviceID != deviceID || r.Direction != dir {
			continue
		}
		if !r.Crossed(previous, current) {
			continue
		}
		out = append(out, Notification{
			DeviceID:        deviceID,
			EventTime:       eventTime,
			Rule:            r,
			RenderedMessage: Render(r, deviceID, previous, current),
			Previous:        previous,
			Current:         current,
		})
	}
	return out
}

// Render substitutes {device}, {count}, {previous}, {threshold} and {title}
// in the rule message
func Render(r Rule, deviceID string, previous, current int) string {
	return strings.NewReplacer(
		"{device}", deviceID,
		"{count}", strconv.Itoa(current),
		"{previous}", strconv.Itoa(previous),
		"{threshold}", strconv.Itoa(r.Threshold),
		"{title}", r.Title,
	).Replace(r.Message)
}
