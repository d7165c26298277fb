package api

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Spatial-NVR/occupancy/internal/alerting"
)

// ValidationError represents a validation error with field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

const maxDeviceIDLen = 128

// ValidateDeviceID validates a device ID format
func ValidateDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("device ID is required")
	}
	if len(id) > maxDeviceIDLen {
		return fmt.Errorf("device ID must be at most %d characters", maxDeviceIDLen)
	}
	if !deviceIDPattern.MatchString(id) {
		return fmt.Errorf("device ID must contain only letters, numbers, dots, colons, underscores, and hyphens")
	}
	return nil
}

// RuleRequest is the body of a rule create or update request. Direction
// accepts the canonical names and the "or more" / "or less" conditions.
type RuleRequest struct {
	DeviceID       string `json:"device_id"`
	Threshold      *int   `json:"threshold"`
	Direction      string `json:"direction"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	DeliveryMethod string `json:"delivery_method"`
}

// RuleValidator validates alert rule requests
type RuleValidator struct {
	errors ValidationErrors
}

// NewRuleValidator creates a new rule validator
func NewRuleValidator() *RuleValidator {
	return &RuleValidator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates req and converts it into a rule
func (v *RuleValidator) Validate(req RuleRequest) (alerting.Rule, ValidationErrors) {
	v.errors = make(ValidationErrors, 0)

	if err := ValidateDeviceID(req.DeviceID); err != nil {
		v.add("device_id", err.Error())
	}

	threshold := 0
	switch {
	case req.Threshold == nil:
		v.add("threshold", "threshold is required")
	case *req.Threshold < 0:
		v.add("threshold", "threshold must not be negative")
	default:
		threshold = *req.Threshold
	}

	dir, err := alerting.ParseDirection(req.Direction)
	if err != nil {
		v.add("direction", "direction must be increasing or decreasing")
	}

	if strings.TrimSpace(req.Title) == "" {
		v.add("title", "title is required")
	} else if len(req.Title) > 200 {
		v.add("title", "title must be at most 200 characters")
	}

	if len(req.Message) > 2000 {
		v.add("message", "message must be at most 2000 characters")
	}

	return alerting.Rule{
		DeviceID:       req.DeviceID,
		Threshold:      threshold,
		Direction:      dir,
		Title:          strings.TrimSpace(req.Title),
		Message:        req.Message,
		DeliveryMethod: req.DeliveryMethod,
	}, v.errors
}

func (v *RuleValidator) add(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}
