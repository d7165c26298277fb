// Package rules stores per-device alert rules and serves them to the
// counting pipeline.
package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Spatial-NVR/occupancy/internal/alerting"
	"github.com/Spatial-NVR/occupancy/internal/database"
)

// ErrNotFound is returned when a rule does not exist
var ErrNotFound = errors.New("rule not found")

// Service manages alert rules
type Service struct {
	db     *database.DB
	logger *slog.Logger
}

// NewService creates a new rule service
func NewService(db *database.DB) *Service {
	return &Service{
		db:     db,
		logger: slog.Default().With("component", "rules"),
	}
}

const selectRule = `
	SELECT id, device_id, threshold, direction, title, message, delivery_method
	FROM alert_rules
`

// Create stores a new rule, assigning an id when empty
func (s *Service) Create(ctx context.Context, rule *alerting.Rule) error {
	if !rule.Direction.Valid() {
		return fmt.Errorf("invalid direction %q", rule.Direction)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().Unix()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO alert_rules (id, device_id, threshold, direction, title, message, delivery_method, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		rule.ID, rule.DeviceID, rule.Threshold, string(rule.Direction),
		rule.Title, rule.Message, rule.DeliveryMethod, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}

	s.logger.Info("Rule created", "id", rule.ID, "device_id", rule.DeviceID, "threshold", rule.Threshold, "direction", rule.Direction)
	return nil
}

// Get retrieves a rule by id
func (s *Service) Get(ctx context.Context, id string) (*alerting.Rule, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(selectRule+` WHERE id = ?`), id)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns all rules, or only those of deviceID when it is not empty
func (s *Service) List(ctx context.Context, deviceID string) ([]alerting.Rule, error) {
	query := selectRule + ` ORDER BY device_id, threshold, id`
	var args []interface{}
	if deviceID != "" {
		query = selectRule + ` WHERE device_id = ? ORDER BY threshold, id`
		args = append(args, deviceID)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	out := []alerting.Rule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

// ListForDevice returns the current rule set of deviceID
func (s *Service) ListForDevice(ctx context.Context, deviceID string) ([]alerting.Rule, error) {
	return s.List(ctx, deviceID)
}

// Update replaces every field of an existing rule
func (s *Service) Update(ctx context.Context, rule *alerting.Rule) error {
	if !rule.Direction.Valid() {
		return fmt.Errorf("invalid direction %q", rule.Direction)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE alert_rules
		SET device_id = ?, threshold = ?, direction = ?, title = ?, message = ?, delivery_method = ?, updated_at = ?
		WHERE id = ?
	`),
		rule.DeviceID, rule.Threshold, string(rule.Direction), rule.Title, rule.Message,
		rule.DeliveryMethod, time.Now().Unix(), rule.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	s.logger.Info("Rule updated", "id", rule.ID, "device_id", rule.DeviceID)
	return nil
}

// Delete removes a rule
func (s *Service) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM alert_rules WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	s.logger.Info("Rule deleted", "id", id)
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row scanner) (*alerting.Rule, error) {
	var rule alerting.Rule
	var direction string
	if err := row.Scan(
		&rule.ID, &rule.DeviceID, &rule.Threshold, &direction,
		&rule.Title, &rule.Message, &rule.DeliveryMethod,
	); err != nil {
		return nil, err
	}
	rule.Direction = alerting.Direction(direction)
	return &rule, nil
}
