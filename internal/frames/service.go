// Package frames persists frame records and serves the trailing windows the
// counting pipeline estimates from.
package frames

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Spatial-NVR/occupancy/internal/database"
	"github.com/Spatial-NVR/occupancy/internal/detection"
)

// Service stores frame records and their detections
type Service struct {
	db     *database.DB
	logger *slog.Logger
}

// NewService creates a new frame service
func NewService(db *database.DB) *Service {
	return &Service{
		db:     db,
		logger: slog.Default().With("component", "frames"),
	}
}

// Device summarises the frames stored for one device
type Device struct {
	DeviceID  string    `json:"device_id"`
	Frames    int       `json:"frames"`
	LastFrame time.Time `json:"last_frame"`
}

// Save stores a frame record and its detections atomically
func (s *Service) Save(ctx context.Context, rec detection.FrameRecord) error {
	if rec.ID == "" || rec.DeviceID == "" {
		return fmt.Errorf("frame record requires id and device id")
	}

	insertFrame := s.db.Rebind(`
		INSERT INTO frames (id, device_id, model_id, ts, has_image, project_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	insertDetection := s.db.Rebind(`
		INSERT INTO detections (frame_id, seq, class_id, confidence, left_px, top_px, right_px, bottom_px)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)

	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insertFrame,
			rec.ID, rec.DeviceID, rec.ModelID, rec.Timestamp, rec.HasImage, rec.ProjectID,
		); err != nil {
			return err
		}

		for i, d := range rec.Detections {
			if _, err := tx.ExecContext(ctx, insertDetection,
				rec.ID, i, int64(d.ClassID), d.Confidence, d.Left, d.Top, d.Right, d.Bottom,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save frame: %w", err)
	}

	s.logger.Debug("Frame stored", "id", rec.ID, "device_id", rec.DeviceID, "detections", len(rec.Detections))
	return nil
}

// Window returns the frames of deviceID with from <= timestamp <= to, newest
// first. Detections keep their decode order.
func (s *Service) Window(ctx context.Context, deviceID string, from, to time.Time) ([]detection.FrameRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT f.id, f.device_id, f.model_id, f.ts, f.has_image, f.project_id,
		       d.class_id, d.confidence, d.left_px, d.top_px, d.right_px, d.bottom_px
		FROM frames f
		LEFT JOIN detections d ON d.frame_id = f.id
		WHERE f.device_id = ? AND f.ts >= ? AND f.ts <= ?
		ORDER BY f.ts DESC, f.id, d.seq
	`), deviceID, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	var out []detection.FrameRecord
	for rows.Next() {
		var rec detection.FrameRecord
		var classID sql.NullInt64
		var confidence sql.NullFloat64
		var left, top, right, bottom sql.NullInt64

		if err := rows.Scan(
			&rec.ID, &rec.DeviceID, &rec.ModelID, &rec.Timestamp, &rec.HasImage, &rec.ProjectID,
			&classID, &confidence, &left, &top, &right, &bottom,
		); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}

		if len(out) == 0 || out[len(out)-1].ID != rec.ID {
			rec.Detections = []detection.Item{}
			out = append(out, rec)
		}
		if !classID.Valid {
			continue
		}

		last := &out[len(out)-1]
		last.Detections = append(last.Detections, detection.Item{
			ClassID:    uint32(classID.Int64),
			Confidence: confidence.Float64,
			Left:       int(left.Int64),
			Top:        int(top.Int64),
			Right:      int(right.Int64),
			Bottom:     int(bottom.Int64),
		})
	}

	return out, rows.Err()
}

// Devices lists every device with stored frames, most recently active first
func (s *Service) Devices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, COUNT(*), MAX(ts)
		FROM frames
		GROUP BY device_id
		ORDER BY MAX(ts) DESC, device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	devices := []Device{}
	for rows.Next() {
		var d Device
		var last int64
		if err := rows.Scan(&d.DeviceID, &d.Frames, &last); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		d.LastFrame = time.Unix(last, 0).UTC()
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Prune deletes frames older than before and returns how many were removed
func (s *Service) Prune(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		// Detections are removed explicitly; foreign keys may be off on
		// connections outside this process.
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`
			DELETE FROM detections WHERE frame_id IN (SELECT id FROM frames WHERE ts < ?)
		`), before.Unix()); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM frames WHERE ts < ?`), before.Unix())
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune frames: %w", err)
	}

	if removed > 0 {
		if err := s.db.Checkpoint(ctx); err != nil {
			s.logger.Warn("Checkpoint after prune failed", "error", err)
		}
	}
	return removed, nil
}
