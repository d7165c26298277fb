package frames

import (
	"context"
	"path/filepath"
	"reflect"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/Spatial-NVR/occupancy/internal/database"
	"github.com/Spatial-NVR/occupancy/internal/detection"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(&database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return db
}

func record(id, device string, ts int64, classes ...uint32) detection.FrameRecord {
	items := make([]detection.Item, 0, len(classes))
	for i, c := range classes {
		items = append(items, detection.Item{ClassID: c, Confidence: 0.5, Left: i, Top: i, Right: i + 10, Bottom: i + 20})
	}
	return detection.FrameRecord{ID: id, DeviceID: device, ModelID: "m", Timestamp: ts, Detections: items}
}

func TestService_SaveAndWindow(t *testing.T) {
	ctx := context.Background()
	s := NewService(setupTestDB(t))

	recs := []detection.FrameRecord{
		record("a", "cam-1", 100, 0, 0, 1),
		record("b", "cam-1", 103),
		record("c", "cam-1", 105, 0),
		record("d", "cam-1", 90, 0),
		record("e", "cam-2", 104, 0, 0),
	}
	recs[1].HasImage = true
	recs[2].ProjectID = "proj"

	for _, rec := range recs {
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save(%s) failed: %v", rec.ID, err)
		}
	}

	got, err := s.Window(ctx, "cam-1", time.Unix(100, 0), time.Unix(105, 0))
	if err != nil {
		t.Fatalf("Window failed: %v", err)
	}

	want := []detection.FrameRecord{recs[2], recs[1], recs[0]}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}

func TestService_WindowEmpty(t *testing.T) {
	s := NewService(setupTestDB(t))

	got, err := s.Window(context.Background(), "cam-1", time.Unix(0, 0), time.Unix(100, 0))
	if err != nil {
		t.Fatalf("Window failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected no frames, got %d", len(got))
	}
}

func TestService_SaveDuplicateRollsBack(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := NewService(db)

	if err := s.Save(ctx, record("a", "cam-1", 100, 0)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Save(ctx, record("a", "cam-1", 101, 0, 0)); err == nil {
		t.Fatal("Expected duplicate id to fail")
	}

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM detections").Scan(&n); err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 detection after rollback, got %d", n)
	}
}

func TestService_SaveRequiresIDs(t *testing.T) {
	s := NewService(setupTestDB(t))
	if err := s.Save(context.Background(), detection.FrameRecord{DeviceID: "cam-1"}); err == nil {
		t.Error("Expected error for record without id")
	}
}

func TestService_Devices(t *testing.T) {
	ctx := context.Background()
	s := NewService(setupTestDB(t))

	_ = s.Save(ctx, record("a", "cam-1", 100))
	_ = s.Save(ctx, record("b", "cam-1", 110))
	_ = s.Save(ctx, record("c", "cam-2", 120))

	devices, err := s.Devices(ctx)
	if err != nil {
		t.Fatalf("Devices failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("Expected 2 devices, got %d", len(devices))
	}
	if devices[0].DeviceID != "cam-2" || devices[1].DeviceID != "cam-1" {
		t.Errorf("Expected most recent first, got %+v", devices)
	}
	if devices[1].Frames != 2 || devices[1].LastFrame.Unix() != 110 {
		t.Errorf("Unexpected summary %+v", devices[1])
	}
}

func TestService_Prune(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := NewService(db)

	_ = s.Save(ctx, record("old", "cam-1", 100, 0, 0))
	_ = s.Save(ctx, record("new", "cam-1", 200, 0))

	removed, err := s.Prune(ctx, time.Unix(150, 0))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 frame removed, got %d", removed)
	}

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM detections").Scan(&n); err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 detection left, got %d", n)
	}
}

func TestService_PostgresPlaceholders(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer sqlDB.Close()

	s := NewService(database.New(sqlDB, database.Postgres))
	rec := record("a", "cam-1", 100, 3)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO frames (id, device_id, model_id, ts, has_image, project_id) VALUES ($1, $2, $3, $4, $5, $6)")).
		WithArgs("a", "cam-1", "m", int64(100), false, "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO detections (frame_id, seq, class_id, confidence, left_px, top_px, right_px, bottom_px) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)")).
		WithArgs("a", 0, int64(3), 0.5, 0, 0, 10, 20).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := s.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("WHERE f.device_id = $1 AND f.ts >= $2 AND f.ts <= $3")).
		WithArgs("cam-1", int64(95), int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "device_id", "model_id", "ts", "has_image", "project_id",
			"class_id", "confidence", "left_px", "top_px", "right_px", "bottom_px",
		}).
			AddRow("a", "cam-1", "m", int64(100), false, "", int64(3), 0.5, int64(0), int64(0), int64(10), int64(20)).
			AddRow("b", "cam-1", "m", int64(99), false, "", nil, nil, nil, nil, nil, nil))

	got, err := s.Window(context.Background(), "cam-1", time.Unix(95, 0), time.Unix(100, 0))
	if err != nil {
		t.Fatalf("Window failed: %v", err)
	}
	if len(got) != 2 || len(got[0].Detections) != 1 || len(got[1].Detections) != 0 {
		t.Errorf("Unexpected window %+v", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
