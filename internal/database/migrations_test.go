package database

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestNewMigrator(t *testing.T) {
	db := openTestDB(t)

	migrator := NewMigrator(db)
	if migrator == nil {
		t.Fatal("NewMigrator returned nil")
	}
	if migrator.db != db {
		t.Error("Migrator db not set correctly")
	}
	if migrator.logger == nil {
		t.Error("Migrator logger should be set")
	}
	if migrator.ledger.create == "" || migrator.ledger.record == "" {
		t.Error("Migrator ledger statements should be set")
	}
}

func TestMigrator_Run(t *testing.T) {
	db := openTestDB(t)
	migrator := NewMigrator(db)

	if err := migrator.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, table := range []string{"schema_migrations", "frames", "detections", "alert_rules"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s should exist: %v", table, err)
		}
	}

	// Running again should be idempotent
	if err := migrator.Run(context.Background()); err != nil {
		t.Fatalf("Second Run failed: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("Failed to query schema_migrations: %v", err)
	}
	available, _ := loadMigrations(SQLite)
	if count != len(available) {
		t.Errorf("Expected %d recorded migrations, got %d", len(available), count)
	}
}

func TestMigrator_Status(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	migrator := NewMigrator(db)

	if _, err := migrator.Status(ctx); err == nil {
		t.Error("Expected error before the ledger exists")
	}

	if _, err := db.Exec(migrator.ledger.create); err != nil {
		t.Fatalf("Failed to create ledger: %v", err)
	}
	if _, err := db.Exec("INSERT INTO schema_migrations (version, name, applied_at) VALUES (1, 'frames', ?)", time.Now().Unix()); err != nil {
		t.Fatalf("Failed to record migration: %v", err)
	}

	status, err := migrator.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Version != 1 || len(status.Applied) != 1 || status.Applied[0].AppliedAt.IsZero() {
		t.Errorf("Expected version 1 applied, got %+v", status)
	}
	if len(status.Pending) == 0 {
		t.Error("Expected pending migrations")
	}
	if err := migrator.Check(ctx); err == nil {
		t.Error("Expected Check to fail while migrations are pending")
	}

	if err := migrator.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	status, err = migrator.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(status.Pending) != 0 {
		t.Errorf("Expected no pending migrations, got %+v", status.Pending)
	}
	if err := migrator.Check(ctx); err != nil {
		t.Errorf("Check failed after Run: %v", err)
	}
}

func TestLoadMigrations(t *testing.T) {
	for _, dialect := range []Dialect{SQLite, Postgres} {
		t.Run(string(dialect), func(t *testing.T) {
			migrations, err := loadMigrations(dialect)
			if err != nil {
				t.Fatalf("loadMigrations failed: %v", err)
			}
			if len(migrations) < 2 {
				t.Fatalf("Expected frames and rules migrations, got %d", len(migrations))
			}

			for i := 1; i < len(migrations); i++ {
				if migrations[i].Version <= migrations[i-1].Version {
					t.Error("Migrations should be sorted by version ascending")
				}
			}

			for _, m := range migrations {
				if m.Version == 0 || m.Name == "" || m.SQL == "" {
					t.Errorf("Incomplete migration %+v", m)
				}
			}
		})
	}

	if _, err := loadMigrations("oracle"); err == nil {
		t.Error("Expected error for unknown dialect")
	}
}

func TestMigrator_RunPostgres(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer sqlDB.Close()

	migrator := NewMigrator(New(sqlDB, Postgres))
	available, err := loadMigrations(Postgres)
	if err != nil {
		t.Fatalf("loadMigrations failed: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, applied_at FROM schema_migrations ORDER BY version")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "applied_at"}).AddRow(1, time.Now().Unix()))

	// Version 1 is already applied
	for _, m := range available[1:] {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(m.SQL)).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (version, name) VALUES ($1, $2) ON CONFLICT (version) DO UPDATE SET name = EXCLUDED.name")).
			WithArgs(m.Version, m.Name).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()
	}

	if err := migrator.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMigrator_ContextCancellation(t *testing.T) {
	db := openTestDB(t)
	migrator := NewMigrator(db)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// May or may not error depending on timing, but should not panic
	_ = migrator.Run(ctx)
}
