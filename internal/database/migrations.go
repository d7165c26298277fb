package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Migration is one versioned schema change
type Migration struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	SQL       string    `json:"-"`
	AppliedAt time.Time `json:"applied_at,omitempty"`
}

// SchemaStatus splits the known migrations into applied and pending
type SchemaStatus struct {
	Version int         `json:"version"` // highest applied, 0 for an empty schema
	Applied []Migration `json:"applied"`
	Pending []Migration `json:"pending"`
}

// ledger holds the dialect specific statements of the schema_migrations table
type ledger struct {
	create string
	record string // takes version, name
}

var ledgers = map[Dialect]ledger{
	SQLite: {
		create: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL DEFAULT (unixepoch())
		) STRICT`,
		record: "INSERT OR REPLACE INTO schema_migrations (version, name) VALUES (?, ?)",
	},
	Postgres: {
		create: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at BIGINT NOT NULL DEFAULT (EXTRACT(EPOCH FROM now())::BIGINT)
		)`,
		record: "INSERT INTO schema_migrations (version, name) VALUES (?, ?) ON CONFLICT (version) DO UPDATE SET name = EXCLUDED.name",
	},
}

// Migrator applies the embedded migrations of the connected dialect
type Migrator struct {
	db     *DB
	ledger ledger
	logger *slog.Logger
}

// NewMigrator creates a new migrator
func NewMigrator(db *DB) *Migrator {
	return &Migrator{
		db:     db,
		ledger: ledgers[db.Dialect()],
		logger: slog.Default().With("component", "migrator"),
	}
}

// Run applies every pending migration, each in its own transaction
func (m *Migrator) Run(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, m.ledger.create); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	status, err := m.Status(ctx)
	if err != nil {
		return err
	}

	for _, mig := range status.Pending {
		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Name, err)
		}
		m.logger.Info("Applied migration", "version", mig.Version, "name", mig.Name)
	}

	m.logger.Info("Database schema up to date", "applied", len(status.Applied)+len(status.Pending))
	return nil
}

// Status compares the recorded migrations with the embedded ones. It
// fails when Run has never created the ledger.
func (m *Migrator) Status(ctx context.Context) (SchemaStatus, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return SchemaStatus{}, err
	}
	known, err := loadMigrations(m.db.Dialect())
	if err != nil {
		return SchemaStatus{}, err
	}

	status := SchemaStatus{Applied: []Migration{}, Pending: []Migration{}}
	for _, mig := range known {
		at, ok := applied[mig.Version]
		if !ok {
			status.Pending = append(status.Pending, mig)
			continue
		}
		mig.AppliedAt = at
		status.Applied = append(status.Applied, mig)
		status.Version = mig.Version
	}
	return status, nil
}

// Check reports an error while migrations are pending; it suits a health
// check
func (m *Migrator) Check(ctx context.Context) error {
	status, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if n := len(status.Pending); n > 0 {
		return fmt.Errorf("%d migrations pending after version %d", n, status.Version)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var at int64
		if err := rows.Scan(&version, &at); err != nil {
			return nil, err
		}
		out[version] = time.Unix(at, 0)
	}
	return out, rows.Err()
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	return m.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, m.db.Rebind(m.ledger.record), mig.Version, mig.Name)
		return err
	})
}

// loadMigrations reads migrations/<dialect>/NNN_name.sql sorted by version
func loadMigrations(dialect Dialect) ([]Migration, error) {
	dir := path.Join("migrations", string(dialect))
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations for %s: %w", dialect, err)
	}

	var out []Migration
	for _, entry := range entries {
		base, ok := strings.CutSuffix(entry.Name(), ".sql")
		if entry.IsDir() || !ok {
			continue
		}
		num, name, ok := strings.Cut(base, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(num)
		if err != nil {
			slog.Warn("Invalid migration filename", "component", "migrator", "file", entry.Name())
			continue
		}

		content, err := fs.ReadFile(migrationsFS, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: name, SQL: string(content)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
