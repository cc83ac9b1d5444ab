package store

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration represents a schema migration step.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// MigrationStatus reports the current and available migration versions.
type MigrationStatus struct {
	CurrentVersion   int             `json:"current_version"`
	AvailableVersion int             `json:"available_version"`
	Pending          []MigrationInfo `json:"pending"`
}

// MigrationInfo describes a single migration.
type MigrationInfo struct {
	Version     int    `json:"version"`
	Description string `json:"description"`
}

// migrations is the ordered list of all schema migrations.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema: blob objects and segments",
		SQL: `
CREATE TABLE IF NOT EXISTS blob_objects (
  id TEXT NOT NULL,
  bucket TEXT NOT NULL,
  filename TEXT NOT NULL,
  content_type TEXT NOT NULL,
  size_bytes INTEGER NOT NULL,
  sha256 TEXT NOT NULL,
  segment_size INTEGER NOT NULL,
  segment_count INTEGER NOT NULL,
  object_key TEXT NOT NULL,
  metadata_json TEXT,
  created_at TEXT NOT NULL,
  PRIMARY KEY (bucket, id)
);

CREATE TABLE IF NOT EXISTS blob_segments (
  object_key TEXT NOT NULL,
  seq INTEGER NOT NULL,
  data BLOB NOT NULL,
  checksum TEXT NOT NULL,
  PRIMARY KEY (object_key, seq)
);

CREATE INDEX IF NOT EXISTS idx_blob_objects_created ON blob_objects(bucket, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_blob_objects_key ON blob_objects(object_key);
`,
	},
	{
		Version:     2,
		Description: "variant and owner columns on blob objects",
		SQL: `
ALTER TABLE blob_objects ADD COLUMN variant_of TEXT;
ALTER TABLE blob_objects ADD COLUMN owner_id TEXT;

CREATE INDEX IF NOT EXISTS idx_blob_objects_variant_of ON blob_objects(bucket, variant_of);
CREATE INDEX IF NOT EXISTS idx_blob_objects_owner ON blob_objects(bucket, owner_id);
CREATE INDEX IF NOT EXISTS idx_blob_objects_filename ON blob_objects(bucket, filename COLLATE NOCASE);
`,
	},
	{
		Version:     3,
		Description: "report photo links",
		SQL: `
CREATE TABLE IF NOT EXISTS report_photos (
  report_id TEXT NOT NULL,
  blob_id TEXT NOT NULL,
  filename TEXT NOT NULL,
  content_type TEXT NOT NULL,
  client_id TEXT,
  metadata_json TEXT,
  linked_at TEXT NOT NULL,
  UNIQUE(report_id, blob_id)
);

CREATE INDEX IF NOT EXISTS idx_report_photos_report ON report_photos(report_id, linked_at);
CREATE INDEX IF NOT EXISTS idx_report_photos_blob ON report_photos(blob_id);
`,
	},
}

const migrationsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at TEXT NOT NULL
);
`

// ensureMigrationsTable creates the schema_migrations table if it doesn't exist.
func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(migrationsTableSQL)
	return err
}

// currentVersion returns the highest applied migration version, or 0 if none.
func currentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// detectPreMigrationDB checks if the blob_objects table exists but no migrations have been recorded.
// This indicates a database created before the migration framework was added.
func detectPreMigrationDB(db *sql.DB) (bool, error) {
	var objectsExist int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='blob_objects'").Scan(&objectsExist)
	if err != nil {
		return false, err
	}
	if objectsExist == 0 {
		return false, nil
	}

	// Check if schema_migrations table exists.
	var migrationsExist int
	err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&migrationsExist)
	if err != nil {
		return false, err
	}
	if migrationsExist == 0 {
		return true, nil
	}

	// Table exists but may be empty (e.g. created but no versions recorded).
	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// runMigrations applies all pending migrations in order.
func runMigrations(db *sql.DB) error {
	// Detect pre-migration databases BEFORE creating the migrations table.
	preMigration, err := detectPreMigrationDB(db)
	if err != nil {
		return fmt.Errorf("detect pre-migration db: %w", err)
	}

	if err := ensureMigrationsTable(db); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	if preMigration {
		// Mark migration 1 as applied since the schema already exists.
		if _, err := db.Exec("INSERT OR IGNORE INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))", 1); err != nil {
			return fmt.Errorf("stamp pre-migration db: %w", err)
		}
	}

	current, err := currentVersion(db)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for _, m := range sorted {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))", m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// MigrationPlan returns the current migration status without applying anything.
func MigrationPlan(db *sql.DB) (*MigrationStatus, error) {
	// Detect pre-migration databases BEFORE creating the migrations table.
	preMigration, err := detectPreMigrationDB(db)
	if err != nil {
		return nil, err
	}

	if err := ensureMigrationsTable(db); err != nil {
		return nil, err
	}

	current, err := currentVersion(db)
	if err != nil {
		return nil, err
	}

	// If pre-migration DB, treat as version 1 for planning purposes.
	effective := current
	if preMigration && effective == 0 {
		effective = 1
	}

	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	available := 0
	if len(sorted) > 0 {
		available = sorted[len(sorted)-1].Version
	}

	var pending []MigrationInfo
	for _, m := range sorted {
		if m.Version > effective {
			pending = append(pending, MigrationInfo{Version: m.Version, Description: m.Description})
		}
	}

	return &MigrationStatus{
		CurrentVersion:   effective,
		AvailableVersion: available,
		Pending:          pending,
	}, nil
}
