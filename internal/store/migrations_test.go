package store

import (
	"database/sql"
	"net/url"
	"path/filepath"
	"testing"
)

func testRawDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	u := url.URL{Scheme: "file", Path: path}
	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&count); err != nil {
		t.Fatalf("check %s: %v", name, err)
	}
	return count == 1
}

func TestRunMigrationsFreshDB(t *testing.T) {
	db := testRawDB(t)

	if err := runMigrations(db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	version, err := currentVersion(db)
	if err != nil {
		t.Fatalf("current version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected version %d, got %d", len(migrations), version)
	}

	for _, name := range []string{"blob_objects", "blob_segments", "report_photos"} {
		if !tableExists(t, db, name) {
			t.Fatalf("%s table not created", name)
		}
	}
}

func TestRunMigrationsIdempotent(t *testing.T) {
	db := testRawDB(t)

	if err := runMigrations(db); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := runMigrations(db); err != nil {
		t.Fatalf("second run: %v", err)
	}

	version, err := currentVersion(db)
	if err != nil {
		t.Fatalf("current version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected version %d, got %d", len(migrations), version)
	}
}

func TestDetectPreMigrationDB(t *testing.T) {
	db := testRawDB(t)

	pre, err := detectPreMigrationDB(db)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if pre {
		t.Fatal("empty DB should not be pre-migration")
	}

	if _, err := db.Exec(migrations[0].SQL); err != nil {
		t.Fatalf("create v1 schema: %v", err)
	}

	pre, err = detectPreMigrationDB(db)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !pre {
		t.Fatal("DB with blob_objects but no schema_migrations should be pre-migration")
	}
}

func TestMigrationPlan(t *testing.T) {
	db := testRawDB(t)

	plan, err := MigrationPlan(db)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.CurrentVersion != 0 {
		t.Fatalf("expected current 0, got %d", plan.CurrentVersion)
	}
	if plan.AvailableVersion != len(migrations) {
		t.Fatalf("expected available %d, got %d", len(migrations), plan.AvailableVersion)
	}
	if len(plan.Pending) != len(migrations) {
		t.Fatalf("expected %d pending, got %d", len(migrations), len(plan.Pending))
	}

	if err := runMigrations(db); err != nil {
		t.Fatalf("run: %v", err)
	}
	plan, err = MigrationPlan(db)
	if err != nil {
		t.Fatalf("plan after run: %v", err)
	}
	if len(plan.Pending) != 0 {
		t.Fatalf("expected no pending, got %d", len(plan.Pending))
	}
}

func TestPreMigrationDBUpgradePath(t *testing.T) {
	db := testRawDB(t)

	if _, err := db.Exec(migrations[0].SQL); err != nil {
		t.Fatalf("create v1 schema: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO blob_objects
		(id, bucket, filename, content_type, size_bytes, sha256, segment_size, segment_count, object_key, created_at)
		VALUES ('a', 'photos', 'a.jpg', 'image/jpeg', 0, '', 1024, 0, 'k1', '2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := runMigrations(db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	var variantOf sql.NullString
	if err := db.QueryRow("SELECT variant_of FROM blob_objects WHERE id = 'a'").Scan(&variantOf); err != nil {
		t.Fatalf("query variant_of: %v", err)
	}
	if variantOf.Valid {
		t.Fatalf("expected NULL variant_of on upgraded row, got %q", variantOf.String)
	}
	if !tableExists(t, db, "report_photos") {
		t.Fatal("report_photos table not created on upgrade")
	}
}
