package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	busyTimeoutMS          = 5000
	defaultMaxOpenConns    = 4
	defaultMaxIdleConns    = 4
	defaultConnMaxLifetime = 5 * time.Minute

	maxOpenConnsEnvKey    = "PHOTOVAULT_DB_MAX_OPEN_CONNS"
	connMaxLifetimeEnvKey = "PHOTOVAULT_DB_CONN_MAX_LIFETIME"
)

// Store wraps the SQLite database holding blob objects, their segments and
// report photo links.
type Store struct {
	db *sql.DB
}

// Info summarizes stored content.
type Info struct {
	SchemaVersion int              `json:"schema_version"`
	ObjectCounts  map[string]int   `json:"object_counts"`
	ObjectBytes   map[string]int64 `json:"object_bytes"`
	TotalObjects  int              `json:"total_objects"`
	ReportLinks   int              `json:"report_links"`
}

// Open opens the SQLite database and bootstraps the schema.
func Open(path string) (*Store, error) {
	dsn, err := sqliteDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := configureDB(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// StoreInfo reports schema version and per-bucket object totals.
func (s *Store) StoreInfo(ctx context.Context) (Info, error) {
	info := Info{ObjectCounts: map[string]int{}, ObjectBytes: map[string]int64{}}

	version, err := currentVersion(s.db)
	if err != nil {
		return info, err
	}
	info.SchemaVersion = version

	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket, COUNT(*), COALESCE(SUM(size_bytes), 0)
		FROM blob_objects
		WHERE variant_of IS NULL
		GROUP BY bucket`)
	if err != nil {
		return info, err
	}
	defer rows.Close()
	for rows.Next() {
		var bucket string
		var count int
		var size int64
		if err := rows.Scan(&bucket, &count, &size); err != nil {
			return info, err
		}
		info.ObjectCounts[bucket] = count
		info.ObjectBytes[bucket] = size
		info.TotalObjects += count
	}
	if err := rows.Err(); err != nil {
		return info, err
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM report_photos").Scan(&info.ReportLinks); err != nil {
		return info, err
	}
	return info, nil
}

func configureDB(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		// Puts and deletes must be durable before the call returns.
		"PRAGMA synchronous = FULL;",
		"PRAGMA foreign_keys = ON;",
		fmt.Sprintf("PRAGMA busy_timeout = %d;", busyTimeoutMS),
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	maxOpen := intFromEnv(maxOpenConnsEnvKey, defaultMaxOpenConns)
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(min(defaultMaxIdleConns, maxOpen))
	db.SetConnMaxLifetime(durationFromEnv(connMaxLifetimeEnvKey, defaultConnMaxLifetime))

	return nil
}

func sqliteDSN(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("db path is required")
	}
	u := url.URL{Scheme: "file", Path: path}
	q := url.Values{}
	q.Set("_txlock", "immediate")
	// Pragmas are per connection; the pool may open several.
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(FULL)")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func intFromEnv(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return def
	}
	return value
}

func durationFromEnv(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if value, err := time.ParseDuration(raw); err == nil && value > 0 {
		return value
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return def
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
