package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"photovault/internal/models"
)

const objectColumns = "id, bucket, filename, content_type, size_bytes, sha256, segment_size, segment_count, object_key, variant_of, metadata_json, created_at"

const defaultFindLimit = 100

var metadataKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// ObjectRecord is a stored object row together with the key its segments are
// filed under.
type ObjectRecord struct {
	Info      models.ObjectInfo
	Key       string
	VariantOf string
}

// Segment is one checksummed slice of an object's bytes.
type Segment struct {
	Seq      int
	Data     []byte
	Checksum string
}

// ObjectFilter narrows FindObjects. Empty fields do not filter. A zero Limit
// uses the default page size; a negative Limit returns every match.
// Filename and content type comparisons fold ASCII case only.
type ObjectFilter struct {
	FilenameEquals      string
	FilenameContains    string
	ContentTypeContains string
	OwnerID             string
	Metadata            map[string]string
	IncludeVariants     bool
	Limit               int
}

// WriteSegments files segments under key in one short transaction. Segments
// stay invisible to readers until CommitObject publishes a row pointing at
// key; segments no row ever points at are reclaimed by PurgeOrphanSegments.
func (s *Store) WriteSegments(ctx context.Context, key string, segments []Segment) (err error) {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("object key is required")
	}
	if len(segments) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyError(ctx, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO blob_segments (object_key, seq, data, checksum) VALUES (?, ?, ?, ?)")
	if err != nil {
		return classifyError(ctx, err)
	}
	defer stmt.Close()

	for _, seg := range segments {
		if _, err = stmt.ExecContext(ctx, key, seg.Seq, seg.Data, seg.Checksum); err != nil {
			return classifyError(ctx, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return classifyError(ctx, err)
	}
	return nil
}

// CommitObject publishes record as the object row for its bucket and id. The
// segments under record.Key must already be written. An existing row with the
// same bucket and id is replaced; the keys of replaced segment sets are
// returned so the caller can purge them.
func (s *Store) CommitObject(ctx context.Context, record *ObjectRecord) (replaced []string, err error) {
	if record == nil {
		return nil, fmt.Errorf("object record is required")
	}
	if strings.TrimSpace(record.Key) == "" {
		return nil, fmt.Errorf("object key is required")
	}

	info := &record.Info
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now().UTC()
	}
	metaJSON, err := metadataToJSON(info.Metadata)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, "SELECT object_key FROM blob_objects WHERE bucket = ? AND id = ?", info.Bucket, info.ID)
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	replaced, err = scanKeys(rows)
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM blob_objects WHERE bucket = ? AND id = ?", info.Bucket, info.ID); err != nil {
		return nil, classifyError(ctx, err)
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO blob_objects (
			id, bucket, filename, content_type, size_bytes, sha256, segment_size, segment_count,
			object_key, variant_of, owner_id, metadata_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		info.ID,
		info.Bucket,
		info.Filename,
		info.ContentType,
		info.SizeBytes,
		info.SHA256,
		info.SegmentSize,
		info.SegmentCount,
		record.Key,
		nullIfEmpty(record.VariantOf),
		nullIfEmpty(info.OwnerID()),
		metaJSON,
		formatTime(info.CreatedAt),
	); err != nil {
		return nil, classifyError(ctx, err)
	}

	if err = tx.Commit(); err != nil {
		return nil, classifyError(ctx, err)
	}
	return replaced, nil
}

// GetObject returns one object row, or nil when it does not exist.
func (s *Store) GetObject(ctx context.Context, bucket, id string) (*ObjectRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+objectColumns+` FROM blob_objects WHERE bucket = ? AND id = ?`, bucket, id)
	record, err := scanObject(row)
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	return record, nil
}

// ReadSegment returns one segment's bytes and stored checksum.
func (s *Store) ReadSegment(ctx context.Context, key string, seq int) ([]byte, string, error) {
	var data []byte
	var checksum string
	err := s.db.QueryRowContext(ctx, "SELECT data, checksum FROM blob_segments WHERE object_key = ? AND seq = ?", key, seq).Scan(&data, &checksum)
	if err == sql.ErrNoRows {
		return nil, "", fmt.Errorf("%w: segment %d of %s", models.ErrNotFound, seq, key)
	}
	if err != nil {
		return nil, "", classifyError(ctx, err)
	}
	return data, checksum, nil
}

// DeleteObject removes an object row and the rows of its variants. It returns
// the segment keys that are no longer referenced; an empty result means
// nothing matched.
func (s *Store) DeleteObject(ctx context.Context, bucket, id string) (keys []string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT object_key FROM blob_objects
		WHERE bucket = ? AND (id = ? OR variant_of = ?)`, bucket, id, id)
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	keys, err = scanKeys(rows)
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	if len(keys) == 0 {
		return nil, tx.Commit()
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM blob_objects WHERE bucket = ? AND (id = ? OR variant_of = ?)", bucket, id, id); err != nil {
		return nil, classifyError(ctx, err)
	}
	if err = tx.Commit(); err != nil {
		return nil, classifyError(ctx, err)
	}
	return keys, nil
}

// DeleteSegments drops every segment filed under the given keys.
func (s *Store) DeleteSegments(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM blob_segments WHERE object_key IN ("+placeholders(len(keys))+")", stringArgs(keys)...)
	return classifyError(ctx, err)
}

// PurgeOrphanSegments drops segments no object row points at, except those
// under keep.
func (s *Store) PurgeOrphanSegments(ctx context.Context, keep []string) (int64, error) {
	query := "DELETE FROM blob_segments WHERE object_key NOT IN (SELECT object_key FROM blob_objects)"
	if len(keep) > 0 {
		query += " AND object_key NOT IN (" + placeholders(len(keep)) + ")"
	}
	res, err := s.db.ExecContext(ctx, query, stringArgs(keep)...)
	if err != nil {
		return 0, classifyError(ctx, err)
	}
	return res.RowsAffected()
}

// FindObjects lists objects in a bucket matching filter, newest first.
func (s *Store) FindObjects(ctx context.Context, bucket string, filter ObjectFilter) ([]models.ObjectInfo, error) {
	clauses := []string{"bucket = ?"}
	args := []any{bucket}

	if !filter.IncludeVariants {
		clauses = append(clauses, "variant_of IS NULL")
	}
	if v := strings.TrimSpace(filter.FilenameEquals); v != "" {
		clauses = append(clauses, "filename = ? COLLATE NOCASE")
		args = append(args, v)
	}
	if v := strings.TrimSpace(filter.FilenameContains); v != "" {
		clauses = append(clauses, "instr(lower(filename), lower(?)) > 0")
		args = append(args, v)
	}
	if v := strings.TrimSpace(filter.ContentTypeContains); v != "" {
		clauses = append(clauses, "instr(lower(content_type), lower(?)) > 0")
		args = append(args, v)
	}
	if v := strings.TrimSpace(filter.OwnerID); v != "" {
		clauses = append(clauses, "owner_id = ?")
		args = append(args, v)
	}

	metaKeys := make([]string, 0, len(filter.Metadata))
	for key := range filter.Metadata {
		metaKeys = append(metaKeys, key)
	}
	sort.Strings(metaKeys)
	for _, key := range metaKeys {
		if !metadataKeyPattern.MatchString(key) {
			return nil, fmt.Errorf("%w: invalid metadata key %q", models.ErrInvalidArgument, key)
		}
		clauses = append(clauses, "json_extract(metadata_json, ?) = ?")
		args = append(args, "$."+key, filter.Metadata[key])
	}

	query := `SELECT ` + objectColumns + ` FROM blob_objects WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id ASC`
	switch {
	case filter.Limit == 0:
		query += " LIMIT ?"
		args = append(args, defaultFindLimit)
	case filter.Limit > 0:
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	defer rows.Close()

	objects := []models.ObjectInfo{}
	for rows.Next() {
		record, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		if record != nil {
			objects = append(objects, record.Info)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(ctx, err)
	}
	return objects, nil
}

func scanObject(scanner interface {
	Scan(dest ...any) error
}) (*ObjectRecord, error) {
	record := ObjectRecord{}
	info := &record.Info

	var variantOf, metaJSON sql.NullString
	var createdAt string

	err := scanner.Scan(
		&info.ID,
		&info.Bucket,
		&info.Filename,
		&info.ContentType,
		&info.SizeBytes,
		&info.SHA256,
		&info.SegmentSize,
		&info.SegmentCount,
		&record.Key,
		&variantOf,
		&metaJSON,
		&createdAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	record.VariantOf = variantOf.String
	parsedCreated, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	info.CreatedAt = parsedCreated

	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &info.Metadata); err != nil {
			return nil, fmt.Errorf("parse object metadata_json: %w", err)
		}
	}
	return &record, nil
}

func scanKeys(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func metadataToJSON(meta map[string]string) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata_json: %w", err)
	}
	return string(data), nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// classifyError marks transient database failures as ErrStorageUnavailable.
func classifyError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrStorageUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || (ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		return fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL, sqlite3.SQLITE_CANTOPEN:
			return fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}
	return err
}
