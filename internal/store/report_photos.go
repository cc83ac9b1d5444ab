package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"photovault/internal/models"
)

const reportPhotoColumns = "report_id, blob_id, filename, content_type, client_id, metadata_json, linked_at"

// LinkReportPhoto records that a stored photo belongs to a report. Linking the
// same pair twice keeps the first link.
func (s *Store) LinkReportPhoto(ctx context.Context, link *models.ReportPhoto) error {
	if link == nil {
		return fmt.Errorf("report photo is required")
	}
	link.ReportID = strings.TrimSpace(link.ReportID)
	link.BlobID = strings.TrimSpace(link.BlobID)
	if link.ReportID == "" {
		return fmt.Errorf("%w: report_id is required", models.ErrInvalidArgument)
	}
	if link.BlobID == "" {
		return fmt.Errorf("%w: blob_id is required", models.ErrInvalidArgument)
	}
	if link.LinkedAt.IsZero() {
		link.LinkedAt = time.Now().UTC()
	}

	metaJSON, err := metadataToJSON(link.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO report_photos (report_id, blob_id, filename, content_type, client_id, metadata_json, linked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, link.ReportID, link.BlobID, link.Filename, link.ContentType, nullIfEmpty(link.ClientID), metaJSON, formatTime(link.LinkedAt))
	return classifyError(ctx, err)
}

// ListReportPhotos lists photos linked to one report, oldest first.
func (s *Store) ListReportPhotos(ctx context.Context, reportID string) ([]models.ReportPhoto, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reportPhotoColumns+` FROM report_photos WHERE report_id = ? ORDER BY linked_at ASC, blob_id ASC`, reportID)
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	defer rows.Close()

	links := []models.ReportPhoto{}
	for rows.Next() {
		link, err := scanReportPhoto(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// UnlinkBlob drops every report link to a blob.
func (s *Store) UnlinkBlob(ctx context.Context, blobID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM report_photos WHERE blob_id = ?", blobID)
	return classifyError(ctx, err)
}

func scanReportPhoto(scanner interface {
	Scan(dest ...any) error
}) (models.ReportPhoto, error) {
	link := models.ReportPhoto{}
	var clientID, metaJSON sql.NullString
	var linkedAt string

	if err := scanner.Scan(&link.ReportID, &link.BlobID, &link.Filename, &link.ContentType, &clientID, &metaJSON, &linkedAt); err != nil {
		return link, err
	}
	link.ClientID = clientID.String

	parsed, err := parseTime(linkedAt)
	if err != nil {
		return link, err
	}
	link.LinkedAt = parsed

	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &link.Metadata); err != nil {
			return link, fmt.Errorf("parse report photo metadata_json: %w", err)
		}
	}
	return link, nil
}
