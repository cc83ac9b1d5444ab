package api

import (
	"time"

	"photovault/internal/models"
)

// ErrorResponse is a generic JSON error wrapper.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
	// Missing lists absent chunk indices on incomplete_upload errors.
	Missing []int `json:"missing,omitempty"`
}

// InitUploadRequest is the body of POST /v1/uploads/init.
type InitUploadRequest struct {
	ReportID    string            `json:"reportId"`
	Filename    string            `json:"filename"`
	ContentType string            `json:"contentType"`
	TotalChunks int               `json:"totalChunks"`
	ClientID    string            `json:"clientId,omitempty"`
	Bucket      string            `json:"bucket,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// InitUploadResponse is returned when a session is opened.
type InitUploadResponse struct {
	FileID      string `json:"fileId"`
	TotalChunks int    `json:"totalChunks"`
	Filename    string `json:"filename"`
	Status      string `json:"status"`
}

// ChunkResponse reports session progress after a chunk write.
type ChunkResponse struct {
	Received    int `json:"received"`
	TotalChunks int `json:"totalChunks"`
}

// BatchChunkResult is the outcome of one chunk in a batch upload.
type BatchChunkResult struct {
	Index int    `json:"index"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// BatchChunkResponse is returned by POST /v1/uploads/chunks.
type BatchChunkResponse struct {
	FileID      string             `json:"fileId"`
	Results     []BatchChunkResult `json:"results"`
	Received    int                `json:"received"`
	TotalChunks int                `json:"totalChunks"`
}

// CompleteUploadRequest is the body of POST /v1/uploads/complete.
type CompleteUploadRequest struct {
	FileID   string `json:"fileId"`
	ReportID string `json:"reportId"`
}

// Photo describes an assembled photo as linked to a report.
type Photo struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	Path        string    `json:"path"`
	UploadDate  time.Time `json:"uploadDate"`
	ClientID    string    `json:"clientId,omitempty"`
	Size        int64     `json:"size"`
	Thumbnail   string    `json:"thumbnail,omitempty"`
}

// CompleteUploadResponse wraps the assembled photo.
type CompleteUploadResponse struct {
	Photo Photo `json:"photo"`
}

// SessionResponse is returned by GET /v1/uploads/{fileId}.
type SessionResponse = models.SessionStatus

// ReportPhotoResponse is one entry of GET /v1/reports/{reportId}/photos.
type ReportPhotoResponse = models.ReportPhoto

// FileInfoResponse is the metadata view of one stored object.
type FileInfoResponse struct {
	ID          string            `json:"id"`
	Filename    string            `json:"filename"`
	ContentType string            `json:"contentType"`
	Size        int64             `json:"size"`
	Bucket      string            `json:"bucket"`
	SHA256      string            `json:"sha256,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	UploadDate  time.Time         `json:"uploadDate"`
}

// DeleteResponse acknowledges DELETE /v1/files/{id}.
type DeleteResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// SweepResponse reports one admin-triggered sweep.
type SweepResponse struct {
	Scanned int `json:"scanned"`
	Removed int `json:"removed"`
	Failed  int `json:"failed"`
}

// InfoResponse is the response from GET /v1/info.
type InfoResponse struct {
	Version        string           `json:"version,omitempty"`
	DBPath         string           `json:"db_path,omitempty"`
	SchemaVersion  int              `json:"schema_version"`
	DefaultBucket  string           `json:"default_bucket"`
	ObjectCounts   map[string]int   `json:"object_counts"`
	ObjectBytes    map[string]int64 `json:"object_bytes"`
	TotalObjects   int              `json:"total_objects"`
	ReportLinks    int              `json:"report_links"`
	ActiveSessions int              `json:"active_sessions"`
	StagingBytes   int64            `json:"staging_bytes"`
}

// FileInfoFromObject maps stored metadata to its API view.
func FileInfoFromObject(info models.ObjectInfo) FileInfoResponse {
	return FileInfoResponse{
		ID:          info.ID,
		Filename:    info.Filename,
		ContentType: info.ContentType,
		Size:        info.SizeBytes,
		Bucket:      info.Bucket,
		SHA256:      info.SHA256,
		Metadata:    info.Metadata,
		UploadDate:  info.CreatedAt,
	}
}
