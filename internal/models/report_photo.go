package models

import "time"

// ReportPhoto links a report to a stored photo object.
type ReportPhoto struct {
	ReportID    string            `json:"report_id"`
	BlobID      string            `json:"blob_id"`
	Filename    string            `json:"filename"`
	ContentType string            `json:"content_type"`
	ClientID    string            `json:"client_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	LinkedAt    time.Time         `json:"linked_at"`
}
