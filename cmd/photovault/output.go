package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"photovault/internal/api"
	"photovault/internal/format"
	"photovault/internal/models"
)

// outputOptions selects between human text and a structured formatter.
type outputOptions struct {
	json      bool
	format    string
	formatter format.Formatter
}

func (o *outputOptions) resolve() error {
	if !o.json && strings.TrimSpace(o.format) == "" {
		o.formatter = nil
		return nil
	}
	formatter, err := format.ByName(o.format)
	if err != nil {
		return err
	}
	o.formatter = formatter
	return nil
}

func (o *outputOptions) structured() bool {
	return o != nil && o.formatter != nil
}

func (o *outputOptions) write(payload any) error {
	return o.formatter.Write(os.Stdout, payload)
}

func writePlain(format string, args ...any) error {
	_, err := fmt.Fprintf(os.Stdout, format, args...)
	return err
}

func writeFileInfo(info api.FileInfoResponse) error {
	lines := []string{
		fmt.Sprintf("id: %s", info.ID),
		fmt.Sprintf("filename: %s", info.Filename),
		fmt.Sprintf("content_type: %s", info.ContentType),
		fmt.Sprintf("size: %s (%d bytes)", humanize.IBytes(uint64(info.Size)), info.Size),
		fmt.Sprintf("bucket: %s", info.Bucket),
		fmt.Sprintf("uploaded: %s", formatTime(info.UploadDate)),
	}
	if info.SHA256 != "" {
		lines = append(lines, fmt.Sprintf("sha256: %s", info.SHA256))
	}
	if len(info.Metadata) > 0 {
		lines = append(lines, "metadata:")
		keys := make([]string, 0, len(info.Metadata))
		for key := range info.Metadata {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			lines = append(lines, fmt.Sprintf("  %s: %s", key, info.Metadata[key]))
		}
	}
	return writePlain("%s\n", strings.Join(lines, "\n"))
}

func formatFileLine(info api.FileInfoResponse) string {
	return fmt.Sprintf("%s  %8s  %-12s %s  (%s)", info.ID, humanize.IBytes(uint64(info.Size)), info.ContentType, info.Filename, humanize.Time(info.UploadDate))
}

func formatSessionLine(s api.SessionResponse) string {
	line := fmt.Sprintf("%s  %-10s %d/%d chunks  %8s  %s  (active %s)",
		s.ID, s.State, s.Received, s.TotalChunks, humanize.IBytes(uint64(s.ReceivedBytes)), s.Filename, humanize.Time(s.LastActivity))
	if s.State != models.SessionComplete && len(s.Missing) > 0 && len(s.Missing) <= 10 {
		line += fmt.Sprintf("  missing=%v", s.Missing)
	}
	return line
}

func formatPhotoLine(p api.ReportPhotoResponse) string {
	return fmt.Sprintf("%s  %-12s %s  (linked %s)", p.BlobID, p.ContentType, p.Filename, formatTime(p.LinkedAt))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
