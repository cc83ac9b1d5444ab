package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/h2non/filetype"

	"photovault/internal/blobstore"
	"photovault/internal/models"
	"photovault/internal/store"
	"photovault/internal/thumbnail"
	"photovault/internal/upload"
)

// sniffBytes is the header length filetype needs to recognise every
// supported format.
const sniffBytes = 261

const metaContentType = "content_type"

// PhotoLinker records that an assembled photo belongs to a report.
type PhotoLinker interface {
	LinkPhoto(ctx context.Context, reportID, blobID string, metadata map[string]string) error
}

// PhotoUnlinker is implemented by linkers that can forget a deleted photo.
type PhotoUnlinker interface {
	UnlinkPhoto(ctx context.Context, blobID string) error
}

// StoreLinker links photos to reports in the SQLite store.
type StoreLinker struct {
	store *store.Store
}

// NewStoreLinker creates a linker backed by st.
func NewStoreLinker(st *store.Store) *StoreLinker {
	return &StoreLinker{store: st}
}

func (l *StoreLinker) LinkPhoto(ctx context.Context, reportID, blobID string, metadata map[string]string) error {
	return l.store.LinkReportPhoto(ctx, &models.ReportPhoto{
		ReportID:    reportID,
		BlobID:      blobID,
		Filename:    metadata[models.MetaOriginalName],
		ContentType: metadata[metaContentType],
		ClientID:    metadata[models.MetaClientID],
		Metadata:    metadata,
	})
}

func (l *StoreLinker) UnlinkPhoto(ctx context.Context, blobID string) error {
	return l.store.UnlinkBlob(ctx, blobID)
}

// UploadServiceOptions wires an UploadService.
type UploadServiceOptions struct {
	Registry  *upload.Registry
	Writer    *upload.Writer
	Assembler *upload.Assembler
	Blobs     blobstore.BlobStore
	Files     *blobstore.Reader
	Linker    PhotoLinker
	// Thumbnails is optional; nil disables thumbnail generation.
	Thumbnails                *thumbnail.Generator
	RejectContentTypeMismatch bool
	Logger                    *slog.Logger
	Clock                     func() time.Time
}

// UploadService orchestrates the chunked photo upload workflow on top of the
// upload pipeline and the blob store.
type UploadService struct {
	registry       *upload.Registry
	writer         *upload.Writer
	assembler      *upload.Assembler
	blobs          blobstore.BlobStore
	files          *blobstore.Reader
	linker         PhotoLinker
	thumbs         *thumbnail.Generator
	rejectMismatch bool
	logger         *slog.Logger
	now            func() time.Time
}

// NewUploadService validates opts and builds the service.
func NewUploadService(opts UploadServiceOptions) (*UploadService, error) {
	switch {
	case opts.Registry == nil:
		return nil, fmt.Errorf("upload registry is required")
	case opts.Writer == nil:
		return nil, fmt.Errorf("chunk writer is required")
	case opts.Assembler == nil:
		return nil, fmt.Errorf("assembler is required")
	case opts.Blobs == nil:
		return nil, fmt.Errorf("blob store is required")
	case opts.Files == nil:
		return nil, fmt.Errorf("blob reader is required")
	case opts.Linker == nil:
		return nil, fmt.Errorf("photo linker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &UploadService{
		registry:       opts.Registry,
		writer:         opts.Writer,
		assembler:      opts.Assembler,
		blobs:          opts.Blobs,
		files:          opts.Files,
		linker:         opts.Linker,
		thumbs:         opts.Thumbnails,
		rejectMismatch: opts.RejectContentTypeMismatch,
		logger:         logger.With("component", "upload_service"),
		now:            now,
	}, nil
}

// InitInput describes a photo upload about to start.
type InitInput struct {
	ReportID    string
	Filename    string
	ContentType string
	TotalChunks int
	ClientID    string
	Bucket      string
	Metadata    map[string]string
}

// Init opens an upload session for a photo of a report.
func (s *UploadService) Init(ctx context.Context, in InitInput) (*upload.Session, error) {
	reportID, err := validateReportID(in.ReportID)
	if err != nil {
		return nil, err
	}
	filename, err := validateFilename(in.Filename)
	if err != nil {
		return nil, err
	}
	if err := validateMetadata(in.Metadata); err != nil {
		return nil, err
	}

	meta := make(map[string]string, len(in.Metadata)+4)
	for k, v := range in.Metadata {
		meta[k] = v
	}
	meta[models.MetaOwnerID] = reportID
	meta[models.MetaOriginalName] = filename
	meta[models.MetaUploadedAt] = s.now().UTC().Format(time.RFC3339)
	if clientID := strings.TrimSpace(in.ClientID); clientID != "" {
		meta[models.MetaClientID] = clientID
	}

	session, err := s.registry.Create(ctx, upload.CreateInput{
		TotalChunks: in.TotalChunks,
		Filename:    filename,
		ContentType: in.ContentType,
		Metadata:    meta,
		Bucket:      in.Bucket,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("upload initialized",
		"session_id", session.ID,
		"report_id", reportID,
		"filename", filename,
		"total_chunks", session.TotalChunks,
	)
	return session, nil
}

// Limits returns the session limits chunk requests are bounded by.
func (s *UploadService) Limits() upload.Limits {
	return s.registry.Limits()
}

// Status reports the progress of a session.
func (s *UploadService) Status(id string) (models.SessionStatus, error) {
	session, err := s.registry.Get(id)
	if err != nil {
		return models.SessionStatus{}, err
	}
	return session.Status(), nil
}

// ActiveSessions counts live sessions.
func (s *UploadService) ActiveSessions() int {
	return s.registry.Len()
}

// Sessions lists every live session.
func (s *UploadService) Sessions() []models.SessionStatus {
	return s.registry.List()
}

// Abort drops a session and its staged chunks.
func (s *UploadService) Abort(ctx context.Context, id string) error {
	if err := s.registry.Remove(ctx, id); err != nil {
		return err
	}
	s.logger.Info("upload aborted", "session_id", id)
	return nil
}

// WriteChunk stores one chunk. declaredTotal, when non-zero, must match the
// session. The first chunk is sniffed against the content type policy.
func (s *UploadService) WriteChunk(ctx context.Context, id string, index, declaredTotal int, r io.Reader) (upload.Progress, error) {
	session, err := s.registry.Get(id)
	if err != nil {
		return upload.Progress{}, err
	}
	if declaredTotal != 0 && declaredTotal != session.TotalChunks {
		return upload.Progress{}, badRequestCode(fmt.Errorf("totalChunks %d does not match session total %d", declaredTotal, session.TotalChunks), ErrCodeInvalidChunkIndex)
	}
	if index == 0 {
		checked, err := s.checkContent(session, r)
		if err != nil {
			return upload.Progress{}, err
		}
		r = checked
	}
	return s.writer.Write(ctx, id, index, r)
}

// WriteBatch stores several chunks of one session. Items fail independently.
func (s *UploadService) WriteBatch(ctx context.Context, id string, items []upload.ChunkInput) ([]upload.ChunkResult, upload.Progress, error) {
	session, err := s.registry.Get(id)
	if err != nil {
		return nil, upload.Progress{}, err
	}

	accepted := make([]upload.ChunkInput, 0, len(items))
	rejected := make([]upload.ChunkResult, 0)
	for _, item := range items {
		if item.Index == 0 {
			checked, err := s.checkContent(session, item.Reader)
			if err != nil {
				rejected = append(rejected, upload.ChunkResult{Index: item.Index, Err: err})
				continue
			}
			item.Reader = checked
		}
		accepted = append(accepted, item)
	}

	results, progress, err := s.writer.WriteBatch(ctx, id, accepted)
	if err != nil {
		return nil, upload.Progress{}, err
	}
	results = append(results, rejected...)
	sort.SliceStable(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	return results, progress, nil
}

// checkContent sniffs the head of r and enforces the allow-list and the
// declared/sniffed mismatch policy. Unrecognised content passes.
func (s *UploadService) checkContent(session *upload.Session, r io.Reader) (io.Reader, error) {
	buffered := bufio.NewReaderSize(r, sniffBytes)
	head, err := buffered.Peek(sniffBytes)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, badRequest(fmt.Errorf("read chunk: %w", err))
	}
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return buffered, nil
	}

	sniffed := kind.MIME.Value
	if !s.registry.AllowsContentType(sniffed) {
		return nil, badRequestCode(fmt.Errorf("content looks like %s which is not allowed", sniffed), ErrCodeContentTypeRejected)
	}
	if sniffed != session.ContentType {
		if s.rejectMismatch {
			return nil, badRequestCode(fmt.Errorf("declared content type %s does not match content (%s)", session.ContentType, sniffed), ErrCodeContentTypeRejected)
		}
		s.logger.Warn("content type mismatch", "session_id", session.ID, "declared", session.ContentType, "sniffed", sniffed)
	}
	return buffered, nil
}

// CompletedPhoto is the result of a successful completion.
type CompletedPhoto struct {
	Info        models.ObjectInfo
	ThumbnailID string
}

// Complete assembles the session, stores a thumbnail when the content allows
// it and links the photo to its report. A failed link removes the stored
// photo again so no unreferenced object is left behind.
func (s *UploadService) Complete(ctx context.Context, id, reportID string) (CompletedPhoto, error) {
	reportID, err := validateReportID(reportID)
	if err != nil {
		return CompletedPhoto{}, err
	}
	session, err := s.registry.Get(id)
	if err != nil {
		return CompletedPhoto{}, err
	}
	if owner := session.Metadata[models.MetaOwnerID]; owner != reportID {
		return CompletedPhoto{}, badRequestCode(fmt.Errorf("upload %s does not belong to report %s", id, reportID), ErrCodeInvalidArgument)
	}

	info, err := s.assembler.Complete(ctx, id)
	if err != nil {
		return CompletedPhoto{}, err
	}

	out := CompletedPhoto{Info: info, ThumbnailID: s.storeThumbnail(ctx, info)}

	linkMeta := make(map[string]string, len(info.Metadata)+1)
	for k, v := range info.Metadata {
		linkMeta[k] = v
	}
	linkMeta[metaContentType] = info.ContentType
	if err := s.linker.LinkPhoto(ctx, reportID, info.ID, linkMeta); err != nil {
		s.logger.Error("link photo failed", "report_id", reportID, "blob_id", info.ID, "error", err)
		if delErr := s.files.Delete(context.WithoutCancel(ctx), info.ID, info.Bucket); delErr != nil {
			s.logger.Error("drop unlinked photo failed", "blob_id", info.ID, "error", delErr)
		}
		return CompletedPhoto{}, fmt.Errorf("link photo %s to report %s: %w", info.ID, reportID, err)
	}

	s.logger.Info("photo stored", "report_id", reportID, "blob_id", info.ID, "bytes", info.SizeBytes, "thumbnail", out.ThumbnailID != "")
	return out, nil
}

// storeThumbnail renders and stores the thumbnail variant. Failures are
// logged and reported as an empty id.
func (s *UploadService) storeThumbnail(ctx context.Context, info models.ObjectInfo) string {
	if s.thumbs == nil || !thumbnail.Supported(info.ContentType) {
		return ""
	}
	rc, _, err := s.blobs.Get(ctx, info.ID, info.Bucket)
	if err != nil {
		s.logger.Warn("thumbnail source unavailable", "blob_id", info.ID, "error", err)
		return ""
	}
	data, err := s.thumbs.Generate(rc)
	_ = rc.Close()
	if err != nil {
		s.logger.Warn("thumbnail generation failed", "blob_id", info.ID, "content_type", info.ContentType, "error", err)
		return ""
	}

	thumb, err := s.blobs.PutVariant(ctx, info.ID, models.VariantThumbnail, bytes.NewReader(data), blobstore.PutOptions{
		Filename:    thumbnailFilename(info.Filename),
		ContentType: thumbnail.ContentType,
		Bucket:      info.Bucket,
		Metadata:    map[string]string{models.MetaOwnerID: info.OwnerID()},
	})
	if err != nil {
		s.logger.Warn("store thumbnail failed", "blob_id", info.ID, "error", err)
		return ""
	}
	s.logger.Debug("thumbnail stored", "blob_id", info.ID, "thumbnail_id", thumb.ID, "bytes", thumb.SizeBytes)
	return thumb.ID
}

// DeletePhoto removes a stored photo, its variants and its report links.
func (s *UploadService) DeletePhoto(ctx context.Context, id, bucket string) error {
	if err := s.files.Delete(ctx, id, bucket); err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	if unlinker, ok := s.linker.(PhotoUnlinker); ok {
		if err := unlinker.UnlinkPhoto(ctx, id); err != nil {
			return err
		}
	}
	s.logger.Info("photo deleted", "blob_id", id)
	return nil
}

func thumbnailFilename(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if base == "" {
		base = "photo"
	}
	return base + "_thumb.jpg"
}
