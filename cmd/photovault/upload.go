package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/h2non/filetype"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"photovault/internal/api"
	"photovault/internal/config"
)

const (
	defaultChunkSize    config.ByteSize = 1 << 20
	defaultParallel                     = 4
	chunkRetryMaxElapse                 = 30 * time.Second
	sniffHeaderBytes                    = 261
)

type uploadOptions struct {
	reportID    string
	clientID    string
	bucket      string
	contentType string
	metaFile    string
	meta        map[string]string
	chunkSize   config.ByteSize
	parallel    int
	batch       int
	resume      string
}

func newUploadCmd(cfg *config.Config, out *outputOptions) *cobra.Command {
	opts := uploadOptions{chunkSize: defaultChunkSize, parallel: defaultParallel}

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a photo in chunks and link it to a report",
		Args:  requireArgs("photo path", 1, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(opts.reportID) == "" {
				return fmt.Errorf("--report is required")
			}
			if opts.chunkSize <= 0 {
				return fmt.Errorf("--chunk-size must be > 0")
			}
			if opts.parallel <= 0 {
				return fmt.Errorf("--parallel must be > 0")
			}
			if opts.batch < 0 {
				return fmt.Errorf("--batch must be >= 0")
			}

			return withClient(cfg, func(client *api.Client) error {
				resp, err := runUpload(cmd.Context(), client, opts, args[0])
				if err != nil {
					return err
				}
				if out.structured() {
					return out.write(resp)
				}
				photo := resp.Photo
				if err := writePlain("uploaded %s as %s (%d bytes)\n", photo.Filename, photo.ID, photo.Size); err != nil {
					return err
				}
				if photo.Thumbnail != "" {
					return writePlain("thumbnail: %s\n", photo.Thumbnail)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.reportID, "report", "", "report the photo belongs to (required)")
	cmd.Flags().StringVar(&opts.clientID, "client-id", "", "client-side id recorded with the photo")
	cmd.Flags().StringVar(&opts.bucket, "bucket", "", "target bucket (default: server default)")
	cmd.Flags().StringVar(&opts.contentType, "content-type", "", "declared content type (default: detected from the file)")
	cmd.Flags().StringVar(&opts.metaFile, "meta-file", "", "YAML file with string metadata entries")
	cmd.Flags().StringToStringVar(&opts.meta, "meta", nil, "metadata entries key=value (overrides --meta-file)")
	cmd.Flags().Var(&opts.chunkSize, "chunk-size", "chunk size, e.g. 512KiB or 4MiB")
	cmd.Flags().IntVar(&opts.parallel, "parallel", defaultParallel, "concurrent chunk requests")
	cmd.Flags().IntVar(&opts.batch, "batch", 0, "send up to N chunks per request (0 sends one chunk per request)")
	cmd.Flags().StringVar(&opts.resume, "resume", "", "resume an existing upload session by file id")
	return cmd
}

// runUpload drives one upload session from init (or resume) to completion.
func runUpload(ctx context.Context, client *api.Client, opts uploadOptions, path string) (api.CompleteUploadResponse, error) {
	file, err := os.Open(path)
	if err != nil {
		return api.CompleteUploadResponse{}, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return api.CompleteUploadResponse{}, err
	}
	if stat.IsDir() {
		return api.CompleteUploadResponse{}, fmt.Errorf("%s is a directory", path)
	}
	if stat.Size() == 0 {
		return api.CompleteUploadResponse{}, fmt.Errorf("%s is empty", path)
	}

	plan := newChunkPlan(stat.Size(), int64(opts.chunkSize))
	logger := slog.Default().With("file", filepath.Base(path))

	var (
		fileID  string
		pending []int
	)
	if opts.resume != "" {
		fileID = opts.resume
		status, err := client.UploadStatus(ctx, fileID)
		if err != nil {
			return api.CompleteUploadResponse{}, err
		}
		if status.TotalChunks != plan.total {
			return api.CompleteUploadResponse{}, fmt.Errorf("session %s expects %d chunks but %s splits into %d at --chunk-size %s", fileID, status.TotalChunks, path, plan.total, opts.chunkSize)
		}
		pending = status.Missing
		logger.Info("resuming upload", "file_id", fileID, "missing", len(pending))
	} else {
		contentType := strings.TrimSpace(opts.contentType)
		if contentType == "" {
			contentType, err = detectContentType(file, path)
			if err != nil {
				return api.CompleteUploadResponse{}, err
			}
		}
		metadata, err := loadMetadata(opts.metaFile, opts.meta)
		if err != nil {
			return api.CompleteUploadResponse{}, err
		}

		initResp, err := client.InitUpload(ctx, api.InitUploadRequest{
			ReportID:    opts.reportID,
			Filename:    filepath.Base(path),
			ContentType: contentType,
			TotalChunks: plan.total,
			ClientID:    opts.clientID,
			Bucket:      opts.bucket,
			Metadata:    metadata,
		})
		if err != nil {
			return api.CompleteUploadResponse{}, err
		}
		fileID = initResp.FileID
		pending = plan.indexes()
		logger.Info("upload initialized", "file_id", fileID, "chunks", plan.total, "content_type", contentType)
	}

	sender := chunkSender{client: client, file: file, plan: plan, fileID: fileID, parallel: opts.parallel, batch: opts.batch, logger: logger}
	if err := sender.send(ctx, pending); err != nil {
		return api.CompleteUploadResponse{}, keepSessionHint(fileID, err)
	}

	req := api.CompleteUploadRequest{FileID: fileID, ReportID: opts.reportID}
	resp, err := client.CompleteUpload(ctx, req)
	var apiErr *api.APIError
	if errors.As(err, &apiErr) && apiErr.Code == "incomplete_upload" && len(apiErr.Missing) > 0 {
		// Resend once whatever the server still misses.
		logger.Warn("server reports missing chunks, resending", "file_id", fileID, "missing", apiErr.Missing)
		if err := sender.send(ctx, apiErr.Missing); err != nil {
			return api.CompleteUploadResponse{}, keepSessionHint(fileID, err)
		}
		resp, err = client.CompleteUpload(ctx, req)
	}
	if err != nil {
		return api.CompleteUploadResponse{}, keepSessionHint(fileID, err)
	}
	return resp, nil
}

// keepSessionHint tags err with the session id so the upload can be resumed.
func keepSessionHint(fileID string, err error) error {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusNotFound || apiErr.Code == "invalid_argument") {
		return err
	}
	return fmt.Errorf("upload session %s kept for --resume: %w", fileID, err)
}

// chunkPlan splits a file of size bytes into chunks of chunkSize bytes.
type chunkPlan struct {
	size      int64
	chunkSize int64
	total     int
}

func newChunkPlan(size, chunkSize int64) chunkPlan {
	total := int((size + chunkSize - 1) / chunkSize)
	if total == 0 {
		total = 1
	}
	return chunkPlan{size: size, chunkSize: chunkSize, total: total}
}

func (p chunkPlan) bounds(index int) (offset, length int64) {
	offset = int64(index) * p.chunkSize
	length = p.chunkSize
	if offset+length > p.size {
		length = p.size - offset
	}
	return offset, length
}

func (p chunkPlan) indexes() []int {
	out := make([]int, p.total)
	for i := range out {
		out[i] = i
	}
	return out
}

type chunkSender struct {
	client   *api.Client
	file     io.ReaderAt
	plan     chunkPlan
	fileID   string
	parallel int
	batch    int
	logger   *slog.Logger
}

// send uploads the given chunk indexes with bounded concurrency. Each request
// is retried while the server reports a transient condition.
func (s chunkSender) send(ctx context.Context, indexes []int) error {
	if len(indexes) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)

	for _, group := range s.groups(indexes) {
		g.Go(func() error {
			return retryTransient(gctx, func() error {
				if len(group) == 1 && s.batch == 0 {
					return s.sendOne(gctx, group[0])
				}
				return s.sendBatch(gctx, group)
			})
		})
	}
	return g.Wait()
}

func (s chunkSender) groups(indexes []int) [][]int {
	sorted := append([]int(nil), indexes...)
	sort.Ints(sorted)
	size := s.batch
	if size <= 0 {
		size = 1
	}
	var out [][]int
	for start := 0; start < len(sorted); start += size {
		end := start + size
		if end > len(sorted) {
			end = len(sorted)
		}
		out = append(out, sorted[start:end])
	}
	return out
}

func (s chunkSender) section(index int) io.Reader {
	offset, length := s.plan.bounds(index)
	return io.NewSectionReader(s.file, offset, length)
}

func (s chunkSender) sendOne(ctx context.Context, index int) error {
	resp, err := s.client.UploadChunk(ctx, s.fileID, index, s.plan.total, s.section(index))
	if err != nil {
		return fmt.Errorf("chunk %d: %w", index, err)
	}
	s.logger.Debug("chunk sent", "index", index, "received", resp.Received, "total", resp.TotalChunks)
	return nil
}

func (s chunkSender) sendBatch(ctx context.Context, indexes []int) error {
	chunks := make(map[int]io.Reader, len(indexes))
	for _, index := range indexes {
		chunks[index] = s.section(index)
	}
	resp, err := s.client.UploadChunks(ctx, s.fileID, chunks)
	if err != nil {
		return fmt.Errorf("chunks %v: %w", indexes, err)
	}
	rejected := &rejectedChunksError{retryable: true}
	for _, result := range resp.Results {
		if result.OK {
			continue
		}
		rejected.chunks = append(rejected.chunks, fmt.Sprintf("%d (%s)", result.Index, result.Error))
		if result.Code != "storage_unavailable" && result.Code != "resource_exhausted" {
			rejected.retryable = false
		}
	}
	if len(rejected.chunks) > 0 {
		return rejected
	}
	s.logger.Debug("chunk batch sent", "indexes", indexes, "received", resp.Received, "total", resp.TotalChunks)
	return nil
}

// rejectedChunksError lists chunks of a batch the server refused.
type rejectedChunksError struct {
	chunks    []string
	retryable bool
}

func (e *rejectedChunksError) Error() string {
	return "chunks rejected: " + strings.Join(e.chunks, ", ")
}

// retryTransient retries op with exponential backoff while it fails with a
// retryable API error.
func retryTransient(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = chunkRetryMaxElapse
	return backoff.Retry(func() error {
		err := op()
		if err == nil || isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}

func isTransient(err error) bool {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var rejected *rejectedChunksError
	return errors.As(err, &rejected) && rejected.retryable
}

// detectContentType sniffs the file header and falls back to the extension.
func detectContentType(f io.ReadSeeker, path string) (string, error) {
	header, err := bufio.NewReaderSize(f, sniffHeaderBytes).Peek(sniffHeaderBytes)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	if kind, err := filetype.Match(header); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value, nil
	}
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		if mediaType, _, err := mime.ParseMediaType(byExt); err == nil {
			return mediaType, nil
		}
	}
	return "", fmt.Errorf("cannot detect content type of %s; pass --content-type", path)
}

// loadMetadata reads string entries from a YAML file and overlays flag values.
func loadMetadata(path string, overrides map[string]string) (map[string]string, error) {
	out := map[string]string{}
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		for key, value := range raw {
			switch v := value.(type) {
			case string:
				out[key] = v
			case int, int64, float64, bool:
				out[key] = fmt.Sprint(v)
			default:
				return nil, fmt.Errorf("%s: metadata %q must be a scalar", path, key)
			}
		}
	}
	for key, value := range overrides {
		out[key] = value
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
