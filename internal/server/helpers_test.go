package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"photovault/internal/api"
	"photovault/internal/blobstore"
	"photovault/internal/staging"
	"photovault/internal/store"
	"photovault/internal/thumbnail"
	"photovault/internal/upload"
)

const testReportID = "rep-42"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	srv     *Server
	handler http.Handler
	store   *store.Store
	blobs   *blobstore.Segmented
	area    *staging.Area
	clock   *fakeClock
}

type testEnvOptions struct {
	linker         PhotoLinker
	rejectMismatch bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, testEnvOptions{rejectMismatch: true})
}

func newTestEnvWith(t *testing.T, opts testEnvOptions) *testEnv {
	t.Helper()
	root := t.TempDir()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dbPath := filepath.Join(root, "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg := prometheus.NewRegistry()
	blobs, err := blobstore.NewSegmented(ctx, st, blobstore.Options{SegmentBytes: 4 << 10, Logger: logger})
	if err != nil {
		t.Fatalf("new segmented store: %v", err)
	}
	area, err := staging.New(filepath.Join(root, "staging"), 0)
	if err != nil {
		t.Fatalf("new staging area: %v", err)
	}

	clock := &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	registry, err := upload.NewRegistry(area, upload.RegistryOptions{
		Limits: upload.Limits{
			MaxChunkBytes:       1 << 20,
			MaxObjectBytes:      8 << 20,
			MaxTotalChunks:      100,
			AllowedContentTypes: []string{"image/*"},
		},
		Logger:  logger,
		Metrics: upload.NewMetrics(reg),
		Clock:   clock.Now,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	reader, err := blobstore.NewReader(blobs, blobstore.ReaderOptions{Logger: logger, Registerer: reg})
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	t.Cleanup(func() { _ = reader.Close() })

	linker := opts.linker
	if linker == nil {
		linker = NewStoreLinker(st)
	}
	uploads, err := NewUploadService(UploadServiceOptions{
		Registry:                  registry,
		Writer:                    upload.NewWriter(registry),
		Assembler:                 upload.NewAssembler(registry, blobs, upload.AssemblerOptions{MaxRetries: 1, InitialBackoff: time.Millisecond, Logger: logger}),
		Blobs:                     blobs,
		Files:                     reader,
		Linker:                    linker,
		Thumbnails:                thumbnail.New(64),
		RejectContentTypeMismatch: opts.rejectMismatch,
		Logger:                    logger,
		Clock:                     clock.Now,
	})
	if err != nil {
		t.Fatalf("new upload service: %v", err)
	}

	srv := New(Options{
		Uploads:       uploads,
		Reader:        reader,
		Sweeper:       upload.NewSweeper(registry, upload.SweeperOptions{MaxAge: time.Hour, Logger: logger}),
		Store:         st,
		Gatherer:      reg,
		StagingUsage:  area.Used,
		DefaultBucket: blobs.DefaultBucket(),
		DBPath:        dbPath,
		Version:       "test",
		Logger:        logger,
	})
	return &testEnv{srv: srv, handler: srv.Handler(), store: st, blobs: blobs, area: area, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) initUpload(t *testing.T, filename, contentType string, total int) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/v1/uploads/init", api.InitUploadRequest{
		ReportID:    testReportID,
		Filename:    filename,
		ContentType: contentType,
		TotalChunks: total,
		ClientID:    "client-7",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("init upload: expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	resp := decodeBody[api.InitUploadResponse](t, w)
	if resp.FileID == "" || resp.Status != "initialized" {
		t.Fatalf("unexpected init response %+v", resp)
	}
	return resp.FileID
}

func (e *testEnv) postChunk(t *testing.T, fileID string, index, total int, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("fileId", fileID)
	_ = mw.WriteField("chunkIndex", strconv.Itoa(index))
	_ = mw.WriteField("totalChunks", strconv.Itoa(total))
	part, err := mw.CreateFormFile("chunk", "blob")
	if err != nil {
		t.Fatalf("create chunk part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write chunk part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads/chunk", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) mustPostChunk(t *testing.T, fileID string, index, total int, data []byte) api.ChunkResponse {
	t.Helper()
	w := e.postChunk(t, fileID, index, total, data)
	if w.Code != http.StatusOK {
		t.Fatalf("chunk %d: expected 200, got %d (%s)", index, w.Code, w.Body.String())
	}
	return decodeBody[api.ChunkResponse](t, w)
}

func (e *testEnv) complete(t *testing.T, fileID string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/v1/uploads/complete", api.CompleteUploadRequest{FileID: fileID, ReportID: testReportID})
}

// uploadPhoto runs the full init/chunk/complete flow and returns the photo.
func (e *testEnv) uploadPhoto(t *testing.T, filename, contentType string, data []byte, chunks int) api.Photo {
	t.Helper()
	fileID := e.initUpload(t, filename, contentType, chunks)
	for i, part := range splitChunks(data, chunks) {
		e.mustPostChunk(t, fileID, i, chunks, part)
	}
	w := e.complete(t, fileID)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	return decodeBody[api.CompleteUploadResponse](t, w).Photo
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string, errCode int) api.ErrorResponse {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d (%s)", status, w.Code, w.Body.String())
	}
	resp := decodeBody[api.ErrorResponse](t, w)
	if resp.Code != code || resp.ErrorCode != errCode {
		t.Fatalf("expected %s/%d, got %s/%d (%s)", code, errCode, resp.Code, resp.ErrorCode, resp.Error)
	}
	return resp
}

// splitChunks cuts data into n nearly equal parts; the last absorbs the rest.
func splitChunks(data []byte, n int) [][]byte {
	size := len(data) / n
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		end := (i + 1) * size
		if i == n-1 {
			end = len(data)
		}
		out = append(out, data[i*size:end])
	}
	return out
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 3), G: uint8(y * 5), B: uint8(x ^ y), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
