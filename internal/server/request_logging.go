package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"
)

// accessWriter records the status and the number of body bytes sent.
type accessWriter struct {
	http.ResponseWriter
	status int
	sent   int64
}

func (w *accessWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *accessWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.sent += int64(n)
	return n, err
}

func (w *accessWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *accessWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *accessWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// countingBody counts request body bytes the handler actually consumed.
type countingBody struct {
	io.ReadCloser
	read int64
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.read += int64(n)
	return n, err
}

// requestNotes collects fields handlers attach to the access log line, such
// as the upload session a multipart chunk belonged to.
type requestNotes struct {
	mu     sync.Mutex
	fields []any
}

type requestNotesKey struct{}

// noteRequest adds key/value pairs to r's access log line. It is a no-op
// outside the logging middleware.
func noteRequest(r *http.Request, fields ...any) {
	notes, ok := r.Context().Value(requestNotesKey{}).(*requestNotes)
	if !ok {
		return
	}
	notes.mu.Lock()
	notes.fields = append(notes.fields, fields...)
	notes.mu.Unlock()
}

// pathFields maps route wildcards onto log keys.
var pathFields = []struct{ wildcard, key string }{
	{"fileId", "file_id"},
	{"id", "blob_id"},
	{"reportId", "report_id"},
}

func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/metrics":
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		notes := &requestNotes{}
		r = r.WithContext(context.WithValue(r.Context(), requestNotesKey{}, notes))
		body := &countingBody{ReadCloser: r.Body}
		if r.Body != nil {
			r.Body = body
		}
		aw := &accessWriter{ResponseWriter: w}
		next.ServeHTTP(aw, r)

		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", aw.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes_in", body.read,
			"bytes_out", aw.sent,
			"remote_addr", r.RemoteAddr,
		}
		if r.Pattern != "" {
			fields = append(fields, "route", r.Pattern)
		}
		for _, pf := range pathFields {
			if v := r.PathValue(pf.wildcard); v != "" {
				fields = append(fields, pf.key, v)
			}
		}
		if variant := aw.Header().Get("X-Photo-Variant"); variant != "" {
			fields = append(fields, "variant", variant)
		}
		notes.mu.Lock()
		fields = append(fields, notes.fields...)
		notes.mu.Unlock()

		if aw.Status() >= 500 {
			s.log().Error("request complete", fields...)
			return
		}
		s.log().Debug("request complete", fields...)
	})
}
