package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health check, info and metrics.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/info", s.handleInfo)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// Chunked uploads.
	mux.HandleFunc("POST /v1/uploads/init", s.handleInitUpload)
	mux.HandleFunc("POST /v1/uploads/chunk", s.handleUploadChunk)
	mux.HandleFunc("POST /v1/uploads/chunks", s.handleUploadChunks)
	mux.HandleFunc("POST /v1/uploads/complete", s.handleCompleteUpload)
	mux.HandleFunc("GET /v1/uploads", s.handleListUploads)
	mux.HandleFunc("GET /v1/uploads/{fileId}", s.handleUploadStatus)
	mux.HandleFunc("DELETE /v1/uploads/{fileId}", s.handleAbortUpload)

	// Stored files.
	mux.HandleFunc("GET /v1/files/search", s.handleSearchFiles)
	mux.HandleFunc("GET /v1/files/resolve", s.handleResolveFile)
	mux.HandleFunc("GET /v1/files/info/{id}", s.handleFileInfo)
	mux.HandleFunc("GET /v1/files/{id}", s.handleDownloadFile)
	mux.HandleFunc("DELETE /v1/files/{id}", s.handleDeleteFile)

	// Report links.
	mux.HandleFunc("GET /v1/reports/{reportId}/photos", s.handleReportPhotos)

	// Admin.
	mux.HandleFunc("POST /v1/admin/sweep", s.handleAdminSweep)

	return mux
}
