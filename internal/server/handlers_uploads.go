package server

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"photovault/internal/api"
	"photovault/internal/models"
	"photovault/internal/upload"
)

const batchChunkPrefix = "chunk_"

func (s *Server) handleInitUpload(w http.ResponseWriter, r *http.Request) {
	var req api.InitUploadRequest
	if !s.decodeJSONReq(w, r, &req) {
		return
	}

	session, err := s.uploads.Init(r.Context(), InitInput{
		ReportID:    req.ReportID,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		TotalChunks: req.TotalChunks,
		ClientID:    req.ClientID,
		Bucket:      req.Bucket,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.writeServiceError(w, r, err, ErrCodeSessionNotFound)
		return
	}

	noteRequest(r, "file_id", session.ID, "total_chunks", session.TotalChunks)
	s.writeJSON(w, http.StatusCreated, api.InitUploadResponse{
		FileID:      session.ID,
		TotalChunks: session.TotalChunks,
		Filename:    session.Filename,
		Status:      "initialized",
	})
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	limits := s.uploads.Limits()
	r.Body = http.MaxBytesReader(w, r.Body, limits.MaxChunkBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, classifyMultipartError(err))
		return
	}
	defer removeMultipartFiles(r.MultipartForm)

	fileID, err := requireSessionID(r.FormValue("fileId"))
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return
	}
	index, err := formInt(r, "chunkIndex", true)
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return
	}
	noteRequest(r, "file_id", fileID, "chunk_index", index)
	total, err := formInt(r, "totalChunks", false)
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return
	}

	file, _, err := r.FormFile("chunk")
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("chunk is required"), ErrCodeMissingRequired))
		return
	}
	defer file.Close()

	progress, err := s.uploads.WriteChunk(r.Context(), fileID, index, total, file)
	if err != nil {
		s.writeServiceError(w, r, err, ErrCodeSessionNotFound)
		return
	}

	s.writeJSON(w, http.StatusOK, api.ChunkResponse{Received: progress.Received, TotalChunks: progress.TotalChunks})
}

func (s *Server) handleUploadChunks(w http.ResponseWriter, r *http.Request) {
	limits := s.uploads.Limits()
	r.Body = http.MaxBytesReader(w, r.Body, limits.MaxObjectBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, classifyMultipartError(err))
		return
	}
	defer removeMultipartFiles(r.MultipartForm)

	fileID, err := requireSessionID(r.FormValue("fileId"))
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return
	}

	items, closeAll, err := batchChunkInputs(r.MultipartForm)
	defer closeAll()
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return
	}
	noteRequest(r, "file_id", fileID, "chunks", len(items))

	results, progress, err := s.uploads.WriteBatch(r.Context(), fileID, items)
	if err != nil {
		s.writeServiceError(w, r, err, ErrCodeSessionNotFound)
		return
	}

	resp := api.BatchChunkResponse{
		FileID:      fileID,
		Results:     make([]api.BatchChunkResult, 0, len(results)),
		Received:    progress.Received,
		TotalChunks: progress.TotalChunks,
	}
	for _, result := range results {
		item := api.BatchChunkResult{Index: result.Index, OK: result.Err == nil}
		if result.Err != nil {
			mapped := classifyServiceError(result.Err, ErrCodeSessionNotFound)
			item.Error = mapped.Error()
			item.Code = errorCode(httpStatusFromError(mapped), mapped)
		}
		resp.Results = append(resp.Results, item)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	var req api.CompleteUploadRequest
	if !s.decodeJSONReq(w, r, &req) {
		return
	}
	fileID, err := requireSessionID(req.FileID)
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return
	}

	noteRequest(r, "file_id", fileID)
	photo, err := s.uploads.Complete(r.Context(), fileID, req.ReportID)
	if err != nil {
		s.writeServiceError(w, r, err, ErrCodeSessionNotFound)
		return
	}

	info := photo.Info
	noteRequest(r, "blob_id", info.ID, "object_bytes", info.SizeBytes)
	resp := api.CompleteUploadResponse{Photo: api.Photo{
		ID:          info.ID,
		Filename:    info.Filename,
		ContentType: info.ContentType,
		Path:        "/v1/files/" + info.ID,
		UploadDate:  info.CreatedAt,
		ClientID:    info.Metadata[models.MetaClientID],
		Size:        info.SizeBytes,
	}}
	if photo.ThumbnailID != "" {
		resp.Photo.Thumbnail = "/v1/files/" + info.ID + "?size=thumbnail"
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	fileID, ok := s.sessionIDOrBadRequest(w, r)
	if !ok {
		return
	}
	status, err := s.uploads.Status(fileID)
	if err != nil {
		s.writeServiceError(w, r, err, ErrCodeSessionNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.uploads.Sessions())
}

func (s *Server) handleAbortUpload(w http.ResponseWriter, r *http.Request) {
	fileID, ok := s.sessionIDOrBadRequest(w, r)
	if !ok {
		return
	}
	if err := s.uploads.Abort(r.Context(), fileID); err != nil {
		s.writeServiceError(w, r, err, ErrCodeSessionNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"fileId": fileID, "aborted": true})
}

// batchChunkInputs opens every chunk_<index> part, ordered by index. The
// returned closer must be called even on error.
func batchChunkInputs(form *multipart.Form) ([]upload.ChunkInput, func(), error) {
	var files []multipart.File
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	if form == nil || len(form.File) == 0 {
		return nil, closeAll, badRequestCode(fmt.Errorf("at least one chunk part is required"), ErrCodeMissingRequired)
	}

	items := make([]upload.ChunkInput, 0, len(form.File))
	for name, headers := range form.File {
		if !strings.HasPrefix(name, batchChunkPrefix) {
			continue
		}
		index, err := strconv.Atoi(strings.TrimPrefix(name, batchChunkPrefix))
		if err != nil {
			return nil, closeAll, badRequestCode(fmt.Errorf("invalid chunk part name %q", name), ErrCodeInvalidChunkIndex)
		}
		if len(headers) != 1 {
			return nil, closeAll, badRequestCode(fmt.Errorf("chunk %d sent more than once", index), ErrCodeInvalidChunkIndex)
		}
		f, err := headers[0].Open()
		if err != nil {
			return nil, closeAll, badRequest(fmt.Errorf("open chunk %d: %w", index, err))
		}
		files = append(files, f)
		items = append(items, upload.ChunkInput{Index: index, Reader: f})
	}
	if len(items) == 0 {
		return nil, closeAll, badRequestCode(errors.New("no chunk_<index> parts found"), ErrCodeMissingRequired)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Index < items[j].Index })
	return items, closeAll, nil
}

func removeMultipartFiles(form *multipart.Form) {
	if form != nil {
		_ = form.RemoveAll()
	}
}
