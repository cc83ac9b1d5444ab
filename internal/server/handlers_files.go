package server

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"photovault/internal/api"
	"photovault/internal/blobstore"
	"photovault/internal/models"
)

const metadataQueryPrefix = "meta."

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.objectIDOrBadRequest(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()

	content, err := s.reader.Stream(r.Context(), id, query.Get("size"), query.Get("bucket"))
	if err != nil {
		s.writeServiceError(w, r, err, ErrCodeBlobNotFound)
		return
	}
	defer content.Close()

	contentType := content.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(content.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": content.Filename}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Photo-Variant", string(content.Variant))
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	if written, err := io.Copy(w, content); err != nil {
		// Headers are gone; the client sees a short body.
		s.log().Warn("stream file interrupted", "id", id, "written", written, "size", content.Size, "error", err)
	}
}

func (s *Server) handleFileInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := s.objectIDOrBadRequest(w, r)
	if !ok {
		return
	}
	info, err := s.reader.Info(r.Context(), id, r.URL.Query().Get("bucket"))
	if err != nil {
		s.writeServiceError(w, r, err, ErrCodeBlobNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FileInfoFromObject(info))
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.objectIDOrBadRequest(w, r)
	if !ok {
		return
	}
	if err := s.uploads.DeletePhoto(r.Context(), id, r.URL.Query().Get("bucket")); err != nil {
		s.writeServiceError(w, r, err, ErrCodeBlobNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, api.DeleteResponse{ID: id, Deleted: true})
}

func (s *Server) handleSearchFiles(w http.ResponseWriter, r *http.Request) {
	q, err := searchQueryFromRequest(r)
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return
	}

	s.withLimiter(w, r, s.searchLimiter, "search", func() {
		found, err := s.reader.Search(r.Context(), q, r.URL.Query().Get("bucket"))
		if err != nil {
			s.writeServiceError(w, r, err, ErrCodeBlobNotFound)
			return
		}
		out := make([]api.FileInfoResponse, 0, len(found))
		for _, info := range found {
			out = append(out, api.FileInfoFromObject(info))
		}
		s.writeJSON(w, http.StatusOK, out)
	})
}

func (s *Server) handleResolveFile(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(r.URL.Query().Get("ref"))
	if ref == "" {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("ref is required"), ErrCodeMissingRequired))
		return
	}
	info, err := s.reader.Resolve(r.Context(), ref, r.URL.Query().Get("bucket"))
	if err != nil {
		s.writeServiceError(w, r, err, ErrCodeBlobNotFound)
		return
	}
	noteRequest(r, "blob_id", info.ID)
	s.writeJSON(w, http.StatusOK, api.FileInfoFromObject(info))
}

func (s *Server) handleReportPhotos(w http.ResponseWriter, r *http.Request) {
	reportID, err := validateReportID(r.PathValue("reportId"))
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return
	}
	photos, err := s.store.ListReportPhotos(r.Context(), reportID)
	if err != nil {
		s.writeServiceError(w, r, err, ErrCodeReportNotFound)
		return
	}
	if photos == nil {
		photos = []models.ReportPhoto{}
	}
	s.writeJSON(w, http.StatusOK, photos)
}

func searchQueryFromRequest(r *http.Request) (blobstore.Query, error) {
	values := r.URL.Query()
	limit, err := queryIntDefault(r, "limit", defaultSearchSize)
	if err != nil {
		return blobstore.Query{}, err
	}
	if limit == 0 || limit > maxSearchSize {
		limit = maxSearchSize
	}

	q := blobstore.Query{
		Filename:    strings.TrimSpace(values.Get("filename")),
		ContentType: strings.TrimSpace(values.Get("contentType")),
		OwnerID:     strings.TrimSpace(values.Get("ownerId")),
		Pattern:     strings.TrimSpace(values.Get("pattern")),
		Limit:       limit,
	}
	for key, vals := range values {
		if !strings.HasPrefix(key, metadataQueryPrefix) || len(vals) == 0 {
			continue
		}
		name := strings.TrimPrefix(key, metadataQueryPrefix)
		if !metadataKeyRegex.MatchString(name) {
			return blobstore.Query{}, badRequestCode(fmt.Errorf("invalid metadata filter %q", key), ErrCodeInvalidQuery)
		}
		if q.Metadata == nil {
			q.Metadata = map[string]string{}
		}
		q.Metadata[name] = vals[0]
	}
	return q, nil
}
