package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"photovault/internal/api"
	"photovault/internal/models"
)

const (
	defaultJSONMaxBody = 1 << 20 // 1 MiB
	// multipartOverhead covers form fields and part headers around chunk bytes.
	multipartOverhead = 1 << 20 // 1 MiB
	multipartMemory   = 8 << 20 // 8 MiB
	defaultSearchSize = 100
	maxSearchSize     = 1000
)

func (s *Server) writeErrorReq(w http.ResponseWriter, r *http.Request, status int, err error) {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}

	code := errorCode(status, err)
	numericCode := errorNumericCode(status, err)
	message := err.Error()

	fields := []any{"status", status, "code", code, "error_code", numericCode, "error", err}
	if r != nil {
		fields = append(fields, "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
	}

	switch {
	case status == http.StatusServiceUnavailable:
		s.log().Warn("storage unavailable", fields...)
		message = "storage temporarily unavailable"
	case status >= 500:
		s.log().Error("request error", fields...)
		message = "internal error"
		if code == "assembly_failed" {
			message = "upload assembly failed, retry completion"
		}
	case status >= 400 && shouldWarnClientError(status):
		s.log().Warn("request rejected", fields...)
	case status >= 400:
		s.log().Debug("request rejected", fields...)
	}

	resp := api.ErrorResponse{Error: message, Code: code, ErrorCode: numericCode}
	var incomplete *models.IncompleteUploadError
	if errors.As(err, &incomplete) {
		resp.Missing = incomplete.Missing
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("write json response", "status", status, "error", err)
	}
}

type apiError struct {
	status  int
	code    string
	errCode int
	err     error
}

func (e apiError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e apiError) Unwrap() error {
	return e.err
}

func makeAPIError(status int, code string, errCode int, err error) error {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}

	var existing apiError
	if errors.As(err, &existing) {
		if existing.status != 0 {
			return existing
		}
	}

	return apiError{status: status, code: code, errCode: errCode, err: err}
}

func badRequest(err error) error {
	return badRequestCode(err, ErrCodeInvalidArgument)
}

func badRequestCode(err error, code int) error {
	return makeAPIError(http.StatusBadRequest, "invalid_argument", code, err)
}

func notFoundCode(err error, code int) error {
	return makeAPIError(http.StatusNotFound, "not_found", code, err)
}

func internalError(err error) error {
	return makeAPIError(http.StatusInternalServerError, "internal", ErrCodeInternal, err)
}

// classifyServiceError maps domain errors to API errors. notFound selects the
// numeric code used when the error is models.ErrNotFound.
func classifyServiceError(err error, notFound int) error {
	if err == nil {
		return nil
	}
	var existing apiError
	if errors.As(err, &existing) && existing.status != 0 {
		return existing
	}

	var incomplete *models.IncompleteUploadError
	var assembly *models.AssemblyError
	switch {
	case errors.As(err, &incomplete):
		return makeAPIError(http.StatusConflict, "incomplete_upload", ErrCodeIncompleteUpload, err)
	case errors.As(err, &assembly):
		return makeAPIError(http.StatusInternalServerError, "assembly_failed", ErrCodeAssemblyFailed, err)
	case errors.Is(err, models.ErrInvalidArgument):
		return badRequest(err)
	case errors.Is(err, models.ErrNotFound):
		return notFoundCode(err, notFound)
	case errors.Is(err, models.ErrResourceExhausted):
		return makeAPIError(http.StatusTooManyRequests, "resource_exhausted", ErrCodeResourceExhausted, err)
	case errors.Is(err, models.ErrStorageUnavailable), errors.Is(err, context.DeadlineExceeded):
		return makeAPIError(http.StatusServiceUnavailable, "storage_unavailable", ErrCodeStorageUnavailable, err)
	default:
		return internalError(err)
	}
}

func httpStatusFromError(err error) int {
	var apiErr apiError
	if errors.As(err, &apiErr) {
		return apiErr.status
	}
	return http.StatusInternalServerError
}

func errorCode(status int, err error) string {
	var apiErr apiError
	if errors.As(err, &apiErr) && apiErr.code != "" {
		return apiErr.code
	}
	switch status {
	case http.StatusBadRequest:
		return "invalid_argument"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "invalid_argument"
	case http.StatusTooManyRequests:
		return "resource_exhausted"
	case http.StatusInternalServerError:
		return "internal"
	case http.StatusServiceUnavailable:
		return "storage_unavailable"
	default:
		return ""
	}
}

func errorNumericCode(status int, err error) int {
	var apiErr apiError
	if errors.As(err, &apiErr) && apiErr.errCode > 0 {
		return apiErr.errCode
	}
	return defaultErrorCodeByStatus(status)
}

func shouldWarnClientError(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusRequestEntityTooLarge:
		return true
	default:
		return false
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, defaultJSONMaxBody)
	return json.NewDecoder(r.Body).Decode(dst)
}

func classifyDecodeJSONError(err error) error {
	if err == nil {
		return nil
	}

	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return badRequestCode(fmt.Errorf("request body too large"), ErrCodeRequestTooLarge)
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return badRequestCode(fmt.Errorf("invalid JSON payload"), ErrCodeInvalidJSON)
	}

	return badRequestCode(err, ErrCodeInvalidJSON)
}

func classifyMultipartError(err error) error {
	if err == nil {
		return nil
	}
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) || strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		return badRequestCode(fmt.Errorf("request body too large"), ErrCodeRequestTooLarge)
	}
	return badRequestCode(fmt.Errorf("invalid multipart body: %w", err), ErrCodeInvalidArgument)
}

func (s *Server) decodeJSONReq(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, classifyDecodeJSONError(err))
		return false
	}
	return true
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error, notFound int) {
	err = classifyServiceError(err, notFound)
	s.writeErrorReq(w, r, httpStatusFromError(err), err)
}

func (s *Server) withLimiter(w http.ResponseWriter, r *http.Request, limiter chan struct{}, name string, fn func()) {
	if !s.acquireLimiter(limiter, w, r, name) {
		return
	}
	defer s.releaseLimiter(limiter)
	fn()
}

func (s *Server) objectIDOrBadRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if !models.ValidObjectID(id) {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("invalid file id"), ErrCodeInvalidID))
		return "", false
	}
	return id, true
}

func (s *Server) sessionIDOrBadRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := requireSessionID(r.PathValue("fileId"))
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return "", false
	}
	return id, true
}

func requireSessionID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", badRequestCode(fmt.Errorf("fileId is required"), ErrCodeMissingRequired)
	}
	if !models.ValidObjectID(id) {
		return "", badRequestCode(fmt.Errorf("invalid fileId"), ErrCodeInvalidID)
	}
	return id, nil
}

func queryIntDefault(r *http.Request, key string, def int) (int, error) {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, badRequestCode(fmt.Errorf("invalid %s", key), ErrCodeInvalidQuery)
	}
	if parsed < 0 {
		return 0, badRequestCode(fmt.Errorf("%s must be >= 0", key), ErrCodeInvalidQuery)
	}
	return parsed, nil
}

func formInt(r *http.Request, key string, required bool) (int, error) {
	value := strings.TrimSpace(r.FormValue(key))
	if value == "" {
		if required {
			return 0, badRequestCode(fmt.Errorf("%s is required", key), ErrCodeMissingRequired)
		}
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, badRequestCode(fmt.Errorf("invalid %s", key), ErrCodeInvalidArgument)
	}
	return parsed, nil
}
