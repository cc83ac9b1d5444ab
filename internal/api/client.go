package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 60 * time.Second
	httpTimeoutEnvKey  = "PHOTOVAULT_HTTP_TIMEOUT"
)

// Client is a simple HTTP client for the photovault API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: httpTimeoutFromEnv()},
	}
}

// Ping checks whether the API server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func (c *Client) GetInfo(ctx context.Context) (InfoResponse, error) {
	var resp InfoResponse
	err := c.do(ctx, http.MethodGet, "/v1/info", nil, nil, &resp)
	return resp, err
}

func (c *Client) InitUpload(ctx context.Context, req InitUploadRequest) (InitUploadResponse, error) {
	var resp InitUploadResponse
	err := c.do(ctx, http.MethodPost, "/v1/uploads/init", nil, req, &resp)
	return resp, err
}

// UploadChunk sends one chunk as multipart form data.
func (c *Client) UploadChunk(ctx context.Context, fileID string, index, totalChunks int, chunk io.Reader) (ChunkResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{
		"fileId":      fileID,
		"chunkIndex":  strconv.Itoa(index),
		"totalChunks": strconv.Itoa(totalChunks),
	}
	for _, key := range []string{"fileId", "chunkIndex", "totalChunks"} {
		if err := mw.WriteField(key, fields[key]); err != nil {
			return ChunkResponse{}, err
		}
	}
	part, err := mw.CreateFormFile("chunk", "chunk-"+strconv.Itoa(index))
	if err != nil {
		return ChunkResponse{}, err
	}
	if _, err := io.Copy(part, chunk); err != nil {
		return ChunkResponse{}, err
	}
	if err := mw.Close(); err != nil {
		return ChunkResponse{}, err
	}

	var resp ChunkResponse
	err = c.doRaw(ctx, http.MethodPost, "/v1/uploads/chunk", nil, &body, mw.FormDataContentType(), &resp)
	return resp, err
}

// UploadChunks sends several chunks of one session in a single request.
func (c *Client) UploadChunks(ctx context.Context, fileID string, chunks map[int]io.Reader) (BatchChunkResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("fileId", fileID); err != nil {
		return BatchChunkResponse{}, err
	}
	for index, chunk := range chunks {
		part, err := mw.CreateFormFile("chunk_"+strconv.Itoa(index), "chunk-"+strconv.Itoa(index))
		if err != nil {
			return BatchChunkResponse{}, err
		}
		if _, err := io.Copy(part, chunk); err != nil {
			return BatchChunkResponse{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return BatchChunkResponse{}, err
	}

	var resp BatchChunkResponse
	err := c.doRaw(ctx, http.MethodPost, "/v1/uploads/chunks", nil, &body, mw.FormDataContentType(), &resp)
	return resp, err
}

func (c *Client) ListUploads(ctx context.Context) ([]SessionResponse, error) {
	var resp []SessionResponse
	err := c.do(ctx, http.MethodGet, "/v1/uploads", nil, nil, &resp)
	return resp, err
}

func (c *Client) AbortUpload(ctx context.Context, fileID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/uploads/"+url.PathEscape(fileID), nil, nil, nil)
}

func (c *Client) UploadStatus(ctx context.Context, fileID string) (SessionResponse, error) {
	var resp SessionResponse
	err := c.do(ctx, http.MethodGet, "/v1/uploads/"+url.PathEscape(fileID), nil, nil, &resp)
	return resp, err
}

func (c *Client) CompleteUpload(ctx context.Context, req CompleteUploadRequest) (CompleteUploadResponse, error) {
	var resp CompleteUploadResponse
	err := c.do(ctx, http.MethodPost, "/v1/uploads/complete", nil, req, &resp)
	return resp, err
}

func (c *Client) FileInfo(ctx context.Context, id, bucket string) (FileInfoResponse, error) {
	var resp FileInfoResponse
	err := c.do(ctx, http.MethodGet, "/v1/files/info/"+url.PathEscape(id), bucketQuery(bucket), nil, &resp)
	return resp, err
}

func (c *Client) DeleteFile(ctx context.Context, id, bucket string) (DeleteResponse, error) {
	var resp DeleteResponse
	err := c.do(ctx, http.MethodDelete, "/v1/files/"+url.PathEscape(id), bucketQuery(bucket), nil, &resp)
	return resp, err
}

func (c *Client) SearchFiles(ctx context.Context, query url.Values) ([]FileInfoResponse, error) {
	var resp []FileInfoResponse
	err := c.do(ctx, http.MethodGet, "/v1/files/search", query, nil, &resp)
	return resp, err
}

func (c *Client) ResolveFile(ctx context.Context, ref, bucket string) (FileInfoResponse, error) {
	query := bucketQuery(bucket)
	if query == nil {
		query = url.Values{}
	}
	query.Set("ref", ref)
	var resp FileInfoResponse
	err := c.do(ctx, http.MethodGet, "/v1/files/resolve", query, nil, &resp)
	return resp, err
}

func (c *Client) ReportPhotos(ctx context.Context, reportID string) ([]ReportPhotoResponse, error) {
	var resp []ReportPhotoResponse
	err := c.do(ctx, http.MethodGet, "/v1/reports/"+url.PathEscape(reportID)+"/photos", nil, nil, &resp)
	return resp, err
}

func (c *Client) Sweep(ctx context.Context) (SweepResponse, error) {
	var resp SweepResponse
	err := c.do(ctx, http.MethodPost, "/v1/admin/sweep", nil, nil, &resp)
	return resp, err
}

// Download describes a streamed object.
type Download struct {
	Filename    string
	ContentType string
	Size        int64
}

// DownloadFile streams the requested size of an object into w.
func (c *Client) DownloadFile(ctx context.Context, id, size, bucket string, w io.Writer) (Download, error) {
	query := bucketQuery(bucket)
	if size != "" {
		if query == nil {
			query = url.Values{}
		}
		query.Set("size", size)
	}
	endpoint := c.baseURL + "/v1/files/" + url.PathEscape(id)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Download{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Download{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Download{}, decodeError(resp)
	}

	out := Download{ContentType: resp.Header.Get("Content-Type"), Size: resp.ContentLength}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		out.Filename = params["filename"]
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
		contentType = "application/json"
	}
	return c.doRaw(ctx, method, path, query, reader, contentType, out)
}

func (c *Client) doRaw(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("api error: %s", resp.Status)}
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
		apiErr.Code = errResp.Code
		apiErr.ErrorCode = errResp.ErrorCode
		apiErr.Message = errResp.Error
		apiErr.Missing = errResp.Missing
	}
	return apiErr
}

func bucketQuery(bucket string) url.Values {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil
	}
	return url.Values{"bucket": []string{bucket}}
}

func httpTimeoutFromEnv() time.Duration {
	value := strings.TrimSpace(os.Getenv(httpTimeoutEnvKey))
	if value == "" {
		return defaultHTTPTimeout
	}

	if duration, err := time.ParseDuration(value); err == nil && duration > 0 {
		return duration
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return defaultHTTPTimeout
}
