package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"photovault/internal/blobstore"
	"photovault/internal/store"
	"photovault/internal/upload"
)

const (
	allowRemoteEnvKey      = "PHOTOVAULT_ALLOW_REMOTE"
	readHeaderTimeout      = 5 * time.Second
	readTimeout            = 2 * time.Minute
	writeTimeout           = 10 * time.Minute
	idleTimeout            = 60 * time.Second
	shutdownTimeout        = 15 * time.Second
	sweepConcurrencyLimit  = 1
	searchConcurrencyLimit = 4
)

// Options wires a Server.
type Options struct {
	Addr     string
	Uploads  *UploadService
	Reader   *blobstore.Reader
	Sweeper  *upload.Sweeper
	Store    *store.Store
	Gatherer prometheus.Gatherer
	// StagingUsage reports bytes currently held by staged chunks.
	StagingUsage  func() int64
	DefaultBucket string
	DBPath        string
	Version       string
	Logger        *slog.Logger
}

// Server wraps HTTP handlers for the photovault API.
type Server struct {
	addr          string
	uploads       *UploadService
	reader        *blobstore.Reader
	sweeper       *upload.Sweeper
	store         *store.Store
	gatherer      prometheus.Gatherer
	stagingUsage  func() int64
	defaultBucket string
	dbPath        string
	version       string
	logger        *slog.Logger
	sweepLimiter  chan struct{}
	searchLimiter chan struct{}
}

// New creates a new server instance.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &Server{
		addr:          opts.Addr,
		uploads:       opts.Uploads,
		reader:        opts.Reader,
		sweeper:       opts.Sweeper,
		store:         opts.Store,
		gatherer:      gatherer,
		stagingUsage:  opts.StagingUsage,
		defaultBucket: opts.DefaultBucket,
		dbPath:        opts.DBPath,
		version:       opts.Version,
		logger:        logger,
		sweepLimiter:  make(chan struct{}, sweepConcurrencyLimit),
		searchLimiter: make(chan struct{}, searchConcurrencyLimit),
	}
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.withRequestLogging(s.routes())
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.log().Info("starting server", "addr", s.addr)
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.log().Info("shutting down server", "addr", s.addr)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

// ListenAddr converts a base API URL into a listen address.
func ListenAddr(apiURL string) (string, error) {
	if apiURL == "" {
		return "", fmt.Errorf("api url is required")
	}
	if u, err := url.Parse(apiURL); err == nil && u.Host != "" {
		host := u.Hostname()
		if !isAllowedListenHost(host) {
			return "", fmt.Errorf("remote listen host %q requires %s=true", host, allowRemoteEnvKey)
		}
		return u.Host, nil
	}

	host, _, err := net.SplitHostPort(apiURL)
	if err == nil && !isAllowedListenHost(host) {
		return "", fmt.Errorf("remote listen host %q requires %s=true", host, allowRemoteEnvKey)
	}

	return apiURL, nil
}

func isAllowedListenHost(host string) bool {
	if host == "" {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv(allowRemoteEnvKey)), "true") {
		return true
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) acquireLimiter(limiter chan struct{}, w http.ResponseWriter, r *http.Request, name string) bool {
	if limiter == nil {
		return true
	}
	select {
	case limiter <- struct{}{}:
		return true
	default:
		err := apiError{
			status:  http.StatusTooManyRequests,
			code:    "resource_exhausted",
			errCode: ErrCodeResourceExhausted,
			err:     fmt.Errorf("too many concurrent %s requests", name),
		}
		s.writeErrorReq(w, r, http.StatusTooManyRequests, err)
		return false
	}
}

func (s *Server) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func (s *Server) releaseLimiter(limiter chan struct{}) {
	if limiter == nil {
		return
	}
	select {
	case <-limiter:
	default:
	}
}
