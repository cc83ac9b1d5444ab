package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"photovault/internal/api"
	"photovault/internal/config"
)

const (
	serverStartTimeout = 3 * time.Second
	serverPollInterval = 100 * time.Millisecond
	serverLogTailBytes = 4 << 10
)

// withClient runs fn against the configured API. When nothing answers, a
// local server is started on the configured vault for the one command.
func withClient(cfg *config.Config, fn func(*api.Client) error) error {
	client := api.NewClient(cfg.APIURL)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	err := client.Ping(ctx)
	cancel()
	if err == nil {
		warnOnForeignVault(client, cfg, os.Stderr)
		return fn(client)
	}

	server, err := startLocalServer(cfg)
	if err != nil {
		return err
	}
	defer server.stop()
	if err := waitForServer(client, server.done, serverStartTimeout); err != nil {
		server.kill()
		if tail := server.stderr.lastLine(); tail != "" {
			return fmt.Errorf("%w (server said: %s)", err, tail)
		}
		return err
	}
	return fn(client)
}

// warnOnForeignVault flags a local server that serves a different database
// than this CLI is configured for; photos would land in the other vault.
func warnOnForeignVault(client *api.Client, cfg *config.Config, w io.Writer) {
	if cfg.DBPath == "" || !isLoopbackURL(cfg.APIURL) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	info, err := client.GetInfo(ctx)
	if err != nil || info.DBPath == "" {
		return
	}
	if filepath.Clean(info.DBPath) == filepath.Clean(cfg.DBPath) {
		return
	}
	fmt.Fprintf(w, "warning: server at %s serves %s, not %s\n", cfg.APIURL, info.DBPath, cfg.DBPath)
}

func isLoopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type localServer struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
	done   chan struct{}
}

func startLocalServer(cfg *config.Config) (*localServer, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(exe, "srv")
	cmd.Env = append(os.Environ(),
		"PHOTOVAULT_DB="+cfg.DBPath,
		"PHOTOVAULT_API_URL="+cfg.APIURL,
		"PHOTOVAULT_STAGING_DIR="+cfg.StagingDir(),
	)
	stderr := &tailBuffer{max: serverLogTailBytes}
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start local server: %w", err)
	}
	s := &localServer{cmd: cmd, stderr: stderr, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(s.done)
	}()
	return s, nil
}

// stop interrupts the server, which finishes in-flight uploads first.
func (s *localServer) stop() {
	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = s.cmd.Process.Kill()
	}
	<-s.done
}

func (s *localServer) kill() {
	_ = s.cmd.Process.Kill()
	<-s.done
}

// waitForServer polls /health until it answers. A server that exits early or
// a foreign service on the port ends the wait at once.
func waitForServer(client *api.Client, exited <-chan struct{}, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ready := func() error {
		select {
		case <-exited:
			return backoff.Permanent(errors.New("local server exited during startup"))
		default:
		}
		pingCtx, pingCancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer pingCancel()
		err := client.Ping(pingCtx)
		if err != nil && !isConnRefused(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(ready, backoff.WithContext(backoff.NewConstantBackOff(serverPollInterval), ctx))
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("server did not start within %s", timeout)
	}
	return err
}

func isConnRefused(err error) bool {
	var netErr *net.OpError
	return errors.As(err, &netErr)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) lastLine() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	trimmed := bytes.TrimSpace(b.buf)
	if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return string(trimmed)
}
