package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(oldWD)
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir %s: %v", dir, err)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.APIURL != DefaultAPIURL {
		t.Fatalf("expected default API URL, got %q", cfg.APIURL)
	}
	if cfg.DBPath != "" {
		t.Fatalf("expected empty db path, got %q", cfg.DBPath)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, cfg.LogLevel)
	}
	if cfg.Uploads.MaxChunkBytes != 8<<20 || cfg.Uploads.MaxObjectBytes != 200<<20 {
		t.Fatalf("unexpected size defaults %d %d", cfg.Uploads.MaxChunkBytes, cfg.Uploads.MaxObjectBytes)
	}
	if cfg.Uploads.SessionMaxAge != time.Hour || cfg.Uploads.SweepInterval != 30*time.Minute {
		t.Fatalf("unexpected sweep defaults %v %v", cfg.Uploads.SessionMaxAge, cfg.Uploads.SweepInterval)
	}
	if !cfg.Uploads.RejectContentTypeMismatch {
		t.Fatal("expected reject mismatch default true")
	}
	if cfg.Blobs.SegmentBytes != 255<<10 || cfg.Blobs.DefaultBucket != "photos" || cfg.Blobs.ThumbnailMaxEdge != 320 {
		t.Fatalf("unexpected blob defaults %+v", cfg.Blobs)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, configFileName)
	if err := os.WriteFile(path, []byte(`api_url = "http://localhost:9999"
log_level = "warn"

[uploads]
max_chunk_bytes = "4MiB"
max_object_bytes = 104857600
session_max_age = "2h"
sweep_interval = "5m"
allowed_content_types = ["image/jpeg", "image/png"]

[blobs]
segment_bytes = "128 KiB"
io_timeout = "10s"
default_bucket = "pdf-reports"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Default()
	if err := loadFile(path, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIURL != "http://localhost:9999" || cfg.LogLevel != "warn" {
		t.Fatalf("unexpected top-level values %q %q", cfg.APIURL, cfg.LogLevel)
	}
	if cfg.Uploads.MaxChunkBytes != 4<<20 {
		t.Fatalf("expected 4MiB chunk limit, got %d", cfg.Uploads.MaxChunkBytes)
	}
	if cfg.Uploads.MaxObjectBytes != 100<<20 {
		t.Fatalf("expected integer byte count, got %d", cfg.Uploads.MaxObjectBytes)
	}
	if cfg.Uploads.SessionMaxAge != 2*time.Hour || cfg.Uploads.SweepInterval != 5*time.Minute {
		t.Fatalf("unexpected durations %v %v", cfg.Uploads.SessionMaxAge, cfg.Uploads.SweepInterval)
	}
	if len(cfg.Uploads.AllowedContentTypes) != 2 {
		t.Fatalf("unexpected allowed content types %v", cfg.Uploads.AllowedContentTypes)
	}
	if cfg.Blobs.SegmentBytes != 128<<10 || cfg.Blobs.IOTimeout != 10*time.Second || cfg.Blobs.DefaultBucket != "pdf-reports" {
		t.Fatalf("unexpected blob config %+v", cfg.Blobs)
	}
}

func TestLoadFileRejectsBadSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFileName)
	if err := os.WriteFile(path, []byte("[uploads]\nmax_chunk_bytes = \"lots\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg := Default()
	if err := loadFile(path, &cfg); err == nil {
		t.Fatal("expected parse error for invalid size")
	}
}

func TestByteSizeFlagValue(t *testing.T) {
	var size ByteSize
	if err := size.Set("512KiB"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if size != 512<<10 || size.String() != "512 KiB" || size.Type() != "size" {
		t.Fatalf("unexpected size %d (%s)", int64(size), size.String())
	}
	if err := size.Set("-3"); err == nil {
		t.Fatal("expected negative size to be rejected")
	}
}

func TestLoadFileMissing(t *testing.T) {
	cfg := Default()
	if err := loadFile("/nonexistent/path/.photovault.toml", &cfg); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.APIURL != DefaultAPIURL {
		t.Fatalf("defaults should be preserved")
	}
}

func TestIsAllowedKey(t *testing.T) {
	for _, key := range []string{
		"api_url",
		"db_path",
		"log_level",
		"uploads.max_chunk_bytes",
		"uploads.allowed_content_types",
		"uploads.session_max_age",
		"uploads.staging_max_bytes",
		"blobs.segment_bytes",
		"blobs.thumbnail_max_edge",
	} {
		if !IsAllowedKey(key) {
			t.Fatalf("expected %q to be allowed", key)
		}
	}
	if IsAllowedKey("invalid") {
		t.Fatal("expected 'invalid' to not be allowed")
	}
}

func TestGetKey(t *testing.T) {
	cfg := Default()
	cfg.DBPath = "/tmp/test.db"
	cfg.Uploads.AllowedContentTypes = []string{"image/jpeg", "image/png"}
	cfg.Uploads.MaxObjectBytes = 1500

	tests := map[string]string{
		"db_path":                       "/tmp/test.db",
		"log_level":                     "info",
		"uploads.max_chunk_bytes":       "8.0 MiB",
		"uploads.max_object_bytes":      "1500",
		"uploads.allowed_content_types": "image/jpeg,image/png",
		"uploads.session_max_age":       "1h0m0s",
		"uploads.sweep_concurrency":     "4",
		"blobs.segment_bytes":           "255 KiB",
		"blobs.default_bucket":          "photos",
	}
	for key, want := range tests {
		got, err := cfg.Get(key)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if got != want {
			t.Fatalf("get %s: expected %q, got %q", key, want, got)
		}
	}

	if _, err := cfg.Get("nope"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestSetKeyCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.toml")
	if err := SetKey(path, "api_url", "http://127.0.0.1:9000"); err != nil {
		t.Fatalf("set: %v", err)
	}

	cfg := Default()
	if err := loadFile(path, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIURL != "http://127.0.0.1:9000" {
		t.Fatalf("expected api_url to be set, got %q", cfg.APIURL)
	}
}

func TestSetKeyUpdatesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "existing.toml")
	if err := os.WriteFile(path, []byte("db_path = \"/old.db\"\napi_url = \"http://keep\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := SetKey(path, "db_path", "/new.db"); err != nil {
		t.Fatalf("set: %v", err)
	}

	cfg := Default()
	if err := loadFile(path, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/new.db" {
		t.Fatalf("expected '/new.db', got %q", cfg.DBPath)
	}
	if cfg.APIURL != "http://keep" {
		t.Fatalf("expected preserved api_url 'http://keep', got %q", cfg.APIURL)
	}
}

func TestSetNestedUploadKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploads.toml")
	for key, value := range map[string]string{
		"uploads.max_chunk_bytes":              "4MiB",
		"uploads.sweep_interval":               "10m",
		"uploads.reject_content_type_mismatch": "false",
		"uploads.allowed_content_types":        "image/jpeg, image/heic",
		"blobs.info_cache_mb":                  "16",
	} {
		if err := SetKey(path, key, value); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}

	cfg := Default()
	if err := loadFile(path, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Uploads.MaxChunkBytes != 4<<20 {
		t.Fatalf("expected 4MiB, got %d", cfg.Uploads.MaxChunkBytes)
	}
	if cfg.Uploads.SweepInterval != 10*time.Minute {
		t.Fatalf("expected 10m, got %v", cfg.Uploads.SweepInterval)
	}
	if cfg.Uploads.RejectContentTypeMismatch {
		t.Fatal("expected reject mismatch disabled")
	}
	if strings.Join(cfg.Uploads.AllowedContentTypes, ",") != "image/jpeg,image/heic" {
		t.Fatalf("unexpected allowed content types %v", cfg.Uploads.AllowedContentTypes)
	}
	if cfg.Blobs.InfoCacheMB != 16 {
		t.Fatalf("expected info cache 16, got %d", cfg.Blobs.InfoCacheMB)
	}
}

func TestSetKeyRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.toml")
	tests := []struct {
		key   string
		value string
	}{
		{key: "invalid_key", value: "value"},
		{key: "uploads.max_chunk_bytes", value: "big"},
		{key: "uploads.max_chunk_bytes", value: "0"},
		{key: "uploads.session_max_age", value: "soon"},
		{key: "uploads.sweep_concurrency", value: "-1"},
		{key: "uploads.put_max_retries", value: "-1"},
		{key: "uploads.reject_content_type_mismatch", value: "maybe"},
		{key: "log_level", value: "verbose"},
	}
	for _, tt := range tests {
		if err := SetKey(path, tt.key, tt.value); err == nil {
			t.Fatalf("expected error for %s=%q", tt.key, tt.value)
		}
	}
}

func TestConfigDirOverridePaths(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(configDirEnvKey, dir)

	globalPath, err := GlobalPath()
	if err != nil {
		t.Fatalf("global path: %v", err)
	}
	if globalPath != filepath.Join(dir, configFileName) {
		t.Fatalf("unexpected global path: %s", globalPath)
	}

	projectPath, err := ProjectPath()
	if err != nil {
		t.Fatalf("project path: %v", err)
	}
	if projectPath != filepath.Join(dir, configFileName) {
		t.Fatalf("unexpected project path: %s", projectPath)
	}
}

func TestLoadConfigDirOverride(t *testing.T) {
	configDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(configDir, configFileName), []byte("api_url = \"http://127.0.0.1:9001\"\n"), 0o644); err != nil {
		t.Fatalf("write override config: %v", err)
	}

	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, configFileName), []byte("api_url = \"http://ignored\"\n"), 0o644); err != nil {
		t.Fatalf("write workspace config: %v", err)
	}
	chdir(t, workspace)

	t.Setenv(configDirEnvKey, configDir)
	t.Setenv(dbPathEnvKey, "")
	t.Setenv(apiURLEnvKey, "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIURL != "http://127.0.0.1:9001" {
		t.Fatalf("expected config-dir api_url override, got %q", cfg.APIURL)
	}
	if cfg.DBPath != filepath.Join(workspace, DefaultDBFileName) {
		t.Fatalf("expected default workspace db path, got %q", cfg.DBPath)
	}
	if cfg.StagingDir() != filepath.Join(workspace, ".photovault", "staging") {
		t.Fatalf("expected staging dir next to db, got %q", cfg.StagingDir())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(configDirEnvKey, t.TempDir())
	t.Setenv(apiURLEnvKey, "http://example.com:8080")
	t.Setenv(dbPathEnvKey, "/tmp/override.db")
	t.Setenv(stagingDirEnvKey, "/tmp/staging")
	t.Setenv(allowedContentTypesEnvKey, "image/png, IMAGE/JPEG")
	t.Setenv(rejectMismatchEnvKey, "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIURL != "http://example.com:8080" {
		t.Fatalf("expected env override for API URL, got %q", cfg.APIURL)
	}
	if cfg.DBPath != "/tmp/override.db" {
		t.Fatalf("expected env override for DB path, got %q", cfg.DBPath)
	}
	if cfg.StagingDir() != "/tmp/staging" {
		t.Fatalf("expected env override for staging dir, got %q", cfg.StagingDir())
	}
	if strings.Join(cfg.Uploads.AllowedContentTypes, ",") != "image/jpeg,image/png" {
		t.Fatalf("expected normalized allowed types, got %v", cfg.Uploads.AllowedContentTypes)
	}
	if cfg.Uploads.RejectContentTypeMismatch {
		t.Fatal("expected env to disable mismatch rejection")
	}
}

func TestLoadFallsBackToDefaultsWhenConfiguredEmpty(t *testing.T) {
	homeDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(homeDir, configFileName), []byte("log_level = \"\"\n[blobs]\ndefault_bucket = \"\"\ninfo_cache_mb = 0\n"), 0o644); err != nil {
		t.Fatalf("write home config: %v", err)
	}
	chdir(t, t.TempDir())

	t.Setenv("HOME", homeDir)
	t.Setenv(configDirEnvKey, "")
	t.Setenv(trustProjectConfigEnvKey, "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, cfg.LogLevel)
	}
	if cfg.Blobs.DefaultBucket != DefaultBucket || cfg.Blobs.InfoCacheMB != DefaultInfoCacheMB {
		t.Fatalf("expected blob defaults restored, got %+v", cfg.Blobs)
	}
}

func TestLoadProjectConfigTrust(t *testing.T) {
	tests := []struct {
		name    string
		trust   string
		wantURL string
		trusted bool
	}{
		{name: "ignored by default", trust: "", wantURL: "http://global"},
		{name: "invalid env value", trust: "perhaps", wantURL: "http://global"},
		{name: "applied when trusted", trust: "true", wantURL: "http://project", trusted: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			homeDir := t.TempDir()
			workspace := t.TempDir()
			if err := os.WriteFile(filepath.Join(homeDir, configFileName), []byte("api_url = \"http://global\"\n"), 0o644); err != nil {
				t.Fatalf("write home config: %v", err)
			}
			if err := os.WriteFile(filepath.Join(workspace, configFileName), []byte("api_url = \"http://project\"\n"), 0o644); err != nil {
				t.Fatalf("write project config: %v", err)
			}
			chdir(t, workspace)

			t.Setenv("HOME", homeDir)
			t.Setenv(configDirEnvKey, "")
			t.Setenv(apiURLEnvKey, "")
			t.Setenv(trustProjectConfigEnvKey, tt.trust)

			cfg, err := Load()
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if cfg.APIURL != tt.wantURL {
				t.Fatalf("expected api_url %q, got %q", tt.wantURL, cfg.APIURL)
			}
			if (cfg.TrustedProjectConfigPath != "") != tt.trusted {
				t.Fatalf("unexpected trusted path %q", cfg.TrustedProjectConfigPath)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	cfg.Uploads.MaxChunkBytes = 300 << 20
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected chunk limit above object limit to fail")
	}

	cfg = Default()
	cfg.Blobs.SegmentBytes = 32 << 20
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected oversized segments to fail")
	}

	cfg = Default()
	cfg.Uploads.StagingMaxBytes = 1 << 20
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected staging budget below one chunk to fail")
	}
}

func TestNormalizeContentTypePatterns(t *testing.T) {
	got := normalizeContentTypePatterns([]string{" Image/* ", "image/jpeg; charset=binary", "image/jpeg", "", "not a type/"})
	if strings.Join(got, ",") != "image/*,image/jpeg" {
		t.Fatalf("unexpected normalized patterns %v", got)
	}
	if normalizeContentTypePatterns(nil) != nil {
		t.Fatal("expected nil for empty input")
	}
}
