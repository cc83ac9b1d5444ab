package config

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

const (
	DefaultAPIURL     = "http://127.0.0.1:7480"
	DefaultDBFileName = ".photovault.db"
	DefaultLogLevel   = "info"

	DefaultMaxChunkBytes             ByteSize = 8 << 20
	DefaultMaxObjectBytes            ByteSize = 200 << 20
	DefaultMaxTotalChunks                     = 10000
	DefaultRejectContentTypeMismatch          = true
	DefaultSessionMaxAge                      = 60 * time.Minute
	DefaultSweepInterval                      = 30 * time.Minute
	DefaultSweepConcurrency                   = 4
	DefaultStagingMaxBytes           ByteSize = 2 << 30
	DefaultPutMaxRetries                      = 3

	DefaultSegmentBytes     ByteSize = 255 << 10
	DefaultIOTimeout                 = 30 * time.Second
	DefaultBucket                    = "photos"
	DefaultInfoCacheTTL              = 10 * time.Minute
	DefaultInfoCacheMB               = 64
	DefaultThumbnailMaxEdge          = 320

	// Segments must stay below the document size limits of common stores.
	maxSegmentBytes ByteSize = 15 << 20

	configFileName           = ".photovault.toml"
	configDirEnvKey          = "PHOTOVAULT_CONFIG_DIR"
	trustProjectConfigEnvKey = "PHOTOVAULT_TRUST_PROJECT_CONFIG"

	apiURLEnvKey              = "PHOTOVAULT_API_URL"
	dbPathEnvKey              = "PHOTOVAULT_DB"
	stagingDirEnvKey          = "PHOTOVAULT_STAGING_DIR"
	allowedContentTypesEnvKey = "PHOTOVAULT_ALLOWED_CONTENT_TYPES"
	rejectMismatchEnvKey      = "PHOTOVAULT_REJECT_CONTENT_TYPE_MISMATCH"
)

// ByteSize is a byte count that decodes from integers or human strings
// such as "8MiB".
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := parseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// String renders b in IEC units when that is exact and as plain bytes
// otherwise.
func (b ByteSize) String() string {
	if b > 0 {
		human := humanize.IBytes(uint64(b))
		if parsed, err := humanize.ParseBytes(human); err == nil && parsed == uint64(b) {
			return human
		}
	}
	return strconv.FormatInt(int64(b), 10)
}

// Set implements pflag.Value.
func (b *ByteSize) Set(raw string) error {
	return b.UnmarshalText([]byte(raw))
}

// Type implements pflag.Value.
func (b *ByteSize) Type() string {
	return "size"
}

func parseByteSize(raw string) (ByteSize, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty size")
	}
	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", raw, err)
	}
	if parsed > 1<<62 {
		return 0, fmt.Errorf("size %q too large", raw)
	}
	return ByteSize(parsed), nil
}

// UploadConfig defines limits and housekeeping of chunked uploads.
type UploadConfig struct {
	MaxChunkBytes             ByteSize      `toml:"max_chunk_bytes"`
	MaxObjectBytes            ByteSize      `toml:"max_object_bytes"`
	MaxTotalChunks            int           `toml:"max_total_chunks"`
	AllowedContentTypes       []string      `toml:"allowed_content_types"`
	RejectContentTypeMismatch bool          `toml:"reject_content_type_mismatch"`
	SessionMaxAge             time.Duration `toml:"session_max_age"`
	SweepInterval             time.Duration `toml:"sweep_interval"`
	SweepConcurrency          int           `toml:"sweep_concurrency"`
	StagingDir                string        `toml:"staging_dir"`
	StagingMaxBytes           ByteSize      `toml:"staging_max_bytes"`
	PutMaxRetries             int           `toml:"put_max_retries"`
}

// BlobConfig defines segmented storage and read-path settings.
type BlobConfig struct {
	SegmentBytes     ByteSize      `toml:"segment_bytes"`
	IOTimeout        time.Duration `toml:"io_timeout"`
	DefaultBucket    string        `toml:"default_bucket"`
	InfoCacheTTL     time.Duration `toml:"info_cache_ttl"`
	InfoCacheMB      int           `toml:"info_cache_mb"`
	ThumbnailMaxEdge int           `toml:"thumbnail_max_edge"`
}

// Config defines runtime configuration for photovault.
type Config struct {
	APIURL                   string       `toml:"api_url"`
	DBPath                   string       `toml:"db_path"`
	LogLevel                 string       `toml:"log_level"`
	Uploads                  UploadConfig `toml:"uploads"`
	Blobs                    BlobConfig   `toml:"blobs"`
	TrustedProjectConfigPath string       `toml:"-"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		APIURL:   DefaultAPIURL,
		DBPath:   "",
		LogLevel: DefaultLogLevel,
		Uploads: UploadConfig{
			MaxChunkBytes:             DefaultMaxChunkBytes,
			MaxObjectBytes:            DefaultMaxObjectBytes,
			MaxTotalChunks:            DefaultMaxTotalChunks,
			AllowedContentTypes:       []string{"image/*"},
			RejectContentTypeMismatch: DefaultRejectContentTypeMismatch,
			SessionMaxAge:             DefaultSessionMaxAge,
			SweepInterval:             DefaultSweepInterval,
			SweepConcurrency:          DefaultSweepConcurrency,
			StagingMaxBytes:           DefaultStagingMaxBytes,
			PutMaxRetries:             DefaultPutMaxRetries,
		},
		Blobs: BlobConfig{
			SegmentBytes:     DefaultSegmentBytes,
			IOTimeout:        DefaultIOTimeout,
			DefaultBucket:    DefaultBucket,
			InfoCacheTTL:     DefaultInfoCacheTTL,
			InfoCacheMB:      DefaultInfoCacheMB,
			ThumbnailMaxEdge: DefaultThumbnailMaxEdge,
		},
	}
}

func loadFile(path string, cfg *Config) error {
	_, err := loadFileIfExists(path, cfg)
	return err
}

func loadFileIfExists(path string, cfg *Config) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return true, nil
}

func overrideConfigPath() (string, bool) {
	dir := strings.TrimSpace(os.Getenv(configDirEnvKey))
	if dir == "" {
		return "", false
	}
	return filepath.Join(dir, configFileName), true
}

func trustProjectConfig() bool {
	raw := strings.TrimSpace(os.Getenv(trustProjectConfigEnvKey))
	if raw == "" {
		return false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return value
}

var allowedKeys = []string{
	"api_url",
	"db_path",
	"log_level",
	"uploads.max_chunk_bytes",
	"uploads.max_object_bytes",
	"uploads.max_total_chunks",
	"uploads.allowed_content_types",
	"uploads.reject_content_type_mismatch",
	"uploads.session_max_age",
	"uploads.sweep_interval",
	"uploads.sweep_concurrency",
	"uploads.staging_dir",
	"uploads.staging_max_bytes",
	"uploads.put_max_retries",
	"blobs.segment_bytes",
	"blobs.io_timeout",
	"blobs.default_bucket",
	"blobs.info_cache_ttl",
	"blobs.info_cache_mb",
	"blobs.thumbnail_max_edge",
}

// AllowedKeys returns the set of valid config keys.
func AllowedKeys() []string {
	return allowedKeys
}

// IsAllowedKey checks if a key is a valid config key.
func IsAllowedKey(key string) bool {
	for _, k := range allowedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Get returns the value of a config key.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "api_url":
		return c.APIURL, nil
	case "db_path":
		return c.DBPath, nil
	case "log_level":
		return c.LogLevel, nil
	case "uploads.max_chunk_bytes":
		return c.Uploads.MaxChunkBytes.String(), nil
	case "uploads.max_object_bytes":
		return c.Uploads.MaxObjectBytes.String(), nil
	case "uploads.max_total_chunks":
		return strconv.Itoa(c.Uploads.MaxTotalChunks), nil
	case "uploads.allowed_content_types":
		return strings.Join(c.Uploads.AllowedContentTypes, ","), nil
	case "uploads.reject_content_type_mismatch":
		return strconv.FormatBool(c.Uploads.RejectContentTypeMismatch), nil
	case "uploads.session_max_age":
		return c.Uploads.SessionMaxAge.String(), nil
	case "uploads.sweep_interval":
		return c.Uploads.SweepInterval.String(), nil
	case "uploads.sweep_concurrency":
		return strconv.Itoa(c.Uploads.SweepConcurrency), nil
	case "uploads.staging_dir":
		return c.Uploads.StagingDir, nil
	case "uploads.staging_max_bytes":
		return c.Uploads.StagingMaxBytes.String(), nil
	case "uploads.put_max_retries":
		return strconv.Itoa(c.Uploads.PutMaxRetries), nil
	case "blobs.segment_bytes":
		return c.Blobs.SegmentBytes.String(), nil
	case "blobs.io_timeout":
		return c.Blobs.IOTimeout.String(), nil
	case "blobs.default_bucket":
		return c.Blobs.DefaultBucket, nil
	case "blobs.info_cache_ttl":
		return c.Blobs.InfoCacheTTL.String(), nil
	case "blobs.info_cache_mb":
		return strconv.Itoa(c.Blobs.InfoCacheMB), nil
	case "blobs.thumbnail_max_edge":
		return strconv.Itoa(c.Blobs.ThumbnailMaxEdge), nil
	default:
		return "", fmt.Errorf("unknown key: %s", key)
	}
}

// GlobalPath returns the path to the global config file.
func GlobalPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configFileName), nil
}

// ProjectPath returns the path to the project config file.
func ProjectPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, configFileName), nil
}

// SetKey reads the TOML file at path, sets key=value, and writes it back.
func SetKey(path, key, value string) error {
	if !IsAllowedKey(key) {
		return fmt.Errorf("unknown key: %s", key)
	}

	data := make(map[string]any)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &data); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	parsedValue, err := parseSetValue(key, value)
	if err != nil {
		return err
	}
	if err := setNestedKey(data, strings.Split(key, "."), parsedValue); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(data)
}

// Load reads config from trusted files and applies env overrides.
func Load() (*Config, error) {
	cfg := Default()

	if overridePath, ok := overrideConfigPath(); ok {
		if err := loadFile(overridePath, &cfg); err != nil {
			return nil, err
		}
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			if err := loadFile(filepath.Join(home, configFileName), &cfg); err != nil {
				return nil, err
			}
		}

		if trustProjectConfig() {
			if cwd, err := os.Getwd(); err == nil {
				projectPath := filepath.Join(cwd, configFileName)
				info, statErr := os.Stat(projectPath)
				switch {
				case statErr == nil && !info.IsDir():
					if err := loadFile(projectPath, &cfg); err != nil {
						return nil, err
					}
					cfg.TrustedProjectConfigPath = projectPath
				case statErr != nil && !os.IsNotExist(statErr):
					return nil, statErr
				}
			}
		}
	}

	if cfg.DBPath == "" {
		if cwd, err := os.Getwd(); err == nil {
			cfg.DBPath = filepath.Join(cwd, DefaultDBFileName)
		}
	}

	if apiURL := os.Getenv(apiURLEnvKey); apiURL != "" {
		cfg.APIURL = apiURL
	}
	if dbPath := os.Getenv(dbPathEnvKey); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if stagingDir := os.Getenv(stagingDirEnvKey); stagingDir != "" {
		cfg.Uploads.StagingDir = stagingDir
	}
	if raw := strings.TrimSpace(os.Getenv(allowedContentTypesEnvKey)); raw != "" {
		cfg.Uploads.AllowedContentTypes = splitCSV(raw)
	}
	if raw := strings.TrimSpace(os.Getenv(rejectMismatchEnvKey)); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			cfg.Uploads.RejectContentTypeMismatch = parsed
		}
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// StagingDir returns the configured staging directory, defaulting to a
// directory next to the database.
func (c *Config) StagingDir() string {
	if dir := strings.TrimSpace(c.Uploads.StagingDir); dir != "" {
		return dir
	}
	return filepath.Join(filepath.Dir(c.DBPath), ".photovault", "staging")
}

// Validate rejects combinations the server cannot run with.
func (c *Config) Validate() error {
	if c.Uploads.MaxChunkBytes > c.Uploads.MaxObjectBytes {
		return fmt.Errorf("uploads.max_chunk_bytes (%s) exceeds uploads.max_object_bytes (%s)", c.Uploads.MaxChunkBytes, c.Uploads.MaxObjectBytes)
	}
	if c.Blobs.SegmentBytes > maxSegmentBytes {
		return fmt.Errorf("blobs.segment_bytes must be <= %s", maxSegmentBytes)
	}
	if c.Uploads.StagingMaxBytes > 0 && c.Uploads.StagingMaxBytes < c.Uploads.MaxChunkBytes {
		return fmt.Errorf("uploads.staging_max_bytes (%s) is smaller than one chunk", c.Uploads.StagingMaxBytes)
	}
	return nil
}

func parseSetValue(key, value string) (any, error) {
	value = strings.TrimSpace(value)
	switch key {
	case "uploads.max_chunk_bytes", "uploads.max_object_bytes", "uploads.staging_max_bytes", "blobs.segment_bytes":
		parsed, err := parseByteSize(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive size such as 8MiB", key)
		}
		return value, nil
	case "uploads.max_total_chunks", "uploads.sweep_concurrency", "blobs.info_cache_mb", "blobs.thumbnail_max_edge":
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return parsed, nil
	case "uploads.put_max_retries":
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("%s must be a non-negative integer", key)
		}
		return parsed, nil
	case "uploads.session_max_age", "uploads.sweep_interval", "blobs.io_timeout", "blobs.info_cache_ttl":
		parsed, err := time.ParseDuration(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive duration such as 30m", key)
		}
		return value, nil
	case "uploads.reject_content_type_mismatch":
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%s must be true or false", key)
		}
		return parsed, nil
	case "uploads.allowed_content_types":
		return splitCSV(value), nil
	case "log_level":
		switch strings.ToLower(value) {
		case "debug", "info", "warn", "warning", "error":
			return strings.ToLower(value), nil
		}
		return nil, fmt.Errorf("log_level must be one of debug, info, warn, error")
	default:
		return value, nil
	}
}

func setNestedKey(data map[string]any, parts []string, value any) error {
	if len(parts) == 0 {
		return fmt.Errorf("invalid config key")
	}
	if len(parts) == 1 {
		data[parts[0]] = value
		return nil
	}
	childRaw, ok := data[parts[0]]
	if !ok {
		child := map[string]any{}
		data[parts[0]] = child
		return setNestedKey(child, parts[1:], value)
	}
	child, ok := childRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("cannot set nested key %q", strings.Join(parts, "."))
	}
	return setNestedKey(child, parts[1:], value)
}

func splitCSV(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func (c *Config) normalize() {
	d := Default()
	if c.Uploads.MaxChunkBytes <= 0 {
		c.Uploads.MaxChunkBytes = d.Uploads.MaxChunkBytes
	}
	if c.Uploads.MaxObjectBytes <= 0 {
		c.Uploads.MaxObjectBytes = d.Uploads.MaxObjectBytes
	}
	if c.Uploads.MaxTotalChunks <= 0 {
		c.Uploads.MaxTotalChunks = d.Uploads.MaxTotalChunks
	}
	if c.Uploads.SessionMaxAge <= 0 {
		c.Uploads.SessionMaxAge = d.Uploads.SessionMaxAge
	}
	if c.Uploads.SweepInterval <= 0 {
		c.Uploads.SweepInterval = d.Uploads.SweepInterval
	}
	if c.Uploads.SweepConcurrency <= 0 {
		c.Uploads.SweepConcurrency = d.Uploads.SweepConcurrency
	}
	if c.Uploads.StagingMaxBytes < 0 {
		c.Uploads.StagingMaxBytes = d.Uploads.StagingMaxBytes
	}
	if c.Uploads.PutMaxRetries < 0 {
		c.Uploads.PutMaxRetries = d.Uploads.PutMaxRetries
	}
	if c.Blobs.SegmentBytes <= 0 {
		c.Blobs.SegmentBytes = d.Blobs.SegmentBytes
	}
	if c.Blobs.IOTimeout <= 0 {
		c.Blobs.IOTimeout = d.Blobs.IOTimeout
	}
	c.Blobs.DefaultBucket = strings.ToLower(strings.TrimSpace(c.Blobs.DefaultBucket))
	if c.Blobs.DefaultBucket == "" {
		c.Blobs.DefaultBucket = d.Blobs.DefaultBucket
	}
	if c.Blobs.InfoCacheTTL <= 0 {
		c.Blobs.InfoCacheTTL = d.Blobs.InfoCacheTTL
	}
	if c.Blobs.InfoCacheMB <= 0 {
		c.Blobs.InfoCacheMB = d.Blobs.InfoCacheMB
	}
	if c.Blobs.ThumbnailMaxEdge <= 0 {
		c.Blobs.ThumbnailMaxEdge = d.Blobs.ThumbnailMaxEdge
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = DefaultLogLevel
	}
	c.Uploads.AllowedContentTypes = normalizeContentTypePatterns(c.Uploads.AllowedContentTypes)
}

// normalizeContentTypePatterns lowercases, dedupes and sorts allow-list
// entries. Wildcard patterns such as "image/*" pass through unparsed.
func normalizeContentTypePatterns(rawValues []string) []string {
	if len(rawValues) == 0 {
		return nil
	}
	out := make([]string, 0, len(rawValues))
	seen := map[string]struct{}{}
	for _, raw := range rawValues {
		raw = strings.ToLower(strings.TrimSpace(raw))
		if raw == "" {
			continue
		}
		normalized := raw
		if !strings.ContainsAny(raw, "*?[{") {
			parsed, _, err := mime.ParseMediaType(raw)
			if err != nil {
				continue
			}
			normalized = parsed
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
