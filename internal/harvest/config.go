// Package harvest wires the catalog, fetcher, extractor and source adapters
// into the runnable commands behind the harvestctl CLI.
package harvest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

const logFilename = "harvestctl.log"

var validSourceName = regexp.MustCompile(`^[a-z0-9_-]+$`)

// DownloadConfig tunes the HTTP fetch layer. Timeout and rate limits are in
// seconds to keep the TOML file plain.
type DownloadConfig struct {
	Timeout          int     `toml:"timeout"`
	MaxRetries       int     `toml:"max_retries"`
	BackoffFactor    int     `toml:"backoff_factor"`
	DefaultRateLimit float64 `toml:"default_rate_limit"`
	UserAgent        string  `toml:"user_agent"`
	MaxFileSize      int64   `toml:"max_file_size"`
}

// SourceConfig is the per-source block. A nil entry means all defaults.
type SourceConfig struct {
	Enabled     *bool   `toml:"enabled"`
	RateLimit   float64 `toml:"rate_limit"`
	Description string  `toml:"description,omitempty"`
	APIToken    string  `toml:"api_token,omitempty"`
}

// IsEnabled reports whether the source should run. Sources are enabled
// unless the config says otherwise.
func (sc *SourceConfig) IsEnabled() bool {
	return sc == nil || sc.Enabled == nil || *sc.Enabled
}

// ExtractionConfig tunes the PDF text extraction pass.
type ExtractionConfig struct {
	Enabled         *bool  `toml:"enabled"`
	MinCharsPerPage int    `toml:"min_chars_per_page"`
	OCRDPI          int    `toml:"ocr_dpi"`
	TesseractLang   string `toml:"tesseract_lang"`
}

// IsEnabled reports whether text is extracted inline after each download.
func (ec *ExtractionConfig) IsEnabled() bool {
	return ec.Enabled == nil || *ec.Enabled
}

// LogConfig represents slog configuration options.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func (logConfig *LogConfig) level() (slog.Level, error) {
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, errors.New("invalid log level: " + logConfig.Level)
}

// Apply configures the global slog logger: stderr plus a rotating file under
// logDir (10 MiB per file, five backups kept).
func (logConfig *LogConfig) Apply(logDir string) error {
	level, err := logConfig.level()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return errors.Wrap(err, "create log directory")
	}
	fileSink := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, logFilename),
		MaxSize:    10,
		MaxBackups: 5,
	}

	opts := &slog.HandlerOptions{Level: level}
	var console, file slog.Handler
	switch strings.ToLower(logConfig.Format) {
	case "json":
		console = slog.NewJSONHandler(os.Stderr, opts)
		file = slog.NewJSONHandler(fileSink, opts)
	case "plain", "", "text":
		console = slog.NewTextHandler(os.Stderr, opts)
		file = slog.NewTextHandler(fileSink, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(teeHandler{console, file}))
	return nil
}

// teeHandler fans every record out to all wrapped handlers.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range t {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := harvest.NewConfig()
//	md, err := toml.DecodeFile("/path/to/config.toml", config)
//	if err != nil {
//	    ...
//	}
//
// ChromaDBPath and CORSOrigins belong to the companion search service; they
// are carried here so one config file can serve both processes.
type Config struct {
	DataDir      string `toml:"data_dir"`
	DBPath       string `toml:"db_path"`
	LogDir       string `toml:"log_dir"`
	ChromaDBPath string `toml:"chroma_db_path,omitempty"`
	CORSOrigins  string `toml:"cors_origins,omitempty"`

	Log        LogConfig                `toml:"log"`
	Download   DownloadConfig           `toml:"download"`
	Extraction ExtractionConfig         `toml:"extraction"`
	Sources    map[string]*SourceConfig `toml:"sources"`

	// Progress enables download progress bars. Set by the CLI, not the
	// config file.
	Progress bool `toml:"-"`
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		DataDir: "data",
		DBPath:  "epstein.db",
		LogDir:  "logs",
		Download: DownloadConfig{
			Timeout:          120,
			MaxRetries:       3,
			BackoffFactor:    2,
			DefaultRateLimit: 2.0,
			UserAgent:        "EpsteinDocScraper/1.0 (Academic Research)",
			MaxFileSize:      524288000,
		},
		Extraction: ExtractionConfig{
			MinCharsPerPage: 50,
			OCRDPI:          300,
			TesseractLang:   "eng",
		},
	}
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.DataDir == "" {
		return errors.New("data_dir is not set")
	}
	if c.DBPath == "" {
		return errors.New("db_path is not set")
	}
	if c.LogDir == "" {
		return errors.New("log_dir is not set")
	}

	if c.Download.Timeout <= 0 {
		return errors.New("download.timeout must be positive")
	}
	if c.Download.MaxRetries <= 0 {
		return errors.New("download.max_retries must be positive")
	}
	if c.Download.BackoffFactor <= 0 {
		return errors.New("download.backoff_factor must be positive")
	}
	if c.Download.DefaultRateLimit < 0 {
		return errors.New("download.default_rate_limit cannot be negative")
	}
	if c.Download.MaxFileSize <= 0 {
		return errors.New("download.max_file_size must be positive")
	}

	if c.Extraction.MinCharsPerPage < 0 {
		return errors.New("extraction.min_chars_per_page cannot be negative")
	}
	if c.Extraction.OCRDPI <= 0 {
		return errors.New("extraction.ocr_dpi must be positive")
	}
	if c.Extraction.TesseractLang == "" {
		return errors.New("extraction.tesseract_lang is not set")
	}

	for name, sc := range c.Sources {
		if !validSourceName.MatchString(name) {
			return errors.New("invalid source name: " + name)
		}
		if sc != nil && sc.RateLimit < 0 {
			return errors.New("sources." + name + ".rate_limit cannot be negative")
		}
	}

	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "plain", "", "text":
	default:
		return errors.New("invalid log format: " + c.Log.Format)
	}
	return nil
}

// ApplyEnvironmentVariables applies the environment overrides shared with
// the companion search service.
func (c *Config) ApplyEnvironmentVariables() {
	if v := os.Getenv("SQLITE_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CHROMA_DB_PATH"); v != "" {
		c.ChromaDBPath = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = v
	}
}

// RateEvery returns the politeness gap for one source: its configured
// rate_limit, or the download default.
func (c *Config) RateEvery(name string) time.Duration {
	limit := c.Download.DefaultRateLimit
	if sc := c.Sources[name]; sc != nil && sc.RateLimit > 0 {
		limit = sc.RateLimit
	}
	return time.Duration(limit * float64(time.Second))
}

// APIToken returns the configured token for one source, or "".
func (c *Config) APIToken(name string) string {
	if sc := c.Sources[name]; sc != nil {
		return sc.APIToken
	}
	return ""
}
