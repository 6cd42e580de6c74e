package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the upload section. Credentials are
// expected here rather than in config.yaml.
const (
	EnvUploadToken    = "VIDLIFT_UPLOAD_TOKEN"
	EnvUploadEndpoint = "VIDLIFT_UPLOAD_ENDPOINT"
)

// chunkQuantum mirrors the remote's chunk granularity.
const chunkQuantum = 256 * 1024

// Config holds all configuration loaded from config.yaml.
type Config struct {
	DBPath        string   `yaml:"db_path"        json:"-"`
	HTTPAddr      string   `yaml:"http_addr"      json:"-"`
	LogLevel      string   `yaml:"log_level"      json:"log_level"`
	MaxConcurrent int      `yaml:"max_concurrent" json:"max_concurrent"`
	Sweep         Sweep    `yaml:"sweep"          json:"sweep"`
	Analysis      Analysis `yaml:"analysis"       json:"analysis"`
	Tools         Tools    `yaml:"tools"          json:"tools"`
	Upload        Upload   `yaml:"upload"         json:"upload"`
	Sessions      Sessions `yaml:"sessions"       json:"sessions"`
}

// Sweep configures the background analysis sweep.
type Sweep struct {
	Roots     []string `yaml:"roots"     json:"roots"`
	Excludes  []string `yaml:"excludes"  json:"excludes"`
	Schedule  string   `yaml:"schedule"  json:"schedule"`
	Paused    bool     `yaml:"paused"    json:"paused"`
	Walkers   int      `yaml:"walkers"   json:"walkers"`
	Analyzers int      `yaml:"analyzers" json:"analyzers"`
}

// Analysis holds pipeline knobs. Zero values fall back to the pipeline's
// own defaults.
type Analysis struct {
	ClassifyWindow    time.Duration   `yaml:"classify_window"     json:"classify_window"`
	MinPeriodicEvents int             `yaml:"min_periodic_events" json:"min_periodic_events"`
	PeriodTolerance   float64         `yaml:"period_tolerance"    json:"period_tolerance"`
	StartOffsets      []time.Duration `yaml:"start_offsets"       json:"start_offsets"`
	EndOffsets        []time.Duration `yaml:"end_offsets"         json:"end_offsets"`
	MinYear           int             `yaml:"min_year"            json:"min_year"`
}

// Tools locates the external media tools.
type Tools struct {
	FFprobe    string        `yaml:"ffprobe"     json:"ffprobe"`
	FFmpeg     string        `yaml:"ffmpeg"      json:"ffmpeg"`
	Tesseract  string        `yaml:"tesseract"   json:"tesseract"`
	Timeout    time.Duration `yaml:"timeout"     json:"timeout"`
	NoiseFloor string        `yaml:"noise_floor" json:"noise_floor"`
	MinSilence time.Duration `yaml:"min_silence" json:"min_silence"`
}

// Upload configures the remote and the transfer loop.
type Upload struct {
	Endpoint         string        `yaml:"endpoint"          json:"endpoint"`
	Token            string        `yaml:"token"             json:"-"`
	ChunkSize        int64         `yaml:"chunk_size"        json:"chunk_size"`
	ProgressInterval time.Duration `yaml:"progress_interval" json:"progress_interval"`
	RetainProgress   time.Duration `yaml:"retain_progress"   json:"retain_progress"`
	SilenceTimeout   time.Duration `yaml:"silence_timeout"   json:"silence_timeout"`
	AutoResume       bool          `yaml:"auto_resume"       json:"auto_resume"`
}

// Sessions selects the upload session store.
type Sessions struct {
	Store string `yaml:"store" json:"store"` // "file" or "sqlite"
	Path  string `yaml:"path"  json:"-"`
}

// applyDefaults fills zero/empty fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "/data/vidlift.db"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 2
	}
	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "0 3 * * *"
	}
	if c.Sweep.Walkers == 0 {
		c.Sweep.Walkers = 4
	}
	if c.Sweep.Analyzers == 0 {
		c.Sweep.Analyzers = 2
	}
	if c.Upload.ChunkSize == 0 {
		c.Upload.ChunkSize = 20 * chunkQuantum
	}
	if c.Upload.ProgressInterval == 0 {
		c.Upload.ProgressInterval = time.Second
	}
	if c.Upload.RetainProgress == 0 {
		c.Upload.RetainProgress = time.Minute
	}
	if c.Upload.SilenceTimeout == 0 {
		c.Upload.SilenceTimeout = 30 * time.Second
	}
	if c.Sessions.Store == "" {
		c.Sessions.Store = "file"
	}
	if c.Sessions.Path == "" {
		c.Sessions.Path = "/data/upload_sessions.json"
	}
}

// applyEnv overlays secrets from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvUploadToken); v != "" {
		c.Upload.Token = v
	}
	if v := os.Getenv(EnvUploadEndpoint); v != "" {
		c.Upload.Endpoint = v
	}
}

// Validate reports the first setting the server cannot run with.
func (c *Config) Validate() error {
	if c.Upload.ChunkSize <= 0 || c.Upload.ChunkSize%chunkQuantum != 0 {
		return fmt.Errorf("upload.chunk_size %d must be a positive multiple of %d", c.Upload.ChunkSize, chunkQuantum)
	}
	switch c.Sessions.Store {
	case "file", "sqlite":
	default:
		return fmt.Errorf("sessions.store %q must be \"file\" or \"sqlite\"", c.Sessions.Store)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be debug, info, warn or error", c.LogLevel)
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent %d must not be negative", c.MaxConcurrent)
	}
	return nil
}

// LoadEnvFiles loads the given dotenv files that exist. Variables already set
// in the process environment win.
func LoadEnvFiles(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads and parses the YAML config file at path, then overlays the
// upload secrets from the environment.
// If the file does not exist, Load returns a default Config so the server
// can start without a mounted config file (useful for bare Docker runs).
func Load(path string) (*Config, error) {
	var cfg Config
	f, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("open config %q: %w", path, err)
	default:
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return &cfg, nil
}
