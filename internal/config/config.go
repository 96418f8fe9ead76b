// Package config loads the attentiond configuration: a YAML file merged
// over defaults, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-attention/pkg/attention"
	"github.com/teslashibe/go-attention/pkg/calibration"
)

// Environment overrides.
const (
	EnvListen      = "ATTENTION_LISTEN"
	EnvLogLevel    = "ATTENTION_LOG_LEVEL"
	EnvRedisAddr   = "ATTENTION_REDIS_ADDR"
	EnvPostgresDSN = "ATTENTION_POSTGRES_DSN"
)

// Worker modes.
const (
	WorkerNone    = "none"    // fast path only
	WorkerLocal   = "local"   // in-process gocv solver
	WorkerProcess = "process" // subprocess speaking msgpack on stdio
	WorkerRemote  = "remote"  // websocket pose service
)

// Calibration stores.
const (
	StoreMemory   = "memory"
	StoreJSON     = "json"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

var (
	validLevels  = []string{"debug", "info", "warn", "error"}
	validWorkers = []string{WorkerNone, WorkerLocal, WorkerProcess, WorkerRemote}
	validStores  = []string{StoreMemory, StoreJSON, StoreRedis, StorePostgres}
)

// Config is the daemon configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Worker      WorkerConfig      `yaml:"worker"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Session     SessionConfig     `yaml:"session"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Listen        string        `yaml:"listen"`
	LogLevel      string        `yaml:"log_level"`
	StaticDir     string        `yaml:"static_dir"`
	DebugInterval time.Duration `yaml:"debug_interval"`

	// FrameBuffer is the queue between landmark sources and the engine.
	FrameBuffer int `yaml:"frame_buffer"`
}

// WorkerConfig selects the precise pose worker.
type WorkerConfig struct {
	Mode    string   `yaml:"mode"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	URL     string   `yaml:"url"`

	Throttle       time.Duration `yaml:"throttle"`
	Freshness      time.Duration `yaml:"freshness"`
	GazeHoldFrames int           `yaml:"gaze_hold_frames"`
}

// CalibrationConfig selects where profiles persist.
type CalibrationConfig struct {
	Store    string        `yaml:"store"`
	Duration time.Duration `yaml:"duration"`

	Path        string        `yaml:"path"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisKey    string        `yaml:"redis_key"`
	RedisTTL    time.Duration `yaml:"redis_ttl"`
	PostgresDSN string        `yaml:"postgres_dsn"`
	ProfileID   string        `yaml:"profile_id"`
}

// ClassifierConfig overrides classification thresholds. Zero keeps the
// default.
type ClassifierConfig struct {
	StrictTurningThreshold float64 `yaml:"strict_turning_threshold"`
	SoftTurningThreshold   float64 `yaml:"soft_turning_threshold"`
	GazeOutThreshold       float64 `yaml:"gaze_out_threshold"`
	PupilOffsetThreshold   float64 `yaml:"pupil_offset_threshold"`
	GazePointThreshold     float64 `yaml:"gaze_point_threshold"`
	ConfirmFrames          int     `yaml:"confirm_frames"`
}

// SessionConfig overrides trigger thresholds.
type SessionConfig struct {
	TurningThreshold     time.Duration `yaml:"turning_threshold"`
	GlanceThreshold      time.Duration `yaml:"glance_threshold"`
	NotDetectedThreshold time.Duration `yaml:"not_detected_threshold"`
	Window               time.Duration `yaml:"window"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	eng := attention.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Listen:        ":8080",
			LogLevel:      "info",
			DebugInterval: 100 * time.Millisecond,
			FrameBuffer:   8,
		},
		Worker: WorkerConfig{
			Mode:           WorkerNone,
			Throttle:       eng.Bridge.Throttle,
			Freshness:      eng.Bridge.Freshness,
			GazeHoldFrames: eng.Bridge.GazeHoldFrames,
		},
		Calibration: CalibrationConfig{
			Store:     StoreMemory,
			Duration:  calibration.DefaultDuration,
			Path:      "calibration.json",
			RedisKey:  calibration.DefaultKey,
			ProfileID: calibration.DefaultKey,
		},
		Session: SessionConfig{
			TurningThreshold:     eng.Session.TurningThreshold,
			GlanceThreshold:      eng.Session.GlanceThreshold,
			NotDetectedThreshold: eng.Session.NotDetectedThreshold,
			Window:               eng.Session.Window,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides, and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates it.
// Environment overrides are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvListen); v != "" {
		c.Server.Listen = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Server.LogLevel = v
	}
	if v := getenv(EnvRedisAddr); v != "" {
		c.Calibration.RedisAddr = v
		c.Calibration.Store = StoreRedis
	}
	if v := getenv(EnvPostgresDSN); v != "" {
		c.Calibration.PostgresDSN = v
		c.Calibration.Store = StorePostgres
	}
}

// Validate returns a joined error listing every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if !slices.Contains(validLevels, c.Server.LogLevel) {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", c.Server.LogLevel))
	}
	if c.Server.FrameBuffer < 1 {
		errs = append(errs, fmt.Errorf("server.frame_buffer must be >= 1, got %d", c.Server.FrameBuffer))
	}

	switch c.Worker.Mode {
	case WorkerProcess:
		if c.Worker.Command == "" {
			errs = append(errs, errors.New("worker.command is required for mode process"))
		}
	case WorkerRemote:
		if c.Worker.URL == "" {
			errs = append(errs, errors.New("worker.url is required for mode remote"))
		}
	default:
		if !slices.Contains(validWorkers, c.Worker.Mode) {
			errs = append(errs, fmt.Errorf("worker.mode %q is invalid; valid values: none, local, process, remote", c.Worker.Mode))
		}
	}

	switch c.Calibration.Store {
	case StoreJSON:
		if c.Calibration.Path == "" {
			errs = append(errs, errors.New("calibration.path is required for store json"))
		}
	case StoreRedis:
		if c.Calibration.RedisAddr == "" {
			errs = append(errs, errors.New("calibration.redis_addr is required for store redis"))
		}
	case StorePostgres:
		if c.Calibration.PostgresDSN == "" {
			errs = append(errs, errors.New("calibration.postgres_dsn is required for store postgres"))
		}
	default:
		if !slices.Contains(validStores, c.Calibration.Store) {
			errs = append(errs, fmt.Errorf("calibration.store %q is invalid; valid values: memory, json, redis, postgres", c.Calibration.Store))
		}
	}

	// Engine-level ranges are checked by the packages that own them.
	if _, err := c.Engine(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Engine builds the engine configuration, validating every component.
// Stores and loggers are left for the caller to set.
func (c *Config) Engine() (attention.Config, error) {
	eng := attention.DefaultConfig()

	eng.Bridge.Throttle = c.Worker.Throttle
	eng.Bridge.Freshness = c.Worker.Freshness
	eng.Bridge.GazeHoldFrames = c.Worker.GazeHoldFrames
	eng.Calibration.Duration = c.Calibration.Duration

	cl := &eng.Classifier
	setFloat(&cl.StrictTurningThreshold, c.Classifier.StrictTurningThreshold)
	setFloat(&cl.SoftTurningThreshold, c.Classifier.SoftTurningThreshold)
	setFloat(&cl.GazeOutThreshold, c.Classifier.GazeOutThreshold)
	setFloat(&cl.PupilOffsetThreshold, c.Classifier.PupilOffsetThreshold)
	setFloat(&cl.GazePointThreshold, c.Classifier.GazePointThreshold)
	if c.Classifier.ConfirmFrames != 0 {
		cl.ConfirmFrames = c.Classifier.ConfirmFrames
	}

	eng.Session.TurningThreshold = c.Session.TurningThreshold
	eng.Session.GlanceThreshold = c.Session.GlanceThreshold
	eng.Session.NotDetectedThreshold = c.Session.NotDetectedThreshold
	eng.Session.Window = c.Session.Window

	var errs []error
	if err := eng.Bridge.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("worker: %w", err))
	}
	if err := eng.Classifier.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("classifier: %w", err))
	}
	if err := eng.Session.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}
	if d := eng.Calibration.Duration; d <= 0 || d > calibration.MaxDuration {
		errs = append(errs, fmt.Errorf("calibration.duration must be in (0, %v], got %v", calibration.MaxDuration, d))
	}
	return eng, errors.Join(errs...)
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}
