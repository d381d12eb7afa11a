package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/Zakaria95Ahmed/idm-clone/internal/engine"
)

var ErrInvalidConfig = errors.New("invalid config")

const configFileName = "idmclone.yaml"

// flagConfig stores the parsed values from the cli flags.
type flagConfig struct {
	dataDir     *string
	saveDir     *string
	connections *int
	maxRetries  *int
	rateLimit   *int64
	logLevel    *string
}

// Config holds the application configuration, loaded from the YAML file
// and overridden by CLI flags.
type Config struct {
	Urls []string `yaml:"-"`

	LogLevel string `yaml:"logLevel,omitempty"`

	DataDir               string `yaml:"dataDir,omitempty"`
	DefaultSaveDir        string `yaml:"defaultSaveDir,omitempty"`
	DefaultMaxConnections int    `yaml:"defaultMaxConnections,omitempty"`
	DefaultTimeoutSeconds int    `yaml:"defaultTimeoutSeconds,omitempty"`
	DefaultRetryCount     int    `yaml:"defaultRetryCount,omitempty"`
	BufferSize            int    `yaml:"bufferSize,omitempty"`
	MinSegmentSize        int64  `yaml:"minSegmentSize,omitempty"`
	SegmentSaveIntervalMs int    `yaml:"segmentSaveIntervalMs,omitempty"`
	SpeedSampleIntervalMs int    `yaml:"speedSampleIntervalMs,omitempty"`
	UserAgent             string `yaml:"userAgent,omitempty"`
	RateLimitBps          int64  `yaml:"rateLimitBps,omitempty"`
}

// GetConfig reads the configuration file, applies CLI flags on top, and
// validates the result. A missing config file is not an error; defaults
// still apply and flags still win.
func GetConfig() (*Config, error) {
	configFilePath := filepath.Join(xdg.ConfigHome, configFileName)

	var fileCfg Config
	b, err := os.ReadFile(configFilePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if len(b) > 0 {
		if err := yaml.Unmarshal(b, &fileCfg); err != nil {
			return nil, err
		}
	}

	conf := Merge(&fileCfg, DefaultConfig())
	conf.applyFlagsToConfig()

	if err := conf.validate(); err != nil {
		return nil, err
	}

	return conf, nil
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	eng := engine.DefaultConfig()
	return &Config{
		LogLevel:              "info",
		DataDir:               eng.DataDir,
		DefaultSaveDir:        eng.DefaultSaveDir,
		DefaultMaxConnections: eng.DefaultMaxConnections,
		DefaultTimeoutSeconds: eng.DefaultTimeoutSeconds,
		DefaultRetryCount:     eng.DefaultRetryCount,
		BufferSize:            eng.BufferSize,
		MinSegmentSize:        eng.MinSegmentSize,
		SegmentSaveIntervalMs: int(eng.SegmentSaveInterval / time.Millisecond),
		SpeedSampleIntervalMs: int(eng.SpeedSampleInterval / time.Millisecond),
		UserAgent:             eng.UserAgent,
		RateLimitBps:          eng.RateLimitBps,
	}
}

// Merge fills zero-valued fields of cfg from defaults.
func Merge(cfg, defaults *Config) *Config {
	return &Config{
		Urls:                  cfg.Urls,
		LogLevel:              zeroOr(cfg.LogLevel, defaults.LogLevel),
		DataDir:               zeroOr(cfg.DataDir, defaults.DataDir),
		DefaultSaveDir:        zeroOr(cfg.DefaultSaveDir, defaults.DefaultSaveDir),
		DefaultMaxConnections: zeroOr(cfg.DefaultMaxConnections, defaults.DefaultMaxConnections),
		DefaultTimeoutSeconds: zeroOr(cfg.DefaultTimeoutSeconds, defaults.DefaultTimeoutSeconds),
		DefaultRetryCount:     zeroOr(cfg.DefaultRetryCount, defaults.DefaultRetryCount),
		BufferSize:            zeroOr(cfg.BufferSize, defaults.BufferSize),
		MinSegmentSize:        zeroOr(cfg.MinSegmentSize, defaults.MinSegmentSize),
		SegmentSaveIntervalMs: zeroOr(cfg.SegmentSaveIntervalMs, defaults.SegmentSaveIntervalMs),
		SpeedSampleIntervalMs: zeroOr(cfg.SpeedSampleIntervalMs, defaults.SpeedSampleIntervalMs),
		UserAgent:             zeroOr(cfg.UserAgent, defaults.UserAgent),
		RateLimitBps:          zeroOr(cfg.RateLimitBps, defaults.RateLimitBps),
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}

// applyFlagsToConfig takes the value of the cli flags and plugs them into
// the config. Positional arguments are download URLs.
func (c *Config) applyFlagsToConfig() {
	fc := flagConfig{
		dataDir:     flag.String("data", c.DataDir, "path to the engine data directory (database, journal, logs)"),
		saveDir:     flag.String("dd", c.DefaultSaveDir, "path to the directory new downloads are saved into"),
		connections: flag.Int("conn", c.DefaultMaxConnections, "number of parallel connections per download (1-32)"),
		maxRetries:  flag.Int("mr", c.DefaultRetryCount, "maximum number of retries before a segment fails"),
		rateLimit:   flag.Int64("rate", c.RateLimitBps, "global download rate cap in bytes/sec, 0 for unlimited"),
		logLevel:    flag.String("log", c.LogLevel, "log level (debug, info, warn, error)"),
	}

	flag.Parse()

	c.Urls = flag.Args()
	c.DataDir = *fc.dataDir
	c.DefaultSaveDir = *fc.saveDir
	c.DefaultMaxConnections = *fc.connections
	c.DefaultRetryCount = *fc.maxRetries
	c.RateLimitBps = *fc.rateLimit
	c.LogLevel = *fc.logLevel
}

func (c *Config) validate() error {
	if c.DataDir == "" || c.DefaultSaveDir == "" {
		return ErrInvalidConfig
	}
	if c.DefaultMaxConnections < 1 || c.DefaultMaxConnections > 32 {
		return ErrInvalidConfig
	}
	if c.DefaultRetryCount < 0 || c.BufferSize <= 0 || c.MinSegmentSize <= 0 {
		return ErrInvalidConfig
	}
	if c.SegmentSaveIntervalMs <= 0 || c.SpeedSampleIntervalMs <= 0 {
		return ErrInvalidConfig
	}
	if c.RateLimitBps < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Engine converts the application config into the engine's config.
func (c *Config) Engine() *engine.Config {
	return &engine.Config{
		DataDir:               c.DataDir,
		DefaultSaveDir:        c.DefaultSaveDir,
		DefaultMaxConnections: c.DefaultMaxConnections,
		DefaultTimeoutSeconds: c.DefaultTimeoutSeconds,
		DefaultRetryCount:     c.DefaultRetryCount,
		BufferSize:            c.BufferSize,
		MinSegmentSize:        c.MinSegmentSize,
		SegmentSaveInterval:   time.Duration(c.SegmentSaveIntervalMs) * time.Millisecond,
		SpeedSampleInterval:   time.Duration(c.SpeedSampleIntervalMs) * time.Millisecond,
		UserAgent:             c.UserAgent,
		RateLimitBps:          c.RateLimitBps,
	}
}
