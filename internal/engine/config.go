package engine

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

var ErrInvalidConfig = errors.New("invalid engine config")

// Config holds the engine-level options.
type Config struct {
	// DataDir is the root for the database, journal, request store, logs.
	DataDir string
	// DefaultSaveDir is where downloads land when the entry names none.
	DefaultSaveDir string

	DefaultMaxConnections int
	DefaultTimeoutSeconds int
	DefaultRetryCount     int

	BufferSize     int
	MinSegmentSize int64

	SegmentSaveInterval time.Duration
	SpeedSampleInterval time.Duration

	UserAgent string

	// RateLimitBps caps the global transfer rate; 0 means unlimited.
	RateLimitBps int64
}

// DefaultConfig returns the engine defaults rooted in XDG directories.
func DefaultConfig() *Config {
	return &Config{
		DataDir:               filepath.Join(xdg.DataHome, "idmclone"),
		DefaultSaveDir:        filepath.Join(xdg.UserDirs.Download),
		DefaultMaxConnections: 8,
		DefaultTimeoutSeconds: 30,
		DefaultRetryCount:     3,
		BufferSize:            64 * 1024,
		MinSegmentSize:        64 * 1024,
		SegmentSaveInterval:   15 * time.Second,
		SpeedSampleInterval:   time.Second,
		UserAgent:             "IDMClone/1.0",
		RateLimitBps:          0,
	}
}

func (c *Config) validate() error {
	if c.DataDir == "" || c.DefaultSaveDir == "" {
		return ErrInvalidConfig
	}
	if c.DefaultMaxConnections < 1 || c.DefaultMaxConnections > 32 {
		return ErrInvalidConfig
	}
	if c.BufferSize <= 0 || c.MinSegmentSize <= 0 {
		return ErrInvalidConfig
	}
	if c.SegmentSaveInterval <= 0 || c.SpeedSampleInterval <= 0 {
		return ErrInvalidConfig
	}
	return nil
}
