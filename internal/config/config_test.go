package config

import (
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().validate(); err != nil {
		t.Fatalf("default config must validate, got %v", err)
	}
}

func TestMergeFillsZeroFields(t *testing.T) {
	defaults := DefaultConfig()
	partial := &Config{
		DataDir:      "/custom/data",
		RateLimitBps: 1_000_000,
	}

	merged := Merge(partial, defaults)

	if merged.DataDir != "/custom/data" {
		t.Errorf("explicit DataDir overridden: %q", merged.DataDir)
	}
	if merged.RateLimitBps != 1_000_000 {
		t.Errorf("explicit RateLimitBps overridden: %d", merged.RateLimitBps)
	}
	if merged.DefaultMaxConnections != defaults.DefaultMaxConnections {
		t.Errorf("zero DefaultMaxConnections not defaulted: %d", merged.DefaultMaxConnections)
	}
	if merged.UserAgent != defaults.UserAgent {
		t.Errorf("zero UserAgent not defaulted: %q", merged.UserAgent)
	}
	if merged.SegmentSaveIntervalMs != defaults.SegmentSaveIntervalMs {
		t.Errorf("zero interval not defaulted: %d", merged.SegmentSaveIntervalMs)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"empty save dir", func(c *Config) { c.DefaultSaveDir = "" }},
		{"zero connections", func(c *Config) { c.DefaultMaxConnections = 0 }},
		{"too many connections", func(c *Config) { c.DefaultMaxConnections = 33 }},
		{"negative retries", func(c *Config) { c.DefaultRetryCount = -1 }},
		{"zero buffer", func(c *Config) { c.BufferSize = 0 }},
		{"zero min segment", func(c *Config) { c.MinSegmentSize = 0 }},
		{"zero save interval", func(c *Config) { c.SegmentSaveIntervalMs = 0 }},
		{"negative rate", func(c *Config) { c.RateLimitBps = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Error("expected validation to fail")
			}
		})
	}
}

func TestEngineConversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SegmentSaveIntervalMs = 15_000
	cfg.SpeedSampleIntervalMs = 1000

	eng := cfg.Engine()

	if eng.SegmentSaveInterval != 15*time.Second {
		t.Errorf("SegmentSaveInterval = %v", eng.SegmentSaveInterval)
	}
	if eng.SpeedSampleInterval != time.Second {
		t.Errorf("SpeedSampleInterval = %v", eng.SpeedSampleInterval)
	}
	if eng.DataDir != cfg.DataDir || eng.UserAgent != cfg.UserAgent {
		t.Error("scalar fields not carried over")
	}
}

func TestZeroOr(t *testing.T) {
	if got := zeroOr(0, 42); got != 42 {
		t.Errorf("zeroOr(0, 42) = %d", got)
	}
	if got := zeroOr(7, 42); got != 7 {
		t.Errorf("zeroOr(7, 42) = %d", got)
	}
	if got := zeroOr("", "def"); got != "def" {
		t.Errorf(`zeroOr("", "def") = %q`, got)
	}
	if got := zeroOr("x", "def"); got != "x" {
		t.Errorf(`zeroOr("x", "def") = %q`, got)
	}
}
