package http

import (
	"time"
)

type ClientConfig struct {
	// Connection settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	MaxRedirects        int

	// Timeouts
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	ReceiveTimeout      time.Duration
	KeepAliveTimeout    time.Duration

	// Headers applied to every request unless overridden per request
	DefaultHeaders map[string]string
}

// DefaultConfig returns a ClientConfig with sensible defaults
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		MaxConnsPerHost:     32,
		IdleConnTimeout:     90 * time.Second,
		MaxRedirects:        10,
		DialTimeout:         30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ReceiveTimeout:      60 * time.Second,
		KeepAliveTimeout:    30 * time.Second,

		DefaultHeaders: map[string]string{
			"User-Agent": "IDMClone/1.0",
		},
	}
}
