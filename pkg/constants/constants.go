// Package constants defines magic numbers and default values used throughout the proxy core.
package constants

import "time"

// Connection timeouts and limits
const (
	DefaultIdleTimeout    = 90 * time.Second
	DefaultConnTimeout    = 10 * time.Second
	DefaultReadTimeout    = 30 * time.Second
	DefaultUpstreamDialTimeout = 10 * time.Second
	MaxConnectionIdleTime = 5 * time.Minute
	CleanupInterval       = 30 * time.Second
)

// HTTP limits
const (
	MaxContentLength   = 1024 * 1024 * 1024 * 1024 // 1TB
	DefaultMaxLineSize = 8 * 1024                   // request/status line
	DefaultMaxHeaderBytes = 64 * 1024
)

// Buffer limits
const (
	DefaultBodyMemLimit = 4 * 1024 * 1024   // 4MB
	MaxRawBufferSize    = 100 * 1024 * 1024 // 100MB cap for raw buffer
)

// TLS interception defaults
const (
	DefaultCertValidity = 365 * 24 * time.Hour
	LeafKeyBits         = 2048
)

// Default ports applied when a URL/proxy string omits one.
const (
	DefaultHTTPPort  = 80
	DefaultHTTPSPort = 443
)

// Listener defaults (spec.md §6 "backlog").
const (
	DefaultListenBacklog = 128
)
