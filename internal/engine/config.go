package engine

import (
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultReconnectInterval     = 1 * time.Second
	DefaultMaxReconnectInterval  = 30 * time.Second
	DefaultPingInterval          = 30 * time.Second
	DefaultPingTimeout           = 10 * time.Second
	DefaultConnectTimeout        = 30 * time.Second
	DefaultWriteTimeout          = 10 * time.Second
	DefaultPendingBufferCapacity = 50
	DefaultWatcherBufferCapacity = 100
)

// Config configures a Supervisor.
type Config struct {
	URL string

	// Headers are sent with every dial. HeaderFunc, when set, is called
	// before each dial and its result is merged over Headers.
	Headers    http.Header
	HeaderFunc func() (http.Header, error)

	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	MaxReconnectAttempts int // 0 means unbounded

	PingInterval   time.Duration
	PingTimeout    time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration

	PendingBufferCapacity int
	WatcherBufferCapacity int
}

// DefaultConfig returns the reference sizing for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                   url,
		ReconnectInterval:     DefaultReconnectInterval,
		MaxReconnectInterval:  DefaultMaxReconnectInterval,
		PingInterval:          DefaultPingInterval,
		PingTimeout:           DefaultPingTimeout,
		ConnectTimeout:        DefaultConnectTimeout,
		WriteTimeout:          DefaultWriteTimeout,
		PendingBufferCapacity: DefaultPendingBufferCapacity,
		WatcherBufferCapacity: DefaultWatcherBufferCapacity,
	}
}

// withDefaults fills zero values with the reference sizing.
func (c Config) withDefaults() Config {
	d := DefaultConfig(c.URL)
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = d.MaxReconnectInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PendingBufferCapacity <= 0 {
		c.PendingBufferCapacity = d.PendingBufferCapacity
	}
	if c.WatcherBufferCapacity <= 0 {
		c.WatcherBufferCapacity = d.WatcherBufferCapacity
	}
	return c
}

// Validate checks c as a Supervisor would run it, with zero values
// replaced by their defaults.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.URL == "" {
		return errors.New("url is required")
	}
	if c.MaxReconnectAttempts < 0 {
		return errors.New("max_reconnect_attempts must be >= 0")
	}
	if c.ReconnectInterval > c.MaxReconnectInterval {
		return errors.New("reconnect_interval must not exceed max_reconnect_interval")
	}
	return nil
}

// header builds the dial headers.
func (c Config) header() (http.Header, error) {
	h := c.Headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	if c.HeaderFunc == nil {
		return h, nil
	}
	extra, err := c.HeaderFunc()
	if err != nil {
		return nil, err
	}
	for k, v := range extra {
		h[k] = v
	}
	return h, nil
}

// newBackoff yields min(ReconnectInterval * 2^(n-1), MaxReconnectInterval)
// for the n-th consecutive attempt.
func (c Config) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.ReconnectInterval
	b.MaxInterval = c.MaxReconnectInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}
