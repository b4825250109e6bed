package session

import (
	"time"

	"github.com/danmuck/muxsession/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
	MaxAttempts  int
}

// Config defines transport/session defaults.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout bounds idle time between inbound frames. Zero disables it.
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ResolveTimeout time.Duration
	MailboxDepth   int
	Limits         frame.Limits
	Backoff        BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ReadTimeout:      0,
		WriteTimeout:     15 * time.Second,
		ResolveTimeout:   2 * time.Second,
		MailboxDepth:     64,
		Limits:           frame.DefaultLimits(),
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
			MaxAttempts:  5,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig. ReadTimeout is left as is.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = d.ResolveTimeout
	}
	if c.MailboxDepth <= 0 {
		c.MailboxDepth = d.MailboxDepth
	}
	if c.Limits.MaxAuthBytes == 0 {
		c.Limits.MaxAuthBytes = d.Limits.MaxAuthBytes
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits.MaxPayloadBytes = d.Limits.MaxPayloadBytes
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}
