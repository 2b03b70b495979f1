package mbus

import (
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"
)

const (
	// DefaultLockDuration is granted when a receive or session accept omits
	// an explicit lock duration.
	DefaultLockDuration = 30 * time.Second
	// DefaultMaxDeliveryCount moves a message to the dead-letter sub-queue
	// once it has been delivered this many times without completing.
	DefaultMaxDeliveryCount = 10
	// DefaultMaxSessionStateBytes caps per-session state payloads.
	DefaultMaxSessionStateBytes = 256 << 10
)

// Config describes an in-process broker. The zero value is usable; Validate
// fills defaults in place and rejects values the broker cannot honour.
type Config struct {
	// DefaultLockDuration applies when a receive or session accept does not
	// request a duration. The wire speaks whole seconds, so sub-second
	// values are rejected.
	DefaultLockDuration time.Duration

	// MaxDeliveryCount dead-letters a message after this many deliveries
	// without a Complete. Zero selects the default.
	MaxDeliveryCount int

	// MaxSessionStateBytes caps SetState payloads per session. Zero selects
	// the default.
	MaxSessionStateBytes int64

	// LogLevel overrides the broker logger's minimum level when set
	// (trace, debug, info, warn, error). Empty keeps the logger's own level.
	LogLevel string
}

// Validate normalises cfg in place, applying defaults for zero values.
func (c *Config) Validate() error {
	if c.DefaultLockDuration == 0 {
		c.DefaultLockDuration = DefaultLockDuration
	} else if c.DefaultLockDuration < time.Second {
		return fmt.Errorf("config: default lock duration must be at least 1s")
	}
	if c.MaxDeliveryCount == 0 {
		c.MaxDeliveryCount = DefaultMaxDeliveryCount
	} else if c.MaxDeliveryCount < 0 {
		return fmt.Errorf("config: max delivery count must be >= 1")
	}
	if c.MaxSessionStateBytes == 0 {
		c.MaxSessionStateBytes = DefaultMaxSessionStateBytes
	} else if c.MaxSessionStateBytes < 0 {
		return fmt.Errorf("config: max session state bytes must be >= 1")
	}
	if c.LogLevel != "" {
		level := strings.ToLower(strings.TrimSpace(c.LogLevel))
		if _, ok := pslog.ParseLevel(level); !ok {
			return fmt.Errorf("config: unknown log level %q", c.LogLevel)
		}
		c.LogLevel = level
	}
	return nil
}
