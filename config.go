package mls

import (
	"log/slog"
	"time"
)

// Config tunes a Client.  The zero value of any field means its default.
type Config struct {
	// CipherSuite for new groups and key packages.
	// Default: X25519_AES128GCM_SHA256_Ed25519
	CipherSuite CipherSuite

	// EpochRetention is how many past epochs stay readable, for frames that
	// were sent just before a commit and delivered after it.  A negative
	// value keeps none.
	// Default: 3
	EpochRetention int

	// OutOfOrderTolerance is how many generations behind a sender's newest
	// frame a late frame may still be opened.
	// Default: 32
	OutOfOrderTolerance uint32

	// MaximumForwardDistance caps how many generations a single frame may
	// skip ahead, bounding the work an attacker can force.
	// Default: 1024
	MaximumForwardDistance uint32

	// KeyPackageLifetime is written into generated key packages.
	// Default: 30 days
	KeyPackageLifetime time.Duration

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger

	// Now is the clock used for key package lifetimes.
	// Default: time.Now
	Now func() time.Time
}

const (
	defaultEpochRetention         = 3
	defaultOutOfOrderTolerance    = 32
	defaultMaximumForwardDistance = 1024
	defaultKeyPackageLifetime     = 30 * 24 * time.Hour
)

func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.CipherSuite == 0 {
		c.CipherSuite = X25519_AES128GCM_SHA256_Ed25519
	}
	if c.EpochRetention == 0 {
		c.EpochRetention = defaultEpochRetention
	}
	if c.OutOfOrderTolerance == 0 {
		c.OutOfOrderTolerance = defaultOutOfOrderTolerance
	}
	if c.MaximumForwardDistance == 0 {
		c.MaximumForwardDistance = defaultMaximumForwardDistance
	}
	if c.KeyPackageLifetime == 0 {
		c.KeyPackageLifetime = defaultKeyPackageLifetime
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
