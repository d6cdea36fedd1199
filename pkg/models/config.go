package models

import "time"

// SecurityMode selects how aggressively phrase verification avoids the
// local cache.
type SecurityMode string

const (
	// ModeMaximum routes every verification to the server.
	ModeMaximum SecurityMode = "maximum"
	// ModeBalanced prefers the cache but reconciles with the server.
	ModeBalanced SecurityMode = "balanced"
	// ModeConvenience behaves like balanced with longer cache retention.
	ModeConvenience SecurityMode = "convenience"
)

// Valid reports whether the mode is one of the known values.
func (m SecurityMode) Valid() bool {
	return m == ModeMaximum || m == ModeBalanced || m == ModeConvenience
}

// StrategyConfig is the process-wide verification strategy configuration.
// It is initialized at startup from persisted preferences and mutated only
// by explicit user action; entering border-crossing mode additionally forces
// CacheEnabled off and purges the cache.
type StrategyConfig struct {
	SecurityMode     SecurityMode  `yaml:"security_mode"`
	CacheEnabled     bool          `yaml:"cache_enabled"`
	BorderCrossing   bool          `yaml:"border_crossing"`
	SyncOnForeground bool          `yaml:"sync_on_foreground"`
	AutoSyncInterval time.Duration `yaml:"auto_sync_interval"`
	MaxCacheAge      time.Duration `yaml:"max_cache_age"`
}

// DefaultStrategyConfig returns the balanced, cache-enabled defaults.
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		SecurityMode:     ModeBalanced,
		CacheEnabled:     true,
		SyncOnForeground: true,
		AutoSyncInterval: 15 * time.Minute,
		MaxCacheAge:      7 * 24 * time.Hour,
	}
}

// SessionConfig carries session lifetime tuning. The timeout and extension
// values are configuration defaults, not protocol constants.
type SessionConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	ExtensionStep  time.Duration `yaml:"extension_step"`
	MaxExtensions  int           `yaml:"max_extensions"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// DefaultSessionConfig returns the stock 15-minute session profile.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		DefaultTimeout: 15 * time.Minute,
		ExtensionStep:  5 * time.Minute,
		MaxExtensions:  8,
		SweepInterval:  30 * time.Second,
	}
}
