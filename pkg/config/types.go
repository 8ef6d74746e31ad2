package config

import (
	"fmt"
	"time"
)

// Config is the main configuration struct.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Session SessionConfig `yaml:"session"`
	Notify  NotifyConfig  `yaml:"notify"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig holds backend paths and blob endpoints.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
	Blob   struct {
		// UploadURL is the HTTP endpoint attachment bytes are PUT to.
		UploadURL string `yaml:"upload_url"`
		// PublicURL is the base the returned attachment URLs are built on.
		PublicURL string `yaml:"public_url"`
	} `yaml:"blob"`
}

// SessionConfig tunes room-session behavior.
type SessionConfig struct {
	// HistoryLimit caps the initial historical fetch.
	HistoryLimit int `yaml:"history_limit"`
	// TypingIdle is how long after the last keystroke the typing=false
	// signal fires (duration string, e.g. "1500ms").
	TypingIdle string `yaml:"typing_idle"`
	// PartnerExpiry bounds how long a partner-typing indicator may stay
	// up without a refreshing signal.
	PartnerExpiry string `yaml:"partner_expiry"`
	// TypingInterval is the minimum gap between typing=true broadcasts.
	TypingInterval string `yaml:"typing_interval"`
}

// NotifyConfig tunes the notification aggregator.
type NotifyConfig struct {
	// SweepCron optionally schedules periodic full recomputes that
	// self-heal missed feed events. Empty disables the sweep.
	SweepCron string `yaml:"sweep_cron"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Defaults used when fields are absent from the file.
const (
	DefaultHistoryLimit   = 100
	DefaultTypingIdle     = 1500 * time.Millisecond
	DefaultPartnerExpiry  = 4 * time.Second
	DefaultTypingInterval = 2 * time.Second
)

// ParseDuration reads a yaml duration string, returning def when the field
// is empty and an error for malformed values.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// SessionTimings is the parsed form of SessionConfig.
type SessionTimings struct {
	HistoryLimit   int
	TypingIdle     time.Duration
	PartnerExpiry  time.Duration
	TypingInterval time.Duration
}

// Timings parses and defaults the session duration fields.
func (s SessionConfig) Timings() (SessionTimings, error) {
	t := SessionTimings{HistoryLimit: s.HistoryLimit}
	if t.HistoryLimit <= 0 {
		t.HistoryLimit = DefaultHistoryLimit
	}
	var err error
	if t.TypingIdle, err = ParseDuration(s.TypingIdle, DefaultTypingIdle); err != nil {
		return t, err
	}
	if t.PartnerExpiry, err = ParseDuration(s.PartnerExpiry, DefaultPartnerExpiry); err != nil {
		return t, err
	}
	if t.TypingInterval, err = ParseDuration(s.TypingInterval, DefaultTypingInterval); err != nil {
		return t, err
	}
	return t, nil
}
