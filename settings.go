package lifeline

import (
	"fmt"
	"time"

	"golang.org/x/text/language"
)

// Settings are the runtime knobs read through the app's config provider.
type Settings struct {
	// PoolSize is the number of background workers.
	PoolSize int `config:"LIFELINE_POOL_SIZE" default:"4"`
	// ShutdownTimeout bounds one shutdown attempt and the final dispatcher close.
	ShutdownTimeout time.Duration `config:"LIFELINE_SHUTDOWN_TIMEOUT" default:"30s"`
	// ReadyTimeout is used by WaitForReadiness when no timeout is given.
	ReadyTimeout time.Duration `config:"LIFELINE_READY_TIMEOUT" default:"10s"`
	// Locale selects the messages returned by App.Message.
	Locale string `config:"LIFELINE_LOCALE" default:"en-US"`
}

// DefaultSettings returns the settings used when the provider has no value for a key.
func DefaultSettings() Settings {
	return Settings{
		PoolSize:        4,
		ShutdownTimeout: 30 * time.Second,
		ReadyTimeout:    10 * time.Second,
		Locale:          "en-US",
	}
}

// Validate reports settings the runtime cannot work with.
func (s Settings) Validate() error {
	if s.PoolSize < 1 {
		return fmt.Errorf("lifeline: LIFELINE_POOL_SIZE must be at least 1, got %d", s.PoolSize)
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("lifeline: LIFELINE_SHUTDOWN_TIMEOUT must be positive, got %s", s.ShutdownTimeout)
	}
	if s.ReadyTimeout <= 0 {
		return fmt.Errorf("lifeline: LIFELINE_READY_TIMEOUT must be positive, got %s", s.ReadyTimeout)
	}
	if _, err := language.Parse(s.Locale); err != nil {
		return fmt.Errorf("lifeline: LIFELINE_LOCALE %q: %w", s.Locale, err)
	}
	return nil
}
