package metrics

import (
	"time"

	"codeberg.org/mutker/ipmictl/internal/errors"
)

const (
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 2 * time.Second
)

type Config struct {
	Address      string
	Enabled      bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:      false, // Disabled by default
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate the address if metrics is enabled
	if c.Enabled && c.Address == "" {
		return errFactory.New(ErrInvalidAddress)
	}
	return nil
}
