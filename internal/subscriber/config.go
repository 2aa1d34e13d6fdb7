package subscriber

import (
	"errors"
	"fmt"
	"time"

	"Jitter-Bench/internal/core/network"
)

const (
	DefaultKeyExpr     = "bench/**"
	DefaultRunDuration = 1_000_000 * time.Second
	DefaultQuitByte    = 'q'
	DefaultIdleBackoff = time.Second
)

var ErrInvalidConfig = errors.New("invalid subscriber config")

type Config struct {
	KeyExpr     string        `mapstructure:"key_expr"`
	RunDuration time.Duration `mapstructure:"run_duration"`
	QuitByte    byte          `mapstructure:"-"`
	IdleBackoff time.Duration `mapstructure:"idle_backoff"`
}

func DefaultConfig() Config {
	return Config{
		KeyExpr:     DefaultKeyExpr,
		RunDuration: DefaultRunDuration,
		QuitByte:    DefaultQuitByte,
		IdleBackoff: DefaultIdleBackoff,
	}
}

func (c Config) Validate() error {
	if err := network.ValidateKeyExpr(c.KeyExpr); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.RunDuration < 0 {
		return fmt.Errorf("%w: negative run duration %s", ErrInvalidConfig, c.RunDuration)
	}
	if c.IdleBackoff <= 0 {
		return fmt.Errorf("%w: idle backoff must be positive, got %s", ErrInvalidConfig, c.IdleBackoff)
	}
	if c.QuitByte == 0 {
		return fmt.Errorf("%w: quit byte cannot be NUL", ErrInvalidConfig)
	}
	return nil
}
