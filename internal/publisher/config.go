package publisher

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	DefaultTopics       = 5000
	DefaultBatchSize    = 375
	DefaultPeriod       = 80 * time.Millisecond
	DefaultKeyPrefix    = "bench/db/DBI_"
	DefaultBatchWarn    = 20 * time.Millisecond
	DefaultDeliveryWarn = 10 * time.Millisecond

	// BatchFixed sends the first BatchSize topics on every tick.
	BatchFixed = "fixed"
	// BatchRotate walks the whole topic set, BatchSize topics per tick,
	// with a shorter last batch when BatchSize does not divide Topics.
	BatchRotate = "rotate"

	OnErrorAbort    = "abort"
	OnErrorContinue = "continue"
)

var ErrInvalidConfig = errors.New("invalid publisher config")

type Config struct {
	Topics          int           `mapstructure:"topics"`
	BatchSize       int           `mapstructure:"batch_size"`
	Period          time.Duration `mapstructure:"period"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
	BatchMode       string        `mapstructure:"batch_mode"`
	BatchWarn       time.Duration `mapstructure:"batch_warn"`
	DeliveryWarn    time.Duration `mapstructure:"delivery_warn"`
	OnDeliveryError string        `mapstructure:"on_delivery_error"`
}

func DefaultConfig() Config {
	return Config{
		Topics:          DefaultTopics,
		BatchSize:       DefaultBatchSize,
		Period:          DefaultPeriod,
		KeyPrefix:       DefaultKeyPrefix,
		BatchMode:       BatchFixed,
		BatchWarn:       DefaultBatchWarn,
		DeliveryWarn:    DefaultDeliveryWarn,
		OnDeliveryError: OnErrorAbort,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Topics <= 0:
		return fmt.Errorf("%w: topics must be positive, got %d", ErrInvalidConfig, c.Topics)
	case c.BatchSize <= 0 || c.BatchSize > c.Topics:
		return fmt.Errorf("%w: batch size must be in [1, %d], got %d", ErrInvalidConfig, c.Topics, c.BatchSize)
	case c.Period <= 0:
		return fmt.Errorf("%w: period must be positive, got %s", ErrInvalidConfig, c.Period)
	case c.KeyPrefix == "":
		return fmt.Errorf("%w: empty key prefix", ErrInvalidConfig)
	case c.BatchMode != BatchFixed && c.BatchMode != BatchRotate:
		return fmt.Errorf("%w: unknown batch mode %q", ErrInvalidConfig, c.BatchMode)
	case c.OnDeliveryError != OnErrorAbort && c.OnDeliveryError != OnErrorContinue:
		return fmt.Errorf("%w: unknown delivery error policy %q", ErrInvalidConfig, c.OnDeliveryError)
	}
	return nil
}

// TopicName is the key of topic slot i.
func (c Config) TopicName(i int) string {
	return c.KeyPrefix + strconv.Itoa(i)
}

// TopicNames lists every topic key in registration order.
func (c Config) TopicNames() []string {
	out := make([]string, c.Topics)
	for i := range out {
		out[i] = c.TopicName(i)
	}
	return out
}
