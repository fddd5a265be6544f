// Package stock exposes stock quote lookups as registry capabilities.
package stock

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// DefaultEndpoint is the chart API root used by stock.previous_close.
const DefaultEndpoint = "https://query1.finance.yahoo.com"

// DefaultTimeout bounds one quote fetch.
const DefaultTimeout = 10 * time.Second

// Config configures the quote source behind stock.previous_close.
type Config struct {
	// Endpoint is the chart API root. Empty uses DefaultEndpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Timeout bounds one fetch. Zero uses DefaultTimeout.
	Timeout time.Duration `mapstructure:"timeout"`
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// DecodeConfig decodes a manifest config block. Unknown keys are rejected.
func DecodeConfig(raw map[string]any) (Config, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("decode stock config: %w", err)
	}
	if cfg.Timeout < 0 {
		return Config{}, fmt.Errorf("decode stock config: timeout must not be negative")
	}
	return cfg, nil
}
