package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"
)

// Load parses environment variables into cfg using its `env` tags.
// Map fields use the library defaults: "KEY:VALUE" pairs separated by commas,
// e.g. TAX_RATES_BPS="US-CA:725,US:600".
func Load(cfg any) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// MustLoad is Load for process startup paths where a bad environment is fatal.
func MustLoad(cfg any) {
	if err := Load(cfg); err != nil {
		panic(err)
	}
}
