package app

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Settings are the tool-level knobs that are not part of the stack file:
// they come from an optional .convoy.yaml next to the stack, overridable
// via CONVOY_* environment variables.
type Settings struct {
	Network      string
	ProbeHost    string
	BuildTimeout time.Duration
	StartTimeout time.Duration
	Sequential   bool
}

// LoadSettings reads tool settings via viper. A missing settings file is
// fine; defaults apply.
func LoadSettings() (*Settings, error) {
	v := viper.New()
	v.SetDefault("network", "")
	v.SetDefault("probeHost", "localhost")
	v.SetDefault("buildTimeout", "10m")
	v.SetDefault("startTimeout", "1m")
	v.SetDefault("sequential", false)

	v.SetEnvPrefix("CONVOY")
	v.AutomaticEnv()

	v.SetConfigName(".convoy")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
	}

	buildTimeout, err := time.ParseDuration(v.GetString("buildTimeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid buildTimeout setting: %w", err)
	}
	startTimeout, err := time.ParseDuration(v.GetString("startTimeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid startTimeout setting: %w", err)
	}

	return &Settings{
		Network:      v.GetString("network"),
		ProbeHost:    v.GetString("probeHost"),
		BuildTimeout: buildTimeout,
		StartTimeout: startTimeout,
		Sequential:   v.GetBool("sequential"),
	}, nil
}
