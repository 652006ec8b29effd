package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Env holds the process-level settings read from ORCH_* environment variables.
type Env struct {
	ConfigDir string `envconfig:"CONFIG_DIR" default:"configs"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:""`
	LogFormat string `envconfig:"LOG_FORMAT" default:""`
}

func LoadEnv() (Env, error) {
	var e Env
	if err := envconfig.Process("ORCH", &e); err != nil {
		return Env{}, fmt.Errorf("process ORCH env: %w", err)
	}
	return e, nil
}
