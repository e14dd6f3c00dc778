package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"

	"github.com/Mearman/claudia/internal/types"
)

// Env holds overrides taken from the environment. Scenario children receive
// only these variables, so a suite run and its children agree on them.
type Env struct {
	// Env: SANDBOX_LOG_LEVEL
	LogLevel types.LogLevel `envconfig:"SANDBOX_LOG_LEVEL"`
	// Env: SANDBOX_POLICY_DIR
	PolicyDir string `envconfig:"SANDBOX_POLICY_DIR"`
	// Env: SANDBOX_PARALLELISM
	Parallelism int `envconfig:"SANDBOX_PARALLELISM"`
	// Env: SANDBOX_TOLERANT
	Tolerant *bool `envconfig:"SANDBOX_TOLERANT"`
}

// LoadEnv reads the SANDBOX_* overrides.
func LoadEnv() (*Env, error) {
	var e Env
	if err := envconfig.Process("", &e); err != nil {
		return nil, fmt.Errorf("failed to load settings from environment: %w", err)
	}
	return &e, nil
}

// Apply copies every set override onto cfg.
func (e *Env) Apply(cfg *Config) {
	if e.LogLevel != "" {
		cfg.Log.Level = e.LogLevel
	}
	if e.PolicyDir != "" {
		cfg.Policy.Dir = e.PolicyDir
	}
	if e.Parallelism != 0 {
		cfg.Runner.Parallelism = e.Parallelism
	}
	if e.Tolerant != nil {
		cfg.Runner.Tolerant = *e.Tolerant
	}
}

// LoadWithEnv loads path and applies the environment overrides. Like Load it
// does not validate.
func LoadWithEnv(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	env, err := LoadEnv()
	if err != nil {
		return nil, err
	}
	env.Apply(cfg)
	return cfg, nil
}
