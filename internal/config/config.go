package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Mearman/claudia/internal/logger"
	"github.com/Mearman/claudia/internal/probe"
	"github.com/Mearman/claudia/internal/types"
)

var cfgLog = logger.New("config")

// Config is the harness-facing configuration of the sandbox core.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Policy PolicyConfig `yaml:"policy"`
	Probe  ProbeConfig  `yaml:"probe"`
	Runner RunnerConfig `yaml:"runner"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level   types.LogLevel `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	NoColor bool           `yaml:"no_color"`
}

// PolicyConfig locates named policy documents.
type PolicyConfig struct {
	Dir   string `yaml:"dir"`   // policy directory (default: ~/.claudia/policies.d)
	Watch bool   `yaml:"watch"` // recompile when documents change
}

// ProbeConfig bounds probe execution.
type ProbeConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"min=0,max=5m"`
	ExecTimeout    time.Duration `yaml:"exec_timeout" validate:"min=0,max=5m"`
	RetryTransient bool          `yaml:"retry_transient"`
}

// RunnerConfig holds scenario runner settings
type RunnerConfig struct {
	// Parallelism is the number of scenarios run at once, each in its own process.
	Parallelism int  `yaml:"parallelism" validate:"min=1,max=256"`
	Tolerant    bool `yaml:"tolerant"` // indeterminate probes skip instead of fail
}

// Options converts the probe section for the probe engine.
func (c ProbeConfig) Options() probe.Options {
	return probe.Options{
		ConnectTimeout: c.ConnectTimeout,
		ExecTimeout:    c.ExecTimeout,
		RetryTransient: c.RetryTransient,
	}
}

// homeDir returns ~/.claudia, or "" when the home directory is unknown.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claudia")
}

// DefaultConfigPath returns the default config file path (~/.claudia/config.yaml).
func DefaultConfigPath() string {
	dir := homeDir()
	if dir == "" {
		return "config.yaml"
	}
	return filepath.Join(dir, "config.yaml")
}

// PolicyDir returns the configured policy directory, or the default one.
func (c *Config) PolicyDir() string {
	if c.Policy.Dir != "" {
		return c.Policy.Dir
	}
	dir := homeDir()
	if dir == "" {
		return "policies.d"
	}
	return filepath.Join(dir, "policies.d")
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	def := probe.DefaultOptions()
	return &Config{
		Log: LogConfig{
			Level: types.LogLevelInfo,
		},
		Policy: PolicyConfig{
			Dir:   "", // empty means use default ~/.claudia/policies.d
			Watch: false,
		},
		Probe: ProbeConfig{
			ConnectTimeout: def.ConnectTimeout,
			ExecTimeout:    def.ExecTimeout,
			RetryTransient: def.RetryTransient,
		},
		Runner: RunnerConfig{
			Parallelism: 4,
		},
	}
}

var validate = newValidator()

// newValidator reports fields by their YAML names so messages match the file.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldPath turns "Config.probe.exec_timeout" into "probe.exec_timeout".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	path := fieldPath(fe)
	switch fe.Tag() {
	case "oneof":
		return fmt.Sprintf("%s: unknown value %q (valid: %s)", path, fe.Value(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "min":
		return fmt.Sprintf("%s: must be >= %s (got %v)", path, fe.Param(), fe.Value())
	case "max":
		return fmt.Sprintf("%s: must be <= %s (got %v)", path, fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s: failed %s check (got %v)", path, fe.Tag(), fe.Value())
}

// Validate checks all Config fields and returns a multi-error report.
// Call this AFTER CLI and environment overrides have been applied, not during Load().
func (c *Config) Validate() error {
	var errs []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config validation failed: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, describe(fe))
		}
	}

	if c.Policy.Dir != "" && !filepath.IsAbs(c.Policy.Dir) {
		errs = append(errs, fmt.Sprintf("policy.dir: must be an absolute path (got %q)", c.Policy.Dir))
	}

	if len(errs) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("config validation failed:\n")
	for i, e := range errs {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e)
	}
	return errors.New(sb.String())
}

// isUnknownFieldError returns true if the error is from yaml.Decoder.KnownFields(true)
// detecting an unrecognized key (e.g. typo like "runer:").
func isUnknownFieldError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not found in type")
}

// Load loads configuration from a YAML file.
// Note: Load does NOT call Validate(). Callers should apply overrides
// first, then call cfg.Validate() themselves.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	// Try strict decode to warn about unknown fields (typos like "runer:")
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		if !isUnknownFieldError(err) {
			return nil, fmt.Errorf("config parse error: %w", err)
		}
		cfgLog.Warn("config has unknown fields (ignored): %v", err)
		// Re-parse without strict mode for forward compatibility
		cfg = DefaultConfig()
		if err2 := yaml.Unmarshal(data, cfg); err2 != nil {
			return nil, fmt.Errorf("config parse error: %w", err2)
		}
	}

	if strings.HasPrefix(cfg.Policy.Dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Policy.Dir = filepath.Join(home, cfg.Policy.Dir[2:])
		}
	}
	return cfg, nil
}
