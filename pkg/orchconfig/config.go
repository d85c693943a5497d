// Package orchconfig loads the daemon's startup configuration: the
// repository root, listen address, state-store DSN, agent runtime
// binary, and the live scheduler tunables. It reads a YAML file (with
// ${VAR} / $VAR expansion and a .env sidecar), decodes it with
// mapstructure, applies defaults, and can watch the file for changes,
// following a read-parse-expand-decode-default-validate pipeline (see
// DESIGN.md).
package orchconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/veorc/veorc/pkg/statestore"
)

// Config is the orchestrator daemon's on-disk/env configuration. The
// scheduler tunables mirror statestore.Config; everything else is
// daemon wiring: on-disk layout and startup requirements.
type Config struct {
	RepoRoot    string `yaml:"repo_root"`
	ListenAddr  string `yaml:"listen_addr"`
	Port        int    `yaml:"port"`
	StateDriver string `yaml:"state_driver"` // sqlite3, postgres, mysql
	StateDSN    string `yaml:"state_dsn"`

	AgentRuntimeBinary string `yaml:"agent_runtime_binary"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MaxAgents            int     `yaml:"max_agents"`
	DispatchInterval     float64 `yaml:"dispatch_interval"`
	MaxCompletionRetries int     `yaml:"max_completion_retries"`
	BaseBranch           string  `yaml:"base_branch"`
	ShutdownTimeout      float64 `yaml:"shutdown_timeout"`

	Observability ObservabilityConfig `yaml:"observability"`
}

// ObservabilityConfig toggles the tracer/metrics stack (pkg/observability).
type ObservabilityConfig struct {
	TracingEnabled bool    `yaml:"tracing_enabled"`
	TraceExporter  string  `yaml:"trace_exporter"` // "otlp" or "stdout"
	TraceEndpoint  string  `yaml:"trace_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// SetDefaults applies the documented defaults.
func (c *Config) SetDefaults() {
	if c.RepoRoot == "" {
		c.RepoRoot = "."
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1"
	}
	if c.StateDriver == "" {
		c.StateDriver = "sqlite3"
	}
	if c.StateDSN == "" {
		c.StateDSN = c.RepoRoot + "/.ve/orchestrator/state.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	defaults := statestore.DefaultConfig()
	if c.MaxAgents == 0 {
		c.MaxAgents = defaults.MaxAgents
	}
	if c.DispatchInterval == 0 {
		c.DispatchInterval = defaults.DispatchInterval
	}
	if c.MaxCompletionRetries == 0 {
		c.MaxCompletionRetries = defaults.MaxCompletionRetries
	}
	if c.BaseBranch == "" {
		c.BaseBranch = defaults.BaseBranch
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30
	}
	if c.Observability.TraceExporter == "" {
		c.Observability.TraceExporter = "stdout"
	}
	if c.Observability.SamplingRate == 0 {
		c.Observability.SamplingRate = 1.0
	}
}

// Validate checks invariants the scheduler/store rely on.
func (c *Config) Validate() error {
	if c.MaxAgents < 1 {
		return fmt.Errorf("orchconfig: max_agents must be >= 1, got %d", c.MaxAgents)
	}
	if c.DispatchInterval <= 0 {
		return fmt.Errorf("orchconfig: dispatch_interval must be > 0, got %f", c.DispatchInterval)
	}
	if c.MaxCompletionRetries < 0 {
		return fmt.Errorf("orchconfig: max_completion_retries must be >= 0, got %d", c.MaxCompletionRetries)
	}
	switch c.StateDriver {
	case "sqlite3", "postgres", "mysql":
	default:
		return fmt.Errorf("orchconfig: unsupported state_driver %q", c.StateDriver)
	}
	return nil
}

// SchedulerConfig projects the subset of Config the scheduler treats as
// live-reloadable tunables, matching statestore.Config.
func (c *Config) SchedulerConfig() statestore.Config {
	return statestore.Config{
		MaxAgents:            c.MaxAgents,
		DispatchInterval:     c.DispatchInterval,
		MaxCompletionRetries: c.MaxCompletionRetries,
		BaseBranch:           c.BaseBranch,
	}
}

// Load reads path (YAML), loads .env.local and .env from the current
// working directory via godotenv first so ${VAR} expansion can see them,
// decodes into Config, applies defaults, and validates. A missing path is
// not an error: an all-default Config is returned so `veorc start` works
// in a fresh repository with no
// config file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env.local", ".env")

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("orchconfig: read %s: %w", path, err)
			}
		} else {
			raw, err := parseBytes(data)
			if err != nil {
				return nil, fmt.Errorf("orchconfig: parse %s: %w", path, err)
			}
			expanded := expandEnvVars(raw)
			if err := decode(expanded, cfg); err != nil {
				return nil, fmt.Errorf("orchconfig: decode %s: %w", path, err)
			}
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseBytes(data []byte) (map[string]any, error) {
	var result map[string]any
	if err := yaml.Unmarshal(data, &result); err == nil {
		return result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("not valid YAML or JSON: %w", err)
	}
	return result, nil
}

func decode(input map[string]any, out *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars recursively expands ${VAR}, ${VAR:-default}, and $VAR in
// every string value of a decoded YAML/JSON map.
func expandEnvVars(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = expandValue(v)
	}
	return out
}

func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return expandEnvString(val)
	case map[string]any:
		return expandEnvVars(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandValue(item)
		}
		return out
	default:
		return v
	}
}

func expandEnvString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(match, "${") {
			inner := match[2 : len(match)-1]
			if idx := strings.Index(inner, ":-"); idx >= 0 {
				name, def := inner[:idx], inner[idx+2:]
				if val := os.Getenv(name); val != "" {
					return val
				}
				return def
			}
			return os.Getenv(inner)
		}
		return os.Getenv(match[1:])
	})
}
