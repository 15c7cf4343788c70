package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. A double underscore separates
// key levels: CASEGEN_AGENT__MAX_CONNS sets agent.max_conns.
const EnvPrefix = "CASEGEN_"

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Agent     AgentConfig     `koanf:"agent"`
	Retry     RetryConfig     `koanf:"retry"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	Session   SessionConfig   `koanf:"session"`
	Progress  ProgressConfig  `koanf:"progress"`
	Janitor   JanitorConfig   `koanf:"janitor"`
	Local     LocalConfig     `koanf:"local"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port           int           `koanf:"port" validate:"gte=0,lte=65535"`
	RequestTimeout time.Duration `koanf:"request_timeout" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// AgentConfig describes the upstream agent service and the connection pool to it.
type AgentConfig struct {
	MockMode            bool          `koanf:"mock_mode"`
	AllowRemote         bool          `koanf:"allow_remote"`
	BaseURL             string        `koanf:"base_url" validate:"omitempty,url"`
	APIKey              string        `koanf:"api_key"`
	Timeout             time.Duration `koanf:"timeout" validate:"gt=0"`
	ClientErrorFallback bool          `koanf:"client_error_fallback"`
	MaxConns            int           `koanf:"max_conns" validate:"gte=1"`
	IdleConnTimeout     time.Duration `koanf:"idle_conn_timeout" validate:"gte=0"`
	AcquireTimeout      time.Duration `koanf:"acquire_timeout" validate:"gt=0"`
}

// RetryConfig bounds retries of transient upstream failures. MaxRetries is the total
// number of attempts per call.
type RetryConfig struct {
	MaxRetries             int           `koanf:"max_retries" validate:"gte=1"`
	BaseDelay              time.Duration `koanf:"base_delay" validate:"gt=0"`
	MaxDelay               time.Duration `koanf:"max_delay" validate:"gtefield=BaseDelay"`
	ExponentialBase        float64       `koanf:"exponential_base" validate:"gte=1"`
	TimeoutConsumesAttempt bool          `koanf:"timeout_consumes_attempt"`
}

type BreakerConfig struct {
	FailureThreshold  int           `koanf:"failure_threshold" validate:"gte=1"`
	SuccessThreshold  int           `koanf:"success_threshold" validate:"gte=1"`
	Timeout           time.Duration `koanf:"timeout" validate:"gt=0"`
	CountCancellation bool          `koanf:"count_cancellation"`
}

type SessionConfig struct {
	Store   string        `koanf:"store" validate:"oneof=badger sqlite memory"`
	Path    string        `koanf:"path"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxIdle time.Duration `koanf:"max_idle" validate:"gte=0"`
}

type ProgressConfig struct {
	Retention time.Duration `koanf:"retention" validate:"gte=0"`
}

type JanitorConfig struct {
	Interval time.Duration `koanf:"interval" validate:"gte=0"`
}

// LocalConfig paces the synthetic responder.
type LocalConfig struct {
	TypingDelayMin time.Duration `koanf:"typing_delay_min" validate:"gte=0"`
	TypingDelayMax time.Duration `koanf:"typing_delay_max" validate:"gtefield=TypingDelayMin"`
	StageDelay     time.Duration `koanf:"stage_delay" validate:"gte=0"`
}

// TelemetryConfig controls trace export. Spans are written to stdout when enabled.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name" validate:"required_if=Enabled true"`
	PrettyPrint bool   `koanf:"pretty_print"`
}

var defaults = map[string]any{
	"server.port":                    8080,
	"server.request_timeout":         "5m",
	"logging.level":                  "info",
	"logging.format":                 "json",
	"agent.mock_mode":                true,
	"agent.allow_remote":             true,
	"agent.base_url":                 "https://api.dify.ai/v1",
	"agent.timeout":                  "30s",
	"agent.client_error_fallback":    false,
	"agent.max_conns":                16,
	"agent.idle_conn_timeout":        "90s",
	"agent.acquire_timeout":          "5s",
	"retry.max_retries":              3,
	"retry.base_delay":               "1s",
	"retry.max_delay":                "30s",
	"retry.exponential_base":         2.0,
	"retry.timeout_consumes_attempt": true,
	"breaker.failure_threshold":      5,
	"breaker.success_threshold":      2,
	"breaker.timeout":                "60s",
	"breaker.count_cancellation":     false,
	"session.store":                  "memory",
	"session.path":                   "./data/sessions",
	"session.timeout":                "1h",
	"session.max_idle":               "2h",
	"progress.retention":             "10m",
	"janitor.interval":               "5m",
	"local.typing_delay_min":         "500ms",
	"local.typing_delay_max":         "1500ms",
	"local.stage_delay":              "1s",
	"telemetry.enabled":              false,
	"telemetry.service_name":         "casegen-gateway",
	"telemetry.pretty_print":         false,
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var validate = validator.New()

// Load reads defaults, then the YAML file at path (missing file is fine), then
// CASEGEN_ environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	k := koanf.New(".")

	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Agent.APIKey = substituteEnvVars(cfg.Agent.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.Agent.MockMode && c.Agent.BaseURL == "" {
		return fmt.Errorf("invalid config: agent.base_url is required when mock_mode is false")
	}
	return nil
}

// RemoteEnabled reports whether the upstream agent may be used at all.
func (c *Config) RemoteEnabled() bool {
	return c.Agent.AllowRemote && c.Agent.BaseURL != ""
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
