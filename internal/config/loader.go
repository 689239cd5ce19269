package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "aegis.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AEGIS_PORT")
	setString(&cfg.Server.CORSOrigin, "AEGIS_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AEGIS_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AEGIS_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AEGIS_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AEGIS_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AEGIS_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.LLM.URL, "AEGIS_LLM_URL")
	setString(&cfg.LLM.APIKey, "AEGIS_LLM_API_KEY")
	setString(&cfg.LLM.Model, "AEGIS_LLM_MODEL")
	setFloat64(&cfg.LLM.PlannerTemperature, "AEGIS_LLM_PLANNER_TEMPERATURE")
	setInt(&cfg.LLM.MaxTokens, "AEGIS_LLM_MAX_TOKENS")
	setDuration(&cfg.MCP.Timeout, "AEGIS_MCP_TIMEOUT")
	setString(&cfg.Logging.Level, "AEGIS_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AEGIS_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "AEGIS_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AEGIS_BREAKER_TIMEOUT")
	setInt64(&cfg.Cache.MaxSizeMB, "AEGIS_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "AEGIS_CACHE_TTL")
	setBool(&cfg.Planner.TwoPhase, "AEGIS_PLANNER_TWO_PHASE")
	setInt(&cfg.Planner.MaxSteps, "AEGIS_PLANNER_MAX_STEPS")
	setFloat64(&cfg.Planner.FuzzyThreshold, "AEGIS_PLANNER_FUZZY_THRESHOLD")
	setInt(&cfg.Executor.DefaultStepBudget, "AEGIS_EXEC_STEP_BUDGET")
	setString(&cfg.Executor.DivergencePolicy, "AEGIS_EXEC_DIVERGENCE_POLICY")
	setDuration(&cfg.Executor.StepTimeout, "AEGIS_EXEC_STEP_TIMEOUT")
	setString(&cfg.Approval.Mode, "AEGIS_APPROVAL_MODE")
	setDuration(&cfg.Approval.Timeout, "AEGIS_APPROVAL_TIMEOUT")
	setString(&cfg.Policy.Dir, "AEGIS_POLICY_DIR")
	setBool(&cfg.Otel.Enabled, "AEGIS_OTEL_ENABLED")
	setString(&cfg.Otel.Endpoint, "AEGIS_OTEL_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Planner.MaxSteps < 1 {
		return errors.New("planner.max_steps must be >= 1")
	}
	if cfg.Planner.FuzzyThreshold <= 0 || cfg.Planner.FuzzyThreshold > 1 {
		return errors.New("planner.fuzzy_threshold must be in (0, 1]")
	}
	switch cfg.Executor.DivergencePolicy {
	case "continue", "halt":
	default:
		return fmt.Errorf("executor.divergence_policy must be continue or halt, got %q", cfg.Executor.DivergencePolicy)
	}
	switch cfg.Approval.Mode {
	case "console", "ws", "auto":
	default:
		return fmt.Errorf("approval.mode must be console, ws, or auto, got %q", cfg.Approval.Mode)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
