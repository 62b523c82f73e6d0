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
const DefaultConfigFile = "runforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
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
	setString(&cfg.Server.Port, "RUNFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "RUNFORGE_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "RUNFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "RUNFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "RUNFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "RUNFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "RUNFORGE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "RUNFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "RUNFORGE_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "RUNFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "RUNFORGE_BREAKER_TIMEOUT")

	setString(&cfg.Sandbox.Provider, "RUNFORGE_SANDBOX_PROVIDER")
	setString(&cfg.Sandbox.CloudURL, "RUNFORGE_SANDBOX_CLOUD_URL")
	setString(&cfg.Sandbox.CloudAPIKey, "RUNFORGE_SANDBOX_CLOUD_API_KEY")
	setDuration(&cfg.Sandbox.CacheTTL, "RUNFORGE_SANDBOX_CACHE_TTL")
	setString(&cfg.Sandbox.ClusterID, "RUNFORGE_SANDBOX_CLUSTER_ID")
	setInt64(&cfg.Sandbox.DetectCacheMB, "RUNFORGE_SANDBOX_DETECT_CACHE_MB")

	setString(&cfg.Kubernetes.NamePrefix, "RUNFORGE_K8S_NAME_PREFIX")
	setString(&cfg.Kubernetes.AgentImage, "RUNFORGE_K8S_AGENT_IMAGE")
	setString(&cfg.Kubernetes.GitCloneImage, "RUNFORGE_K8S_GIT_CLONE_IMAGE")
	setDuration(&cfg.Kubernetes.DefaultDeadline, "RUNFORGE_K8S_DEFAULT_DEADLINE")
	setDuration(&cfg.Kubernetes.JobTTL, "RUNFORGE_K8S_JOB_TTL")
	setString(&cfg.Kubernetes.QuotaCPU, "RUNFORGE_K8S_QUOTA_CPU")
	setString(&cfg.Kubernetes.QuotaMemory, "RUNFORGE_K8S_QUOTA_MEMORY")
	setInt(&cfg.Kubernetes.QuotaPods, "RUNFORGE_K8S_QUOTA_PODS")
	setString(&cfg.Kubernetes.IngressDomain, "RUNFORGE_K8S_INGRESS_DOMAIN")

	setDuration(&cfg.Dispatch.DefaultTimeBudget, "RUNFORGE_DISPATCH_TIME_BUDGET")
	setString(&cfg.Dispatch.DefaultProvider, "RUNFORGE_DISPATCH_PROVIDER")
	setDuration(&cfg.Dispatch.AutoApproveDelay, "RUNFORGE_DISPATCH_AUTO_APPROVE_DELAY")

	setString(&cfg.Ingest.SharedSecret, "RUNFORGE_INGEST_SECRET")
	setString(&cfg.Ingest.SealKey, "RUNFORGE_SEAL_KEY")

	setString(&cfg.Otel.Endpoint, "RUNFORGE_OTEL_ENDPOINT")
	setBool(&cfg.Otel.Enabled, "RUNFORGE_OTEL_ENABLED")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	switch cfg.Sandbox.Provider {
	case "", "kubernetes", "cloudbox":
	default:
		return fmt.Errorf("sandbox.provider %q is not supported", cfg.Sandbox.Provider)
	}
	if cfg.Sandbox.Provider == "cloudbox" && cfg.Sandbox.CloudURL == "" {
		return errors.New("sandbox.cloud_url is required for the cloudbox provider")
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
