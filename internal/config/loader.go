package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentrelay.yaml"

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
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
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
	setString(&cfg.Server.Port, "AGENTRELAY_PORT")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTRELAY_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTRELAY_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTRELAY_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTRELAY_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AGENTRELAY_PG_HEALTH_CHECK")

	setString(&cfg.Broker.Kind, "AGENTRELAY_BROKER")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "AGENTRELAY_NATS_STREAM")
	setStrings(&cfg.Kafka.Brokers, "AGENTRELAY_KAFKA_BROKERS")
	setString(&cfg.Kafka.GroupID, "AGENTRELAY_KAFKA_GROUP_ID")

	setString(&cfg.Logging.Level, "AGENTRELAY_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTRELAY_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AGENTRELAY_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "AGENTRELAY_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AGENTRELAY_BREAKER_TIMEOUT")

	setString(&cfg.Sandbox.URL, "AGENTRELAY_SANDBOX_URL")
	setString(&cfg.Sandbox.Token, "AGENTRELAY_SANDBOX_TOKEN")
	setDuration(&cfg.Sandbox.Timeout, "AGENTRELAY_SANDBOX_TIMEOUT")

	setInt(&cfg.Dispatcher.ClaimAttempts, "AGENTRELAY_DISPATCH_CLAIM_ATTEMPTS")
	setInt(&cfg.Dispatcher.MaxConcurrent, "AGENTRELAY_DISPATCH_MAX_CONCURRENT")
	setInt(&cfg.Dispatcher.CandidateLimit, "AGENTRELAY_DISPATCH_CANDIDATE_LIMIT")

	setDuration(&cfg.Compensation.Interval, "AGENTRELAY_COMP_INTERVAL")
	setInt(&cfg.Compensation.Limit, "AGENTRELAY_COMP_LIMIT")
	setStrings(&cfg.Compensation.OrganizationCodes, "AGENTRELAY_COMP_ORGANIZATIONS")
	setDuration(&cfg.Compensation.ProcessingTimeout, "AGENTRELAY_COMP_PROCESSING_TIMEOUT")
	setDuration(&cfg.Compensation.StaleThreshold, "AGENTRELAY_COMP_STALE_THRESHOLD")
	setInt(&cfg.Compensation.MaxRetries, "AGENTRELAY_COMP_MAX_RETRIES")
	setDuration(&cfg.Compensation.BaseBackoff, "AGENTRELAY_COMP_BASE_BACKOFF")
	setDuration(&cfg.Compensation.MaxBackoff, "AGENTRELAY_COMP_MAX_BACKOFF")
	setDuration(&cfg.Compensation.MessageProcessingTimeout, "AGENTRELAY_COMP_MESSAGE_PROCESSING_TIMEOUT")

	setDuration(&cfg.Delivery.Interval, "AGENTRELAY_DELIVERY_INTERVAL")
	setInt(&cfg.Delivery.BatchSize, "AGENTRELAY_DELIVERY_BATCH_SIZE")
	setInt(&cfg.Delivery.MaxRetries, "AGENTRELAY_DELIVERY_MAX_RETRIES")

	setInt(&cfg.Files.VersionKeep, "AGENTRELAY_FILES_VERSION_KEEP")
	setInt(&cfg.Fork.PageSize, "AGENTRELAY_FORK_PAGE_SIZE")

	setInt64(&cfg.Cache.L1MaxSizeMB, "AGENTRELAY_CACHE_L1_MAX_SIZE_MB")
	setDuration(&cfg.Cache.L1TTL, "AGENTRELAY_CACHE_L1_TTL")
	setString(&cfg.Cache.L2Bucket, "AGENTRELAY_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "AGENTRELAY_CACHE_L2_TTL")

	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTEL.Insecure, "AGENTRELAY_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRatio, "AGENTRELAY_OTEL_SAMPLE_RATIO")
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
	switch cfg.Broker.Kind {
	case "nats":
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required")
		}
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers is required")
		}
	default:
		return fmt.Errorf("broker.kind must be nats or kafka, got %q", cfg.Broker.Kind)
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Dispatcher.ClaimAttempts < 1 {
		return errors.New("dispatcher.claim_attempts must be >= 1")
	}
	if cfg.Dispatcher.MaxConcurrent < 1 {
		return errors.New("dispatcher.max_concurrent must be >= 1")
	}
	if cfg.Compensation.Interval <= 0 {
		return errors.New("compensation.interval must be > 0")
	}
	if cfg.Compensation.StaleThreshold <= 0 {
		return errors.New("compensation.stale_threshold must be > 0")
	}
	if cfg.Compensation.MaxRetries < 0 {
		return errors.New("compensation.max_retries must be >= 0")
	}
	if cfg.Compensation.BaseBackoff <= 0 || cfg.Compensation.MaxBackoff < cfg.Compensation.BaseBackoff {
		return errors.New("compensation.max_backoff must be >= base_backoff > 0")
	}
	if cfg.Fork.PageSize < 1 {
		return errors.New("fork.page_size must be >= 1")
	}
	if cfg.Files.VersionKeep < 0 {
		return errors.New("files.version_keep must be >= 0")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setStrings parses a comma-separated list.
func setStrings(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
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
