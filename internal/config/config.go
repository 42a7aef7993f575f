package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ecotrace/ecotrace/internal/queue"
)

var validModels = map[string]bool{
	"haiku":  true,
	"sonnet": true,
	"opus":   true,
}

const (
	StoreSQLite   = "sqlite"
	StoreDynamoDB = "dynamodb"
)

type Config struct {
	ListenAddr     string
	APIKeys        []string
	CORSOrigins    []string
	RateLimitRPS   int
	DefaultTenant  string
	Store          string
	DBPath         string
	DynamoTable    string
	DynamoEndpoint string
	AWSRegion      string

	ClaudePath       string
	Model            string
	ProviderRPM      int
	ProviderTPM      int
	DisableKeepalive bool

	Queue         queue.Config
	CallbackURL   string
	KafkaBrokers  []string
	KafkaTopic    string
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

// Load reads ECOTRACE_* variables. Values from a .env file in the working
// directory fill in variables the environment leaves unset.
func Load() (*Config, error) {
	return LoadFrom(".env")
}

// LoadFrom is Load with an explicit dotenv path. A missing file is not an error.
func LoadFrom(dotenvPath string) (*Config, error) {
	e := env{}
	if dotenvPath != "" {
		vals, err := godotenv.Read(dotenvPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", dotenvPath, err)
		}
		e.dotenv = vals
	}

	cfg := &Config{
		ListenAddr:     e.getEnv("ECOTRACE_LISTEN_ADDR", ":8080"),
		DefaultTenant:  e.getEnv("ECOTRACE_DEFAULT_TENANT", "default"),
		Store:          e.getEnv("ECOTRACE_STORE", StoreSQLite),
		DBPath:         e.getEnv("ECOTRACE_DB_PATH", "ecotrace.db"),
		DynamoTable:    e.getEnv("ECOTRACE_DYNAMO_TABLE", ""),
		DynamoEndpoint: e.getEnv("ECOTRACE_DYNAMO_ENDPOINT", ""),
		AWSRegion:      e.getEnv("ECOTRACE_AWS_REGION", "us-east-2"),
		ClaudePath:     e.getEnv("ECOTRACE_CLAUDE_PATH", "/root/.local/bin/claude"),
		Model:          e.getEnv("ECOTRACE_MODEL", "haiku"),
		CallbackURL:    e.getEnv("ECOTRACE_CALLBACK_URL", ""),
		KafkaTopic:     e.getEnv("ECOTRACE_KAFKA_TOPIC", "ecotrace.products"),
		CORSOrigins:    splitList(e.getEnv("ECOTRACE_CORS_ORIGINS", "")),
		KafkaBrokers:   splitList(e.getEnv("ECOTRACE_KAFKA_BROKERS", "")),
		Queue:          queue.DefaultConfig(),
	}

	cfg.APIKeys = splitList(e.getEnv("ECOTRACE_API_KEYS", ""))
	if len(cfg.APIKeys) == 0 {
		return nil, errors.New("ECOTRACE_API_KEYS must contain at least one key")
	}

	if !validModels[cfg.Model] {
		return nil, fmt.Errorf("ECOTRACE_MODEL %q must be one of: haiku, sonnet, opus", cfg.Model)
	}

	switch cfg.Store {
	case StoreSQLite:
	case StoreDynamoDB:
		if cfg.DynamoTable == "" {
			return nil, errors.New("ECOTRACE_DYNAMO_TABLE is required when ECOTRACE_STORE=dynamodb")
		}
	default:
		return nil, fmt.Errorf("ECOTRACE_STORE %q must be sqlite or dynamodb", cfg.Store)
	}

	ints := []struct {
		key      string
		fallback int
		dst      *int
		min, max int
	}{
		{"ECOTRACE_BATCH_SIZE", cfg.Queue.BatchSize, &cfg.Queue.BatchSize, queue.MinBatchSize, queue.MaxBatchSize},
		{"ECOTRACE_MAX_CONCURRENT_REQUESTS", cfg.Queue.MaxConcurrentRequests, &cfg.Queue.MaxConcurrentRequests, queue.MinConcurrentRequests, queue.MaxConcurrentRequests},
		{"ECOTRACE_GROUP_TOKEN_LIMIT", cfg.Queue.TokenLimit, &cfg.Queue.TokenLimit, 1000, 1 << 20},
		{"ECOTRACE_PROVIDER_RPM", 50, &cfg.ProviderRPM, 0, 1 << 20},
		{"ECOTRACE_PROVIDER_TPM", 40000, &cfg.ProviderTPM, 0, 1 << 30},
		{"ECOTRACE_RATE_LIMIT_RPS", 0, &cfg.RateLimitRPS, 0, 1 << 20},
	}
	for _, v := range ints {
		n, err := e.getEnvInt(v.key, v.fallback)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", v.key, err)
		}
		if n < v.min || n > v.max {
			return nil, fmt.Errorf("%s must be between %d and %d, got %d", v.key, v.min, v.max, n)
		}
		*v.dst = n
	}

	delayMs, err := e.getEnvInt("ECOTRACE_BATCH_DELAY_MS", int(cfg.Queue.BatchDelay.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("ECOTRACE_BATCH_DELAY_MS: %w", err)
	}
	cfg.Queue.BatchDelay = time.Duration(delayMs) * time.Millisecond
	if cfg.Queue.BatchDelay < queue.MinBatchDelay {
		return nil, fmt.Errorf("ECOTRACE_BATCH_DELAY_MS must be >= %d", queue.MinBatchDelay.Milliseconds())
	}

	staleMin, err := e.getEnvInt("ECOTRACE_STALE_PROCESSING_MINUTES", 30)
	if err != nil {
		return nil, fmt.Errorf("ECOTRACE_STALE_PROCESSING_MINUTES: %w", err)
	}
	if staleMin < 1 {
		return nil, errors.New("ECOTRACE_STALE_PROCESSING_MINUTES must be > 0")
	}
	cfg.StaleAfter = time.Duration(staleMin) * time.Minute

	sweepMin, err := e.getEnvInt("ECOTRACE_SWEEP_INTERVAL_MINUTES", 10)
	if err != nil {
		return nil, fmt.Errorf("ECOTRACE_SWEEP_INTERVAL_MINUTES: %w", err)
	}
	cfg.SweepInterval = time.Duration(max(sweepMin, 0)) * time.Minute

	cfg.DisableKeepalive = e.getEnv("ECOTRACE_DISABLE_KEEPALIVE", "false") == "true"

	return cfg, nil
}

// env resolves variables from the process environment, then the dotenv file.
type env struct {
	dotenv map[string]string
}

func (e env) getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if v := e.dotenv[key]; v != "" {
		return v
	}
	return fallback
}

func (e env) getEnvInt(key string, fallback int) (int, error) {
	v := e.getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
