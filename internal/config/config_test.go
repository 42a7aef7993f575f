package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv blanks every variable Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ECOTRACE_LISTEN_ADDR", "ECOTRACE_API_KEYS", "ECOTRACE_STORE", "ECOTRACE_DB_PATH",
		"ECOTRACE_DYNAMO_TABLE", "ECOTRACE_DYNAMO_ENDPOINT", "ECOTRACE_AWS_REGION",
		"ECOTRACE_CLAUDE_PATH", "ECOTRACE_MODEL", "ECOTRACE_BATCH_SIZE", "ECOTRACE_BATCH_DELAY_MS",
		"ECOTRACE_MAX_CONCURRENT_REQUESTS", "ECOTRACE_GROUP_TOKEN_LIMIT", "ECOTRACE_PROVIDER_RPM",
		"ECOTRACE_PROVIDER_TPM", "ECOTRACE_RATE_LIMIT_RPS", "ECOTRACE_CORS_ORIGINS",
		"ECOTRACE_DEFAULT_TENANT", "ECOTRACE_CALLBACK_URL", "ECOTRACE_KAFKA_BROKERS",
		"ECOTRACE_KAFKA_TOPIC", "ECOTRACE_STALE_PROCESSING_MINUTES", "ECOTRACE_SWEEP_INTERVAL_MINUTES",
		"ECOTRACE_DISABLE_KEEPALIVE",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_AllVarsSet(t *testing.T) {
	clearEnv(t)
	t.Setenv("ECOTRACE_API_KEYS", "key1, key2")
	t.Setenv("ECOTRACE_LISTEN_ADDR", ":9090")
	t.Setenv("ECOTRACE_MODEL", "sonnet")
	t.Setenv("ECOTRACE_STORE", "dynamodb")
	t.Setenv("ECOTRACE_DYNAMO_TABLE", "products")
	t.Setenv("ECOTRACE_DYNAMO_ENDPOINT", "http://localhost:8000")
	t.Setenv("ECOTRACE_BATCH_SIZE", "250")
	t.Setenv("ECOTRACE_BATCH_DELAY_MS", "45000")
	t.Setenv("ECOTRACE_MAX_CONCURRENT_REQUESTS", "4")
	t.Setenv("ECOTRACE_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("ECOTRACE_CORS_ORIGINS", "*")
	t.Setenv("ECOTRACE_SWEEP_INTERVAL_MINUTES", "0")
	t.Setenv("ECOTRACE_DISABLE_KEEPALIVE", "true")

	cfg, err := LoadFrom("")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if len(cfg.APIKeys) != 2 || cfg.APIKeys[0] != "key1" || cfg.APIKeys[1] != "key2" {
		t.Errorf("APIKeys = %v, want [key1 key2]", cfg.APIKeys)
	}
	if cfg.Model != "sonnet" {
		t.Errorf("Model = %q, want sonnet", cfg.Model)
	}
	if cfg.Store != StoreDynamoDB || cfg.DynamoTable != "products" || cfg.DynamoEndpoint != "http://localhost:8000" {
		t.Errorf("store settings = %q %q %q", cfg.Store, cfg.DynamoTable, cfg.DynamoEndpoint)
	}
	if cfg.Queue.BatchSize != 250 || cfg.Queue.BatchDelay != 45*time.Second || cfg.Queue.MaxConcurrentRequests != 4 {
		t.Errorf("Queue = %+v", cfg.Queue)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.SweepInterval != 0 || !cfg.DisableKeepalive {
		t.Errorf("SweepInterval = %v, DisableKeepalive = %v", cfg.SweepInterval, cfg.DisableKeepalive)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("ECOTRACE_API_KEYS", "defaultkey")

	cfg, err := LoadFrom("")
	if err != nil {
		t.Fatalf("expected no error with defaults, got: %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"ListenAddr", cfg.ListenAddr, ":8080"},
		{"Store", cfg.Store, StoreSQLite},
		{"DBPath", cfg.DBPath, "ecotrace.db"},
		{"AWSRegion", cfg.AWSRegion, "us-east-2"},
		{"ClaudePath", cfg.ClaudePath, "/root/.local/bin/claude"},
		{"Model", cfg.Model, "haiku"},
		{"DefaultTenant", cfg.DefaultTenant, "default"},
		{"BatchSize", cfg.Queue.BatchSize, 500},
		{"BatchDelay", cfg.Queue.BatchDelay, 60 * time.Second},
		{"MaxConcurrentRequests", cfg.Queue.MaxConcurrentRequests, 10},
		{"TokenLimit", cfg.Queue.TokenLimit, 8000},
		{"ProviderRPM", cfg.ProviderRPM, 50},
		{"ProviderTPM", cfg.ProviderTPM, 40000},
		{"RateLimitRPS", cfg.RateLimitRPS, 0},
		{"KafkaTopic", cfg.KafkaTopic, "ecotrace.products"},
		{"StaleAfter", cfg.StaleAfter, 30 * time.Minute},
		{"SweepInterval", cfg.SweepInterval, 10 * time.Minute},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("default %s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing API keys", map[string]string{}},
		{"only separators in API keys", map[string]string{"ECOTRACE_API_KEYS": " , ,"}},
		{"invalid model", map[string]string{"ECOTRACE_API_KEYS": "k", "ECOTRACE_MODEL": "gpt-4"}},
		{"unknown store", map[string]string{"ECOTRACE_API_KEYS": "k", "ECOTRACE_STORE": "postgres"}},
		{"dynamodb without table", map[string]string{"ECOTRACE_API_KEYS": "k", "ECOTRACE_STORE": "dynamodb"}},
		{"batch size too large", map[string]string{"ECOTRACE_API_KEYS": "k", "ECOTRACE_BATCH_SIZE": "5000"}},
		{"batch delay too short", map[string]string{"ECOTRACE_API_KEYS": "k", "ECOTRACE_BATCH_DELAY_MS": "1000"}},
		{"concurrency too high", map[string]string{"ECOTRACE_API_KEYS": "k", "ECOTRACE_MAX_CONCURRENT_REQUESTS": "21"}},
		{"non-integer", map[string]string{"ECOTRACE_API_KEYS": "k", "ECOTRACE_PROVIDER_RPM": "lots"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadFrom(""); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_DotenvFillsUnsetVars(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	content := "ECOTRACE_API_KEYS=from-file\nECOTRACE_LISTEN_ADDR=:7000\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ECOTRACE_LISTEN_ADDR", ":9999")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if len(cfg.APIKeys) != 1 || cfg.APIKeys[0] != "from-file" {
		t.Errorf("APIKeys = %v, want [from-file]", cfg.APIKeys)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, the environment must win over the file", cfg.ListenAddr)
	}
}

func TestLoad_MissingDotenvIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("ECOTRACE_API_KEYS", "k")
	if _, err := LoadFrom(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing dotenv file should be ignored, got %v", err)
	}
}
