package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Pipeline.DebounceMs != 200 {
		t.Errorf("debounce default = %d, want 200", cfg.Pipeline.DebounceMs)
	}
	if cfg.Pipeline.MaxConcurrentPerUser != 2 {
		t.Errorf("max concurrent default = %d, want 2", cfg.Pipeline.MaxConcurrentPerUser)
	}
	if cfg.Database.MaxOpenConns != 15 {
		t.Errorf("max open conns = %d, want 15", cfg.Database.MaxOpenConns)
	}
	if !cfg.Billing.MinimumBalanceForRequest.Equal(decimal.RequireFromString("-0.25")) {
		t.Errorf("minimum balance = %s, want -0.25", cfg.Billing.MinimumBalanceForRequest)
	}
	if cfg.Provider.FilesAPITTLHours != 24 {
		t.Errorf("files TTL = %d, want 24", cfg.Provider.FilesAPITTLHours)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("DATABASE_PORT", "5433")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("MINIMUM_BALANCE_FOR_REQUEST", "0")
	t.Setenv("TOOL_COST_PRECHECK_ENABLED", "false")
	t.Setenv("PRIVILEGED_USER_IDS", "42, 77")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 5433 {
		t.Errorf("database override not applied: %+v", cfg.Database)
	}
	if cfg.Redis.DB != 3 {
		t.Errorf("redis db = %d, want 3", cfg.Redis.DB)
	}
	if !cfg.Billing.MinimumBalanceForRequest.IsZero() {
		t.Errorf("minimum balance = %s, want 0", cfg.Billing.MinimumBalanceForRequest)
	}
	if cfg.Billing.ToolCostPrecheckEnabled {
		t.Error("precheck should be disabled")
	}
	if len(cfg.Pipeline.PrivilegedUserIDs) != 2 || cfg.Pipeline.PrivilegedUserIDs[1] != 77 {
		t.Errorf("privileged ids = %v", cfg.Pipeline.PrivilegedUserIDs)
	}
}

func TestLoad_SecretFile(t *testing.T) {
	setRequired(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "postgres_password")
	if err := os.WriteFile(path, []byte("hunter2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POSTGRES_PASSWORD_FILE", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Password != "hunter2" {
		t.Errorf("password = %q, want trimmed secret file contents", cfg.Database.Password)
	}
}

func TestLoad_MissingToken(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error for missing telegram token")
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{Host: "h", Port: 5432, User: "u", Name: "n", Password: "p"}
	dsn := d.DSN()
	want := "host=h port=5432 user=u password=p dbname=n sslmode=disable"
	if dsn != want {
		t.Errorf("DSN = %q, want %q", dsn, want)
	}
}
