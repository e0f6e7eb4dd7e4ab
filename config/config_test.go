package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `bhavflow:
  name: "TestApp"
source:
  endpoints:
    index: "http://example.test/idx?i={{escape .Index}}"
    vix: "http://example.test/vix"
    equity:
      - from: "1994-11-03"
        archive: "http://example.test/eq"
    derivatives:
      - from: "2000-06-12"
        archive: "http://example.test/fo"
storage:
  driver: "memory"
`

// writeTempConfig writes content to a config file in a temp directory and
// returns its path.
func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "config.yml", minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Bhavflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Bhavflow.Name)
	}
	if cfg.Source.ChunkDays != 360 {
		t.Errorf("expected default chunk width 360, got %d", cfg.Source.ChunkDays)
	}
	if cfg.Source.Timeout != 60*time.Second {
		t.Errorf("unexpected timeout %s", cfg.Source.Timeout)
	}
	if len(cfg.Tables.Index.Indices) != 2 {
		t.Errorf("expected default NIFTY and BANKNIFTY indices, got %v", cfg.Tables.Index.Indices)
	}
	if cfg.Bhavflow.Timezone != "Asia/Kolkata" {
		t.Errorf("unexpected timezone %s", cfg.Bhavflow.Timezone)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, "config.yml", minimalConfig)
	t.Setenv("BHAV_STORAGE_DRIVER", "SQLITE")
	t.Setenv("BHAV_DSN", "file:test.db")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "file:test.db" {
		t.Fatalf("env overrides not applied: %+v", cfg.Storage)
	}
}

func TestLoadConfigRejectsSQLWithoutDSN(t *testing.T) {
	content := strings.Replace(minimalConfig, `driver: "memory"`, `driver: "postgres"`, 1)
	path := writeTempConfig(t, "config.yml", content)
	t.Setenv("BHAV_DSN", "")

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error for missing dsn")
	}
}

func TestLoadConfigRejectsBadStartDate(t *testing.T) {
	content := minimalConfig + "tables:\n  vix:\n    start: \"01-01-2007\"\n"
	path := writeTempConfig(t, "config.yml", content)

	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "tables.vix.start") {
		t.Fatalf("expected start date error, got %v", err)
	}
}

func TestLoadConfigS3RequiresBucket(t *testing.T) {
	content := minimalConfig + "  s3:\n    enabled: true\n    region: \"ap-south-1\"\n"
	path := writeTempConfig(t, "config.yml", content)
	t.Setenv("S3_BUCKET", "")

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}

func TestResolveConfigPathUsesEnvironmentFile(t *testing.T) {
	base := writeTempConfig(t, "config.yml", minimalConfig)
	prod := strings.TrimSuffix(base, ".yml") + ".production.yml"
	if err := os.WriteFile(prod, []byte(strings.Replace(minimalConfig, "TestApp", "ProdApp", 1)), 0o644); err != nil {
		t.Fatalf("write prod config: %v", err)
	}

	t.Setenv("APP_ENV", "prod")
	if got := ResolveConfigPath(base); got != prod {
		t.Fatalf("expected %s, got %s", prod, got)
	}
	cfg, err := LoadConfig(base)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Bhavflow.Name != "ProdApp" {
		t.Fatalf("expected production file to be used, got %s", cfg.Bhavflow.Name)
	}

	t.Setenv("APP_ENV", "")
	if got := ResolveConfigPath(base); got != base {
		t.Fatalf("expected base path in development, got %s", got)
	}
}

func TestShippedConfigIsValid(t *testing.T) {
	t.Setenv("APP_ENV", "")
	cfg, err := LoadConfig("config.yml")
	if err != nil {
		t.Fatalf("shipped config.yml invalid: %v", err)
	}
	if len(cfg.Source.Endpoints.Derivatives) == 0 || cfg.Tables.Derivatives.Partitions["NIFTY"] != "fno_nifty" {
		t.Fatalf("unexpected shipped config: %+v", cfg.Tables.Derivatives)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := map[string]bool{
		"bhav-data":  true,
		"ab":         false,
		"Bad_Bucket": false,
		"a..b":       false,
	}
	for name, want := range cases {
		if got := isValidS3Bucket(name); got != want {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", name, got, want)
		}
	}
}
