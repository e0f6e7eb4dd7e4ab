package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bhavflow BhavflowConfig `yaml:"bhavflow"`
	Source   SourceConfig   `yaml:"source"`
	Tables   TablesConfig   `yaml:"tables"`
	Storage  StorageConfig  `yaml:"storage"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type BhavflowConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	Timezone string `yaml:"timezone"`
}

type SourceConfig struct {
	Timeout           time.Duration     `yaml:"timeout"`
	RequestsPerSecond float64           `yaml:"requests_per_second"`
	Burst             int               `yaml:"burst"`
	ChunkDays         int               `yaml:"chunk_days"`
	MaxZipDepth       int               `yaml:"max_zip_depth"`
	Retry             RetryConfig       `yaml:"retry"`
	Headers           map[string]string `yaml:"headers"`
	Endpoints         EndpointsConfig   `yaml:"endpoints"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// EndpointsConfig holds URL templates. Index and VIX templates are rendered
// per window; archive endpoints are listed per format vintage.
type EndpointsConfig struct {
	Index       string            `yaml:"index"`
	VIX         string            `yaml:"vix"`
	Equity      []ArchiveEndpoint `yaml:"equity"`
	Derivatives []ArchiveEndpoint `yaml:"derivatives"`
}

// ArchiveEndpoint is the check and download template pair used for dates on
// or after From. Check may be empty when the vintage has no existence check.
type ArchiveEndpoint struct {
	From    string `yaml:"from"`
	Check   string `yaml:"check"`
	Archive string `yaml:"archive"`
}

type TablesConfig struct {
	Index       IndexTableConfig       `yaml:"index"`
	VIX         TableConfig            `yaml:"vix"`
	Equity      TableConfig            `yaml:"equity"`
	Derivatives DerivativesTableConfig `yaml:"derivatives"`
}

type TableConfig struct {
	Start string `yaml:"start"`
}

type IndexTableConfig struct {
	Start   string      `yaml:"start"`
	Indices []IndexSpec `yaml:"indices"`
}

// IndexSpec names an index as the upstream query parameter and as the
// SYMBOL stored with its rows.
type IndexSpec struct {
	Name   string `yaml:"name"`
	Symbol string `yaml:"symbol"`
}

type DerivativesTableConfig struct {
	Start             string            `yaml:"start"`
	PartitionBySymbol bool              `yaml:"partition_by_symbol"`
	Partitions        map[string]string `yaml:"partitions"`
}

type StorageConfig struct {
	Driver  string        `yaml:"driver"`
	DataDir string        `yaml:"data_dir"`
	DSN     string        `yaml:"dsn"`
	Parquet ParquetConfig `yaml:"parquet"`
	S3      S3Config      `yaml:"s3"`
}

type ParquetConfig struct {
	Compression string `yaml:"compression"`
	Parallel    int64  `yaml:"parallel"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type RecoveryConfig struct {
	Dir string `yaml:"dir"`
}

type MetricsConfig struct {
	Pushgateway string           `yaml:"pushgateway"`
	Job         string           `yaml:"job"`
	CloudWatch  CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used for any key the file leaves out.
func Default() Config {
	return Config{
		Bhavflow: BhavflowConfig{
			Name:     "bhavflow",
			Version:  "dev",
			Timezone: "Asia/Kolkata",
		},
		Source: SourceConfig{
			Timeout:           60 * time.Second,
			RequestsPerSecond: 1,
			Burst:             1,
			ChunkDays:         360,
			MaxZipDepth:       2,
			Retry: RetryConfig{
				MaxAttempts:       4,
				BaseDelay:         2 * time.Second,
				MaxDelay:          30 * time.Second,
				BackoffMultiplier: 2,
			},
		},
		Tables: TablesConfig{
			Index: IndexTableConfig{
				Start: "1994-01-01",
				Indices: []IndexSpec{
					{Name: "NIFTY 50", Symbol: "NIFTY"},
					{Name: "NIFTY BANK", Symbol: "BANKNIFTY"},
				},
			},
			VIX:    TableConfig{Start: "2007-01-01"},
			Equity: TableConfig{Start: "1994-11-03"},
			Derivatives: DerivativesTableConfig{
				Start: "2000-06-12",
			},
		},
		Storage: StorageConfig{
			Driver:  "parquet",
			DataDir: "data",
			Parquet: ParquetConfig{Compression: "snappy", Parallel: 4},
		},
		Recovery: RecoveryConfig{Dir: "recovery"},
		Metrics:  MetricsConfig{Job: "bhavflow"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = ResolveConfigPath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnv overrides storage and credentials from the environment.
func applyEnv(config *Config) {
	if v := os.Getenv("BHAV_DSN"); v != "" {
		config.Storage.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("BHAV_DATA_DIR"); v != "" {
		config.Storage.DataDir = strings.TrimSpace(v)
	}
	if v := os.Getenv("BHAV_STORAGE_DRIVER"); v != "" {
		config.Storage.Driver = strings.TrimSpace(v)
	}
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Storage.Driver = strings.ToLower(config.Storage.Driver)
}

// Location returns the exchange time zone used to decide "today".
func (c *Config) Location() (*time.Location, error) {
	tz := c.Bhavflow.Timezone
	if tz == "" {
		tz = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return loc, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Bhavflow.Name == "" {
		return fmt.Errorf("bhavflow.name is required")
	}
	if _, err := cfg.Location(); err != nil {
		return fmt.Errorf("bhavflow.timezone: %w", err)
	}

	if cfg.Source.ChunkDays <= 0 {
		return fmt.Errorf("source.chunk_days must be greater than 0")
	}
	if cfg.Source.MaxZipDepth <= 0 {
		return fmt.Errorf("source.max_zip_depth must be greater than 0")
	}
	if cfg.Source.RequestsPerSecond <= 0 {
		return fmt.Errorf("source.requests_per_second must be greater than 0")
	}
	if cfg.Source.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("source.retry.max_attempts must be greater than 0")
	}
	if cfg.Source.Endpoints.Index == "" || cfg.Source.Endpoints.VIX == "" {
		return fmt.Errorf("source.endpoints.index and source.endpoints.vix are required")
	}
	for name, eps := range map[string][]ArchiveEndpoint{
		"equity":      cfg.Source.Endpoints.Equity,
		"derivatives": cfg.Source.Endpoints.Derivatives,
	} {
		if len(eps) == 0 {
			return fmt.Errorf("source.endpoints.%s needs at least one entry", name)
		}
		for i, ep := range eps {
			if ep.Archive == "" {
				return fmt.Errorf("source.endpoints.%s[%d].archive is required", name, i)
			}
			if _, err := time.Parse(DateLayout, ep.From); err != nil {
				return fmt.Errorf("source.endpoints.%s[%d].from: %w", name, i, err)
			}
		}
	}

	for name, start := range map[string]string{
		"index":       cfg.Tables.Index.Start,
		"vix":         cfg.Tables.VIX.Start,
		"equity":      cfg.Tables.Equity.Start,
		"derivatives": cfg.Tables.Derivatives.Start,
	} {
		if _, err := time.Parse(DateLayout, start); err != nil {
			return fmt.Errorf("tables.%s.start: %w", name, err)
		}
	}
	if len(cfg.Tables.Index.Indices) == 0 {
		return fmt.Errorf("tables.index.indices needs at least one index")
	}
	for i, idx := range cfg.Tables.Index.Indices {
		if idx.Name == "" || idx.Symbol == "" {
			return fmt.Errorf("tables.index.indices[%d] needs name and symbol", i)
		}
	}

	switch cfg.Storage.Driver {
	case "parquet", "memory":
		if cfg.Storage.Driver == "parquet" && cfg.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for the parquet driver")
		}
	case "postgres", "pgx", "sqlite":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the %s driver", cfg.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver '%s' is not supported", cfg.Storage.Driver)
	}
	switch cfg.Storage.Parquet.Compression {
	case "", "snappy", "gzip", "zstd", "none":
	default:
		return fmt.Errorf("storage.parquet.compression '%s' is not supported", cfg.Storage.Parquet.Compression)
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

// DateLayout is the layout of dates written in the configuration file.
const DateLayout = "2006-01-02"

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
