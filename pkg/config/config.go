// Package config loads f1db-ingest configuration from an optional YAML file
// and the environment.
//
// File values win. Environment variables fill whatever the file leaves
// empty, so a bare container can run from environment alone.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/f1db-ingest/pkg/container"
	"github.com/txn2/f1db-ingest/pkg/ingest"
	"github.com/txn2/f1db-ingest/pkg/storage/s3"
	"github.com/txn2/f1db-ingest/pkg/transform"
)

// Publisher names accepted in storage.publisher.
const (
	PublisherS3     = "s3"
	PublisherMemory = "memory"
	PublisherNoop   = "noop"
)

// Environment variables read as fallbacks.
const (
	EnvReleaseURL     = "F1DB_RELEASE_URL"
	EnvRawDir         = "RAW_DATA_DIR"
	EnvBucket         = "GCS_BUCKET"
	EnvPrefix         = "GCS_PREFIX"
	EnvStagingDir     = "STAGING_DIR"
	EnvAccessKey      = "GCS_HMAC_ACCESS_KEY"
	EnvSecretKey      = "GCS_HMAC_SECRET"
	EnvStorageURL     = "STORAGE_ENDPOINT"
	EnvDatabaseURL    = "DATABASE_URL"
	EnvHistoryFile    = "HISTORY_FILE"
	EnvPushgatewayURL = "PUSHGATEWAY_URL"
	EnvDBTProjectDir  = "DBT_PROJECT_DIR"
	EnvLogLevel       = "LOG_LEVEL"
	EnvLogFormat      = "LOG_FORMAT"
)

const (
	defaultTimeout       = 10 * time.Minute
	defaultMaxOpenConns  = 5
	defaultRetentionDays = 90
	defaultConcurrency   = 4
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
)

// Config is the full f1db-ingest configuration.
type Config struct {
	Ingest    IngestConfig    `yaml:"ingest"`
	Storage   StorageConfig   `yaml:"storage"`
	Database  DatabaseConfig  `yaml:"database"`
	History   HistoryConfig   `yaml:"history"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Transform TransformConfig `yaml:"transform"`
	Container ContainerConfig `yaml:"container"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// IngestConfig configures the ingestion run.
type IngestConfig struct {
	ReleaseURL       string        `yaml:"release_url"`
	RawDir           string        `yaml:"raw_dir"`
	Bucket           string        `yaml:"bucket"`
	Prefix           string        `yaml:"prefix"`
	StagingDir       string        `yaml:"staging_dir"`
	CleanBeforeMerge bool          `yaml:"clean_before_merge"`
	UserAgent        string        `yaml:"user_agent"`
	Timeout          time.Duration `yaml:"timeout"`
}

// StorageConfig configures the remote mirror.
type StorageConfig struct {
	// Publisher selects the backend: s3 (default), memory or noop.
	Publisher    string `yaml:"publisher"`
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	AccessKeyID  string `yaml:"access_key_id"`
	SecretKey    string `yaml:"secret_key"`
	UseSSL       bool   `yaml:"use_ssl"`
	Concurrency  int    `yaml:"concurrency"`
	CreateBucket bool   `yaml:"create_bucket"`
	// Verify lists the bucket prefix after each upload to confirm it.
	Verify       bool   `yaml:"verify"`
}

// DatabaseConfig configures the run history database.
type DatabaseConfig struct {
	DSN           string `yaml:"dsn"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
	RetentionDays int    `yaml:"retention_days"`
}

// HistoryConfig configures the file recorder used without a database.
type HistoryConfig struct {
	File string `yaml:"file"`
}

// MetricsConfig configures the Pushgateway.
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// TransformConfig configures dbt.
type TransformConfig struct {
	Binary     string   `yaml:"binary"`
	ProjectDir string   `yaml:"project_dir"`
	Targets    []string `yaml:"targets"`
}

// ContainerConfig configures the host-side docker exec wrapper.
type ContainerConfig struct {
	Binary           string `yaml:"binary"`
	Ingestion        string `yaml:"ingestion"`
	Transform        string `yaml:"transform"`
	IngestEntrypoint string `yaml:"ingest_entrypoint"`
	TTY              *bool  `yaml:"tty"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path, when not empty, and fills the result from the
// environment and defaults.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	var cfg Config
	if path != "" {
		// #nosec G304 -- path is from CLI args, controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		data = []byte(expandEnvVars(string(data), getenv))

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	applyEnv(&cfg, getenv)
	applyDefaults(&cfg)
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string, getenv func(string) string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return getenv(varName)
	})
}

// applyEnv fills empty fields from the environment.
func applyEnv(cfg *Config, getenv func(string) string) {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = getenv(key)
		}
	}
	fill(&cfg.Ingest.ReleaseURL, EnvReleaseURL)
	fill(&cfg.Ingest.RawDir, EnvRawDir)
	fill(&cfg.Ingest.Bucket, EnvBucket)
	fill(&cfg.Ingest.Prefix, EnvPrefix)
	fill(&cfg.Ingest.StagingDir, EnvStagingDir)
	fill(&cfg.Storage.AccessKeyID, EnvAccessKey)
	fill(&cfg.Storage.SecretKey, EnvSecretKey)
	fill(&cfg.Storage.Endpoint, EnvStorageURL)
	fill(&cfg.Database.DSN, EnvDatabaseURL)
	fill(&cfg.History.File, EnvHistoryFile)
	fill(&cfg.Metrics.PushgatewayURL, EnvPushgatewayURL)
	fill(&cfg.Transform.ProjectDir, EnvDBTProjectDir)
	fill(&cfg.Logging.Level, EnvLogLevel)
	fill(&cfg.Logging.Format, EnvLogFormat)
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Ingest.Timeout == 0 {
		cfg.Ingest.Timeout = defaultTimeout
	}
	if cfg.Storage.Publisher == "" {
		cfg.Storage.Publisher = PublisherS3
	}
	if cfg.Storage.Endpoint == "" {
		cfg.Storage.Endpoint = s3.DefaultEndpoint
	}
	if cfg.Storage.Concurrency == 0 {
		cfg.Storage.Concurrency = defaultConcurrency
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = defaultMaxOpenConns
	}
	if cfg.Database.RetentionDays == 0 {
		cfg.Database.RetentionDays = defaultRetentionDays
	}
	if cfg.Transform.Binary == "" {
		cfg.Transform.Binary = transform.DefaultBinary
	}
	if len(cfg.Transform.Targets) == 0 {
		cfg.Transform.Targets = slices.Clone(transform.DefaultTargets)
	}
	if cfg.Container.Binary == "" {
		cfg.Container.Binary = container.DefaultBinary
	}
	if cfg.Container.Ingestion == "" {
		cfg.Container.Ingestion = container.DefaultIngestionName
	}
	if cfg.Container.Transform == "" {
		cfg.Container.Transform = container.DefaultTransformName
	}
	if cfg.Container.IngestEntrypoint == "" {
		cfg.Container.IngestEntrypoint = container.DefaultIngestEntrypoint
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogFormat
	}
}

// IngestSettings returns the orchestrator configuration.
func (c *Config) IngestSettings() ingest.Config {
	return ingest.Config{
		ReleaseURL:       c.Ingest.ReleaseURL,
		RawDir:           c.Ingest.RawDir,
		Bucket:           c.Ingest.Bucket,
		Prefix:           c.Ingest.Prefix,
		StagingDir:       c.Ingest.StagingDir,
		CleanBeforeMerge: c.Ingest.CleanBeforeMerge,
	}
}

// StorageSettings returns the S3 adapter configuration.
func (c *Config) StorageSettings() s3.Config {
	return s3.Config{
		Endpoint:     c.Storage.Endpoint,
		Region:       c.Storage.Region,
		AccessKeyID:  c.Storage.AccessKeyID,
		SecretKey:    c.Storage.SecretKey,
		UseSSL:       c.Storage.UseSSL,
		Concurrency:  c.Storage.Concurrency,
		CreateBucket: c.Storage.CreateBucket,
		Verify:       c.Storage.Verify,
	}
}

// TTYEnabled reports whether docker exec gets "-it". Defaults to true.
func (c ContainerConfig) TTYEnabled() bool {
	return c.TTY == nil || *c.TTY
}

// TransformSettings returns the dbt configuration.
func (c *Config) TransformSettings() transform.Config {
	return transform.Config{
		Binary:     c.Transform.Binary,
		ProjectDir: c.Transform.ProjectDir,
		Targets:    c.Transform.Targets,
	}
}

// Validate checks values shared by every command. Required ingestion
// inputs are checked by ValidateIngest.
func (c *Config) Validate() error {
	var errs []string

	switch c.Storage.Publisher {
	case PublisherS3, PublisherMemory, PublisherNoop:
	default:
		errs = append(errs, fmt.Sprintf("storage.publisher %q is not one of s3, memory, noop", c.Storage.Publisher))
	}
	if c.Storage.Concurrency < 0 {
		errs = append(errs, "storage.concurrency must not be negative")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Sprintf("logging.format %q is not one of text, json", c.Logging.Format))
	}
	for _, target := range c.Transform.Targets {
		if strings.TrimSpace(target) == "" {
			errs = append(errs, "transform.targets must not contain empty names")
			break
		}
	}

	return joinErrors(errs)
}

// ValidateIngest checks everything an ingestion run needs.
func (c *Config) ValidateIngest() error {
	var errs []string
	if err := c.Validate(); err != nil {
		errs = append(errs, unwrapMessage(err))
	}

	required := []struct {
		value, field, env string
	}{
		{c.Ingest.ReleaseURL, "ingest.release_url", EnvReleaseURL},
		{c.Ingest.RawDir, "ingest.raw_dir", EnvRawDir},
		{c.Ingest.Bucket, "ingest.bucket", EnvBucket},
		{c.Ingest.Prefix, "ingest.prefix", EnvPrefix},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Sprintf("%s is required (or set %s)", r.field, r.env))
		}
	}
	if c.Storage.Publisher == PublisherS3 {
		if c.Storage.AccessKeyID == "" {
			errs = append(errs, fmt.Sprintf("storage.access_key_id is required (or set %s)", EnvAccessKey))
		}
		if c.Storage.SecretKey == "" {
			errs = append(errs, fmt.Sprintf("storage.secret_key is required (or set %s)", EnvSecretKey))
		}
	}

	return joinErrors(errs)
}

func joinErrors(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return &ingest.Error{
		Kind: ingest.KindConfiguration,
		Op:   "validating config",
		Err:  errors.New(strings.Join(errs, "; ")),
	}
}

func unwrapMessage(err error) string {
	var ie *ingest.Error
	if errors.As(err, &ie) {
		return ie.Err.Error()
	}
	return err.Error()
}
