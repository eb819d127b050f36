package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/f1db-ingest/pkg/ingest"
	"github.com/txn2/f1db-ingest/pkg/storage/s3"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "f1db-ingest.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad_File(t *testing.T) {
	p := writeConfig(t, `
ingest:
  release_url: https://github.com/f1db/f1db/releases/download/v2025.3.0/f1db-csv.zip
  raw_dir: /data/raw
  bucket: f1db-raw
  prefix: raw/latest
  clean_before_merge: true
  timeout: 90s
storage:
  access_key_id: ${TEST_HMAC_KEY}
  secret_key: ${TEST_HMAC_SECRET}
  concurrency: 8
database:
  dsn: postgres://f1db@localhost/f1db?sslmode=disable
transform:
  project_dir: /app/dbt
  targets: [dev, final]
container:
  tty: false
logging:
  level: debug
  format: json
`)
	cfg, err := load(p, envMap(map[string]string{
		"TEST_HMAC_KEY":    "GOOG1E",
		"TEST_HMAC_SECRET": "s3cr3t",
	}))
	require.NoError(t, err)

	assert.Equal(t, "/data/raw", cfg.Ingest.RawDir)
	assert.True(t, cfg.Ingest.CleanBeforeMerge)
	assert.Equal(t, 90*time.Second, cfg.Ingest.Timeout)
	assert.Equal(t, "GOOG1E", cfg.Storage.AccessKeyID)
	assert.Equal(t, "s3cr3t", cfg.Storage.SecretKey)
	assert.Equal(t, 8, cfg.Storage.Concurrency)
	assert.Equal(t, []string{"dev", "final"}, cfg.Transform.Targets)
	assert.False(t, cfg.Container.TTYEnabled())
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.NoError(t, cfg.ValidateIngest())
}

func TestLoad_EnvOnly(t *testing.T) {
	cfg, err := load("", envMap(map[string]string{
		EnvReleaseURL:  "https://example.com/v2025.3.0/f1db-csv.zip",
		EnvRawDir:      "/data/raw",
		EnvBucket:      "bucket",
		EnvPrefix:      "raw/latest",
		EnvStagingDir:  "/tmp/staging",
		EnvAccessKey:   "key",
		EnvSecretKey:   "secret",
		EnvDatabaseURL: "postgres://localhost/f1db",
		EnvLogLevel:    "warn",
	}))
	require.NoError(t, err)

	ic := cfg.IngestSettings()
	assert.Equal(t, ingest.Config{
		ReleaseURL: "https://example.com/v2025.3.0/f1db-csv.zip",
		RawDir:     "/data/raw",
		Bucket:     "bucket",
		Prefix:     "raw/latest",
		StagingDir: "/tmp/staging",
	}, ic)
	assert.Equal(t, "postgres://localhost/f1db", cfg.Database.DSN)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.NoError(t, cfg.ValidateIngest())
}

func TestLoad_FileWinsOverEnv(t *testing.T) {
	p := writeConfig(t, "ingest:\n  bucket: from-file\n")
	cfg, err := load(p, envMap(map[string]string{EnvBucket: "from-env", EnvPrefix: "env-prefix"}))
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Ingest.Bucket)
	assert.Equal(t, "env-prefix", cfg.Ingest.Prefix)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load("", envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, PublisherS3, cfg.Storage.Publisher)
	assert.Equal(t, s3.DefaultEndpoint, cfg.Storage.Endpoint)
	assert.Equal(t, defaultConcurrency, cfg.Storage.Concurrency)
	assert.Equal(t, defaultTimeout, cfg.Ingest.Timeout)
	assert.Equal(t, defaultRetentionDays, cfg.Database.RetentionDays)
	assert.Equal(t, "dbt", cfg.Transform.Binary)
	assert.Equal(t, []string{"dev", "semi", "final"}, cfg.Transform.Targets)
	assert.Equal(t, "docker", cfg.Container.Binary)
	assert.Equal(t, "ingestion", cfg.Container.Ingestion)
	assert.Equal(t, "dbt", cfg.Container.Transform)
	assert.Equal(t, "f1db-ingest", cfg.Container.IngestEntrypoint)
	assert.True(t, cfg.Container.TTYEnabled())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "absent.yaml"), envMap(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")

	_, err = load(writeConfig(t, "ingest: [not, a, map]"), envMap(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestValidateIngest_Missing(t *testing.T) {
	cfg, err := load("", envMap(nil))
	require.NoError(t, err)

	err = cfg.ValidateIngest()
	require.Error(t, err)
	assert.Equal(t, ingest.KindConfiguration, ingest.KindOf(err))
	for _, want := range []string{
		"ingest.release_url is required (or set F1DB_RELEASE_URL)",
		"ingest.raw_dir is required (or set RAW_DATA_DIR)",
		"ingest.bucket is required (or set GCS_BUCKET)",
		"ingest.prefix is required (or set GCS_PREFIX)",
		"storage.access_key_id is required",
		"storage.secret_key is required",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateIngest_MemoryPublisherNeedsNoKeys(t *testing.T) {
	cfg, err := load(writeConfig(t, "storage:\n  publisher: memory\n"), envMap(map[string]string{
		EnvReleaseURL: "u", EnvRawDir: "r", EnvBucket: "b", EnvPrefix: "p",
	}))
	require.NoError(t, err)
	assert.NoError(t, cfg.ValidateIngest())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "publisher", yaml: "storage:\n  publisher: ftp\n", want: `storage.publisher "ftp"`},
		{name: "concurrency", yaml: "storage:\n  concurrency: -1\n", want: "storage.concurrency"},
		{name: "level", yaml: "logging:\n  level: loud\n", want: `logging.level "loud"`},
		{name: "format", yaml: "logging:\n  format: xml\n", want: `logging.format "xml"`},
		{name: "targets", yaml: "transform:\n  targets: [dev, '']\n", want: "transform.targets"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := load(writeConfig(t, tt.yaml), envMap(nil))
			require.NoError(t, err)

			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, ingest.KindConfiguration, ingest.KindOf(err))
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	got := expandEnvVars("a=${A} b=${B} c=$C", envMap(map[string]string{"A": "1", "C": "3"}))
	assert.Equal(t, "a=1 b= c=$C", got)
}

func TestSettings(t *testing.T) {
	cfg, err := load(writeConfig(t, `
storage:
  endpoint: http://minio:9000
  region: us-east-1
  access_key_id: k
  secret_key: s
  create_bucket: true
  verify: true
transform:
  project_dir: /app/dbt
`), envMap(nil))
	require.NoError(t, err)

	sc := cfg.StorageSettings()
	assert.Equal(t, "http://minio:9000", sc.Endpoint)
	assert.Equal(t, "us-east-1", sc.Region)
	assert.True(t, sc.CreateBucket)
	assert.True(t, sc.Verify)

	tc := cfg.TransformSettings()
	assert.Equal(t, "/app/dbt", tc.ProjectDir)
	assert.Equal(t, "dbt", tc.Binary)
}

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"debug", "INFO", "", "warn", "warning", "error"} {
		_, err := ParseLevel(name)
		assert.NoError(t, err, name)
	}
	_, err := ParseLevel("trace")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf).Info("hidden")
	assert.Empty(t, buf.String())

	LoggingConfig{Level: "debug", Format: "json"}.NewLogger(&buf).Debug("shown", "k", "v")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "v", line["k"])

	buf.Reset()
	LoggingConfig{}.NewLogger(&buf).Info("text")
	assert.True(t, strings.Contains(buf.String(), "msg=text"))
}
