// Package config loads the operation log settings from the environment and
// an optional YAML file, and builds the store stack they describe.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-durable/pkg/archiver"
	"github.com/Mindburn-Labs/helm-durable/pkg/blob"
	"github.com/Mindburn-Labs/helm-durable/pkg/compress"
	"github.com/Mindburn-Labs/helm-durable/pkg/observability"
	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
	"github.com/Mindburn-Labs/helm-durable/pkg/writer"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://helm.mindburn.dev/schemas/oplog-config.json"

// Indexed layer backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// ArchiveNone disables the archival layer.
const ArchiveNone = "none"

// Config holds the settings of every oplog component.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Writer    WriterConfig    `yaml:"writer"`
	Archiver  ArchiverConfig  `yaml:"archiver"`
	Retry     RetryConfig     `yaml:"retry"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig selects the indexed layer.
type StoreConfig struct {
	Backend       string `env:"OPLOG_INDEXED_BACKEND" envDefault:"memory" yaml:"backend"`
	SQLitePath    string `env:"OPLOG_SQLITE_PATH" envDefault:"data/oplog.db" yaml:"sqlite_path"`
	DatabaseURL   string `env:"DATABASE_URL" yaml:"database_url"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379" yaml:"redis_addr"`
	RedisPassword string `env:"REDIS_PASSWORD" yaml:"redis_password"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0" yaml:"redis_db"`
}

// ArchiveConfig selects the archival layer.
type ArchiveConfig struct {
	Backend     string `env:"OPLOG_ARCHIVE_BACKEND" envDefault:"fs" yaml:"backend"`
	Dir         string `env:"OPLOG_ARCHIVE_DIR" envDefault:"data/oplog-archive" yaml:"dir"`
	S3Bucket    string `env:"OPLOG_S3_BUCKET" yaml:"s3_bucket"`
	S3Region    string `env:"OPLOG_S3_REGION" envDefault:"us-east-1" yaml:"s3_region"`
	S3Endpoint  string `env:"OPLOG_S3_ENDPOINT" yaml:"s3_endpoint"`
	S3Prefix    string `env:"OPLOG_S3_PREFIX" yaml:"s3_prefix"`
	GCSBucket   string `env:"OPLOG_GCS_BUCKET" yaml:"gcs_bucket"`
	GCSPrefix   string `env:"OPLOG_GCS_PREFIX" yaml:"gcs_prefix"`
	Compression string `env:"OPLOG_ARCHIVE_COMPRESSION" envDefault:"zstd" yaml:"compression"`
	ChunkSize   int    `env:"OPLOG_ARCHIVE_CHUNK_SIZE" envDefault:"1024" yaml:"chunk_size"`
}

type WriterConfig struct {
	MaxOperationsBeforeCommit          int `env:"OPLOG_MAX_OPERATIONS_BEFORE_COMMIT" envDefault:"128" yaml:"max_operations_before_commit"`
	MaxOperationsBeforeCommitEphemeral int `env:"OPLOG_MAX_OPERATIONS_BEFORE_COMMIT_EPHEMERAL" envDefault:"512" yaml:"max_operations_before_commit_ephemeral"`
	MaxPayloadSize                     int `env:"OPLOG_MAX_PAYLOAD_SIZE" envDefault:"65536" yaml:"max_payload_size"`
}

type ArchiverConfig struct {
	Interval        time.Duration `env:"OPLOG_ARCHIVE_INTERVAL" envDefault:"30s" yaml:"interval"`
	ArchiveAge      time.Duration `env:"OPLOG_ARCHIVE_AGE" envDefault:"1h" yaml:"archive_age"`
	EntryCountLimit int           `env:"OPLOG_ENTRY_COUNT_LIMIT" envDefault:"1024" yaml:"entry_count_limit"`
	KeepInIndexed   int           `env:"OPLOG_KEEP_IN_INDEXED" envDefault:"128" yaml:"keep_in_indexed"`
	Rate            float64       `env:"OPLOG_ARCHIVE_RATE" envDefault:"10" yaml:"rate"`
	Burst           int           `env:"OPLOG_ARCHIVE_BURST" envDefault:"1" yaml:"burst"`
}

// RetryConfig is the default retry policy. The same policy drives retries
// of transient storage failures.
type RetryConfig struct {
	MaxAttempts  uint32        `env:"OPLOG_RETRY_MAX_ATTEMPTS" envDefault:"3" yaml:"max_attempts"`
	MinDelay     time.Duration `env:"OPLOG_RETRY_MIN_DELAY" envDefault:"100ms" yaml:"min_delay"`
	MaxDelay     time.Duration `env:"OPLOG_RETRY_MAX_DELAY" envDefault:"1s" yaml:"max_delay"`
	Multiplier   float64       `env:"OPLOG_RETRY_MULTIPLIER" envDefault:"3" yaml:"multiplier"`
	JitterFactor float64       `env:"OPLOG_RETRY_JITTER" envDefault:"0.15" yaml:"jitter_factor"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info" yaml:"level"`
	Format string `env:"LOG_FORMAT" envDefault:"text" yaml:"format"`
}

type TelemetryConfig struct {
	Enabled     bool    `env:"OTEL_ENABLED" envDefault:"false" yaml:"enabled"`
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317" yaml:"endpoint"`
	ServiceName string  `env:"OTEL_SERVICE_NAME" envDefault:"helm-durable" yaml:"service_name"`
	Environment string  `env:"HELM_ENV" envDefault:"development" yaml:"environment"`
	SampleRate  float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0" yaml:"sample_rate"`
	Insecure    bool    `env:"OTEL_INSECURE" envDefault:"false" yaml:"insecure"`
	CAFile      string  `env:"OTEL_CA_FILE" yaml:"ca_file"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	cfg, err := fromEnv()
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// LoadFile reads the environment and then overlays the YAML file at path.
// Keys present in the file win over the environment.
func LoadFile(path string) (Config, error) {
	cfg, err := fromEnv()
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := validateDocument(data); err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func fromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func validateDocument(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert to json: %w", err)
	}
	var inst any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&inst); err != nil {
		return fmt.Errorf("convert to json: %w", err)
	}
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

func compileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add config schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	return schema, nil
}

// Validate checks the loaded values. Environment input never goes through
// the schema, so the enum checks are repeated here.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store: postgres backend needs DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown backend %q", c.Store.Backend))
	}
	switch blob.StoreType(c.Archive.Backend) {
	case blob.StoreTypeFS:
	case blob.StoreTypeS3:
		if c.Archive.S3Bucket == "" {
			errs = append(errs, errors.New("archive: s3 backend needs a bucket"))
		}
	case blob.StoreTypeGCS:
		if c.Archive.GCSBucket == "" {
			errs = append(errs, errors.New("archive: gcs backend needs a bucket"))
		}
	default:
		if c.Archive.Backend != ArchiveNone {
			errs = append(errs, fmt.Errorf("archive: unknown backend %q", c.Archive.Backend))
		}
	}
	if _, err := compress.New(compress.Type(c.Archive.Compression)); err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	}
	if c.Writer.MaxOperationsBeforeCommit <= 0 || c.Writer.MaxOperationsBeforeCommitEphemeral <= 0 {
		errs = append(errs, errors.New("writer: commit thresholds must be positive"))
	}
	if c.Writer.MaxPayloadSize <= 0 {
		errs = append(errs, errors.New("writer: max payload size must be positive"))
	}
	if c.Archiver.Interval <= 0 {
		errs = append(errs, errors.New("archiver: interval must be positive"))
	}
	if c.Archiver.KeepInIndexed < 0 || c.Archiver.EntryCountLimit < 0 {
		errs = append(errs, errors.New("archiver: counts must not be negative"))
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (c Config) RetryPolicy() oplog.RetryPolicy {
	return oplog.RetryPolicy{
		MaxAttempts:  c.Retry.MaxAttempts,
		MinDelay:     c.Retry.MinDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Multiplier:   c.Retry.Multiplier,
		JitterFactor: c.Retry.JitterFactor,
	}
}

// WriterOptions returns the writer options shared by every worker. Per
// worker fields are filled in when the writer is opened.
func (c Config) WriterOptions() writer.Options {
	return writer.Options{
		MaxOperationsBeforeCommit:          c.Writer.MaxOperationsBeforeCommit,
		MaxOperationsBeforeCommitEphemeral: c.Writer.MaxOperationsBeforeCommitEphemeral,
		MaxPayloadSize:                     c.Writer.MaxPayloadSize,
	}
}

func (c Config) ArchiverConfig() archiver.Config {
	return archiver.Config{
		Interval:        c.Archiver.Interval,
		EntryCountLimit: c.Archiver.EntryCountLimit,
		ArchiveAge:      c.Archiver.ArchiveAge,
		KeepInIndexed:   c.Archiver.KeepInIndexed,
		Rate:            c.Archiver.Rate,
		Burst:           c.Archiver.Burst,
	}
}

func (c Config) ObservabilityConfig() *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.Telemetry.Enabled
	oc.OTLPEndpoint = c.Telemetry.Endpoint
	oc.ServiceName = c.Telemetry.ServiceName
	oc.Environment = c.Telemetry.Environment
	oc.SampleRate = c.Telemetry.SampleRate
	oc.Insecure = c.Telemetry.Insecure
	oc.CAFile = c.Telemetry.CAFile
	return oc
}

// BlobOptions describes the archival blob store.
func (c Config) BlobOptions() blob.Options {
	return blob.Options{
		Type: blob.StoreType(c.Archive.Backend),
		Dir:  c.Archive.Dir,
		S3: blob.S3StoreConfig{
			Bucket:   c.Archive.S3Bucket,
			Region:   c.Archive.S3Region,
			Endpoint: c.Archive.S3Endpoint,
			Prefix:   c.Archive.S3Prefix,
		},
		GCS: blob.GCSStoreConfig{
			Bucket: c.Archive.GCSBucket,
			Prefix: c.Archive.GCSPrefix,
		},
	}
}
