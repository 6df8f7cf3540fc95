// Package config loads daemon settings from the environment and workflow
// definitions from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/petrijr/steward/internal/ingress"
	"github.com/petrijr/steward/pkg/api"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "STEWARD_"

type (
	Config struct {
		HTTP        HTTP
		Log         Log
		Store       Store
		Queue       Queue
		Redis       Redis
		Mongo       Mongo
		Worker      Worker
		Approval    Approval
		Ingress     Ingress
		Maintenance Maintenance
		Kafka       Kafka
		S3          S3
		Telemetry   Telemetry

		// Definitions is the path of the workflow/rule YAML file.
		Definitions string `env:"DEFINITIONS" envDefault:"configs/definitions.yaml"`
	}

	HTTP struct {
		Addr            string        `env:"HTTP_ADDR" envDefault:":8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"10s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
		MaxBodyBytes    int64         `env:"HTTP_MAX_BODY_BYTES" envDefault:"1048576"`
	}

	Log struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
	}

	// Store selects the persistence backend: memory, sqlite or postgres.
	Store struct {
		Driver  string `env:"STORE_DRIVER" envDefault:"sqlite"`
		DSN     string `env:"STORE_DSN" envDefault:"file:steward.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"`
		PoolMax int    `env:"STORE_POOL_MAX" envDefault:"10"`
	}

	// Queue selects the job queue backend: memory, sql, redis or mongo. The
	// sql backend shares the store's database.
	Queue struct {
		Backend           string        `env:"QUEUE_BACKEND" envDefault:"sql"`
		VisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" envDefault:"5m"`
		Prefix            string        `env:"QUEUE_PREFIX" envDefault:"steward"`
	}

	Redis struct {
		Addr     string `env:"REDIS_ADDR"`
		Password string `env:"REDIS_PASSWORD"`
		DB       int    `env:"REDIS_DB" envDefault:"0"`
	}

	Mongo struct {
		URI        string `env:"MONGO_URI"`
		Database   string `env:"MONGO_DATABASE" envDefault:"steward"`
		Collection string `env:"MONGO_COLLECTION" envDefault:"invocations"`
	}

	Worker struct {
		Concurrency       int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
		PollInterval      time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"500ms"`
		ActionTimeout     time.Duration `env:"WORKER_ACTION_TIMEOUT" envDefault:"2m"`
		HeartbeatInterval time.Duration `env:"WORKER_HEARTBEAT_INTERVAL" envDefault:"30s"`

		// Idempotency selects where action side effects are de-duplicated:
		// memory or redis.
		Idempotency    string        `env:"WORKER_IDEMPOTENCY" envDefault:"memory"`
		IdempotencyTTL time.Duration `env:"WORKER_IDEMPOTENCY_TTL" envDefault:"168h"`
	}

	Approval struct {
		TTL time.Duration `env:"APPROVAL_TTL" envDefault:"24h"`
	}

	// Ingress rate limits are "source:events_per_second" pairs, for
	// example "email:5,chat:20".
	Ingress struct {
		RateLimits map[string]float64 `env:"INGRESS_RATE_LIMITS"`
		RateBurst  int                `env:"INGRESS_RATE_BURST" envDefault:"10"`
	}

	Maintenance struct {
		Retention  time.Duration `env:"RETENTION" envDefault:"2160h"`
		PurgeBatch int           `env:"PURGE_BATCH" envDefault:"500"`
		Scheduler  bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
	}

	Kafka struct {
		Brokers       []string      `env:"KAFKA_BROKERS"`
		GroupID       string        `env:"KAFKA_GROUP_ID" envDefault:"steward"`
		Topic         string        `env:"KAFKA_TOPIC" envDefault:"steward.events"`
		CommitTimeout time.Duration `env:"KAFKA_COMMIT_TIMEOUT" envDefault:"5s"`
	}

	S3 struct {
		Endpoint     string `env:"S3_ENDPOINT"`
		Region       string `env:"S3_REGION" envDefault:"us-east-1"`
		AccessKey    string `env:"S3_ACCESS_KEY"`
		SecretKey    string `env:"S3_SECRET_KEY"`
		Bucket       string `env:"S3_BUCKET"`
		Prefix       string `env:"S3_PREFIX" envDefault:"steward"`
		UsePathStyle bool   `env:"S3_USE_PATH_STYLE" envDefault:"true"`
	}

	Telemetry struct {
		Enabled     bool   `env:"TELEMETRY_ENABLED" envDefault:"false"`
		ServiceName string `env:"TELEMETRY_SERVICE_NAME" envDefault:"stewardd"`
	}
)

// Load reads optional .env files, then parses the process environment.
// Missing files are ignored; with no arguments ".env" is tried.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return Parse(nil)
}

// Parse builds a Config from environ, or from the process environment when
// environ is nil.
func Parse(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store driver %q: want memory, sqlite or postgres", c.Store.Driver))
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		errs = append(errs, errors.New("store dsn is required"))
	}

	switch c.Queue.Backend {
	case "memory":
		if c.Store.Driver != "memory" {
			errs = append(errs, errors.New("memory queue needs the memory store"))
		}
	case "sql":
		if c.Store.Driver == "memory" {
			errs = append(errs, errors.New("sql queue needs a sqlite or postgres store"))
		}
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis queue needs REDIS_ADDR"))
		}
	case "mongo":
		if c.Mongo.URI == "" {
			errs = append(errs, errors.New("mongo queue needs MONGO_URI"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue backend %q: want memory, sql, redis or mongo", c.Queue.Backend))
	}

	switch c.Worker.Idempotency {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis idempotency needs REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("idempotency store %q: want memory or redis", c.Worker.Idempotency))
	}
	if c.Worker.HeartbeatInterval >= c.Queue.VisibilityTimeout {
		errs = append(errs, fmt.Errorf("worker heartbeat %s must be shorter than the visibility timeout %s",
			c.Worker.HeartbeatInterval, c.Queue.VisibilityTimeout))
	}

	for src := range c.Ingress.RateLimits {
		if !api.SourceType(src).Valid() {
			errs = append(errs, fmt.Errorf("rate limit for unknown source %q", src))
		}
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log format %q: want json or text", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// RateLimits converts the ingress settings for ingress.Config.
func (c *Config) RateLimits() map[api.SourceType]ingress.RateLimit {
	if len(c.Ingress.RateLimits) == 0 {
		return nil
	}
	out := make(map[api.SourceType]ingress.RateLimit, len(c.Ingress.RateLimits))
	for src, perSecond := range c.Ingress.RateLimits {
		out[api.SourceType(src)] = ingress.RateLimit{PerSecond: perSecond, Burst: c.Ingress.RateBurst}
	}
	return out
}

// KafkaEnabled reports whether a Kafka consumer should run.
func (c *Config) KafkaEnabled() bool { return len(c.Kafka.Brokers) > 0 }

// ArchiveEnabled reports whether purged events are archived to S3.
func (c *Config) ArchiveEnabled() bool { return c.S3.Bucket != "" }

// SlogLevel parses Level.
func (l Log) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", l.Level, err)
	}
	return lvl, nil
}

// NewLogger builds the process logger from l.
func (l Log) NewLogger(w io.Writer) *slog.Logger {
	lvl, err := l.SlogLevel()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
