// Package config loads flowd process configuration from defaults, an
// optional YAML file, FLOW_* environment variables and bound flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/deepnoodle-ai/flow"
	"github.com/spf13/viper"
)

const EnvPrefix = "FLOW"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverDynamoDB = "dynamodb"
)

// Queue kinds.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Store       StoreConfig       `mapstructure:"store"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Checkpoint  CheckpointConfig  `mapstructure:"checkpoint"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Definitions DefinitionsConfig `mapstructure:"definitions"`
	Triggers    TriggersConfig    `mapstructure:"triggers"`
	AI          AIConfig          `mapstructure:"ai"`
	Shell       ShellConfig       `mapstructure:"shell"`
	Browser     BrowserConfig     `mapstructure:"browser"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json

	// StepsDir, when set, receives one JSONL step log per execution.
	StepsDir string `mapstructure:"steps_dir"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver         string `mapstructure:"driver"`
	DataDir        string `mapstructure:"data_dir"`
	PostgresDSN    string `mapstructure:"postgres_dsn"`
	DynamoDBTable  string `mapstructure:"dynamodb_table"`
	DynamoDBRegion string `mapstructure:"dynamodb_region"`
}

type RedisConfig struct {
	// Addr is empty when no Redis is deployed; leases then stay in memory.
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type EngineConfig struct {
	MaxSteps         int           `mapstructure:"max_steps"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	SnapshotInterval int           `mapstructure:"snapshot_interval"`
}

type CheckpointConfig struct {
	Buffer       int           `mapstructure:"buffer"`
	MaxRetries   int           `mapstructure:"max_retries"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type WorkerConfig struct {
	Queue       string        `mapstructure:"queue"`
	Concurrency int           `mapstructure:"concurrency"`
	LeaseTTL    time.Duration `mapstructure:"lease_ttl"`

	// Owner names this process in leases and in its Redis processing list.
	// Defaults to the host name.
	Owner string `mapstructure:"owner"`
}

type WebhookConfig struct {
	Tolerance time.Duration `mapstructure:"tolerance"`
}

type DefinitionsConfig struct {
	Dir string `mapstructure:"dir"`
}

type TriggersConfig struct {
	File string `mapstructure:"file"`
}

type AIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

type ShellConfig struct {
	// AllowedCommands is empty by default, which disables the shell task.
	// Use ["*"] to allow any program.
	AllowedCommands []string `mapstructure:"allowed_commands"`
	WorkingDir      string   `mapstructure:"working_dir"`
}

type BrowserConfig struct {
	RemoteURL string `mapstructure:"remote_url"`
	ExecPath  string `mapstructure:"exec_path"`
}

// SetDefaults registers every key with its default value. Registering all
// keys also lets environment variables override keys absent from the file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.steps_dir", "")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("store.driver", DriverFile)
	v.SetDefault("store.data_dir", "")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.dynamodb_table", "flow")
	v.SetDefault("store.dynamodb_region", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "flow")
	v.SetDefault("engine.max_steps", flow.DefaultMaxSteps)
	v.SetDefault("engine.execution_timeout", time.Duration(0))
	v.SetDefault("engine.snapshot_interval", 1)
	v.SetDefault("checkpoint.buffer", 256)
	v.SetDefault("checkpoint.max_retries", 5)
	v.SetDefault("checkpoint.write_timeout", 10*time.Second)
	v.SetDefault("worker.queue", QueueMemory)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.lease_ttl", 30*time.Second)
	v.SetDefault("worker.owner", "")
	v.SetDefault("webhook.tolerance", 5*time.Minute)
	v.SetDefault("definitions.dir", "workflows")
	v.SetDefault("triggers.file", "")
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "")
	v.SetDefault("shell.allowed_commands", []string{})
	v.SetDefault("shell.working_dir", "")
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.exec_path", "")
}

// New returns a viper instance with defaults and environment binding set
// up. Callers bind flags on it before calling Read.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration with no flags bound. path may be empty.
func Load(path string) (*Config, error) {
	return Read(New(), path)
}

// Read merges the optional file at path into v and decodes the result.
func Read(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Worker.Owner == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "flowd"
		}
		cfg.Worker.Owner = host
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerations and the settings each driver needs.
func (c *Config) Validate() error {
	var problems []error
	switch c.Store.Driver {
	case DriverMemory, DriverFile:
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			problems = append(problems, errors.New("store.postgres_dsn is required by the postgres driver"))
		}
	case DriverDynamoDB:
		if c.Store.DynamoDBTable == "" {
			problems = append(problems, errors.New("store.dynamodb_table is required by the dynamodb driver"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	switch c.Worker.Queue {
	case QueueMemory:
	case QueueRedis:
		if c.Redis.Addr == "" {
			problems = append(problems, errors.New("redis.addr is required by the redis queue"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown worker.queue %q", c.Worker.Queue))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	if c.Worker.Concurrency <= 0 {
		problems = append(problems, errors.New("worker.concurrency must be positive"))
	}
	return errors.Join(problems...)
}

// Logger builds the process logger.
func (c *Config) Logger() *slog.Logger {
	level := flow.ParseLogLevel(c.Log.Level)
	if c.Log.Format == "json" {
		return flow.NewJSONLogger(level)
	}
	return flow.NewLoggerWithLevel(level)
}
