// Package config provides configuration management for Relay.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Relay.
type Config struct {
	Server    ServerConfig      `mapstructure:"server"`
	Database  DatabaseConfig    `mapstructure:"database"`
	Redis     RedisConfig       `mapstructure:"redis"`
	NATS      NATSConfig        `mapstructure:"nats"`
	Logging   LoggingConfig     `mapstructure:"logging"`
	Queue     QueueConfig       `mapstructure:"queue"`
	Worker    WorkerConfig      `mapstructure:"worker"`
	CLI       CLIConfig         `mapstructure:"cli"`
	FlowLog   FlowLogConfig     `mapstructure:"flowLog"`
	Workspace WorkspaceConfig   `mapstructure:"workspace"`
	Agent     AgentConfig       `mapstructure:"agent"`
	Services  ServicesConfig    `mapstructure:"services"`
	Webhooks  map[string]string `mapstructure:"webhookSecrets"` // provider -> secret
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects sqlite3 (Path) or pgx (the remaining fields).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite3, pgx
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// RedisConfig holds the connection settings for the queue and router sets.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig holds optional lifecycle event bus configuration.
// An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// QueueConfig holds priority queue tuning.
type QueueConfig struct {
	LeaseSeconds        int            `mapstructure:"leaseSeconds"`
	LeaseSecondsByClass map[string]int `mapstructure:"leaseSecondsByClass"` // priority class -> lease override
	MaxAttempts         int            `mapstructure:"maxAttempts"`
	DequeueBlockSeconds int            `mapstructure:"dequeueBlockSeconds"`
}

// WorkerConfig holds worker pool configuration.
type WorkerConfig struct {
	MaxConcurrentPerWorker int `mapstructure:"maxConcurrentPerWorker"`
	TaskDeadlineSeconds    int `mapstructure:"taskDeadlineSeconds"`
}

// CLIConfig selects and tunes the AI CLI subprocess.
type CLIConfig struct {
	Provider     string   `mapstructure:"provider"` // claude, cursor
	Binary       string   `mapstructure:"binary"`   // optional override of the provider default
	Model        string   `mapstructure:"model"`
	AllowedTools []string `mapstructure:"allowedTools"`
}

// FlowLogConfig holds the shared flow log root.
type FlowLogConfig struct {
	Root string `mapstructure:"root"`
}

// WorkspaceConfig holds repository workspace settings.
type WorkspaceConfig struct {
	Root              string `mapstructure:"root"`
	ReaperMaxAgeHours int    `mapstructure:"reaperMaxAgeHours"`
}

// AgentConfig identifies the agent account on the external services,
// used by the normalizer for trigger matching and loop prevention.
type AgentConfig struct {
	Handle        string   `mapstructure:"handle"`        // e.g. "@relay"
	SlashCommand  string   `mapstructure:"slashCommand"`  // e.g. "/relay"
	WatchedLabels []string `mapstructure:"watchedLabels"` // labels that trigger a task
	TrackerUser   string   `mapstructure:"trackerUser"`   // tracker account assigned to the agent
	ChatBotID     string   `mapstructure:"chatBotId"`     // our own bot id, ignored on inbound events
}

// ServicesConfig holds the per-service adapter base URLs.
type ServicesConfig struct {
	BaseURLs          map[string]string `mapstructure:"baseUrls"` // service kind -> URL
	MaxInFlight       int               `mapstructure:"maxInFlight"`
	RequestTimeoutSec int               `mapstructure:"requestTimeoutSeconds"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Lease returns the lease window for a priority class, falling back to the
// default when no per-class override exists.
func (q *QueueConfig) Lease(class string) time.Duration {
	if secs, ok := q.LeaseSecondsByClass[class]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(q.LeaseSeconds) * time.Second
}

// DequeueBlock returns the dequeue blocking window as a time.Duration.
func (q *QueueConfig) DequeueBlock() time.Duration {
	return time.Duration(q.DequeueBlockSeconds) * time.Second
}

// TaskDeadline returns the per-task wall-clock deadline.
func (w *WorkerConfig) TaskDeadline() time.Duration {
	return time.Duration(w.TaskDeadlineSeconds) * time.Second
}

// ReaperMaxAge returns the workspace reaper age threshold.
func (w *WorkspaceConfig) ReaperMaxAge() time.Duration {
	return time.Duration(w.ReaperMaxAgeHours) * time.Hour
}

// RequestTimeout returns the per-request timeout for service adapter calls.
func (s *ServicesConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSec) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "relay.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "relay")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "relay")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Empty URL means use the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "relay")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("queue.leaseSeconds", 900)
	v.SetDefault("queue.maxAttempts", 3)
	v.SetDefault("queue.dequeueBlockSeconds", 30)

	v.SetDefault("worker.maxConcurrentPerWorker", 1)
	v.SetDefault("worker.taskDeadlineSeconds", 1800)

	v.SetDefault("cli.provider", "claude")
	v.SetDefault("cli.binary", "")
	v.SetDefault("cli.model", "")
	v.SetDefault("cli.allowedTools", []string{})

	v.SetDefault("flowLog.root", "/data/logs/tasks")

	v.SetDefault("workspace.root", "/data/workspaces")
	v.SetDefault("workspace.reaperMaxAgeHours", 2)

	v.SetDefault("agent.handle", "@relay")
	v.SetDefault("agent.slashCommand", "/relay")
	v.SetDefault("agent.watchedLabels", []string{})
	v.SetDefault("agent.trackerUser", "relay-bot")
	v.SetDefault("agent.chatBotId", "")

	v.SetDefault("services.baseUrls", map[string]string{})
	v.SetDefault("services.maxInFlight", 8)
	v.SetDefault("services.requestTimeoutSeconds", 30)

	v.SetDefault("webhookSecrets", map[string]string{})
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("RELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RELAY_ with snake_case naming.
// The config file is config.yaml in the current directory or /etc/relay/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relay/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	if cfg.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if cfg.Queue.LeaseSeconds <= 0 {
		errs = append(errs, "queue.leaseSeconds must be positive")
	}
	if cfg.Queue.MaxAttempts <= 0 {
		errs = append(errs, "queue.maxAttempts must be positive")
	}
	if cfg.Worker.TaskDeadlineSeconds <= 0 {
		errs = append(errs, "worker.taskDeadlineSeconds must be positive")
	}
	if cfg.Worker.MaxConcurrentPerWorker <= 0 {
		errs = append(errs, "worker.maxConcurrentPerWorker must be positive")
	}

	if cfg.CLI.Provider != "claude" && cfg.CLI.Provider != "cursor" {
		errs = append(errs, "cli.provider must be one of: claude, cursor")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
