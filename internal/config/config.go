// Package config provides YAML-based configuration loading for Workdesk.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Workdesk configuration, loaded from workdesk.yaml.
type Config struct {
	Database    DatabaseConfig   `yaml:"database"`
	Server      ServerConfig     `yaml:"server"`
	Attachments AttachmentConfig `yaml:"attachments"`
	Broadcast   BroadcastConfig  `yaml:"broadcast"`
	Archive     ArchiveConfig    `yaml:"archive"`
	Notify      NotifyConfig     `yaml:"notify"`
	Log         LogConfig        `yaml:"log"`
}

// DatabaseConfig selects the gorm dialector and its connection settings.
// DSN, when set, wins over the individual fields.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // sqlite, mysql, postgres
	DSN      string `yaml:"dsn"`
	Path     string `yaml:"path"` // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ServerConfig holds HTTP listener and identity gate settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	JWTSecret       string        `yaml:"jwt_secret"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxMemoryBytes  int64         `yaml:"max_memory_bytes"` // multipart bytes kept in RAM before spooling to disk
}

// AttachmentConfig holds attachment storage and validation limits.
type AttachmentConfig struct {
	Path              string        `yaml:"path"` // badger directory
	ChunkBytes        int           `yaml:"chunk_bytes"`
	MaxBytes          int64         `yaml:"max_bytes"`
	AllowedExtensions []string      `yaml:"allowed_extensions"`
	AllowedTypes      []string      `yaml:"allowed_types"`
	IOTimeout         time.Duration `yaml:"io_timeout"`
	UploadConcurrency int           `yaml:"upload_concurrency"`
}

// BroadcastConfig holds push cadence for subscribers.
type BroadcastConfig struct {
	Heartbeat    time.Duration `yaml:"heartbeat"`
	PollInterval time.Duration `yaml:"poll_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Buffer       int           `yaml:"buffer"`
}

// ArchiveConfig controls the scheduled unpost sweep. An empty Schedule
// disables it.
type ArchiveConfig struct {
	Schedule  string `yaml:"schedule"`
	AfterDays int    `yaml:"after_days"`
}

// NotifyConfig holds chat platform credentials for transition notices.
type NotifyConfig struct {
	Slack   ChatConfig `yaml:"slack"`
	Discord ChatConfig `yaml:"discord"`
}

// ChatConfig is a bot token plus the channel notices are posted to.
type ChatConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether both a token and a channel are configured.
func (c ChatConfig) Enabled() bool {
	return c.BotToken != "" && c.ChannelID != ""
}

// LogConfig controls the logrus logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
	File   string `yaml:"file"`
}

// DefaultAllowedExtensions is the attachment extension allow-list used when
// none is configured.
var DefaultAllowedExtensions = []string{".pdf", ".png", ".jpg", ".jpeg", ".gif", ".txt", ".csv", ".doc", ".docx", ".xls", ".xlsx", ".zip"}

// DefaultAllowedTypes is the attachment media type allow-list used when
// none is configured.
var DefaultAllowedTypes = []string{
	"application/pdf",
	"image/png",
	"image/jpeg",
	"image/gif",
	"text/plain",
	"text/csv",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/zip",
	"application/octet-stream",
}

// Load reads a YAML config file from path and returns a validated Config.
// Environment overrides (WD_*) are applied after the file is parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays values from the environment.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("WD_DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := getenv("WD_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := getenv("WD_DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := getenv("WD_JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := getenv("WD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := getenv("WD_SLACK_BOT_TOKEN"); v != "" {
		c.Notify.Slack.BotToken = v
	}
	if v := getenv("WD_DISCORD_BOT_TOKEN"); v != "" {
		c.Notify.Discord.BotToken = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" && c.Database.DSN == "" {
		c.Database.Path = "workdesk.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		switch c.Database.Driver {
		case "mysql":
			c.Database.Port = 3306
		case "postgres":
			c.Database.Port = 5432
		}
	}
	if c.Database.Name == "" {
		c.Database.Name = "workdesk"
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.MaxMemoryBytes == 0 {
		c.Server.MaxMemoryBytes = 8 << 20
	}

	if c.Attachments.Path == "" {
		c.Attachments.Path = "data/attachments"
	}
	if c.Attachments.ChunkBytes == 0 {
		c.Attachments.ChunkBytes = 255 << 10
	}
	if c.Attachments.MaxBytes == 0 {
		c.Attachments.MaxBytes = 10 << 20
	}
	if len(c.Attachments.AllowedExtensions) == 0 {
		c.Attachments.AllowedExtensions = append([]string(nil), DefaultAllowedExtensions...)
	}
	for i, ext := range c.Attachments.AllowedExtensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.Attachments.AllowedExtensions[i] = ext
	}
	if len(c.Attachments.AllowedTypes) == 0 {
		c.Attachments.AllowedTypes = append([]string(nil), DefaultAllowedTypes...)
	}
	if c.Attachments.IOTimeout == 0 {
		c.Attachments.IOTimeout = 30 * time.Second
	}
	if c.Attachments.UploadConcurrency == 0 {
		c.Attachments.UploadConcurrency = 4
	}

	if c.Broadcast.Heartbeat == 0 {
		c.Broadcast.Heartbeat = 15 * time.Second
	}
	if c.Broadcast.PollInterval == 0 {
		c.Broadcast.PollInterval = 3 * time.Second
	}
	if c.Broadcast.WriteTimeout == 0 {
		c.Broadcast.WriteTimeout = 5 * time.Second
	}
	if c.Broadcast.Buffer == 0 {
		c.Broadcast.Buffer = 4
	}

	if c.Archive.AfterDays == 0 {
		c.Archive.AfterDays = 30
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql, postgres)", c.Database.Driver))
	}
	if c.Server.JWTSecret == "" {
		errs = append(errs, "server.jwt_secret is required")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Attachments.ChunkBytes < 1024 {
		errs = append(errs, "attachments.chunk_bytes must be at least 1024")
	}
	if c.Attachments.MaxBytes < 0 {
		errs = append(errs, "attachments.max_bytes must not be negative")
	}
	if c.Attachments.UploadConcurrency < 0 {
		errs = append(errs, "attachments.upload_concurrency must not be negative")
	}
	if c.Broadcast.Buffer < 1 {
		errs = append(errs, "broadcast.buffer must be at least 1")
	}
	if c.Archive.AfterDays < 0 {
		errs = append(errs, "archive.after_days must not be negative")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not supported (text, json)", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
