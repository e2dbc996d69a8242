// Package config loads and exposes application configuration (TOML).
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath     = "config.toml"
	DefaultHTTPAddr       = ":8002"
	DefaultPGHost         = "127.0.0.1"
	DefaultPGPort         = 5432
	DefaultPGUser         = "postgres"
	DefaultPGDatabase     = "megatron"
	DefaultPGSSLMode      = "disable"
	DefaultBotName        = "Teampay"
	DefaultChannelPrefix  = "zz-"
	DefaultS3Region       = "us-east-2"
	DefaultS3Folder       = "temp"
	DefaultArchiveSweep   = "@every 10m"
	DefaultPauseReminder  = "@every 1m"
	DefaultUserRefresh    = "@daily"
	DefaultRequestTimeout = 10
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Slack    SlackConfig    `toml:"slack"`
	Storage  StorageConfig  `toml:"storage"`
	Relay    RelayConfig    `toml:"relay"`
	Sweep    SweepConfig    `toml:"sweep"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the HTTP server listen address.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// SlackConfig holds the Slack webhook verification token and an optional
// API base URL override (tests point this at a local fake).
type SlackConfig struct {
	VerificationToken string `toml:"verification_token"`
	APIBaseURL        string `toml:"api_base_url"`
	RequestTimeout    int    `toml:"request_timeout_seconds"`
}

// StorageConfig holds the S3 bucket used for re-hosted attachments.
type StorageConfig struct {
	Bucket string `toml:"bucket"`
	Region string `toml:"region"`
	Folder string `toml:"folder"`
}

// RelayConfig holds relay identity and formatting settings.
type RelayConfig struct {
	BotName             string `toml:"bot_name"`
	BotIconEmoji        string `toml:"bot_icon_emoji"`
	ChannelPrefix       string `toml:"channel_prefix"`
	NotificationChannel string `toml:"notification_channel"`
}

// SweepConfig holds cron specs for the periodic maintenance jobs.
type SweepConfig struct {
	ArchiveSpec  string `toml:"archive_spec"`
	ReminderSpec string `toml:"reminder_spec"`
	RefreshSpec  string `toml:"refresh_spec"`
}

// Load reads and parses the TOML config file at path and applies default values for missing fields.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Slack: SlackConfig{
			RequestTimeout: DefaultRequestTimeout,
		},
		Storage: StorageConfig{
			Region: DefaultS3Region,
			Folder: DefaultS3Folder,
		},
		Relay: RelayConfig{
			BotName:             DefaultBotName,
			BotIconEmoji:        ":robot_face:",
			ChannelPrefix:       DefaultChannelPrefix,
			NotificationChannel: "#customer-service",
		},
		Sweep: SweepConfig{
			ArchiveSpec:  DefaultArchiveSweep,
			ReminderSpec: DefaultPauseReminder,
			RefreshSpec:  DefaultUserRefresh,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
