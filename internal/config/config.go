package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Broker   BrokerConfig   `mapstructure:"broker"`
	Presence PresenceConfig `mapstructure:"presence"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Room     RoomConfig     `mapstructure:"room"`
	Replay   ReplayConfig   `mapstructure:"replay"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type BrokerConfig struct {
	URL               string `mapstructure:"url"`
	ClientID          string `mapstructure:"client_id"`
	KeepAliveSec      int    `mapstructure:"keepalive_sec"`
	ConnectTimeoutSec int    `mapstructure:"connect_timeout_sec"`
}

type PresenceConfig struct {
	HeartbeatIntervalMS int `mapstructure:"heartbeat_interval_ms"`
	MaxMissed           int `mapstructure:"max_missed"`
}

type SyncConfig struct {
	AckTimeoutMS int `mapstructure:"ack_timeout_ms"`
}

type RoomConfig struct {
	JoinTimeoutMS int `mapstructure:"join_timeout_ms"`
	CodeAttempts  int `mapstructure:"code_attempts"`
}

type ReplayConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSec     int    `mapstructure:"timeout_sec"`
	RatePerSecond  int    `mapstructure:"rate_per_second"`
	RetryCount     int    `mapstructure:"retry_count"`
	RetryDelayMS   int    `mapstructure:"retry_delay_ms"`
	PollIntervalMS int    `mapstructure:"poll_interval_ms"`
}

type JournalConfig struct {
	Directory string `mapstructure:"directory"`
	Workers   int    `mapstructure:"compress_workers"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("broker.url", "tcp://127.0.0.1:1883")
	v.SetDefault("broker.keepalive_sec", 60)
	v.SetDefault("broker.connect_timeout_sec", 10)
	v.SetDefault("presence.heartbeat_interval_ms", 2000)
	v.SetDefault("presence.max_missed", 3)
	v.SetDefault("sync.ack_timeout_ms", 5000)
	v.SetDefault("room.join_timeout_ms", 5000)
	v.SetDefault("room.code_attempts", 64)
	v.SetDefault("replay.base_url", "https://127.0.0.1:2999")
	v.SetDefault("replay.timeout_sec", 3)
	v.SetDefault("replay.rate_per_second", 4)
	v.SetDefault("replay.retry_count", 2)
	v.SetDefault("replay.retry_delay_ms", 250)
	v.SetDefault("replay.poll_interval_ms", 1000)
	v.SetDefault("journal.directory", "journals")
	v.SetDefault("journal.compress_workers", 3)
	v.SetDefault("logging.enabled", true)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("CHRONOBS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind nested keys to env vars
	_ = v.BindEnv("broker.url", "CHRONOBS_BROKER_URL")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return fmt.Errorf("broker url is required")
	}
	if c.Presence.HeartbeatIntervalMS < 100 {
		return fmt.Errorf("heartbeat interval must be >= 100ms")
	}
	if c.Presence.MaxMissed < 1 {
		return fmt.Errorf("max missed heartbeats must be >= 1")
	}
	if c.Sync.AckTimeoutMS < 1 {
		return fmt.Errorf("sync ack timeout must be positive")
	}
	if c.Room.CodeAttempts < 1 {
		return fmt.Errorf("room code attempts must be >= 1")
	}
	if c.Journal.Workers < 1 {
		return fmt.Errorf("compress workers must be >= 1")
	}
	return nil
}
