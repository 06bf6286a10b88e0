// Package config loads the engine's YAML (with JSON5-flavored includes)
// configuration file.
package config

import "time"

// Config is the engine's full configuration surface.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig selects and tunes the event/agent/mail/session backend.
type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EngineConfig holds the engine's operational limits as read from the
// config file. The conversation core and the mailbox do not read it; they
// use conversation.MaxToolTurns and mailbox.MaxBodyLength.
type EngineConfig struct {
	MaxToolTurns   int `yaml:"max_tool_turns"`
	MailBodyLimit  int `yaml:"mail_body_limit"`
	HistorySize    int `yaml:"history_size"`
}

// LoggingConfig configures the observability logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration the engine runs with if no file is
// supplied: an in-memory store, text logging at info level, and the
// engine's compiled-in limits.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:          "memory",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Engine: EngineConfig{
			MaxToolTurns:  25,
			MailBodyLimit: 4096,
			HistorySize:   500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
