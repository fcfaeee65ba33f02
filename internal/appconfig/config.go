package appconfig

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int               `mapstructure:"config_version" yaml:"config_version"`
	API           APIConfig         `mapstructure:"api" yaml:"api"`
	Stream        StreamConfig      `mapstructure:"stream" yaml:"stream"`
	Credentials   CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	Journal       JournalConfig     `mapstructure:"journal" yaml:"journal"`
	Relay         RelayConfig       `mapstructure:"relay" yaml:"relay"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// APIConfig points at the platform backend.
type APIConfig struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// StreamConfig controls live stream reconnects.
type StreamConfig struct {
	AutoReconnect           bool `mapstructure:"auto_reconnect" yaml:"auto_reconnect"`
	ReconnectIntervalMS     int  `mapstructure:"reconnect_interval_ms" yaml:"reconnect_interval_ms"`
	ReconnectAttempts       int  `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts"`
	HandshakeTimeoutSeconds int  `mapstructure:"handshake_timeout_seconds" yaml:"handshake_timeout_seconds"`
}

// CredentialsConfig locates the encrypted session store.
type CredentialsConfig struct {
	StorePath string `mapstructure:"store_path" yaml:"store_path"`
	TokenFile string `mapstructure:"token_file" yaml:"token_file"`
}

// JournalConfig enables the SQLite event journal. An empty path disables it.
type JournalConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days"`
}

// RelayConfig enables Redis republishing. An empty URL disables it.
type RelayConfig struct {
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url"`
	// ChannelPrefix namespaces relayed channels ({prefix}:execution:{id}).
	ChannelPrefix string `mapstructure:"channel_prefix" yaml:"channel_prefix"`
}

// Timeout returns the REST request timeout.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ReconnectInterval returns the fixed delay between reconnect attempts.
func (c StreamConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMS) * time.Millisecond
}

// HandshakeTimeout returns the websocket handshake timeout.
func (c StreamConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		API: APIConfig{
			BaseURL:        "http://localhost:8000",
			TimeoutSeconds: 30,
		},
		Stream: StreamConfig{
			AutoReconnect:           true,
			ReconnectIntervalMS:     3000,
			ReconnectAttempts:       5,
			HandshakeTimeoutSeconds: 10,
		},
		Credentials: CredentialsConfig{
			StorePath: filepath.Join(home, ".crewwatch", "keys.bundle"),
			TokenFile: filepath.Join(home, ".crewwatch", "session.enc"),
		},
		Journal: JournalConfig{
			Path:          "",
			RetentionDays: 30,
		},
		Relay: RelayConfig{
			RedisURL:      "",
			ChannelPrefix: "crewwatch",
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".crewwatch", "config.yaml"), nil
}
