package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. CREWWATCH_API_BASE_URL.
const EnvPrefix = "CREWWATCH"

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
// A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("api.base_url", cfg.API.BaseURL)
	v.SetDefault("api.timeout_seconds", cfg.API.TimeoutSeconds)
	v.SetDefault("stream.auto_reconnect", cfg.Stream.AutoReconnect)
	v.SetDefault("stream.reconnect_interval_ms", cfg.Stream.ReconnectIntervalMS)
	v.SetDefault("stream.reconnect_attempts", cfg.Stream.ReconnectAttempts)
	v.SetDefault("stream.handshake_timeout_seconds", cfg.Stream.HandshakeTimeoutSeconds)
	v.SetDefault("credentials.store_path", cfg.Credentials.StorePath)
	v.SetDefault("credentials.token_file", cfg.Credentials.TokenFile)
	v.SetDefault("journal.path", cfg.Journal.Path)
	v.SetDefault("journal.retention_days", cfg.Journal.RetentionDays)
	v.SetDefault("relay.redis_url", cfg.Relay.RedisURL)
	v.SetDefault("relay.channel_prefix", cfg.Relay.ChannelPrefix)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	baseURL := strings.TrimSpace(cfg.API.BaseURL)
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("api.base_url must include scheme and host (e.g. http://localhost:8000)")
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("api.base_url scheme must be http or https")
	}
	if cfg.API.TimeoutSeconds < 0 {
		return fmt.Errorf("api.timeout_seconds must not be negative")
	}
	if cfg.Stream.ReconnectIntervalMS <= 0 {
		return fmt.Errorf("stream.reconnect_interval_ms must be positive")
	}
	if cfg.Stream.ReconnectAttempts < 0 {
		return fmt.Errorf("stream.reconnect_attempts must not be negative")
	}
	if cfg.Stream.HandshakeTimeoutSeconds < 0 {
		return fmt.Errorf("stream.handshake_timeout_seconds must not be negative")
	}
	if strings.TrimSpace(cfg.Credentials.StorePath) == "" || strings.TrimSpace(cfg.Credentials.TokenFile) == "" {
		return fmt.Errorf("credentials.store_path and credentials.token_file are required")
	}
	if relay := strings.TrimSpace(cfg.Relay.RedisURL); relay != "" {
		parsed, err := url.Parse(relay)
		if err != nil || (parsed.Scheme != "redis" && parsed.Scheme != "rediss") {
			return fmt.Errorf("relay.redis_url must be a redis:// or rediss:// url")
		}
	}
	if strings.Trim(strings.TrimSpace(cfg.Relay.ChannelPrefix), ":") == "" {
		return fmt.Errorf("relay.channel_prefix is required")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Credentials.StorePath = expandEnv(cfg.Credentials.StorePath)
	cfg.Credentials.TokenFile = expandEnv(cfg.Credentials.TokenFile)
	cfg.Journal.Path = expandEnv(cfg.Journal.Path)
	cfg.Relay.RedisURL = expandEnv(cfg.Relay.RedisURL)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	if strings.HasPrefix(value, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			value = filepath.Join(home, value[2:])
		}
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
