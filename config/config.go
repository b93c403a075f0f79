package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	AppName        = "civicctl"
	ConfigFileName = "config"
	ConfigFileType = "yaml"
	EnvPrefix      = "CIVIC"
)

// Credential store backends.
const (
	StoreBolt   = "bolt"
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config holds everything needed to assemble a session client.
// Tags use mapstructure for Viper unmarshalling; env vars are CIVIC_<KEY>.
type Config struct {
	ServerURL      string        `mapstructure:"server_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
	ClockSkew      time.Duration `mapstructure:"clock_skew"` // Margin before a JWT exp counts as stale

	CredentialStore string `mapstructure:"credential_store"` // bolt, memory or redis
	CredentialPath  string `mapstructure:"credential_path"`  // bbolt file
	RedisAddr       string `mapstructure:"redis_addr"`
	RedisPrefix     string `mapstructure:"redis_prefix"`
	SealKey         string `mapstructure:"seal_key"` // hex encoded 32 byte key, optional

	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`
	Tracing   bool   `mapstructure:"tracing"`
	AuditLog  string `mapstructure:"audit_log"` // JSON lines file, disabled when empty
}

// DefaultDir is $HOME/.civicctl.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, "."+AppName), nil
}

// Load reads configuration from the given file (or the default location when
// path is empty), environment variables and defaults, then validates it.
// A missing config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	dir, err := DefaultDir()
	if err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(dir)
		v.AddConfigPath(".")
		v.SetConfigName(ConfigFileName)
		v.SetConfigType(ConfigFileType)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server_url", "http://localhost:8080/api")
	v.SetDefault("request_timeout", 15*time.Second)
	v.SetDefault("refresh_timeout", 10*time.Second)
	v.SetDefault("clock_skew", 5*time.Second)
	v.SetDefault("credential_store", StoreBolt)
	v.SetDefault("credential_path", filepath.Join(dir, "credentials.db"))
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_prefix", AppName)
	v.SetDefault("seal_key", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", true)
	v.SetDefault("tracing", false)
	v.SetDefault("audit_log", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path != "" && errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the values Load cannot default away.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server_url %q must be an absolute URL", c.ServerURL)
	}
	if c.RequestTimeout <= 0 || c.RefreshTimeout <= 0 {
		return errors.New("request_timeout and refresh_timeout must be positive")
	}
	if c.ClockSkew < 0 {
		return errors.New("clock_skew must not be negative")
	}

	switch c.CredentialStore {
	case StoreBolt:
		if c.CredentialPath == "" {
			return errors.New("credential_path is required for the bolt store")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return errors.New("redis_addr is required for the redis store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown credential_store %q", c.CredentialStore)
	}

	if c.SealKey != "" {
		if _, err := c.SealKeyBytes(); err != nil {
			return err
		}
	}
	return nil
}

// SealKeyBytes decodes SealKey. It returns nil when sealing is disabled.
func (c *Config) SealKeyBytes() ([]byte, error) {
	if c.SealKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.SealKey)
	if err != nil {
		return nil, fmt.Errorf("seal_key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("seal_key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
