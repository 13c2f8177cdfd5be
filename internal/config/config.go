package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "CONFESIONES"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "confesiones.db"
	defaultLogLevel          = "info"
	defaultTokenTTLMinutes   = 60 * 24 * 30
	defaultRelayChannel      = "confesiones:realtime"
	defaultSweepInterval     = 10 * time.Minute
	defaultLikeWindow        = 750 * time.Millisecond
	defaultPreferencesPath   = "confesiones-preferences.yaml"
	defaultCORSAllowedOrigin = "*"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	SigningSecret      string
	TokenTTL           time.Duration
	RedisAddress       string
	RedisChannel       string
	ChatSweepInterval  time.Duration
	LikeDebounceWindow time.Duration
	PreferencesPath    string
	CORSAllowedOrigins []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.cors_allowed_origins", []string{defaultCORSAllowedOrigin})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("realtime.redis_channel", defaultRelayChannel)
	configViper.SetDefault("chat.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("likes.debounce_window", defaultLikeWindow)
	configViper.SetDefault("preferences.path", defaultPreferencesPath)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenTTL:           time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		RedisAddress:       strings.TrimSpace(configViper.GetString("realtime.redis_addr")),
		RedisChannel:       configViper.GetString("realtime.redis_channel"),
		ChatSweepInterval:  configViper.GetDuration("chat.sweep_interval"),
		LikeDebounceWindow: configViper.GetDuration("likes.debounce_window"),
		PreferencesPath:    configViper.GetString("preferences.path"),
		CORSAllowedOrigins: configViper.GetStringSlice("http.cors_allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses the subset of configuration used by local client commands, which need neither
// a signing secret nor an HTTP listener.
func LoadClient(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LikeDebounceWindow: configViper.GetDuration("likes.debounce_window"),
		PreferencesPath:    configViper.GetString("preferences.path"),
		RedisAddress:       strings.TrimSpace(configViper.GetString("realtime.redis_addr")),
		RedisChannel:       configViper.GetString("realtime.redis_channel"),
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return AppConfig{}, fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(cfg.PreferencesPath) == "" {
		return AppConfig{}, fmt.Errorf("preferences.path is required")
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.RedisAddress != "" && strings.TrimSpace(c.RedisChannel) == "" {
		return fmt.Errorf("realtime.redis_channel is required when realtime.redis_addr is set")
	}
	if c.LikeDebounceWindow <= 0 {
		return fmt.Errorf("likes.debounce_window must be positive")
	}
	return nil
}
