package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "MERIDIAN"
	defaultHTTPAddress   = "127.0.0.1:7337"
	defaultDatabasePath  = "meridian.db"
	defaultLogLevel      = "info"
	defaultBackendTable  = "items"
	defaultTokenTemplate = `{"token": "{{token}}"}`
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	HTTPAddress    string
	AllowOrigins   []string
	BackendURL     string
	BackendAPIKey  string
	BackendTable   string
	TokenURL       string
	TokenTemplate  string
	DatabasePath   string
	DeviceID       string
	LogLevel       string
	LogFile        string
	LogMaxSizeMB   int
	LogMaxBackups  int
	LogMaxAgeDays  int
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
	configViper.SetDefault("http.allow_origins", []string{})
	configViper.SetDefault("backend.table", defaultBackendTable)
	configViper.SetDefault("auth.token_template", defaultTokenTemplate)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("device.id", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", 50)
	configViper.SetDefault("log.max_backups", 3)
	configViper.SetDefault("log.max_age_days", 28)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		AllowOrigins:  configViper.GetStringSlice("http.allow_origins"),
		BackendURL:    configViper.GetString("backend.url"),
		BackendAPIKey: configViper.GetString("backend.api_key"),
		BackendTable:  configViper.GetString("backend.table"),
		TokenURL:      configViper.GetString("auth.token_url"),
		TokenTemplate: configViper.GetString("auth.token_template"),
		DatabasePath:  configViper.GetString("database.path"),
		DeviceID:      configViper.GetString("device.id"),
		LogLevel:      configViper.GetString("log.level"),
		LogFile:       configViper.GetString("log.file"),
		LogMaxSizeMB:  configViper.GetInt("log.max_size_mb"),
		LogMaxBackups: configViper.GetInt("log.max_backups"),
		LogMaxAgeDays: configViper.GetInt("log.max_age_days"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.BackendURL) == "" {
		return fmt.Errorf("backend.url is required")
	}
	if _, err := url.Parse(c.BackendURL); err != nil {
		return fmt.Errorf("backend.url is not a valid URL: %w", err)
	}
	if strings.TrimSpace(c.BackendAPIKey) == "" {
		return fmt.Errorf("backend.api_key is required")
	}
	if strings.TrimSpace(c.BackendTable) == "" {
		return fmt.Errorf("backend.table is required")
	}
	if strings.TrimSpace(c.TokenURL) == "" {
		return fmt.Errorf("auth.token_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}
