package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "SHELF"
	defaultLogLevel        = "info"
	defaultLogEncoding     = "console"
	defaultLocalDatabase   = "shelf.db"
	defaultRemoteBaseURL   = "http://127.0.0.1:8080"
	defaultRemoteTimeout   = 12 * time.Second
	defaultSyncDebounce    = 5 * time.Second
	defaultCacheTTL        = 7 * 24 * time.Hour
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultServerDatabase  = "shelf-remote.db"
	defaultTokenIssuer     = "shelf-auth"
	defaultTokenAudience   = "shelf-api"
	defaultTokenTTL        = 30 * 24 * time.Hour
	minimumSigningSecretLn = 16
)

// ServerConfig captures runtime configuration for the remote store API.
type ServerConfig struct {
	HTTPAddress   string
	DatabasePath  string
	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration
	LogLevel      string
	LogEncoding   string
}

// ClientConfig captures runtime configuration for the offline-first client.
type ClientConfig struct {
	DatabasePath  string
	RemoteBaseURL string
	RemoteTimeout time.Duration
	AccessToken   string
	SyncDebounce  time.Duration
	CacheTTL      time.Duration
	LogLevel      string
	LogEncoding   string
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

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("local.database_path", defaultLocalDatabase)
	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("remote.access_token", "")
	configViper.SetDefault("sync.debounce", defaultSyncDebounce)
	configViper.SetDefault("sync.cache_ttl", defaultCacheTTL)
	configViper.SetDefault("server.http_address", defaultHTTPAddress)
	configViper.SetDefault("server.database_path", defaultServerDatabase)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
}

// LoadServer parses server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:   configViper.GetString("server.http_address"),
		DatabasePath:  configViper.GetString("server.database_path"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenIssuer:   configViper.GetString("auth.issuer"),
		TokenAudience: configViper.GetString("auth.audience"),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),
		LogLevel:      configViper.GetString("log.level"),
		LogEncoding:   configViper.GetString("log.encoding"),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

func (c ServerConfig) validate() error {
	if len(strings.TrimSpace(c.SigningSecret)) < minimumSigningSecretLn {
		return fmt.Errorf("auth.signing_secret must be at least %d characters", minimumSigningSecretLn)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("server.database_path is required")
	}
	if strings.TrimSpace(c.TokenIssuer) == "" || strings.TrimSpace(c.TokenAudience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	return nil
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		DatabasePath:  configViper.GetString("local.database_path"),
		RemoteBaseURL: strings.TrimRight(strings.TrimSpace(configViper.GetString("remote.base_url")), "/"),
		RemoteTimeout: configViper.GetDuration("remote.timeout"),
		AccessToken:   strings.TrimSpace(configViper.GetString("remote.access_token")),
		SyncDebounce:  configViper.GetDuration("sync.debounce"),
		CacheTTL:      configViper.GetDuration("sync.cache_ttl"),
		LogLevel:      configViper.GetString("log.level"),
		LogEncoding:   configViper.GetString("log.encoding"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("local.database_path is required")
	}
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.SyncDebounce <= 0 {
		return fmt.Errorf("sync.debounce must be positive")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("sync.cache_ttl must be positive")
	}
	return nil
}
