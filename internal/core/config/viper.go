package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// secretKeys may never appear in a config file.
var secretKeys = []string{
	"api_key",
	"openai.api_key",
	"openai_api_key",
	"token",
	"client.token",
	"server.token",
	"gateway_token",
}

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
func LoadConfig(configPath string) (*Config, error) {
	return Load(viper.New(), configPath)
}

// Load reads configuration into v. Callers bind CLI flags to v before
// calling Load so flags take precedence.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	d := DefaultConfig()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout.String())
	v.SetDefault("server.db_url", d.Server.DBURL)
	v.SetDefault("server.max_body_bytes", d.Server.MaxBodyBytes)
	v.SetDefault("upstream.url", d.Upstream.URL)
	v.SetDefault("upstream.timeout", d.Upstream.Timeout.String())
	v.SetDefault("openai.model", d.OpenAI.Model)
	v.SetDefault("openai.base_url", d.OpenAI.BaseURL)
	v.SetDefault("client.base_url", d.Client.BaseURL)
	v.SetDefault("client.timeout", d.Client.Timeout.String())
	v.SetDefault("client.page_size", d.Client.PageSize)

	// Bind environment variables with EP_ prefix
	v.SetEnvPrefix("EP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := validateNoSecretsInConfig(v); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           v.GetString("server.host"),
			Port:           v.GetInt("server.port"),
			RequestTimeout: v.GetDuration("server.request_timeout"),
			DBURL:          v.GetString("server.db_url"),
			MaxBodyBytes:   v.GetInt64("server.max_body_bytes"),
		},
		Upstream: UpstreamConfig{
			URL:     v.GetString("upstream.url"),
			Timeout: v.GetDuration("upstream.timeout"),
		},
		OpenAI: OpenAIConfig{
			Model:   v.GetString("openai.model"),
			BaseURL: v.GetString("openai.base_url"),
		},
		Client: ClientConfig{
			BaseURL:  v.GetString("client.base_url"),
			Timeout:  v.GetDuration("client.timeout"),
			PageSize: v.GetInt("client.page_size"),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateConfig checks port range, positive durations and sizes, and URL shapes.
func validateConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", cfg.Server.RequestTimeout)
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive, got %d", cfg.Server.MaxBodyBytes)
	}
	if cfg.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive, got %v", cfg.Upstream.Timeout)
	}
	if cfg.Client.Timeout <= 0 {
		return fmt.Errorf("client.timeout must be positive, got %v", cfg.Client.Timeout)
	}
	if cfg.Client.PageSize <= 0 || cfg.Client.PageSize > 500 {
		return fmt.Errorf("client.page_size must be between 1 and 500, got %d", cfg.Client.PageSize)
	}
	for name, raw := range map[string]string{
		"upstream.url":    cfg.Upstream.URL,
		"openai.base_url": cfg.OpenAI.BaseURL,
		"client.base_url": cfg.Client.BaseURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, raw)
		}
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets (12-factor principle).
func validateNoSecretsInConfig(v *viper.Viper) error {
	for _, key := range secretKeys {
		if v.InConfig(key) {
			return fmt.Errorf("secrets not allowed in config files (use %s, %s or %s environment variables)", EnvOpenAIAPIKey, EnvClientToken, EnvGatewayToken)
		}
	}
	return nil
}
