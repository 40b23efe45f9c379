// Package config provides configuration management for the segment gateway
// and the segment CLI.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Environment-only secrets.
const (
	EnvOpenAIAPIKey = "EP_OPENAI_API_KEY"
	EnvClientToken  = "EP_CLIENT_TOKEN"
	EnvGatewayToken = "EP_GATEWAY_TOKEN"
)

// ServerConfig holds configuration for the HTTP segment gateway.
type ServerConfig struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
	DBURL          string
	MaxBodyBytes   int64
}

// Addr is host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UpstreamConfig points at the contact query service that evaluates filters.
type UpstreamConfig struct {
	URL     string
	Timeout time.Duration
}

// OpenAIConfig selects the generative model. The key is read from
// EP_OPENAI_API_KEY only.
type OpenAIConfig struct {
	Model   string
	BaseURL string
}

// ClientConfig configures the CLI's connection to the gateway.
type ClientConfig struct {
	BaseURL  string
	Timeout  time.Duration
	PageSize int
}

// Config is the full configuration tree.
type Config struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	OpenAI   OpenAIConfig
	Client   ClientConfig
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			RequestTimeout: 30 * time.Second,
			DBURL:          "sqlite://./data/eventpilot.db",
			MaxBodyBytes:   1 << 20,
		},
		Upstream: UpstreamConfig{
			Timeout: 30 * time.Second,
		},
		OpenAI: OpenAIConfig{
			Model: "gpt-4o-mini",
		},
		Client: ClientConfig{
			BaseURL:  "http://localhost:8080",
			Timeout:  30 * time.Second,
			PageSize: 25,
		},
	}
}

// OpenAIAPIKey returns the generative model key from the environment.
func OpenAIAPIKey() string {
	return strings.TrimSpace(os.Getenv(EnvOpenAIAPIKey))
}

// ClientToken returns the bearer token the CLI sends to the gateway.
func ClientToken() string {
	return strings.TrimSpace(os.Getenv(EnvClientToken))
}

// GatewayToken returns the bearer token the gateway requires, or "" when
// authentication is disabled.
func GatewayToken() string {
	return strings.TrimSpace(os.Getenv(EnvGatewayToken))
}
