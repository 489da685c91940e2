// Package config loads process configuration from an optional YAML file
// and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/triage-ai/agentgate/internal/scanner"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	LogLevel         string `yaml:"log_level"`
	HTTPPort         string `yaml:"http_port"`
	GRPCPort         string `yaml:"grpc_port"`
	APIKeyHash       string `yaml:"api_key_hash"`
	AuthCacheTTLSecs int    `yaml:"auth_cache_ttl_s"`
	Verbose          bool   `yaml:"verbose"`
	PostgresDSN      string `yaml:"postgres_dsn"`
	ClickHouseDSN    string `yaml:"clickhouse_dsn"`

	Security SecurityConfig `yaml:"security"`
	LLM      LLMConfig      `yaml:"llm"`
	Search   SearchConfig   `yaml:"search"`
}

type SecurityConfig struct {
	APIKey                 string `yaml:"api_key"`
	ProfileName            string `yaml:"profile_name"`
	Endpoint               string `yaml:"endpoint"`
	TimeoutMs              int    `yaml:"timeout_ms"`
	FailOpen               bool   `yaml:"fail_open"`
	CABundle               string `yaml:"ca_bundle"`
	SSLDisable             bool   `yaml:"ssl_disable"`
	MaxConnsPerHost        int    `yaml:"max_conns_per_host"`
	PassthroughDiagnostics bool   `yaml:"passthrough_diagnostics"`
}

type LLMConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Model        string `yaml:"model"`
	RoutingModel string `yaml:"routing_model"`
	TimeoutSecs  int    `yaml:"timeout_s"`
}

type SearchConfig struct {
	Endpoint    string `yaml:"endpoint"`
	APIKey      string `yaml:"api_key"`
	TimeoutSecs int    `yaml:"timeout_s"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		LogLevel:         "info",
		HTTPPort:         "8080",
		GRPCPort:         "50051",
		AuthCacheTTLSecs: 30,
		Security: SecurityConfig{
			Endpoint:               scanner.DefaultEndpoint,
			TimeoutMs:              5000,
			MaxConnsPerHost:        10,
			PassthroughDiagnostics: true,
		},
		LLM: LLMConfig{
			Endpoint:     "http://localhost:11434",
			Model:        "gemini-2.5-flash",
			RoutingModel: "gemini-2.5-flash-lite",
			TimeoutSecs:  60,
		},
		Search: SearchConfig{TimeoutSecs: 10},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is not empty, with ${VAR} expansion), then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 -- path is operator-provided config path.
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("Load: %w", err)
		}
		expanded := os.ExpandEnv(string(raw))
		expanded = strings.ReplaceAll(expanded, "\r\n", "\n")
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("Load: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	c.LogLevel = envOrDefault("AGENTGATE_LOG_LEVEL", c.LogLevel)
	c.HTTPPort = envOrDefault("AGENTGATE_HTTP_PORT", c.HTTPPort)
	c.GRPCPort = envOrDefault("AGENTGATE_GRPC_PORT", c.GRPCPort)
	c.APIKeyHash = envOrDefault("AGENTGATE_API_KEY_HASH", c.APIKeyHash)
	c.AuthCacheTTLSecs = envOrDefaultInt("AGENTGATE_AUTH_CACHE_TTL_S", c.AuthCacheTTLSecs)
	c.Verbose = envOrDefaultBool("AGENTGATE_VERBOSE", c.Verbose)
	c.PostgresDSN = envOrDefault("POSTGRES_DSN", c.PostgresDSN)
	c.ClickHouseDSN = envOrDefault("CLICKHOUSE_DSN", c.ClickHouseDSN)

	s := &c.Security
	s.APIKey = envOrDefault("AIRS_API_KEY", s.APIKey)
	s.ProfileName = envOrDefault("AIRS_API_PROFILE_NAME", s.ProfileName)
	s.Endpoint = envOrDefault("PRISMA_AIRS_ENDPOINT", s.Endpoint)
	s.TimeoutMs = envOrDefaultInt("SECURITY_TIMEOUT_MS", s.TimeoutMs)
	s.FailOpen = envOrDefaultBool("SECURITY_FAIL_OPEN", s.FailOpen)
	s.CABundle = envOrDefault("CORPORATE_CA_BUNDLE", s.CABundle)
	s.SSLDisable = envOrDefaultBool("CORPORATE_SSL_DISABLE", s.SSLDisable)
	s.PassthroughDiagnostics = envOrDefaultBool("SECURITY_PASSTHROUGH_DIAGNOSTICS", s.PassthroughDiagnostics)

	c.LLM.Endpoint = envOrDefault("LLM_ENDPOINT", c.LLM.Endpoint)
	c.LLM.Model = envOrDefault("VERTEX_AI_MODEL", c.LLM.Model)
	c.LLM.RoutingModel = envOrDefault("LLM_ROUTING_MODEL", c.LLM.RoutingModel)

	c.Search.Endpoint = envOrDefault("SEARCH_ENDPOINT", c.Search.Endpoint)
	c.Search.APIKey = envOrDefault("SEARCH_API_KEY", c.Search.APIKey)
}

func (c Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log_level %q must be debug, info, warn or error", ErrInvalid, c.LogLevel)
	}
	for name, port := range map[string]string{"http_port": c.HTTPPort, "grpc_port": c.GRPCPort} {
		if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
			return fmt.Errorf("%w: %s %q is not a port", ErrInvalid, name, port)
		}
	}
	if c.Security.TimeoutMs <= 0 {
		return fmt.Errorf("%w: security.timeout_ms must be positive", ErrInvalid)
	}
	if c.Security.MaxConnsPerHost <= 0 {
		return fmt.Errorf("%w: security.max_conns_per_host must be positive", ErrInvalid)
	}
	if c.Security.Endpoint == "" {
		return fmt.Errorf("%w: security.endpoint is required", ErrInvalid)
	}
	if c.AuthCacheTTLSecs < 0 {
		return fmt.Errorf("%w: auth_cache_ttl_s must not be negative", ErrInvalid)
	}
	if c.LLM.Model == "" || c.LLM.RoutingModel == "" {
		return fmt.Errorf("%w: llm.model and llm.routing_model are required", ErrInvalid)
	}
	return nil
}

// ScannerConfig maps the security section onto the scanner's config.
func (c Config) ScannerConfig() scanner.Config {
	return scanner.Config{
		APIKey:             c.Security.APIKey,
		ProfileName:        c.Security.ProfileName,
		Endpoint:           c.Security.Endpoint,
		Timeout:            time.Duration(c.Security.TimeoutMs) * time.Millisecond,
		FailOpen:           c.Security.FailOpen,
		CABundle:           c.Security.CABundle,
		InsecureSkipVerify: c.Security.SSLDisable,
		MaxConnsPerHost:    c.Security.MaxConnsPerHost,
		AIModel:            c.LLM.Model,
	}
}

func (c Config) AuthCacheTTL() time.Duration {
	return time.Duration(c.AuthCacheTTLSecs) * time.Second
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return defaultVal
}
