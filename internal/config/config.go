// Package config loads the server configuration from an optional YAML file
// and environment overrides. The result is read once at startup and treated
// as immutable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/orca-platform/orca-server/internal/version"
	"gopkg.in/yaml.v3"
)

const (
	// CallbackPath is the fixed OAuth redirect path. It must be registered
	// verbatim with every provider's OAuth app.
	CallbackPath = "/api/integrations/oauth/callback"

	defaultStateTTL        = 10 * time.Minute
	defaultSweepInterval   = 60 * time.Second
	defaultExpiryBuffer    = 5 * time.Minute
	defaultRefreshInterval = 15 * time.Minute
	defaultBrowseTimeout   = 10 * time.Second
	defaultBrowseMaxChars  = 4000
	defaultTTSMaxChars     = 4096
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Session   SessionConfig   `yaml:"session"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Tokens    TokenConfig     `yaml:"tokens"`
	LLM       LLMConfig       `yaml:"llm"`
	TTS       TTSConfig       `yaml:"tts"`
	Tools     ToolsConfig     `yaml:"tools"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AppURL         string   `yaml:"app_url"`
	DashboardPath  string   `yaml:"dashboard_path"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type SessionConfig struct {
	// JWTSecret verifies HS256 session tokens issued by the identity provider.
	JWTSecret  string `yaml:"jwt_secret"`
	CookieName string `yaml:"cookie_name"`
}

type OAuthConfig struct {
	StateTTL      time.Duration `yaml:"state_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// StatePostgresURL switches the CSRF state store to Postgres so several
	// instances can share pending authorizations.
	StatePostgresURL string `yaml:"state_postgres_url"`
}

type TokenConfig struct {
	ExpiryBuffer    time.Duration `yaml:"expiry_buffer"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type LLMConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type TTSConfig struct {
	Model    string `yaml:"model"`
	Voice    string `yaml:"voice"`
	MaxChars int    `yaml:"max_chars"`
}

type ToolsConfig struct {
	NominatimURL  string        `yaml:"nominatim_url"`
	OverpassURL   string        `yaml:"overpass_url"`
	OSRMURL       string        `yaml:"osrm_url"`
	SearchURL     string        `yaml:"search_url"`
	BrowseTimeout time.Duration `yaml:"browse_timeout"`
	BrowseMaxChar int           `yaml:"browse_max_chars"`

	// UserAgent goes on every map, search and page request. Public
	// Nominatim and Overpass instances reject anonymous agents.
	UserAgent string `yaml:"user_agent"`
}

type RateLimitConfig struct {
	// ChatPerMinute is the per-user chat turn budget.
	ChatPerMinute int `yaml:"chat_per_minute"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads the file named by ORCA_CONFIG (if any), applies environment
// overrides and fills defaults.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("ORCA_CONFIG"))
}

// LoadFile is Load with an explicit path. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = getEnvString("ORCA_ADDR", c.Server.Addr)
	c.Server.AppURL = getEnvString("NEXT_PUBLIC_APP_URL", getEnvString("APP_URL", c.Server.AppURL))
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}
	c.Database.Path = getEnvString("ORCA_DB_PATH", c.Database.Path)
	c.Session.JWTSecret = getEnvString("SESSION_JWT_SECRET", c.Session.JWTSecret)
	c.OAuth.StatePostgresURL = getEnvString("OAUTH_STATE_DATABASE_URL", c.OAuth.StatePostgresURL)
	c.OAuth.StateTTL = getEnvDuration("OAUTH_STATE_TTL", c.OAuth.StateTTL)
	c.Tokens.ExpiryBuffer = getEnvDuration("TOKEN_EXPIRY_BUFFER", c.Tokens.ExpiryBuffer)
	c.Tokens.RefreshInterval = getEnvDuration("TOKEN_REFRESH_INTERVAL", c.Tokens.RefreshInterval)
	c.LLM.APIKey = getEnvString("OPENAI_API_KEY", c.LLM.APIKey)
	c.LLM.BaseURL = getEnvString("OPENAI_BASE_URL", c.LLM.BaseURL)
	c.LLM.Model = getEnvString("OPENAI_MODEL", c.LLM.Model)
	c.Tools.UserAgent = getEnvString("ORCA_USER_AGENT", c.Tools.UserAgent)
	c.RateLimit.ChatPerMinute = getEnvInt("RATE_LIMIT_CHAT", c.RateLimit.ChatPerMinute)
	c.Telemetry.OTLPEndpoint = getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Log.Level = getEnvString("LOG_LEVEL", c.Log.Level)
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		c.Log.Pretty, _ = strconv.ParseBool(v)
	}
}

func (c *Config) applyDefaults() {
	setDefault(&c.Server.Addr, "127.0.0.1:8080")
	setDefault(&c.Server.AppURL, "http://localhost:3000")
	c.Server.AppURL = strings.TrimRight(c.Server.AppURL, "/")
	setDefault(&c.Server.DashboardPath, "/dashboard")
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{c.Server.AppURL}
	}
	setDefault(&c.Database.Path, "orca.db")
	setDefault(&c.Session.CookieName, "sb-access-token")
	setDefaultDuration(&c.OAuth.StateTTL, defaultStateTTL)
	setDefaultDuration(&c.OAuth.SweepInterval, defaultSweepInterval)
	setDefaultDuration(&c.Tokens.ExpiryBuffer, defaultExpiryBuffer)
	// A negative refresh interval disables the background refresh loop.
	if c.Tokens.RefreshInterval == 0 {
		c.Tokens.RefreshInterval = defaultRefreshInterval
	} else if c.Tokens.RefreshInterval < 0 {
		c.Tokens.RefreshInterval = 0
	}
	setDefault(&c.LLM.BaseURL, "https://api.openai.com/v1")
	c.LLM.BaseURL = strings.TrimRight(c.LLM.BaseURL, "/")
	setDefault(&c.LLM.Model, "gpt-4o")
	setDefault(&c.TTS.Model, "tts-1")
	setDefault(&c.TTS.Voice, "nova")
	if c.TTS.MaxChars <= 0 {
		c.TTS.MaxChars = defaultTTSMaxChars
	}
	setDefault(&c.Tools.NominatimURL, "https://nominatim.openstreetmap.org")
	setDefault(&c.Tools.OverpassURL, "https://overpass-api.de/api/interpreter")
	setDefault(&c.Tools.OSRMURL, "https://router.project-osrm.org")
	setDefault(&c.Tools.SearchURL, "https://html.duckduckgo.com/html/")
	setDefault(&c.Tools.UserAgent, version.UserAgent())
	setDefaultDuration(&c.Tools.BrowseTimeout, defaultBrowseTimeout)
	if c.Tools.BrowseMaxChar <= 0 {
		c.Tools.BrowseMaxChar = defaultBrowseMaxChars
	}
	if c.RateLimit.ChatPerMinute <= 0 {
		c.RateLimit.ChatPerMinute = 30
	}
	setDefault(&c.Telemetry.ServiceName, "orca-server")
	setDefault(&c.Log.Level, "info")
}

// Validate reports settings the server cannot run without.
func (c *Config) Validate() error {
	var missing []string
	if c.Session.JWTSecret == "" {
		missing = append(missing, "SESSION_JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required settings are not set: %v", missing)
	}
	if c.OAuth.StateTTL < time.Minute {
		return fmt.Errorf("oauth.state_ttl must be at least 1m, got %s", c.OAuth.StateTTL)
	}
	return nil
}

// CallbackURL is the redirect_uri sent in both the authorize request and the
// code exchange. The two must match byte for byte.
func (c *Config) CallbackURL() string {
	return c.Server.AppURL + CallbackPath
}

// DashboardURL is where the OAuth callback sends the browser afterwards.
func (c *Config) DashboardURL() string {
	return c.Server.AppURL + c.Server.DashboardPath
}

func setDefault(dst *string, val string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = val
	}
}

func setDefaultDuration(dst *time.Duration, val time.Duration) {
	if *dst <= 0 {
		*dst = val
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
