// Package config loads clinicsync-agent and clinicsync-server settings from
// the environment and an optional .env file.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ortholife/clinicsync/internal/patientmatch"
)

// DefaultConfigFile is read when no --config flag is given. A missing file
// is not an error.
const DefaultConfigFile = ".env"

type AgentConfig struct {
	Env       string `mapstructure:"ENV"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`

	DataDir    string `mapstructure:"DATA_DIR"`
	ListenAddr string `mapstructure:"LISTEN_ADDR"`

	ServerURL   string `mapstructure:"SERVER_URL"`
	ServerToken string `mapstructure:"SERVER_TOKEN"`

	ConnectivityDebounce time.Duration `mapstructure:"CONNECTIVITY_DEBOUNCE"`
	ProbeInterval        time.Duration `mapstructure:"PROBE_INTERVAL"`
	RequestTimeout       time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	SyncInterval         time.Duration `mapstructure:"SYNC_INTERVAL"`
	MinRetryInterval     time.Duration `mapstructure:"MIN_RETRY_INTERVAL"`
	PassTimeout          time.Duration `mapstructure:"PASS_TIMEOUT"`

	PatientMatchThreshold float64 `mapstructure:"PATIENT_MATCH_THRESHOLD"`
	QueueMaxSize          int     `mapstructure:"QUEUE_MAX_SIZE"`
	LocalEncryptionKey    string  `mapstructure:"LOCAL_ENCRYPTION_KEY"`
}

type ServerConfig struct {
	Env       string `mapstructure:"ENV"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`

	ListenAddr  string   `mapstructure:"LISTEN_ADDR"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	APIToken    string   `mapstructure:"API_TOKEN"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

var agentDefaults = map[string]interface{}{
	"ENV":                     "development",
	"LOG_LEVEL":               "info",
	"LOG_PRETTY":              false,
	"DATA_DIR":                "./data",
	"LISTEN_ADDR":             "127.0.0.1:7420",
	"SERVER_URL":              "",
	"SERVER_TOKEN":            "",
	"CONNECTIVITY_DEBOUNCE":   "2s",
	"PROBE_INTERVAL":          "5s",
	"REQUEST_TIMEOUT":         "15s",
	"SYNC_INTERVAL":           "10s",
	"MIN_RETRY_INTERVAL":      "5s",
	"PASS_TIMEOUT":            "5m",
	"PATIENT_MATCH_THRESHOLD": patientmatch.DefaultThreshold,
	"QUEUE_MAX_SIZE":          10000,
	"LOCAL_ENCRYPTION_KEY":    "",
}

var serverDefaults = map[string]interface{}{
	"ENV":          "development",
	"LOG_LEVEL":    "info",
	"LOG_PRETTY":   false,
	"LISTEN_ADDR":  ":8080",
	"DATABASE_URL": "",
	"DB_MAX_CONNS": 10,
	"DB_MIN_CONNS": 2,
	"API_TOKEN":    "",
	"CORS_ORIGINS": "http://localhost:3000",
}

// newViper sets the defaults and binds every key to the environment so
// Unmarshal picks up variables that have no default.
func newViper(configFile string, defaults map[string]interface{}) *viper.Viper {
	v := viper.New()
	if configFile == "" {
		configFile = DefaultConfigFile
	}
	v.SetConfigFile(configFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
		_ = v.BindEnv(key)
	}

	// Try reading the file, but don't fail if missing
	_ = v.ReadInConfig()
	return v
}

// LoadAgent reads the agent configuration.
func LoadAgent(configFile string) (*AgentConfig, error) {
	v := newViper(configFile, agentDefaults)
	cfg := &AgentConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal agent config: %w", err)
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	return cfg, nil
}

// LoadServer reads the server configuration.
func LoadServer(configFile string) (*ServerConfig, error) {
	v := newViper(configFile, serverDefaults)
	cfg := &ServerConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal server config: %w", err)
	}
	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	return cfg, nil
}

func (c *AgentConfig) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the agent can run with this configuration.
func (c *AgentConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("SERVER_URL must be an http(s) URL, got %q", c.ServerURL)
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}
	if c.ConnectivityDebounce < 0 {
		return fmt.Errorf("CONNECTIVITY_DEBOUNCE must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"PROBE_INTERVAL":     c.ProbeInterval,
		"REQUEST_TIMEOUT":    c.RequestTimeout,
		"SYNC_INTERVAL":      c.SyncInterval,
		"MIN_RETRY_INTERVAL": c.MinRetryInterval,
		"PASS_TIMEOUT":       c.PassTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.PatientMatchThreshold <= 0 || c.PatientMatchThreshold > 1 {
		return fmt.Errorf("PATIENT_MATCH_THRESHOLD must be in (0, 1], got %v", c.PatientMatchThreshold)
	}
	if c.QueueMaxSize < 0 {
		return fmt.Errorf("QUEUE_MAX_SIZE must not be negative")
	}
	if !c.IsDev() && c.LocalEncryptionKey == "" {
		return fmt.Errorf("LOCAL_ENCRYPTION_KEY is required outside development: queued payloads hold patient data")
	}
	if c.LocalEncryptionKey != "" && len(c.LocalEncryptionKey) < 16 {
		return fmt.Errorf("LOCAL_ENCRYPTION_KEY must be at least 16 characters")
	}
	return nil
}

func (c *ServerConfig) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the server can run with this configuration. Outside
// development a database and an API token are required.
func (c *ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}
	if c.DBMaxConns < 0 || c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) are inconsistent", c.DBMinConns, c.DBMaxConns)
	}
	if c.IsDev() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when ENV=%q", c.Env)
	}
	if c.APIToken == "" {
		return fmt.Errorf("API_TOKEN is required when ENV=%q", c.Env)
	}
	return nil
}
