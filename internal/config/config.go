package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// ServerConfig holds settings for chatty-server
type ServerConfig struct {
	Addr                string `json:"addr"`
	MaxConnections      int    `json:"max_connections"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"` // event loop wakes up at least this often
	RegistryPath        string `json:"registry_path"`
	LogCapacity         int    `json:"log_capacity_bytes"`     // message log arena size
	ScratchCapacity     int    `json:"scratch_capacity_bytes"` // per-iteration encode arena size
	MetricsAddr         string `json:"metrics_addr,omitempty"` // empty disables /metrics
}

// PollInterval returns the event loop timeout as a duration
func (s ServerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// ClientConfig holds settings for the chatty client
type ClientConfig struct {
	Addr                  string `json:"addr"`
	Author                string `json:"author"`
	IdentityPath          string `json:"identity_path"`
	ReconnectIntervalMS   int    `json:"reconnect_interval_ms"`
	DialTimeoutSeconds    int    `json:"dial_timeout_seconds"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
	LogCapacity           int    `json:"log_capacity_bytes"`
}

// ReconnectInterval returns the fixed delay between reconnection attempts
func (c ClientConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMS) * time.Millisecond
}

// DialTimeout returns the timeout for a single dial
func (c ClientConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// RequestTimeout returns the timeout for a single request round trip. A
// request that times out is treated as a lost link.
func (c ClientConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Config represents application configuration
type Config struct {
	Server   ServerConfig `json:"server"`
	Client   ClientConfig `json:"client"`
	LogLevel string       `json:"log_level"` // debug, info, warn, error, none
	LogPath  string       `json:"log_path"`  // empty logs to stderr
}

// DefaultPort is the well-known chatty port
const DefaultPort = "9983"

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "chatty")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "chatty")
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "chatty")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "chatty")
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                ":" + DefaultPort,
			MaxConnections:      1600,
			PollIntervalSeconds: 60,
			RegistryPath:        ".chatty_clients",
			LogCapacity:         128 << 20,
			ScratchCapacity:     1 << 20,
		},
		Client: ClientConfig{
			Addr:                  "127.0.0.1:" + DefaultPort,
			IdentityPath:          "_id",
			ReconnectIntervalMS:   300,
			DialTimeoutSeconds:    5,
			RequestTimeoutSeconds: 5,
			LogCapacity:           64 << 20,
		},
		LogLevel: "info",
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, err
	}

	config.fillDefaults()
	return config, nil
}

// fillDefaults repairs zero values a config file may have set explicitly
func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.MaxConnections <= 0 {
		c.Server.MaxConnections = def.Server.MaxConnections
	}
	if c.Server.PollIntervalSeconds <= 0 {
		c.Server.PollIntervalSeconds = def.Server.PollIntervalSeconds
	}
	if c.Server.LogCapacity <= 0 {
		c.Server.LogCapacity = def.Server.LogCapacity
	}
	if c.Server.ScratchCapacity <= 0 {
		c.Server.ScratchCapacity = def.Server.ScratchCapacity
	}
	if c.Client.Addr == "" {
		c.Client.Addr = def.Client.Addr
	}
	if c.Client.ReconnectIntervalMS <= 0 {
		c.Client.ReconnectIntervalMS = def.Client.ReconnectIntervalMS
	}
	if c.Client.DialTimeoutSeconds <= 0 {
		c.Client.DialTimeoutSeconds = def.Client.DialTimeoutSeconds
	}
	if c.Client.RequestTimeoutSeconds <= 0 {
		c.Client.RequestTimeoutSeconds = def.Client.RequestTimeoutSeconds
	}
	if c.Client.LogCapacity <= 0 {
		c.Client.LogCapacity = def.Client.LogCapacity
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

// ApplyEnv lets CHATTY_LOG_LEVEL and CHATTY_LOG_PATH override the file
func (c *Config) ApplyEnv() {
	if envLevel := strings.TrimSpace(os.Getenv("CHATTY_LOG_LEVEL")); envLevel != "" {
		c.LogLevel = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("CHATTY_LOG_PATH")); envPath != "" {
		c.LogPath = envPath
	}
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
