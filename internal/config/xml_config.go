// Package config provides XML-based configuration management for air-gapped deployment.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DEVSCENE_SERVER_PORT.
const EnvPrefix = "DEVSCENE"

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"DeviceSceneService"`

	// Server configuration
	Server ServerConfig `xml:"Server"`

	// Storage configuration
	Storage StorageConfig `xml:"Storage"`

	// Polling engine defaults
	Polling PollingConfig `xml:"Polling"`

	// Push channels
	Push PushConfig `xml:"Push"`

	// Last-sample cache
	Cache CacheConfig `xml:"Cache"`

	// Preview sessions
	Sessions SessionConfig `xml:"Sessions"`

	// Advanced options
	Advanced AdvancedConfig `xml:"Advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port          int    `xml:"Port"`
	BindAddress   string `xml:"BindAddress"`
	EnableCORS    bool   `xml:"EnableCORS"`
	AllowOrigins  string `xml:"AllowOrigins"`
	ReadTimeout   int    `xml:"ReadTimeoutSeconds"`
	WriteTimeout  int    `xml:"WriteTimeoutSeconds"`
	IdleTimeout   int    `xml:"IdleTimeoutSeconds"`
	BodyLimit     string `xml:"BodyLimit"`
	EnableMetrics bool   `xml:"EnableMetrics"`
}

// StorageConfig selects and configures the scene store
type StorageConfig struct {
	Backend          string `xml:"Backend"` // file | postgres
	DataDirectory    string `xml:"DataDirectory"`
	ScenesDirectory  string `xml:"ScenesDirectory"`
	HistoryDirectory string `xml:"HistoryDirectory"`
	PostgresDSN      string `xml:"PostgresDSN"`
	AllowDeletion    bool   `xml:"AllowDeletion"`
}

// PollingConfig holds engine defaults. Per-source values in a scene win.
type PollingConfig struct {
	DefaultTimeoutMs  int  `xml:"DefaultTimeoutMs"`
	DefaultIntervalMs int  `xml:"DefaultIntervalMs"`
	MinIntervalMs     int  `xml:"MinIntervalMs"`
	RecordHistory     bool `xml:"RecordHistory"`
	HistoryLimit      int  `xml:"HistoryLimit"`
}

// ChannelConfig names a WebSocket push endpoint
type ChannelConfig struct {
	Name string `xml:"Name,attr"`
	URL  string `xml:"URL,attr"`
}

// PushConfig contains push channel settings
type PushConfig struct {
	HeartbeatSeconds int             `xml:"HeartbeatSeconds"`
	ReconnectSeconds int             `xml:"ReconnectSeconds"`
	Channels         []ChannelConfig `xml:"Channels>Channel"`
	MQTTBroker       string          `xml:"MQTTBroker"`
	MQTTClientID     string          `xml:"MQTTClientID"`
	MQTTUsername     string          `xml:"MQTTUsername"`
	MQTTPassword     string          `xml:"MQTTPassword"`
}

// CacheConfig configures the Redis mirror of the latest samples
type CacheConfig struct {
	Enabled    bool   `xml:"Enabled"`
	RedisAddr  string `xml:"RedisAddr"`
	RedisDB    int    `xml:"RedisDB"`
	Password   string `xml:"Password"`
	TTLSeconds int    `xml:"TTLSeconds"`
}

// SessionConfig contains preview session limits
type SessionConfig struct {
	MaxSessions            int `xml:"MaxSessions"`
	SessionTimeoutMinutes  int `xml:"SessionTimeoutMinutes"`
	CleanupIntervalMinutes int `xml:"CleanupIntervalMinutes"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel                string `xml:"LogLevel"`
	LogFormat               string `xml:"LogFormat"`
	EnableRequestLogging    bool   `xml:"EnableRequestLogging"`
	DuckDBThreads           int    `xml:"DuckDBThreads"`
	DuckDBMemoryLimit       string `xml:"DuckDBMemoryLimit"`
	WebSocketMaxMessageSize int    `xml:"WebSocketMaxMessageSizeKB"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:          8089,
			BindAddress:   "0.0.0.0",
			EnableCORS:    true,
			AllowOrigins:  "*",
			ReadTimeout:   30,
			WriteTimeout:  30,
			IdleTimeout:   120,
			BodyLimit:     "20M",
			EnableMetrics: true,
		},
		Storage: StorageConfig{
			Backend:       "file",
			DataDirectory: "./data",
			AllowDeletion: true,
		},
		Polling: PollingConfig{
			DefaultTimeoutMs:  8000,
			DefaultIntervalMs: 3000,
			MinIntervalMs:     200,
			RecordHistory:     true,
			HistoryLimit:      500,
		},
		Push: PushConfig{
			HeartbeatSeconds: 10,
			ReconnectSeconds: 2,
		},
		Cache: CacheConfig{
			Enabled:    false,
			RedisAddr:  "localhost:6379",
			TTLSeconds: 3600,
		},
		Sessions: SessionConfig{
			MaxSessions:            50,
			SessionTimeoutMinutes:  30,
			CleanupIntervalMinutes: 5,
		},
		Advanced: AdvancedConfig{
			LogLevel:                "info",
			LogFormat:               "json",
			EnableRequestLogging:    true,
			DuckDBThreads:           2,
			DuckDBMemoryLimit:       "256MB",
			WebSocketMaxMessageSize: 512,
		},
	}
}

// LoadConfig loads configuration from XML file
func LoadConfig(configPath string) (*AppConfig, error) {
	// If file doesn't exist, create default
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		config := DefaultConfig()
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		config.applyEnvironmentOverrides()
		config.resolvePaths(filepath.Dir(configPath))
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := xml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	// Resolve relative paths
	config.resolvePaths(filepath.Dir(configPath))

	return config, config.Validate()
}

// Save saves the configuration to XML file
func (c *AppConfig) Save(configPath string) error {
	output, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(xml.Header + "\n<!-- Device Scene Service Configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
	content := append(header, output...)

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate rejects settings the service cannot run with
func (c *AppConfig) Validate() error {
	switch c.Storage.Backend {
	case "file", "":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage backend postgres requires PostgresDSN")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Polling.MinIntervalMs <= 0 {
		return fmt.Errorf("MinIntervalMs must be > 0")
	}
	if c.Polling.DefaultTimeoutMs <= 0 {
		return fmt.Errorf("DefaultTimeoutMs must be > 0")
	}
	seen := make(map[string]bool)
	for _, ch := range c.Push.Channels {
		if ch.Name == "" || ch.URL == "" {
			return fmt.Errorf("push channel needs Name and URL")
		}
		if seen[ch.Name] {
			return fmt.Errorf("duplicate push channel %q", ch.Name)
		}
		seen[ch.Name] = true
	}
	return nil
}

// envOverrides maps config keys (DEVSCENE_<SECTION>_<FIELD>) to setters
var envOverrides = map[string]func(c *AppConfig, v *viper.Viper, key string){
	"server.port":               func(c *AppConfig, v *viper.Viper, k string) { c.Server.Port = v.GetInt(k) },
	"server.bindaddress":        func(c *AppConfig, v *viper.Viper, k string) { c.Server.BindAddress = v.GetString(k) },
	"server.alloworigins":       func(c *AppConfig, v *viper.Viper, k string) { c.Server.AllowOrigins = v.GetString(k) },
	"storage.backend":           func(c *AppConfig, v *viper.Viper, k string) { c.Storage.Backend = v.GetString(k) },
	"storage.datadirectory":     func(c *AppConfig, v *viper.Viper, k string) { c.Storage.DataDirectory = v.GetString(k) },
	"storage.postgresdsn":       func(c *AppConfig, v *viper.Viper, k string) { c.Storage.PostgresDSN = v.GetString(k) },
	"polling.defaulttimeoutms":  func(c *AppConfig, v *viper.Viper, k string) { c.Polling.DefaultTimeoutMs = v.GetInt(k) },
	"polling.defaultintervalms": func(c *AppConfig, v *viper.Viper, k string) { c.Polling.DefaultIntervalMs = v.GetInt(k) },
	"polling.minintervalms":     func(c *AppConfig, v *viper.Viper, k string) { c.Polling.MinIntervalMs = v.GetInt(k) },
	"push.mqttbroker":           func(c *AppConfig, v *viper.Viper, k string) { c.Push.MQTTBroker = v.GetString(k) },
	"push.mqttusername":         func(c *AppConfig, v *viper.Viper, k string) { c.Push.MQTTUsername = v.GetString(k) },
	"push.mqttpassword":         func(c *AppConfig, v *viper.Viper, k string) { c.Push.MQTTPassword = v.GetString(k) },
	"cache.enabled":             func(c *AppConfig, v *viper.Viper, k string) { c.Cache.Enabled = v.GetBool(k) },
	"cache.redisaddr":           func(c *AppConfig, v *viper.Viper, k string) { c.Cache.RedisAddr = v.GetString(k) },
	"cache.password":            func(c *AppConfig, v *viper.Viper, k string) { c.Cache.Password = v.GetString(k) },
	"sessions.maxsessions":      func(c *AppConfig, v *viper.Viper, k string) { c.Sessions.MaxSessions = v.GetInt(k) },
	"advanced.loglevel":         func(c *AppConfig, v *viper.Viper, k string) { c.Advanced.LogLevel = v.GetString(k) },
	"advanced.logformat":        func(c *AppConfig, v *viper.Viper, k string) { c.Advanced.LogFormat = v.GetString(k) },
	"advanced.enablerequestlogging": func(c *AppConfig, v *viper.Viper, k string) {
		c.Advanced.EnableRequestLogging = v.GetBool(k)
	},
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, set := range envOverrides {
		if v.IsSet(key) {
			set(c, v, key)
		}
	}

	// Legacy unprefixed overrides
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
	}
}

// resolvePaths converts relative paths to absolute based on config file location.
// Empty scene and history directories default to subdirectories of DataDirectory.
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Storage.DataDirectory) {
		c.Storage.DataDirectory = filepath.Join(configDir, c.Storage.DataDirectory)
	}
	if c.Storage.ScenesDirectory == "" {
		c.Storage.ScenesDirectory = filepath.Join(c.Storage.DataDirectory, "scenes")
	}
	if c.Storage.HistoryDirectory == "" {
		c.Storage.HistoryDirectory = filepath.Join(c.Storage.DataDirectory, "history")
	}
	for _, p := range []*string{
		&c.Storage.ScenesDirectory,
		&c.Storage.HistoryDirectory,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
}

// GetDataDir returns the absolute data directory path
func (c *AppConfig) GetDataDir() string {
	return c.Storage.DataDirectory
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// ChannelURLs returns the named push channels as a lookup map
func (c *AppConfig) ChannelURLs() map[string]string {
	out := make(map[string]string, len(c.Push.Channels))
	for _, ch := range c.Push.Channels {
		out[ch.Name] = ch.URL
	}
	return out
}

// PollTimeout returns the engine-wide default fetch timeout
func (c *AppConfig) PollTimeout() time.Duration {
	return time.Duration(c.Polling.DefaultTimeoutMs) * time.Millisecond
}

// MinPollInterval returns the floor applied to every ApiSource interval
func (c *AppConfig) MinPollInterval() time.Duration {
	return time.Duration(c.Polling.MinIntervalMs) * time.Millisecond
}

// SessionTimeout returns how long an idle preview session lives
func (c *AppConfig) SessionTimeout() time.Duration {
	return time.Duration(c.Sessions.SessionTimeoutMinutes) * time.Minute
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.ScenesDirectory,
		c.Storage.HistoryDirectory,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
