package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
)

// CompressionConfig controls the request compression pipeline
type CompressionConfig struct {
	Enabled               bool   `json:"enabled"`
	WhitespaceCompression bool   `json:"whitespaceCompression"`
	ThinkingStrategy      string `json:"thinkingStrategy"` // keep | truncate | discard
	ToolResultMaxChars    int    `json:"toolResultMaxChars"`
	ToolResultHeadLines   int    `json:"toolResultHeadLines"`
	ToolResultTailLines   int    `json:"toolResultTailLines"`
	ToolUseInputMaxChars  int    `json:"toolUseInputMaxChars"`
	MaxHistoryTurns       int    `json:"maxHistoryTurns"`
	MaxHistoryChars       int    `json:"maxHistoryChars"`
}

// DefaultCompression returns the compression defaults
func DefaultCompression() CompressionConfig {
	return CompressionConfig{
		Enabled:               true,
		WhitespaceCompression: true,
		ThinkingStrategy:      "truncate",
		ToolResultMaxChars:    30000,
		ToolResultHeadLines:   50,
		ToolResultTailLines:   30,
		ToolUseInputMaxChars:  20000,
		MaxHistoryTurns:       0,
		MaxHistoryChars:       0,
	}
}

// Config represents the runtime configuration
type Config struct {
	mu sync.RWMutex

	// API access
	APIKey      string `json:"apiKey"`
	AdminAPIKey string `json:"adminApiKey"`

	// Upstream identity
	Region        string `json:"region"`
	KiroVersion   string `json:"kiroVersion"`
	SystemVersion string `json:"systemVersion"`
	NodeVersion   string `json:"nodeVersion"`
	MachineID     string `json:"machineId"` // fallback when a credential has none

	// Transport
	TLSBackend string `json:"tlsBackend"` // auto | legacy names, mapped to transport profiles
	ProxyURL   string `json:"proxyUrl"`

	// Server
	Host string `json:"host"`
	Port int    `json:"port"`

	// Pool behavior
	CredentialRPM     int    `json:"credentialRpm"`
	LoadBalancingMode string `json:"loadBalancingMode"` // priority | balanced

	// Request compression
	Compression CompressionConfig `json:"compression"`

	// Usage stats backends
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDb"`
	StatsPath     string `json:"statsPath"`

	// Logging
	LogLevel string `json:"logLevel"`
	Debug    bool   `json:"debug"`

	// Override path used to load this config (set by Load, not serialized)
	path string
}

// DefaultConfig returns a new Config with default values
func DefaultConfig() *Config {
	return &Config{
		Region:            DefaultRegion,
		KiroVersion:       DefaultKiroVersion,
		SystemVersion:     DefaultSystemVersion(),
		NodeVersion:       DefaultNodeVersion,
		TLSBackend:        "auto",
		Host:              DefaultHost,
		Port:              DefaultPort,
		LoadBalancingMode: "priority",
		Compression:       DefaultCompression(),
		LogLevel:          "info",
	}
}

// Load reads the config file at path (empty = default location) and applies
// environment overrides. Missing files are not an error; defaults apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		utils.Info("[Config] No config file at %s, using defaults", path)
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

// Path returns the file this config was loaded from
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

func (c *Config) applyEnv() {
	if v := os.Getenv("KIRO_PROXY_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("KIRO_PROXY_ADMIN_API_KEY"); v != "" {
		c.AdminAPIKey = v
	}
	if v := os.Getenv("KIRO_REGION"); v != "" {
		c.Region = v
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if os.Getenv("DEBUG") == "true" || os.Getenv("DEV_MODE") == "true" {
		c.Debug = true
	}
}

func (c *Config) normalize() {
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	if c.KiroVersion == "" {
		c.KiroVersion = DefaultKiroVersion
	}
	if c.NodeVersion == "" {
		c.NodeVersion = DefaultNodeVersion
	}
	if c.SystemVersion == "" {
		c.SystemVersion = DefaultSystemVersion()
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.LoadBalancingMode != "priority" && c.LoadBalancingMode != "balanced" {
		if c.LoadBalancingMode != "" {
			utils.Warn("[Config] Unknown loadBalancingMode %q, using priority", c.LoadBalancingMode)
		}
		c.LoadBalancingMode = "priority"
	}
	if c.Compression.ThinkingStrategy == "" {
		c.Compression.ThinkingStrategy = "keep"
	}
	if c.Debug {
		c.LogLevel = "debug"
	}
}

// AdminKey returns the admin API key, falling back to the main API key
func (c *Config) AdminKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.AdminAPIKey != "" {
		return c.AdminAPIKey
	}
	return c.APIKey
}

// GetCompression returns a copy of the compression settings
func (c *Config) GetCompression() CompressionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Compression
}

// GetCredentialRPM returns the configured per-credential RPM (0 = unset)
func (c *Config) GetCredentialRPM() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.CredentialRPM
}

// GetLoadBalancingMode returns the pool selection mode
func (c *Config) GetLoadBalancingMode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LoadBalancingMode
}

// ApplyHotReload copies the hot-reloadable fields from a freshly parsed
// config. Immutable fields that changed are reported back by name.
func (c *Config) ApplyHotReload(fresh *Config) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var frozen []string
	if fresh.Host != c.Host {
		frozen = append(frozen, "host")
	}
	if fresh.Port != c.Port {
		frozen = append(frozen, "port")
	}
	if fresh.APIKey != c.APIKey {
		frozen = append(frozen, "apiKey")
	}
	if fresh.AdminAPIKey != c.AdminAPIKey {
		frozen = append(frozen, "adminApiKey")
	}

	c.LogLevel = fresh.LogLevel
	c.Debug = fresh.Debug
	c.Compression = fresh.Compression
	c.CredentialRPM = fresh.CredentialRPM
	c.LoadBalancingMode = fresh.LoadBalancingMode

	utils.SetLevel(c.LogLevel)
	return frozen
}

// GetPublic returns the config with secrets redacted, for admin inspection
func (c *Config) GetPublic() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"apiKey":            redact(c.APIKey),
		"adminApiKey":       redact(c.AdminAPIKey),
		"region":            c.Region,
		"kiroVersion":       c.KiroVersion,
		"systemVersion":     c.SystemVersion,
		"nodeVersion":       c.NodeVersion,
		"machineId":         c.MachineID,
		"tlsBackend":        c.TLSBackend,
		"proxyUrl":          c.ProxyURL,
		"host":              c.Host,
		"port":              c.Port,
		"credentialRpm":     c.CredentialRPM,
		"loadBalancingMode": c.LoadBalancingMode,
		"compression":       c.Compression,
		"redisAddr":         c.RedisAddr,
		"statsPath":         c.StatsPath,
		"logLevel":          c.LogLevel,
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
