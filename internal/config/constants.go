// Package config provides configuration constants and runtime configuration management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Version information
const Version = "1.0.0"

// Kiro API endpoints (region is interpolated)
const (
	// KiroAPIBaseFormat is the CodeWhisperer-family API host
	KiroAPIBaseFormat = "https://q.%s.amazonaws.com"
	// GenerateAssistantResponsePath is the Claude generation endpoint
	GenerateAssistantResponsePath = "/generateAssistantResponse"
	// MCPPath is the MCP passthrough endpoint
	MCPPath = "/mcp"
	// GetUsageLimitsPath is the usage/balance endpoint
	GetUsageLimitsPath = "/getUsageLimits"

	// SocialRefreshURLFormat is the desktop-auth token refresh endpoint
	SocialRefreshURLFormat = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	// IdCRefreshURLFormat is the AWS SSO OIDC token endpoint
	IdCRefreshURLFormat = "https://oidc.%s.amazonaws.com/token"

	// WebPortalBaseURL is the Kiro web portal RPC root
	WebPortalBaseURL = "https://app.kiro.dev/service/KiroWebPortalService/operation/"
)

// KiroAPIBase returns the API host for a region
func KiroAPIBase(region string) string {
	return fmt.Sprintf(KiroAPIBaseFormat, region)
}

// Request origin and task type constants
const (
	OriginAIEditor       = "AI_EDITOR"
	AgentTaskTypeVibe    = "vibe"
	ChatTriggerManual    = "MANUAL"
	UsageResourceAgentic = "AGENTIC_REQUEST"
)

// Server defaults
const (
	DefaultPort        = 8990
	DefaultHost        = "0.0.0.0"
	DefaultRegion      = "us-east-1"
	DefaultKiroVersion = "0.3.36"
	DefaultNodeVersion = "22.21.1"
)

// Request size limits
const (
	// MaxUpstreamBodySize is the upstream request body budget in bytes.
	// Requests still larger than this after compression are rejected.
	MaxUpstreamBodySize = 400_000
	// RequestBodyLimit is the max inbound request body size (10MB)
	RequestBodyLimit int64 = 10 * 1024 * 1024
)

// Credential pool constants
const (
	// MaxFailures disables a credential after this many consecutive failures
	MaxFailures = 2
	// ModelUnavailableThreshold opens the global circuit breaker
	ModelUnavailableThreshold = 2
	// ModelUnavailableRecovery is how long the breaker stays open
	ModelUnavailableRecovery = 5 * time.Minute
	// AffinityTTL is the sliding window binding a caller to a credential
	AffinityTTL = 30 * time.Minute
)

// Disable reasons recorded on credentials
const (
	DisableReasonFailureLimit        = "failure_limit"
	DisableReasonInsufficientBalance = "insufficient_balance"
	DisableReasonModelUnavailable    = "model_unavailable"
	DisableReasonManual              = "manual"
	DisableReasonQuotaExceeded       = "quota_exceeded"
)

// Canonical auth methods
const (
	AuthMethodSocial = "social"
	AuthMethodIdC    = "idc"
)

// Load-balancing modes
const (
	ModePriority = "priority"
	ModeBalanced = "balanced"
)

// TokenDedupPrefixLen is how many leading characters of a refresh token
// identify a duplicate credential
const TokenDedupPrefixLen = 32

// Token lifecycle constants
const (
	// TokenExpiryBuffer treats tokens expiring within this window as expired
	TokenExpiryBuffer = 5 * time.Minute
	// TokenExpiringSoon marks tokens for proactive refresh
	TokenExpiringSoon = 10 * time.Minute
	// MinRefreshTokenLength guards against truncated refresh tokens
	MinRefreshTokenLength = 100
)

// Rate limiter constants
const (
	DailyRequestLimit  = 500
	MinIntervalLowMs   = 1000
	MinIntervalHighMs  = 2000
	IntervalJitterFrac = 0.30
	BackoffBase        = 30 * time.Second
	BackoffFactor      = 1.5
	BackoffCap         = 300 * time.Second
	SuspendDuration    = 3600 * time.Second
)

// SuspendKeywords suspend a credential for SuspendDuration when found in an
// upstream error body (matched case-insensitively)
var SuspendKeywords = []string{
	"suspended",
	"banned",
	"quota exceeded",
	"rate limit",
	"too many requests",
	"account disabled",
}

// Call engine retry constants
const (
	// RetryCapTotal bounds maxRetries = min(totalCredentials*2, RetryCapTotal)
	RetryCapTotal    = 3
	RetryBackoffBase = 200 * time.Millisecond
	RetryBackoffCap  = 2 * time.Second
	RetryJitterFrac  = 0.25
)

// Balance cache dynamic TTLs
const (
	BalanceTTLNearlyExhausted = 24 * time.Hour
	BalanceTTLHot             = 10 * time.Minute
	BalanceTTLDefault         = 30 * time.Minute
	BalanceHotReadThreshold   = 20
	BalanceUsageWindow        = 10 * time.Minute
	// AdminBalanceCacheTTL is the admin-side file cache TTL
	AdminBalanceCacheTTL = 5 * time.Minute
)

// Background refresh defaults
const (
	RefreshCheckInterval = 60 * time.Second
	RefreshBatchSize     = 50
	RefreshConcurrency   = 10
	RefreshBeforeExpiry  = 15 * time.Minute
	// BalanceInitConcurrency bounds the startup balance sweep so a large
	// pool does not burst the usage endpoint
	BalanceInitConcurrency = 4
)

// Tool compression constants
const (
	ToolCompressionTargetSize = 20 * 1024
	MinToolDescriptionLength  = 50
	MaxToolDescriptionLength  = 10000
)

// File names inside the app directory
const (
	CredentialsFileName  = "credentials.json"
	ConfigFileName       = "config.json"
	BalanceCacheFileName = "kiro_balance_cache.json"
)

// AppDirEnv overrides the app directory location
const AppDirEnv = "KIRO_PROXY_DIR"

// AppDir returns the directory holding config, credentials and caches
func AppDir() string {
	if dir := os.Getenv(AppDirEnv); dir != "" {
		return dir
	}
	return filepath.Join(getHomeDir(), ".kiro-claude-proxy")
}

// CredentialsPath returns the default credentials file path
func CredentialsPath() string {
	return filepath.Join(AppDir(), CredentialsFileName)
}

// ConfigPath returns the default config file path
func ConfigPath() string {
	return filepath.Join(AppDir(), ConfigFileName)
}

// BalanceCachePath returns the admin balance cache file path
func BalanceCachePath() string {
	return filepath.Join(AppDir(), BalanceCacheFileName)
}

// KiroIDEDBPath returns the Kiro IDE state database path for this platform
func KiroIDEDBPath() string {
	home := getHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library/Application Support/Kiro/User/globalStorage/state.vscdb")
	case "windows":
		return filepath.Join(home, "AppData/Roaming/Kiro/User/globalStorage/state.vscdb")
	default: // linux, freebsd, etc.
		return filepath.Join(home, ".config/Kiro/User/globalStorage/state.vscdb")
	}
}

func getHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

// DefaultSystemVersion derives the IDE-style system version string
func DefaultSystemVersion() string {
	return fmt.Sprintf("%s#unknown", runtime.GOOS)
}
