// Package auth implements the Kiro OAuth token lifecycle: expiry checks,
// the Social and IdC refresh flows, and a single-flight refresh gate.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
)

// ExpiringWithin reports whether expiresAt falls within the given window
// from now. The second return is false when expiresAt is absent or not
// RFC3339, leaving the caller to pick a default.
func ExpiringWithin(expiresAt string, window time.Duration) (bool, bool) {
	if expiresAt == "" {
		return false, false
	}
	t, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return false, false
	}
	return !t.After(time.Now().Add(window)), true
}

// IsExpired reports whether a token expiring at expiresAt should be
// refreshed before use. Absent or unparsable expiry counts as expired.
func IsExpired(expiresAt string) bool {
	expiring, ok := ExpiringWithin(expiresAt, config.TokenExpiryBuffer)
	if !ok {
		return true
	}
	return expiring
}

// IsExpiringSoon reports whether the token enters the proactive-refresh
// window. Absent expiry counts as not expiring (nothing to renew against).
func IsExpiringSoon(expiresAt string) bool {
	expiring, ok := ExpiringWithin(expiresAt, config.TokenExpiringSoon)
	if !ok {
		return false
	}
	return expiring
}

// IsTruncated detects tokens the Kiro IDE shortened with an ellipsis
// before exporting
func IsTruncated(token string) bool {
	return strings.HasSuffix(token, "...") || strings.Contains(token, "...")
}

// NeedsRefresh reports whether the access token must be replaced before
// the credential can make an upstream call
func NeedsRefresh(accessToken, expiresAt string) bool {
	if accessToken == "" || IsTruncated(accessToken) {
		return true
	}
	return IsExpired(expiresAt)
}

// ValidateRefreshToken rejects refresh tokens that cannot possibly work:
// missing, empty, shorter than the minimum Kiro issues, or truncated.
func ValidateRefreshToken(refreshToken string) error {
	if refreshToken == "" {
		return fmt.Errorf("missing refreshToken")
	}
	if len(refreshToken) < config.MinRefreshTokenLength || IsTruncated(refreshToken) {
		return fmt.Errorf("refreshToken is truncated (%d chars); the Kiro IDE shortens exported tokens on purpose", len(refreshToken))
	}
	return nil
}
