// Package pool manages the Kiro credential pool: persistence, selection,
// health tracking, rate limiting, cooldowns, balance caching and background
// token refresh.
package pool

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/kirocommunity/kiro-claude-proxy/internal/auth"
	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
)

// Credential is one upstream Kiro identity as stored in the credentials
// file. Optional fields are omitted when empty so hand-edited files stay
// readable.
type Credential struct {
	ID             uint64 `json:"id,omitempty"`
	AuthMethod     string `json:"authMethod,omitempty"`
	RefreshToken   string `json:"refreshToken"`
	AccessToken    string `json:"accessToken,omitempty"`
	ExpiresAt      string `json:"expiresAt,omitempty"`
	ProfileArn     string `json:"profileArn,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
	ClientSecret   string `json:"clientSecret,omitempty"`
	Region         string `json:"region,omitempty"`
	MachineID      string `json:"machineId,omitempty"`
	Email          string `json:"email,omitempty"`
	Priority       int    `json:"priority,omitempty"`
	Disabled       bool   `json:"disabled,omitempty"`
	DisabledReason string `json:"disabledReason,omitempty"`
	DisabledAt     string `json:"disabledAt,omitempty"`
}

// Method returns the credential's auth method, defaulting to "social".
func (c *Credential) Method() string {
	if m := strings.TrimSpace(c.AuthMethod); m != "" {
		return strings.ToLower(m)
	}
	return config.AuthMethodSocial
}

// RefreshTokenHash returns the SHA-256 hex digest of the refresh token.
// It identifies a credential in logs and admin output without exposing
// the secret.
func (c *Credential) RefreshTokenHash() string {
	sum := sha256.Sum256([]byte(c.RefreshToken))
	return hex.EncodeToString(sum[:])
}

// RefreshSpec builds the refresh request parameters for this credential.
func (c *Credential) RefreshSpec(fallbackMachineID string) auth.Spec {
	return auth.Spec{
		ID:           c.ID,
		AuthMethod:   c.AuthMethod,
		RefreshToken: c.RefreshToken,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Region:       c.Region,
		MachineID:    ResolveMachineID(c, fallbackMachineID),
	}
}

// ResolveMachineID returns the stable device fingerprint for a credential:
// its own machineId, else the configured fallback, else a digest of the
// refresh token.
func ResolveMachineID(c *Credential, fallback string) string {
	if id := strings.TrimSpace(c.MachineID); id != "" {
		return id
	}
	if id := strings.TrimSpace(fallback); id != "" {
		return id
	}
	sum := sha256.Sum256([]byte(c.RefreshToken))
	return hex.EncodeToString(sum[:])
}

// TokenPrefix returns the first n characters of token, cut on a rune
// boundary so multi-byte tokens never split mid-character.
func TokenPrefix(token string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range token {
		if count == n {
			return token[:i]
		}
		count++
	}
	return token
}

// Store reads and writes the credentials file. Two on-disk forms are
// accepted: a JSON array of credentials (read-write) and a legacy single
// object (read-only; mutations stay in memory).
type Store struct {
	path     string
	readOnly bool
}

// NewStore returns a store bound to path. An empty path disables
// persistence entirely.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the credentials file path.
func (s *Store) Path() string { return s.path }

// ReadOnly reports whether the file was in the legacy single-object form.
func (s *Store) ReadOnly() bool { return s.readOnly }

// Load parses the credentials file. A missing or empty file yields an
// empty pool. Credentials with unusable refresh tokens fail the load so
// the operator sees the problem instead of opaque upstream 400s.
func (s *Store) Load() ([]*Credential, error) {
	if s.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		utils.Info("[Pool] no credentials file at %s", s.path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var creds []*Credential
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &creds); err != nil {
			return nil, fmt.Errorf("parse credentials file: %w", err)
		}
	} else {
		var single Credential
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, fmt.Errorf("parse credentials file: %w", err)
		}
		s.readOnly = true
		creds = []*Credential{&single}
		utils.Warn("[Pool] credentials file %s holds a single object; changes will not be written back", s.path)
	}

	for i, c := range creds {
		if err := auth.ValidateRefreshToken(c.RefreshToken); err != nil {
			return nil, fmt.Errorf("credential %d (%s): %w", i+1, utils.MaskToken(c.RefreshToken), err)
		}
	}
	return creds, nil
}

// Save atomically replaces the credentials file with the given list.
// Saves are skipped for legacy single-object files and when no path is
// configured.
func (s *Store) Save(creds []*Credential) error {
	if s.path == "" {
		return nil
	}
	if s.readOnly {
		utils.Warn("[Pool] credentials file is in legacy single-object form, not writing changes back")
		return nil
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := utils.AtomicWriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}
	return nil
}

// AssignIDs gives ids to credentials that lack one. Existing ids are kept
// and new ids continue past the current maximum. A duplicate id is a
// configuration error. Returns whether anything changed.
func AssignIDs(creds []*Credential) (bool, error) {
	seen := make(map[uint64]struct{}, len(creds))
	var maxID uint64
	for _, c := range creds {
		if c.ID == 0 {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			return false, fmt.Errorf("duplicate credential id %d in credentials file", c.ID)
		}
		seen[c.ID] = struct{}{}
		if c.ID > maxID {
			maxID = c.ID
		}
	}

	changed := false
	for _, c := range creds {
		if c.ID != 0 {
			continue
		}
		maxID++
		c.ID = maxID
		changed = true
	}
	return changed, nil
}

// FillMachineIDs assigns a stable machine id to credentials missing one so
// the device fingerprint survives restarts. Returns whether anything
// changed.
func FillMachineIDs(creds []*Credential, fallback string) bool {
	changed := false
	for _, c := range creds {
		if strings.TrimSpace(c.MachineID) != "" {
			continue
		}
		c.MachineID = ResolveMachineID(c, fallback)
		changed = true
	}
	return changed
}
