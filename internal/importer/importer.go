// Package importer turns external credential exports into pool
// credentials: token.json files written by Kiro tooling, and the Kiro
// IDE's own state database.
package importer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"

	"github.com/kirocommunity/kiro-claude-proxy/internal/auth"
	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/pool"
	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
)

// Item is one entry of a token.json export. The field set follows the
// files the Kiro IDE and related tools write.
type Item struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
	ProfileArn   string `json:"profileArn"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	AuthMethod   string `json:"authMethod"`
	Provider     string `json:"provider"`
	Region       string `json:"region"`
	Email        string `json:"email"`
}

// ParseItems reads a token export: either a single object or an array.
func ParseItems(data []byte) ([]Item, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty token export")
	}
	if trimmed[0] == '[' {
		var items []Item
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("parse token export: %w", err)
		}
		return items, nil
	}
	var single Item
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, fmt.Errorf("parse token export: %w", err)
	}
	return []Item{single}, nil
}

// NormalizeAuthMethod maps the aliases seen in exports onto the two
// canonical methods. An explicit authMethod wins over provider; BuilderId
// names the IdC flow in older exports. Anything unrecognized is social.
func NormalizeAuthMethod(item Item) string {
	raw := strings.TrimSpace(item.AuthMethod)
	if raw == "" {
		raw = strings.TrimSpace(item.Provider)
	}
	switch strings.ToLower(raw) {
	case "idc", "builderid", "builder-id":
		return config.AuthMethodIdC
	default:
		return config.AuthMethodSocial
	}
}

// Credential converts the item into a pool credential. ProfileArn values
// that are not valid ARNs are dropped so a mangled export cannot poison
// upstream calls; the social refresh flow restores the ARN on its own.
func (it Item) Credential() *pool.Credential {
	profileArn := strings.TrimSpace(it.ProfileArn)
	if profileArn != "" && !arn.IsARN(profileArn) {
		utils.Warn("[Import] Dropping malformed profileArn %q", profileArn)
		profileArn = ""
	}
	return &pool.Credential{
		AuthMethod:   NormalizeAuthMethod(it),
		RefreshToken: strings.TrimSpace(it.RefreshToken),
		AccessToken:  it.AccessToken,
		ExpiresAt:    it.ExpiresAt,
		ProfileArn:   profileArn,
		ClientID:     it.ClientID,
		ClientSecret: it.ClientSecret,
		Region:       it.Region,
		Email:        it.Email,
	}
}

// Action classifies what the import did (or would do) with one item.
type Action string

const (
	ActionImported Action = "imported"
	ActionSkipped  Action = "skipped"
	ActionInvalid  Action = "invalid"
)

// ItemResult reports the outcome for one import item.
type ItemResult struct {
	Index  int    `json:"index"`
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
	Token  string `json:"token,omitempty"` // masked refresh token
	ID     uint64 `json:"id,omitempty"`    // assigned when applied
}

// Report summarizes an import run.
type Report struct {
	DryRun   bool         `json:"dryRun"`
	Imported int          `json:"imported"`
	Skipped  int          `json:"skipped"`
	Invalid  int          `json:"invalid"`
	Items    []ItemResult `json:"items"`
}

// Plan validates items against the existing credentials and reports what
// an import would do. Duplicates are detected by refresh token prefix,
// both against the pool and within the batch. The returned credentials are
// the accepted ones in report order, ids unassigned.
func Plan(existing []*pool.Credential, items []Item) (*Report, []*pool.Credential) {
	report := &Report{}

	seen := make(map[string]struct{}, len(existing))
	for _, c := range existing {
		seen[fingerprint(c.RefreshToken)] = struct{}{}
	}

	var accepted []*pool.Credential
	for i, item := range items {
		result := ItemResult{Index: i, Token: utils.MaskToken(strings.TrimSpace(item.RefreshToken))}

		cred := item.Credential()
		if err := auth.ValidateRefreshToken(cred.RefreshToken); err != nil {
			result.Action = ActionInvalid
			result.Reason = err.Error()
			report.Invalid++
			report.Items = append(report.Items, result)
			continue
		}

		fp := fingerprint(cred.RefreshToken)
		if _, dup := seen[fp]; dup {
			result.Action = ActionSkipped
			result.Reason = "duplicate refresh token"
			report.Skipped++
			report.Items = append(report.Items, result)
			continue
		}
		seen[fp] = struct{}{}

		result.Action = ActionImported
		report.Imported++
		accepted = append(accepted, cred)
		report.Items = append(report.Items, result)
	}
	return report, accepted
}

// Run plans the import and, unless dryRun, returns the merged credential
// list with ids assigned, ready to save.
func Run(existing []*pool.Credential, items []Item, dryRun bool) (*Report, []*pool.Credential, error) {
	report, accepted := Plan(existing, items)
	report.DryRun = dryRun
	if dryRun {
		return report, nil, nil
	}

	merged := append(append([]*pool.Credential{}, existing...), accepted...)
	if _, err := pool.AssignIDs(merged); err != nil {
		return nil, nil, err
	}
	next := 0
	for i := range report.Items {
		if report.Items[i].Action == ActionImported {
			report.Items[i].ID = accepted[next].ID
			next++
		}
	}
	return report, merged, nil
}

// fingerprint identifies a credential by its leading refresh token
// characters, matching the dedup rule used by the admin add endpoint.
func fingerprint(token string) string {
	return pool.TokenPrefix(token, config.TokenDedupPrefixLen)
}
