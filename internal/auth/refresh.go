package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
)

// Spec carries the credential fields a refresh call needs. The pool owns
// the credential record; refresh works on a snapshot of it.
type Spec struct {
	ID           uint64
	AuthMethod   string
	RefreshToken string
	ClientID     string
	ClientSecret string
	Region       string // per-credential override; empty falls back to config
	MachineID    string
}

// Result holds the fields a successful refresh may update. Empty strings
// mean "unchanged"; the caller merges into the stored credential.
type Result struct {
	AccessToken  string
	RefreshToken string
	ProfileArn   string // Social only; IdC never updates it
	ExpiresAt    string // RFC3339
}

// Error is a refresh failure with the upstream HTTP status attached
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	var msg string
	switch {
	case e.StatusCode == 401:
		msg = "credentials expired or invalid, re-authentication required"
	case e.StatusCode == 403:
		msg = "permission denied refreshing token"
	case e.StatusCode == 429:
		msg = "refresh rate limited"
	case e.StatusCode >= 500:
		msg = "auth service unavailable"
	default:
		msg = "token refresh failed"
	}
	return fmt.Sprintf("%s: %d %s", msg, e.StatusCode, e.Body)
}

// Fatal reports whether the failure means the refresh token itself is bad
// (as opposed to a transient upstream problem)
func (e *Error) Fatal() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// Endpoint formats, parameterized by region. Package vars so tests can
// point them at a local server.
var (
	socialEndpoint = config.SocialRefreshURLFormat
	idcEndpoint    = config.IdCRefreshURLFormat
)

// UsesIdC resolves the refresh protocol for a credential. An explicit
// authMethod wins; otherwise IdC iff both OIDC client fields are present.
func UsesIdC(s Spec) bool {
	if s.AuthMethod != "" {
		m := strings.ToLower(s.AuthMethod)
		return m == "idc" || m == "builder-id" || m == "iam"
	}
	return s.ClientID != "" && s.ClientSecret != ""
}

// Refresh exchanges the credential's refresh token for a fresh access
// token, dispatching on the auth method
func Refresh(ctx context.Context, client *http.Client, cfg *config.Config, s Spec) (*Result, error) {
	if err := ValidateRefreshToken(s.RefreshToken); err != nil {
		return nil, err
	}
	if UsesIdC(s) {
		return refreshIdC(ctx, client, cfg, s)
	}
	return refreshSocial(ctx, client, cfg, s)
}

func refreshRegion(s Spec, cfg *config.Config) string {
	if r := strings.TrimSpace(s.Region); r != "" {
		return r
	}
	return cfg.Region
}

type socialRefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ProfileArn   string `json:"profileArn,omitempty"`
	ExpiresIn    *int64 `json:"expiresIn,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
}

// expiry resolves the new expiry timestamp: an explicit expiresAt wins,
// otherwise now + expiresIn
func (r *refreshResponse) expiry() string {
	if r.ExpiresAt != "" {
		return r.ExpiresAt
	}
	if r.ExpiresIn != nil {
		return time.Now().Add(time.Duration(*r.ExpiresIn) * time.Second).Format(time.RFC3339)
	}
	return ""
}

func refreshSocial(ctx context.Context, client *http.Client, cfg *config.Config, s Spec) (*Result, error) {
	utils.Info("[Auth] Refreshing Social token for credential #%d", s.ID)

	region := refreshRegion(s, cfg)
	url := fmt.Sprintf(socialEndpoint, region)
	host := fmt.Sprintf("prod.%s.auth.desktop.kiro.dev", region)

	body, err := json.Marshal(socialRefreshRequest{RefreshToken: s.RefreshToken})
	if err != nil {
		return nil, fmt.Errorf("encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("KiroIDE-%s-%s", cfg.KiroVersion, s.MachineID))
	req.Host = host
	req.Close = true

	data, err := doRefresh(client, req)
	if err != nil {
		return nil, err
	}

	res := &Result{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		ProfileArn:   data.ProfileArn,
		ExpiresAt:    data.expiry(),
	}
	if res.ExpiresAt != "" {
		utils.Success("[Auth] Social token refreshed for #%d, expires %s", s.ID, res.ExpiresAt)
	} else {
		utils.Success("[Auth] Social token refreshed for #%d (no expiry reported)", s.ID)
	}
	return res, nil
}

// idcAmzUserAgent mimics the AWS SSO OIDC SDK the Kiro IDE ships
const idcAmzUserAgent = "aws-sdk-js/3.738.0 ua/2.1 os/other lang/js md/browser#unknown_unknown api/sso-oidc#3.738.0 m/E KiroIDE"

type idcRefreshRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RefreshToken string `json:"refreshToken"`
	GrantType    string `json:"grantType"`
}

func refreshIdC(ctx context.Context, client *http.Client, cfg *config.Config, s Spec) (*Result, error) {
	utils.Info("[Auth] Refreshing IdC token for credential #%d", s.ID)

	if s.ClientID == "" {
		return nil, fmt.Errorf("IdC refresh requires clientId")
	}
	if s.ClientSecret == "" {
		return nil, fmt.Errorf("IdC refresh requires clientSecret")
	}

	region := refreshRegion(s, cfg)
	url := fmt.Sprintf(idcEndpoint, region)

	body, err := json.Marshal(idcRefreshRequest{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		RefreshToken: s.RefreshToken,
		GrantType:    "refresh_token",
	})
	if err != nil {
		return nil, fmt.Errorf("encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Host = fmt.Sprintf("oidc.%s.amazonaws.com", region)
	req.Header.Set("x-amz-user-agent", idcAmzUserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "*")
	req.Header.Set("sec-fetch-mode", "cors")
	req.Header.Set("User-Agent", "node")

	data, err := doRefresh(client, req)
	if err != nil {
		return nil, err
	}

	// ProfileArn deliberately left empty: sending an IdC-sourced ARN
	// upstream produces 403s later.
	res := &Result{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		ExpiresAt:    data.expiry(),
	}
	if res.ExpiresAt != "" {
		utils.Success("[Auth] IdC token refreshed for #%d, expires %s", s.ID, res.ExpiresAt)
	} else {
		utils.Success("[Auth] IdC token refreshed for #%d (no expiry reported)", s.ID)
	}
	return res, nil
}

func doRefresh(client *http.Client, req *http.Request) (*refreshResponse, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var data refreshResponse
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse refresh response: %w", err)
	}
	if data.AccessToken == "" {
		return nil, fmt.Errorf("refresh response carried no accessToken")
	}
	return &data, nil
}
