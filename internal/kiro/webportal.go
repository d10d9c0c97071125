package kiro

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
)

// Web portal client for app.kiro.dev, a Smithy rpc-v2-cbor service. It
// serves account identity and plan/credit details that the CodeWhisperer
// endpoints do not expose. Only the admin API and the accounts CLI call it;
// the proxy data path never does.

const (
	smithyProtocolCBOR = "rpc-v2-cbor"
	portalUserAgent    = "aws-sdk-js/1.0.0 kiro-go/1.0.0"
	portalOrigin       = "KIRO_IDE"

	opGetUserInfo           = "GetUserInfo"
	opGetUserUsageAndLimits = "GetUserUsageAndLimits"
)

type getUserInfoRequest struct {
	Origin string `json:"origin"`
}

type getUserUsageAndLimitsRequest struct {
	IsEmailRequired bool   `json:"isEmailRequired"`
	Origin          string `json:"origin"`
}

// UserInfo is the GetUserInfo response
type UserInfo struct {
	Email        string   `json:"email,omitempty"`
	UserID       string   `json:"userId,omitempty"`
	Idp          string   `json:"idp,omitempty"`
	Status       string   `json:"status,omitempty"`
	FeatureFlags []string `json:"featureFlags,omitempty"`
}

// PortalUserRef identifies the account inside usage responses
type PortalUserRef struct {
	Email  string `json:"email,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// PortalUsage is the GetUserUsageAndLimits response. It shares the breakdown
// shapes with getUsageLimits and adds the portal's user block.
type PortalUsage struct {
	UsageLimits
	UserInfo *PortalUserRef `json:"userInfo,omitempty"`
}

// portalError is the rpc-v2-cbor error payload
type portalError struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

// IdpForAuthMethod maps a credential's auth method to the portal's identity
// provider cookie value.
func IdpForAuthMethod(authMethod string) string {
	if authMethod == config.AuthMethodIdC {
		return "IdC"
	}
	return "Google"
}

func portalHeaders(accessToken, idp string) map[string]string {
	return map[string]string{
		"Accept":                "application/cbor",
		"Content-Type":          "application/cbor",
		"smithy-protocol":       smithyProtocolCBOR,
		"amz-sdk-invocation-id": uuid.New().String(),
		"amz-sdk-request":       "attempt=1; max=1",
		"x-amz-user-agent":      portalUserAgent,
		"Authorization":         "Bearer " + accessToken,
		"Cookie":                fmt.Sprintf("Idp=%s; AccessToken=%s", idp, accessToken),
	}
}

func callPortal(ctx context.Context, client *http.Client, operation string, in any, accessToken, idp string, out any) error {
	payload, err := cbor.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.WebPortalBaseURL+operation, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", operation, err)
	}
	for k, v := range portalHeaders(accessToken, idp) {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call web portal %s: %w", operation, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", operation, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return portalErrorFrom(resp.StatusCode, body)
	}
	if err := cbor.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

// portalErrorFrom renders an rpc-v2-cbor error frame. The type name is the
// fragment after the last '#' of the Smithy shape id.
func portalErrorFrom(status int, body []byte) error {
	var pe portalError
	if err := cbor.Unmarshal(body, &pe); err == nil && (pe.Type != "" || pe.Message != "") {
		name := pe.Type
		if i := strings.LastIndexByte(name, '#'); i >= 0 {
			name = name[i+1:]
		}
		if name == "" {
			name = "HTTPError"
		}
		msg := pe.Message
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", status)
		}
		return fmt.Errorf("web portal error %s: %s", name, msg)
	}
	return NewUpstreamError(status, string(body))
}

// GetUserInfo fetches the account's identity from the web portal.
func GetUserInfo(ctx context.Context, client *http.Client, accessToken, idp string) (*UserInfo, error) {
	var out UserInfo
	if err := callPortal(ctx, client, opGetUserInfo, getUserInfoRequest{Origin: portalOrigin}, accessToken, idp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetUserUsageAndLimits fetches the account's plan and credit breakdown.
func GetUserUsageAndLimits(ctx context.Context, client *http.Client, accessToken, idp string) (*PortalUsage, error) {
	var out PortalUsage
	if err := callPortal(ctx, client, opGetUserUsageAndLimits, getUserUsageAndLimitsRequest{IsEmailRequired: true, Origin: portalOrigin}, accessToken, idp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreditBonus is one active promotional grant
type CreditBonus struct {
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	Current   float64 `json:"current"`
	Limit     float64 `json:"limit"`
	ExpiresAt string  `json:"expiresAt,omitempty"`
}

// CreditsSummary totals base, free-trial, and bonus credit for one account
type CreditsSummary struct {
	Current float64 `json:"current"`
	Limit   float64 `json:"limit"`

	BaseCurrent float64 `json:"baseCurrent"`
	BaseLimit   float64 `json:"baseLimit"`

	FreeTrialCurrent float64 `json:"freeTrialCurrent"`
	FreeTrialLimit   float64 `json:"freeTrialLimit"`
	FreeTrialExpiry  string  `json:"freeTrialExpiry,omitempty"`

	Bonuses []CreditBonus `json:"bonuses"`

	NextResetDate  string `json:"nextResetDate,omitempty"`
	OverageEnabled *bool  `json:"overageEnabled,omitempty"`
}

// Remaining returns the unused aggregate credit, floored at zero
func (s *CreditsSummary) Remaining() float64 {
	r := s.Limit - s.Current
	if r < 0 {
		return 0
	}
	return r
}

// ResourceUsage is one breakdown row flattened for display
type ResourceUsage struct {
	ResourceType string  `json:"resourceType,omitempty"`
	DisplayName  string  `json:"displayName,omitempty"`
	Unit         string  `json:"unit,omitempty"`
	Currency     string  `json:"currency,omitempty"`
	Current      float64 `json:"current"`
	Limit        float64 `json:"limit"`
}

// AccountInfo is the aggregate view the admin API and accounts CLI render
type AccountInfo struct {
	Email        string   `json:"email,omitempty"`
	UserID       string   `json:"userId,omitempty"`
	Idp          string   `json:"idp,omitempty"`
	Status       string   `json:"status,omitempty"`
	FeatureFlags []string `json:"featureFlags,omitempty"`

	SubscriptionTitle string `json:"subscriptionTitle,omitempty"`
	SubscriptionType  string `json:"subscriptionType"`

	Usage     CreditsSummary  `json:"usage"`
	Resources []ResourceUsage `json:"resources"`
}

// NormalizeSubscriptionType reduces a plan title to Pro, Enterprise, Teams,
// or Free.
func NormalizeSubscriptionType(title string) string {
	up := strings.ToUpper(title)
	switch {
	case strings.Contains(up, "PRO"):
		return "Pro"
	case strings.Contains(up, "ENTERPRISE"):
		return "Enterprise"
	case strings.Contains(up, "TEAMS"):
		return "Teams"
	default:
		return "Free"
	}
}

// freeTrialEffective reports whether trial credit still counts toward the
// account's allowance. Without a status field a nonzero limit or usage is
// taken as still active.
func freeTrialEffective(ft *FreeTrialInfo) bool {
	if ft.FreeTrialStatus != "" {
		return strings.EqualFold(ft.FreeTrialStatus, "ACTIVE")
	}
	limit := pickFloat(ft.UsageLimitWithPrecision, ft.UsageLimit)
	current := pickFloat(ft.CurrentUsageWithPrecision, ft.CurrentUsage)
	return limit > 0 || current > 0
}

// bonusEffective mirrors freeTrialEffective for bonus grants, preferring the
// expiry timestamp when no status is present.
func bonusEffective(b *Bonus, now time.Time) bool {
	if b.Status != "" {
		return strings.EqualFold(b.Status, "ACTIVE")
	}
	if b.ExpiresAt != "" {
		if exp, err := time.Parse(time.RFC3339, b.ExpiresAt); err == nil {
			return exp.After(now)
		}
	}
	limit := pickFloat(b.UsageLimitWithPrecision, b.UsageLimit)
	current := pickFloat(b.CurrentUsageWithPrecision, b.CurrentUsage)
	return limit > 0 || current > 0
}

// AggregateAccountInfo merges the two portal responses into one view. user
// may be nil; usage is required.
func AggregateAccountInfo(user *UserInfo, usage *PortalUsage) *AccountInfo {
	info := &AccountInfo{}
	if user != nil {
		info.Email = user.Email
		info.UserID = user.UserID
		info.Idp = user.Idp
		info.Status = user.Status
		info.FeatureFlags = user.FeatureFlags
	}
	if usage.UserInfo != nil {
		// The usage response's identity wins; it reflects the token owner.
		if usage.UserInfo.Email != "" {
			info.Email = usage.UserInfo.Email
		}
		if usage.UserInfo.UserID != "" {
			info.UserID = usage.UserInfo.UserID
		}
	}

	if usage.SubscriptionInfo != nil {
		info.SubscriptionTitle = usage.SubscriptionInfo.SubscriptionTitle
	}
	info.SubscriptionType = NormalizeSubscriptionType(info.SubscriptionTitle)

	credit := usage.creditRow()
	summary := CreditsSummary{Bonuses: []CreditBonus{}}
	if credit != nil {
		summary.BaseLimit = pickFloat(credit.UsageLimitWithPrecision, credit.UsageLimit)
		summary.BaseCurrent = pickFloat(credit.CurrentUsageWithPrecision, credit.CurrentUsage)

		if ft := credit.FreeTrialInfo; ft != nil && freeTrialEffective(ft) {
			summary.FreeTrialLimit = pickFloat(ft.UsageLimitWithPrecision, ft.UsageLimit)
			summary.FreeTrialCurrent = pickFloat(ft.CurrentUsageWithPrecision, ft.CurrentUsage)
			summary.FreeTrialExpiry = ft.FreeTrialExpiry
		}

		now := time.Now()
		for i := range credit.Bonuses {
			b := &credit.Bonuses[i]
			if !bonusEffective(b, now) {
				continue
			}
			summary.Bonuses = append(summary.Bonuses, CreditBonus{
				Code:      b.BonusCode,
				Name:      b.DisplayName,
				Current:   pickFloat(b.CurrentUsageWithPrecision, b.CurrentUsage),
				Limit:     pickFloat(b.UsageLimitWithPrecision, b.UsageLimit),
				ExpiresAt: b.ExpiresAt,
			})
		}
	}

	summary.Limit = summary.BaseLimit + summary.FreeTrialLimit
	summary.Current = summary.BaseCurrent + summary.FreeTrialCurrent
	for _, b := range summary.Bonuses {
		summary.Limit += b.Limit
		summary.Current += b.Current
	}
	summary.NextResetDate = usage.NextDateReset
	if usage.OverageConfiguration != nil {
		summary.OverageEnabled = usage.OverageConfiguration.OverageEnabled
	}
	info.Usage = summary

	for _, b := range usage.UsageBreakdownList {
		info.Resources = append(info.Resources, ResourceUsage{
			ResourceType: b.ResourceType,
			DisplayName:  b.DisplayName,
			Unit:         b.Unit,
			Currency:     b.Currency,
			Current:      pickFloat(b.CurrentUsageWithPrecision, b.CurrentUsage),
			Limit:        pickFloat(b.UsageLimitWithPrecision, b.UsageLimit),
		})
	}
	return info
}

// FetchAccountInfo queries the web portal for one credential's identity,
// plan, and credit balances. Identity lookup failures degrade to the usage
// response's own user block.
func (e *Engine) FetchAccountInfo(ctx context.Context, id uint64) (*AccountInfo, error) {
	cc, err := e.pool.EnsureValidToken(ctx, id)
	if err != nil {
		return nil, err
	}
	idp := IdpForAuthMethod(cc.AuthMethod)

	user, err := GetUserInfo(ctx, e.client, cc.AccessToken, idp)
	if err != nil {
		utils.Debug("[Kiro] GetUserInfo for credential %d failed: %v", id, err)
		user = nil
	}
	usage, err := GetUserUsageAndLimits(ctx, e.client, cc.AccessToken, idp)
	if err != nil {
		return nil, err
	}
	return AggregateAccountInfo(user, usage), nil
}
