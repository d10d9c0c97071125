package kiro

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/pool"
)

// The usage endpoint is served by the codewhispererruntime API, which
// announces itself with a different SDK version than the streaming API.
const usageSDKVersion = "1.0.0"

// usageHeaders builds the header set for getUsageLimits. The runtime API
// expects a pinned os/node fingerprint rather than the configured one.
func usageHeaders(cfg *config.Config, cc *pool.CallContext) map[string]string {
	ide := fmt.Sprintf("KiroIDE-%s-%s", cfg.KiroVersion, cc.MachineID)
	return map[string]string{
		"x-amz-user-agent": fmt.Sprintf("aws-sdk-js/%s %s", usageSDKVersion, ide),
		"User-Agent": fmt.Sprintf(
			"aws-sdk-js/%s ua/2.1 os/darwin#24.6.0 lang/js md/nodejs#22.21.1 api/codewhispererruntime#%s m/N,E %s",
			usageSDKVersion, usageSDKVersion, ide),
		"amz-sdk-invocation-id": uuid.New().String(),
		"amz-sdk-request":       "attempt=1; max=1",
		"Authorization":         "Bearer " + cc.AccessToken,
	}
}

// GetUsageLimits queries the remaining credit allowance for one credential.
// The caller must supply a valid access token in cc.
func GetUsageLimits(ctx context.Context, client *http.Client, cfg *config.Config, cc *pool.CallContext) (*UsageLimits, error) {
	u := UsageLimitsURL(cfg.Region) + "?origin=AI_EDITOR&resourceType=AGENTIC_REQUEST"
	if cc.ProfileArn != "" {
		u += "&profileArn=" + url.QueryEscape(cc.ProfileArn)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build usage limits request: %w", err)
	}
	for k, v := range usageHeaders(cfg, cc) {
		req.Header.Set(k, v)
	}
	req.Host = APIHost(cfg.Region)
	req.Close = true

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch usage limits: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read usage limits response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewUpstreamError(resp.StatusCode, string(body))
	}

	var limits UsageLimits
	if err := json.Unmarshal(body, &limits); err != nil {
		return nil, fmt.Errorf("decode usage limits response: %w", err)
	}
	return &limits, nil
}

// FetchUsageLimits refreshes the credential's token if needed, then queries
// its usage limits. A 402 quota response disables the credential in the pool
// so selection stops handing it out.
func (e *Engine) FetchUsageLimits(ctx context.Context, id uint64) (*UsageLimits, error) {
	cc, err := e.pool.EnsureValidToken(ctx, id)
	if err != nil {
		return nil, err
	}
	limits, err := GetUsageLimits(ctx, e.client, e.cfg, cc)
	if err != nil {
		var ue *UpstreamError
		if errors.As(err, &ue) && ue.StatusCode == http.StatusPaymentRequired && isMonthlyQuotaExhausted(ue.Body) {
			e.pool.ReportQuotaExhausted(id)
		}
		return nil, err
	}
	return limits, nil
}
