package kiro

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/pool"
)

// streamingSDKVersion is the codewhispererstreaming client version the Kiro
// IDE reports; upstream validates the user-agent family.
const streamingSDKVersion = "1.0.27"

// GenerateURL returns the generateAssistantResponse endpoint for a region.
func GenerateURL(region string) string {
	return config.KiroAPIBase(region) + config.GenerateAssistantResponsePath
}

// MCPURL returns the MCP passthrough endpoint for a region.
func MCPURL(region string) string {
	return config.KiroAPIBase(region) + config.MCPPath
}

// UsageLimitsURL returns the usage endpoint (without query) for a region.
func UsageLimitsURL(region string) string {
	return config.KiroAPIBase(region) + config.GetUsageLimitsPath
}

// APIHost returns the region-qualified API host, used as the Host header.
func APIHost(region string) string {
	return fmt.Sprintf("q.%s.amazonaws.com", region)
}

func userAgent(cfg *config.Config, machineID string) string {
	return fmt.Sprintf("aws-sdk-js/%s ua/2.1 os/%s lang/js md/nodejs#%s api/codewhispererstreaming#%s m/E KiroIDE-%s-%s",
		streamingSDKVersion, cfg.SystemVersion, cfg.NodeVersion, streamingSDKVersion, cfg.KiroVersion, machineID)
}

func amzUserAgent(cfg *config.Config, machineID string) string {
	return fmt.Sprintf("aws-sdk-js/%s KiroIDE-%s-%s", streamingSDKVersion, cfg.KiroVersion, machineID)
}

// BuildHeaders builds the header set for a generateAssistantResponse call.
// The invocation id is fresh per call; Host and Connection are set on the
// request itself by the engine (req.Host, req.Close).
func BuildHeaders(cfg *config.Config, cc *pool.CallContext) map[string]string {
	return map[string]string{
		"Content-Type":                "application/json",
		"x-amzn-codewhisperer-optout": "true",
		"x-amzn-kiro-agent-mode":      config.AgentTaskTypeVibe,
		"x-amz-user-agent":            amzUserAgent(cfg, cc.MachineID),
		"User-Agent":                  userAgent(cfg, cc.MachineID),
		"amz-sdk-invocation-id":       uuid.New().String(),
		"amz-sdk-request":             "attempt=1; max=3",
		"Authorization":               "Bearer " + cc.AccessToken,
	}
}

// BuildMCPHeaders builds the header set for an MCP passthrough call. Same
// identity headers as generate, without the IDE agent-mode markers.
func BuildMCPHeaders(cfg *config.Config, cc *pool.CallContext) map[string]string {
	return map[string]string{
		"Content-Type":          "application/json",
		"x-amz-user-agent":      amzUserAgent(cfg, cc.MachineID),
		"User-Agent":            userAgent(cfg, cc.MachineID),
		"amz-sdk-invocation-id": uuid.New().String(),
		"amz-sdk-request":       "attempt=1; max=3",
		"Authorization":         "Bearer " + cc.AccessToken,
	}
}

// InjectProfileArn overrides the profileArn field in an already-marshaled
// request body. IdC token refreshes do not return a profile ARN, so the one
// stored on the credential must win over whatever the body carries. An
// empty ARN leaves the body untouched.
func InjectProfileArn(body []byte, profileArn string) ([]byte, error) {
	if profileArn == "" {
		return body, nil
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, fmt.Errorf("request body is not a JSON object")
	}
	out, err := sjson.SetBytes(body, "profileArn", profileArn)
	if err != nil {
		return nil, fmt.Errorf("inject profileArn: %w", err)
	}
	return out, nil
}
