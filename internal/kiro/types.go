package kiro

import (
	"encoding/json"
	"strings"
)

// Request is the envelope posted to generateAssistantResponse. ProfileArn
// is omitted here and injected later by the call engine so the same body
// can be replayed against credentials with and without a profile.
type Request struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

// ConversationState is the upstream conversation schema
type ConversationState struct {
	ConversationID      string           `json:"conversationId"`
	AgentContinuationID string           `json:"agentContinuationId,omitempty"`
	AgentTaskType       string           `json:"agentTaskType,omitempty"`
	ChatTriggerType     string           `json:"chatTriggerType"`
	CurrentMessage      *CurrentMessage  `json:"currentMessage,omitempty"`
	History             []HistoryMessage `json:"history,omitempty"`
}

// CurrentMessage wraps the message the model should respond to
type CurrentMessage struct {
	UserInputMessage *UserInputMessage `json:"userInputMessage,omitempty"`
}

// HistoryMessage is a oneof: exactly one of the two fields is set
type HistoryMessage struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// IsUser reports whether the entry is a user turn
func (m *HistoryMessage) IsUser() bool {
	return m.UserInputMessage != nil
}

// IsAssistant reports whether the entry is an assistant turn
func (m *HistoryMessage) IsAssistant() bool {
	return m.AssistantResponseMessage != nil
}

// UserInputMessage is a user turn
type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId,omitempty"`
	Origin                  string                   `json:"origin,omitempty"`
	Images                  []Image                  `json:"images,omitempty"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

// UserInputMessageContext carries tool results and tool definitions
type UserInputMessageContext struct {
	ToolResults []ToolResult `json:"toolResults,omitempty"`
	Tools       []Tool       `json:"tools,omitempty"`
}

// AssistantResponseMessage is an assistant turn
type AssistantResponseMessage struct {
	Content  string         `json:"content"`
	ToolUses []ToolUseEntry `json:"toolUses,omitempty"`
}

// ToolUseEntry is a tool invocation recorded in history
type ToolUseEntry struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the client-reported outcome of a tool invocation
type ToolResult struct {
	ToolUseID string              `json:"toolUseId"`
	Content   []ToolResultContent `json:"content"`
	Status    string              `json:"status,omitempty"`
}

// ToolResultContent is a fragment of a tool result, either text or JSON.
// Text has no omitempty so an empty result still serializes as {"text":""}.
type ToolResultContent struct {
	Text string          `json:"text"`
	JSON json.RawMessage `json:"json,omitempty"`
}

// Tool wraps a tool definition
type Tool struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

// ToolSpecification describes a tool the model may invoke
type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema wraps the JSON schema for a tool's input
type InputSchema struct {
	JSON json.RawMessage `json:"json"`
}

// Image is an inline image attached to a user turn
type Image struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

// ImageSource carries base64-encoded image bytes
type ImageSource struct {
	Bytes string `json:"bytes"`
}

// Stream event payloads. The upstream stream is AWS event-stream framed;
// each event's payload is one of these JSON shapes, selected by the
// :event-type header.

// Event type names as they appear in the :event-type frame header
const (
	EventAssistantResponse = "assistantResponseEvent"
	EventToolUse           = "toolUseEvent"
	EventMessageMetadata   = "messageMetadataEvent"
	EventError             = "errorEvent"
)

// AssistantEvent is the payload of assistantResponseEvent frames
type AssistantEvent struct {
	Content string `json:"content,omitempty"`
}

// ToolUseEvent is the payload of toolUseEvent frames. Input arrives as
// string fragments across multiple frames; Stop marks the final frame.
type ToolUseEvent struct {
	ToolUseID string `json:"toolUseId,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     string `json:"input,omitempty"`
	Stop      bool   `json:"stop,omitempty"`
}

// MetadataEvent is the payload of messageMetadataEvent frames
type MetadataEvent struct {
	ConversationID string `json:"conversationId,omitempty"`
	UtteranceID    string `json:"utteranceId,omitempty"`
}

// ErrorEvent is the payload of errorEvent and exception frames
type ErrorEvent struct {
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Usage accounting shapes shared by the getUsageLimits REST endpoint and
// the web portal CBOR operations. Numeric fields come in plain and
// "withPrecision" variants; the precise one wins when both are present.

// UsageLimits is the response from getUsageLimits
type UsageLimits struct {
	UsageBreakdownList   []UsageBreakdown      `json:"usageBreakdownList,omitempty"`
	SubscriptionInfo     *SubscriptionInfo     `json:"subscriptionInfo,omitempty"`
	NextDateReset        string                `json:"nextDateReset,omitempty"`
	DaysUntilReset       *int                  `json:"daysUntilReset,omitempty"`
	OverageConfiguration *OverageConfiguration `json:"overageConfiguration,omitempty"`
}

// UsageBreakdown is one resource's usage row
type UsageBreakdown struct {
	ResourceType string `json:"resourceType,omitempty"`

	CurrentUsage              *float64 `json:"currentUsage,omitempty"`
	CurrentUsageWithPrecision *float64 `json:"currentUsageWithPrecision,omitempty"`
	UsageLimit                *float64 `json:"usageLimit,omitempty"`
	UsageLimitWithPrecision   *float64 `json:"usageLimitWithPrecision,omitempty"`

	DisplayName       string   `json:"displayName,omitempty"`
	DisplayNamePlural string   `json:"displayNamePlural,omitempty"`
	Currency          string   `json:"currency,omitempty"`
	Unit              string   `json:"unit,omitempty"`
	OverageRate       *float64 `json:"overageRate,omitempty"`
	OverageCap        *float64 `json:"overageCap,omitempty"`

	FreeTrialInfo *FreeTrialInfo `json:"freeTrialInfo,omitempty"`
	Bonuses       []Bonus        `json:"bonuses,omitempty"`
}

// FreeTrialInfo describes a breakdown row's trial allowance
type FreeTrialInfo struct {
	UsageLimit                *float64 `json:"usageLimit,omitempty"`
	UsageLimitWithPrecision   *float64 `json:"usageLimitWithPrecision,omitempty"`
	CurrentUsage              *float64 `json:"currentUsage,omitempty"`
	CurrentUsageWithPrecision *float64 `json:"currentUsageWithPrecision,omitempty"`
	FreeTrialExpiry           string   `json:"freeTrialExpiry,omitempty"`
	FreeTrialStatus           string   `json:"freeTrialStatus,omitempty"`
}

// Bonus is a promotional credit grant attached to a breakdown row
type Bonus struct {
	BonusCode   string `json:"bonusCode,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	UsageLimit                *float64 `json:"usageLimit,omitempty"`
	UsageLimitWithPrecision   *float64 `json:"usageLimitWithPrecision,omitempty"`
	CurrentUsage              *float64 `json:"currentUsage,omitempty"`
	CurrentUsageWithPrecision *float64 `json:"currentUsageWithPrecision,omitempty"`

	Status    string `json:"status,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// SubscriptionInfo describes the account's plan
type SubscriptionInfo struct {
	Type                         string `json:"type,omitempty"`
	SubscriptionTitle            string `json:"subscriptionTitle,omitempty"`
	UpgradeCapability            string `json:"upgradeCapability,omitempty"`
	OverageCapability            string `json:"overageCapability,omitempty"`
	SubscriptionManagementTarget string `json:"subscriptionManagementTarget,omitempty"`
}

// OverageConfiguration reports whether pay-per-use overage is on
type OverageConfiguration struct {
	OverageEnabled *bool `json:"overageEnabled,omitempty"`
}

func pickFloat(primary, fallback *float64) float64 {
	if primary != nil {
		return *primary
	}
	if fallback != nil {
		return *fallback
	}
	return 0
}

// creditRow finds the CREDIT breakdown row (matched by resource type or
// display name, case-insensitively)
func (u *UsageLimits) creditRow() *UsageBreakdown {
	for i := range u.UsageBreakdownList {
		b := &u.UsageBreakdownList[i]
		if strings.EqualFold(b.ResourceType, "CREDIT") || strings.EqualFold(b.DisplayName, "Credits") {
			return b
		}
	}
	return nil
}

// CurrentUsage returns the consumed credit amount
func (u *UsageLimits) CurrentUsage() float64 {
	if c := u.creditRow(); c != nil {
		return pickFloat(c.CurrentUsageWithPrecision, c.CurrentUsage)
	}
	return 0
}

// UsageLimit returns the total credit allowance
func (u *UsageLimits) UsageLimit() float64 {
	if c := u.creditRow(); c != nil {
		return pickFloat(c.UsageLimitWithPrecision, c.UsageLimit)
	}
	return 0
}

// Remaining returns the unconsumed credit, floored at zero
func (u *UsageLimits) Remaining() float64 {
	r := u.UsageLimit() - u.CurrentUsage()
	if r < 0 {
		return 0
	}
	return r
}

// SubscriptionTitle returns the plan title, empty when unknown
func (u *UsageLimits) SubscriptionTitle() string {
	if u.SubscriptionInfo == nil {
		return ""
	}
	return u.SubscriptionInfo.SubscriptionTitle
}
