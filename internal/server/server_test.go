package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream/eventstreamapi"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/kirocommunity/kiro-claude-proxy/internal/admin"
	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/convert"
	"github.com/kirocommunity/kiro-claude-proxy/internal/kiro"
	"github.com/kirocommunity/kiro-claude-proxy/internal/pool"
	"github.com/kirocommunity/kiro-claude-proxy/internal/stats"
	"github.com/kirocommunity/kiro-claude-proxy/pkg/anthropic"
)

// rewriteTransport redirects every request to the fake upstream while
// keeping the original Host header.
type rewriteTransport struct {
	addr string
}

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = "http"
	clone.URL.Host = rt.addr
	return http.DefaultTransport.RoundTrip(clone)
}

func longToken(seed string) string {
	return seed + strings.Repeat("x", 120)
}

func validUntil(d time.Duration) string {
	return time.Now().Add(d).UTC().Format(time.RFC3339)
}

type testEnv struct {
	srv   *Server
	pool  *pool.Manager
	stats *stats.MemoryStore
	cfg   *config.Config
}

// newTestServer builds the full router over one pooled credential. A nil
// upstream means the test never reaches the call engine.
func newTestServer(t *testing.T, upstream http.HandlerFunc) *testEnv {
	t.Helper()
	t.Setenv(config.AppDirEnv, t.TempDir())

	creds := []*pool.Credential{{
		ID:           1,
		AuthMethod:   config.AuthMethodSocial,
		RefreshToken: longToken("a"),
		AccessToken:  "at-1",
		ExpiresAt:    validUntil(time.Hour),
	}}
	path := filepath.Join(t.TempDir(), "credentials.json")
	data, err := json.Marshal(creds)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg := config.DefaultConfig()
	cfg.MachineID = "machine-server"
	cfg.APIKey = "test-key"
	cfg.AdminAPIKey = "admin-key"
	cfg.CredentialRPM = 600000

	client := http.DefaultClient
	if upstream != nil {
		fake := httptest.NewServer(upstream)
		t.Cleanup(fake.Close)
		client = &http.Client{Transport: rewriteTransport{addr: fake.Listener.Addr().String()}}
	}

	clock := clockwork.NewRealClock()
	m, err := pool.NewManager(cfg, pool.NewStore(path), client, clock)
	require.NoError(t, err)
	// A fresh balance keeps successful calls from spawning usage fetches.
	m.UpdateBalance(1, 100)

	engine := kiro.NewEngine(m, client, cfg)
	st := stats.NewMemoryStore(clock)
	adminSvc := admin.NewService(cfg, m, engine, st)

	return &testEnv{
		srv:   New(cfg, m, engine, st, adminSvc),
		pool:  m,
		stats: st,
		cfg:   cfg,
	}
}

// request performs one in-process request. body may be nil, a raw string
// or a JSON-marshalable value; apiKey is sent as x-api-key when set.
func (env *testEnv) request(t *testing.T, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}

	w := httptest.NewRecorder()
	env.srv.Engine().ServeHTTP(w, req)
	return w
}

func errorType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	require.Equal(t, "error", resp.Type)
	return resp.Error.Type
}

// encodeFrames serializes messages into an event-stream body. Frames are
// built on the test goroutine; upstream handlers only write the bytes.
func encodeFrames(t *testing.T, msgs ...eventstream.Message) []byte {
	t.Helper()
	var buf bytes.Buffer
	encoder := eventstream.NewEncoder()
	for _, msg := range msgs {
		require.NoError(t, encoder.Encode(&buf, msg))
	}
	return buf.Bytes()
}

func textFrame(t *testing.T, content string) eventstream.Message {
	t.Helper()
	payload, err := json.Marshal(kiro.AssistantEvent{Content: content})
	require.NoError(t, err)
	msg := eventstream.Message{Payload: payload}
	msg.Headers.Set(eventstreamapi.MessageTypeHeader, eventstream.StringValue(eventstreamapi.EventMessageType))
	msg.Headers.Set(eventstreamapi.EventTypeHeader, eventstream.StringValue(kiro.EventAssistantResponse))
	return msg
}

func exceptionFrame(name, payload string) eventstream.Message {
	msg := eventstream.Message{Payload: []byte(payload)}
	msg.Headers.Set(eventstreamapi.MessageTypeHeader, eventstream.StringValue(eventstreamapi.ExceptionMessageType))
	msg.Headers.Set(eventstreamapi.ExceptionTypeHeader, eventstream.StringValue(name))
	return msg
}

func messagesBody(stream bool) map[string]any {
	return map[string]any{
		"model":      "claude-sonnet-4-5",
		"max_tokens": 256,
		"stream":     stream,
		"messages": []map[string]any{
			{"role": "user", "content": "Say hello"},
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestServer(t, nil)

	w := env.request(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status      string `json:"status"`
		Credentials struct {
			Enabled int `json:"enabled"`
			Total   int `json:"total"`
		} `json:"credentials"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, 1, resp.Credentials.Enabled)
	require.Equal(t, 1, resp.Credentials.Total)
}

func TestAPIKeyAuth(t *testing.T) {
	env := newTestServer(t, nil)

	w := env.request(t, http.MethodGet, "/v1/models", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "authentication_error", errorType(t, w))

	w = env.request(t, http.MethodGet, "/v1/models", "wrong-key", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.request(t, http.MethodGet, "/v1/models", "test-key", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyAuthAcceptsBearer(t *testing.T) {
	env := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer test-key")
	w := httptest.NewRecorder()
	env.srv.Engine().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestModelsCatalog(t *testing.T) {
	env := newTestServer(t, nil)

	w := env.request(t, http.MethodGet, "/v1/models", "test-key", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp anthropic.ModelsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 3)
	require.Equal(t, convert.ModelSonnet, resp.Data[0].ID)
	require.Equal(t, "model", resp.Data[0].Type)
	require.False(t, resp.HasMore)
	require.NotNil(t, resp.FirstID)
	require.Equal(t, convert.ModelSonnet, *resp.FirstID)
	require.NotNil(t, resp.LastID)
	require.Equal(t, convert.ModelHaiku, *resp.LastID)
}

func TestSilentEndpoints(t *testing.T) {
	env := newTestServer(t, nil)

	for _, path := range []string{"/", "/api/event_logging/batch"} {
		w := env.request(t, http.MethodPost, path, "", map[string]any{"events": []any{}})
		require.Equal(t, http.StatusOK, w.Code, path)
		require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	env := newTestServer(t, nil)

	w := env.request(t, http.MethodGet, "/nope", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "not_found_error", errorType(t, w))
}

func TestCORSPreflightSkipsAuth(t *testing.T) {
	env := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/v1/messages", nil)
	w := httptest.NewRecorder()
	env.srv.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "x-api-key")
}

func TestMessagesNonStreaming(t *testing.T) {
	frames := encodeFrames(t, textFrame(t, "Hello"), textFrame(t, " world"))
	env := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(frames)
	})

	w := env.request(t, http.MethodPost, "/v1/messages", "test-key", messagesBody(false))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp anthropic.MessagesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "message", resp.Type)
	require.Equal(t, "assistant", resp.Role)
	require.Equal(t, "claude-sonnet-4-5", resp.Model)
	require.Equal(t, "end_turn", resp.StopReason)
	require.Len(t, resp.Content, 1)
	require.Equal(t, "text", resp.Content[0].Type)
	require.Equal(t, "Hello world", resp.Content[0].Text)
	require.NotNil(t, resp.Usage)
	require.Positive(t, resp.Usage.InputTokens)
	require.Positive(t, resp.Usage.OutputTokens)

	// The served request lands in the per-model counters.
	recent, err := env.stats.Recent(t.Context(), 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, int64(1), recent[0].Total)
	require.Equal(t, int64(1), recent[0].Models[convert.ModelSonnet])
}

func TestMessagesStreaming(t *testing.T) {
	frames := encodeFrames(t, textFrame(t, "Hel"), textFrame(t, "lo"))
	env := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(frames)
	})

	w := env.request(t, http.MethodPost, "/v1/messages", "test-key", messagesBody(true))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	require.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	body := w.Body.String()
	require.Contains(t, body, "event: message_start")
	require.Contains(t, body, "event: content_block_start")
	require.Contains(t, body, `"index":0`, "the first content block carries its index on the wire")
	require.Contains(t, body, `"text":"Hel"`)
	require.Contains(t, body, `"text":"lo"`)
	require.Contains(t, body, "event: content_block_stop")
	require.Contains(t, body, `"stop_reason":"end_turn"`)
	require.Contains(t, body, "event: message_stop")
}

func TestMessagesRejectsEmptyMessages(t *testing.T) {
	env := newTestServer(t, nil)

	body := map[string]any{"model": "claude-sonnet-4-5", "max_tokens": 16, "messages": []any{}}
	w := env.request(t, http.MethodPost, "/v1/messages", "test-key", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_request_error", errorType(t, w))
}

func TestMessagesRejectsUnknownModel(t *testing.T) {
	env := newTestServer(t, nil)

	body := messagesBody(false)
	body["model"] = "gpt-4o"
	w := env.request(t, http.MethodPost, "/v1/messages", "test-key", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_request_error", errorType(t, w))
}

func TestMessagesRejectsMalformedJSON(t *testing.T) {
	env := newTestServer(t, nil)

	w := env.request(t, http.MethodPost, "/v1/messages", "test-key", "{not json")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_request_error", errorType(t, w))
}

func TestMessagesUpstreamBadRequest(t *testing.T) {
	env := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"Improperly formed request."}`))
	})

	w := env.request(t, http.MethodPost, "/v1/messages", "test-key", messagesBody(false))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_request_error", errorType(t, w))

	// Failed requests stay out of the usage counters.
	recent, err := env.stats.Recent(t.Context(), 1)
	require.NoError(t, err)
	require.Empty(t, recent)
}

func TestMessagesStreamingEmptyUpstreamAnswersJSON(t *testing.T) {
	env := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	w := env.request(t, http.MethodPost, "/v1/messages", "test-key", messagesBody(true))
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Equal(t, "upstream_error", errorType(t, w))
	require.Contains(t, w.Header().Get("Content-Type"), "application/json",
		"headers must not be committed as SSE before the first event")
}

func TestMessagesStreamingMidStreamException(t *testing.T) {
	frames := encodeFrames(t,
		textFrame(t, "partial"),
		exceptionFrame("ThrottlingException", `{"message":"rate limit exceeded"}`),
	)
	env := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(frames)
	})

	w := env.request(t, http.MethodPost, "/v1/messages", "test-key", messagesBody(true))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	require.Contains(t, body, `"text":"partial"`)
	require.Contains(t, body, "event: error")
	require.Contains(t, body, "upstream_error")
	require.NotContains(t, body, "event: message_stop")

	// The keyword in the exception suspends the serving credential.
	require.Equal(t, 1, env.pool.RateLimitSnapshot(1).Failures)
}

func TestCountTokensEstimatesLocally(t *testing.T) {
	var calls atomic.Int32
	env := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	w := env.request(t, http.MethodPost, "/v1/messages/count_tokens", "test-key", messagesBody(false))
	require.Equal(t, http.StatusOK, w.Code)

	var resp anthropic.CountTokensResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Positive(t, resp.InputTokens)
	require.Zero(t, calls.Load(), "count_tokens must not call upstream")
}

func TestMCPPassthrough(t *testing.T) {
	env := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mcp" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`))
	})

	w := env.request(t, http.MethodPost, "/mcp", "test-key",
		map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tools/list"})
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`, w.Body.String())
}

func TestMCPRelaysUpstreamErrors(t *testing.T) {
	env := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"error":"teapot"}`))
	})

	w := env.request(t, http.MethodPost, "/mcp", "test-key", map[string]any{"jsonrpc": "2.0"})
	require.Equal(t, http.StatusTeapot, w.Code)
	require.JSONEq(t, `{"error":"teapot"}`, w.Body.String())
}

func TestAdminGroupRequiresAdminKey(t *testing.T) {
	env := newTestServer(t, nil)

	w := env.request(t, http.MethodGet, "/api/admin/credentials", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.request(t, http.MethodGet, "/api/admin/credentials", "test-key", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code, "main API key must not open the admin surface")

	w = env.request(t, http.MethodGet, "/api/admin/credentials", "admin-key", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAdminKeyFallsBackToAPIKey(t *testing.T) {
	env := newTestServer(t, nil)
	env.cfg.AdminAPIKey = ""

	w := env.request(t, http.MethodGet, "/api/admin/credentials", "test-key", nil)
	require.Equal(t, http.StatusOK, w.Code)
}
