package kiro

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/pool"
	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
)

// maxErrorBodyBytes bounds how much of a failed upstream response is read
// for classification and logging.
const maxErrorBodyBytes = 512 * 1024

// Engine sends converted requests upstream, rotating through the credential
// pool with retry and failover. A 2xx response is returned raw; the caller
// owns the body (an AWS event stream for the generation endpoint).
type Engine struct {
	pool   *pool.Manager
	client *http.Client
	cfg    *config.Config
}

// NewEngine builds a call engine over the pool and a shared HTTP client.
func NewEngine(p *pool.Manager, client *http.Client, cfg *config.Config) *Engine {
	return &Engine{pool: p, client: client, cfg: cfg}
}

// Pool exposes the credential pool backing this engine.
func (e *Engine) Pool() *pool.Manager { return e.pool }

// Call posts a marshaled conversation to generateAssistantResponse and
// returns the upstream response together with the credential that served it.
func (e *Engine) Call(ctx context.Context, body []byte, userID string) (*http.Response, *pool.CallContext, error) {
	return e.call(ctx, body, userID, false)
}

// CallMCP forwards an MCP payload verbatim. No profile ARN is injected and
// no user affinity applies.
func (e *Engine) CallMCP(ctx context.Context, body []byte) (*http.Response, *pool.CallContext, error) {
	return e.call(ctx, body, "", true)
}

func (e *Engine) call(ctx context.Context, body []byte, userID string, mcp bool) (*http.Response, *pool.CallContext, error) {
	if len(body) > config.MaxUpstreamBodySize {
		return nil, nil, NewBodyTooLargeError(len(body), config.MaxUpstreamBodySize)
	}

	maxRetries := e.maxRetries()
	forcedRefresh := make(map[uint64]struct{})
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		cc, err := e.pool.Acquire(ctx, userID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			lastErr = translatePoolError(err)
			utils.Warn("[Kiro] attempt %d/%d: no credential available: %v", attempt+1, maxRetries, err)
			continue
		}

		finalBody := body
		var headers map[string]string
		if mcp {
			headers = BuildMCPHeaders(e.cfg, cc)
		} else {
			headers = BuildHeaders(e.cfg, cc)
			if cc.ProfileArn != "" {
				finalBody, err = InjectProfileArn(body, cc.ProfileArn)
				if err != nil {
					return nil, nil, err
				}
			}
		}

		utils.Debug("[Kiro] attempt %d/%d using credential %d", attempt+1, maxRetries, cc.ID)

		resp, err := e.send(ctx, mcp, headers, finalBody)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			// Transport failures are never charged to the credential; a
			// flaky network would otherwise disable the whole pool.
			utils.Warn("[Kiro] attempt %d/%d: credential %d network error: %v", attempt+1, maxRetries, cc.ID, err)
			lastErr = err
			e.sleepBeforeRetry(ctx, attempt, maxRetries)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			e.pool.ReportSuccess(cc.ID)
			if !mcp {
				e.spawnBalanceRefresh(cc.ID)
			}
			return resp, cc, nil
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		bodyStr := string(respBody)
		status := resp.StatusCode
		lastErr = NewUpstreamError(status, bodyStr)

		switch {
		case status == http.StatusPaymentRequired && isMonthlyQuotaExhausted(bodyStr):
			utils.Warn("[Kiro] credential %d monthly quota exhausted", cc.ID)
			if !e.pool.ReportQuotaExhausted(cc.ID) {
				return nil, nil, NewNoCredentialsError("all credentials exhausted their monthly quota")
			}
			lastErr = NewQuotaExhaustedError(cc.ID)

		case status == http.StatusBadRequest:
			// Upstream rejected the conversation shape. Retrying with
			// another credential cannot fix the payload, so surface
			// everything needed to reproduce it.
			utils.Error("[Kiro] upstream 400 for credential %d: %s", cc.ID, bodyStr)
			utils.Error("[Kiro] rejected request body: %s", finalBody)
			return nil, nil, NewUpstreamError(status, bodyStr)

		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			if _, done := forcedRefresh[cc.ID]; !done && isInvalidBearerToken(bodyStr) {
				forcedRefresh[cc.ID] = struct{}{}
				utils.Warn("[Kiro] credential %d bearer token rejected, forcing refresh", cc.ID)
				e.pool.InvalidateAccessToken(cc.ID)
				continue
			}
			utils.Warn("[Kiro] credential %d auth failure %d: %s", cc.ID, status, truncateForError(bodyStr))
			if !e.pool.ReportFailure(cc.ID, bodyStr) {
				return nil, nil, NewNoCredentialsError("all credentials unavailable after repeated auth failures")
			}

		case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
			if isModelTemporarilyUnavailable(bodyStr) {
				if e.pool.ReportModelUnavailable() {
					return nil, nil, NewModelUnavailableError(config.ModelUnavailableRecovery)
				}
				e.sleepBeforeRetry(ctx, attempt, maxRetries)
				continue
			}
			if status == http.StatusTooManyRequests {
				e.pool.SuspendOnKeyword(cc.ID, bodyStr)
			}
			utils.Warn("[Kiro] attempt %d/%d: credential %d transient %d: %s", attempt+1, maxRetries, cc.ID, status, truncateForError(bodyStr))
			e.sleepBeforeRetry(ctx, attempt, maxRetries)

		case status >= 400 && status < 500:
			utils.Warn("[Kiro] upstream %d for credential %d: %s", status, cc.ID, truncateForError(bodyStr))
			return nil, nil, NewUpstreamError(status, bodyStr)

		default:
			e.sleepBeforeRetry(ctx, attempt, maxRetries)
		}
	}

	if lastErr != nil {
		return nil, nil, lastErr
	}
	return nil, nil, NewMaxRetriesError(maxRetries, nil)
}

// maxRetries budgets attempts by pool size so a single request cannot churn
// through every credential twice on a large pool.
func (e *Engine) maxRetries() int {
	_, total := e.pool.Counts()
	n := total * 2
	if n > config.RetryCapTotal {
		n = config.RetryCapTotal
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (e *Engine) send(ctx context.Context, mcp bool, headers map[string]string, body []byte) (*http.Response, error) {
	url := GenerateURL(e.cfg.Region)
	if mcp {
		url = MCPURL(e.cfg.Region)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Host = APIHost(e.cfg.Region)
	req.Close = true
	return e.client.Do(req)
}

// sleepBeforeRetry waits out the exponential backoff unless this was the
// final attempt or the caller went away.
func (e *Engine) sleepBeforeRetry(ctx context.Context, attempt, maxRetries int) {
	if attempt+1 >= maxRetries {
		return
	}
	select {
	case <-ctx.Done():
	case <-e.pool.Clock().After(retryDelay(attempt)):
	}
}

// retryDelay grows 200ms, 400ms, 800ms, ... capped at 2s, with up to 25%
// added jitter so concurrent retries spread out.
func retryDelay(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	d := config.RetryBackoffBase << uint(attempt)
	if d > config.RetryBackoffCap {
		d = config.RetryBackoffCap
	}
	return d + time.Duration(rand.Float64()*config.RetryJitterFrac*float64(d))
}

// spawnBalanceRefresh re-fetches the credential's usage limits in the
// background when the cached balance is stale. Fire and forget; the request
// that triggered it never waits.
func (e *Engine) spawnBalanceRefresh(id uint64) {
	if !e.pool.NeedsBalanceRefresh(id) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		limits, err := e.FetchUsageLimits(ctx, id)
		if err != nil {
			utils.Warn("[Kiro] background balance refresh for credential %d failed: %v", id, err)
			return
		}
		e.pool.UpdateBalance(id, limits.Remaining())
		utils.Debug("[Kiro] credential %d balance refreshed: %.2f remaining", id, limits.Remaining())
	}()
}

// translatePoolError maps pool selection failures onto the upstream error
// taxonomy the HTTP layer knows how to render.
func translatePoolError(err error) error {
	var nce *pool.NoCredentialsError
	if errors.As(err, &nce) {
		return NewNoCredentialsError(nce.Error())
	}
	var boe *pool.BreakerOpenError
	if errors.As(err, &boe) {
		return NewModelUnavailableError(boe.RetryAfter)
	}
	return err
}

// hasUpstreamReason reports whether an error body names the given machine
// reason, either anywhere in the raw text or at the JSON paths "reason" and
// "error.reason".
func hasUpstreamReason(body, reason string) bool {
	if strings.Contains(body, reason) {
		return true
	}
	if gjson.Get(body, "reason").Str == reason {
		return true
	}
	return gjson.Get(body, "error.reason").Str == reason
}

func isMonthlyQuotaExhausted(body string) bool {
	return hasUpstreamReason(body, "MONTHLY_REQUEST_COUNT")
}

func isModelTemporarilyUnavailable(body string) bool {
	return hasUpstreamReason(body, "MODEL_TEMPORARILY_UNAVAILABLE")
}

// isInvalidBearerToken matches the upstream rejection of an expired or
// revoked access token, e.g. {"message":"The bearer token included in the
// request is invalid."}.
func isInvalidBearerToken(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "bearer token") && strings.Contains(lower, "invalid")
}
