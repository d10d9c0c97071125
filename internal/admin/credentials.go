package admin

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kirocommunity/kiro-claude-proxy/internal/auth"
	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/pool"
)

// credentialItem is one row of the credentials list: the pool's admin
// snapshot plus limiter and cached-balance state.
type credentialItem struct {
	pool.CredentialInfo
	RateLimit pool.RateLimitInfo `json:"rateLimit"`
	Balance   *balanceState      `json:"balance,omitempty"`
}

// balanceState is the cached-balance fragment of a list row. Rows without
// an initialized cache entry omit it.
type balanceState struct {
	Remaining   float64 `json:"remaining"`
	RecentUsage int     `json:"recentUsage"`
}

// ListCredentials handles GET /credentials.
func (s *Service) ListCredentials(c *gin.Context) {
	infos := s.pool.Snapshot()
	items := make([]credentialItem, 0, len(infos))
	available := 0
	for _, info := range infos {
		if !info.Disabled {
			available++
		}
		item := credentialItem{
			CredentialInfo: info,
			RateLimit:      s.pool.RateLimitSnapshot(info.ID),
		}
		if snap := s.pool.BalanceSnapshot(info.ID); snap.Initialized {
			item.Balance = &balanceState{Remaining: snap.Remaining, RecentUsage: snap.RecentUsage}
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Priority < items[j].Priority })

	c.JSON(http.StatusOK, gin.H{
		"total":       len(items),
		"available":   available,
		"credentials": items,
	})
}

// AddCredentialRequest is the POST /credentials body. Only refreshToken is
// required; authMethod defaults to social.
type AddCredentialRequest struct {
	RefreshToken string `json:"refreshToken"`
	AuthMethod   string `json:"authMethod"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	Priority     int    `json:"priority"`
	Region       string `json:"region"`
	MachineID    string `json:"machineId"`
	Email        string `json:"email"`
}

// AddCredential handles POST /credentials. The token is validated with a
// live refresh before the pool accepts it.
func (s *Service) AddCredential(c *gin.Context) {
	var req AddCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, errInvalidRequest, "invalid request body: %v", err)
		return
	}
	if req.Priority < 0 {
		respondError(c, http.StatusBadRequest, errInvalidRequest, "priority must be non-negative, got %d", req.Priority)
		return
	}
	method := strings.TrimSpace(req.AuthMethod)
	if method == "" {
		method = config.AuthMethodSocial
	}

	cred := &pool.Credential{
		AuthMethod:   method,
		RefreshToken: strings.TrimSpace(req.RefreshToken),
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Priority:     req.Priority,
		Region:       req.Region,
		MachineID:    req.MachineID,
		Email:        req.Email,
	}
	id, err := s.pool.Add(c.Request.Context(), cred)
	if err != nil {
		status, errType := classifyAddError(err)
		respondError(c, status, errType, "%v", err)
		return
	}

	resp := gin.H{
		"success":      true,
		"message":      fmt.Sprintf("credential added with id %d", id),
		"credentialId": id,
	}
	if req.Email != "" {
		resp["email"] = req.Email
	}
	c.JSON(http.StatusOK, resp)
}

// DeleteCredential handles DELETE /credentials/:id. Only disabled
// credentials may be removed; the balance file cache entry goes with it.
func (s *Service) DeleteCredential(c *gin.Context) {
	id, ok := credentialID(c)
	if !ok {
		return
	}
	if err := s.pool.Delete(id); err != nil {
		switch {
		case errors.Is(err, pool.ErrNotFound):
			respondError(c, http.StatusNotFound, errNotFound, "credential %d not found", id)
		case errors.Is(err, pool.ErrNotDisabled):
			respondError(c, http.StatusBadRequest, errInvalidCredential, "%v", err)
		default:
			respondError(c, http.StatusInternalServerError, errInternal, "%v", err)
		}
		return
	}
	s.balances.Remove(id)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("credential %d deleted", id)})
}

// DisableRequest is the POST /credentials/:id/disable body. The body is
// optional; an absent or empty reason records "manual".
type DisableRequest struct {
	Reason string `json:"reason"`
}

// DisableCredential handles POST /credentials/:id/disable.
func (s *Service) DisableCredential(c *gin.Context) {
	id, ok := credentialID(c)
	if !ok {
		return
	}
	var req DisableRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, errInvalidRequest, "invalid request body: %v", err)
			return
		}
	}
	if err := s.pool.Disable(id, req.Reason); err != nil {
		respondPoolError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("credential %d disabled", id)})
}

// EnableCredential handles POST /credentials/:id/enable. Enabling clears
// the failure count, cooldown and limiter backoff along with the flag.
func (s *Service) EnableCredential(c *gin.Context) {
	id, ok := credentialID(c)
	if !ok {
		return
	}
	if err := s.pool.ResetAndEnable(id); err != nil {
		respondPoolError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("credential %d enabled", id)})
}

// PriorityRequest is the POST /credentials/:id/priority body.
type PriorityRequest struct {
	Priority int `json:"priority"`
}

// SetPriority handles POST /credentials/:id/priority.
func (s *Service) SetPriority(c *gin.Context) {
	id, ok := credentialID(c)
	if !ok {
		return
	}
	var req PriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, errInvalidRequest, "invalid request body: %v", err)
		return
	}
	if req.Priority < 0 {
		respondError(c, http.StatusBadRequest, errInvalidRequest, "priority must be non-negative, got %d", req.Priority)
		return
	}
	if err := s.pool.SetPriority(id, req.Priority); err != nil {
		respondPoolError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("credential %d priority set to %d", id, req.Priority)})
}

// GetAccount handles GET /credentials/:id/account, querying the web portal
// for the credential's identity and credit breakdown. A learned email is
// written back to the pool for the list view.
func (s *Service) GetAccount(c *gin.Context) {
	id, ok := credentialID(c)
	if !ok {
		return
	}
	info, err := s.engine.FetchAccountInfo(c.Request.Context(), id)
	if err != nil {
		status, errType := classifyFetchError(err)
		respondError(c, status, errType, "%v", err)
		return
	}
	s.pool.SetEmail(id, info.Email)

	c.JSON(http.StatusOK, gin.H{
		"id":    id,
		"email": info.Email,
		"subscription": gin.H{
			"title": info.SubscriptionTitle,
			"type":  info.SubscriptionType,
		},
		"credits": gin.H{
			"total":     info.Usage.Limit,
			"used":      info.Usage.Current,
			"remaining": info.Usage.Remaining(),
		},
	})
}

// respondPoolError renders errors from simple pool mutations; anything but
// an unknown id is unexpected there.
func respondPoolError(c *gin.Context, id uint64, err error) {
	if errors.Is(err, pool.ErrNotFound) {
		respondError(c, http.StatusNotFound, errNotFound, "credential %d not found", id)
		return
	}
	respondError(c, http.StatusInternalServerError, errInternal, "%v", err)
}

// classifyAddError maps pool.Add failures. A fatal refresh response means
// the token itself is bad; transport trouble during the validation refresh
// is the upstream's fault; everything else (static validation, duplicates)
// is a credential defect.
func classifyAddError(err error) (int, string) {
	var ae *auth.Error
	if errors.As(err, &ae) {
		if ae.Fatal() {
			return http.StatusBadRequest, errInvalidCredential
		}
		return http.StatusBadGateway, errAPIError
	}
	if strings.Contains(err.Error(), "credential validation failed") {
		return http.StatusBadGateway, errAPIError
	}
	return http.StatusBadRequest, errInvalidCredential
}

// classifyFetchError maps balance and account fetch failures: unknown ids
// are 404, a fatally rejected refresh marks the credential invalid, and
// anything else happened talking upstream.
func classifyFetchError(err error) (int, string) {
	if errors.Is(err, pool.ErrNotFound) {
		return http.StatusNotFound, errNotFound
	}
	var ae *auth.Error
	if errors.As(err, &ae) && ae.Fatal() {
		return http.StatusBadRequest, errInvalidCredential
	}
	return http.StatusBadGateway, errAPIError
}
