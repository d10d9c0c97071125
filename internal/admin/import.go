package admin

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kirocommunity/kiro-claude-proxy/internal/importer"
	"github.com/kirocommunity/kiro-claude-proxy/internal/pool"
	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
)

// ImportRequest is the POST /import body. Items accepts a single
// token.json object or an array of them; source "ide" reads the local
// Kiro IDE state database instead (dbPath overrides its location). Dry
// run is the default; pass dryRun:false to apply.
type ImportRequest struct {
	Items  json.RawMessage `json:"items"`
	DryRun *bool           `json:"dryRun"`
	Source string          `json:"source"`
	DBPath string          `json:"dbPath"`
}

// Import handles POST /import.
func (s *Service) Import(c *gin.Context) {
	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, errInvalidRequest, "invalid request body: %v", err)
		return
	}
	dryRun := req.DryRun == nil || *req.DryRun

	var items []importer.Item
	var err error
	switch req.Source {
	case "":
		if len(req.Items) == 0 {
			respondError(c, http.StatusBadRequest, errInvalidRequest, "items is required")
			return
		}
		items, err = importer.ParseItems(req.Items)
	case "ide":
		items, err = importer.ReadIDEState(req.DBPath)
	default:
		respondError(c, http.StatusBadRequest, errInvalidRequest, "unknown import source %q", req.Source)
		return
	}
	if err != nil {
		respondError(c, http.StatusBadRequest, errInvalidRequest, "%v", err)
		return
	}

	report, accepted := importer.Plan(s.existingCredentials(), items)
	report.DryRun = dryRun

	if !dryRun {
		s.applyImport(report, accepted)
	}
	utils.Info("[Admin] Import (dryRun=%v): %d imported, %d skipped, %d invalid",
		dryRun, report.Imported, report.Skipped, report.Invalid)

	c.JSON(http.StatusOK, gin.H{
		"dryRun": report.DryRun,
		"summary": gin.H{
			"parsed":   len(report.Items),
			"imported": report.Imported,
			"skipped":  report.Skipped,
			"invalid":  report.Invalid,
		},
		"items": report.Items,
	})
}

// existingCredentials snapshots the pool for duplicate detection.
func (s *Service) existingCredentials() []*pool.Credential {
	ids := s.pool.IDs()
	creds := make([]*pool.Credential, 0, len(ids))
	for _, id := range ids {
		if cred, ok := s.pool.CredentialSnapshot(id); ok {
			copied := cred
			creds = append(creds, &copied)
		}
	}
	return creds
}

// applyImport adds the accepted credentials to the live pool and writes
// the assigned ids back into the report. AddBatch re-checks duplicates
// under the pool lock; anything it refuses is downgraded to skipped.
func (s *Service) applyImport(report *importer.Report, accepted []*pool.Credential) {
	ids := s.pool.AddBatch(accepted)
	next := 0
	for i := range report.Items {
		if report.Items[i].Action != importer.ActionImported {
			continue
		}
		id := ids[next]
		next++
		if id == 0 {
			report.Items[i].Action = importer.ActionSkipped
			report.Items[i].Reason = "duplicate refresh token"
			report.Imported--
			report.Skipped++
			continue
		}
		report.Items[i].ID = id
	}
}
