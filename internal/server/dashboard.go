package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/summarly/internal/account/domain"
	"github.com/smallbiznis/summarly/internal/config"
	gatedomain "github.com/smallbiznis/summarly/internal/gatekeeper/domain"
	ledgerdomain "github.com/smallbiznis/summarly/internal/ledger/domain"
	"github.com/smallbiznis/summarly/internal/orchestrator"
)

const maxPDFBytes = 20 << 20 // 20 MiB

var pdfFetchClient = &http.Client{Timeout: 30 * time.Second}

func (s *Server) handleDashboard(c *gin.Context) {
	principal := currentPrincipal(c)
	if principal == nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	month := ledgerdomain.MonthKey(s.clock.Now())
	usage, err := s.ledgerSvc.Peek(c.Request.Context(), principal.Identity, month)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := gin.H{
		"user_id": principal.Identity.UserID,
		"team_id": principal.Identity.TeamID,
		"email":   principal.Account.Email,
		"status":  principal.Account.Status,
		"usage": gin.H{
			"month": month,
			"count": usage.Count,
			"limit": usage.Limit,
		},
	}
	if principal.Account.TrialStartAt != nil {
		resp["trial_ends_at"] = principal.Account.TrialStartAt.Add(s.cfg.TrialDuration)
	}
	if principal.Account.SubscriptionEndAt != nil {
		resp["subscription_ends_at"] = principal.Account.SubscriptionEndAt
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleUsage(c *gin.Context) {
	principal := currentPrincipal(c)
	if principal == nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	month := c.Query("month")
	if month == "" {
		month = ledgerdomain.MonthKey(s.clock.Now())
	}

	usage, err := s.ledgerSvc.Peek(c.Request.Context(), principal.Identity, month)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"month":     month,
		"count":     usage.Count,
		"limit":     usage.Limit,
		"unlimited": usage.Limit == config.Unlimited,
	})
}

type processPDFRequest struct {
	URL string `json:"url"`
}

// handleProcessPDF runs the pipeline for a PDF supplied over the API
// instead of a webhook. The same quota and extraction rules apply; the
// summary comes back in the response body rather than a channel reply.
func (s *Server) handleProcessPDF(c *gin.Context) {
	principal := currentPrincipal(c)
	if principal == nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	content, err := s.readPDFInput(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.pipeline.Run(c.Request.Context(), orchestrator.Request{
		DedupKey: "api:" + gatedomain.HashPayload(content),
		Identity: principal.Identity,
		Content:  content,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	switch result.State {
	case orchestrator.StateDenied:
		status = http.StatusTooManyRequests
	case orchestrator.StateExtractionFailed, orchestrator.StateSummarizationFailed:
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{
		"state":   result.State,
		"summary": result.Summary,
	})
}

func (s *Server) readPDFInput(c *gin.Context) ([]byte, error) {
	if c.ContentType() == "application/pdf" {
		content, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPDFBytes))
		if err != nil || len(content) == 0 {
			return nil, ErrInvalidRequest
		}
		return content, nil
	}

	var req processPDFRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		return nil, ErrInvalidRequest
	}

	httpReq, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, ErrInvalidRequest
	}
	resp, err := pdfFetchClient.Do(httpReq)
	if err != nil {
		return nil, ErrInvalidRequest
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, ErrInvalidRequest
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFBytes))
	if err != nil || len(content) == 0 {
		return nil, ErrInvalidRequest
	}
	return content, nil
}

type resetUsageRequest struct {
	UserID string `json:"user_id" binding:"required"`
	TeamID string `json:"team_id" binding:"required"`
}

func (s *Server) handleAdminResetUsage(c *gin.Context) {
	var req resetUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	identity := accountdomain.Identity{UserID: req.UserID, TeamID: req.TeamID}
	if err := s.ledgerSvc.ResetMonthlyUsage(c.Request.Context(), identity); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}
