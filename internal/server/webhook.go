package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/summarly/internal/account/domain"
	"github.com/smallbiznis/summarly/internal/config"
	gatedomain "github.com/smallbiznis/summarly/internal/gatekeeper/domain"
	ledgerdomain "github.com/smallbiznis/summarly/internal/ledger/domain"
	"github.com/smallbiznis/summarly/internal/orchestrator"
	"go.uber.org/zap"
)

const maxEventBody = 1 << 20 // 1 MiB

type slackEnvelope struct {
	Type      string          `json:"type"`
	Challenge string          `json:"challenge"`
	EventID   string          `json:"event_id"`
	TeamID    string          `json:"team_id"`
	Event     json.RawMessage `json:"event"`
}

type slackEvent struct {
	Type     string `json:"type"`
	User     string `json:"user"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
	Files    []struct {
		ID       string `json:"id"`
		Filetype string `json:"filetype"`
	} `json:"files"`
}

// handleSlackEvents is the single ingress for the events API. The
// delivery is acked only after Admit has made the claim durable, so a
// crash between ack and processing still surfaces as a platform retry.
func (s *Server) handleSlackEvents(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	// Slash commands arrive form-encoded on the same signed endpoint.
	if strings.HasPrefix(c.ContentType(), "application/x-www-form-urlencoded") {
		s.handleSlashCommand(c, body)
		return
	}

	var env slackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	receipt, err := s.gateSvc.Admit(c.Request.Context(), gatedomain.AdmitRequest{
		Body:      body,
		Timestamp: c.GetHeader("X-Slack-Request-Timestamp"),
		Signature: c.GetHeader("X-Slack-Signature"),
		DedupKey:  gatedomain.DeriveKey(env.EventID, body),
	})
	if errors.Is(err, gatedomain.ErrDuplicateEvent) {
		// Ack retries of an already-claimed delivery so the platform
		// stops resending.
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	switch env.Type {
	case "url_verification":
		// Endpoint verification can be re-run from the platform's app
		// config at any time; dropping the claim lets every attempt be
		// answered with the challenge.
		if err := s.gateSvc.Release(c.Request.Context(), receipt.DedupKey); err != nil {
			s.log.Warn("gate release failed", zap.String("dedup_key", receipt.DedupKey), zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{"challenge": env.Challenge})
	case "event_callback":
		s.routeEvent(c, &env, receipt.DedupKey)
	default:
		s.completeClaim(c, receipt.DedupKey)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}

func (s *Server) routeEvent(c *gin.Context, env *slackEnvelope, dedupKey string) {
	var ev slackEvent
	if err := json.Unmarshal(env.Event, &ev); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	// Only the two subscribed event types act. Anything else (channel
	// messages included, which would echo the bot's own replies back)
	// is acked and closed out.
	switch ev.Type {
	case "app_mention":
		s.handleMention(c, env, &ev, dedupKey)
	case "app_home_opened":
		s.handleHomeOpened(c, env, &ev, dedupKey)
	default:
		s.completeClaim(c, dedupKey)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}

func (s *Server) completeClaim(c *gin.Context, dedupKey string) {
	if err := s.gateSvc.Complete(c.Request.Context(), dedupKey); err != nil {
		s.log.Warn("gate complete failed", zap.String("dedup_key", dedupKey), zap.Error(err))
	}
}

func (s *Server) handleMention(c *gin.Context, env *slackEnvelope, ev *slackEvent, dedupKey string) {
	fileID := ""
	for _, f := range ev.Files {
		if strings.EqualFold(f.Filetype, "pdf") {
			fileID = f.ID
			break
		}
	}

	if fileID == "" {
		// Nothing to summarize; no quota is touched.
		ctx := c.Request.Context()
		if err := s.slack.PostReply(ctx, ev.Channel, threadOf(ev), "Attach a PDF to your mention and I'll summarize it."); err != nil {
			s.log.Warn("hint reply failed", zap.Error(err))
		}
		s.completeClaim(c, dedupKey)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	s.pipeline.Dispatch(orchestrator.Request{
		DedupKey:  dedupKey,
		Identity:  accountdomain.Identity{UserID: ev.User, TeamID: env.TeamID},
		ChannelID: ev.Channel,
		ThreadTS:  threadOf(ev),
		FileID:    fileID,
	})
	c.JSON(http.StatusOK, gin.H{"status": "processing"})
}

func (s *Server) handleHomeOpened(c *gin.Context, env *slackEnvelope, ev *slackEvent, dedupKey string) {
	ctx := c.Request.Context()
	identity := accountdomain.Identity{UserID: ev.User, TeamID: env.TeamID}

	view := s.buildHomeView(ctx, identity)
	if err := s.slack.PublishHomeView(ctx, ev.User, view); err != nil {
		s.log.Warn("home view publish failed", zap.String("user_id", ev.User), zap.Error(err))
	}
	s.completeClaim(c, dedupKey)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) buildHomeView(ctx context.Context, identity accountdomain.Identity) map[string]any {
	month := ledgerdomain.MonthKey(s.clock.Now())
	usageLine := "Usage unavailable right now."
	if usage, err := s.ledgerSvc.Peek(ctx, identity, month); err == nil {
		if usage.Limit == config.Unlimited {
			usageLine = fmt.Sprintf("This month: %d summaries (unlimited plan).", usage.Count)
		} else {
			usageLine = fmt.Sprintf("This month: %d of %d summaries used.", usage.Count, usage.Limit)
		}
	}

	return map[string]any{
		"type": "home",
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": "*Summarly* turns PDFs into summaries. Mention the bot with a PDF attached to get started.",
				},
			},
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": usageLine,
				},
			},
		},
	}
}

// handleSlashCommand verifies and executes a slash command. Only
// /reset_limits exists today; it is admin-gated on account status.
func (s *Server) handleSlashCommand(c *gin.Context, body []byte) {
	ctx := c.Request.Context()

	if _, err := s.gateSvc.Admit(ctx, gatedomain.AdmitRequest{
		Body:      body,
		Timestamp: c.GetHeader("X-Slack-Request-Timestamp"),
		Signature: c.GetHeader("X-Slack-Signature"),
		DedupKey:  gatedomain.DeriveKey("", body),
	}); err != nil {
		if errors.Is(err, gatedomain.ErrDuplicateEvent) {
			c.String(http.StatusOK, "Already handled.")
			return
		}
		AbortWithError(c, err)
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	defer func() {
		if err := s.gateSvc.Complete(ctx, gatedomain.DeriveKey("", body)); err != nil {
			s.log.Warn("gate complete failed", zap.Error(err))
		}
	}()

	switch form.Get("command") {
	case "/reset_limits":
		s.runResetLimits(c, form)
	default:
		c.String(http.StatusOK, "Unknown command.")
	}
}

func (s *Server) runResetLimits(c *gin.Context, form url.Values) {
	ctx := c.Request.Context()
	caller := accountdomain.Identity{
		UserID: form.Get("user_id"),
		TeamID: form.Get("team_id"),
	}

	account, err := s.accountSvc.Resolve(ctx, caller)
	if err != nil || account.Status != accountdomain.StatusAdmin {
		c.String(http.StatusOK, "You are not allowed to run this command.")
		return
	}

	// "/reset_limits @user" resets someone else; bare command resets
	// the caller.
	target := caller
	if arg := strings.TrimSpace(form.Get("text")); arg != "" {
		target.UserID = strings.TrimPrefix(strings.TrimPrefix(arg, "<@"), "@")
		target.UserID = strings.TrimSuffix(strings.Split(target.UserID, "|")[0], ">")
	}

	if err := s.ledgerSvc.ResetMonthlyUsage(ctx, target); err != nil {
		s.log.Warn("reset limits failed", zap.Error(err))
		c.String(http.StatusOK, "Reset failed. Try again.")
		return
	}
	c.String(http.StatusOK, fmt.Sprintf("Monthly usage reset for <@%s>.", target.UserID))
}

func threadOf(ev *slackEvent) string {
	if ev.ThreadTS != "" {
		return ev.ThreadTS
	}
	return ev.TS
}
