package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	accountdomain "github.com/smallbiznis/summarly/internal/account/domain"
	"github.com/smallbiznis/summarly/internal/clock"
	"github.com/smallbiznis/summarly/internal/config"
	gatedomain "github.com/smallbiznis/summarly/internal/gatekeeper/domain"
	ledgerdomain "github.com/smallbiznis/summarly/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/summarly/internal/observability/metrics"
	"github.com/smallbiznis/summarly/internal/providers/extractor"
	slackprovider "github.com/smallbiznis/summarly/internal/providers/slack"
	"github.com/smallbiznis/summarly/internal/providers/summarizer"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// runTimeout bounds one full pipeline run, dispatch to terminal state.
const runTimeout = 5 * time.Minute

// Request is one admitted event to process. Exactly one of FileID or
// Content carries the document: webhook events name an uploaded file,
// the direct API hands over bytes it already fetched.
type Request struct {
	DedupKey string
	Identity accountdomain.Identity

	ChannelID string
	ThreadTS  string

	FileID  string
	Content []byte
}

// Result is the terminal outcome of a run.
type Result struct {
	State   State
	Summary string
}

type Service interface {
	// Run executes the pipeline synchronously to a terminal state. The
	// returned error reports infrastructure trouble; pipeline-level
	// failures are a terminal state, not an error.
	Run(ctx context.Context, req Request) (*Result, error)

	// Dispatch runs the pipeline in the background. The caller can ack
	// the webhook immediately; the admitted event is already durable.
	Dispatch(req Request)
}

type ServiceParam struct {
	fx.In

	Log        *zap.Logger
	Gate       gatedomain.Service
	Ledger     ledgerdomain.Service
	Slack      slackprovider.Provider
	Extractor  extractor.Provider
	Summarizer summarizer.Provider
	Clock      clock.Clock
	Cfg        config.Config
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type service struct {
	log        *zap.Logger
	gate       gatedomain.Service
	ledger     ledgerdomain.Service
	slack      slackprovider.Provider
	extractor  extractor.Provider
	summarizer summarizer.Provider
	clock      clock.Clock
	cfg        config.Config
	metrics    *obsmetrics.Metrics

	wg sync.WaitGroup
}

func New(p ServiceParam) Service {
	return &service{
		log:        p.Log.Named("orchestrator"),
		gate:       p.Gate,
		ledger:     p.Ledger,
		slack:      p.Slack,
		extractor:  p.Extractor,
		summarizer: p.Summarizer,
		clock:      p.Clock,
		cfg:        p.Cfg,
		metrics:    p.Metrics,
	}
}

func (s *service) Dispatch(req Request) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()

		result, err := s.Run(ctx, req)
		if err != nil {
			s.log.Error("pipeline run failed",
				zap.String("dedup_key", req.DedupKey),
				zap.Error(err),
			)
			return
		}
		s.log.Info("pipeline run finished",
			zap.String("dedup_key", req.DedupKey),
			zap.String("state", string(result.State)),
		)
	}()
}

// Wait blocks until in-flight dispatched runs finish. Called on
// shutdown.
func (s *service) Wait() {
	s.wg.Wait()
}

func (s *service) Run(ctx context.Context, req Request) (*Result, error) {
	if !req.Identity.Valid() {
		return nil, accountdomain.ErrInvalidIdentity
	}

	month := ledgerdomain.MonthKey(s.clock.Now())
	log := s.log.With(
		zap.String("dedup_key", req.DedupKey),
		zap.String("user_id", req.Identity.UserID),
		zap.String("team_id", req.Identity.TeamID),
	)

	// Quota comes strictly before any collaborator call: a denied
	// request must cost nothing, downstream or in the ledger.
	consumed := false
	if s.cfg.Features.UsageTracking {
		_, err := s.ledger.TryConsume(ctx, req.Identity, month)
		switch {
		case errors.Is(err, ledgerdomain.ErrQuotaExceeded):
			return s.deny(ctx, req, month, log)
		case err != nil:
			s.releaseClaim(ctx, req.DedupKey)
			return nil, err
		}
		consumed = true
	}

	// authorized → extracting
	content := req.Content
	if len(content) == 0 {
		file, err := s.slack.FileInfo(ctx, req.FileID)
		if err != nil {
			return s.platformFault(ctx, req, month, consumed, log, fmt.Errorf("file info: %w", err))
		}
		content, err = s.slack.DownloadFile(ctx, file.URLPrivate)
		if err != nil {
			return s.platformFault(ctx, req, month, consumed, log, fmt.Errorf("file download: %w", err))
		}
	}

	text, err := s.extractor.Extract(ctx, content)
	if err != nil {
		return s.extractionFailed(ctx, req, month, consumed, log, err)
	}

	// summarizing
	summary, err := s.summarizer.Summarize(ctx, text, summarizer.Options{})
	if err != nil {
		return s.summarizationFailed(ctx, req, month, consumed, log, err)
	}

	// API-driven runs have no channel: the summary is delivered in the
	// HTTP response instead.
	if req.ChannelID != "" {
		if err := s.slack.PostReply(ctx, req.ChannelID, req.ThreadTS, summary); err != nil {
			// The work happened but the user never saw it. Same
			// treatment as an exhausted summarizer: give the unit back.
			return s.summarizationFailed(ctx, req, month, consumed, log, fmt.Errorf("post reply: %w", err))
		}
	}

	if err := s.gate.Complete(ctx, req.DedupKey); err != nil {
		log.Warn("marking event completed failed", zap.Error(err))
	}
	s.metrics.IncRunOutcome(string(StateReplied))
	return &Result{State: StateReplied, Summary: summary}, nil
}

// deny ends the run without cost: nothing was consumed and no
// collaborator beside the reply is touched.
func (s *service) deny(ctx context.Context, req Request, month string, log *zap.Logger) (*Result, error) {
	usage, err := s.ledger.Peek(ctx, req.Identity, month)
	limit := int64(0)
	if err == nil {
		limit = usage.Limit
	}

	if err := s.slack.PostReply(ctx, req.ChannelID, req.ThreadTS, s.quotaMessage(limit)); err != nil {
		log.Warn("posting quota reply failed", zap.Error(err))
	}
	if err := s.gate.Complete(ctx, req.DedupKey); err != nil {
		log.Warn("marking event completed failed", zap.Error(err))
	}

	log.Info("request denied for quota", zap.String("month", month))
	s.metrics.IncRunOutcome(string(StateDenied))
	return &Result{State: StateDenied}, nil
}

// platformFault handles failures that are not the user's doing before
// extraction could run: the consumed unit is always returned and one
// platform retry is allowed back through the gate.
func (s *service) platformFault(ctx context.Context, req Request, month string, consumed bool, log *zap.Logger, cause error) (*Result, error) {
	log.Warn("platform fault during fetch", zap.Error(cause))

	if consumed {
		s.compensate(ctx, req.Identity, month, log)
	}
	s.releaseClaim(ctx, req.DedupKey)

	if err := s.slack.PostReply(ctx, req.ChannelID, req.ThreadTS,
		"I couldn't fetch that file. Please try again."); err != nil {
		log.Warn("posting fault reply failed", zap.Error(err))
	}
	s.metrics.IncRunOutcome(string(StateExtractionFailed))
	return &Result{State: StateExtractionFailed}, nil
}

// extractionFailed handles content-level failures. The increment is
// kept unless configured otherwise: the attempt used a slot even though
// the document was unusable.
func (s *service) extractionFailed(ctx context.Context, req Request, month string, consumed bool, log *zap.Logger, cause error) (*Result, error) {
	log.Info("extraction failed", zap.Error(cause))

	if consumed && !s.cfg.QuotaCountFailedAttempts {
		s.compensate(ctx, req.Identity, month, log)
	}
	if err := s.slack.PostReply(ctx, req.ChannelID, req.ThreadTS, extractionMessage(cause)); err != nil {
		log.Warn("posting extraction reply failed", zap.Error(err))
	}
	if err := s.gate.Fail(ctx, req.DedupKey); err != nil {
		log.Warn("marking event failed failed", zap.Error(err))
	}
	s.metrics.IncRunOutcome(string(StateExtractionFailed))
	return &Result{State: StateExtractionFailed}, nil
}

// summarizationFailed handles exhausted transient failures and delivery
// failures after summarization. These always compensate.
func (s *service) summarizationFailed(ctx context.Context, req Request, month string, consumed bool, log *zap.Logger, cause error) (*Result, error) {
	log.Warn("summarization failed", zap.Error(cause))

	if consumed {
		s.compensate(ctx, req.Identity, month, log)
	}
	if err := s.slack.PostReply(ctx, req.ChannelID, req.ThreadTS,
		"Something went wrong generating the summary. Please try again in a few minutes."); err != nil {
		log.Warn("posting failure reply failed", zap.Error(err))
	}
	if err := s.gate.Fail(ctx, req.DedupKey); err != nil {
		log.Warn("marking event failed failed", zap.Error(err))
	}
	s.metrics.IncRunOutcome(string(StateSummarizationFailed))
	return &Result{State: StateSummarizationFailed}, nil
}

func (s *service) compensate(ctx context.Context, identity accountdomain.Identity, month string, log *zap.Logger) {
	// Compensation must not be lost to a cancelled run context.
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.ledger.Compensate(compCtx, identity, month); err != nil {
		log.Error("quota compensation failed", zap.Error(err))
	}
}

func (s *service) releaseClaim(ctx context.Context, dedupKey string) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.gate.Release(relCtx, dedupKey); err != nil {
		s.log.Warn("releasing event claim failed",
			zap.String("dedup_key", dedupKey), zap.Error(err))
	}
}

func (s *service) quotaMessage(limit int64) string {
	msg := "You've used all your summaries for this month."
	if limit > 0 {
		msg = fmt.Sprintf("You've used all %d of your free summaries this month.", limit)
	}
	if s.cfg.UpgradeURL != "" {
		msg += " Upgrade for unlimited summaries: " + s.cfg.UpgradeURL
	}
	return msg
}

func extractionMessage(cause error) string {
	switch {
	case errors.Is(cause, extractor.ErrPasswordProtected):
		return "That PDF is password-protected, so I can't read it. Remove the password and try again."
	case errors.Is(cause, extractor.ErrEmpty):
		return "I couldn't find any extractable text in that PDF. If it's a scan, it has no text layer."
	default:
		return "I couldn't read that file as a PDF. Please check it opens correctly and try again."
	}
}
