package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/summarly/internal/clock"
	"github.com/smallbiznis/summarly/internal/config"
	"github.com/smallbiznis/summarly/internal/gatekeeper/domain"
	obsmetrics "github.com/smallbiznis/summarly/internal/observability/metrics"
	"github.com/smallbiznis/summarly/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const signatureVersion = "v0"

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Cfg     config.Config
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	cfg     config.Config
	metrics *obsmetrics.Metrics
}

func New(p ServiceParam) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("gatekeeper.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		cfg:     p.Cfg,
		metrics: p.Metrics,
	}
}

func (s *Service) Admit(ctx context.Context, req domain.AdmitRequest) (*domain.AdmittedEvent, error) {
	if err := s.verifySignature(req); err != nil {
		s.metrics.IncEventRejected(err.Error())
		return nil, err
	}

	dedupKey := req.DedupKey
	if dedupKey == "" {
		dedupKey = domain.DeriveKey("", req.Body)
	}
	payloadHash := domain.HashPayload(req.Body)

	now := s.clock.Now()
	record := &domain.ProcessedEvent{
		ID:          s.genID.Generate(),
		DedupKey:    dedupKey,
		PayloadHash: payloadHash,
		Outcome:     domain.OutcomeInProgress,
		ProcessedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedup_key"}},
			DoNothing: true,
		}).
		Create(record)
	if tx.Error != nil && !db.IsDuplicateKeyErr(tx.Error) {
		return nil, tx.Error
	}
	if tx.Error == nil && tx.RowsAffected > 0 {
		s.metrics.IncEventAdmitted()
		return &domain.AdmittedEvent{
			DedupKey:    dedupKey,
			PayloadHash: payloadHash,
			AdmittedAt:  now,
		}, nil
	}

	// Someone already claimed the key. A replay carries the same body;
	// anything else means two distinct deliveries collided on one key.
	var existing domain.ProcessedEvent
	if err := s.db.WithContext(ctx).
		Where("dedup_key = ?", dedupKey).
		First(&existing).Error; err != nil {
		return nil, err
	}
	if existing.PayloadHash != payloadHash {
		s.log.Error("dedup key collision with different payload",
			zap.String("dedup_key", dedupKey),
		)
		s.metrics.IncEventRejected("payload_mismatch")
		return nil, domain.ErrPayloadMismatch
	}

	s.metrics.IncEventRejected("duplicate")
	return nil, domain.ErrDuplicateEvent
}

func (s *Service) Complete(ctx context.Context, dedupKey string) error {
	return s.setOutcome(ctx, dedupKey, domain.OutcomeCompleted)
}

func (s *Service) Fail(ctx context.Context, dedupKey string) error {
	return s.setOutcome(ctx, dedupKey, domain.OutcomeFailed)
}

func (s *Service) Release(ctx context.Context, dedupKey string) error {
	return s.db.WithContext(ctx).
		Where("dedup_key = ? AND outcome = ?", dedupKey, domain.OutcomeInProgress).
		Delete(&domain.ProcessedEvent{}).Error
}

func (s *Service) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx := s.db.WithContext(ctx).
		Where("processed_at < ?", cutoff).
		Delete(&domain.ProcessedEvent{})
	if tx.Error != nil {
		return 0, tx.Error
	}
	if tx.RowsAffected > 0 {
		s.log.Info("purged processed events",
			zap.Int64("removed", tx.RowsAffected),
			zap.Time("cutoff", cutoff),
		)
	}
	return tx.RowsAffected, nil
}

func (s *Service) setOutcome(ctx context.Context, dedupKey string, outcome domain.Outcome) error {
	return s.db.WithContext(ctx).Model(&domain.ProcessedEvent{}).
		Where("dedup_key = ?", dedupKey).
		Updates(map[string]any{
			"outcome":    outcome,
			"updated_at": s.clock.Now(),
		}).Error
}

// verifySignature checks the platform signature over `v0:<ts>:<body>` and
// rejects timestamps outside the configured skew window.
func (s *Service) verifySignature(req domain.AdmitRequest) error {
	if s.cfg.SlackSigningSecret == "" {
		return domain.ErrInvalidSignature
	}
	if req.Timestamp == "" || req.Signature == "" {
		return domain.ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(req.Timestamp), 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	sent := time.Unix(ts, 0).UTC()
	now := s.clock.Now()
	if sent.Before(now.Add(-s.cfg.TimestampSkew)) || sent.After(now.Add(s.cfg.TimestampSkew)) {
		return domain.ErrStaleRequest
	}

	mac := hmac.New(sha256.New, []byte(s.cfg.SlackSigningSecret))
	mac.Write([]byte(signatureVersion + ":" + req.Timestamp + ":"))
	mac.Write(req.Body)
	expected := signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(req.Signature)) {
		return domain.ErrInvalidSignature
	}
	return nil
}
