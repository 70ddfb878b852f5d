// Package domain contains the admission records for webhook delivery.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Outcome reflects where processing of an admitted event ended up.
type Outcome string

const (
	OutcomeInProgress Outcome = "in_progress"
	OutcomeCompleted  Outcome = "completed"
	OutcomeFailed     Outcome = "failed"
)

// ProcessedEvent is the dedup record for one webhook delivery. The unique
// dedup key is the at-most-once guarantee: a second insert for the same
// key does nothing, regardless of which instance got the retry.
type ProcessedEvent struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	DedupKey    string       `gorm:"type:text;not null;uniqueIndex:ux_processed_events_dedup_key"`
	PayloadHash string       `gorm:"type:text;not null"`
	Outcome     Outcome      `gorm:"type:text;not null"`
	ProcessedAt time.Time    `gorm:"not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ProcessedEvent) TableName() string { return "processed_events" }

// DeriveKey builds the dedup key for a delivery. The platform event id is
// authoritative when present; otherwise the payload digest stands in so
// replays of the same body still collapse.
func DeriveKey(eventID string, body []byte) string {
	if eventID != "" {
		return "evt:" + eventID
	}
	return "sha:" + HashPayload(body)
}

// HashPayload is the canonical digest stored alongside the dedup key.
func HashPayload(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
