// Package domain contains core types for accounts and identity.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Identity is the stable compound key handed to us by the chat platform.
// It is never invented locally: it originates from a verified webhook
// payload or a verified session token. Email is an enrichment attribute
// and not part of the key.
type Identity struct {
	UserID string
	TeamID string
}

func (i Identity) Valid() bool {
	return i.UserID != "" && i.TeamID != ""
}

// Status is the closed set of account tiers.
type Status string

const (
	StatusTrial Status = "trial"
	StatusFree  Status = "free"
	StatusPro   Status = "pro"
	StatusAdmin Status = "admin"
)

// Trigger is an event that may move an account between statuses.
type Trigger string

const (
	TriggerTrialExpired Trigger = "trial_expired"
	TriggerUpgrade      Trigger = "upgrade"
	TriggerDowngrade    Trigger = "downgrade"
	TriggerGrantAdmin   Trigger = "grant_admin"
)

// Next is the total transition function for account statuses. An invalid
// trigger for the current status is a no-op, not an error.
func Next(current Status, trigger Trigger) Status {
	switch trigger {
	case TriggerTrialExpired:
		if current == StatusTrial {
			return StatusFree
		}
	case TriggerUpgrade:
		if current == StatusTrial || current == StatusFree {
			return StatusPro
		}
	case TriggerDowngrade:
		if current == StatusPro {
			return StatusFree
		}
	case TriggerGrantAdmin:
		return StatusAdmin
	}
	return current
}

// Account is one record per Identity. Status transitions are the only
// mutation besides login enrichment; accounts are never deleted, only
// marked inactive, so historical usage stays attributable.
type Account struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	UserID            string            `gorm:"type:text;not null;uniqueIndex:ux_accounts_identity,priority:1"`
	TeamID            string            `gorm:"type:text;not null;uniqueIndex:ux_accounts_identity,priority:2"`
	Email             string            `gorm:"type:text"`
	Status            Status            `gorm:"type:text;not null"`
	TokenVersion      int64             `gorm:"not null;default:0"`
	Inactive          bool              `gorm:"not null;default:false"`
	TrialStartAt      *time.Time        `gorm:""`
	SubscriptionEndAt *time.Time        `gorm:""`
	LastLoginAt       time.Time         `gorm:"not null"`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

func (a *Account) Identity() Identity {
	return Identity{UserID: a.UserID, TeamID: a.TeamID}
}
