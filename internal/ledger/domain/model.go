// Package domain contains persistence models for the usage ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// MonthKey is the calendar-month bucket for usage periods.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// UsagePeriod stores the consumed units for one identity in one month.
// Count only moves through the ledger service; LimitSnapshot records the
// ceiling in effect when the period was created and is kept for audit
// even if the account's tier changes mid-month.
type UsagePeriod struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	UserID        string       `gorm:"type:text;not null;uniqueIndex:ux_usage_periods_identity_month,priority:1"`
	TeamID        string       `gorm:"type:text;not null;uniqueIndex:ux_usage_periods_identity_month,priority:2"`
	Month         string       `gorm:"type:text;not null;uniqueIndex:ux_usage_periods_identity_month,priority:3"`
	Count         int64        `gorm:"not null;default:0"`
	LimitSnapshot int64        `gorm:"not null"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsagePeriod) TableName() string { return "usage_periods" }
