// Package domain contains session storage and the login contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Session is one opaque token's server-side record. Only the SHA-256
// hash of the token is stored; the raw value exists in the client cookie
// and nowhere else. FirstIssuedAt survives refreshes and anchors the
// hard maximum session age. TokenVersion pins the session to the account
// version it was minted against, so bumping the account invalidates
// every outstanding session at once.
type Session struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	TokenHash     string       `gorm:"type:text;not null;uniqueIndex:ux_sessions_token_hash"`
	UserID        string       `gorm:"type:text;not null;index:idx_sessions_identity"`
	TeamID        string       `gorm:"type:text;not null;index:idx_sessions_identity"`
	TokenVersion  int64        `gorm:"not null"`
	IssuedAt      time.Time    `gorm:"not null"`
	ExpiresAt     time.Time    `gorm:"not null"`
	FirstIssuedAt time.Time    `gorm:"not null"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Session) TableName() string { return "sessions" }
