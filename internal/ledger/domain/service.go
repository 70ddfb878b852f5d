package domain

import (
	"context"
	"errors"

	accountdomain "github.com/smallbiznis/summarly/internal/account/domain"
)

// Consumption is the result of a granted TryConsume.
type Consumption struct {
	// Remaining units for the month, or Unlimited (-1).
	Remaining int64
}

// Usage is a non-mutating view for dashboards.
type Usage struct {
	Count int64
	// Limit currently in effect, or Unlimited (-1).
	Limit int64
}

type Service interface {
	// TryConsume atomically admits one unit of work for the identity in
	// the given month. Concurrent calls for the same identity serialize:
	// the final count equals the number of granted calls, and grants
	// never exceed the limit.
	TryConsume(ctx context.Context, identity accountdomain.Identity, month string) (*Consumption, error)

	// Compensate reverses one previously granted unit after downstream
	// work ultimately failed.
	Compensate(ctx context.Context, identity accountdomain.Identity, month string) error

	// ResetMonthlyUsage zeroes the current month's count. Authorization
	// (admin only) is enforced by the caller.
	ResetMonthlyUsage(ctx context.Context, identity accountdomain.Identity) error

	// Peek reads the count and effective limit without mutating.
	Peek(ctx context.Context, identity accountdomain.Identity, month string) (*Usage, error)
}

var (
	ErrInvalidIdentity = errors.New("invalid_identity")
	ErrInvalidMonth    = errors.New("invalid_month")
	ErrQuotaExceeded   = errors.New("quota_exceeded")
	// ErrLedgerCorrupt marks an invariant violation in the stored
	// counters. Fatal to the request, never to the process.
	ErrLedgerCorrupt = errors.New("ledger_corrupt")
)
