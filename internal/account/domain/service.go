package domain

import (
	"context"
	"errors"
)

type EnsureRequest struct {
	Identity Identity
	Email    string
}

type Service interface {
	// Ensure fetches the account for the identity, creating it on first
	// sight (status trial, trial clock started) and refreshing the
	// enrichment attributes on subsequent logins.
	Ensure(ctx context.Context, req EnsureRequest) (*Account, error)

	// Get fetches an existing account without creating one.
	Get(ctx context.Context, identity Identity) (*Account, error)

	// Resolve returns the account with any time-driven transition
	// (trial expiry, subscription lapse) applied and persisted.
	Resolve(ctx context.Context, identity Identity) (*Account, error)

	// Apply runs one trigger through the transition table.
	Apply(ctx context.Context, identity Identity, trigger Trigger) (*Account, error)

	// BumpTokenVersion invalidates every outstanding session token.
	BumpTokenVersion(ctx context.Context, identity Identity) (int64, error)
}

var (
	ErrInvalidIdentity = errors.New("invalid_identity")
	ErrAccountNotFound = errors.New("account_not_found")
)
