package domain

import (
	"context"
	"errors"
	"time"

	accountdomain "github.com/smallbiznis/summarly/internal/account/domain"
)

// Login is the result of a successful code exchange or refresh. Token is
// the raw opaque value handed to the client exactly once.
type Login struct {
	Account   *accountdomain.Account
	Token     string
	ExpiresAt time.Time
}

// Principal is the verified subject of a presented token.
type Principal struct {
	Identity accountdomain.Identity
	Account  *accountdomain.Account
}

type Service interface {
	// ExchangeAuthCode trades the platform OAuth code for a verified
	// identity, ensures the backing account, and mints a session.
	ExchangeAuthCode(ctx context.Context, code string) (*Login, error)

	// Verify resolves a presented raw token to its principal.
	Verify(ctx context.Context, token string) (*Principal, error)

	// Refresh rotates a still-valid token. The new expiry never extends
	// past the hard maximum age counted from the session's first issue.
	Refresh(ctx context.Context, token string) (*Login, error)

	// InvalidateAll revokes every outstanding session for the identity.
	InvalidateAll(ctx context.Context, identity accountdomain.Identity) error
}

var (
	ErrTokenInvalid        = errors.New("token_invalid")
	ErrTokenExpired        = errors.New("token_expired")
	ErrTokenSuperseded     = errors.New("token_superseded")
	ErrOAuthExchangeFailed = errors.New("oauth_exchange_failed")
)
