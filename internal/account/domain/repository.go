package domain

import "context"

type Repository interface {
	Create(ctx context.Context, account *Account) error
	FindByIdentity(ctx context.Context, identity Identity) (*Account, error)
	UpdateFields(ctx context.Context, identity Identity, fields map[string]any) error
	// BumpTokenVersion atomically increments and returns the new version.
	BumpTokenVersion(ctx context.Context, identity Identity) (int64, error)
}
