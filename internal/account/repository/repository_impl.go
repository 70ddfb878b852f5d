package repository

import (
	"context"
	"errors"

	"github.com/smallbiznis/summarly/internal/account/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) domain.Repository {
	return &repo{db: db}
}

func (r *repo) Create(ctx context.Context, account *domain.Account) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *repo) FindByIdentity(ctx context.Context, identity domain.Identity) (*domain.Account, error) {
	var account domain.Account
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND team_id = ?", identity.UserID, identity.TeamID).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repo) UpdateFields(ctx context.Context, identity domain.Identity, fields map[string]any) error {
	tx := r.db.WithContext(ctx).Model(&domain.Account{}).
		Where("user_id = ? AND team_id = ?", identity.UserID, identity.TeamID).
		Updates(fields)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (r *repo) BumpTokenVersion(ctx context.Context, identity domain.Identity) (int64, error) {
	tx := r.db.WithContext(ctx).Model(&domain.Account{}).
		Where("user_id = ? AND team_id = ?", identity.UserID, identity.TeamID).
		Update("token_version", gorm.Expr("token_version + 1"))
	if tx.Error != nil {
		return 0, tx.Error
	}
	if tx.RowsAffected == 0 {
		return 0, domain.ErrAccountNotFound
	}

	account, err := r.FindByIdentity(ctx, identity)
	if err != nil {
		return 0, err
	}
	return account.TokenVersion, nil
}
