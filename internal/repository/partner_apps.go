package repository

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/mshirdel/campaign-core/internal/model"
)

type PartnerAppsRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.PartnerApp, error)
}

type PartnerAppsRepositoryImpl struct {
	db *sqlx.DB
}

func NewPartnerAppsRepository(db *sqlx.DB) *PartnerAppsRepositoryImpl {
	return &PartnerAppsRepositoryImpl{db: db}
}

var _ PartnerAppsRepository = (*PartnerAppsRepositoryImpl)(nil)

func (r *PartnerAppsRepositoryImpl) GetByAPIKey(ctx context.Context, apiKey string) (*model.PartnerApp, error) {
	var a model.PartnerApp
	err := r.db.GetContext(ctx, &a, `
		SELECT id, user_id, name, api_key, status, subscription_id, rate_limit_rps, created_at, updated_at
		  FROM partner_apps
		 WHERE api_key = ? LIMIT 1
	`, apiKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
