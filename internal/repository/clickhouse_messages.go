package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/mshirdel/campaign-core/internal/model"
)

// CHMessagesRepository lists per-message detail from ClickHouse (report view).
type CHMessagesRepository interface {
	ListByCampaign(ctx context.Context, campaignID string, status model.SendStatus, limit, offset int) ([]model.Message, error)
}

type chMessagesRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHMessagesRepository(ch *sqlx.DB) CHMessagesRepository {
	return &chMessagesRepository{ch: ch}
}

func (r *chMessagesRepository) ListByCampaign(ctx context.Context, campaignID string, status model.SendStatus, limit, offset int) ([]model.Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT id, campaign_id, user_id, recipient, content, channel,
		       provider_msg_id, send_status, delivery_status, retry_count,
		       last_error, created_at, updated_at
		FROM campgw.messages_latest
		WHERE campaign_id = ?
	`
	args := []any{campaignID}

	if status != "" {
		q += " AND send_status = ?"
		args = append(args, status.String())
	}

	q += " ORDER BY created_at LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.Message
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
