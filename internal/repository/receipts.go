package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mshirdel/campaign-core/internal/model"
)

// ReceiptsRepository persists delivery receipts with a uniqueness guarantee on
// (provider_msg_id, status_code). Duplicate ingestion is absorbed at insert.
type ReceiptsRepository interface {
	// InsertDedup stores the receipt and reports whether this row is new.
	// A duplicate insert leaves the table untouched and returns fresh=false.
	InsertDedup(ctx context.Context, rc model.DeliveryReceipt) (fresh bool, err error)

	MarkProcessed(ctx context.Context, providerMsgID, statusCode string) error

	// ListUnprocessedBefore returns the stale backlog for the operational sweep.
	ListUnprocessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.DeliveryReceipt, error)
}

type receiptsRepo struct {
	db *sqlx.DB
}

func NewReceiptsRepository(db *sqlx.DB) ReceiptsRepository { return &receiptsRepo{db: db} }

func (r *receiptsRepo) InsertDedup(ctx context.Context, rc model.DeliveryReceipt) (bool, error) {
	// MySQL reports 1 affected row for a fresh insert and 0 for the
	// `id = id` duplicate no-op.
	const q = `
		INSERT INTO delivery_receipts (provider_msg_id, status_code, received_at, processed)
		VALUES (?, ?, ?, 0)
		ON DUPLICATE KEY UPDATE id = id
	`
	res, err := r.db.ExecContext(ctx, q, rc.ProviderMsgID, rc.StatusCode, rc.ReceivedAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *receiptsRepo) MarkProcessed(ctx context.Context, providerMsgID, statusCode string) error {
	const q = `
		UPDATE delivery_receipts
		   SET processed = 1
		 WHERE provider_msg_id = ? AND status_code = ?
	`
	_, err := r.db.ExecContext(ctx, q, providerMsgID, statusCode)
	return err
}

func (r *receiptsRepo) ListUnprocessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.DeliveryReceipt, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	const q = `
		SELECT id, provider_msg_id, status_code, received_at, processed
		  FROM delivery_receipts
		 WHERE processed = 0 AND received_at < ?
		 ORDER BY received_at
		 LIMIT ?
	`
	var rows []model.DeliveryReceipt
	if err := r.db.SelectContext(ctx, &rows, q, cutoff, limit); err != nil {
		return nil, err
	}
	return rows, nil
}
