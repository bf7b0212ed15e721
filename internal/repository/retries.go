package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/mshirdel/campaign-core/internal/model"
)

// RetriesRepository is the append-only retry_attempts log. (message_id,
// attempt) is unique so a replayed insert is a no-op.
type RetriesRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, messageID string, attempt int) error
	Complete(ctx context.Context, messageID string, attempt int, status model.AttemptStatus) error
}

type retriesRepo struct {
	db *sqlx.DB
}

func NewRetriesRepository(db *sqlx.DB) RetriesRepository { return &retriesRepo{db: db} }

func (r *retriesRepo) Insert(ctx context.Context, tx *sqlx.Tx, messageID string, attempt int) error {
	const q = `
		INSERT INTO retry_attempts (message_id, attempt, status, created_at, updated_at)
		VALUES (?, ?, 'IN_PROGRESS', NOW(), NOW())
		ON DUPLICATE KEY UPDATE id = id
	`
	if tx != nil {
		_, err := tx.ExecContext(ctx, q, messageID, attempt)
		return err
	}
	_, err := r.db.ExecContext(ctx, q, messageID, attempt)
	return err
}

func (r *retriesRepo) Complete(ctx context.Context, messageID string, attempt int, status model.AttemptStatus) error {
	const q = `
		UPDATE retry_attempts
		   SET status = ?, updated_at = NOW()
		 WHERE message_id = ? AND attempt = ? AND status = 'IN_PROGRESS'
	`
	_, err := r.db.ExecContext(ctx, q, string(status), messageID, attempt)
	return err
}
