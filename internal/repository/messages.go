package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/mshirdel/campaign-core/internal/model"
)

// MessagesRepository defines persistence for the messages table. Status
// transitions are conditional single-row writes so racing workers cannot
// regress a terminal message.
type MessagesRepository interface {
	BulkInsertPending(ctx context.Context, tx *sqlx.Tx, msgs []model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	GetByProviderMsgID(ctx context.Context, providerMsgID string) (*model.Message, error)

	// MarkSent records a successful dispatch. Only a non-terminal message is
	// updated; returns false when the message already reached a terminal state.
	MarkSent(ctx context.Context, tx *sqlx.Tx, id, providerMsgID string) (bool, error)

	// MarkFailed terminally fails a pending message.
	MarkFailed(ctx context.Context, tx *sqlx.Tx, id, lastError string) (bool, error)

	// SetLastError stores the most recent transient failure while the message
	// stays PENDING awaiting its next attempt.
	SetLastError(ctx context.Context, id, lastError string) error

	// IncrementRetry bumps retry_count for a still-pending message; the retry
	// coordinator calls it once per re-dispatch. Returns false when the
	// message already reached a terminal state.
	IncrementRetry(ctx context.Context, id string) (bool, error)

	// CasDeliveryStatus moves delivery_status from -> to for one message.
	// Returns false when another writer got there first.
	CasDeliveryStatus(ctx context.Context, tx *sqlx.Tx, id string, from, to model.DeliveryStatus) (bool, error)

	// ListPending returns non-terminal messages of a campaign, oldest first.
	ListPending(ctx context.Context, campaignID string, limit int) ([]model.Message, error)

	StatusBreakdown(ctx context.Context, campaignID string) (model.CampaignStats, error)
}

type MessagesRepositoryImpl struct {
	db *sqlx.DB
}

func NewMessagesRepository(db *sqlx.DB) *MessagesRepositoryImpl {
	return &MessagesRepositoryImpl{db: db}
}

var _ MessagesRepository = (*MessagesRepositoryImpl)(nil)

func (r *MessagesRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

// BulkInsertPending inserts campaign fan-out rows with send_status=PENDING in
// a single statement.
func (r *MessagesRepositoryImpl) BulkInsertPending(ctx context.Context, tx *sqlx.Tx, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(msgs)*6)

	sb.WriteString(`
		INSERT INTO messages
		    (id, campaign_id, user_id, recipient, content, channel,
		     send_status, delivery_status, retry_count, created_at, updated_at)
		VALUES `)
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, 'PENDING', 'pending', 0, NOW(), NOW())")
		args = append(args, m.ID, m.CampaignID, m.UserID, m.Recipient, m.Content, m.Channel.String())
	}

	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, sb.String(), args...)
		return err
	})
}

const messageColumns = `
	id, campaign_id, user_id, recipient, content, channel, provider_msg_id,
	send_status, delivery_status, retry_count, last_error, created_at, updated_at
`

func (r *MessagesRepositoryImpl) GetByID(ctx context.Context, id string) (*model.Message, error) {
	var m model.Message
	err := r.db.GetContext(ctx, &m,
		`SELECT `+messageColumns+` FROM messages WHERE id = ? LIMIT 1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MessagesRepositoryImpl) GetByProviderMsgID(ctx context.Context, providerMsgID string) (*model.Message, error) {
	var m model.Message
	err := r.db.GetContext(ctx, &m,
		`SELECT `+messageColumns+` FROM messages WHERE provider_msg_id = ? LIMIT 1`, providerMsgID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MessagesRepositoryImpl) MarkSent(ctx context.Context, tx *sqlx.Tx, id, providerMsgID string) (bool, error) {
	const q = `
		UPDATE messages
		   SET send_status = 'SENT', provider_msg_id = ?, last_error = NULL, updated_at = NOW()
		 WHERE id = ? AND send_status = 'PENDING'
	`
	var affected int64
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, providerMsgID, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected == 1, err
}

func (r *MessagesRepositoryImpl) MarkFailed(ctx context.Context, tx *sqlx.Tx, id, lastError string) (bool, error) {
	const q = `
		UPDATE messages
		   SET send_status = 'FAILED', last_error = ?, updated_at = NOW()
		 WHERE id = ? AND send_status = 'PENDING'
	`
	var affected int64
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, lastError, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected == 1, err
}

func (r *MessagesRepositoryImpl) SetLastError(ctx context.Context, id, lastError string) error {
	const q = `
		UPDATE messages
		   SET last_error = ?, updated_at = NOW()
		 WHERE id = ? AND send_status = 'PENDING'
	`
	_, err := r.db.ExecContext(ctx, q, lastError, id)
	return err
}

func (r *MessagesRepositoryImpl) IncrementRetry(ctx context.Context, id string) (bool, error) {
	const q = `
		UPDATE messages
		   SET retry_count = retry_count + 1, updated_at = NOW()
		 WHERE id = ? AND send_status = 'PENDING'
	`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

func (r *MessagesRepositoryImpl) CasDeliveryStatus(ctx context.Context, tx *sqlx.Tx, id string, from, to model.DeliveryStatus) (bool, error) {
	const q = `
		UPDATE messages
		   SET delivery_status = ?, updated_at = NOW()
		 WHERE id = ? AND delivery_status = ?
	`
	var affected int64
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, to.String(), id, from.String())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected == 1, err
}

func (r *MessagesRepositoryImpl) ListPending(ctx context.Context, campaignID string, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	var rows []model.Message
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+messageColumns+`
		   FROM messages
		  WHERE campaign_id = ? AND send_status = 'PENDING'
		  ORDER BY created_at
		  LIMIT ?`, campaignID, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// StatusBreakdown aggregates message counts for one campaign.
func (r *MessagesRepositoryImpl) StatusBreakdown(ctx context.Context, campaignID string) (model.CampaignStats, error) {
	const q = `
		SELECT COUNT(*)                                            AS total,
		       SUM(send_status = 'PENDING')                        AS pending,
		       SUM(send_status = 'SENT')                           AS sent,
		       SUM(delivery_status = 'delivered')                  AS delivered,
		       SUM(delivery_status = 'read')                       AS read_count,
		       SUM(send_status = 'FAILED' OR delivery_status = 'failed') AS failed
		  FROM messages
		 WHERE campaign_id = ?
	`
	var st model.CampaignStats
	if err := r.db.GetContext(ctx, &st, q, campaignID); err != nil {
		return model.CampaignStats{}, err
	}
	return st, nil
}
