package repository

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/mshirdel/campaign-core/internal/model"
)

// CampaignsRepository defines persistence for the campaigns table. Aggregate
// counters are only ever moved by atomic relative updates, never read-modify-write.
type CampaignsRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, c model.Campaign) error
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	List(ctx context.Context, userID int64, status model.BulkStatus, limit, offset int) ([]model.Campaign, error)

	// TryMarkInProcess flips in_process 0 -> 1 for a queued campaign.
	// Returns false when the campaign is already in process or terminal.
	TryMarkInProcess(ctx context.Context, tx *sqlx.Tx, id string) (bool, error)

	// Finish clears in_process and records a terminal bulk status.
	Finish(ctx context.Context, tx *sqlx.Tx, id string, status model.BulkStatus) (bool, error)

	// AddSendCounters applies relative deltas to sent/failed. failed counts
	// terminal send failures only; each message contributes to exactly one
	// of the two, so sent + failed reaching total means dispatch is over.
	AddSendCounters(ctx context.Context, tx *sqlx.Tx, id string, sent, failed int) error

	// AddDeliveryCounters applies relative deltas to the receipt-side
	// counters. These never feed completion: a delivery failure is the fate
	// of a message that was already counted in sent.
	AddDeliveryCounters(ctx context.Context, tx *sqlx.Tx, id string, delivered, read, undelivered int) error

	// CompleteIfDone marks the campaign COMPLETED once every message reached
	// a terminal send status. No-op while sends are still outstanding.
	CompleteIfDone(ctx context.Context, id string) (bool, error)
}

type CampaignsRepositoryImpl struct {
	db *sqlx.DB
}

func NewCampaignsRepository(db *sqlx.DB) *CampaignsRepositoryImpl {
	return &CampaignsRepositoryImpl{db: db}
}

var _ CampaignsRepository = (*CampaignsRepositoryImpl)(nil)

func (r *CampaignsRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
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

func (r *CampaignsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, c model.Campaign) error {
	const q = `
		INSERT INTO campaigns
		    (id, user_id, group_id, channel, content, scheduled_at, total,
		     in_process, bulk_status, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, ?, NOW(), NOW())
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			c.ID, c.UserID, c.GroupID, c.Channel.String(), c.Content,
			c.ScheduledAt, c.Total, c.InProcess, c.BulkStatus.String(),
		)
		return err
	})
}

func (r *CampaignsRepositoryImpl) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	var c model.Campaign
	err := r.db.GetContext(ctx, &c, `
		SELECT id, user_id, group_id, channel, content, scheduled_at, total,
		       sent, delivered, read_count, failed, undelivered, in_process,
		       bulk_status, created_at, updated_at
		  FROM campaigns
		 WHERE id = ? LIMIT 1
	`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CampaignsRepositoryImpl) List(ctx context.Context, userID int64, status model.BulkStatus, limit, offset int) ([]model.Campaign, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT id, user_id, group_id, channel, content, scheduled_at, total,
		       sent, delivered, read_count, failed, undelivered, in_process,
		       bulk_status, created_at, updated_at
		  FROM campaigns
		 WHERE user_id = ?
	`
	args := []any{userID}
	if status != "" {
		q += " AND bulk_status = ?"
		args = append(args, status.String())
	}
	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.Campaign
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *CampaignsRepositoryImpl) TryMarkInProcess(ctx context.Context, tx *sqlx.Tx, id string) (bool, error) {
	const q = `
		UPDATE campaigns
		   SET in_process = 1, updated_at = NOW()
		 WHERE id = ? AND in_process = 0 AND bulk_status = 'QUEUED'
	`
	var affected int64
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected == 1, err
}

func (r *CampaignsRepositoryImpl) Finish(ctx context.Context, tx *sqlx.Tx, id string, status model.BulkStatus) (bool, error) {
	const q = `
		UPDATE campaigns
		   SET in_process = 0, bulk_status = ?, updated_at = NOW()
		 WHERE id = ? AND bulk_status = 'QUEUED'
	`
	var affected int64
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, status.String(), id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected == 1, err
}

func (r *CampaignsRepositoryImpl) AddSendCounters(ctx context.Context, tx *sqlx.Tx, id string, sent, failed int) error {
	if sent == 0 && failed == 0 {
		return nil
	}
	const q = `
		UPDATE campaigns
		   SET sent       = sent + ?,
		       failed     = failed + ?,
		       updated_at = NOW()
		 WHERE id = ?
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, sent, failed, id)
		return err
	})
}

func (r *CampaignsRepositoryImpl) AddDeliveryCounters(ctx context.Context, tx *sqlx.Tx, id string, delivered, read, undelivered int) error {
	if delivered == 0 && read == 0 && undelivered == 0 {
		return nil
	}
	const q = `
		UPDATE campaigns
		   SET delivered   = delivered + ?,
		       read_count  = read_count + ?,
		       undelivered = undelivered + ?,
		       updated_at  = NOW()
		 WHERE id = ?
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, delivered, read, undelivered, id)
		return err
	})
}

// CompleteIfDone's predicate is exact because the guarded MarkSent/MarkFailed
// transitions move each message into sent or failed at most once, and receipt
// outcomes accumulate in the delivery columns instead.
func (r *CampaignsRepositoryImpl) CompleteIfDone(ctx context.Context, id string) (bool, error) {
	const q = `
		UPDATE campaigns
		   SET in_process = 0, bulk_status = 'COMPLETED', updated_at = NOW()
		 WHERE id = ? AND in_process = 1 AND sent + failed >= total
	`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}
