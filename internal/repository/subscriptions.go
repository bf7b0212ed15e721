package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mshirdel/campaign-core/internal/model"
)

// SubscriptionsRepository owns the subscription_usage counters. The reserve
// path is a single guarded UPDATE so concurrent reservations serialize on the
// row without a FOR UPDATE read.
type SubscriptionsRepository interface {
	GetBySubscriptionID(ctx context.Context, subscriptionID int64) (*model.SubscriptionUsage, error)

	// TryReserve increments the channel counter only while used + n stays
	// within the limit (or the limit is the unlimited sentinel). Returns
	// whether the increment was applied.
	TryReserve(ctx context.Context, subscriptionID int64, channel model.Channel, n int) (bool, error)

	// Remaining returns limit - used for the channel, or model.UnlimitedQuota.
	Remaining(ctx context.Context, subscriptionID int64, channel model.Channel) (int, error)

	IncrAPICalls(ctx context.Context, subscriptionID int64) (bool, error)

	ResetDailyCounters(ctx context.Context) (int64, error)
	ResetMonthlyCounters(ctx context.Context) (int64, error)
	ExpireEnded(ctx context.Context) (int64, error)
}

type SubscriptionsRepositoryImpl struct {
	db *sqlx.DB
}

func NewSubscriptionsRepository(db *sqlx.DB) *SubscriptionsRepositoryImpl {
	return &SubscriptionsRepositoryImpl{db: db}
}

var _ SubscriptionsRepository = (*SubscriptionsRepositoryImpl)(nil)

func channelColumns(channel model.Channel) (used, limit string, err error) {
	switch channel {
	case model.ChannelSMS:
		return "sms_used", "sms_limit", nil
	case model.ChannelWhatsApp:
		return "whatsapp_used", "whatsapp_limit", nil
	default:
		return "", "", fmt.Errorf("unknown channel %q", channel)
	}
}

const subscriptionColumns = `
	subscription_id, user_id, status, sms_used, sms_limit, whatsapp_used,
	whatsapp_limit, api_calls_today, api_calls_limit, daily_reset_at,
	monthly_reset_at, ends_at, created_at, updated_at
`

func (r *SubscriptionsRepositoryImpl) GetBySubscriptionID(ctx context.Context, subscriptionID int64) (*model.SubscriptionUsage, error) {
	var u model.SubscriptionUsage
	err := r.db.GetContext(ctx, &u,
		`SELECT `+subscriptionColumns+` FROM subscription_usage WHERE subscription_id = ? LIMIT 1`,
		subscriptionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *SubscriptionsRepositoryImpl) TryReserve(ctx context.Context, subscriptionID int64, channel model.Channel, n int) (bool, error) {
	usedCol, limitCol, err := channelColumns(channel)
	if err != nil {
		return false, err
	}

	// Single conditional increment; the row lock serializes concurrent
	// reservations for the same subscription.
	q := fmt.Sprintf(`
		UPDATE subscription_usage
		   SET %[1]s = %[1]s + ?, updated_at = NOW()
		 WHERE subscription_id = ?
		   AND status IN ('ACTIVE', 'TRIAL')
		   AND (%[2]s = ? OR %[1]s + ? <= %[2]s)
	`, usedCol, limitCol)

	res, err := r.db.ExecContext(ctx, q, n, subscriptionID, model.UnlimitedQuota, n)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *SubscriptionsRepositoryImpl) Remaining(ctx context.Context, subscriptionID int64, channel model.Channel) (int, error) {
	usedCol, limitCol, err := channelColumns(channel)
	if err != nil {
		return 0, err
	}

	q := fmt.Sprintf(`
		SELECT CASE WHEN %[2]s = ? THEN ? ELSE %[2]s - %[1]s END
		  FROM subscription_usage
		 WHERE subscription_id = ?
	`, usedCol, limitCol)

	var remaining int
	if err := r.db.QueryRowxContext(ctx, q, model.UnlimitedQuota, model.UnlimitedQuota, subscriptionID).Scan(&remaining); err != nil {
		return 0, err
	}
	return remaining, nil
}

func (r *SubscriptionsRepositoryImpl) IncrAPICalls(ctx context.Context, subscriptionID int64) (bool, error) {
	const q = `
		UPDATE subscription_usage
		   SET api_calls_today = api_calls_today + 1, updated_at = NOW()
		 WHERE subscription_id = ?
		   AND status IN ('ACTIVE', 'TRIAL')
		   AND (api_calls_limit = ? OR api_calls_today < api_calls_limit)
	`
	res, err := r.db.ExecContext(ctx, q, subscriptionID, model.UnlimitedQuota)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

// ResetDailyCounters zeroes api_calls_today for rows whose daily boundary has
// passed and advances the boundary. Safe to run repeatedly.
func (r *SubscriptionsRepositoryImpl) ResetDailyCounters(ctx context.Context) (int64, error) {
	const q = `
		UPDATE subscription_usage
		   SET api_calls_today = 0,
		       daily_reset_at  = DATE_ADD(DATE(NOW()), INTERVAL 1 DAY),
		       updated_at      = NOW()
		 WHERE daily_reset_at <= NOW()
		   AND status IN ('ACTIVE', 'TRIAL')
	`
	res, err := r.db.ExecContext(ctx, q)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetMonthlyCounters zeroes the channel counters at the billing boundary.
func (r *SubscriptionsRepositoryImpl) ResetMonthlyCounters(ctx context.Context) (int64, error) {
	const q = `
		UPDATE subscription_usage
		   SET sms_used         = 0,
		       whatsapp_used    = 0,
		       monthly_reset_at = DATE_ADD(monthly_reset_at, INTERVAL 1 MONTH),
		       updated_at       = NOW()
		 WHERE monthly_reset_at <= NOW()
		   AND status IN ('ACTIVE', 'TRIAL')
	`
	res, err := r.db.ExecContext(ctx, q)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExpireEnded transitions subscriptions and trials past their end date to
// EXPIRED. Only ACTIVE/TRIAL rows move, so a second run is a no-op.
func (r *SubscriptionsRepositoryImpl) ExpireEnded(ctx context.Context) (int64, error) {
	const q = `
		UPDATE subscription_usage
		   SET status = 'EXPIRED', updated_at = NOW()
		 WHERE status IN ('ACTIVE', 'TRIAL')
		   AND ends_at IS NOT NULL
		   AND ends_at <= NOW()
	`
	res, err := r.db.ExecContext(ctx, q)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
