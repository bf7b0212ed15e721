package model

import (
	"database/sql"
	"time"
)

// UnlimitedQuota is the sentinel limit that always grants. It is compared
// exactly, never treated as a large number.
const UnlimitedQuota = -1

type SubscriptionStatus string

const (
	SubscriptionActive  SubscriptionStatus = "ACTIVE"
	SubscriptionTrial   SubscriptionStatus = "TRIAL"
	SubscriptionExpired SubscriptionStatus = "EXPIRED"
)

// SubscriptionUsage carries per-channel counters against the plan limits the
// subscription inherited. Counters are mutated only through the quota guard's
// conditional increment and the rollup resets.
type SubscriptionUsage struct {
	SubscriptionID int64              `db:"subscription_id"`
	UserID         int64              `db:"user_id"`
	Status         SubscriptionStatus `db:"status"`
	SMSUsed        int                `db:"sms_used"`
	SMSLimit       int                `db:"sms_limit"`
	WhatsAppUsed   int                `db:"whatsapp_used"`
	WhatsAppLimit  int                `db:"whatsapp_limit"`
	APICallsToday  int                `db:"api_calls_today"`
	APICallsLimit  int                `db:"api_calls_limit"`
	DailyResetAt   time.Time          `db:"daily_reset_at"`
	MonthlyResetAt time.Time          `db:"monthly_reset_at"`
	EndsAt         sql.NullTime       `db:"ends_at"`
	CreatedAt      time.Time          `db:"created_at"`
	UpdatedAt      time.Time          `db:"updated_at"`
}
