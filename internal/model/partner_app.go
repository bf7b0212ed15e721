package model

import "time"

// PartnerApp is an API consumer (token management itself lives outside this
// core; only the key lookup at the boundary is needed here).
type PartnerApp struct {
	ID             int64     `db:"id"`
	UserID         int64     `db:"user_id"`
	Name           string    `db:"name"`
	APIKey         string    `db:"api_key"`
	Status         string    `db:"status"` // active|suspended
	SubscriptionID int64     `db:"subscription_id"`
	RateLimitRPS   *int      `db:"rate_limit_rps"` // nullable
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}
