package model

import (
	"database/sql"
	"time"
)

type BulkStatus string

const (
	BulkStatusQueued        BulkStatus = "QUEUED"
	BulkStatusQuotaRejected BulkStatus = "QUOTA_REJECTED"
	BulkStatusCompleted     BulkStatus = "COMPLETED"
	BulkStatusCancelled     BulkStatus = "CANCELLED"
)

func (s BulkStatus) String() string { return string(s) }

func (s BulkStatus) Terminal() bool {
	return s == BulkStatusQuotaRejected || s == BulkStatusCompleted || s == BulkStatusCancelled
}

// Campaign is the DB entity persisted in campaigns table. Sent and Failed
// count terminal send outcomes and converge to total once every message left
// the pipeline; Delivered, ReadCount and Undelivered track receipt outcomes
// for messages that were sent and move independently of completion.
type Campaign struct {
	ID          string         `db:"id"`
	UserID      int64          `db:"user_id"`
	GroupID     sql.NullString `db:"group_id"`
	Channel     Channel        `db:"channel"`
	Content     string         `db:"content"`
	ScheduledAt sql.NullTime   `db:"scheduled_at"`
	Total       int            `db:"total"`
	Sent        int            `db:"sent"`
	Delivered   int            `db:"delivered"`
	ReadCount   int            `db:"read_count"`
	Failed      int            `db:"failed"`
	Undelivered int            `db:"undelivered"`
	InProcess   bool           `db:"in_process"`
	BulkStatus  BulkStatus     `db:"bulk_status"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// CampaignStats is the aggregate view returned by the status query API.
type CampaignStats struct {
	Total     int `db:"total" json:"total"`
	Pending   int `db:"pending" json:"pending"`
	Sent      int `db:"sent" json:"sent"`
	Delivered int `db:"delivered" json:"delivered"`
	Read      int `db:"read_count" json:"read"`
	Failed    int `db:"failed" json:"failed"`
}
