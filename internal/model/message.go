package model

import (
	"database/sql"
	"time"
)

type SendStatus string

const (
	SendPending SendStatus = "PENDING"
	SendSent    SendStatus = "SENT"
	SendFailed  SendStatus = "FAILED"
)

func (s SendStatus) String() string { return string(s) }

func (s SendStatus) Valid() bool {
	return s == SendPending || s == SendSent || s == SendFailed
}

func (s SendStatus) Terminal() bool { return s == SendSent || s == SendFailed }

// DeliveryStatus is the canonical delivery vocabulary mapped from provider
// status codes on incoming receipts.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryUnknown   DeliveryStatus = "unknown"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryRead      DeliveryStatus = "read"
)

func (s DeliveryStatus) String() string { return string(s) }

// Rank orders delivery statuses by terminality. A receipt is applied only if
// it moves the message to a strictly higher rank (delivered never regresses
// to pending, read never regresses to delivered).
func (s DeliveryStatus) Rank() int {
	switch s {
	case DeliveryDelivered, DeliveryFailed:
		return 2
	case DeliveryRead:
		return 3
	default: // pending, unknown
		return 1
	}
}

// Message is the DB entity persisted in messages table, one row per recipient.
type Message struct {
	ID             string         `db:"id"`
	CampaignID     string         `db:"campaign_id"`
	UserID         int64          `db:"user_id"`
	Recipient      string         `db:"recipient"`
	Content        string         `db:"content"`
	Channel        Channel        `db:"channel"`
	ProviderMsgID  sql.NullString `db:"provider_msg_id"`
	SendStatus     SendStatus     `db:"send_status"`
	DeliveryStatus DeliveryStatus `db:"delivery_status"`
	RetryCount     int            `db:"retry_count"`
	LastError      sql.NullString `db:"last_error"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}
