package model

import "time"

// DeliveryReceipt is a DLR pushed (webhook) or polled (queue) from the
// provider. At-least-once, unordered, possibly duplicated; the pair
// (provider_msg_id, status_code) is unique once persisted.
type DeliveryReceipt struct {
	ID            int64     `db:"id"`
	ProviderMsgID string    `db:"provider_msg_id" json:"provider_message_id"`
	StatusCode    string    `db:"status_code" json:"status_code"`
	ReceivedAt    time.Time `db:"received_at" json:"received_at"`
	Processed     bool      `db:"processed" json:"-"`
}
