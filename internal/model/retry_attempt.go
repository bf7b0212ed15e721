package model

import "time"

type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "IN_PROGRESS"
	AttemptSuccess    AttemptStatus = "SUCCESS"
	AttemptFailed     AttemptStatus = "FAILED"
)

// RetryAttempt is an append-only record of one re-dispatch of a message.
// Attempt numbers are 0-based and strictly increasing per message.
type RetryAttempt struct {
	ID        int64         `db:"id"`
	MessageID string        `db:"message_id"`
	Attempt   int           `db:"attempt"`
	Status    AttemptStatus `db:"status"`
	CreatedAt time.Time     `db:"created_at"`
	UpdatedAt time.Time     `db:"updated_at"`
}
