package model

// Envelope is the payload published to Kafka send lanes (via Debezium outbox
// SMT). One envelope per message; the outbox key is the campaign id so a
// campaign's messages land on one partition.
type Envelope struct {
	MessageID  string  `json:"message_id"`
	CampaignID string  `json:"campaign_id"`
	UserID     int64   `json:"user_id"`
	Recipient  string  `json:"recipient"`
	Content    string  `json:"content"`
	Channel    Channel `json:"channel"`
	Attempt    int     `json:"attempt"` // 0 on first dispatch, retry number after
}
