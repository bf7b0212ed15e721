package model

import "strings"

type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

func (c Channel) String() string { return string(c) }

// ParseChannel normalizes input; empty => sms.
// Returns (value, true) if valid; otherwise (sms, false).
func ParseChannel(s string) (Channel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sms":
		return ChannelSMS, true
	case "whatsapp":
		return ChannelWhatsApp, true
	default:
		return ChannelSMS, false
	}
}

func (c Channel) Valid() bool {
	return c == ChannelSMS || c == ChannelWhatsApp
}
