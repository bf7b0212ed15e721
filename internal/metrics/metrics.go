package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campgw_messages_total",
			Help: "Messages lifecycle counter by stage and channel",
		},
		[]string{"stage", "channel"}, // pending|sent|failed , sms|whatsapp
	)

	ReceiptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campgw_receipts_total",
			Help: "Delivery receipts by ingestion outcome",
		},
		[]string{"outcome"}, // applied|duplicate|stale|unknown_target
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campgw_retries_total",
			Help: "Retry attempts by result",
		},
		[]string{"result"}, // scheduled|cancelled|exhausted|redispatched
	)

	QuotaDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campgw_quota_denials_total",
			Help: "Quota reservations denied by channel",
		},
		[]string{"channel"},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		MessagesTotal,
		ReceiptsTotal,
		RetriesTotal,
		QuotaDenialsTotal,
	)
}
