package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SendsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sends_delivered_total",
			Help: "Total scheduled sends delivered",
		},
	)

	SendsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sends_failed_total",
			Help: "Total scheduled sends that failed delivery",
		},
	)

	FollowUpsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "followups_enqueued_total",
			Help: "Total sends enqueued by follow-up rules",
		},
	)

	CampaignsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaigns_completed_total",
			Help: "Total broadcast campaigns that reached completed",
		},
	)
)

func Init() {
	prometheus.MustRegister(SendsDelivered)
	prometheus.MustRegister(SendsFailed)
	prometheus.MustRegister(FollowUpsEnqueued)
	prometheus.MustRegister(CampaignsCompleted)
}
