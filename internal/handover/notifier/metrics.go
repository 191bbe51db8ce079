package notifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var notificationsSentCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "handover",
		Name:      "notifications_sent_total",
		Help:      "Total notification emails handed to the mail sink.",
	},
	[]string{"template_type"}, // share roles as "share-<role>", failures as "failure"
)
