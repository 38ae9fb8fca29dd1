// Package metrics holds the prometheus instruments of the delivery pipeline.
// The counters are registered on the default registerer and exposed through
// the api server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EmailsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_emails_enqueued_total",
		Help: "Number of delivery log entries created.",
	})
	EmailsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_emails_sent_total",
		Help: "Number of emails delivered successfully.",
	})
	EmailsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_emails_failed_total",
		Help: "Number of emails that exhausted their retries.",
	})
	EmailsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_emails_retried_total",
		Help: "Number of delivery attempts that were rescheduled for retry.",
	})
	EmailsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_emails_cancelled_total",
		Help: "Number of pending entries cancelled by an operator.",
	})
	EmailsResent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_emails_resent_total",
		Help: "Number of terminal entries copied into a new delivery.",
	})
	TriggersFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_triggers_fired_total",
		Help: "Number of status changes that produced a delivery request.",
	})
)
