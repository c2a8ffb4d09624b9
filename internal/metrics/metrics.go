package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "labreserve"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status class.",
		},
		[]string{"route", "code"},
	)

	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_submissions_total",
			Help:      "Reservation submissions by result (accepted, invalid, conflict, error).",
		},
		[]string{"result"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_transitions_total",
			Help:      "Committed lifecycle transitions by target status.",
		},
		[]string{"status"},
	)

	approvalFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_failures_total",
			Help:      "Approval evaluations that failed and left the reservation pending.",
		},
	)

	approvalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_duration_seconds",
			Help:      "Time spent evaluating one reservation, lock wait included.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	approvalQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approval_queue_depth",
			Help:      "Approval tasks buffered in the in-process queue.",
		},
	)

	notificationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Notification deliveries that failed, by sink.",
		},
		[]string{"sink"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			submissions,
			transitions,
			approvalFailures,
			approvalDuration,
			approvalQueueDepth,
			notificationFailures,
		)
	})
}

func IncHTTP(route, code string) {
	httpRequests.WithLabelValues(route, code).Inc()
}

func IncSubmission(result string) {
	submissions.WithLabelValues(result).Inc()
}

func IncTransition(status string) {
	transitions.WithLabelValues(status).Inc()
}

func IncApprovalFailure() {
	approvalFailures.Inc()
}

func ObserveApproval(d time.Duration) {
	approvalDuration.Observe(d.Seconds())
}

func SetApprovalQueueDepth(n int) {
	approvalQueueDepth.Set(float64(n))
}

func IncNotificationFailure(sink string) {
	notificationFailures.WithLabelValues(sink).Inc()
}
