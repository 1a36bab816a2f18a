package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cleandispatch"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	mailboxTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailbox_transitions_total",
			Help:      "Mailbox slot writes by resulting status.",
		},
		[]string{"status"},
	)

	mailboxConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailbox_cas_conflicts_total",
			Help:      "Mailbox compare-and-swap attempts lost to a concurrent writer.",
		},
	)

	presencePublishes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_publishes_total",
			Help:      "Presence records written to the feed.",
		},
	)

	repairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repairs_total",
			Help:      "Pending write replays by kind and result.",
		},
		[]string{"kind", "result"},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Participant sessions hosted by this process.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, mailboxTransitions, mailboxConflicts, presencePublishes, repairs, sessionsActive)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncTransition counts a mailbox write that produced status.
func IncTransition(status string) {
	mailboxTransitions.WithLabelValues(status).Inc()
}

// IncConflict counts a lost compare-and-swap.
func IncConflict() {
	mailboxConflicts.Inc()
}

// IncPresence counts a presence publish.
func IncPresence() {
	presencePublishes.Inc()
}

// IncRepair counts a pending write replay outcome.
func IncRepair(kind, result string) {
	repairs.WithLabelValues(kind, result).Inc()
}

// SessionOpened and SessionClosed track hosted sessions.
func SessionOpened() { sessionsActive.Inc() }

func SessionClosed() { sessionsActive.Dec() }
