package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Dispatch
	SendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_send_total", Help: "Send attempt outcomes."},
		[]string{"outcome"}, // sent | deferred | transient | flood_wait | banned | peer_blocked | failed
	)
	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outreach_send_duration_seconds",
			Help:    "Transport send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "outreach_queue_depth", Help: "PendingSends waiting in the dispatch pool."},
		[]string{"queue"}, // ready | deferred
	)
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "outreach_inflight", Help: "Sends currently held by a worker."},
	)
	RetryTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_retry_total", Help: "Transient retries scheduled."})

	// Accounts
	AccountStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "outreach_account_status", Help: "1 for the account's current status."},
		[]string{"account", "status"},
	)
	AccountRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "outreach_account_remaining_today", Help: "Messages the account may still send today."},
		[]string{"account"},
	)
	InboundTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_inbound_total", Help: "Inbound messages received."})

	// Scheduler
	CampaignSent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "outreach_campaign_sent", Help: "Messages sent per campaign."},
		[]string{"campaign"},
	)
	CampaignRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "outreach_campaign_remaining", Help: "Sends still pending per campaign."},
		[]string{"campaign"},
	)
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outreach_tick_duration_seconds",
			Help:    "Scheduler tick latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	// Hub
	HubSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outreach_hub_subscribers", Help: "Connected event subscribers."})
	HubDropped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_hub_dropped_total", Help: "Events dropped for slow subscribers."})

	// HTTP
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outreach_http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)
)

// Registry holds the outreach collectors. The default registry already
// carries its own go and process collectors.
var Registry = prometheus.NewRegistry()

var registerOnce sync.Once

// MustRegister registers the runtime and outreach collectors with Registry.
// Safe to call more than once.
func MustRegister() {
	registerOnce.Do(func() {
		Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			SendTotal, SendDuration, QueueDepth, InFlight, RetryTotal,
			AccountStatus, AccountRemaining, InboundTotal,
			CampaignSent, CampaignRemaining, TickDuration,
			HubSubscribers, HubDropped,
			HTTPRequests, HTTPDuration,
		)
	})
}

// SetAccountStatus flips the one-hot status gauge for an account.
func SetAccountStatus(accountID, status string) {
	for _, s := range []string{"active", "inactive", "banned", "flood_limited"} {
		v := 0.0
		if s == status {
			v = 1
		}
		AccountStatus.WithLabelValues(accountID, s).Set(v)
	}
}
