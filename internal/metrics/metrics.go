// Package metrics holds the service's Prometheus instruments. They register
// with the default registry on import and are served at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_sync_cycles_total",
			Help: "Completed account sync cycles by result.",
		},
		[]string{
			"result", // ok, error, cancelled
		},
	)
	SyncCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailsync_sync_cycle_duration_seconds",
			Help:    "Duration of one account sync cycle.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
	)
	MessagesSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_messages_synced_total",
			Help: "Messages persisted by sync, by direction.",
		},
		[]string{
			"direction", // forward, backfill, bootstrap
		},
	)
	FetchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_fetch_failures_total",
			Help: "Single messages skipped during a batch and queued for retry.",
		},
	)
	FolderResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_folder_resets_total",
			Help: "Folders re-bootstrapped after a UIDVALIDITY change.",
		},
	)
	SendResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_send_results_total",
			Help: "Outbox send attempts by result.",
		},
		[]string{
			"result", // sent, retry, failed, expired
		},
	)
	FlagPushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_flag_pushes_total",
			Help: "Local flag changes pushed to the server, by result.",
		},
		[]string{
			"result", // ok, reverted
		},
	)
	PoolWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_pool_wait_seconds",
			Help:    "Time spent waiting for a pooled session.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{
			"protocol", // imap, smtp
		},
	)
)

// ObservePoolWait records an Acquire wait.
func ObservePoolWait(protocol string, waited time.Duration) {
	PoolWait.WithLabelValues(protocol).Observe(waited.Seconds())
}

func Handler() http.Handler {
	return promhttp.Handler()
}
