package repo

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// repoMetricsOnce ensures metrics are only initialized once.
var repoMetricsOnce sync.Once

// repoMetricsInstance is the singleton instance of repository metrics.
var repoMetricsInstance *Metrics

// Metrics holds all Prometheus metrics for the resource repository.
type Metrics struct {
	PushesTotal    *prometheus.CounterVec // blobvault_pushes_total{status}
	PushBytes      prometheus.Counter     // blobvault_push_bytes_total
	DeletesTotal   *prometheus.CounterVec // blobvault_deletes_total{mode}
	DownloadsTotal prometheus.Counter     // blobvault_downloads_total
	OrphansCleaned prometheus.Counter     // blobvault_orphans_cleaned_total
	PurgedTotal    prometheus.Counter     // blobvault_purged_total
}

// InitMetrics initializes all repository metrics.
// Metrics are only registered once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	repoMetricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		repoMetricsInstance = &Metrics{
			PushesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "blobvault_pushes_total",
				Help: "Total resource pushes by status",
			}, []string{"status"}),

			PushBytes: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "blobvault_push_bytes_total",
				Help: "Total bytes uploaded by pushes",
			}),

			DeletesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "blobvault_deletes_total",
				Help: "Total resource deletes by mode (logical, permanent)",
			}, []string{"mode"}),

			DownloadsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "blobvault_downloads_total",
				Help: "Total resource downloads",
			}),

			OrphansCleaned: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "blobvault_orphans_cleaned_total",
				Help: "Total orphan blobs removed by reconciliation",
			}),

			PurgedTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "blobvault_purged_total",
				Help: "Total logically deleted resources purged after expiry",
			}),
		}
	})
	return repoMetricsInstance
}
