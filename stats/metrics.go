// Package stats exposes crawl and HA database metrics. Grounded on the
// teacher's stats/target_stats.go Trunner (a named-counter registry with
// a periodic background logger), retargeted from object-storage I/O
// counters to crawl throughput and replication health, and backed by
// real Prometheus collectors instead of the teacher's hand-rolled
// Tracker/NamedVal64 wire format.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"context"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NVIDIA/imgcrawld/cluster"
	"github.com/NVIDIA/imgcrawld/crawl"
	"github.com/NVIDIA/imgcrawld/repl"
)

// Metrics is the process-wide Prometheus collector set, the generalized
// equivalent of the teacher's CoreStats/Tracker: one registered
// collector per named metric, populated by periodic Observe* calls
// rather than ad hoc doAdd(NamedVal64) increments.
type Metrics struct {
	registry *prometheus.Registry

	pagesCrawled      prometheus.Counter
	imagesFound       prometheus.Counter
	imagesDownloaded  prometheus.Counter
	imagesFailed      prometheus.Counter
	bytesDownloaded   prometheus.Counter
	crawlDuration     prometheus.Histogram

	nodeHealth        *prometheus.GaugeVec
	replicationLag    *prometheus.GaugeVec
	replicationQueue  prometheus.Gauge
	failoverTotal     prometheus.Counter
	alertsFiredTotal  *prometheus.CounterVec
}

// New builds a Metrics instance with its own registry (so a node's
// /metrics endpoint never leaks the default global registry's process
// collectors into test output or another node's scrape).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		pagesCrawled: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgcrawld_pages_crawled_total", Help: "Total pages crawled.",
		}),
		imagesFound: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgcrawld_images_found_total", Help: "Total candidate images discovered.",
		}),
		imagesDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgcrawld_images_downloaded_total", Help: "Total images successfully downloaded.",
		}),
		imagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgcrawld_images_failed_total", Help: "Total image downloads that exhausted retries.",
		}),
		bytesDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgcrawld_bytes_downloaded_total", Help: "Total bytes written to disk.",
		}),
		crawlDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "imgcrawld_crawl_duration_seconds", Help: "Wall-clock duration of completed crawl runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		nodeHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "imgcrawld_node_health", Help: "1 if the node is healthy, 0.5 warning, 0 offline.",
		}, []string{"node"}),
		replicationLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "imgcrawld_replication_lag_seconds", Help: "Replication lag of a secondary behind the primary.",
		}, []string{"node"}),
		replicationQueue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "imgcrawld_replication_queue_size", Help: "Pending operations awaiting replication.",
		}),
		failoverTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgcrawld_failover_total", Help: "Total completed failovers.",
		}),
		alertsFiredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "imgcrawld_alerts_fired_total", Help: "Total alert rule firings, by metric.",
		}, []string{"metric", "severity"}),
	}
}

// Handler exposes the collector set for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCrawlResult folds a completed crawl.Result into the counters.
// Crawl metrics are cumulative across runs, since a single node may run
// many crawls over its lifetime.
func (m *Metrics) ObserveCrawlResult(res crawl.Result) {
	m.pagesCrawled.Add(float64(res.PagesCrawled))
	m.imagesFound.Add(float64(res.ImagesFound))
	m.imagesDownloaded.Add(float64(res.ImagesDownloaded))
	m.imagesFailed.Add(float64(res.ImagesFailed))
	m.bytesDownloaded.Add(float64(res.TotalBytes))
	m.crawlDuration.Observe(res.Duration.Seconds())
}

// ObserveClusterView snapshots the current HA view's per-node health and
// lag gauges. Unlike the counters above, these are idempotent sets, not
// increments, matching Prometheus's usual gauge-from-poll pattern.
func (m *Metrics) ObserveClusterView(view *cluster.View) {
	for _, n := range view.Nodes {
		m.nodeHealth.WithLabelValues(n.Name).Set(healthScore(n.HealthStatus()))
		if n.Role != cluster.RolePrimary {
			m.replicationLag.WithLabelValues(n.Name).Set(n.LagSeconds.Load())
		}
	}
}

func healthScore(h cluster.Health) float64 {
	switch h {
	case cluster.HealthHealthy:
		return 1
	case cluster.HealthWarning:
		return 0.5
	case cluster.HealthOffline:
		return 0
	default:
		return -1
	}
}

// ObserveReplicationQueue records the current pending-op backlog.
func (m *Metrics) ObserveReplicationQueue(log *repl.Log) {
	m.replicationQueue.Set(float64(log.Len()))
}

// RecordFailover increments the failover counter, called from a
// failover.Controller OnEvent callback on StateCompleted.
func (m *Metrics) RecordFailover() {
	m.failoverTotal.Inc()
}

// RecordAlert increments the per-metric/severity alert counter, called
// from a cluster.HealthMonitor onAlert callback.
func (m *Metrics) RecordAlert(metric, severity string) {
	m.alertsFiredTotal.WithLabelValues(metric, severity).Inc()
}

// Runner periodically samples cluster/queue state into gauges, the
// generalized equivalent of the teacher's Trunner background loop
// (statsRunner.Run -> log(uptime) every config.Periodic.StatsTime).
type Runner struct {
	metrics  *Metrics
	registry *cluster.Registry
	log      *repl.Log
	interval time.Duration
}

// NewRunner builds a Runner sampling every interval (defaults to 10s).
func NewRunner(metrics *Metrics, registry *cluster.Registry, log *repl.Log, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Runner{metrics: metrics, registry: registry, log: log, interval: interval}
}

// Start runs the sampling loop until ctx is canceled.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.metrics.ObserveClusterView(r.registry.Get())
			r.metrics.ObserveReplicationQueue(r.log)
			glog.V(3).Infof("stats: sampled cluster view at version %d", r.registry.Get().Version)
		}
	}
}
