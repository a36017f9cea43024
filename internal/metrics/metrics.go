// Package metrics exposes scanner statistics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/screa/coin-finder/pkg/stats"
)

// Namespace prefixes every exported metric
const Namespace = "coin_finder"

const shutdownTimeout = 5 * time.Second

// SnapshotSource is anything that can produce a statistics snapshot
type SnapshotSource interface {
	Snapshot() stats.Snapshot
}

// Collector reads a fresh snapshot on every scrape, so nothing is pushed from
// the hot path.
type Collector struct {
	source SnapshotSource

	batches        *prometheus.Desc
	keys           *prometheus.Desc
	requests       *prometheus.Desc
	hits           *prometheus.Desc
	errors         *prometheus.Desc
	keysPerSec     *prometheus.Desc
	requestsPerSec *prometheus.Desc
	hitsPerSec     *prometheus.Desc
	batchDuration  *prometheus.Desc
	rpcLatency     *prometheus.Desc
	uptime         *prometheus.Desc
	lifetimeKeys   *prometheus.Desc
	lifetimeHits   *prometheus.Desc
	hitChance      *prometheus.Desc
}

// NewCollector creates a collector over source. provider is attached as a
// constant label.
func NewCollector(source SnapshotSource, provider string) *Collector {
	labels := prometheus.Labels{"provider": provider}
	desc := func(subsystem, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(Namespace, subsystem, name), help, nil, labels)
	}
	return &Collector{
		source:         source,
		batches:        desc("session", "batches_total", "Batches completed this session"),
		keys:           desc("session", "keys_generated_total", "Key candidates generated this session"),
		requests:       desc("session", "requests_total", "Balance lookups sent this session"),
		hits:           desc("session", "hits_total", "Funded addresses found this session"),
		errors:         desc("session", "errors_total", "Failed lookups and batches this session"),
		keysPerSec:     desc("window", "keys_per_second", "Key generation rate over the sliding window"),
		requestsPerSec: desc("window", "requests_per_second", "Lookup rate over the sliding window"),
		hitsPerSec:     desc("window", "hits_per_second", "Hit rate over the sliding window"),
		batchDuration:  desc("batch", "last_duration_seconds", "Duration of the most recent batch"),
		rpcLatency:     desc("rpc", "last_latency_seconds", "Latency of the most recent batch call"),
		uptime:         desc("session", "uptime_seconds", "Seconds since the scanner started"),
		lifetimeKeys:   desc("lifetime", "keys_generated_total", "Key candidates generated across sessions"),
		lifetimeHits:   desc("lifetime", "hits_total", "Funded addresses found across sessions"),
		hitChance:      desc("lifetime", "hit_chance", "Expected hits for the keys generated so far"),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.batches, c.keys, c.requests, c.hits, c.errors,
		c.keysPerSec, c.requestsPerSec, c.hitsPerSec,
		c.batchDuration, c.rpcLatency, c.uptime,
		c.lifetimeKeys, c.lifetimeHits, c.hitChance,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Snapshot()

	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.batches, s.TotalBatches)
	counter(c.keys, s.TotalKeysGenerated)
	counter(c.requests, s.TotalRequests)
	counter(c.hits, s.TotalHits)
	counter(c.errors, s.TotalErrors)
	gauge(c.keysPerSec, s.KeysPerSec)
	gauge(c.requestsPerSec, s.RequestsPerSec)
	gauge(c.hitsPerSec, s.HitsPerSec)
	gauge(c.batchDuration, s.LastBatchDuration.Seconds())
	gauge(c.rpcLatency, s.LastRPCLatency.Seconds())
	gauge(c.uptime, s.Uptime.Seconds())
	counter(c.lifetimeKeys, s.LifetimeKeys)
	counter(c.lifetimeHits, s.LifetimeHits)
	gauge(c.hitChance, s.LifetimeHitChance)
}

// Handler returns an HTTP handler serving the registry
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Serve exposes /metrics on addr until ctx is cancelled
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, log logrus.FieldLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
