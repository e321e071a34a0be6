// Package metrics exposes a Prometheus-compatible /metrics endpoint over
// the sync engine's change, notification and peer-sync counters.
package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// peerMetrics holds per-peer sync counters.
type peerMetrics struct {
	syncAttempts atomic.Int64
	syncFailures atomic.Int64
	sent         atomic.Int64
	received     atomic.Int64
	watermarkLag atomic.Int64
}

// Collector tracks change-journal and sync metrics and exposes them in
// Prometheus exposition format.
type Collector struct {
	startTime time.Time

	changesRecorded  atomic.Int64
	changesApplied   atomic.Int64
	changesDuplicate atomic.Int64
	changesRejected  atomic.Int64

	notifyDelivered atomic.Int64
	notifyFailed    atomic.Int64

	peerMu      sync.RWMutex
	peerMetrics map[string]*peerMetrics

	latencyMu      sync.Mutex
	latencyBuckets [latencyBucketCount]atomic.Int64
	latencySum     atomic.Int64 // microseconds
	latencyCount   atomic.Int64
}

// Histogram bucket boundaries in seconds.
var latencyBounds = [latencyBucketCount]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

const latencyBucketCount = 11

const maxPeerMetrics = 100

func NewCollector() *Collector {
	return &Collector{
		startTime:   time.Now(),
		peerMetrics: make(map[string]*peerMetrics),
	}
}

// StartTime returns when the collector was created (server start time).
func (c *Collector) StartTime() time.Time {
	return c.startTime
}

// RecordChangeRecorded increments the locally-recorded change counter.
func (c *Collector) RecordChangeRecorded() {
	c.changesRecorded.Add(1)
}

// RecordChangeApplied increments the remote-change-applied counter.
func (c *Collector) RecordChangeApplied() {
	c.changesApplied.Add(1)
}

// RecordChangeDuplicate increments the duplicate-change counter.
func (c *Collector) RecordChangeDuplicate() {
	c.changesDuplicate.Add(1)
}

// RecordChangeRejected increments the invalid-change counter.
func (c *Collector) RecordChangeRejected() {
	c.changesRejected.Add(1)
}

// RecordNotifyDelivered increments the successful-webhook/backend-delivery counter.
func (c *Collector) RecordNotifyDelivered() {
	c.notifyDelivered.Add(1)
}

// RecordNotifyFailed increments the failed-delivery counter.
func (c *Collector) RecordNotifyFailed() {
	c.notifyFailed.Add(1)
}

// RecordLatency records a sync request duration in the histogram.
func (c *Collector) RecordLatency(d time.Duration) {
	secs := d.Seconds()
	for i, bound := range latencyBounds {
		if secs <= bound {
			c.latencyBuckets[i].Add(1)
		}
	}
	c.latencySum.Add(d.Microseconds())
	c.latencyCount.Add(1)
}

// getPeerMetrics returns the per-peer metrics entry, creating it if needed.
func (c *Collector) getPeerMetrics(site string) *peerMetrics {
	c.peerMu.RLock()
	pm, ok := c.peerMetrics[site]
	c.peerMu.RUnlock()
	if ok {
		return pm
	}

	c.peerMu.Lock()
	defer c.peerMu.Unlock()
	if pm, ok = c.peerMetrics[site]; ok {
		return pm
	}
	// Limit to prevent label explosion from a misbehaving or spoofed peer.
	if len(c.peerMetrics) >= maxPeerMetrics {
		return nil
	}
	pm = &peerMetrics{}
	c.peerMetrics[site] = pm
	return pm
}

// RecordSyncAttempt records one SyncWith round trip against a peer site.
func (c *Collector) RecordSyncAttempt(site string, ok bool, sent, received int) {
	pm := c.getPeerMetrics(site)
	if pm == nil {
		return
	}
	pm.syncAttempts.Add(1)
	if !ok {
		pm.syncFailures.Add(1)
	}
	pm.sent.Add(int64(sent))
	pm.received.Add(int64(received))
}

// RecordWatermarkLag records the gap between a peer's current version and
// our locally stored watermark for it.
func (c *Collector) RecordWatermarkLag(site string, lag int64) {
	if pm := c.getPeerMetrics(site); pm != nil {
		pm.watermarkLag.Store(lag)
	}
}

// ServeHTTP handles GET /metrics in Prometheus exposition format.
func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "chora_changes_recorded_total %d\n", c.changesRecorded.Load())
	fmt.Fprintf(w, "chora_changes_applied_total %d\n", c.changesApplied.Load())
	fmt.Fprintf(w, "chora_changes_duplicate_total %d\n", c.changesDuplicate.Load())
	fmt.Fprintf(w, "chora_changes_rejected_total %d\n", c.changesRejected.Load())
	fmt.Fprintf(w, "chora_notify_delivered_total %d\n", c.notifyDelivered.Load())
	fmt.Fprintf(w, "chora_notify_failed_total %d\n", c.notifyFailed.Load())
	fmt.Fprintf(w, "chora_uptime_seconds %.0f\n", time.Since(c.startTime).Seconds())

	c.peerMu.RLock()
	sites := make([]string, 0, len(c.peerMetrics))
	for site := range c.peerMetrics {
		sites = append(sites, site)
	}
	c.peerMu.RUnlock()
	sort.Strings(sites)
	for _, site := range sites {
		c.peerMu.RLock()
		pm := c.peerMetrics[site]
		c.peerMu.RUnlock()
		if pm == nil {
			continue
		}
		fmt.Fprintf(w, "chora_peer_sync_attempts_total{site=%q} %d\n", site, pm.syncAttempts.Load())
		fmt.Fprintf(w, "chora_peer_sync_failures_total{site=%q} %d\n", site, pm.syncFailures.Load())
		fmt.Fprintf(w, "chora_peer_changes_sent_total{site=%q} %d\n", site, pm.sent.Load())
		fmt.Fprintf(w, "chora_peer_changes_received_total{site=%q} %d\n", site, pm.received.Load())
		fmt.Fprintf(w, "chora_peer_watermark_lag{site=%q} %d\n", site, pm.watermarkLag.Load())
	}

	for i, bound := range latencyBounds {
		fmt.Fprintf(w, "chora_sync_duration_seconds_bucket{le=\"%.3f\"} %d\n", bound, c.latencyBuckets[i].Load())
	}
	fmt.Fprintf(w, "chora_sync_duration_seconds_bucket{le=\"+Inf\"} %d\n", c.latencyCount.Load())
	fmt.Fprintf(w, "chora_sync_duration_seconds_sum %.6f\n", float64(c.latencySum.Load())/1e6)
	fmt.Fprintf(w, "chora_sync_duration_seconds_count %d\n", c.latencyCount.Load())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	fmt.Fprintf(w, "chora_go_goroutines %d\n", runtime.NumGoroutine())
	fmt.Fprintf(w, "chora_go_memory_alloc_bytes %d\n", mem.Alloc)
	fmt.Fprintf(w, "chora_go_memory_sys_bytes %d\n", mem.Sys)
	fmt.Fprintf(w, "chora_go_gc_total %d\n", mem.NumGC)
}
