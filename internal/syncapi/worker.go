package syncapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/chorasync/chora/internal/journal"
	"github.com/chorasync/chora/internal/merge"
	"github.com/chorasync/chora/internal/metrics"
)

// PeerConfig names a replica this worker periodically syncs with.
type PeerConfig struct {
	Name     string
	SiteID   string
	URL      string
	Secret   string
	Timeout  time.Duration
}

// Worker runs periodic bidirectional syncs against a fixed set of peers,
// mirroring the teacher's ticker-driven replication loop.
type Worker struct {
	journal  *journal.Journal
	peers    []PeerConfig
	interval time.Duration
	metrics  *metrics.Collector
}

// NewWorker builds a Worker over journal for the given peers. metrics may be
// nil, in which case per-peer sync metrics are skipped.
func NewWorker(j *journal.Journal, peers []PeerConfig, interval time.Duration, mc *metrics.Collector) *Worker {
	if interval < time.Second {
		interval = time.Second
	}
	return &Worker{journal: j, peers: peers, interval: interval, metrics: mc}
}

// Run syncs with every peer immediately, then on each tick, until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	slog.Info("sync worker started", "site_id", w.journal.SiteID(), "peers", len(w.peers), "interval", w.interval)

	w.syncAll(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("sync worker stopped")
			return
		case <-ticker.C:
			w.syncAll(ctx)
		}
	}
}

func (w *Worker) syncAll(ctx context.Context) {
	for _, p := range w.peers {
		if ctx.Err() != nil {
			return
		}
		w.syncOne(p)
	}
}

func (w *Worker) syncOne(p PeerConfig) {
	client := NewPeerClient(p.URL, w.journal.SiteID(), p.SiteID, p.Secret, p.Timeout)
	report, err := merge.New(w.journal).SyncWith(client)
	if err != nil {
		slog.Error("sync with peer failed", "peer", p.Name, "error", err)
		if w.metrics != nil {
			w.metrics.RecordSyncAttempt(p.SiteID, false, 0, 0)
		}
		return
	}

	if w.metrics != nil {
		w.metrics.RecordSyncAttempt(p.SiteID, report.Success(), report.Sent, report.Received)
		if remoteVersion, err := client.CurrentVersion(); err == nil {
			if watermark, err := w.journal.PeerWatermark(p.SiteID); err == nil && remoteVersion >= watermark {
				w.metrics.RecordWatermarkLag(p.SiteID, int64(remoteVersion-watermark))
			}
		}
	}

	if !report.Success() {
		slog.Warn("sync with peer completed with errors", "peer", p.Name, "sent", report.Sent, "received", report.Received, "errors", len(report.Errors))
		return
	}
	if report.Sent > 0 || report.Received > 0 {
		slog.Info("sync with peer complete", "peer", p.Name, "sent", report.Sent, "received", report.Received)
	}
}
