package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chorasync/chora/internal/accesslog"
	"github.com/chorasync/chora/internal/change"
	"github.com/chorasync/chora/internal/config"
	"github.com/chorasync/chora/internal/journal"
	"github.com/chorasync/chora/internal/metrics"
	"github.com/chorasync/chora/internal/middleware"
	"github.com/chorasync/chora/internal/notify"
	"github.com/chorasync/chora/internal/syncapi"
)

// Server wires a Journal, its HTTP sync surface, the notification
// dispatcher and the periodic peer-sync worker into one running process.
type Server struct {
	cfg       *config.Config
	journal   *journal.Journal
	metrics   *metrics.Collector
	accessLog *accesslog.AccessLogger
	notifyD   *notify.Dispatcher
	syncH     *syncapi.Handler
	syncW     *syncapi.Worker
}

func New(cfg *config.Config) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	j, err := journal.Open(cfg.Journal.Path, cfg.SiteID)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	mc := metrics.NewCollector()

	accessLogPath := filepath.Join(filepath.Dir(cfg.Journal.Path), "access.log")
	accessLogger, err := accesslog.NewAccessLogger(accessLogPath)
	if err != nil {
		j.Close()
		return nil, fmt.Errorf("init access logger: %w", err)
	}

	nc := cfg.Notifications
	dispatcher := notify.NewDispatcher(nc.MaxWorkers, nc.QueueSize, nc.TimeoutSecs, nc.MaxRetries)

	if nc.Kafka.Enabled && len(nc.Kafka.Brokers) > 0 && nc.Kafka.Topic != "" {
		dispatcher.AddBackend(notify.NewKafkaBackend(nc.Kafka.Brokers, nc.Kafka.Topic))
	}
	if nc.NATS.Enabled && nc.NATS.URL != "" && nc.NATS.Subject != "" {
		natsBackend, err := notify.NewNATSBackend(nc.NATS.URL, nc.NATS.Subject)
		if err != nil {
			slog.Warn("nats backend failed to connect", "error", err)
		} else {
			dispatcher.AddBackend(natsBackend)
		}
	}
	if nc.Redis.Enabled && nc.Redis.Addr != "" {
		dispatcher.AddBackend(notify.NewRedisBackend(nc.Redis.Addr, nc.Redis.Channel))
	}
	if nc.AMQP.Enabled && nc.AMQP.URL != "" {
		dispatcher.AddBackend(notify.NewAMQPBackend(nc.AMQP.URL, nc.AMQP.Exchange, nc.AMQP.RoutingKey))
	}
	if nc.Postgres.Enabled && nc.Postgres.ConnStr != "" {
		pgBackend, err := notify.NewPostgresBackend(nc.Postgres.ConnStr, nc.Postgres.Table)
		if err != nil {
			slog.Warn("postgres notify backend failed to connect", "error", err)
		} else {
			dispatcher.AddBackend(pgBackend)
		}
	}
	if nc.Elastic.Enabled && nc.Elastic.URL != "" {
		dispatcher.AddBackend(notify.NewElasticsearchBackend(nc.Elastic.URL, nc.Elastic.Index))
	}
	for _, wh := range nc.Webhooks {
		dispatcher.AddWebhook(notify.Webhook{Endpoint: wh.Endpoint, Events: wh.Events, Tables: wh.Tables})
	}

	j.SetOnCommit(func(c change.Change, origin string) {
		if origin == "local" {
			mc.RecordChangeRecorded()
		} else {
			mc.RecordChangeApplied()
		}
		dispatcher.Dispatch(c, origin)
	})

	secrets := make(map[string]string, len(cfg.Peers))
	peerConfigs := make([]syncapi.PeerConfig, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		secrets[p.SiteID] = p.SharedSecret
		peerConfigs = append(peerConfigs, syncapi.PeerConfig{
			Name:    p.Name,
			SiteID:  p.SiteID,
			URL:     p.URL,
			Secret:  p.SharedSecret,
			Timeout: time.Duration(cfg.Sync.RequestTimeoutSecs) * time.Second,
		})
	}

	syncHandler := syncapi.NewHandler(j, func(siteID string) (string, bool) {
		secret, ok := secrets[siteID]
		return secret, ok
	})
	syncHandler.SetAccessLog(accessLogger)

	syncWorker := syncapi.NewWorker(j, peerConfigs, time.Duration(cfg.Sync.IntervalSecs)*time.Second, mc)

	return &Server{
		cfg:       cfg,
		journal:   j,
		metrics:   mc,
		accessLog: accessLogger,
		notifyD:   dispatcher,
		syncH:     syncHandler,
		syncW:     syncWorker,
	}, nil
}

// Run starts the sync API listener and the background peer-sync worker,
// and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	addr := s.cfg.ListenAddr()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler(s.metrics.StartTime()))
	mux.HandleFunc("/ready", readyHandler(s.journal))
	mux.Handle("/metrics", s.metrics)
	s.syncH.Register(mux, "/_sync")

	var handler http.Handler = mux
	handler = middleware.Latency(s.metrics, handler)
	handler = middleware.RequestID(handler)
	handler = middleware.PanicRecovery(handler)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	scheme := "http"
	if s.cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	slog.Info("chora starting",
		"site_id", s.cfg.SiteID,
		"addr", addr,
		"journal", s.cfg.Journal.Path,
		"peers", len(s.cfg.Peers),
		"health", fmt.Sprintf("%s://%s/health", scheme, addr),
	)

	notifyCtx, notifyCancel := context.WithCancel(context.Background())
	defer notifyCancel()
	s.notifyD.Start(notifyCtx)

	syncCtx, syncCancel := context.WithCancel(context.Background())
	defer syncCancel()
	go s.syncW.Run(syncCtx)

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.Server.TLS.Enabled {
			if s.cfg.Server.TLS.AutoCert {
				tlsCfg, _ := NewAutoTLS(AutoTLSConfig{
					Enabled:  true,
					Domains:  s.cfg.Server.TLS.Domains,
					CacheDir: s.cfg.Server.TLS.CacheDir,
				})
				httpServer.TLSConfig = tlsCfg
				errCh <- httpServer.ListenAndServeTLS("", "")
			} else {
				errCh <- httpServer.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
			}
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig.String())
	}

	timeout := time.Duration(s.cfg.Server.ShutdownTimeoutSecs) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.notifyD.Stop()

	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("graceful shutdown timed out", "timeout", timeout, "error", err)
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}

func (s *Server) Close() {
	if s.accessLog != nil {
		s.accessLog.Close()
	}
	if s.journal != nil {
		s.journal.Close()
	}
}
