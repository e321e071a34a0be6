// Package notify fans committed changes out to external systems. It is
// observational: nothing here participates in replica sync. Webhook
// deliveries are queued and never block the caller of Dispatch, but backend
// publishes run synchronously inside Dispatch, so a slow or unreachable
// backend delays the Record or ApplyRemote call whose commit hook invoked it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chorasync/chora/internal/change"
)

// Event is the payload published to every backend and webhook when a change
// is committed locally or applied from a peer.
type Event struct {
	EventType  string `json:"event_type"` // "insert", "update", "delete"
	Origin     string `json:"origin"`     // "local" or "remote"
	EntityID   string `json:"entity_id"`
	TableName  string `json:"table_name"`
	ColumnName string `json:"column_name,omitempty"`
	SiteID     string `json:"site_id"`
	DBVersion  uint64 `json:"db_version"`
	Timestamp  string `json:"timestamp"`
}

// NewEvent builds the notification Event for a committed Change.
func NewEvent(c change.Change, origin string) Event {
	ev := Event{
		EventType: string(c.ChangeType),
		Origin:    origin,
		EntityID:  c.EntityID,
		TableName: c.TableName,
		SiteID:    c.SiteID,
		DBVersion: c.DBVersion,
		Timestamp: c.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if c.ColumnName != nil {
		ev.ColumnName = *c.ColumnName
	}
	return ev
}

// Backend is the interface for notification delivery backends.
type Backend interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

type deliveryJob struct {
	endpoint   string
	payload    []byte
	retryCount int
	maxRetries int
}

// Dispatcher fans out committed-change events to registered backends and,
// for configured webhook subscriptions, HTTP endpoints with retry/backoff.
type Dispatcher struct {
	webhooks   []Webhook
	client     *http.Client
	workerCh   chan deliveryJob
	wg         sync.WaitGroup
	maxWorkers int
	maxRetries int
	backoff    []time.Duration
	backends   []Backend
	mu         sync.Mutex
}

// Webhook is a subscription matching change events by table and event type.
type Webhook struct {
	Endpoint string
	Events   []string // e.g. "insert", "update", "delete", "*"
	Tables   []string // e.g. "orders"; empty means all tables
}

func NewDispatcher(maxWorkers, queueSize, timeoutSecs, maxRetries int) *Dispatcher {
	return &Dispatcher{
		client:     &http.Client{Timeout: time.Duration(timeoutSecs) * time.Second},
		workerCh:   make(chan deliveryJob, queueSize),
		maxWorkers: maxWorkers,
		maxRetries: maxRetries,
		backoff:    []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.maxWorkers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-d.workerCh:
					if !ok {
						return
					}
					d.deliverWebhook(job)
				}
			}
		}()
	}
}

// AddBackend registers a notification backend.
func (d *Dispatcher) AddBackend(b Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends = append(d.backends, b)
	slog.Info("notification backend registered", "backend", b.Name())
}

// AddWebhook registers an HTTP webhook subscription.
func (d *Dispatcher) AddWebhook(w Webhook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.webhooks = append(d.webhooks, w)
}

func (d *Dispatcher) Stop() {
	close(d.workerCh)
	d.wg.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range d.backends {
		b.Close()
	}
}

// Dispatch publishes an Event for c to every registered backend and to any
// webhook whose subscription matches. origin is "local" for a Record call
// and "remote" for a change accepted via ApplyRemote.
func (d *Dispatcher) Dispatch(c change.Change, origin string) {
	event := NewEvent(c, origin)

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("notify error marshaling event", "error", err)
		return
	}

	d.mu.Lock()
	backends := make([]Backend, len(d.backends))
	copy(backends, d.backends)
	webhooks := make([]Webhook, len(d.webhooks))
	copy(webhooks, d.webhooks)
	d.mu.Unlock()

	for _, b := range backends {
		if err := b.Publish(context.Background(), payload); err != nil {
			slog.Error("notify backend publish error", "backend", b.Name(), "error", err)
		}
	}

	for _, wh := range webhooks {
		if !matchEvent(wh.Events, event.EventType) {
			continue
		}
		if !matchTable(wh.Tables, event.TableName) {
			continue
		}

		job := deliveryJob{
			endpoint:   wh.Endpoint,
			payload:    payload,
			retryCount: 0,
			maxRetries: d.maxRetries,
		}

		// Non-blocking send — drop if queue is full
		select {
		case d.workerCh <- job:
		default:
			slog.Warn("notify queue full, dropping event", "event", event.EventType, "entity_id", event.EntityID)
		}
	}
}

func (d *Dispatcher) deliverWebhook(job deliveryJob) {
	resp, err := d.client.Post(job.endpoint, "application/json", bytes.NewReader(job.payload))
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return // success
		}
		err = &httpError{statusCode: resp.StatusCode}
	}

	// Retry
	if job.retryCount < job.maxRetries-1 {
		backoffIdx := job.retryCount
		if backoffIdx >= len(d.backoff) {
			backoffIdx = len(d.backoff) - 1
		}
		time.Sleep(d.backoff[backoffIdx])

		job.retryCount++
		select {
		case d.workerCh <- job:
		default:
			slog.Warn("notify queue full on retry, dropping webhook", "endpoint", job.endpoint)
		}
	} else {
		slog.Error("notify webhook failed after retries", "retries", job.maxRetries, "endpoint", job.endpoint, "error", err)
	}
}

type httpError struct {
	statusCode int
}

func (e *httpError) Error() string {
	return "webhook returned non-success status"
}

// matchEvent checks if the actual event type matches any of the configured event patterns.
func matchEvent(patterns []string, actual string) bool {
	for _, p := range patterns {
		if p == actual || p == "*" {
			return true
		}
		if strings.HasSuffix(p, ":*") && strings.HasPrefix(actual, p[:len(p)-1]) {
			return true
		}
	}
	return false
}

// matchTable reports whether table matches the webhook's table filter. An
// empty filter matches every table.
func matchTable(tables []string, table string) bool {
	if len(tables) == 0 {
		return true
	}
	for _, t := range tables {
		if t == table || t == "*" {
			return true
		}
	}
	return false
}
