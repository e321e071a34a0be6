package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chorasync/chora/internal/change"
)

func testChange(table, entityID string, ct change.Type) change.Change {
	return change.Change{
		EntityID:   entityID,
		ChangeType: ct,
		TableName:  table,
		SiteID:     "site-a",
		DBVersion:  1,
		Timestamp:  time.Now(),
	}
}

// mockBackend implements Backend for testing.
type mockBackend struct {
	name     string
	messages [][]byte
	closed   bool
}

func (m *mockBackend) Name() string { return m.name }
func (m *mockBackend) Publish(_ context.Context, payload []byte) error {
	m.messages = append(m.messages, payload)
	return nil
}
func (m *mockBackend) Close() error {
	m.closed = true
	return nil
}

func TestNewDispatcher(t *testing.T) {
	d := NewDispatcher(2, 10, 5, 3)
	if d == nil {
		t.Fatal("expected non-nil dispatcher")
	}
	if d.maxWorkers != 2 {
		t.Errorf("expected 2 workers, got %d", d.maxWorkers)
	}
	if d.maxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", d.maxRetries)
	}
}

func TestDispatcher_StartStop(t *testing.T) {
	d := NewDispatcher(2, 10, 5, 3)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	cancel()
	d.Stop()
}

func TestDispatcher_AddBackend(t *testing.T) {
	d := NewDispatcher(1, 10, 5, 3)

	b := &mockBackend{name: "test-backend"}
	d.AddBackend(b)

	if len(d.backends) != 1 {
		t.Errorf("expected 1 backend, got %d", len(d.backends))
	}
}

func TestDispatcher_BackendClose(t *testing.T) {
	d := NewDispatcher(1, 10, 5, 3)

	b := &mockBackend{name: "test"}
	d.AddBackend(b)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	cancel()
	d.Stop()

	if !b.closed {
		t.Error("expected backend to be closed")
	}
}

func TestDispatcher_DispatchToBackend(t *testing.T) {
	d := NewDispatcher(1, 10, 5, 3)
	b := &mockBackend{name: "test"}
	d.AddBackend(b)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	d.Dispatch(testChange("orders", "e1", change.Insert), "local")

	time.Sleep(50 * time.Millisecond)

	cancel()
	d.Stop()

	if len(b.messages) != 1 {
		t.Fatalf("expected 1 message to backend, got %d", len(b.messages))
	}
	var ev Event
	if err := json.Unmarshal(b.messages[0], &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.EventType != "insert" || ev.Origin != "local" || ev.TableName != "orders" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestDispatcher_WebhookDelivery(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(2, 10, 5, 3)
	d.AddWebhook(Webhook{Endpoint: server.URL, Events: []string{"insert"}})

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	d.Dispatch(testChange("orders", "e1", change.Insert), "local")

	time.Sleep(200 * time.Millisecond)
	cancel()
	d.Stop()

	if received.Load() != 1 {
		t.Errorf("expected 1 webhook call, got %d", received.Load())
	}
}

func TestDispatcher_EventFiltering(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(1, 10, 5, 3)
	d.AddWebhook(Webhook{Endpoint: server.URL, Events: []string{"delete"}})

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	// This should NOT match the webhook (insert vs delete)
	d.Dispatch(testChange("orders", "e1", change.Insert), "local")

	time.Sleep(100 * time.Millisecond)
	cancel()
	d.Stop()

	if received.Load() != 0 {
		t.Errorf("expected 0 webhook calls (filtered), got %d", received.Load())
	}
}

func TestDispatcher_TableFilter(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(1, 10, 5, 3)
	d.AddWebhook(Webhook{Endpoint: server.URL, Events: []string{"*"}, Tables: []string{"orders"}})

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	// Non-matching table
	d.Dispatch(testChange("users", "e1", change.Insert), "local")
	time.Sleep(100 * time.Millisecond)
	if received.Load() != 0 {
		t.Errorf("expected 0 for non-matching table, got %d", received.Load())
	}

	// Matching table
	d.Dispatch(testChange("orders", "e2", change.Insert), "local")
	time.Sleep(100 * time.Millisecond)

	cancel()
	d.Stop()

	if received.Load() != 1 {
		t.Errorf("expected 1 for matching table, got %d", received.Load())
	}
}

// --- matchEvent tests ---

func TestMatchEvent_Exact(t *testing.T) {
	if !matchEvent([]string{"insert"}, "insert") {
		t.Error("exact match should succeed")
	}
	if matchEvent([]string{"insert"}, "delete") {
		t.Error("different events should not match")
	}
}

func TestMatchEvent_GlobalWildcard(t *testing.T) {
	if !matchEvent([]string{"*"}, "insert") {
		t.Error("* should match everything")
	}
}

func TestMatchEvent_NoPatterns(t *testing.T) {
	if matchEvent([]string{}, "insert") {
		t.Error("empty patterns should not match")
	}
}

// --- matchTable tests ---

func TestMatchTable_NoFilter(t *testing.T) {
	if !matchTable(nil, "any_table") {
		t.Error("no filter should match everything")
	}
}

func TestMatchTable_Exact(t *testing.T) {
	tables := []string{"orders"}
	if !matchTable(tables, "orders") {
		t.Error("matching table should pass")
	}
	if matchTable(tables, "users") {
		t.Error("non-matching table should fail")
	}
}

func TestDispatcher_NoWebhooks(t *testing.T) {
	d := NewDispatcher(1, 10, 5, 3)
	// Should not panic
	d.Dispatch(testChange("orders", "e1", change.Insert), "remote")
}
