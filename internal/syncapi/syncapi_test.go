package syncapi

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/chorasync/chora/internal/journal"
	"github.com/chorasync/chora/internal/merge"
)

const testSecret = "s3cr3t"

func newTestJournal(t *testing.T, site string) *journal.Journal {
	t.Helper()
	dir := t.TempDir()
	j, err := journal.Open(filepath.Join(dir, "journal.db"), site)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func newTestServer(t *testing.T, j *journal.Journal, peerSite string) *httptest.Server {
	t.Helper()
	h := NewHandler(j, func(siteID string) (string, bool) {
		if siteID == peerSite {
			return testSecret, true
		}
		return "", false
	})
	mux := http.NewServeMux()
	h.Register(mux, "/_sync")
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHandlerSiteAndVersion(t *testing.T) {
	j := newTestJournal(t, "site-a")
	if _, err := j.Record("e1", "insert", "orders", nil, nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	srv := newTestServer(t, j, "site-b")
	client := NewPeerClient(srv.URL+"/_sync", "site-b", "site-a", testSecret, 5*time.Second)

	if client.SiteID() != "site-a" {
		t.Errorf("SiteID() = %q", client.SiteID())
	}
	v, err := client.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion: %v", err)
	}
	if v != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", v)
	}
}

func TestHandlerRejectsUnknownPeer(t *testing.T) {
	j := newTestJournal(t, "site-a")
	srv := newTestServer(t, j, "site-b")
	client := NewPeerClient(srv.URL+"/_sync", "site-x", "site-a", "wrong-secret", 5*time.Second)

	if _, err := client.CurrentVersion(); err == nil {
		t.Fatal("expected auth error for unregistered peer")
	}
}

func TestHandlerRejectsBadSignature(t *testing.T) {
	j := newTestJournal(t, "site-a")
	srv := newTestServer(t, j, "site-b")
	client := NewPeerClient(srv.URL+"/_sync", "site-b", "site-a", "wrong-secret", 5*time.Second)

	if _, err := client.CurrentVersion(); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestWatermarkRoundTrip(t *testing.T) {
	j := newTestJournal(t, "site-a")
	srv := newTestServer(t, j, "site-b")
	client := NewPeerClient(srv.URL+"/_sync", "site-b", "site-a", testSecret, 5*time.Second)

	if err := client.SetPeerWatermark("site-b", 7); err != nil {
		t.Fatalf("SetPeerWatermark: %v", err)
	}
	v, err := client.PeerWatermark("site-b")
	if err != nil {
		t.Fatalf("PeerWatermark: %v", err)
	}
	if v != 7 {
		t.Errorf("PeerWatermark() = %d, want 7", v)
	}
}

func TestPullAndApplyRemote(t *testing.T) {
	j := newTestJournal(t, "site-a")
	if _, err := j.Record("e1", "insert", "orders", nil, nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	srv := newTestServer(t, j, "site-b")
	client := NewPeerClient(srv.URL+"/_sync", "site-b", "site-a", testSecret, 5*time.Second)

	changes, err := client.ChangesSince(0)
	if err != nil {
		t.Fatalf("ChangesSince: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("ChangesSince: got %d changes, want 1", len(changes))
	}

	outcome, err := client.ApplyRemote(changes[0])
	if err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	if outcome != journal.Duplicate {
		t.Errorf("ApplyRemote of an already-local change = %v, want Duplicate", outcome)
	}
}

// TestFullSyncOverHTTP drives merge.Merger.SyncWith against a *PeerClient
// talking to a real httptest server, proving the Remote interface is
// satisfied end to end over the wire.
func TestFullSyncOverHTTP(t *testing.T) {
	a := newTestJournal(t, "site-a")
	b := newTestJournal(t, "site-b")

	if _, err := a.Record("e1", "insert", "orders", nil, nil); err != nil {
		t.Fatalf("Record on a: %v", err)
	}

	srvB := newTestServer(t, b, "site-a")
	clientToB := NewPeerClient(srvB.URL+"/_sync", "site-a", "site-b", testSecret, 5*time.Second)

	report, err := merge.New(a).SyncWith(clientToB)
	if err != nil {
		t.Fatalf("SyncWith: %v", err)
	}
	if report.Sent != 1 {
		t.Errorf("Sent = %d, want 1", report.Sent)
	}
	if !report.Success() {
		t.Errorf("report has errors: %v", report.Errors)
	}

	bChanges, err := b.ChangesSince(0)
	if err != nil {
		t.Fatalf("b.ChangesSince: %v", err)
	}
	if len(bChanges) != 1 || bChanges[0].EntityID != "e1" {
		t.Fatalf("b did not receive e1: %+v", bChanges)
	}
}
