// Package merge implements the bidirectional synchronization protocol over
// two journals: computing the delta owed to a peer, applying incoming
// changes idempotently, and advancing per-peer watermarks.
package merge

import (
	"fmt"

	"github.com/chorasync/chora/internal/change"
	"github.com/chorasync/chora/internal/journal"
)

// Report summarizes the outcome of one merge operation.
type Report struct {
	Sent              int
	Received          int
	ConflictsResolved int
	Errors            []error
}

// Success is true when the report carries no errors.
func (r Report) Success() bool {
	return len(r.Errors) == 0
}

// Merger is a stateless coordinator over a local journal. Every operation
// is synchronous; there is no background work.
type Merger struct {
	local *journal.Journal
}

// New wraps local in a Merger.
func New(local *journal.Journal) *Merger {
	return &Merger{local: local}
}

// OutboundTo computes the changes owed to peerSite and the local_version the
// peer may safely record as having received up to. since is read from the
// local journal's watermark for peerSite — the same cursor used as the pull
// position when reading from that peer, so it only advances once the peer
// has actually sent something back, not merely because we sent something to
// them.
func (m *Merger) OutboundTo(peerSite string) ([]change.Change, uint64, error) {
	since, err := m.local.PeerWatermark(peerSite)
	if err != nil {
		return nil, 0, err
	}
	candidates, err := m.local.ChangesSince(since)
	if err != nil {
		return nil, 0, err
	}
	filtered := make([]change.Change, 0, len(candidates))
	for _, c := range candidates {
		if c.SiteID == peerSite {
			continue
		}
		filtered = append(filtered, c)
	}
	localVersion, err := m.local.CurrentVersion()
	if err != nil {
		return nil, 0, err
	}
	return filtered, localVersion, nil
}

// ApplyIncoming applies a batch of changes received from peerSite, then
// advances the watermark for that peer to peerVersion — provided at least
// one change in a non-empty batch applied without error and peerVersion is
// not behind the existing watermark. An empty batch always advances the
// watermark, establishing it for an otherwise-idle peer.
func (m *Merger) ApplyIncoming(changes []change.Change, peerSite string, peerVersion uint64) (Report, error) {
	report := Report{}
	applied := 0
	for _, c := range changes {
		outcome, err := m.local.ApplyRemote(c)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("apply %s/%s/%d: %w", c.SiteID, c.EntityID, c.DBVersion, err))
			continue
		}
		if outcome == journal.Applied {
			applied++
		}
	}
	report.Received = applied

	if len(changes) == 0 || applied > 0 {
		existing, err := m.local.PeerWatermark(peerSite)
		if err != nil {
			return report, err
		}
		if peerVersion >= existing {
			if err := m.local.SetPeerWatermark(peerSite, peerVersion); err != nil {
				return report, err
			}
		}
	}
	return report, nil
}

// Remote is the narrow surface SyncWith needs from the peer's journal —
// satisfied by *journal.Journal, kept as an interface so tests and the
// transport layer can exercise it across a network boundary.
type Remote interface {
	SiteID() string
	PeerWatermark(site string) (uint64, error)
	ChangesSince(since uint64) ([]change.Change, error)
	CurrentVersion() (uint64, error)
	ApplyRemote(c change.Change) (journal.Outcome, error)
	SetPeerWatermark(site string, v uint64) error
}

// SyncWith performs a full bidirectional exchange against remote: it pulls
// remote's delta since the local watermark, applies it, hands remote the
// local delta, then unconditionally sets remote's watermark for this
// replica to the local_version snapshot taken before sending — this is what
// guarantees convergence even when every change handed to remote turns out
// to be one it already has via a third replica.
func (m *Merger) SyncWith(remote Remote) (Report, error) {
	localSite := m.local.SiteID()
	remoteSite := remote.SiteID()

	toSend, lv, err := m.OutboundTo(remoteSite)
	if err != nil {
		return Report{}, err
	}

	sinceRemote, err := m.local.PeerWatermark(remoteSite)
	if err != nil {
		return Report{}, err
	}
	incoming, err := remote.ChangesSince(sinceRemote)
	if err != nil {
		return Report{}, err
	}
	incoming = dropOrigin(incoming, localSite)
	rv, err := remote.CurrentVersion()
	if err != nil {
		return Report{}, err
	}

	localResult, err := m.ApplyIncoming(incoming, remoteSite, rv)
	if err != nil {
		return Report{}, err
	}

	remoteMerger := remoteApplier{remote: remote}
	remoteResult, err := remoteMerger.applyIncoming(toSend, localSite, lv)
	if err != nil {
		return Report{}, err
	}

	if err := remote.SetPeerWatermark(localSite, lv); err != nil {
		return Report{}, err
	}

	errs := append([]error{}, localResult.Errors...)
	for _, e := range remoteResult.Errors {
		errs = append(errs, fmt.Errorf("remote: %w", e))
	}

	return Report{
		Sent:              len(toSend),
		Received:          localResult.Received,
		ConflictsResolved: localResult.ConflictsResolved + remoteResult.ConflictsResolved,
		Errors:            errs,
	}, nil
}

func dropOrigin(changes []change.Change, siteID string) []change.Change {
	filtered := make([]change.Change, 0, len(changes))
	for _, c := range changes {
		if c.SiteID == siteID {
			continue
		}
		filtered = append(filtered, c)
	}
	return filtered
}

// remoteApplier runs ApplyIncoming's exact logic against a Remote, for the
// push half of sync_with where the local Merger doesn't own the target
// journal directly.
type remoteApplier struct {
	remote Remote
}

func (a remoteApplier) applyIncoming(changes []change.Change, peerSite string, peerVersion uint64) (Report, error) {
	report := Report{}
	applied := 0
	for _, c := range changes {
		outcome, err := a.remote.ApplyRemote(c)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("apply %s/%s/%d: %w", c.SiteID, c.EntityID, c.DBVersion, err))
			continue
		}
		if outcome == journal.Applied {
			applied++
		}
	}
	report.Received = applied

	if len(changes) == 0 || applied > 0 {
		existing, err := a.remote.PeerWatermark(peerSite)
		if err != nil {
			return report, err
		}
		if peerVersion >= existing {
			if err := a.remote.SetPeerWatermark(peerSite, peerVersion); err != nil {
				return report, err
			}
		}
	}
	return report, nil
}

// SyncOnce is a convenience wrapper mirroring the source's merge_databases:
// open both journals, perform one bidirectional sync, close both.
func SyncOnce(localPath, localSite, remotePath, remoteSite string) (Report, error) {
	l, err := journal.Open(localPath, localSite)
	if err != nil {
		return Report{}, err
	}
	defer l.Close()

	r, err := journal.Open(remotePath, remoteSite)
	if err != nil {
		return Report{}, err
	}
	defer r.Close()

	return New(l).SyncWith(r)
}
