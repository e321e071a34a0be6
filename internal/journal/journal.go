// Package journal persists one replica's change log, its current vector
// clock, and its per-peer watermarks in a single bbolt file.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/chorasync/chora/internal/change"
	"github.com/chorasync/chora/internal/syncerr"
	"github.com/chorasync/chora/internal/vectorclock"
)

var (
	changesBucket  = []byte("changes")
	identityBucket = []byte("changes_by_identity")
	peersBucket    = []byte("peers")
	clockBucket    = []byte("clock")
	countersBucket = []byte("counters")
)

var (
	clockKey       = []byte("clock")
	localVersionKey = []byte("local_version")
)

// Outcome reports what happened when a remote change was offered to the
// journal.
type Outcome int

const (
	// Applied means the change was new and is now part of the journal.
	Applied Outcome = iota
	// Duplicate means a row with the same identity triple already exists;
	// the call had no side effect.
	Duplicate
)

func (o Outcome) String() string {
	if o == Applied {
		return "applied"
	}
	return "duplicate"
}

// peerRecord is the persisted per-peer bookkeeping row.
type peerRecord struct {
	Watermark  uint64 `json:"watermark"`
	LastSyncAt string `json:"last_sync_at,omitempty"`
}

// Journal is one replica's change log: an append-only sequence of Change
// rows, the replica's current vector clock, and a watermark per peer. All
// mutating operations serialize through mu; changes_since and
// current_version may run concurrently with each other, each against a
// consistent bbolt read transaction, and current_clock reads the in-memory
// clock under mu.
type Journal struct {
	mu     sync.Mutex
	db     *bolt.DB
	siteID string

	clock    vectorclock.Clock
	onCommit func(c change.Change, origin string)
}

// SetOnCommit registers a callback invoked after a change is durably
// committed, local or remote-origin — never for a Duplicate. The callback
// runs outside the journal's lock and after the writing transaction has
// committed; a slow or panicking callback never blocks a caller holding the
// lock, but the caller is responsible for not blocking itself.
func (j *Journal) SetOnCommit(fn func(c change.Change, origin string)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.onCommit = fn
}

// Open opens (or creates) the journal store at path for siteID.
//
// Over a fresh store this creates empty buckets and an empty clock. Over an
// existing store it reads back the persisted clock and, as a crash-recovery
// check, ensures that clock dominates the per-site maximum implied by the
// rows already on disk — widening it if a prior process crashed between
// appending a row and persisting the clock that covers it.
func Open(path, siteID string) (*Journal, error) {
	if siteID == "" {
		return nil, fmt.Errorf("%w: empty site id", syncerr.ErrInvalidChange)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open journal: %v", syncerr.ErrStorage, err)
	}

	j := &Journal{db: db, siteID: siteID}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{changesBucket, identityBucket, peersBucket, clockBucket, countersBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		cb := tx.Bucket(clockBucket)
		raw := cb.Get(clockKey)
		clk, err := vectorclock.Parse(raw)
		if err != nil {
			return fmt.Errorf("%w: corrupt clock cell: %v", syncerr.ErrStorage, err)
		}

		healed, err := healClock(tx, clk)
		if err != nil {
			return err
		}
		if err := cb.Put(clockKey, healed.Bytes()); err != nil {
			return err
		}
		j.clock = healed
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// healClock widens clk, if necessary, to dominate the maximum db_version
// recorded per site across every row already on disk. A crash between
// appending a row and persisting the clock that covers it is the only way
// this check can fail; everything else is a no-op.
func healClock(tx *bolt.Tx, clk vectorclock.Clock) (vectorclock.Clock, error) {
	b := tx.Bucket(changesBucket)
	maxPerSite := make(map[string]uint64)
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		ch, err := change.Decode(v)
		if err != nil {
			return vectorclock.Clock{}, fmt.Errorf("%w: corrupt row at key %x: %v", syncerr.ErrStorage, k, err)
		}
		if ch.DBVersion > maxPerSite[ch.SiteID] {
			maxPerSite[ch.SiteID] = ch.DBVersion
		}
	}
	for site, v := range maxPerSite {
		if clk.Get(site) < v {
			clk = vectorclock.FromMap(mergeCounter(clk.ToMap(), site, v))
		}
	}
	return clk, nil
}

func mergeCounter(m map[string]uint64, site string, v uint64) map[string]uint64 {
	m[site] = v
	return m
}

// Close releases the underlying store.
func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("%w: %v", syncerr.ErrStorage, err)
	}
	return nil
}

// SiteID returns this journal's replica identity.
func (j *Journal) SiteID() string {
	return j.siteID
}

// Record appends a new locally-originated change, advancing this replica's
// clock and minting the next db_version scoped to this site's own rows.
func (j *Journal) Record(entityID string, changeType change.Type, tableName string, columnName, value *string) (change.Change, error) {
	if tableName == "" {
		tableName = change.DefaultTable
	}

	j.mu.Lock()

	nextClock := j.clock.Increment(j.siteID)

	var recorded change.Change
	err := j.db.Update(func(tx *bolt.Tx) error {
		counters := tx.Bucket(countersBucket)
		dbVersion := readUint64(counters, localVersionKey) + 1

		c := change.Change{
			EntityID:   entityID,
			ChangeType: changeType,
			TableName:  tableName,
			ColumnName: columnName,
			Value:      value,
			SiteID:     j.siteID,
			DBVersion:  dbVersion,
			Clock:      nextClock,
			Timestamp:  time.Now().UTC(),
		}
		if err := c.Validate(); err != nil {
			return err
		}

		if err := appendRow(tx, c); err != nil {
			return err
		}
		if err := writeUint64(counters, localVersionKey, dbVersion); err != nil {
			return err
		}
		if err := tx.Bucket(clockBucket).Put(clockKey, nextClock.Bytes()); err != nil {
			return err
		}
		recorded = c
		return nil
	})
	if err != nil {
		j.mu.Unlock()
		return change.Change{}, wrapStorage(err)
	}

	j.clock = nextClock
	onCommit := j.onCommit
	j.mu.Unlock()

	if onCommit != nil {
		onCommit(recorded, "local")
	}
	return recorded, nil
}

// ApplyRemote offers an externally-produced change to the journal. A change
// already present under its identity triple is a Duplicate with no side
// effects; otherwise it is appended verbatim (its origin site_id and
// db_version are never rewritten) and the local clock is widened to
// dominate its clock.
func (j *Journal) ApplyRemote(c change.Change) (Outcome, error) {
	if err := c.Validate(); err != nil {
		return Duplicate, err
	}

	j.mu.Lock()

	var outcome Outcome
	var merged vectorclock.Clock
	err := j.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(identityBucket)
		key := identityKey(c.Identity())
		if idx.Get(key) != nil {
			outcome = Duplicate
			return nil
		}

		if err := appendRow(tx, c); err != nil {
			return err
		}
		merged = j.clock.Merge(c.Clock)
		if err := tx.Bucket(clockBucket).Put(clockKey, merged.Bytes()); err != nil {
			return err
		}
		outcome = Applied
		return nil
	})
	if err != nil {
		j.mu.Unlock()
		return Duplicate, wrapStorage(err)
	}

	onCommit := j.onCommit
	if outcome == Applied {
		j.clock = merged
	}
	j.mu.Unlock()

	if outcome == Applied && onCommit != nil {
		onCommit(c, "remote")
	}
	return outcome, nil
}

// ChangesSince returns every journal row with db_version greater than
// sinceVersion, ordered by ascending db_version (ties broken by site_id
// then entity_id for a total, deterministic order).
func (j *Journal) ChangesSince(sinceVersion uint64) ([]change.Change, error) {
	var result []change.Change
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(changesBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			ch, err := change.Decode(v)
			if err != nil {
				return fmt.Errorf("%w: corrupt row at key %x: %v", syncerr.ErrStorage, k, err)
			}
			if ch.DBVersion > sinceVersion {
				result = append(result, ch)
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapStorage(err)
	}
	sort.SliceStable(result, func(i, k int) bool {
		if result[i].DBVersion != result[k].DBVersion {
			return result[i].DBVersion < result[k].DBVersion
		}
		if result[i].SiteID != result[k].SiteID {
			return result[i].SiteID < result[k].SiteID
		}
		return result[i].EntityID < result[k].EntityID
	})
	return result, nil
}

// CurrentVersion returns the maximum db_version across every row in the
// journal, local or remote-origin.
func (j *Journal) CurrentVersion() (uint64, error) {
	var max uint64
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(changesBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			ch, err := change.Decode(v)
			if err != nil {
				return fmt.Errorf("%w: corrupt row at key %x: %v", syncerr.ErrStorage, k, err)
			}
			if ch.DBVersion > max {
				max = ch.DBVersion
			}
		}
		return nil
	})
	if err != nil {
		return 0, wrapStorage(err)
	}
	return max, nil
}

// CurrentClock returns this replica's current vector clock.
func (j *Journal) CurrentClock() vectorclock.Clock {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.clock
}

// PeerState is a peer's remembered sync cursor, as reported to an operator.
type PeerState struct {
	Watermark    uint64
	LastSyncTime time.Time
}

func peerState(rec peerRecord) PeerState {
	ps := PeerState{Watermark: rec.Watermark}
	if rec.LastSyncAt != "" {
		if t, err := time.Parse(time.RFC3339, rec.LastSyncAt); err == nil {
			ps.LastSyncTime = t
		}
	}
	return ps
}

// PeerState returns the stored watermark and last-sync time for peer site,
// restoring the per-peer bookkeeping the original crsqlite-backed tool kept
// in its sync_sites table.
func (j *Journal) PeerState(site string) (PeerState, error) {
	var ps PeerState
	err := j.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(peersBucket).Get([]byte(site))
		if raw == nil {
			return nil
		}
		rec, err := decodePeerRecord(raw)
		if err != nil {
			return err
		}
		ps = peerState(rec)
		return nil
	})
	if err != nil {
		return PeerState{}, wrapStorage(err)
	}
	return ps, nil
}

// Peers lists every peer site this journal holds bookkeeping for, keyed by
// site ID, for an operator view such as syncctl status.
func (j *Journal) Peers() (map[string]PeerState, error) {
	result := make(map[string]PeerState)
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(peersBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec, err := decodePeerRecord(v)
			if err != nil {
				return err
			}
			result[string(k)] = peerState(rec)
		}
		return nil
	})
	if err != nil {
		return nil, wrapStorage(err)
	}
	return result, nil
}

// PeerWatermark returns the remembered cursor for peer site, or 0 if never
// set.
func (j *Journal) PeerWatermark(site string) (uint64, error) {
	var v uint64
	err := j.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(peersBucket).Get([]byte(site))
		if raw == nil {
			return nil
		}
		rec, err := decodePeerRecord(raw)
		if err != nil {
			return err
		}
		v = rec.Watermark
		return nil
	})
	if err != nil {
		return 0, wrapStorage(err)
	}
	return v, nil
}

// SetPeerWatermark writes the cursor for peer site, clamping to never go
// backwards: a write with v less than the existing watermark is a silent
// no-op rather than an error.
func (j *Journal) SetPeerWatermark(site string, v uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(peersBucket)
		rec := peerRecord{}
		if raw := b.Get([]byte(site)); raw != nil {
			existing, err := decodePeerRecord(raw)
			if err != nil {
				return err
			}
			rec = existing
		}
		if v < rec.Watermark {
			return nil
		}
		rec.Watermark = v
		rec.LastSyncAt = time.Now().UTC().Format(time.RFC3339)
		return b.Put([]byte(site), encodePeerRecord(rec))
	})
	return wrapStorage(err)
}

func appendRow(tx *bolt.Tx, c change.Change) error {
	b := tx.Bucket(changesBucket)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	data, err := change.Encode(c)
	if err != nil {
		return err
	}
	if err := b.Put(key, data); err != nil {
		return err
	}
	return tx.Bucket(identityBucket).Put(identityKey(c.Identity()), key)
}

func identityKey(id change.Identity) []byte {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, id.DBVersion)
	key := make([]byte, 0, len(id.SiteID)+1+8+1+len(id.EntityID))
	key = append(key, []byte(id.SiteID)...)
	key = append(key, 0)
	key = append(key, v...)
	key = append(key, 0)
	key = append(key, []byte(id.EntityID)...)
	return key
}

func readUint64(b *bolt.Bucket, key []byte) uint64 {
	raw := b.Get(key)
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func writeUint64(b *bolt.Bucket, key []byte, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return b.Put(key, buf)
}

func encodePeerRecord(rec peerRecord) []byte {
	data, _ := json.Marshal(rec)
	return data
}

func decodePeerRecord(data []byte) (peerRecord, error) {
	var rec peerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return peerRecord{}, fmt.Errorf("%w: corrupt peer record: %v", syncerr.ErrStorage, err)
	}
	return rec, nil
}

func wrapStorage(err error) error {
	if err == nil {
		return nil
	}
	if syncerr.Is(err, syncerr.ErrInvalidChange) || syncerr.Is(err, syncerr.ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %v", syncerr.ErrStorage, err)
}
