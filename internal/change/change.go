// Package change defines the canonical Change record — a single journal
// entry — and its reversible wire encoding.
package change

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chorasync/chora/internal/syncerr"
	"github.com/chorasync/chora/internal/vectorclock"
)

// Type tags the kind of mutation a Change records.
type Type string

const (
	Insert Type = "insert"
	Update Type = "update"
	Delete Type = "delete"
)

// Valid reports whether t is one of the known change types.
func (t Type) Valid() bool {
	switch t {
	case Insert, Update, Delete:
		return true
	default:
		return false
	}
}

// DefaultTable is the table name a Change is stamped with when the caller
// doesn't supply one.
const DefaultTable = "entities"

// Change is a single entry in a replica's change journal. Identity across
// replicas is the triple (SiteID, DBVersion, EntityID); two entries with an
// identical triple are the same event regardless of Timestamp or Clock.
type Change struct {
	EntityID   string             `json:"entity_id"`
	ChangeType Type               `json:"change_type"`
	TableName  string             `json:"table_name"`
	ColumnName *string            `json:"column_name"`
	Value      *string            `json:"value"`
	SiteID     string             `json:"site_id"`
	DBVersion  uint64             `json:"db_version"`
	Clock      vectorclock.Clock  `json:"clock"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Identity is the (site_id, db_version, entity_id) triple that identifies a
// Change across replicas.
type Identity struct {
	SiteID    string
	DBVersion uint64
	EntityID  string
}

// Identity returns c's cross-replica identity triple.
func (c Change) Identity() Identity {
	return Identity{SiteID: c.SiteID, DBVersion: c.DBVersion, EntityID: c.EntityID}
}

// Validate rejects a Change that is malformed per spec: empty entity ID,
// unknown change type, empty site ID, or non-positive db_version.
func (c Change) Validate() error {
	if c.EntityID == "" {
		return fmt.Errorf("%w: empty entity_id", syncerr.ErrInvalidChange)
	}
	if !c.ChangeType.Valid() {
		return fmt.Errorf("%w: unknown change_type %q", syncerr.ErrInvalidChange, c.ChangeType)
	}
	if c.SiteID == "" {
		return fmt.Errorf("%w: empty site_id", syncerr.ErrInvalidChange)
	}
	if c.DBVersion == 0 {
		return fmt.Errorf("%w: db_version must be positive", syncerr.ErrInvalidChange)
	}
	if c.ChangeType == Delete && c.Value != nil {
		return fmt.Errorf("%w: delete must not carry a value", syncerr.ErrInvalidChange)
	}
	if c.ChangeType == Update && c.ColumnName == nil {
		return fmt.Errorf("%w: update requires column_name", syncerr.ErrInvalidChange)
	}
	return nil
}

// wireChange is the JSON-on-the-wire shape; Timestamp is ISO-8601 with
// microsecond precision, UTC, so it round-trips unambiguously.
type wireChange struct {
	EntityID   string            `json:"entity_id"`
	ChangeType Type              `json:"change_type"`
	TableName  string            `json:"table_name"`
	ColumnName *string           `json:"column_name"`
	Value      *string           `json:"value"`
	SiteID     string            `json:"site_id"`
	DBVersion  uint64            `json:"db_version"`
	Clock      vectorclock.Clock `json:"clock"`
	Timestamp  string            `json:"timestamp"`
}

const timestampLayout = "2006-01-02T15:04:05.000000Z"

// Encode serializes c to its canonical JSON form (spec.md §4.4).
func Encode(c Change) ([]byte, error) {
	w := wireChange{
		EntityID:   c.EntityID,
		ChangeType: c.ChangeType,
		TableName:  c.TableName,
		ColumnName: c.ColumnName,
		Value:      c.Value,
		SiteID:     c.SiteID,
		DBVersion:  c.DBVersion,
		Clock:      c.Clock,
		Timestamp:  c.Timestamp.UTC().Format(timestampLayout),
	}
	return json.Marshal(w)
}

// Decode deserializes a Change from its canonical JSON form. decode(encode(c))
// == c for every valid c.
func Decode(data []byte) (Change, error) {
	var w wireChange
	if err := json.Unmarshal(data, &w); err != nil {
		return Change{}, fmt.Errorf("%w: %v", syncerr.ErrInvalidChange, err)
	}
	ts, err := time.Parse(timestampLayout, w.Timestamp)
	if err != nil {
		ts, err = time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return Change{}, fmt.Errorf("%w: invalid timestamp %q: %v", syncerr.ErrInvalidChange, w.Timestamp, err)
		}
	}
	return Change{
		EntityID:   w.EntityID,
		ChangeType: w.ChangeType,
		TableName:  w.TableName,
		ColumnName: w.ColumnName,
		Value:      w.Value,
		SiteID:     w.SiteID,
		DBVersion:  w.DBVersion,
		Clock:      w.Clock,
		Timestamp:  ts.UTC(),
	}, nil
}
