package change

import (
	"testing"
	"time"

	"github.com/chorasync/chora/internal/syncerr"
	"github.com/chorasync/chora/internal/vectorclock"
)

func strPtr(s string) *string { return &s }

func sampleChange() Change {
	return Change{
		EntityID:   "entity-1",
		ChangeType: Insert,
		TableName:  "entities",
		ColumnName: nil,
		Value:      strPtr(`{"name":"test"}`),
		SiteID:     "site-a",
		DBVersion:  1,
		Clock:      vectorclock.FromMap(map[string]uint64{"site-a": 1}),
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC),
	}
}

func TestIdentityTriple(t *testing.T) {
	c := sampleChange()
	id := c.Identity()
	if id.SiteID != "site-a" || id.DBVersion != 1 || id.EntityID != "entity-1" {
		t.Fatalf("Identity() = %+v, want site-a/1/entity-1", id)
	}
}

func TestIdentityIgnoresTimestampAndClock(t *testing.T) {
	a := sampleChange()
	b := sampleChange()
	b.Timestamp = b.Timestamp.Add(time.Hour)
	b.Clock = vectorclock.FromMap(map[string]uint64{"site-a": 99})
	if a.Identity() != b.Identity() {
		t.Fatalf("Identity() differs despite identical (site, db_version, entity): %+v vs %+v", a.Identity(), b.Identity())
	}
}

func TestValidateRejectsEmptyEntityID(t *testing.T) {
	c := sampleChange()
	c.EntityID = ""
	if err := c.Validate(); !syncerr.Is(err, syncerr.ErrInvalidChange) {
		t.Fatalf("Validate() = %v, want ErrInvalidChange", err)
	}
}

func TestValidateRejectsUnknownChangeType(t *testing.T) {
	c := sampleChange()
	c.ChangeType = Type("upsert")
	if err := c.Validate(); !syncerr.Is(err, syncerr.ErrInvalidChange) {
		t.Fatalf("Validate() = %v, want ErrInvalidChange", err)
	}
}

func TestValidateRejectsEmptySiteID(t *testing.T) {
	c := sampleChange()
	c.SiteID = ""
	if err := c.Validate(); !syncerr.Is(err, syncerr.ErrInvalidChange) {
		t.Fatalf("Validate() = %v, want ErrInvalidChange", err)
	}
}

func TestValidateRejectsZeroDBVersion(t *testing.T) {
	c := sampleChange()
	c.DBVersion = 0
	if err := c.Validate(); !syncerr.Is(err, syncerr.ErrInvalidChange) {
		t.Fatalf("Validate() = %v, want ErrInvalidChange", err)
	}
}

func TestValidateRejectsDeleteWithValue(t *testing.T) {
	c := sampleChange()
	c.ChangeType = Delete
	c.Value = strPtr("should not be here")
	if err := c.Validate(); !syncerr.Is(err, syncerr.ErrInvalidChange) {
		t.Fatalf("Validate() = %v, want ErrInvalidChange", err)
	}
}

func TestValidateRejectsUpdateWithoutColumn(t *testing.T) {
	c := sampleChange()
	c.ChangeType = Update
	c.ColumnName = nil
	if err := c.Validate(); !syncerr.Is(err, syncerr.ErrInvalidChange) {
		t.Fatalf("Validate() = %v, want ErrInvalidChange", err)
	}
}

func TestValidateAcceptsWellFormedChange(t *testing.T) {
	c := sampleChange()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := sampleChange()
	data, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	restored, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if restored.Identity() != original.Identity() {
		t.Fatalf("Identity mismatch after round trip: got %+v, want %+v", restored.Identity(), original.Identity())
	}
	if restored.ChangeType != original.ChangeType || restored.TableName != original.TableName {
		t.Fatalf("round trip mismatch: got %+v, want %+v", restored, original)
	}
	if !restored.Clock.Equals(original.Clock) {
		t.Fatalf("clock mismatch after round trip: got %v, want %v", restored.Clock.ToMap(), original.Clock.ToMap())
	}
	if !restored.Timestamp.Equal(original.Timestamp) {
		t.Fatalf("timestamp mismatch after round trip: got %v, want %v", restored.Timestamp, original.Timestamp)
	}
}

func TestEncodeDecodeRoundTripWithNilFields(t *testing.T) {
	original := Change{
		EntityID:   "entity-2",
		ChangeType: Delete,
		TableName:  DefaultTable,
		ColumnName: nil,
		Value:      nil,
		SiteID:     "site-b",
		DBVersion:  7,
		Clock:      vectorclock.New(),
		Timestamp:  time.Now().UTC(),
	}
	data, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	restored, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if restored.ColumnName != nil || restored.Value != nil {
		t.Fatalf("nil fields did not survive round trip: column=%v value=%v", restored.ColumnName, restored.Value)
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte("not json"))
	if !syncerr.Is(err, syncerr.ErrInvalidChange) {
		t.Fatalf("Decode() = %v, want ErrInvalidChange", err)
	}
}

func TestTypeValid(t *testing.T) {
	for _, ct := range []Type{Insert, Update, Delete} {
		if !ct.Valid() {
			t.Fatalf("%q.Valid() = false, want true", ct)
		}
	}
	if Type("bogus").Valid() {
		t.Fatal(`Type("bogus").Valid() = true, want false`)
	}
}
