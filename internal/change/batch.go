package change

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Batch is the wire format for a group of changes moved over a transport in
// one request: the canonical change mapping from §4.4, serialized as a JSON
// array, plus a content checksum so a transport can detect truncated or
// corrupted deliveries before handing the batch to the merger. The checksum
// is not part of any Change's identity or ordering — it only guards
// transport integrity.
type Batch struct {
	Changes  []Change `json:"changes"`
	Checksum uint64   `json:"checksum"`
}

// NewBatch builds a Batch over changes and stamps it with its checksum.
func NewBatch(changes []Change) (Batch, error) {
	b := Batch{Changes: changes}
	sum, err := checksum(changes)
	if err != nil {
		return Batch{}, err
	}
	b.Checksum = sum
	return b, nil
}

// Verify recomputes the batch's checksum and reports whether it still
// matches the stored one.
func (b Batch) Verify() error {
	sum, err := checksum(b.Changes)
	if err != nil {
		return err
	}
	if sum != b.Checksum {
		return fmt.Errorf("batch checksum mismatch: got %x, want %x", sum, b.Checksum)
	}
	return nil
}

func checksum(changes []Change) (uint64, error) {
	h := xxhash.New()
	for _, c := range changes {
		data, err := Encode(c)
		if err != nil {
			return 0, err
		}
		if _, err := h.Write(data); err != nil {
			return 0, err
		}
		// Separator so {"a":"bc"},{"d":"e"} doesn't hash the same as a
		// single concatenated record with different field boundaries.
		h.Write([]byte{0})
	}
	return h.Sum64(), nil
}

// EncodeBatch serializes a Batch to JSON.
func EncodeBatch(b Batch) ([]byte, error) {
	return json.Marshal(b)
}

// DecodeBatch deserializes a Batch from JSON and verifies its checksum.
func DecodeBatch(data []byte) (Batch, error) {
	var raw struct {
		Changes  []json.RawMessage `json:"changes"`
		Checksum uint64            `json:"checksum"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Batch{}, fmt.Errorf("decode batch: %w", err)
	}
	changes := make([]Change, 0, len(raw.Changes))
	for _, rm := range raw.Changes {
		c, err := Decode(rm)
		if err != nil {
			return Batch{}, err
		}
		changes = append(changes, c)
	}
	b := Batch{Changes: changes, Checksum: raw.Checksum}
	if err := b.Verify(); err != nil {
		return Batch{}, err
	}
	return b, nil
}
