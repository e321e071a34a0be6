// Package vectorclock implements the causal ordering primitive used to
// order events across replicas: a per-site logical counter map.
package vectorclock

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/chorasync/chora/internal/syncerr"
)

// Clock maps a site ID to a logical counter. A missing key is counter 0.
// Clock is an immutable value: every method returns a new Clock rather than
// mutating the receiver.
type Clock struct {
	counters map[string]uint64
}

// New returns the empty clock.
func New() Clock {
	return Clock{}
}

// FromMap builds a Clock from a plain map, copying it so the caller's map
// can be mutated afterwards without affecting the returned Clock.
func FromMap(m map[string]uint64) Clock {
	if len(m) == 0 {
		return Clock{}
	}
	counters := make(map[string]uint64, len(m))
	for k, v := range m {
		counters[k] = v
	}
	return Clock{counters: counters}
}

// Get returns the counter for site, or 0 if the site has never been observed.
func (c Clock) Get(site string) uint64 {
	return c.counters[site]
}

// Increment returns a new clock whose counter for site is one greater than
// the receiver's, leaving every other entry unchanged. The receiver is not
// modified.
func (c Clock) Increment(site string) Clock {
	next := make(map[string]uint64, len(c.counters)+1)
	for k, v := range c.counters {
		next[k] = v
	}
	next[site] = c.counters[site] + 1
	return Clock{counters: next}
}

// Merge returns a new clock whose counter, for every site seen by either
// side, is the maximum of the two inputs. Merge is commutative, associative,
// and idempotent.
func (c Clock) Merge(other Clock) Clock {
	next := make(map[string]uint64, len(c.counters)+len(other.counters))
	for k, v := range c.counters {
		next[k] = v
	}
	for k, v := range other.counters {
		if v > next[k] {
			next[k] = v
		}
	}
	return Clock{counters: next}
}

// Ordering is the causal relationship between two clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before          // receiver happened-before other
	After           // receiver happened-after other
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Compare determines the causal ordering between c and other by comparing
// counters pairwise across the union of sites each side knows about.
func (c Clock) Compare(other Clock) Ordering {
	less := false
	greater := false

	seen := make(map[string]struct{}, len(c.counters)+len(other.counters))
	for k := range c.counters {
		seen[k] = struct{}{}
	}
	for k := range other.counters {
		seen[k] = struct{}{}
	}

	for site := range seen {
		a := c.counters[site]
		b := other.counters[site]
		if a < b {
			less = true
		}
		if a > b {
			greater = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Equals reports whether c and other have identical counters for every site.
func (c Clock) Equals(other Clock) bool {
	return c.Compare(other) == Equal
}

// Sites returns the sorted list of site IDs this clock has a counter for.
func (c Clock) Sites() []string {
	sites := make([]string, 0, len(c.counters))
	for k := range c.counters {
		sites = append(sites, k)
	}
	sort.Strings(sites)
	return sites
}

// ToMap returns a copy of the clock's counters.
func (c Clock) ToMap() map[string]uint64 {
	m := make(map[string]uint64, len(c.counters))
	for k, v := range c.counters {
		m[k] = v
	}
	return m
}

// MarshalJSON encodes the clock as a JSON object of site -> counter.
func (c Clock) MarshalJSON() ([]byte, error) {
	if c.counters == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.counters)
}

// UnmarshalJSON decodes a JSON object of site -> counter. A non-object
// payload, or a counter that is not a non-negative integer, is rejected.
func (c *Clock) UnmarshalJSON(data []byte) error {
	var raw map[string]json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", syncerr.ErrInvalidClock, err)
	}
	counters := make(map[string]uint64, len(raw))
	for site, num := range raw {
		n, err := num.Int64()
		if err != nil || n < 0 {
			return fmt.Errorf("%w: counter for %q must be a non-negative integer", syncerr.ErrInvalidClock, site)
		}
		counters[site] = uint64(n)
	}
	if len(counters) == 0 {
		counters = nil
	}
	c.counters = counters
	return nil
}

// Bytes serializes the clock to canonical JSON.
func (c Clock) Bytes() []byte {
	data, _ := json.Marshal(c)
	return data
}

// Parse deserializes a clock from JSON bytes. Empty input yields the empty
// clock.
func Parse(data []byte) (Clock, error) {
	if len(data) == 0 {
		return New(), nil
	}
	var c Clock
	if err := json.Unmarshal(data, &c); err != nil {
		return Clock{}, err
	}
	return c, nil
}
