package vectorclock

import (
	"testing"
)

func TestIncrementCreatesCounter(t *testing.T) {
	c := New()
	next := c.Increment("site-a")
	if next.Get("site-a") != 1 {
		t.Fatalf("Get(site-a) = %d, want 1", next.Get("site-a"))
	}
	if c.Get("site-a") != 0 {
		t.Fatalf("original clock mutated: Get(site-a) = %d, want 0", c.Get("site-a"))
	}
}

func TestIncrementStrictlyMonotonic(t *testing.T) {
	c := New()
	for i := uint64(1); i <= 5; i++ {
		c = c.Increment("site-a")
		if c.Get("site-a") != i {
			t.Fatalf("after %d increments, Get(site-a) = %d, want %d", i, c.Get("site-a"), i)
		}
	}
}

func TestIncrementIndependentSites(t *testing.T) {
	c := New()
	c = c.Increment("site-a")
	c = c.Increment("site-b")
	c = c.Increment("site-a")
	if c.Get("site-a") != 2 {
		t.Fatalf("Get(site-a) = %d, want 2", c.Get("site-a"))
	}
	if c.Get("site-b") != 1 {
		t.Fatalf("Get(site-b) = %d, want 1", c.Get("site-b"))
	}
}

func TestMergeTakesMax(t *testing.T) {
	a := FromMap(map[string]uint64{"site-a": 3, "site-b": 5})
	b := FromMap(map[string]uint64{"site-a": 7, "site-b": 2})
	m := a.Merge(b)
	if m.Get("site-a") != 7 || m.Get("site-b") != 5 {
		t.Fatalf("Merge = %v, want site-a=7 site-b=5", m.ToMap())
	}
}

func TestMergeCombinesSites(t *testing.T) {
	a := FromMap(map[string]uint64{"site-a": 3})
	b := FromMap(map[string]uint64{"site-b": 5})
	m := a.Merge(b)
	if m.Get("site-a") != 3 || m.Get("site-b") != 5 {
		t.Fatalf("Merge = %v, want site-a=3 site-b=5", m.ToMap())
	}
}

func TestMergeIsCommutative(t *testing.T) {
	a := FromMap(map[string]uint64{"site-a": 3, "site-b": 5})
	b := FromMap(map[string]uint64{"site-a": 7, "site-c": 2})
	if !a.Merge(b).Equals(b.Merge(a)) {
		t.Fatal("a.Merge(b) != b.Merge(a)")
	}
}

func TestMergeIsAssociative(t *testing.T) {
	a := FromMap(map[string]uint64{"site-a": 1})
	b := FromMap(map[string]uint64{"site-b": 2})
	c := FromMap(map[string]uint64{"site-c": 3})
	left := a.Merge(b).Merge(c)
	right := a.Merge(b.Merge(c))
	if !left.Equals(right) {
		t.Fatal("(a.Merge(b)).Merge(c) != a.Merge(b.Merge(c))")
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	a := FromMap(map[string]uint64{"site-a": 3, "site-b": 5})
	if !a.Merge(a).Equals(a) {
		t.Fatal("a.Merge(a) != a")
	}
}

func TestCompareEqual(t *testing.T) {
	a := FromMap(map[string]uint64{"site-a": 3, "site-b": 5})
	b := FromMap(map[string]uint64{"site-a": 3, "site-b": 5})
	if a.Compare(b) != Equal {
		t.Fatalf("Compare = %v, want Equal", a.Compare(b))
	}
}

func TestCompareBeforeAfter(t *testing.T) {
	before := FromMap(map[string]uint64{"site-a": 3})
	after := FromMap(map[string]uint64{"site-a": 5})
	if before.Compare(after) != Before {
		t.Fatalf("Compare = %v, want Before", before.Compare(after))
	}
	if after.Compare(before) != After {
		t.Fatalf("Compare = %v, want After", after.Compare(before))
	}
}

func TestCompareConcurrent(t *testing.T) {
	a := FromMap(map[string]uint64{"site-a": 3, "site-b": 1})
	b := FromMap(map[string]uint64{"site-a": 1, "site-b": 3})
	if a.Compare(b) != Concurrent {
		t.Fatalf("Compare = %v, want Concurrent", a.Compare(b))
	}
}

func TestCompareMissingSiteTreatedAsZero(t *testing.T) {
	a := FromMap(map[string]uint64{"site-a": 3})
	b := FromMap(map[string]uint64{"site-a": 3, "site-b": 1})
	if a.Compare(b) != Before {
		t.Fatalf("Compare = %v, want Before", a.Compare(b))
	}
}

// Compare must agree with Merge: the merge of two clocks equals whichever
// side already dominates, and the merge of concurrent clocks dominates both.
func TestCompareConsistentWithMerge(t *testing.T) {
	cases := []Clock{
		FromMap(map[string]uint64{"site-a": 3, "site-b": 5}),
		FromMap(map[string]uint64{"site-a": 7, "site-b": 2}),
		New(),
	}
	for _, a := range cases {
		for _, b := range cases {
			merged := a.Merge(b)
			switch a.Compare(b) {
			case Before, Equal:
				if !merged.Equals(b) {
					t.Fatalf("a<=b but Merge != b: a=%v b=%v merged=%v", a.ToMap(), b.ToMap(), merged.ToMap())
				}
			case After:
				if !merged.Equals(a) {
					t.Fatalf("a>=b but Merge != a: a=%v b=%v merged=%v", a.ToMap(), b.ToMap(), merged.ToMap())
				}
			case Concurrent:
				if merged.Compare(a) != After && merged.Compare(a) != Equal {
					t.Fatalf("merged does not dominate a: a=%v merged=%v", a.ToMap(), merged.ToMap())
				}
				if merged.Compare(b) != After && merged.Compare(b) != Equal {
					t.Fatalf("merged does not dominate b: b=%v merged=%v", b.ToMap(), merged.ToMap())
				}
			}
		}
	}
}

func TestBytesRoundTrip(t *testing.T) {
	original := FromMap(map[string]uint64{"site-a": 3, "site-b": 5})
	restored, err := Parse(original.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !original.Equals(restored) {
		t.Fatalf("round trip mismatch: original=%v restored=%v", original.ToMap(), restored.ToMap())
	}
}

func TestParseEmptyYieldsEmptyClock(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	if len(c.ToMap()) != 0 {
		t.Fatalf("Parse(nil) = %v, want empty", c.ToMap())
	}
}

func TestParseRejectsInvalidCounter(t *testing.T) {
	_, err := Parse([]byte(`{"site-a": -1}`))
	if err == nil {
		t.Fatal("Parse accepted a negative counter")
	}
}

func TestFromMapCopiesInput(t *testing.T) {
	m := map[string]uint64{"site-a": 3}
	c := FromMap(m)
	m["site-a"] = 100
	if c.Get("site-a") != 3 {
		t.Fatalf("FromMap aliased caller's map: Get(site-a) = %d, want 3", c.Get("site-a"))
	}
}

func TestToMapCopyIsIndependent(t *testing.T) {
	c := FromMap(map[string]uint64{"site-a": 3})
	m := c.ToMap()
	m["site-a"] = 100
	if c.Get("site-a") != 3 {
		t.Fatalf("ToMap leaked a mutable reference: Get(site-a) = %d, want 3", c.Get("site-a"))
	}
}
