package ir

import (
	"slices"
)

// Ordering is the causal relationship between two vector clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
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
	default:
		return "concurrent"
	}
}

// VectorClock maps each origin to the last seq seen from it.
// A missing entry means zero.
type VectorClock map[OriginID]uint64

// Get returns the component for origin.
func (vc VectorClock) Get(origin OriginID) uint64 {
	return vc[origin]
}

// Clone returns an independent copy.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Merge raises every component to the maximum of vc and other, in place.
func (vc VectorClock) Merge(other VectorClock) {
	for k, v := range other {
		if vc[k] < v {
			vc[k] = v
		}
	}
}

// Compare reports how vc relates to other.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	less, greater := false, false
	for _, origin := range vc.unionOrigins(other) {
		a, b := vc[origin], other[origin]
		if a < b {
			less = true
		} else if a > b {
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

// Dominates reports whether vc has seen everything other has.
func (vc VectorClock) Dominates(other VectorClock) bool {
	for k, v := range other {
		if vc[k] < v {
			return false
		}
	}
	return true
}

// ConcurrentWith reports whether neither clock dominates the other.
func (vc VectorClock) ConcurrentWith(other VectorClock) bool {
	return vc.Compare(other) == Concurrent
}

// Sum is the total of all components, the first key of the default tie-break.
func (vc VectorClock) Sum() uint64 {
	var total uint64
	for _, v := range vc {
		total += v
	}
	return total
}

// Origins returns the origins with a non-zero component, sorted.
func (vc VectorClock) Origins() []OriginID {
	out := make([]OriginID, 0, len(vc))
	for k, v := range vc {
		if v > 0 {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

func (vc VectorClock) unionOrigins(other VectorClock) []OriginID {
	seen := make(map[OriginID]struct{}, len(vc)+len(other))
	for k := range vc {
		seen[k] = struct{}{}
	}
	for k := range other {
		seen[k] = struct{}{}
	}
	out := make([]OriginID, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out
}

func (vc VectorClock) canonicalObject() Object {
	obj := make(Object, len(vc))
	for k, v := range vc {
		if v > 0 {
			obj[string(k)] = Int(int64(v))
		}
	}
	return obj
}
