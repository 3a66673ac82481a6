package projection

import (
	"fmt"

	"github.com/zyedidia/glob"

	"github.com/Misty4119/nds-api/internal/ir"
)

// ItemsKey holds a projection's queryable entries, keyed by asset id,
// origin or whatever the projection indexes by.
const ItemsKey = "items"

// Projection is a deterministic fold over events.
type Projection interface {
	Name() string
	// Version changes whenever Apply's semantics change. A checkpoint with
	// another version is discarded and the projection rebuilt.
	Version() int
	Init() ir.Object
	// Apply folds ev into state. It may modify state in place and must
	// return it. It must not depend on anything but its arguments.
	Apply(state ir.Object, ev ir.Event) (ir.Object, error)
}

// Filter limits which events reach a projection. Filtered-out events
// still advance the cursor.
type Filter interface {
	Accept(ev ir.Event) bool
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(ir.Event) bool

// Accept calls f.
func (f FilterFunc) Accept(ev ir.Event) bool { return f(ev) }

// GlobFilter accepts events whose asset id matches any pattern. Events
// without an asset id are always accepted so markers and system events
// keep flowing.
type GlobFilter struct {
	patterns []string
	globs    []*glob.Glob
}

// NewGlobFilter compiles patterns such as "gold" or "player/*".
func NewGlobFilter(patterns ...string) (*GlobFilter, error) {
	f := &GlobFilter{patterns: patterns}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("asset filter %q: %w", p, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

// Accept reports whether ev's asset matches.
func (f *GlobFilter) Accept(ev ir.Event) bool {
	if ev.AssetID == "" {
		return true
	}
	for _, g := range f.globs {
		if g.MatchString(ev.AssetID) {
			return true
		}
	}
	return false
}

// Patterns returns the source patterns.
func (f *GlobFilter) Patterns() []string { return f.patterns }

type filtered struct {
	Projection
	filter Filter
}

func (f filtered) Accept(ev ir.Event) bool { return f.filter.Accept(ev) }

// Filtered restricts p to events accepted by f. The name and version are
// those of p, so changing a filter should come with a rebuild.
func Filtered(p Projection, f Filter) Projection {
	return filtered{Projection: p, filter: f}
}

type named struct {
	Projection
	name string
}

func (n named) Name() string { return n.name }

// Accept forwards to the wrapped projection's filter, if any.
func (n named) Accept(ev ir.Event) bool {
	if f, ok := n.Projection.(Filter); ok {
		return f.Accept(ev)
	}
	return true
}

// Named registers p under another name, so one fold can back several
// differently filtered views.
func Named(name string, p Projection) Projection {
	return named{Projection: p, name: name}
}

func items(state ir.Object) ir.Object {
	it, ok := state.Object(ItemsKey)
	if !ok {
		it = ir.Object{}
		state[ItemsKey] = it
	}
	return it
}

func item(state ir.Object, key string) ir.Object {
	it := items(state)
	obj, ok := it.Object(key)
	if !ok {
		obj = ir.Object{}
		it[key] = obj
	}
	return obj
}

func count(obj ir.Object, key string) ir.Int {
	n, _ := obj[key].(ir.Int)
	return n
}
