package projection

import (
	"github.com/Misty4119/nds-api/internal/ir"
)

// missingDependency returns the first parent or origin predecessor of ev
// that folded does not cover yet.
func missingDependency(ev ir.Event, folded ir.VectorClock) (ir.EventID, bool) {
	for _, d := range dependencies(ev) {
		if d.Seq > folded.Get(d.Origin) {
			return d, true
		}
	}
	return ir.EventID{}, false
}

// dependencies returns the parents of ev plus its origin predecessor.
func dependencies(ev ir.Event) []ir.EventID {
	deps := ir.NormalizeParents(ev.Parents)
	if ev.Seq > 1 {
		deps = append(deps, ir.EventID{Origin: ev.Origin, Seq: ev.Seq - 1})
	}
	return deps
}
