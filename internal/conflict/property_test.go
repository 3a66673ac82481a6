//go:build property

package conflict

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Misty4119/nds-api/internal/ir"
)

func TestProperty_ClockSumTieBreakIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	origins := gen.OneConstOf(ir.OriginID("a"), ir.OriginID("b"), ir.OriginID("c"))

	properties.Property("winner independent of argument order", prop.ForAll(
		func(o1, o2 ir.OriginID, s1, s2, x1, x2 uint64) bool {
			if o1 == o2 {
				return true
			}
			e1 := ev(o1, s1, ir.VectorClock{o1: s1, "x": x1}, nil)
			e2 := ev(o2, s2, ir.VectorClock{o2: s2, "x": x2}, nil)
			v1 := ClockSumPolicy{}.Resolve(e1, e2)
			v2 := ClockSumPolicy{}.Resolve(e2, e1)
			return v1 == v2 && v1.Winner != v1.Loser
		},
		origins, origins,
		gen.UInt64Range(1, 1000), gen.UInt64Range(1, 1000),
		gen.UInt64Range(0, 1000), gen.UInt64Range(0, 1000),
	))

	properties.TestingRun(t)
}
