package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicClock_StartsAtEpoch(t *testing.T) {
	clock := NewDeterministicClock()
	assert.Equal(t, int64(0), clock.Ticks())
	assert.Equal(t, Epoch.Add(time.Millisecond), clock.Now())
}

func TestDeterministicClock_Reset(t *testing.T) {
	clock := NewDeterministicClock()
	clock.Now()
	clock.Now()
	clock.Reset()

	assert.Equal(t, int64(0), clock.Ticks())
	assert.Equal(t, Epoch.Add(time.Millisecond), clock.Now())
}

func TestDeterministicClock_ThreadSafe(t *testing.T) {
	clock := NewDeterministicClock()
	const numGoroutines = 50
	const callsPerGoroutine = 20

	var mu sync.Mutex
	seen := make(map[time.Time]bool)
	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				now := clock.Now()
				mu.Lock()
				assert.False(t, seen[now], "duplicate time %v", now)
				seen[now] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, numGoroutines*callsPerGoroutine)
}

func TestSequentialIDs(t *testing.T) {
	gen := NewSequentialIDs("")
	assert.Equal(t, "tx-0001", gen.Generate())
	assert.Equal(t, "tx-0002", gen.Generate())

	custom := NewSequentialIDs("a")
	assert.Equal(t, "a-0001", custom.Generate())
}

func TestChainProducesValidEvents(t *testing.T) {
	a := NewChain("a")
	b := NewChain("b")

	a1 := a.Delta("gold", "10")
	a2 := a.Delta("gold", "-3")
	require.NoError(t, a1.Validate())
	require.NoError(t, a2.Validate())
	assert.Equal(t, uint64(2), a2.Seq)
	assert.Len(t, a2.Parents, 1)

	b.Observe(a1, a2)
	b1 := b.Delta("gold", "1")
	require.NoError(t, b1.Validate())
	assert.Equal(t, uint64(2), b1.Clock.Get("a"))
	assert.Equal(t, "a:2", b1.Parents[0].String())
}
