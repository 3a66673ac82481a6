package replication

import (
	"hash/fnv"
	"strconv"
	"time"
)

// Backoff computes retry delays: Base doubled per failed attempt, capped
// at Max, scaled by a jitter factor in [1-Jitter, 1). The jitter is a
// hash of the key and attempt, so a given peer always waits the same
// schedule and simulations replay exactly.
type Backoff struct {
	Base   time.Duration `mapstructure:"base"`
	Max    time.Duration `mapstructure:"max"`
	Jitter float64       `mapstructure:"jitter"`
}

// DefaultBackoff is used when an engine is not configured otherwise.
var DefaultBackoff = Backoff{Base: 500 * time.Millisecond, Max: time.Minute, Jitter: 0.2}

// Delay returns the wait before retry number attempt (1-based) for key.
func (b Backoff) Delay(key string, attempt int) time.Duration {
	if attempt < 1 || b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter <= 0 {
		return d
	}
	h := fnv.New64a()
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(attempt)))
	frac := float64(h.Sum64()%10000) / 10000
	return time.Duration(float64(d) * (1 - b.Jitter*frac))
}
