// Package roll provides the probability resolution for accepted meta
// events.
package roll

import (
	"math/rand"
	"time"
)

// Roller decides whether probabilistic events trigger. The random source
// is injectable so resolution is reproducible in tests.
type Roller struct {
	rng *rand.Rand
}

// New creates a roller over the given source. A nil source seeds from
// the clock.
func New(src rand.Source) *Roller {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Roller{rng: rand.New(src)}
}

// Triggers rolls once against a probability in [0,1]. A probability of 1
// always triggers; 0 never does.
func (r *Roller) Triggers(probability float64) bool {
	if probability >= 1 {
		return true
	}
	if probability <= 0 {
		return false
	}
	return r.rng.Float64() < probability
}
