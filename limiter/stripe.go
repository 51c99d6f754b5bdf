package limiter

import (
	"hash/fnv"
	"sync"
)

// stripe owns one shard of the keyed limiter's key -> container map,
// guarded by its own lock so unrelated keys never contend with each
// other. The sharding scheme (fnv64a hash, power-of-two stripe count,
// mask instead of modulo) mirrors the pack's own key-spreading idiom.
type stripe struct {
	mu         sync.Mutex
	containers map[string]*container
}

func newStripes(count int) []*stripe {
	count = nextPowerOfTwo(count)
	s := make([]*stripe, count)
	for i := range s {
		s[i] = &stripe{containers: make(map[string]*container)}
	}
	return s
}

// nextPowerOfTwo returns the smallest power of two >= n, used so stripe
// selection can mask instead of mod.
func nextPowerOfTwo(n int) int {
	if n <= 0 {
		return 1
	}
	if n&(n-1) == 0 {
		return n
	}
	power := 1
	for power < n {
		power *= 2
	}
	return power
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// getOrCreate resolves key's container, applying the two-phase tentative
// eviction: a container marked removable with handlingTasks still at
// zero is actually deleted and replaced here, at the next lookup, rather
// than the moment it hit zero — avoiding the ABA where a fresh
// submission for the same key would otherwise race a premature delete.
// Must be called under s.mu.
func (s *stripe) getOrCreate(key string, maxConcurrency int) *container {
	c, ok := s.containers[key]
	if !ok {
		c = newContainer(maxConcurrency)
		s.containers[key] = c
		return c
	}
	if c.removable.Load() {
		if c.handlingTasks.Load() == 0 {
			c = newContainer(maxConcurrency)
			s.containers[key] = c
		} else {
			c.removable.Store(false)
		}
	}
	return c
}

func (l *KeyedLimiter) stripeFor(key string) *stripe {
	h := fnv64a(key)
	return l.stripes[h&uint64(len(l.stripes)-1)]
}
