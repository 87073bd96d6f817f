package dispatch

import (
	"sync"
	"sync/atomic"
)

// invocationTable holds one atomic counter per rule ID. Counters
// survive for the dispatcher's lifetime until Reset clears them, per
// spec.md §4.3 ("per-rule, per-server-lifetime").
//
// The claim-under-limit race is resolved with a compare-and-swap loop:
// a goroutine reads the counter, gives up if it is already at the
// limit, and otherwise tries to swap in the value plus one, retrying
// if another goroutine changed the counter in between. The counter
// therefore never exceeds the limit, and whichever goroutine's swap
// succeeds wins that slot.
type invocationTable struct {
	mu     sync.Mutex
	counts map[string]*atomic.Int64
}

func newInvocationTable() *invocationTable {
	return &invocationTable{counts: make(map[string]*atomic.Int64)}
}

func (t *invocationTable) counterFor(ruleID string) *atomic.Int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.counts[ruleID]
	if !ok {
		c = &atomic.Int64{}
		t.counts[ruleID] = c
	}
	return c
}

// claim attempts to reserve one invocation of ruleID under limit,
// returning whether it succeeded.
func (t *invocationTable) claim(ruleID string, limit int) bool {
	c := t.counterFor(ruleID)
	for {
		cur := c.Load()
		if cur >= int64(limit) {
			return false
		}
		if c.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// increment records an invocation without a limit check, used for
// unlimited rules so InvocationCount still reports usable totals.
func (t *invocationTable) increment(ruleID string) {
	t.counterFor(ruleID).Add(1)
}

func (t *invocationTable) count(ruleID string) int {
	t.mu.Lock()
	c, ok := t.counts[ruleID]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	return int(c.Load())
}

func (t *invocationTable) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts = make(map[string]*atomic.Int64)
}
