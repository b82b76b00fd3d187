// Package queue implements the priority-queue set described in spec §3/§4.2:
// an ordered sequence of FIFO levels, one per priority, with per-level
// admission and expiry policy. Every exported method assumes the caller
// already holds the scheduler's mutex; the set has no locking of its own; a
// heap-of-heads or a single global heap were both considered, but with the
// number of priority levels bounded and small (typically single digits) a
// flat slice of per-level deques keeps push/pop O(1) and the cursor trivial
// to reason about, mirroring the level-per-priority layout used by the
// teacher's fairness queue.
package queue

import (
	"strconv"
	"time"

	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/request"
)

// Set is the priority-queue set. Levels are indexed 1..P; index 0 is used
// when P == 0 (a single unlabelled level, priority fields ignored).
type Set struct {
	levels []*level // len == max(P, 1)
	total  int
}

// NewSet builds a Set with priorityLevels levels (0 means a single level).
// defaultPolicy applies to any level absent from overrides.
func NewSet(priorityLevels int, defaultPolicy Policy, overrides map[int]Policy) *Set {
	n := priorityLevels
	if n < 1 {
		n = 1
	}
	s := &Set{levels: make([]*level, n)}
	for i := 0; i < n; i++ {
		p := defaultPolicy
		// overrides are keyed by the spec's 1-based level index.
		if o, ok := overrides[i+1]; ok {
			p = o
		}
		s.levels[i] = newLevel(p)
	}
	return s
}

// levelCount reports P, or 1 when the set is running unlabelled.
func (s *Set) levelCount() int { return len(s.levels) }

// clampIndex maps a request's Priority field to a zero-based level index,
// per spec §4.2: default priority (0) resolves to floor(P/2)+1 when P>=1,
// and any out-of-range priority clamps into [1, P].
func (s *Set) clampIndex(priority int) int {
	p := s.levelCount()
	if p == 1 && priority <= 0 {
		return 0
	}
	idx := priority
	if idx <= 0 {
		idx = p/2 + 1
	}
	if idx < 1 {
		idx = 1
	}
	if idx > p {
		idx = p
	}
	return idx - 1
}

// ClampIndex exposes clampIndex for callers outside the package that need
// to know which level a given priority will land in without pushing
// anything: the scheduler uses it to label metrics at enqueue time, and
// the runner uses it to label a dispatched request's queue-wait metric.
func (s *Set) ClampIndex(priority int) int { return s.clampIndex(priority) }

// LevelName renders a 1-based level index for metrics/log labels.
func LevelName(zeroBased int) string {
	if zeroBased < 0 {
		return "unlabelled"
	}
	return strconv.Itoa(zeroBased + 1)
}

// Push admits r into the level matching its priority. On rejection it
// returns the error to respond with (caller must invoke r.Abort); on a
// DropOldest eviction it returns the evicted request so the caller can
// respond to it after releasing the lock.
func (s *Set) Push(r *request.Request, now time.Time) (evicted *request.Request, rejected *request.Error) {
	idx := s.clampIndex(r.Priority)
	evicted, rejected = s.levels[idx].push(r)
	if rejected != nil {
		return nil, rejected
	}
	s.total++
	if evicted != nil {
		s.total--
	}
	return evicted, nil
}

// Size returns the total number of pending requests across all levels.
func (s *Set) Size() int { return s.total }

// Empty reports whether every level is empty.
func (s *Set) Empty() bool { return s.total == 0 }

// LevelSize returns the pending count of the given zero-based level.
func (s *Set) LevelSize(idx int) int { return s.levels[idx].size() }

// HeadOfLevel returns the oldest pending request in the given level.
func (s *Set) HeadOfLevel(idx int) (*request.Request, bool) { return s.levels[idx].headOf() }

// Cursor is a read-only walk over pending requests in priority-then-FIFO
// order, used by the batch former for dry-run candidate extension. It does
// not remove anything from the set.
type Cursor struct {
	set       *Set
	levelIdx  int
	posInLvl  int
}

// Cursor returns a fresh iterator positioned before the first pending
// request.
func (s *Set) Cursor() *Cursor {
	return &Cursor{set: s, levelIdx: 0, posInLvl: 0}
}

// Next returns the next pending request in priority-then-FIFO order, or
// (nil, false) once exhausted.
func (c *Cursor) Next() (*request.Request, bool) {
	for c.levelIdx < len(c.set.levels) {
		lvl := c.set.levels[c.levelIdx]
		if c.posInLvl < lvl.size() {
			r := lvl.at(c.posInLvl)
			c.posInLvl++
			return r, true
		}
		c.levelIdx++
		c.posInLvl = 0
	}
	return nil, false
}

// PopFront atomically removes the first n requests in priority-then-FIFO
// order and returns them in that order. n may span multiple levels.
func (s *Set) PopFront(n int) []*request.Request {
	out := make([]*request.Request, 0, n)
	for _, lvl := range s.levels {
		if n == 0 {
			break
		}
		take := lvl.size()
		if take > n {
			take = n
		}
		if take == 0 {
			continue
		}
		popped := lvl.popFront(take)
		out = append(out, popped...)
		n -= take
	}
	s.total -= len(out)
	return out
}

// ExpireTimedOut walks each level from the head and removes any request
// whose effective deadline is before now, invoking onExpire for each. It
// stops at the first live head per level unless the level allows timeout
// overrides with non-monotone per-request deadlines, in which case it
// scans the full level (spec §4.2).
func (s *Set) ExpireTimedOut(now time.Time, onExpire func(idx int, r *request.Request)) {
	for idx, lvl := range s.levels {
		if lvl.policy.TimeoutAction == TimeoutDelay {
			continue
		}
		if lvl.policy.AllowTimeoutOverride {
			s.expireFullScan(idx, lvl, now, onExpire)
			continue
		}
		for {
			r, ok := lvl.headOf()
			if !ok {
				break
			}
			deadline, has := r.EffectiveDeadline(lvl.policy.DefaultTimeout, lvl.policy.AllowTimeoutOverride)
			if !has || deadline.After(now) {
				break
			}
			lvl.popFront(1)
			s.total--
			onExpire(idx, r)
		}
	}
}

// expireFullScan removes every expired request from lvl, not just a head
// prefix, because per-request deadline overrides can make deadlines
// non-monotone within the FIFO.
func (s *Set) expireFullScan(idx int, lvl *level, now time.Time, onExpire func(int, *request.Request)) {
	i := 0
	for i < lvl.size() {
		r := lvl.at(i)
		deadline, has := r.EffectiveDeadline(lvl.policy.DefaultTimeout, lvl.policy.AllowTimeoutOverride)
		if has && !deadline.After(now) {
			lvl.removeAt(i)
			s.total--
			onExpire(idx, r)
			continue
		}
		i++
	}
}
