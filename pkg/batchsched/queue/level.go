package queue

import (
	"time"

	"github.com/gammazero/deque"

	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/config"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/request"
)

// QueueFullAction decides what happens to an incoming request when its
// level is already at MaxQueueSize.
type QueueFullAction int

const (
	// RejectNewest rejects the incoming request; the level is unchanged.
	// This is the default (spec §4.2).
	RejectNewest QueueFullAction = iota
	// DropOldest evicts the level's head (responding it with Timeout) to
	// make room for the incoming request.
	DropOldest
)

// TimeoutAction decides what expire_timed_out does with a request whose
// effective deadline has passed.
type TimeoutAction int

const (
	// TimeoutReject removes the request and responds with a Timeout
	// error. This is the default.
	TimeoutReject TimeoutAction = iota
	// TimeoutDelay leaves the deadline advisory only: the request is
	// never force-expired by the sweep and dispatches whenever the
	// batch former eventually reaches it.
	TimeoutDelay
)

// Policy configures one priority level's admission and expiry behaviour.
type Policy struct {
	// MaxQueueSize is the level's capacity; 0 means unbounded.
	MaxQueueSize int
	// DefaultTimeout is applied to requests that don't carry (or aren't
	// allowed to override with) their own deadline. 0 means no default.
	DefaultTimeout time.Duration
	// QueueFullAction governs push() when the level is at MaxQueueSize.
	QueueFullAction QueueFullAction
	// TimeoutAction governs expire_timed_out for this level.
	TimeoutAction TimeoutAction
	// AllowTimeoutOverride lets a request's own deadline shorten (or, in
	// principle, replace) the level's default timeout.
	AllowTimeoutOverride bool
}

// DefaultPolicy is applied to any level lacking an explicit override.
func DefaultPolicy() Policy {
	return Policy{
		MaxQueueSize:         0,
		DefaultTimeout:       0,
		QueueFullAction:      RejectNewest,
		TimeoutAction:        TimeoutReject,
		AllowTimeoutOverride: false,
	}
}

// PolicyFromConfig converts the YAML-friendly config.QueuePolicy into a
// queue.Policy, applying DefaultPolicy for any zero-valued fields.
func PolicyFromConfig(c config.QueuePolicy) Policy {
	p := DefaultPolicy()
	p.MaxQueueSize = c.MaxQueueSize
	p.DefaultTimeout = c.DefaultTimeout
	p.AllowTimeoutOverride = c.AllowTimeoutOverride
	if c.QueueFullAction == "dropOldest" {
		p.QueueFullAction = DropOldest
	}
	if c.TimeoutAction == "delay" {
		p.TimeoutAction = TimeoutDelay
	}
	return p
}

// level is a FIFO of pending requests sharing a priority. It is backed by a
// deque so both head inspection (former dry-runs) and prefix removal
// (pop_front) are O(1) amortised, matching the FIFO-of-arrival contract in
// spec §3.
type level struct {
	policy Policy
	items  deque.Deque[*request.Request]
}

func newLevel(p Policy) *level {
	return &level{policy: p}
}

func (l *level) size() int { return l.items.Len() }

func (l *level) headOf() (*request.Request, bool) {
	if l.items.Len() == 0 {
		return nil, false
	}
	return l.items.Front(), true
}

// push admits r into the level, applying QueueFullAction if the level is at
// capacity. It returns the evicted request (if DropOldest fired) so the
// caller can respond to it outside of any lock-sensitive path, and an error
// describing an outright rejection.
func (l *level) push(r *request.Request) (evicted *request.Request, rejected *request.Error) {
	if l.policy.MaxQueueSize > 0 && l.items.Len() >= l.policy.MaxQueueSize {
		switch l.policy.QueueFullAction {
		case DropOldest:
			evicted = l.items.PopFront()
		default:
			return nil, request.NewError(request.ErrorQueueFull, "queue level is full")
		}
	}
	l.items.PushBack(r)
	return evicted, nil
}

// popFront removes and returns up to n requests from the front of the
// level, in FIFO order.
func (l *level) popFront(n int) []*request.Request {
	if n > l.items.Len() {
		n = l.items.Len()
	}
	out := make([]*request.Request, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, l.items.PopFront())
	}
	return out
}

// at returns the i-th queued request without removing it (0 = head).
func (l *level) at(i int) *request.Request {
	return l.items.At(i)
}

// removeAt removes the i-th queued request, preserving FIFO order of the
// remainder. Used by the full-level timeout scan when per-request
// deadlines are non-monotone. deque does not expose arbitrary-index
// removal, so this rotates the prefix out, drops the target, and rotates
// the prefix back in; O(i), acceptable since the caller already accepts an
// O(level size) scan in that mode.
func (l *level) removeAt(i int) *request.Request {
	saved := make([]*request.Request, i)
	for k := 0; k < i; k++ {
		saved[k] = l.items.PopFront()
	}
	target := l.items.PopFront()
	for k := i - 1; k >= 0; k-- {
		l.items.PushFront(saved[k])
	}
	return target
}
