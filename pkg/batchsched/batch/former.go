// Package batch implements the batch-former component (spec §4.3): given
// the current queue state and the model's constraints, it selects the
// largest legal contiguous prefix of pending requests and decides whether
// to dispatch it now or wait for it to grow.
package batch

import (
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/config"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/queue"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/request"
)

// fingerprintCacheSize bounds the LRU used to memoise shape-tensor content
// hashes; batch formation runs on every runner wakeup, and re-hashing a
// large shape tensor's payload on every pass would dominate the time spent
// holding the scheduler mutex.
const fingerprintCacheSize = 4096

// Decision is the former's verdict for the current queue state.
type Decision struct {
	// Candidate is the selected prefix, non-nil only when Dispatch is
	// true.
	Candidate []*request.Request
	Dispatch  bool
	// Wait is the remaining delay before the oldest queued request's
	// dispatch deadline, valid only when Dispatch is false and the
	// queue is non-empty.
	Wait time.Duration
}

// Former selects and evaluates batch candidates against a fixed set of
// model constraints.
type Former struct {
	constraints config.ModelConstraints
	fingerprintCache *lru.Cache[string, uint64]
}

// New builds a Former for the given (immutable) model constraints.
func New(constraints config.ModelConstraints) *Former {
	cache, _ := lru.New[string, uint64](fingerprintCacheSize)
	return &Former{constraints: constraints, fingerprintCache: cache}
}

// hashPayload memoises the xxhash of a shape tensor's value bytes, keyed by
// (correlation id, input name), so requests that share a correlation id
// share a cached hash. A former pass that waits on max_queue_delay gets
// re-invoked on every subsequent enqueue and on the delay's own expiry,
// re-hashing the same head requests' shape tensors each time; the cache
// keeps that from becoming an O(waits × payload size) cost under the
// scheduler mutex.
func (f *Former) hashPayload(correlationID, name string, payload []byte) uint64 {
	key := correlationID + "/" + name
	if f.fingerprintCache != nil {
		if v, ok := f.fingerprintCache.Get(key); ok {
			return v
		}
	}
	sum := xxhash.Sum64(payload)
	if f.fingerprintCache != nil {
		f.fingerprintCache.Add(key, sum)
	}
	return sum
}

func findInput(r *request.Request, name string) (request.Tensor, bool) {
	for _, t := range r.Inputs {
		if t.Name == name {
			return t, true
		}
	}
	return request.Tensor{}, false
}

// shapesEqual reports whether a and b agree on shape (and, for value
// tensors, byte-for-byte content) for every name in the constraint list.
func (f *Former) shapesEqual(a, b *request.Request) bool {
	for _, spec := range f.constraints.EnforceEqualShapeTensors {
		ta, oka := findInput(a, spec.Name)
		tb, okb := findInput(b, spec.Name)
		if oka != okb {
			return false
		}
		if !oka {
			continue
		}
		if !shapeEqual(ta.Shape, tb.Shape) {
			return false
		}
		if spec.IsValueTensor {
			ha := f.hashPayload(a.CorrelationID, spec.Name, ta.Payload)
			hb := f.hashPayload(b.CorrelationID, spec.Name, tb.Payload)
			if ha != hb {
				return false
			}
		}
	}
	return true
}

func shapeEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Form runs the selection algorithm from spec §4.3 against q and returns a
// dispatch Decision. now is used both for the max_queue_delay check and to
// compute the wait hint. q must not be mutated concurrently — the caller
// holds the scheduler mutex for the duration of Form.
func (f *Former) Form(q *queue.Set, now time.Time) Decision {
	if q.Empty() {
		return Decision{Dispatch: false}
	}

	if !f.constraints.DynamicBatchingEnabled || f.constraints.MaxBatchSize == 0 {
		// Every request is its own batch: the former short-circuits to
		// the single oldest pending request.
		cursor := q.Cursor()
		first, _ := cursor.Next()
		return Decision{Candidate: []*request.Request{first}, Dispatch: true}
	}

	cursor := q.Cursor()
	var candidate []*request.Request
	var effective int64
	// bestPreferredCount is the length of the longest prefix of candidate
	// seen so far whose effective size lands exactly on a preferred_batch_sizes
	// value (spec §4.3 step 4: "the best preferred_batch_sizes value reached
	// so far").
	bestPreferredCount := 0

	for {
		next, ok := cursor.Next()
		if !ok {
			break
		}
		dim := int64(1)
		if len(next.Inputs) > 0 {
			dim = next.Inputs[0].BatchDim()
		}
		if effective+dim > f.constraints.MaxBatchSize {
			break
		}
		if len(candidate) > 0 && !f.shapesEqual(candidate[0], next) {
			// Mismatch stops extension; the mismatched request
			// stays queued for a later batch.
			break
		}
		candidate = append(candidate, next)
		effective += dim
		if containsSize(f.constraints.PreferredBatchSizes, effective) {
			bestPreferredCount = len(candidate)
		}
		if effective == f.constraints.MaxBatchSize {
			break
		}
	}

	if len(candidate) == 0 {
		return Decision{Dispatch: false}
	}

	if effective == f.constraints.MaxBatchSize {
		return Decision{Candidate: candidate, Dispatch: true}
	}

	if bestPreferredCount > 0 {
		// Extension above only stops when nothing currently queued can
		// extend the batch further this pass (blocked by max_batch_size,
		// a shape mismatch, or the queue running dry), so no larger
		// preferred size is reachable without waiting for a future
		// enqueue — and a future enqueue re-wakes the runner through the
		// scheduler's condition variable anyway. Take the largest
		// preferred prefix now rather than waiting out the delay.
		return Decision{Candidate: candidate[:bestPreferredCount], Dispatch: true}
	}

	oldest := candidate[0]
	waited := now.Sub(oldest.EnqueueTime)
	if f.constraints.MaxQueueDelay <= 0 || waited >= f.constraints.MaxQueueDelay {
		// Delay exhausted with no preferred size ever reached: dispatch
		// whatever is queued rather than blocking it indefinitely.
		return Decision{Candidate: candidate, Dispatch: true}
	}

	// No preferred size reachable yet and the delay budget isn't
	// exhausted: report how much longer the runner should wait before
	// re-forming. A new enqueue also wakes it early via the scheduler's
	// condition variable.
	remaining := f.constraints.MaxQueueDelay - waited
	return Decision{Dispatch: false, Wait: remaining}
}

func containsSize(sizes []int64, v int64) bool {
	for _, s := range sizes {
		if s == v {
			return true
		}
	}
	return false
}
