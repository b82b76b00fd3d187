// Package orderer implements the response orderer (spec §4.6): an optional
// stage that restores enqueue order to responses even though runners
// complete batches in parallel and out of order.
//
// Completion ids are assigned under the scheduler mutex at dispatch time
// (spec §4.4), so they already encode priority-then-FIFO order; the orderer
// only has to hold a completed batch back until every earlier id has been
// flushed.
package orderer

import (
	"sync"

	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/request"
)

// Orderer buffers completed batches by completion id and flushes them to
// their sinks strictly in id order.
type Orderer struct {
	mu      sync.Mutex
	nextID  uint64 // next id to hand out via Reserve
	headID  uint64 // next id due for emission
	pending map[uint64][]*request.Request
}

// New returns an Orderer whose completion ids start at 0.
func New() *Orderer {
	return &Orderer{pending: make(map[uint64][]*request.Request)}
}

// Reserve hands out the next completion id, called by the runner while it
// still holds the scheduler mutex at dispatch time.
func (o *Orderer) Reserve() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	return id
}

// Complete records the finished requests for completion id and flushes
// every ready prefix of the FIFO. reqs must already carry each request's
// final Response internally (via Respond) or be about to receive one from
// the caller after this returns — Complete only sequences *when* a batch's
// requests are allowed to respond, not their content.
//
// Callers deliver responses by calling emit on each request once Complete
// has cleared it for release, in the order given.
func (o *Orderer) Complete(id uint64, reqs []*request.Request, emit func(*request.Request)) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.pending[id] = reqs
	for {
		ready, ok := o.pending[o.nextIDToEmit()]
		if !ok {
			return
		}
		delete(o.pending, o.nextIDToEmit())
		o.advance()
		for _, r := range ready {
			emit(r)
		}
	}
}

// nextIDToEmit and advance track the head of the completion-id FIFO
// separately from nextID (the tail, handed out by Reserve): emission can
// lag well behind reservation while an earlier runner is still executing.
func (o *Orderer) nextIDToEmit() uint64 {
	return o.headID
}

func (o *Orderer) advance() {
	o.headID++
}
