// Package runner implements the per-worker loop described in spec §4.5:
// wait for the batch former to produce a dispatchable candidate, pop it
// under the scheduler lock, hand it to the executor outside the lock, then
// deliver responses (directly or through the response orderer).
//
// The wait/wake discipline is the same shape as the teacher's
// popWhenAvailable/Run pair (pkg/infer-gateway/datastore/fairness_queue.go):
// a condition variable guarding a shared queue, with the wait predicate
// re-checked in a loop after every wake. It's generalised here so the batch
// former's max_queue_delay hint can also wake the runner without a new
// enqueue, using a one-shot timer that broadcasts the same condition
// variable.
package runner

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/batch"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/dataplane"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/executor"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/orderer"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/queue"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/request"

	"github.com/matrixinfer-ai/dynabatch/internal/logger"
)

// The runner loop logs from inside the per-batch hot path, so it uses the
// file-only logger rather than logger.New's console-backed one, keeping
// per-batch chatter out of a co-located process's stdout.
var log = logger.NewFileOnly("runner")

// Scheduler is the narrow slice of the scheduler core a Runner needs.
// Defining the seam here, rather than importing the scheduler package,
// keeps the dependency edge one-directional: the scheduler package
// constructs and owns Runners, Runners never import it back.
type Scheduler interface {
	Locker() sync.Locker
	Cond() *sync.Cond
	Queue() *queue.Set
	Former() *batch.Former
	Orderer() *orderer.Orderer // nil when response ordering is disabled
	ShuttingDown() bool
}

// Recorder is the subset of the metrics surface the runner loop touches.
type Recorder interface {
	RecordBatch(runner string, size int, formation time.Duration)
	RecordExecutorError(errType string)
	RecordQueueWait(level string, d time.Duration)
	SetRunnerBusy(runner string, busy bool)
}

// Runner drives one worker goroutine against a shared Scheduler and
// Executor.
type Runner struct {
	ID       int
	label    string
	sched    Scheduler
	exec     executor.Executor
	metrics  Recorder
	preserve bool
}

// New builds a Runner. preserveOrdering must match the model constraint the
// scheduler was created with.
func New(id int, sched Scheduler, exec executor.Executor, metrics Recorder, preserveOrdering bool) *Runner {
	return &Runner{
		ID:       id,
		label:    strconv.Itoa(id),
		sched:    sched,
		exec:     exec,
		metrics:  metrics,
		preserve: preserveOrdering,
	}
}

// Loop runs until ctx is cancelled or the scheduler starts shutting down;
// requests still queued at that point are left for the scheduler's
// Shutdown to abort. Prepare/Warmup are the caller's responsibility,
// run once before Loop starts (spec §4.4: Prepare is synchronous at
// scheduler construction, Warmup is best-effort afterward).
func (rn *Runner) Loop(ctx context.Context) {
	for {
		b, ok := rn.next(ctx)
		if !ok {
			return
		}
		rn.execute(ctx, b)
	}
}

// next blocks until a batch is ready to dispatch, the scheduler is torn
// down, or ctx is cancelled.
func (rn *Runner) next(ctx context.Context) (*executor.Batch, bool) {
	lock := rn.sched.Locker()
	cond := rn.sched.Cond()
	q := rn.sched.Queue()
	former := rn.sched.Former()

	lock.Lock()
	defer lock.Unlock()

	for {
		if ctx.Err() != nil {
			return nil, false
		}
		if rn.sched.ShuttingDown() {
			// Any batch this runner already claimed keeps running to
			// completion outside this loop; nothing still sitting in
			// the queue gets claimed once shutdown has started, so
			// Scheduler.Shutdown can safely drain and abort it.
			return nil, false
		}

		start := time.Now()
		decision := former.Form(q, start)
		if decision.Dispatch {
			popped := q.PopFront(len(decision.Candidate))
			b := rn.claim(popped)
			if b == nil {
				// Every popped request lost the dispatch race to a
				// concurrent timeout expiry; re-form immediately.
				continue
			}
			rn.metrics.RecordBatch(rn.label, b.Size(), time.Since(start))
			return b, true
		}

		if q.Empty() {
			cond.Wait()
			continue
		}
		waitOn(cond, decision.Wait)
	}
}

// waitOn blocks on cond until either it's woken by another goroutine or, if
// d is positive, a timer expires. sync.Cond has no built-in timed wait, so a
// one-shot timer broadcasting the same condition variable stands in for one;
// Broadcast doesn't require holding cond.L, so the timer callback is safe to
// fire from its own goroutine.
func waitOn(cond *sync.Cond, d time.Duration) {
	if d <= 0 {
		cond.Wait()
		return
	}
	timer := time.AfterFunc(d, cond.Broadcast)
	cond.Wait()
	timer.Stop()
}

// claim takes ownership of every request the former selected, dropping any
// that a concurrent timeout sweep already claimed first, and reserves a
// completion id when ordering is enabled. Returns nil if nothing survived.
func (rn *Runner) claim(popped []*request.Request) *executor.Batch {
	now := time.Now()
	live := popped[:0]
	q := rn.sched.Queue()
	for _, r := range popped {
		if r.Dispatch(now) {
			level := queue.LevelName(q.ClampIndex(r.Priority))
			rn.metrics.RecordQueueWait(level, r.QueueWait())
			live = append(live, r)
		}
	}
	if len(live) == 0 {
		return nil
	}

	b := &executor.Batch{RunnerID: rn.ID, Requests: live}
	if rn.preserve {
		if o := rn.sched.Orderer(); o != nil {
			b.CompletionID = o.Reserve()
		}
	}
	return b
}

// execute runs the batch against the executor outside the scheduler lock
// and delivers every request's response, honouring response ordering when
// enabled.
func (rn *Runner) execute(ctx context.Context, b *executor.Batch) {
	if err := gatherInputs(ctx, b); err != nil {
		rn.metrics.RecordExecutorError(request.ErrorInternal.String())
		rn.deliver(b, failAll(b.Requests, request.NewError(request.ErrorInternal, err.Error())))
		return
	}

	rn.metrics.SetRunnerBusy(rn.label, true)
	responses, batchErr := rn.exec.Run(ctx, b)
	rn.metrics.SetRunnerBusy(rn.label, false)

	var resp map[*request.Request]request.Response
	if batchErr != nil {
		rn.metrics.RecordExecutorError(request.ErrorExecutor.String())
		resp = failAll(b.Requests, request.NewError(request.ErrorExecutor, batchErr.Error()))
	} else {
		resp = make(map[*request.Request]request.Response, len(b.Requests))
		for i, r := range b.Requests {
			if i < len(responses) {
				resp[r] = responses[i]
				continue
			}
			resp[r] = request.Response{
				Err: request.NewError(request.ErrorInternal, "executor returned fewer responses than requests in the batch"),
			}
		}
		scatterInPlaceOutputs(ctx, b.Requests, resp)
	}

	rn.deliver(b, resp)
}

// deliver stamps completion time and hands every request's response to its
// sink, directly or via the orderer.
func (rn *Runner) deliver(b *executor.Batch, resp map[*request.Request]request.Response) {
	now := time.Now()
	emit := func(r *request.Request) {
		r.RecordComplete(now)
		r.Respond(resp[r])
	}

	if rn.preserve {
		if o := rn.sched.Orderer(); o != nil {
			o.Complete(b.CompletionID, b.Requests, emit)
			return
		}
	}
	for _, r := range b.Requests {
		emit(r)
	}
}

func failAll(reqs []*request.Request, err *request.Error) map[*request.Request]request.Response {
	resp := make(map[*request.Request]request.Response, len(reqs))
	for _, r := range reqs {
		resp[r] = request.Response{Err: err}
	}
	return resp
}

// defaultHostCopy implements dataplane.CopyFunc for host-resident tensors:
// the locator is the tensor's own payload bytes, which is what every tensor
// gets by default (see gatherInputs) unless the transport adapter supplied
// a real device or shared-memory locator. Gather uses this: dst is the
// shared buffer's slice, locator is the per-request source.
func defaultHostCopy(ctx context.Context, dst []byte, locator any, async bool) (bool, error) {
	src, ok := locator.([]byte)
	if !ok {
		return false, fmt.Errorf("runner: expected a host []byte locator, got %T", locator)
	}
	if len(src) != len(dst) {
		return false, fmt.Errorf("runner: locator length %d does not match destination length %d", len(src), len(dst))
	}
	copy(dst, src)
	return false, nil
}

// defaultHostWriteBack is Scatter's counterpart to defaultHostCopy: the
// first argument is the shared buffer's slice (the data being moved) and
// the locator is the per-request destination, the reverse of Gather's copy
// direction.
func defaultHostWriteBack(ctx context.Context, data []byte, locator any, async bool) (bool, error) {
	dst, ok := locator.([]byte)
	if !ok {
		return false, fmt.Errorf("runner: expected a host []byte locator, got %T", locator)
	}
	if len(dst) != len(data) {
		return false, fmt.Errorf("runner: locator length %d does not match source length %d", len(dst), len(data))
	}
	copy(dst, data)
	return false, nil
}

// gatherInputs packs every named input across b.Requests into a contiguous
// host buffer, per spec §4.5 step 3, attaching the result to b for
// executors that want contiguous memory instead of per-request tensors. A
// tensor with no explicit Locator defaults to its own Payload bytes, which
// covers every transport adapter in this repo (all of them hand the
// scheduler host byte slices, never device pointers).
func gatherInputs(ctx context.Context, b *executor.Batch) error {
	if len(b.Requests) == 0 {
		return nil
	}
	for _, r := range b.Requests {
		for i := range r.Inputs {
			if r.Inputs[i].Locator == nil {
				r.Inputs[i].Locator = r.Inputs[i].Payload
			}
		}
	}

	buffers := make([]*dataplane.Buffer, 0, len(b.Requests[0].Inputs))
	b.Buffers = make(map[string]*dataplane.Buffer, len(b.Requests[0].Inputs))
	for _, t := range b.Requests[0].Inputs {
		buf, err := dataplane.Gather(ctx, t.Name, b.Requests, dataplane.Host, defaultHostCopy)
		if err != nil {
			return err
		}
		buffers = append(buffers, buf)
		b.Buffers[t.Name] = buf
	}
	return dataplane.Finalize(ctx, buffers, func(context.Context) error { return nil })
}

// scatterInPlaceOutputs writes each response's output tensors back into the
// matching input tensor's locator, per spec §4.5 step 5, covering the
// common in-place deployment where the executor reuses an input buffer slot
// as its output (the convention dataplane.outputLocator documents). Outputs
// with no matching input name still reach the caller normally, through the
// response sink; scatter is an additional write-back, not the only
// delivery path.
func scatterInPlaceOutputs(ctx context.Context, reqs []*request.Request, resp map[*request.Request]request.Response) {
	if len(reqs) == 0 {
		return
	}
	inputNames := make(map[string]bool, len(reqs[0].Inputs))
	for _, t := range reqs[0].Inputs {
		inputNames[t.Name] = true
	}

	scattered := make(map[string]bool)
	for _, r := range reqs {
		for _, t := range resp[r].Outputs {
			if scattered[t.Name] || !inputNames[t.Name] {
				continue
			}
			scattered[t.Name] = true
			scatterOne(ctx, t.Name, reqs, resp)
		}
	}
}

func scatterOne(ctx context.Context, name string, reqs []*request.Request, resp map[*request.Request]request.Response) {
	sizeOf := func(r *request.Request) int {
		for _, t := range resp[r].Outputs {
			if t.Name == name {
				return len(t.Payload)
			}
		}
		return 0
	}

	total := 0
	for _, r := range reqs {
		total += sizeOf(r)
	}
	buf := &dataplane.Buffer{Name: name, Space: dataplane.Host, Bytes: make([]byte, total)}
	offset := 0
	for _, r := range reqs {
		for _, t := range resp[r].Outputs {
			if t.Name != name {
				continue
			}
			copy(buf.Bytes[offset:offset+len(t.Payload)], t.Payload)
			offset += len(t.Payload)
			break
		}
	}

	if err := dataplane.Scatter(ctx, name, reqs, buf, sizeOf, defaultHostWriteBack); err != nil {
		log.WithField("output", name).WithError(err).Warn("scatter to input locator failed")
	}
}
