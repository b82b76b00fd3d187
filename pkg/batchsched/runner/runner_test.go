package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/batch"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/config"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/executor"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/orderer"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/queue"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/request"
)

type fakeScheduler struct {
	mu       sync.Mutex
	cond     *sync.Cond
	q        *queue.Set
	f        *batch.Former
	o        *orderer.Orderer
	shutting atomicBool
}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (b *atomicBool) set(v bool) { b.mu.Lock(); b.v = v; b.mu.Unlock() }
func (b *atomicBool) get() bool  { b.mu.Lock(); defer b.mu.Unlock(); return b.v }

func newFakeScheduler(mc config.ModelConstraints) *fakeScheduler {
	s := &fakeScheduler{
		q: queue.NewSet(1, queue.DefaultPolicy(), nil),
		f: batch.New(mc),
	}
	if mc.PreserveOrdering {
		s.o = orderer.New()
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *fakeScheduler) Locker() sync.Locker      { return &s.mu }
func (s *fakeScheduler) Cond() *sync.Cond         { return s.cond }
func (s *fakeScheduler) Queue() *queue.Set        { return s.q }
func (s *fakeScheduler) Former() *batch.Former    { return s.f }
func (s *fakeScheduler) Orderer() *orderer.Orderer { return s.o }
func (s *fakeScheduler) ShuttingDown() bool       { return s.shutting.get() }

func (s *fakeScheduler) enqueue(t *testing.T, r *request.Request) {
	t.Helper()
	s.mu.Lock()
	r.RecordQueueEntry(0, time.Now())
	_, rejected := s.q.Push(r, time.Now())
	if rejected != nil {
		t.Fatalf("unexpected rejection: %v", rejected)
	}
	s.cond.Signal()
	s.mu.Unlock()
}

type noopRecorder struct{}

func (noopRecorder) RecordBatch(string, int, time.Duration) {}
func (noopRecorder) RecordExecutorError(string)              {}
func (noopRecorder) RecordQueueWait(string, time.Duration)   {}
func (noopRecorder) SetRunnerBusy(string, bool)              {}

func TestRunnerDispatchesAndDeliversResponses(t *testing.T) {
	assert := assert.New(t)

	sched := newFakeScheduler(config.ModelConstraints{DynamicBatchingEnabled: false})
	rn := New(0, sched, &executor.Echo{}, noopRecorder{}, false)

	got := make(chan request.Response, 1)
	r := request.New("a", 0, []request.Tensor{{Name: "x", Payload: []byte{9}}}, nil, func(resp request.Response) {
		got <- resp
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rn.Loop(ctx)

	sched.enqueue(t, r)

	select {
	case resp := <-got:
		assert.Nil(resp.Err)
		assert.Equal(byte(9), resp.Outputs[0].Payload[0])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestRunnerPreservesOrderAcrossOutOfOrderCompletion(t *testing.T) {
	assert := assert.New(t)

	sched := newFakeScheduler(config.ModelConstraints{DynamicBatchingEnabled: false, PreserveOrdering: true})

	// A slow executor for the first request, fast for everything after,
	// so completion order is reversed relative to dispatch order.
	exec := &delayFirstExecutor{delay: 30 * time.Millisecond}
	rnA := New(0, sched, exec, noopRecorder{}, true)
	rnB := New(1, sched, exec, noopRecorder{}, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rnA.Loop(ctx)
	go rnB.Loop(ctx)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 2)
	mkSink := func(name string) request.Sink {
		return func(request.Response) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			done <- struct{}{}
		}
	}

	first := request.New("first", 0, []request.Tensor{{Name: "x"}}, nil, mkSink("first"))
	second := request.New("second", 0, []request.Tensor{{Name: "x"}}, nil, mkSink("second"))

	sched.enqueue(t, first)
	time.Sleep(5 * time.Millisecond) // ensure first is claimed before second arrives
	sched.enqueue(t, second)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for responses")
		}
	}

	assert.Equal([]string{"first", "second"}, order)
}

// delayFirstExecutor makes the batch containing "first" finish after the
// batch containing "second", to exercise the orderer's reordering.
type delayFirstExecutor struct {
	delay time.Duration
}

func (e *delayFirstExecutor) Prepare(context.Context, int) error { return nil }
func (e *delayFirstExecutor) Warmup(context.Context, int) error  { return nil }
func (e *delayFirstExecutor) Run(ctx context.Context, b *executor.Batch) ([]request.Response, error) {
	if len(b.Requests) == 1 && b.Requests[0].CorrelationID == "first" {
		time.Sleep(e.delay)
	}
	responses := make([]request.Response, len(b.Requests))
	for i := range b.Requests {
		responses[i] = request.Response{}
	}
	return responses, nil
}
