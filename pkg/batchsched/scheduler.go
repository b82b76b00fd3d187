// Package batchsched wires the queue, batch former, runner pool, and
// response orderer into the scheduler core described in spec §4.4: the
// component transport adapters call Enqueue on and that owns the lifecycle
// of a fixed pool of runner goroutines bound to one Executor.
package batchsched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matrixinfer-ai/dynabatch/internal/metrics"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/batch"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/config"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/executor"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/orderer"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/queue"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/request"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/runner"

	"github.com/matrixinfer-ai/dynabatch/internal/logger"
)

var log = logger.New("batchsched")

// expirySweepInterval bounds how stale a queued request's timeout can be
// before the background sweep notices it, independent of runner wakeups.
const expirySweepInterval = 5 * time.Millisecond

// Scheduler is a running instance of the dynamic batching scheduler: one
// queue set, one batch former, a fixed pool of runners driving a shared
// Executor, and an optional response orderer.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg     config.SchedulerConfig
	queues  *queue.Set
	former  *batch.Former
	ordr    *orderer.Orderer
	metrics *metrics.Metrics

	nextID  atomic.Uint64
	closing atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Create builds a Scheduler for cfg and exec, invoking Prepare on every
// runner synchronously (spec §4.4: a failing Prepare aborts creation
// entirely) before spawning the runner pool and warming it up in the
// background.
func Create(ctx context.Context, cfg config.SchedulerConfig, exec executor.Executor) (*Scheduler, error) {
	if cfg.RunnerCount < 1 {
		return nil, fmt.Errorf("batchsched: runnerCount must be >= 1, got %d", cfg.RunnerCount)
	}

	overrides := make(map[int]queue.Policy, len(cfg.QueuePolicyByLvl))
	for lvl, qp := range cfg.QueuePolicyByLvl {
		overrides[lvl] = queue.PolicyFromConfig(qp)
	}
	defaultPolicy := queue.PolicyFromConfig(cfg.DefaultQueue)

	s := &Scheduler{
		cfg:     cfg,
		queues:  queue.NewSet(cfg.PriorityLevels, defaultPolicy, overrides),
		former:  batch.New(cfg.Model),
		metrics: metrics.Default,
	}
	s.cond = sync.NewCond(&s.mu)
	if cfg.Model.PreserveOrdering {
		s.ordr = orderer.New()
	}

	for id := 0; id < cfg.RunnerCount; id++ {
		if err := exec.Prepare(ctx, id); err != nil {
			return nil, fmt.Errorf("batchsched: runner %d prepare failed: %w", id, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for id := 0; id < cfg.RunnerCount; id++ {
		id := id
		rn := runner.New(id, s, exec, s.metrics, cfg.Model.PreserveOrdering)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := exec.Warmup(runCtx, id); err != nil {
				log.WithField("runner", id).WithError(err).Warn("executor warmup failed, continuing")
			}
			rn.Loop(runCtx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepExpired(runCtx)
	}()

	log.WithField("runners", cfg.RunnerCount).Info("scheduler started")
	return s, nil
}

// Locker, Cond, Queue, Former, Orderer, and ShuttingDown implement
// runner.Scheduler.
func (s *Scheduler) Locker() sync.Locker      { return &s.mu }
func (s *Scheduler) Cond() *sync.Cond         { return s.cond }
func (s *Scheduler) Queue() *queue.Set        { return s.queues }
func (s *Scheduler) Former() *batch.Former    { return s.former }
func (s *Scheduler) Orderer() *orderer.Orderer { return s.ordr }
func (s *Scheduler) ShuttingDown() bool       { return s.closing.Load() }

// Enqueue validates and admits r, per spec §4.2. Validation, queue-full, and
// shutdown rejections are all delivered asynchronously through r's sink,
// matching every other terminal outcome; Enqueue itself only ever returns a
// non-nil error for a caller-programming mistake (a nil request), never for
// anything the transport adapter should branch on.
func (s *Scheduler) Enqueue(r *request.Request) error {
	if r == nil {
		return fmt.Errorf("batchsched: nil request")
	}

	idx := s.queues.ClampIndex(r.Priority)
	level := queue.LevelName(idx)

	if verr := r.Validate(s.cfg.Model.DeclaredInputs); verr != nil {
		s.metrics.RecordReject(level, "validation")
		r.Abort(verr)
		return nil
	}

	now := time.Now()
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		r.Abort(request.NewError(request.ErrorShutdown, "scheduler is shutting down"))
		return nil
	}

	id := s.nextID.Add(1)
	r.RecordQueueEntry(id, now)
	evicted, rejected := s.queues.Push(r, now)
	s.cond.Signal()
	depth := s.queues.LevelSize(idx)
	s.mu.Unlock()

	s.metrics.SetQueueDepth(level, depth)

	if rejected != nil {
		s.metrics.RecordReject(level, "queue_full")
		r.Abort(rejected)
		return nil
	}
	s.metrics.RecordEnqueue(level)
	if evicted != nil {
		s.metrics.RecordReject(level, "evicted")
		evicted.Abort(request.NewError(request.ErrorTimeout, "evicted to admit a newer request"))
	}
	return nil
}

// sweepExpired periodically evicts requests whose deadlines have passed
// without ever becoming part of a formable batch, so a request stuck behind
// a permanently-blocked shape-mismatched head still times out.
func (s *Scheduler) sweepExpired(ctx context.Context) {
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.closing.Load() {
				return
			}
			s.expireOnce()
		}
	}
}

func (s *Scheduler) expireOnce() {
	now := time.Now()
	var expired []*request.Request
	var levels []int

	s.mu.Lock()
	s.queues.ExpireTimedOut(now, func(idx int, r *request.Request) {
		expired = append(expired, r)
		levels = append(levels, idx)
	})
	if len(expired) > 0 {
		s.cond.Broadcast()
	}
	s.mu.Unlock()

	for i, r := range expired {
		s.metrics.RecordExpired(queue.LevelName(levels[i]))
		r.Abort(request.NewError(request.ErrorTimeout, "request timed out while queued"))
	}
}

// Shutdown stops accepting new work, wakes every runner so they drain and
// exit, waits for the runner pool and expiry sweep to finish, then responds
// Shutdown to anything still queued.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.closing.Store(true)

	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		<-done
	}
	s.cancel()

	s.mu.Lock()
	remaining := s.queues.PopFront(s.queues.Size())
	s.mu.Unlock()

	for _, r := range remaining {
		r.Abort(request.NewError(request.ErrorShutdown, "scheduler shut down with request still queued"))
	}
	if len(remaining) > 0 {
		s.metrics.RecordShutdown(len(remaining))
	}
	log.WithField("drained", len(remaining)).Info("scheduler shut down")
	return nil
}
