package executor

import (
	"context"
	"time"

	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/request"
)

// Echo is a reference Executor that mirrors each request's inputs back as
// its outputs after simulating a fixed compute latency. It has no model
// runtime behind it; it exists to exercise the scheduler end to end in
// tests and in the batch-scheduler binary's demo server, the way a
// deployment would exercise it against a real backend.
type Echo struct {
	// Latency simulates the per-batch compute cost of a real runtime, so
	// callers can observe queueing and batching behaviour under load.
	Latency time.Duration
}

func (e *Echo) Prepare(ctx context.Context, runnerID int) error { return nil }

func (e *Echo) Warmup(ctx context.Context, runnerID int) error { return nil }

func (e *Echo) Run(ctx context.Context, batch *Batch) ([]request.Response, error) {
	if e.Latency > 0 {
		select {
		case <-time.After(e.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	responses := make([]request.Response, len(batch.Requests))
	for i, r := range batch.Requests {
		responses[i] = request.Response{Outputs: r.Inputs}
	}
	return responses, nil
}
