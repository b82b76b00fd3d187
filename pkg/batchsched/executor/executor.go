// Package executor defines the narrow interface the scheduler uses to hand
// a formed batch off to a model runtime. The runtime itself — GPU kernels,
// ONNX/TensorRT/vLLM backends, whatever a given deployment loads — is
// entirely out of scope (spec §1); the scheduler only ever holds it
// polymorphically behind this interface, the way the teacher's scheduling
// framework holds filter/score plugins behind FilterPlugin/ScorePlugin
// (pkg/infer-gateway/scheduler/framework/interface.go) rather than a
// concrete type.
package executor

import (
	"context"

	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/dataplane"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/request"
)

// Batch is the unit of work handed to an Executor: an ordered slice of
// requests that have already been validated against the model's schema and
// checked for shape-equality by the batch former.
type Batch struct {
	RunnerID     int
	CompletionID uint64 // valid only when ordering is enabled
	Requests     []*request.Request
	// Buffers holds one contiguous per-input-name host buffer, gathered by
	// the runner before Run is called (spec §4.5 step 3). Executors backed
	// by contiguous memory (rather than per-request tensors) can read from
	// these instead of walking Requests themselves.
	Buffers map[string]*dataplane.Buffer
}

// Size returns the number of requests in the batch.
func (b *Batch) Size() int { return len(b.Requests) }

// EffectiveBatchSize sums each request's leading batch dimension across its
// first input, matching the former's running total.
func (b *Batch) EffectiveBatchSize() int64 {
	var total int64
	for _, r := range b.Requests {
		if len(r.Inputs) == 0 {
			total++
			continue
		}
		total += r.Inputs[0].BatchDim()
	}
	return total
}

// Executor is the model-runtime capability the scheduler drives. A runtime
// implements Prepare/Warmup/Run as one capability set rather than the
// scheduler depending on any concrete backend (spec §9, "Executor as
// variant").
type Executor interface {
	// Prepare is invoked once per runner at spawn time, synchronously; a
	// non-nil error fails scheduler creation entirely (spec §4.4).
	Prepare(ctx context.Context, runnerID int) error

	// Warmup runs after a successful Prepare; errors are logged but
	// non-fatal.
	Warmup(ctx context.Context, runnerID int) error

	// Run executes one batch and returns one response per request, in
	// request order. Run may instead return a single error via
	// batchErr, which the runner fans out to every request in the
	// batch (spec §6).
	Run(ctx context.Context, batch *Batch) (responses []request.Response, batchErr error)
}
