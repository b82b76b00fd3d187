package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/config"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/queue"
	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/request"
)

func pushReq(t *testing.T, s *queue.Set, id uint64, at time.Time, shape []int64) *request.Request {
	t.Helper()
	r := request.New("c", 0, []request.Tensor{{Name: "S", Shape: shape}}, nil, func(request.Response) {})
	r.RecordQueueEntry(id, at)
	_, rejected := s.Push(r, at)
	if rejected != nil {
		t.Fatalf("unexpected rejection: %v", rejected)
	}
	return r
}

// Scenario 1 from spec.md §8: four requests hit a preferred size and
// dispatch immediately regardless of the delay budget.
func TestFormDispatchesOnPreferredSize(t *testing.T) {
	assert := assert.New(t)

	f := New(config.ModelConstraints{
		DynamicBatchingEnabled: true,
		MaxBatchSize:           8,
		PreferredBatchSizes:    []int64{4, 8},
		MaxQueueDelay:          10 * time.Millisecond,
	})

	s := queue.NewSet(1, queue.DefaultPolicy(), nil)
	now := time.Now()
	for i := uint64(0); i < 4; i++ {
		pushReq(t, s, i, now, []int64{1})
	}

	d := f.Form(s, now)
	assert.True(d.Dispatch)
	assert.Len(d.Candidate, 4)
}

// Scenario 2: three requests, no preferred size reachable, waits until the
// delay elapses then dispatches with the size it has.
func TestFormWaitsThenDispatchesOnDelay(t *testing.T) {
	assert := assert.New(t)

	f := New(config.ModelConstraints{
		DynamicBatchingEnabled: true,
		MaxBatchSize:           8,
		PreferredBatchSizes:    []int64{4, 8},
		MaxQueueDelay:          10 * time.Millisecond,
	})

	s := queue.NewSet(1, queue.DefaultPolicy(), nil)
	now := time.Now()
	for i := uint64(0); i < 3; i++ {
		pushReq(t, s, i, now, []int64{1})
	}

	d := f.Form(s, now.Add(time.Millisecond))
	assert.False(d.Dispatch)
	assert.Greater(d.Wait, time.Duration(0))

	d = f.Form(s, now.Add(10*time.Millisecond))
	assert.True(d.Dispatch)
	assert.Len(d.Candidate, 3)
}

// Scenario 3: a shape mismatch stops extension at the mismatched request,
// leaving it queued.
func TestFormStopsAtShapeMismatch(t *testing.T) {
	assert := assert.New(t)

	f := New(config.ModelConstraints{
		DynamicBatchingEnabled: true,
		MaxBatchSize:           8,
		PreferredBatchSizes:    []int64{4, 8},
		MaxQueueDelay:          10 * time.Millisecond,
		EnforceEqualShapeTensors: []config.ShapeTensorSpec{
			{Name: "S"},
		},
	})

	s := queue.NewSet(1, queue.DefaultPolicy(), nil)
	now := time.Now()
	pushReq(t, s, 1, now, []int64{1})
	pushReq(t, s, 2, now, []int64{1})
	pushReq(t, s, 3, now, []int64{2}) // mismatched shape stops extension here
	pushReq(t, s, 4, now, []int64{1})
	pushReq(t, s, 5, now, []int64{1})

	d := f.Form(s, now.Add(10*time.Millisecond))
	assert.True(d.Dispatch)
	assert.Len(d.Candidate, 2)
	assert.Equal(int64(1), d.Candidate[0].Inputs[0].Shape[0])
}

func TestFormDispatchesEveryRequestSeparatelyWhenBatchingDisabled(t *testing.T) {
	assert := assert.New(t)

	f := New(config.ModelConstraints{DynamicBatchingEnabled: false})
	s := queue.NewSet(1, queue.DefaultPolicy(), nil)
	now := time.Now()
	pushReq(t, s, 1, now, []int64{1})
	pushReq(t, s, 2, now, []int64{1})

	d := f.Form(s, now)
	assert.True(d.Dispatch)
	assert.Len(d.Candidate, 1)
}

func TestFormReportsEmptyQueue(t *testing.T) {
	assert := assert.New(t)

	f := New(config.ModelConstraints{DynamicBatchingEnabled: true, MaxBatchSize: 4})
	s := queue.NewSet(1, queue.DefaultPolicy(), nil)

	d := f.Form(s, time.Now())
	assert.False(d.Dispatch)
	assert.Nil(d.Candidate)
}

// Reproduces the shipped default config (preferred {1,2,4,8,16,32}, max 32,
// delay 10ms): six requests arrive at once. The largest preferred size
// reachable from what's already queued is 4, and nothing more is available
// to extend further this pass, so the former dispatches that prefix right
// away instead of waiting out the full delay on a non-preferred batch of 6.
func TestFormDispatchesLargestPreferredPrefixImmediately(t *testing.T) {
	assert := assert.New(t)

	f := New(config.ModelConstraints{
		DynamicBatchingEnabled: true,
		MaxBatchSize:           32,
		PreferredBatchSizes:    []int64{1, 2, 4, 8, 16, 32},
		MaxQueueDelay:          10 * time.Millisecond,
	})

	s := queue.NewSet(1, queue.DefaultPolicy(), nil)
	now := time.Now()
	for i := uint64(0); i < 6; i++ {
		pushReq(t, s, i, now, []int64{1})
	}

	d := f.Form(s, now)
	assert.True(d.Dispatch)
	assert.Len(d.Candidate, 4)
}

// A shape mismatch that blocks extension past a preferred size should also
// dispatch that preferred prefix immediately rather than waiting: the
// mismatched request can't join this batch regardless of how long the
// former waits.
func TestFormDispatchesPreferredPrefixWhenBlockedByShapeMismatch(t *testing.T) {
	assert := assert.New(t)

	f := New(config.ModelConstraints{
		DynamicBatchingEnabled: true,
		MaxBatchSize:           8,
		PreferredBatchSizes:    []int64{2, 4},
		MaxQueueDelay:          10 * time.Millisecond,
		EnforceEqualShapeTensors: []config.ShapeTensorSpec{
			{Name: "S"},
		},
	})

	s := queue.NewSet(1, queue.DefaultPolicy(), nil)
	now := time.Now()
	pushReq(t, s, 1, now, []int64{1})
	pushReq(t, s, 2, now, []int64{1})
	pushReq(t, s, 3, now, []int64{1})
	pushReq(t, s, 4, now, []int64{2}) // mismatched shape blocks extension past 3

	d := f.Form(s, now)
	assert.True(d.Dispatch)
	assert.Len(d.Candidate, 2)
}

func TestFormDispatchesAtMaxBatchSizeEvenWithoutPreferredMatch(t *testing.T) {
	assert := assert.New(t)

	f := New(config.ModelConstraints{
		DynamicBatchingEnabled: true,
		MaxBatchSize:           2,
		PreferredBatchSizes:    []int64{5},
		MaxQueueDelay:          time.Hour,
	})

	s := queue.NewSet(1, queue.DefaultPolicy(), nil)
	now := time.Now()
	pushReq(t, s, 1, now, []int64{1})
	pushReq(t, s, 2, now, []int64{1})

	d := f.Form(s, now)
	assert.True(d.Dispatch)
	assert.Len(d.Candidate, 2)
}
