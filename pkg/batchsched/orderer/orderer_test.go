package orderer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/request"
)

func reqNamed(name string) *request.Request {
	return request.New(name, 0, nil, nil, func(request.Response) {})
}

func TestCompleteFlushesInOrderEvenWhenLaterBatchFinishesFirst(t *testing.T) {
	assert := assert.New(t)

	o := New()
	first := o.Reserve()
	second := o.Reserve()

	var emitted []string
	emit := func(r *request.Request) { emitted = append(emitted, r.CorrelationID) }

	// The second batch's runner finishes first.
	o.Complete(second, []*request.Request{reqNamed("b")}, emit)
	assert.Empty(emitted, "id 1 must wait for id 0")

	o.Complete(first, []*request.Request{reqNamed("a")}, emit)
	assert.Equal([]string{"a", "b"}, emitted)
}

func TestCompleteFlushesContiguousRunInOneCall(t *testing.T) {
	assert := assert.New(t)

	o := New()
	ids := make([]uint64, 3)
	for i := range ids {
		ids[i] = o.Reserve()
	}

	var emitted []string
	emit := func(r *request.Request) { emitted = append(emitted, r.CorrelationID) }

	o.Complete(ids[1], []*request.Request{reqNamed("b")}, emit)
	o.Complete(ids[2], []*request.Request{reqNamed("c")}, emit)
	assert.Empty(emitted)

	o.Complete(ids[0], []*request.Request{reqNamed("a")}, emit)
	assert.Equal([]string{"a", "b", "c"}, emitted)
}
