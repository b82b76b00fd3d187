package dataplane

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/request"
)

func copyFromLocator(ctx context.Context, dst []byte, locator any, async bool) (bool, error) {
	copy(dst, locator.([]byte))
	return async, nil
}

func TestGatherPacksContiguously(t *testing.T) {
	assert := assert.New(t)

	reqs := []*request.Request{
		request.New("a", 0, []request.Tensor{{Name: "x", Payload: []byte{1, 2}, Locator: []byte{1, 2}}}, nil, func(request.Response) {}),
		request.New("b", 0, []request.Tensor{{Name: "x", Payload: []byte{3, 4, 5}, Locator: []byte{3, 4, 5}}}, nil, func(request.Response) {}),
	}

	buf, err := Gather(context.Background(), "x", reqs, Host, copyFromLocator)
	assert.NoError(err)
	assert.Equal([]byte{1, 2, 3, 4, 5}, buf.Bytes)
	assert.Equal([]int{0, 2}, buf.Offsets)
}

func TestGatherStagesAsyncAtThresholdOnlyOnDevice(t *testing.T) {
	assert := assert.New(t)

	reqs := make([]*request.Request, pinnedStagingThreshold)
	for i := range reqs {
		reqs[i] = request.New("r", 0, []request.Tensor{{Name: "x", Payload: []byte{byte(i)}, Locator: []byte{byte(i)}}}, nil, func(request.Response) {})
	}

	buf, err := Gather(context.Background(), "x", reqs, Device, copyFromLocator)
	assert.NoError(err)
	assert.True(buf.stagedAsync)

	buf, err = Gather(context.Background(), "x", reqs, Host, copyFromLocator)
	assert.NoError(err)
	assert.False(buf.stagedAsync, "host destinations never stage")
}

func TestFinalizeSyncsOnlyWhenSomethingStaged(t *testing.T) {
	assert := assert.New(t)

	synced := 0
	sync := func(context.Context) error { synced++; return nil }

	err := Finalize(context.Background(), []*Buffer{{stagedAsync: false}}, sync)
	assert.NoError(err)
	assert.Equal(0, synced)

	err = Finalize(context.Background(), []*Buffer{{stagedAsync: false}, {stagedAsync: true}}, sync)
	assert.NoError(err)
	assert.Equal(1, synced)
}

func TestScatterStridesOutputsBackToEachRequest(t *testing.T) {
	assert := assert.New(t)

	reqs := []*request.Request{
		request.New("a", 0, []request.Tensor{{Name: "x", Locator: make([]byte, 2)}}, nil, func(request.Response) {}),
		request.New("b", 0, []request.Tensor{{Name: "x", Locator: make([]byte, 3)}}, nil, func(request.Response) {}),
	}

	buf := &Buffer{Space: Host, Bytes: []byte{9, 9, 7, 7, 7}}
	writeBack := func(ctx context.Context, src []byte, locator any, async bool) (bool, error) {
		copy(locator.([]byte), src)
		return false, nil
	}

	err := Scatter(context.Background(), "x", reqs, buf, func(r *request.Request) int {
		return len(r.Inputs[0].Locator.([]byte))
	}, writeBack)
	assert.NoError(err)

	assert.Equal([]byte{9, 9}, reqs[0].Inputs[0].Locator.([]byte))
	assert.Equal([]byte{7, 7, 7}, reqs[1].Inputs[0].Locator.([]byte))
}
