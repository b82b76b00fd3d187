package request

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDispatchIsSingleOwnership(t *testing.T) {
	assert := assert.New(t)

	r := New("c1", 0, []Tensor{{Name: "x", Shape: []int64{1}}}, nil, func(Response) {})

	assert.True(r.Dispatch(time.Now()))
	assert.False(r.Dispatch(time.Now()), "a second dispatch must be rejected")
}

func TestRespondIsOneShot(t *testing.T) {
	assert := assert.New(t)

	var got []Response
	r := New("c1", 0, nil, nil, func(resp Response) {
		got = append(got, resp)
	})

	r.Respond(Response{Outputs: []Tensor{{Name: "y"}}})
	r.Respond(Response{Err: NewError(ErrorInternal, "should never be delivered")})

	assert.Len(got, 1)
	assert.Equal("y", got[0].Outputs[0].Name)
}

func TestAbortIsIdempotentAcrossDispatchRace(t *testing.T) {
	assert := assert.New(t)

	var got Response
	fired := 0
	r := New("c1", 0, nil, nil, func(resp Response) {
		fired++
		got = resp
	})

	now := time.Now()
	assert.True(r.Dispatch(now))
	// A timeout sweep racing a dispatch must not double-deliver.
	r.Abort(NewError(ErrorTimeout, "too slow"))
	r.Respond(Response{Outputs: []Tensor{{Name: "late"}}})

	assert.Equal(1, fired)
	assert.Equal(ErrorTimeout, got.Err.Kind)
}

func TestEffectiveDeadlinePrefersOverrideWhenAllowed(t *testing.T) {
	assert := assert.New(t)

	now := time.Now()
	r := New("c1", 0, nil, nil, func(Response) {})
	r.EnqueueTime = now
	r.WithDeadline(now.Add(2 * time.Second))

	d, ok := r.EffectiveDeadline(10*time.Second, true)
	assert.True(ok)
	assert.WithinDuration(now.Add(2*time.Second), d, time.Millisecond)

	d, ok = r.EffectiveDeadline(10*time.Second, false)
	assert.True(ok)
	assert.WithinDuration(now.Add(10*time.Second), d, time.Millisecond)
}

func TestEffectiveDeadlineNoneWhenUnset(t *testing.T) {
	assert := assert.New(t)

	r := New("c1", 0, nil, nil, func(Response) {})
	_, ok := r.EffectiveDeadline(0, true)
	assert.False(ok)
}

func TestBatchDimDefaultsToOneForScalarShape(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(int64(1), Tensor{}.BatchDim())
	assert.Equal(int64(4), Tensor{Shape: []int64{4, 128}}.BatchDim())
}

func TestValidateRejectsRequestWithNoInputs(t *testing.T) {
	assert := assert.New(t)

	r := New("c1", 0, nil, nil, func(Response) {})
	err := r.Validate(nil)
	assert.NotNil(err)
	assert.Equal(ErrorValidation, err.Kind)
}

func TestValidateRejectsUnnamedTensor(t *testing.T) {
	assert := assert.New(t)

	r := New("c1", 0, []Tensor{{DType: "float32", Shape: []int64{1}, Payload: make([]byte, 4)}}, nil, func(Response) {})
	err := r.Validate(nil)
	assert.NotNil(err)
	assert.Equal(ErrorValidation, err.Kind)
}

func TestValidateRejectsUnknownDType(t *testing.T) {
	assert := assert.New(t)

	r := New("c1", 0, []Tensor{{Name: "x", DType: "complex128", Shape: []int64{1}, Payload: make([]byte, 16)}}, nil, func(Response) {})
	err := r.Validate(nil)
	assert.NotNil(err)
	assert.Equal(ErrorValidation, err.Kind)
}

func TestValidateRejectsByteCountMismatch(t *testing.T) {
	assert := assert.New(t)

	r := New("c1", 0, []Tensor{{Name: "x", DType: "float32", Shape: []int64{2, 3}, Payload: make([]byte, 20)}}, nil, func(Response) {})
	err := r.Validate(nil)
	assert.NotNil(err)
	assert.Equal(ErrorValidation, err.Kind)
}

func TestValidateAcceptsSelfConsistentTensor(t *testing.T) {
	assert := assert.New(t)

	r := New("c1", 0, []Tensor{{Name: "x", DType: "float32", Shape: []int64{2, 3}, Payload: make([]byte, 24)}}, nil, func(Response) {})
	assert.Nil(r.Validate(nil))
}

func TestValidateRejectsMissingDeclaredInput(t *testing.T) {
	assert := assert.New(t)

	r := New("c1", 0, []Tensor{{Name: "x", DType: "float32", Shape: []int64{1}, Payload: make([]byte, 4)}}, nil, func(Response) {})
	declared := []DeclaredInput{{Name: "x", DType: "float32"}, {Name: "y", DType: "int32"}}

	err := r.Validate(declared)
	assert.NotNil(err)
	assert.Equal(ErrorValidation, err.Kind)
}

func TestValidateRejectsDeclaredInputDTypeMismatch(t *testing.T) {
	assert := assert.New(t)

	r := New("c1", 0, []Tensor{{Name: "x", DType: "int32", Shape: []int64{1}, Payload: make([]byte, 4)}}, nil, func(Response) {})
	declared := []DeclaredInput{{Name: "x", DType: "float32"}}

	err := r.Validate(declared)
	assert.NotNil(err)
	assert.Equal(ErrorValidation, err.Kind)
}

func TestValidateAcceptsRequestMatchingDeclaredSchema(t *testing.T) {
	assert := assert.New(t)

	r := New("c1", 0, []Tensor{{Name: "x", DType: "float32", Shape: []int64{1}, Payload: make([]byte, 4)}}, nil, func(Response) {})
	declared := []DeclaredInput{{Name: "x", DType: "float32"}}

	assert.Nil(r.Validate(declared))
}
