// Package request defines the immutable header and mutable lifecycle state
// for a single inference call as it moves through the batching scheduler.
//
// A Request is constructed by the transport adapter with every immutable
// field set, handed to the scheduler's queue, and eventually transferred to
// exactly one runner for dispatch. Ownership is enforced by a single
// dispatch flag: once Dispatch() has returned true, only the calling
// runner may mutate timing fields or invoke Respond.
package request

import (
	"sync/atomic"
	"time"
)

// Tensor is a named input or output tensor. Payload holds the tensor's bytes,
// which validation, the batch former and the runner read directly; Locator is
// an opaque handle (host buffer, device pointer, shared-memory handle)
// understood by the data-plane copy functions.
type Tensor struct {
	Name    string
	DType   string
	Shape   []int64
	Payload []byte // for shape tensors this holds the tensor's value bytes
	Locator any    // opaque source/destination handle for the data plane
}

// BatchDim returns the leading dimension of the tensor, defaulting to 1
// when the shape is empty (scalar / non-batchable tensor).
func (t Tensor) BatchDim() int64 {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// dtypeSize maps the tensor element types the scheduler understands to
// their size in bytes. A dtype absent from this map fails validation as
// unknown, per spec §4.2.
var dtypeSize = map[string]int64{
	"float64":  8,
	"float32":  4,
	"float16":  2,
	"bfloat16": 2,
	"int64":    8,
	"int32":    4,
	"int16":    2,
	"int8":     1,
	"uint8":    1,
	"bool":     1,
}

// expectedBytes returns the byte count implied by t's declared dtype and
// shape, or false if the dtype is unrecognised.
func (t Tensor) expectedBytes() (int64, bool) {
	size, ok := dtypeSize[t.DType]
	if !ok {
		return 0, false
	}
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n * size, true
}

// DeclaredInput describes one input tensor a model expects, per its
// declared schema. When a scheduler is configured with a non-empty list of
// these, Validate checks that every declared input is present with a
// matching dtype, realising the "names present, dtypes match" half of spec
// §4.4's enqueue-time validation that self-consistency checking alone can't
// cover.
type DeclaredInput struct {
	Name  string `yaml:"name"`
	DType string `yaml:"dtype"`
}

// ErrorKind classifies why a request was not served normally. See spec §7.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorValidation
	ErrorQueueFull
	ErrorTimeout
	ErrorExecutor
	ErrorShutdown
	ErrorInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorValidation:
		return "ValidationError"
	case ErrorQueueFull:
		return "QueueFull"
	case ErrorTimeout:
		return "Timeout"
	case ErrorExecutor:
		return "ExecutorError"
	case ErrorShutdown:
		return "Shutdown"
	case ErrorInternal:
		return "Internal"
	default:
		return "None"
	}
}

// Error is a structured scheduler error carrying a kind alongside the
// human-readable message, so sinks can branch on it without string
// matching.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.Msg }

// NewError builds a Error of the given kind.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Response is what a Sink receives: either output tensors or an error, never
// both.
type Response struct {
	Outputs []Tensor
	Err     *Error
}

// Sink is the one-shot, thread-safe callback that delivers a Request's
// final Response. The transport adapter owns it; the scheduler and runner
// only ever call it, exactly once, from Request.Respond.
type Sink func(Response)

// Request is one inference call in flight through the scheduler.
//
// The header fields (ID through RequestedOutput) are set by the time the
// request is enqueued and are not changed afterwards. Timing fields are only ever written by the code path that currently owns
// the request (the queue while pending, the runner after dispatch).
type Request struct {
	ID              uint64
	CorrelationID   string
	Priority        int // 0 = default / unspecified
	Deadline        time.Time
	DeadlineIsSet   bool
	Inputs          []Tensor
	RequestedOutput []string

	EnqueueTime time.Time

	sink       Sink
	responded  atomic.Bool
	dispatched atomic.Bool

	dequeueTime  time.Time
	completeTime time.Time
}

// New constructs a pending Request. sink must be non-nil and safe to call
// from any goroutine.
func New(correlationID string, priority int, inputs []Tensor, requestedOutputs []string, sink Sink) *Request {
	return &Request{
		CorrelationID:   correlationID,
		Priority:        priority,
		Inputs:          inputs,
		RequestedOutput: requestedOutputs,
		sink:            sink,
	}
}

// WithDeadline attaches an absolute deadline, overriding the queue level's
// default timeout when the level allows overrides.
func (r *Request) WithDeadline(d time.Time) *Request {
	r.Deadline = d
	r.DeadlineIsSet = true
	return r
}

// RecordQueueEntry stamps the request as having entered the queue at t and
// assigns its monotonic id.
func (r *Request) RecordQueueEntry(id uint64, t time.Time) {
	r.ID = id
	r.EnqueueTime = t
}

// Dispatch marks the request as taken by a runner. It returns false if the
// request was already dispatched (or aborted), in which case the caller
// must not proceed to run it. This is the single ownership-transfer point
// described in spec §4.1.
func (r *Request) Dispatch(now time.Time) bool {
	if r.responded.Load() || !r.dispatched.CompareAndSwap(false, true) {
		return false
	}
	r.dequeueTime = now
	return true
}

// QueueWait returns how long the request waited between enqueue and
// dispatch. Only meaningful after Dispatch has returned true.
func (r *Request) QueueWait() time.Duration {
	if r.dequeueTime.IsZero() {
		return 0
	}
	return r.dequeueTime.Sub(r.EnqueueTime)
}

// RecordComplete stamps the completion time; called by the runner right
// before handing the response to the sink (directly or via the orderer).
func (r *Request) RecordComplete(now time.Time) {
	r.completeTime = now
}

// Latency returns end-to-end time from enqueue to completion. Zero until
// RecordComplete has been called.
func (r *Request) Latency() time.Duration {
	if r.completeTime.IsZero() {
		return 0
	}
	return r.completeTime.Sub(r.EnqueueTime)
}

// Respond delivers resp to the sink exactly once. Subsequent calls
// (including a late executor completion racing a timeout) are no-ops, so
// callers never need to guard against double delivery themselves.
func (r *Request) Respond(resp Response) {
	if !r.responded.CompareAndSwap(false, true) {
		return
	}
	r.sink(resp)
}

// Abort drops the request with an error response. It is idempotent and
// safe whether or not the request has been dispatched: a request the
// former never selected can be aborted straight out of the queue, and a
// timeout sweep can race an in-flight dispatch without double-delivering.
func (r *Request) Abort(err *Error) {
	r.Respond(Response{Err: err})
}

// Validate checks r against the model's input schema, per spec §4.4: every
// input must carry a name and a recognised dtype, and its payload must be
// exactly as long as its declared shape and dtype imply. When declared is
// non-empty, Validate also checks that every declared input is present in
// r.Inputs with a matching dtype; when declared is empty (a model running
// without a configured schema) this half of the check is skipped, since
// there is nothing to check names and dtypes against.
func (r *Request) Validate(declared []DeclaredInput) *Error {
	if len(r.Inputs) == 0 {
		return NewError(ErrorValidation, "request has no input tensors")
	}
	for _, t := range r.Inputs {
		if t.Name == "" {
			return NewError(ErrorValidation, "input tensor missing a name")
		}
		want, ok := t.expectedBytes()
		if !ok {
			return NewError(ErrorValidation, "input "+t.Name+" has unknown dtype "+t.DType)
		}
		if int64(len(t.Payload)) != want {
			return NewError(ErrorValidation, "input "+t.Name+" byte count does not match its declared shape")
		}
	}
	for _, d := range declared {
		t, ok := findInputByName(r.Inputs, d.Name)
		if !ok {
			return NewError(ErrorValidation, "request is missing declared input "+d.Name)
		}
		if t.DType != d.DType {
			return NewError(ErrorValidation, "input "+d.Name+" has dtype "+t.DType+", model declares "+d.DType)
		}
	}
	return nil
}

func findInputByName(inputs []Tensor, name string) (Tensor, bool) {
	for _, t := range inputs {
		if t.Name == name {
			return t, true
		}
	}
	return Tensor{}, false
}

// EffectiveDeadline resolves the deadline that governs this request given
// the level's default timeout, honouring allowOverride per spec §4.2.
func (r *Request) EffectiveDeadline(levelDefault time.Duration, allowOverride bool) (time.Time, bool) {
	if r.DeadlineIsSet && allowOverride {
		return r.Deadline, true
	}
	if levelDefault > 0 {
		return r.EnqueueTime.Add(levelDefault), true
	}
	if r.DeadlineIsSet {
		return r.Deadline, true
	}
	return time.Time{}, false
}
