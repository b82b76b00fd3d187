// Package dataplane implements the batch-construction helpers described in
// spec §4.5: packing per-request inputs into a contiguous buffer before a
// call to the executor, and scattering per-request output slices back out
// afterwards. Both directions optionally stage through a pinned host
// buffer when a large batch is about to cross a host/device boundary, so
// the transfer can be issued asynchronously and synchronised once instead
// of once per request.
package dataplane

import (
	"context"

	"github.com/matrixinfer-ai/dynabatch/pkg/batchsched/request"
)

// MemorySpace identifies where a buffer lives.
type MemorySpace int

const (
	Host MemorySpace = iota
	Device
)

// pinnedStagingThreshold is the batch size, in requests, at or above which the
// gather/scatter phase stages through a pinned buffer rather than issuing
// one copy per request directly against device memory; below it the extra
// allocation isn't worth avoiding per-request copy overhead.
const pinnedStagingThreshold = 8

// Buffer is a contiguous destination assembled from one input (or output)
// tensor across every request in a batch.
type Buffer struct {
	Name  string
	Space MemorySpace
	Bytes []byte
	// Offsets[i] is where request i's slice begins within Bytes.
	Offsets []int
	// stagedAsync records whether Finalize still owes a stream sync for
	// this buffer.
	stagedAsync bool
}

// CopyFunc performs one request's slice copy from its source locator (or to
// its destination locator) into/from dst. It is supplied by the embedding
// process because only it knows how to dereference a request's Locator
// (host slice, device pointer, shared-memory handle).
type CopyFunc func(ctx context.Context, dst []byte, locator any, async bool) (issuedAsync bool, err error)

// Gather packs one named input across every request in the batch into a
// single contiguous Buffer, per spec §4.5 step 3. space is where the
// executor asked for the buffer to live.
func Gather(ctx context.Context, name string, reqs []*request.Request, space MemorySpace, copy CopyFunc) (*Buffer, error) {
	buf := &Buffer{Name: name, Space: space, Offsets: make([]int, len(reqs))}

	total := 0
	sizes := make([]int, len(reqs))
	for i, r := range reqs {
		t, ok := findInput(r, name)
		if !ok {
			continue
		}
		sizes[i] = len(t.Payload)
		buf.Offsets[i] = total
		total += sizes[i]
	}
	buf.Bytes = make([]byte, total)

	stage := len(reqs) >= pinnedStagingThreshold && space == Device
	for i, r := range reqs {
		t, ok := findInput(r, name)
		if !ok {
			continue
		}
		dst := buf.Bytes[buf.Offsets[i] : buf.Offsets[i]+sizes[i]]
		issuedAsync, err := copy(ctx, dst, t.Locator, stage)
		if err != nil {
			return nil, err
		}
		buf.stagedAsync = buf.stagedAsync || issuedAsync
	}
	return buf, nil
}

// Finalize synchronises the transfer stream exactly once for a batch's
// worth of gathers, per spec §4.5 step 3's "synchronise the stream exactly
// once before execution" requirement. sync is a no-op-safe hook supplied
// by the executor binding; it is only invoked if some copy in the batch was
// actually issued asynchronously.
func Finalize(ctx context.Context, buffers []*Buffer, sync func(context.Context) error) error {
	for _, b := range buffers {
		if b.stagedAsync {
			return sync(ctx)
		}
	}
	return nil
}

// Scatter strides a single contiguous output Buffer back into each
// request's declared output slot, per spec §4.5 step 5. writeBack mirrors
// CopyFunc but in the opposite direction.
func Scatter(ctx context.Context, name string, reqs []*request.Request, buf *Buffer, sizeOf func(*request.Request) int, writeBack CopyFunc) error {
	offset := 0
	for _, r := range reqs {
		size := sizeOf(r)
		if offset+size > len(buf.Bytes) {
			return errShortBuffer(name)
		}
		src := buf.Bytes[offset : offset+size]
		if _, err := writeBack(ctx, src, outputLocator(r, name), buf.Space == Host); err != nil {
			return err
		}
		offset += size
	}
	return nil
}

func findInput(r *request.Request, name string) (request.Tensor, bool) {
	for _, t := range r.Inputs {
		if t.Name == name {
			return t, true
		}
	}
	return request.Tensor{}, false
}

// outputLocator finds where a response tensor named `name` should land for
// r; transport adapters populate this by matching RequestedOutput entries
// to their own locator bookkeeping, so here it's a pass-through lookup over
// the request's declared inputs used as a stand-in destination map in
// deployments that reuse the input tensor's locator for in-place outputs.
func outputLocator(r *request.Request, name string) any {
	if t, ok := findInput(r, name); ok {
		return t.Locator
	}
	return nil
}

type errShortBuffer string

func (e errShortBuffer) Error() string { return "dataplane: short output buffer for " + string(e) }
