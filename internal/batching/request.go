package batching

import (
	"time"

	"github.com/samcharles93/batchd/internal/tensor"
)

// Request is one caller's input. Features hold host tensors whose leading
// dimension normally equals BatchSize.
type Request struct {
	ID        string
	Features  map[string]*tensor.Tensor
	BatchSize int
}

// Response carries per-request outputs back to the caller.
type Response struct {
	Outputs map[string]*tensor.Tensor
}

// RequestContext travels with a request through the batch so results can be
// demultiplexed. Callers fill the exported fields; Offset and EnqueuedAt are
// set by the queue.
type RequestContext struct {
	RequestID string
	BatchSize int
	Slot      int
	Metadata  map[string]string

	// Offset is the index of this request's first item within its batch.
	Offset     int
	EnqueuedAt time.Time

	sink *sink
}

// Resolve delivers resp to the caller. Resolving a context twice panics.
func (c *RequestContext) Resolve(resp *Response) {
	c.sink.complete(resp, nil)
}

// Fail delivers err to the caller. Resolving a context twice panics.
func (c *RequestContext) Fail(err error) {
	if err == nil {
		err = newError(ErrUnanswered, c.RequestID, nil)
	}
	c.sink.complete(nil, err)
}

// Resolved reports whether the caller already has an outcome.
func (c *RequestContext) Resolved() bool {
	return c.sink != nil && c.sink.isDone()
}

// entry is a request waiting in the ingress queue or in a draft.
type entry struct {
	req      *Request
	rc       *RequestContext
	sink     *sink
	enqueued time.Time
}

func (e *entry) items() int { return e.rc.BatchSize }
