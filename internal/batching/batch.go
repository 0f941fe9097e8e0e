package batching

import (
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/samcharles93/batchd/internal/admission"
	"github.com/samcharles93/batchd/internal/device"
	"github.com/samcharles93/batchd/internal/tensor"
)

// noCopy trips go vet's copylocks check when a Batch is copied by value.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Batch is a cut, merged and uploaded group of requests handed to callbacks.
//
// A Batch is shared by pointer and never copied. It owns its admission guard
// and device buffers; both are released when the last reference is dropped.
// Callbacks that keep the batch past their return must Retain it first and
// Release it when done.
type Batch struct {
	_ noCopy

	id        ulid.ULID
	shard     int
	items     int
	inputs    map[string]*tensor.Tensor
	features  map[string]*tensor.Tensor
	contexts  []*RequestContext
	event     device.Event
	guard     *admission.Guard
	createdAt time.Time

	refs     atomic.Int32
	finalize func(*Batch)
}

func (b *Batch) ID() ulid.ULID { return b.id }

// Shard is the index of the shard (and device) the batch was formed for.
func (b *Batch) Shard() int { return b.shard }

// Items is the total item count across all contexts.
func (b *Batch) Items() int { return b.items }

// Bytes is the total size of the merged buffers.
func (b *Batch) Bytes() int64 {
	var n int64
	for _, t := range b.features {
		n += int64(t.Bytes())
	}
	return n
}

// FeatureNames lists the merged features in sorted order.
func (b *Batch) FeatureNames() []string {
	return slices.Sorted(maps.Keys(b.features))
}

// Feature returns the device-resident merged tensor. Its contents are only
// valid once Event has fired.
func (b *Batch) Feature(name string) *tensor.Tensor { return b.features[name] }

// Input returns the merged host tensor the upload was made from.
func (b *Batch) Input(name string) *tensor.Tensor { return b.inputs[name] }

// Contexts returns the request contexts in batch order.
func (b *Batch) Contexts() []*RequestContext { return slices.Clone(b.contexts) }

// Event fires once every feature has reached the device.
func (b *Batch) Event() device.Event { return b.event }

// Guard is the admission reservation held by the batch, or nil.
func (b *Batch) Guard() *admission.Guard { return b.guard }

func (b *Batch) CreatedAt() time.Time { return b.createdAt }

// Retain adds a reference. It must not be called after the final Release.
func (b *Batch) Retain() *Batch {
	if b.refs.Add(1) <= 1 {
		panic("batching: retain of a released batch")
	}
	return b
}

// Release drops a reference. The final release frees device buffers,
// releases the admission guard and fails any context left unresolved.
func (b *Batch) Release() {
	switch n := b.refs.Add(-1); {
	case n == 0:
		if b.finalize != nil {
			b.finalize(b)
		}
	case n < 0:
		panic("batching: batch released too many times")
	}
}

// Released reports whether the final reference has been dropped.
func (b *Batch) Released() bool { return b.refs.Load() <= 0 }
