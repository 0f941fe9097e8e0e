package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/samcharles93/batchd/internal/tensor"
)

const defaultStreamDepth = 64

// Host emulates an accelerator in host memory. Copies are executed in order
// by a dedicated stream goroutine so that callers observe the same
// asynchronous contract as a real device.
type Host struct {
	index int

	mu     sync.RWMutex
	closed bool
	jobs   chan func()
	done   chan struct{}
}

// NewHost starts a host device whose stream buffers up to depth pending operations.
func NewHost(index int, depth int) *Host {
	if depth <= 0 {
		depth = defaultStreamDepth
	}
	h := &Host{
		index: index,
		jobs:  make(chan func(), depth),
		done:  make(chan struct{}),
	}
	go h.stream()
	return h
}

func (h *Host) stream() {
	defer close(h.done)
	for job := range h.jobs {
		job()
	}
}

func (h *Host) enqueue(job func()) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	h.jobs <- job
	return nil
}

func (h *Host) Index() int   { return h.index }
func (h *Host) Kind() string { return CPU }

func (h *Host) Pin(src *tensor.Tensor) (*tensor.Tensor, error) {
	if !src.OnHost() {
		return nil, fmt.Errorf("pin: source resides on device %d", src.Device)
	}
	buf, err := allocPinned(len(src.Data))
	if err != nil {
		return nil, fmt.Errorf("pin %d bytes: %w", len(src.Data), err)
	}
	copy(buf, src.Data)
	pinned := src.Like(buf)
	pinned.Storage = pinnedRegion{buf: buf}
	return pinned, nil
}

func (h *Host) Upload(pinned *tensor.Tensor) (*tensor.Tensor, error) {
	region, ok := pinned.Storage.(pinnedRegion)
	if !ok {
		return nil, fmt.Errorf("upload: tensor was not pinned by this device")
	}
	dst := make([]byte, len(region.buf))
	if err := h.enqueue(func() {
		copy(dst, region.buf)
		freePinned(region.buf)
	}); err != nil {
		return nil, err
	}
	out := pinned.Like(dst)
	out.Device = h.index
	return out, nil
}

func (h *Host) NewEvent() (Event, error) {
	return NewHostEvent(), nil
}

func (h *Host) Record(ev Event) error {
	he, ok := ev.(*HostEvent)
	if !ok {
		return fmt.Errorf("record: %T is not a host event", ev)
	}
	return h.enqueue(he.fire)
}

// Free unmaps a pinned tensor whose upload failed. Uploaded buffers are
// garbage collected.
func (h *Host) Free(t *tensor.Tensor) error {
	if region, ok := t.Storage.(pinnedRegion); ok {
		t.Storage = nil
		freePinned(region.buf)
	}
	return nil
}

// Close drains the stream and stops it. It is safe to call more than once.
func (h *Host) Close() error {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.jobs)
	}
	h.mu.Unlock()
	<-h.done
	return nil
}

type pinnedRegion struct {
	buf []byte
}

// HostEvent is the Event implementation used by Host devices.
type HostEvent struct {
	once sync.Once
	ch   chan struct{}
}

func NewHostEvent() *HostEvent {
	return &HostEvent{ch: make(chan struct{})}
}

func (e *HostEvent) fire() {
	e.once.Do(func() { close(e.ch) })
}

func (e *HostEvent) Wait(ctx context.Context) error {
	select {
	case <-e.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *HostEvent) Ready() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}
