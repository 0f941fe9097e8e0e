package admission

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Limiter is an Authority with a fixed capacity per device, measured in
// whatever unit callers pass as size (the batcher uses item counts).
type Limiter struct {
	capacity int64
	sems     []*semaphore.Weighted
	inUse    []atomic.Int64
}

// NewLimiter creates a limiter for devices accelerators with capacity units each.
func NewLimiter(devices int, capacity int64) *Limiter {
	if devices < 1 {
		devices = 1
	}
	l := &Limiter{
		capacity: capacity,
		sems:     make([]*semaphore.Weighted, devices),
		inUse:    make([]atomic.Int64, devices),
	}
	for i := range l.sems {
		l.sems[i] = semaphore.NewWeighted(capacity)
	}
	return l
}

// Capacity is the per-device limit.
func (l *Limiter) Capacity() int64 { return l.capacity }

// InUse reports the units currently reserved on device.
func (l *Limiter) InUse(device int) int64 {
	if device < 0 || device >= len(l.inUse) {
		return 0
	}
	return l.inUse[device].Load()
}

func (l *Limiter) Occupy(ctx context.Context, device int, size int64, wait time.Duration) (*Guard, error) {
	if device < 0 || device >= len(l.sems) {
		return nil, fmt.Errorf("%w: device %d out of range [0,%d)", ErrDenied, device, len(l.sems))
	}
	if size <= 0 {
		size = 1
	}
	if size > l.capacity {
		return nil, fmt.Errorf("%w: request of %d exceeds device capacity %d", ErrDenied, size, l.capacity)
	}

	sem := l.sems[device]
	if wait <= 0 {
		if !sem.TryAcquire(size) {
			return nil, fmt.Errorf("%w: device %d has %d/%d in use", ErrDenied, device, l.InUse(device), l.capacity)
		}
	} else {
		wctx, cancel := context.WithTimeout(ctx, wait)
		err := sem.Acquire(wctx, size)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("%w: device %d still full after %s", ErrDenied, device, wait)
			}
			return nil, fmt.Errorf("%w: %w", ErrDenied, err)
		}
	}

	l.inUse[device].Add(size)
	return NewGuard(device, size, func() {
		l.inUse[device].Add(-size)
		sem.Release(size)
	}), nil
}
