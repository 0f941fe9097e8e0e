// Package admission bounds how much batched work may be resident on each
// device at once.
package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDenied is returned when capacity could not be reserved.
var ErrDenied = errors.New("admission denied")

// Authority grants capacity reservations. Implementations must be safe for
// concurrent use by every pinning worker.
type Authority interface {
	// Occupy reserves size units on device. With wait == 0 it never blocks;
	// otherwise it waits at most wait for capacity to free up.
	Occupy(ctx context.Context, device int, size int64, wait time.Duration) (*Guard, error)
}

// noCopy trips go vet's copylocks check when a Guard is copied by value.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Guard is one capacity reservation. It must be passed by pointer and
// released exactly once; further Release calls are no-ops.
type Guard struct {
	_ noCopy

	device   int
	size     int64
	release  func()
	once     sync.Once
	released atomic.Bool
}

// NewGuard wraps release so that it runs at most once.
func NewGuard(device int, size int64, release func()) *Guard {
	return &Guard{device: device, size: size, release: release}
}

func (g *Guard) Device() int { return g.device }
func (g *Guard) Size() int64 { return g.size }

// Release returns the reserved capacity.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		g.released.Store(true)
		if g.release != nil {
			g.release()
		}
	})
}

// Released reports whether Release has run.
func (g *Guard) Released() bool {
	return g != nil && g.released.Load()
}
