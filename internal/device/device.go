// Package device stages batched buffers in pinned host memory and moves them
// to accelerator memory on an asynchronous per-device stream.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/batchd/internal/tensor"
)

const (
	CPU  = "cpu"
	CUDA = "cuda"
	Auto = "auto"
)

// ErrClosed is returned by operations on a closed device.
var ErrClosed = errors.New("device closed")

// Event marks a point in a device's transfer stream. It fires once every
// operation issued before it was recorded has completed.
type Event interface {
	// Wait blocks until the event fires or ctx is done.
	Wait(ctx context.Context) error
	// Ready polls the event without blocking.
	Ready() bool
}

// EventFactory creates an unrecorded event for the device with the given index.
type EventFactory func(device int) (Event, error)

// Device is one accelerator (or the host standing in for one).
//
// Pin, Upload and Record are never called concurrently on one device; Upload
// returns immediately and the returned tensor must not be read until an
// Event recorded after it has fired.
type Device interface {
	Index() int
	Kind() string
	// Pin copies src into page-locked staging memory.
	Pin(src *tensor.Tensor) (*tensor.Tensor, error)
	// Upload enqueues a host-to-device copy of a pinned tensor. On success
	// the pinned tensor is consumed; on error it still belongs to the caller
	// and must be released with Free.
	Upload(pinned *tensor.Tensor) (*tensor.Tensor, error)
	// NewEvent creates an event usable with Record on this device.
	NewEvent() (Event, error)
	// Record marks the current tail of the transfer stream on ev.
	Record(ev Event) error
	// Free releases memory owned by a tensor returned from Upload, or by a
	// pinned tensor that was never uploaded.
	Free(t *tensor.Tensor) error
	Close() error
}

// Normalize validates a device kind name.
func Normalize(name string) (string, error) {
	kind := strings.ToLower(strings.TrimSpace(name))
	if kind == "" {
		return Auto, nil
	}
	switch kind {
	case CPU, CUDA, Auto:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown device %q (expected auto, cpu, or cuda)", kind)
	}
}

// Available returns a comma-separated list of device kinds usable in this build.
func Available() string {
	entries := []string{CPU}
	if cudaAvailable() {
		entries = append(entries, CUDA)
	}
	return strings.Join(entries, ",")
}

// Open creates the device with the given index. "auto" prefers CUDA when the
// build and the machine support it.
func Open(kind string, index int, streamDepth int) (Device, error) {
	kind, err := Normalize(kind)
	if err != nil {
		return nil, err
	}
	switch kind {
	case CPU:
		return NewHost(index, streamDepth), nil
	case CUDA:
		return openCUDA(index)
	default:
		if cudaAvailable() {
			if d, err := openCUDA(index); err == nil {
				return d, nil
			}
		}
		return NewHost(index, streamDepth), nil
	}
}

// OpenAll opens n devices of the same kind, closing any already opened on failure.
func OpenAll(kind string, n int, streamDepth int) ([]Device, error) {
	out := make([]Device, 0, n)
	for i := range n {
		d, err := Open(kind, i, streamDepth)
		if err != nil {
			for _, prev := range out {
				_ = prev.Close()
			}
			return nil, fmt.Errorf("open %s device %d: %w", kind, i, err)
		}
		out = append(out, d)
	}
	return out, nil
}
