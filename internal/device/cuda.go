//go:build cuda

package device

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/samcharles93/batchd/internal/device/native"
	"github.com/samcharles93/batchd/internal/tensor"
)

const eventPollInterval = 50 * time.Microsecond

func cudaAvailable() bool {
	n, err := native.DeviceCount()
	return err == nil && n > 0
}

// cudaDevice issues transfers on one non-blocking stream per accelerator.
type cudaDevice struct {
	index int

	mu     sync.Mutex
	stream native.Stream
	closed bool
}

type cudaStorage struct {
	host native.HostBuffer
	dev  native.DeviceBuffer
}

func openCUDA(index int) (Device, error) {
	n, err := native.DeviceCount()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= n {
		return nil, fmt.Errorf("cuda device %d out of range (have %d)", index, n)
	}
	d := &cudaDevice{index: index}
	err = d.bound(func() error {
		s, err := native.NewStream()
		d.stream = s
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// bound runs fn on a locked OS thread with this device current.
func (d *cudaDevice) bound(fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := native.SetDevice(d.index); err != nil {
		return err
	}
	return fn()
}

func (d *cudaDevice) Index() int   { return d.index }
func (d *cudaDevice) Kind() string { return CUDA }

func (d *cudaDevice) Pin(src *tensor.Tensor) (*tensor.Tensor, error) {
	if !src.OnHost() {
		return nil, fmt.Errorf("pin: source resides on device %d", src.Device)
	}
	pinned := src.Like(nil)
	if len(src.Data) == 0 {
		pinned.Storage = cudaStorage{}
		return pinned, nil
	}
	var host native.HostBuffer
	err := d.bound(func() error {
		var err error
		host, err = native.AllocHostPinned(int64(len(src.Data)))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pin %d bytes: %w", len(src.Data), err)
	}
	copy(host.Bytes(), src.Data)
	pinned.Data = host.Bytes()
	pinned.Storage = cudaStorage{host: host}
	return pinned, nil
}

func (d *cudaDevice) Upload(pinned *tensor.Tensor) (*tensor.Tensor, error) {
	st, ok := pinned.Storage.(cudaStorage)
	if !ok {
		return nil, fmt.Errorf("upload: tensor was not pinned by a cuda device")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if st.host.Size() > 0 {
		err := d.bound(func() error {
			buf, err := native.AllocDevice(st.host.Size())
			if err != nil {
				return err
			}
			if err := native.MemcpyH2DAsync(buf, st.host, d.stream); err != nil {
				_ = buf.Free()
				return err
			}
			st.dev = buf
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("upload: %w", err)
		}
	}
	out := pinned.Like(nil)
	out.Device = d.index
	out.Storage = st
	return out, nil
}

func (d *cudaDevice) NewEvent() (Event, error) {
	var ev native.Event
	err := d.bound(func() error {
		var err error
		ev, err = native.NewEvent()
		return err
	})
	if err != nil {
		return nil, err
	}
	ce := &cudaEvent{ev: ev}
	runtime.AddCleanup(ce, func(e native.Event) { _ = e.Destroy() }, ev)
	return ce, nil
}

func (d *cudaDevice) Record(ev Event) error {
	ce, ok := ev.(*cudaEvent)
	if !ok {
		return fmt.Errorf("record: %T is not a cuda event", ev)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.bound(func() error { return ce.ev.Record(d.stream) })
}

// Free releases the device allocation and the pinned staging buffer that fed it.
func (d *cudaDevice) Free(t *tensor.Tensor) error {
	st, ok := t.Storage.(cudaStorage)
	if !ok {
		return nil
	}
	t.Storage = nil
	if st.host.Size() == 0 && st.dev.Size() == 0 {
		return nil
	}
	return d.bound(func() error {
		errDev := st.dev.Free()
		errHost := st.host.Free()
		if errDev != nil {
			return errDev
		}
		return errHost
	})
}

func (d *cudaDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.bound(func() error {
		if err := d.stream.Synchronize(); err != nil {
			return err
		}
		return d.stream.Destroy()
	})
}

type cudaEvent struct {
	ev native.Event
}

func (e *cudaEvent) Wait(ctx context.Context) error {
	ticker := time.NewTicker(eventPollInterval)
	defer ticker.Stop()
	for {
		ready, err := e.ev.Query()
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *cudaEvent) Ready() bool {
	ready, err := e.ev.Query()
	return err == nil && ready
}
