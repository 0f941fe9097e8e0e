//go:build cuda

// Package native is a thin cgo binding over the parts of the CUDA runtime the
// transfer path needs: streams, events, pinned host memory and async copies.
package native

/*
#cgo LDFLAGS: -lcudart

// Forward declarations so the build does not need the CUDA headers; the
// linker still requires libcudart when building with the cuda tag.
typedef void* cudaStream_t;
typedef void* cudaEvent_t;
typedef int cudaError_t;

extern const char* cudaGetErrorString(cudaError_t err);
extern cudaError_t cudaGetDeviceCount(int* count);
extern cudaError_t cudaSetDevice(int device);
extern cudaError_t cudaStreamCreateWithFlags(cudaStream_t* stream, unsigned int flags);
extern cudaError_t cudaStreamDestroy(cudaStream_t stream);
extern cudaError_t cudaStreamSynchronize(cudaStream_t stream);
extern cudaError_t cudaMalloc(void** ptr, unsigned long long size);
extern cudaError_t cudaFree(void* ptr);
extern cudaError_t cudaMemcpyAsync(void* dst, const void* src, unsigned long long size, int kind, cudaStream_t stream);
extern cudaError_t cudaMallocHost(void** ptr, unsigned long long size);
extern cudaError_t cudaFreeHost(void* ptr);
extern cudaError_t cudaEventCreateWithFlags(cudaEvent_t* event, unsigned int flags);
extern cudaError_t cudaEventRecord(cudaEvent_t event, cudaStream_t stream);
extern cudaError_t cudaEventQuery(cudaEvent_t event);
extern cudaError_t cudaEventSynchronize(cudaEvent_t event);
extern cudaError_t cudaEventDestroy(cudaEvent_t event);

#define BATCHD_CUDA_MEMCPY_HOST_TO_DEVICE 1
#define BATCHD_CUDA_STREAM_NON_BLOCKING 1
#define BATCHD_CUDA_EVENT_DISABLE_TIMING 2
#define BATCHD_CUDA_ERROR_NOT_READY 600

static const char* batchdCudaGetErrorString(int err) {
	return cudaGetErrorString((cudaError_t)err);
}

static int batchdCudaGetDeviceCount(int* out) {
	return (int)cudaGetDeviceCount(out);
}

static int batchdCudaSetDevice(int device) {
	return (int)cudaSetDevice(device);
}

static int batchdCudaStreamCreate(cudaStream_t* out) {
	return (int)cudaStreamCreateWithFlags(out, BATCHD_CUDA_STREAM_NON_BLOCKING);
}

static int batchdCudaStreamDestroy(cudaStream_t stream) {
	return (int)cudaStreamDestroy(stream);
}

static int batchdCudaStreamSynchronize(cudaStream_t stream) {
	return (int)cudaStreamSynchronize(stream);
}

static int batchdCudaMalloc(void** ptr, unsigned long long size) {
	return (int)cudaMalloc(ptr, size);
}

static int batchdCudaFree(void* ptr) {
	return (int)cudaFree(ptr);
}

static int batchdCudaMemcpyH2DAsync(void* dst, const void* src, unsigned long long size, cudaStream_t stream) {
	return (int)cudaMemcpyAsync(dst, src, size, BATCHD_CUDA_MEMCPY_HOST_TO_DEVICE, stream);
}

static int batchdCudaMallocHost(void** ptr, unsigned long long size) {
	return (int)cudaMallocHost(ptr, size);
}

static int batchdCudaFreeHost(void* ptr) {
	return (int)cudaFreeHost(ptr);
}

static int batchdCudaEventCreate(cudaEvent_t* out) {
	return (int)cudaEventCreateWithFlags(out, BATCHD_CUDA_EVENT_DISABLE_TIMING);
}

static int batchdCudaEventRecord(cudaEvent_t event, cudaStream_t stream) {
	return (int)cudaEventRecord(event, stream);
}

static int batchdCudaEventQuery(cudaEvent_t event) {
	return (int)cudaEventQuery(event);
}

static int batchdCudaEventSynchronize(cudaEvent_t event) {
	return (int)cudaEventSynchronize(event);
}

static int batchdCudaEventDestroy(cudaEvent_t event) {
	return (int)cudaEventDestroy(event);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

type Stream struct {
	ptr C.cudaStream_t
}

type Event struct {
	ptr C.cudaEvent_t
}

type DeviceBuffer struct {
	ptr  unsafe.Pointer
	size int64
}

type HostBuffer struct {
	ptr  unsafe.Pointer
	size int64
}

func DeviceCount() (int, error) {
	var count C.int
	if err := cudaErr(C.batchdCudaGetDeviceCount(&count)); err != nil {
		return 0, err
	}
	return int(count), nil
}

// SetDevice binds the calling OS thread to device. Callers must hold
// runtime.LockOSThread for the binding to be meaningful.
func SetDevice(device int) error {
	return cudaErr(C.batchdCudaSetDevice(C.int(device)))
}

func NewStream() (Stream, error) {
	var stream C.cudaStream_t
	if err := cudaErr(C.batchdCudaStreamCreate(&stream)); err != nil {
		return Stream{}, err
	}
	return Stream{ptr: stream}, nil
}

func (s Stream) Destroy() error {
	if s.ptr == nil {
		return nil
	}
	return cudaErr(C.batchdCudaStreamDestroy(s.ptr))
}

func (s Stream) Synchronize() error {
	if s.ptr == nil {
		return nil
	}
	return cudaErr(C.batchdCudaStreamSynchronize(s.ptr))
}

func AllocDevice(bytes int64) (DeviceBuffer, error) {
	if bytes <= 0 {
		return DeviceBuffer{}, fmt.Errorf("device alloc size must be > 0")
	}
	var ptr unsafe.Pointer
	if err := cudaErr(C.batchdCudaMalloc((*unsafe.Pointer)(&ptr), C.ulonglong(bytes))); err != nil {
		return DeviceBuffer{}, err
	}
	return DeviceBuffer{ptr: ptr, size: bytes}, nil
}

func (b DeviceBuffer) Free() error {
	if b.ptr == nil {
		return nil
	}
	return cudaErr(C.batchdCudaFree(b.ptr))
}

func (b DeviceBuffer) Ptr() unsafe.Pointer { return b.ptr }
func (b DeviceBuffer) Size() int64         { return b.size }

func AllocHostPinned(bytes int64) (HostBuffer, error) {
	if bytes <= 0 {
		return HostBuffer{}, fmt.Errorf("host alloc size must be > 0")
	}
	var ptr unsafe.Pointer
	if err := cudaErr(C.batchdCudaMallocHost((*unsafe.Pointer)(&ptr), C.ulonglong(bytes))); err != nil {
		return HostBuffer{}, err
	}
	return HostBuffer{ptr: ptr, size: bytes}, nil
}

func (b HostBuffer) Free() error {
	if b.ptr == nil {
		return nil
	}
	return cudaErr(C.batchdCudaFreeHost(b.ptr))
}

// Bytes views the pinned allocation as a Go slice. The slice is invalid after Free.
func (b HostBuffer) Bytes() []byte {
	if b.ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(b.ptr), b.size)
}

func MemcpyH2DAsync(dst DeviceBuffer, src HostBuffer, stream Stream) error {
	if src.size <= 0 {
		return nil
	}
	if src.size > dst.size {
		return fmt.Errorf("memcpy: %d bytes into %d byte device buffer", src.size, dst.size)
	}
	return cudaErr(C.batchdCudaMemcpyH2DAsync(dst.ptr, src.ptr, C.ulonglong(src.size), stream.ptr))
}

func NewEvent() (Event, error) {
	var ev C.cudaEvent_t
	if err := cudaErr(C.batchdCudaEventCreate(&ev)); err != nil {
		return Event{}, err
	}
	return Event{ptr: ev}, nil
}

func (e Event) Record(stream Stream) error {
	return cudaErr(C.batchdCudaEventRecord(e.ptr, stream.ptr))
}

// Query reports whether all work captured by the event has completed.
func (e Event) Query() (bool, error) {
	code := C.batchdCudaEventQuery(e.ptr)
	if code == C.BATCHD_CUDA_ERROR_NOT_READY {
		return false, nil
	}
	if err := cudaErr(code); err != nil {
		return false, err
	}
	return true, nil
}

func (e Event) Synchronize() error {
	return cudaErr(C.batchdCudaEventSynchronize(e.ptr))
}

func (e Event) Destroy() error {
	if e.ptr == nil {
		return nil
	}
	return cudaErr(C.batchdCudaEventDestroy(e.ptr))
}

func cudaErr(code C.int) error {
	if code == 0 {
		return nil
	}
	msg := C.GoString(C.batchdCudaGetErrorString(code))
	return fmt.Errorf("cuda runtime error %d: %s", int(code), msg)
}
