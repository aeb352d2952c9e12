//go:build linux

// CUDA driver API bindings via purego.

package nvcodec

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	cudaOnce    sync.Once
	cudaHandle  uintptr
	cudaInitErr error
)

// libcuda function pointers
var (
	cuInit                    func(flags uint32) int32
	cuDeviceGetCount          func(count *int32) int32
	cuDeviceGet               func(device *int32, ordinal int32) int32
	cuDeviceGetName           func(name *byte, length int32, device int32) int32
	cuDevicePrimaryCtxRetain  func(ctx *uintptr, device int32) int32
	cuDevicePrimaryCtxRelease func(device int32) int32
	cuCtxPushCurrent          func(ctx uintptr) int32
	cuCtxPopCurrent           func(ctx *uintptr) int32
	cuMemAllocPitch           func(dptr *uint64, pitch *uintptr, widthBytes, height uintptr, elementSize uint32) int32
	cuMemcpy2D                func(copy *cudaMemcpy2D) int32
	cuMemFree                 func(dptr uint64) int32
	cuGetErrorName            func(result int32, name *uintptr) int32
)

const cuMemoryTypeDevice = 2

// cudaMemcpy2D mirrors CUDA_MEMCPY2D.
type cudaMemcpy2D struct {
	SrcXInBytes   uintptr
	SrcY          uintptr
	SrcMemoryType uint32
	_             uint32
	SrcHost       uintptr
	SrcDevice     uint64
	SrcArray      uintptr
	SrcPitch      uintptr

	DstXInBytes   uintptr
	DstY          uintptr
	DstMemoryType uint32
	_             uint32
	DstHost       uintptr
	DstDevice     uint64
	DstArray      uintptr
	DstPitch      uintptr

	WidthInBytes uintptr
	Height       uintptr
}

// cudaAllocResult is heap-allocated so the driver never writes into a
// goroutine stack that may move during the call.
type cudaAllocResult struct {
	Ptr   uint64
	Pitch uintptr
}

func loadCuda() error {
	cudaOnce.Do(func() {
		cudaInitErr = loadCudaLib()
	})
	return cudaInitErr
}

func loadCudaLib() error {
	handle, err := openDriverLib("libcuda", "cuInit",
		driverLibPaths("NVCODEC_CUDA_LIB", "libcuda.so.1", "libcuda.so"))
	if err != nil {
		return err
	}
	err = registerLibFuncs(handle, map[string]any{
		"cuInit":                       &cuInit,
		"cuDeviceGetCount":             &cuDeviceGetCount,
		"cuDeviceGet":                  &cuDeviceGet,
		"cuDeviceGetName":              &cuDeviceGetName,
		"cuDevicePrimaryCtxRetain":     &cuDevicePrimaryCtxRetain,
		"cuDevicePrimaryCtxRelease_v2": &cuDevicePrimaryCtxRelease,
		"cuCtxPushCurrent_v2":          &cuCtxPushCurrent,
		"cuCtxPopCurrent_v2":           &cuCtxPopCurrent,
		"cuMemAllocPitch_v2":           &cuMemAllocPitch,
		"cuMemcpy2D_v2":                &cuMemcpy2D,
		"cuMemFree_v2":                 &cuMemFree,
		"cuGetErrorName":               &cuGetErrorName,
	})
	if err != nil {
		purego.Dlclose(handle)
		return err
	}
	if r := cuInit(0); r != 0 {
		purego.Dlclose(handle)
		return fmt.Errorf("%w: cuInit: %w", ErrNotAvailable, CUresult(r))
	}
	cudaHandle = handle
	return nil
}

// cuCheck converts a driver status into an error naming the call.
func cuCheck(call string, r int32) error {
	if r == 0 {
		return nil
	}
	res := CUresult(r)
	var name uintptr
	if cuGetErrorName != nil && cuGetErrorName(r, &name) == 0 {
		return fmt.Errorf("%s: %s: %w", call, goStringFromPtr(name), res)
	}
	return fmt.Errorf("%s: %w", call, res)
}

// IsCudaAvailable reports whether libcuda loaded and at least one device
// is present.
func IsCudaAvailable() bool {
	if loadCuda() != nil {
		return false
	}
	var n int32
	return cuDeviceGetCount(&n) == 0 && n > 0
}

// CudaDevice is the primary CUDA context of one GPU.
type CudaDevice struct {
	ordinal int
	device  int32
	ctx     uintptr
	name    string

	mu     sync.Mutex
	closed bool
}

// OpenCudaDevice retains the primary context of GPU ordinal.
func OpenCudaDevice(ordinal int) (*CudaDevice, error) {
	if err := loadCuda(); err != nil {
		return nil, err
	}
	d := &CudaDevice{ordinal: ordinal}
	if err := cuCheck("cuDeviceGet", cuDeviceGet(&d.device, int32(ordinal))); err != nil {
		return nil, setupErr("cuda device", err)
	}
	var buf [256]byte
	if cuDeviceGetName(&buf[0], int32(len(buf)), d.device) == 0 {
		d.name = goStringFromPtr(uintptr(unsafe.Pointer(&buf[0])))
	}
	if err := cuCheck("cuDevicePrimaryCtxRetain", cuDevicePrimaryCtxRetain(&d.ctx, d.device)); err != nil {
		return nil, setupErr("cuda context", err)
	}
	return d, nil
}

// Name returns the GPU's marketing name.
func (d *CudaDevice) Name() string { return d.name }

// Ordinal returns the GPU index the device was opened with.
func (d *CudaDevice) Ordinal() int { return d.ordinal }

func (d *CudaDevice) Handle() uintptr { return d.ctx }

func (d *CudaDevice) Push() error {
	return cuCheck("cuCtxPushCurrent", cuCtxPushCurrent(d.ctx))
}

func (d *CudaDevice) Pop() error {
	var prev uintptr
	return cuCheck("cuCtxPopCurrent", cuCtxPopCurrent(&prev))
}

// MallocPitch allocates pitched device memory. The context must be current.
func (d *CudaDevice) MallocPitch(widthBytes, height, elementSize int) (DevicePtr, int, error) {
	out := new(cudaAllocResult)
	r := cuMemAllocPitch(&out.Ptr, &out.Pitch, uintptr(widthBytes), uintptr(height), uint32(elementSize))
	runtime.KeepAlive(out)
	if err := cuCheck("cuMemAllocPitch", r); err != nil {
		return 0, 0, err
	}
	return DevicePtr(out.Ptr), int(out.Pitch), nil
}

// Memcpy2D copies a pitched device region. The context must be current.
func (d *CudaDevice) Memcpy2D(dst DevicePtr, dstPitch int, src DevicePtr, srcPitch int, widthBytes, height int) error {
	c := &cudaMemcpy2D{
		SrcMemoryType: cuMemoryTypeDevice,
		SrcDevice:     uint64(src),
		SrcPitch:      uintptr(srcPitch),
		DstMemoryType: cuMemoryTypeDevice,
		DstDevice:     uint64(dst),
		DstPitch:      uintptr(dstPitch),
		WidthInBytes:  uintptr(widthBytes),
		Height:        uintptr(height),
	}
	r := cuMemcpy2D(c)
	runtime.KeepAlive(c)
	return cuCheck("cuMemcpy2D", r)
}

// Free releases memory from MallocPitch. The context must be current.
func (d *CudaDevice) Free(ptr DevicePtr) error {
	return cuCheck("cuMemFree", cuMemFree(uint64(ptr)))
}

// Close releases the primary context.
func (d *CudaDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return cuCheck("cuDevicePrimaryCtxRelease", cuDevicePrimaryCtxRelease(d.device))
}
