//go:build !linux

package nvcodec

// NVDEC and NVENC are only loaded on Linux. Elsewhere every constructor
// reports ErrNotAvailable so callers can fall back.

func IsCudaAvailable() bool    { return false }
func IsDecoderAvailable() bool { return false }
func IsEncoderAvailable() bool { return false }

// CudaDevice is unavailable on this platform.
type CudaDevice struct{}

func OpenCudaDevice(ordinal int) (*CudaDevice, error) { return nil, ErrNotAvailable }

func (d *CudaDevice) Name() string    { return "" }
func (d *CudaDevice) Ordinal() int    { return -1 }
func (d *CudaDevice) Handle() uintptr { return 0 }
func (d *CudaDevice) Push() error     { return ErrNotAvailable }
func (d *CudaDevice) Pop() error      { return ErrNotAvailable }
func (d *CudaDevice) Close() error    { return nil }

func (d *CudaDevice) MallocPitch(widthBytes, height, elementSize int) (DevicePtr, int, error) {
	return 0, 0, ErrNotAvailable
}

func (d *CudaDevice) Memcpy2D(dst DevicePtr, dstPitch int, src DevicePtr, srcPitch int, widthBytes, height int) error {
	return ErrNotAvailable
}

func (d *CudaDevice) Free(ptr DevicePtr) error { return ErrNotAvailable }

// CuvidEngine is unavailable on this platform.
type CuvidEngine struct{ DecodeEngine }

func NewCuvidEngine() (*CuvidEngine, error) { return nil, ErrNotAvailable }

// NvencEngine is unavailable on this platform.
type NvencEngine struct{}

func NewNvencEngine() (*NvencEngine, error) { return nil, ErrNotAvailable }

func (NvencEngine) OpenSession(dev Device) (EncodeSession, error) { return nil, ErrNotAvailable }
