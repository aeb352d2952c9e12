package nvcodec

import (
	"errors"
	"runtime"
)

// DevicePtr is a CUDA device address.
type DevicePtr uint64

// Device is a CUDA context bound to one GPU. Push makes the context current
// on the calling OS thread and Pop restores the previous one; both are
// thread-affine, so callers go through withDevice.
type Device interface {
	Push() error
	Pop() error

	// Handle returns the raw CUcontext for engine APIs that take one.
	Handle() uintptr

	// MallocPitch allocates a 2D buffer of height rows, each at least
	// widthBytes wide and aligned for elementSize-byte accesses.
	MallocPitch(widthBytes, height, elementSize int) (DevicePtr, int, error)
	Memcpy2D(dst DevicePtr, dstPitch int, src DevicePtr, srcPitch int, widthBytes, height int) error
	Free(ptr DevicePtr) error
}

// withDevice runs fn with dev current on a locked OS thread. The context is
// popped on every path once the push succeeded.
func withDevice(dev Device, fn func() error) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := dev.Push(); err != nil {
		return err
	}
	defer func() {
		if perr := dev.Pop(); perr != nil {
			err = errors.Join(err, perr)
		}
	}()
	return fn()
}
