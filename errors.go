package nvcodec

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrSetup           = errors.New("setup failed")
	ErrNegotiation     = errors.New("encoder negotiation failed")
	ErrNotAvailable    = errors.New("nvidia video libraries not available")
	ErrClosed          = errors.New("closed")
	ErrEOSSent         = errors.New("end of stream already sent")
	ErrNeedMoreInput   = errors.New("encoder needs more input")
	ErrFrameTimeout    = errors.New("timed out waiting for frame")
	ErrNoFrame         = errors.New("frame could not be mapped")
	ErrQueueClosed     = errors.New("queue closed")
	ErrInvalidConfig   = errors.New("invalid config")
	ErrCodecNotSupport = errors.New("codec not supported")
	ErrFrameSize       = errors.New("frame size does not match encoder")
	ErrBusy            = errors.New("busy")
)

// SetupError reports which stage of decoder or encoder construction failed.
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrSetup, e.Stage, e.Err)
}

func (e *SetupError) Unwrap() []error { return []error{ErrSetup, e.Err} }

func setupErr(stage string, err error) error {
	return &SetupError{Stage: stage, Err: err}
}

// CUresult is a CUDA driver or NVDEC status code.
type CUresult int32

const cudaSuccess CUresult = 0

func (r CUresult) Error() string {
	switch r {
	case 1:
		return "cuda: invalid value"
	case 2:
		return "cuda: out of memory"
	case 3:
		return "cuda: not initialized"
	case 4:
		return "cuda: deinitialized"
	case 100:
		return "cuda: no device"
	case 101:
		return "cuda: invalid device"
	case 201:
		return "cuda: invalid context"
	case 400:
		return "cuda: invalid handle"
	case 700:
		return "cuda: illegal address"
	case 801:
		return "cuda: not supported"
	case 999:
		return "cuda: unknown error"
	default:
		return fmt.Sprintf("cuda: error %d", int32(r))
	}
}

func cuErr(r CUresult) error {
	if r == cudaSuccess {
		return nil
	}
	return r
}

// NvencStatus is an NVENCSTATUS code.
type NvencStatus int32

const (
	nvencSuccess         NvencStatus = 0
	nvencNeedMoreInput   NvencStatus = 17
	nvencEncoderBusy     NvencStatus = 18
	nvencUnsupportedArgs NvencStatus = 12
)

var nvencStatusNames = [...]string{
	"success",
	"no encode device",
	"unsupported device",
	"invalid encoder device",
	"invalid device",
	"device not exist",
	"invalid pointer",
	"invalid event",
	"invalid param",
	"invalid call",
	"out of memory",
	"encoder not initialized",
	"unsupported param",
	"lock busy",
	"not enough buffer",
	"invalid version",
	"map failed",
	"need more input",
	"encoder busy",
	"event not registered",
	"generic error",
	"incompatible client key",
	"unimplemented",
	"resource register failed",
	"resource not registered",
	"resource not mapped",
}

func (s NvencStatus) Error() string {
	if s >= 0 && int(s) < len(nvencStatusNames) {
		return "nvenc: " + nvencStatusNames[s]
	}
	return fmt.Sprintf("nvenc: status %d", int32(s))
}

// Is lets errors.Is match NEED_MORE_INPUT against ErrNeedMoreInput.
func (s NvencStatus) Is(target error) bool {
	return target == ErrNeedMoreInput && s == nvencNeedMoreInput
}

func nvencErr(s NvencStatus) error {
	if s == nvencSuccess {
		return nil
	}
	return s
}
