// Frame and packet types exchanged with the coordinators.
package nvcodec

import (
	"sync"
	"time"
)

// ClockRate is the tick rate of parser and encoder timestamps (100ns units).
const ClockRate = 10_000_000

// TicksToDuration converts clock ticks to a time.Duration.
func TicksToDuration(ticks uint64) time.Duration {
	return time.Duration(ticks) * (time.Second / ClockRate)
}

// Surface locates a pitched NV12 picture in device memory.
type Surface struct {
	Ptr       DevicePtr
	Pitch     int // Row stride in bytes
	Width     int // Luma width in pixels
	Height    int // Luma height in rows
	Timestamp int64
}

// ChromaOffset returns the byte offset of the interleaved UV plane.
func (s Surface) ChromaOffset() int {
	return s.Pitch * ((s.Height + 1) &^ 1)
}

// GpuFrame is a decoded picture mapped into device memory. It owns the
// mapping: the surface stays reserved until Release, after which the
// pointer must not be used. Release is idempotent and safe for concurrent
// use.
type GpuFrame struct {
	Width     int
	Height    int
	Pitch     int
	Format    SurfaceFormat
	Timestamp int64

	// ConcealedError is nil when the picture decoded cleanly, false when it
	// carries an unconcealed error and true when the engine concealed it.
	ConcealedError *bool

	ptr     DevicePtr
	release func() error
	once    sync.Once
	err     error
}

// DevicePtr returns the device address of the luma plane.
func (f *GpuFrame) DevicePtr() DevicePtr { return f.ptr }

// Surface describes the frame for consumers such as the encoder.
func (f *GpuFrame) Surface() Surface {
	return Surface{Ptr: f.ptr, Pitch: f.Pitch, Width: f.Width, Height: f.Height, Timestamp: f.Timestamp}
}

// Release unmaps the frame and frees its decode surface.
func (f *GpuFrame) Release() error {
	f.once.Do(func() {
		if f.release != nil {
			f.err = f.release()
		}
		f.ptr = 0
	})
	return f.err
}

// EncoderInput is a device picture the encoder can consume. The encoder
// calls Release once it no longer reads from the surface.
type EncoderInput interface {
	Surface() Surface
	Release() error
}

// ExternalFrame adapts a caller-owned device buffer to EncoderInput.
type ExternalFrame struct {
	Desc      Surface
	OnRelease func()
	once      sync.Once
}

func (f *ExternalFrame) Surface() Surface { return f.Desc }

func (f *ExternalFrame) Release() error {
	f.once.Do(func() {
		if f.OnRelease != nil {
			f.OnRelease()
		}
	})
	return nil
}

// FrameType indicates whether an access unit is a keyframe or delta frame.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeKey               // IDR, decodable on its own
	FrameTypeDelta             // Requires previous frames
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeKey:
		return "Key"
	case FrameTypeDelta:
		return "Delta"
	default:
		return "Unknown"
	}
}

// EncodedPacket is one access unit retrieved from the encoder.
type EncodedPacket struct {
	Data        []byte // Annex-B bitstream
	Keyframe    bool
	PictureType PictureType
	Timestamp   uint64 // ClockRate ticks
	Duration    uint64 // ClockRate ticks
}

// FrameType returns Key for IDR access units and Delta otherwise.
func (p *EncodedPacket) FrameType() FrameType {
	if p.Keyframe {
		return FrameTypeKey
	}
	return FrameTypeDelta
}

// DurationTime returns Duration as a time.Duration.
func (p *EncodedPacket) DurationTime() time.Duration {
	return TicksToDuration(p.Duration)
}

// Clone creates a deep copy of the packet.
func (p *EncodedPacket) Clone() *EncodedPacket {
	clone := *p
	if p.Data != nil {
		clone.Data = make([]byte, len(p.Data))
		copy(clone.Data, p.Data)
	}
	return &clone
}
