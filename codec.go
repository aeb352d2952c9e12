package nvcodec

import (
	"fmt"
	"strings"
)

// Codec identifies a compressed video format as numbered by the NVDEC API
// (cudaVideoCodec).
type Codec int32

const (
	CodecMPEG1 Codec = iota
	CodecMPEG2
	CodecMPEG4
	CodecVC1
	CodecH264
	CodecJPEG
	CodecH264SVC
	CodecH264MVC
	CodecHEVC
	CodecVP8
	CodecVP9
	CodecAV1
)

func (c Codec) String() string {
	switch c {
	case CodecMPEG1:
		return "MPEG1"
	case CodecMPEG2:
		return "MPEG2"
	case CodecMPEG4:
		return "MPEG4"
	case CodecVC1:
		return "VC1"
	case CodecH264:
		return "H264"
	case CodecJPEG:
		return "JPEG"
	case CodecH264SVC:
		return "H264-SVC"
	case CodecH264MVC:
		return "H264-MVC"
	case CodecHEVC:
		return "HEVC"
	case CodecVP8:
		return "VP8"
	case CodecVP9:
		return "VP9"
	case CodecAV1:
		return "AV1"
	default:
		return "Unknown"
	}
}

// MimeType returns the WebRTC MIME type for this codec, or "" if it has none.
func (c Codec) MimeType() string {
	switch c {
	case CodecH264, CodecH264SVC, CodecH264MVC:
		return "video/H264"
	case CodecHEVC:
		return "video/H265"
	case CodecVP8:
		return "video/VP8"
	case CodecVP9:
		return "video/VP9"
	case CodecAV1:
		return "video/AV1"
	default:
		return ""
	}
}

// Encodable reports whether NVENC can produce this codec.
func (c Codec) Encodable() bool {
	switch c {
	case CodecH264, CodecH264SVC, CodecH264MVC, CodecHEVC:
		return true
	default:
		return false
	}
}

// ParseCodec maps a configuration name to a Codec. Matching is case
// insensitive and accepts the String form of every codec.
func ParseCodec(name string) (Codec, bool) {
	switch strings.ToLower(name) {
	case "mpeg1":
		return CodecMPEG1, true
	case "mpeg2":
		return CodecMPEG2, true
	case "mpeg4":
		return CodecMPEG4, true
	case "vc1":
		return CodecVC1, true
	case "h264", "avc":
		return CodecH264, true
	case "jpeg", "mjpeg":
		return CodecJPEG, true
	case "h264-svc":
		return CodecH264SVC, true
	case "h264-mvc":
		return CodecH264MVC, true
	case "hevc", "h265":
		return CodecHEVC, true
	case "vp8":
		return CodecVP8, true
	case "vp9":
		return CodecVP9, true
	case "av1":
		return CodecAV1, true
	default:
		return 0, false
	}
}

// ChromaFormat is the chroma subsampling of a coded sequence.
type ChromaFormat int32

const (
	ChromaMonochrome ChromaFormat = iota
	Chroma420
	Chroma422
	Chroma444
)

func (c ChromaFormat) String() string {
	switch c {
	case ChromaMonochrome:
		return "4:0:0"
	case Chroma420:
		return "4:2:0"
	case Chroma422:
		return "4:2:2"
	case Chroma444:
		return "4:4:4"
	default:
		return "unknown"
	}
}

// SurfaceFormat is a decoder output surface layout.
type SurfaceFormat int32

const (
	SurfaceNV12 SurfaceFormat = iota
	SurfaceP016
	SurfaceYUV444
	SurfaceYUV444_16Bit
)

func (f SurfaceFormat) String() string {
	switch f {
	case SurfaceNV12:
		return "NV12"
	case SurfaceP016:
		return "P016"
	case SurfaceYUV444:
		return "YUV444"
	case SurfaceYUV444_16Bit:
		return "YUV444_16Bit"
	default:
		return "unknown"
	}
}

// SurfaceFormatMask is the bitmask of output formats a decoder supports,
// bit n set meaning SurfaceFormat(n) is available.
type SurfaceFormatMask uint16

// Has reports whether f is in the mask.
func (m SurfaceFormatMask) Has(f SurfaceFormat) bool {
	return m&(1<<uint(f)) != 0
}

// BytesPerSample returns the size of one luma sample.
func (f SurfaceFormat) BytesPerSample() int {
	switch f {
	case SurfaceP016, SurfaceYUV444_16Bit:
		return 2
	default:
		return 1
	}
}

// DecodeStatus is the engine's per-picture decode result.
type DecodeStatus int32

const (
	DecodeStatusInvalid DecodeStatus = iota
	DecodeStatusInProgress
	DecodeStatusSuccess
	_
	_
	_
	_
	_
	DecodeStatusError
	DecodeStatusErrorConcealed
)

// Concealment classifies a decode status into frame metadata: nil when no
// error occurred, false for an unconcealed error, true when the engine
// concealed the error.
func (s DecodeStatus) Concealment() *bool {
	switch s {
	case DecodeStatusError:
		v := false
		return &v
	case DecodeStatusErrorConcealed:
		v := true
		return &v
	default:
		return nil
	}
}

// DeinterlaceMode selects how interlaced content is rendered to frames.
type DeinterlaceMode int32

const (
	DeinterlaceWeave DeinterlaceMode = iota
	DeinterlaceBob
	DeinterlaceAdaptive
)

// MarshalText implements encoding.TextMarshaler.
func (c Codec) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Codec) UnmarshalText(b []byte) error {
	v, ok := ParseCodec(string(b))
	if !ok {
		return fmt.Errorf("%w: %q", ErrCodecNotSupport, b)
	}
	*c = v
	return nil
}
