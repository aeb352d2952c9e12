package nvcodec

// This file defines the contracts between the coordinators and the NVIDIA
// engines. The purego bindings in cuvid_purego.go and nvenc_purego.go
// implement them against the driver libraries.

// Rect is a pixel rectangle, right and bottom exclusive.
type Rect struct {
	Left, Top, Right, Bottom int
}

func (r Rect) Width() int  { return r.Right - r.Left }
func (r Rect) Height() int { return r.Bottom - r.Top }

// VideoFormat describes a coded sequence as reported by the parser.
type VideoFormat struct {
	Codec                Codec
	FrameRateNum         uint32
	FrameRateDen         uint32
	ProgressiveSequence  bool
	BitDepthLumaMinus8   uint8
	BitDepthChromaMinus8 uint8
	MinNumDecodeSurfaces int
	CodedWidth           int
	CodedHeight          int
	DisplayArea          Rect
	ChromaFormat         ChromaFormat
	Bitrate              uint32
}

// DecoderCapsQuery selects the capability entry to look up.
type DecoderCapsQuery struct {
	Codec          Codec
	ChromaFormat   ChromaFormat
	BitDepthMinus8 uint8
}

// DecoderCaps reports what the device can decode for one query.
type DecoderCaps struct {
	Supported        bool
	NumNVDECs        int
	OutputFormatMask SurfaceFormatMask
	MaxWidth         int
	MaxHeight        int
	MaxMBCount       int
	MinWidth         int
	MinHeight        int
}

// createPreferCUVID selects the dedicated video engine for decoding
// (cudaVideoCreate_PreferCUVID).
const createPreferCUVID = 4

// DecoderCreateInfo is passed to CreateDecoder.
type DecoderCreateInfo struct {
	CodedWidth        int
	CodedHeight       int
	NumDecodeSurfaces int
	Codec             Codec
	ChromaFormat      ChromaFormat
	CreationFlags     uint32
	BitDepthMinus8    uint8
	IntraDecodeOnly   bool
	MaxWidth          int
	MaxHeight         int
	DisplayArea       Rect
	OutputFormat      SurfaceFormat
	Deinterlace       DeinterlaceMode
	TargetWidth       int
	TargetHeight      int
	NumOutputSurfaces int
	CtxLock           CtxLock
	TargetRect        Rect
}

// ReconfigureInfo is passed to ReconfigureDecoder on a resolution change.
type ReconfigureInfo struct {
	Width             int
	Height            int
	TargetWidth       int
	TargetHeight      int
	NumDecodeSurfaces int
	DisplayArea       Rect
	TargetRect        Rect
}

// PictureParams carries one picture from the parser to the decoder.
// Native is the engine's own parameter block and is only valid for the
// duration of the decode callback.
type PictureParams struct {
	CurrPicIdx int
	Native     uintptr
}

// DisplayInfo describes a picture ready for display. A nil *DisplayInfo
// delivered to OnDisplay signals end of stream.
type DisplayInfo struct {
	PictureIndex     int
	ProgressiveFrame bool
	TopFieldFirst    bool
	RepeatFirstField int
	Timestamp        int64
}

// ProcParams controls how a decode surface is mapped.
type ProcParams struct {
	ProgressiveFrame bool
	SecondField      int
	TopFieldFirst    bool
	UnpairedField    bool
}

// ParserParams configures the bitstream parser.
type ParserParams struct {
	Codec                Codec
	MaxNumDecodeSurfaces int
	ClockRate            uint32
	ErrorThreshold       uint32
	MaxDisplayDelay      uint32
}

// PacketFlags mark source packets handed to the parser.
type PacketFlags uint32

const (
	PacketEndOfStream   PacketFlags = 0x01
	PacketTimestamp     PacketFlags = 0x02
	PacketDiscontinuity PacketFlags = 0x04
	PacketEndOfPicture  PacketFlags = 0x08
	PacketNotifyEOS     PacketFlags = 0x10
)

// SourcePacket is one chunk of compressed input.
type SourcePacket struct {
	Payload   []byte
	Timestamp int64
	Flags     PacketFlags
}

// ParserHandler receives parser callbacks, possibly on an engine-owned
// thread. Return values follow the parser protocol: 0 is failure, 1 is
// success, and OnSequence may return a decode surface count instead.
type ParserHandler interface {
	OnSequence(format *VideoFormat) int
	OnDecode(pic *PictureParams) int
	OnDisplay(info *DisplayInfo) int
	OnOperatingPoint() int
}

type (
	CtxLock       uintptr
	ParserHandle  uintptr
	DecoderHandle uintptr
)

// DecodeEngine is the NVDEC surface used by the Decoder.
type DecodeEngine interface {
	CreateContextLock(dev Device) (CtxLock, error)
	DestroyContextLock(lock CtxLock) error

	CreateParser(params ParserParams, h ParserHandler) (ParserHandle, error)
	ParseVideoData(p ParserHandle, pkt SourcePacket) error
	DestroyParser(p ParserHandle) error

	DecoderCaps(q DecoderCapsQuery) (DecoderCaps, error)
	CreateDecoder(info DecoderCreateInfo) (DecoderHandle, error)
	ReconfigureDecoder(d DecoderHandle, info ReconfigureInfo) error
	DestroyDecoder(d DecoderHandle) error
	DecodePicture(d DecoderHandle, pic *PictureParams) error
	MapFrame(d DecoderHandle, idx int, proc ProcParams) (DevicePtr, int, error)
	UnmapFrame(d DecoderHandle, ptr DevicePtr) error
	DecodeStatus(d DecoderHandle, idx int) (DecodeStatus, error)
}

// GUID is a Windows-layout GUID as used by the NVENC API.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// BufferFormat is an NVENC input surface format.
type BufferFormat uint32

const (
	BufferFormatUndefined BufferFormat = 0
	BufferFormatNV12      BufferFormat = 1
)

// RateControlMode selects NVENC rate control.
type RateControlMode uint32

const (
	RateControlConstQP RateControlMode = 0
	RateControlVBR     RateControlMode = 1
	RateControlCBR     RateControlMode = 2
)

// TuningInfo selects the tuning applied on top of a P1..P7 preset.
type TuningInfo uint32

const (
	TuningUndefined       TuningInfo = 0
	TuningHighQuality     TuningInfo = 1
	TuningLowLatency      TuningInfo = 2
	TuningUltraLowLatency TuningInfo = 3
	TuningLossless        TuningInfo = 4
)

// EncodeInitParams initializes or reconfigures an encode session.
type EncodeInitParams struct {
	EncodeGUID     GUID
	PresetGUID     GUID
	ProfileGUID    GUID
	Tuning         TuningInfo
	Width          int
	Height         int
	FrameRateNum   int
	FrameRateDen   int
	GOPLength      int
	RateControl    RateControlMode
	AverageBitrate int
	MaxBitrate     int
	EnablePTD      bool
	BufferFormat   BufferFormat
}

// RegisterParams describes a device buffer to register as encoder input.
type RegisterParams struct {
	Ptr    DevicePtr
	Pitch  int
	Width  int
	Height int
	Format BufferFormat
}

type (
	RegisteredResource uintptr
	MappedResource     uintptr
	BitstreamBuffer    uintptr
)

// PictureType is the coded picture type reported with a bitstream.
type PictureType uint32

const (
	PictureTypeP   PictureType = 0
	PictureTypeB   PictureType = 1
	PictureTypeI   PictureType = 2
	PictureTypeIDR PictureType = 3
)

// EncodePictureParams submits one picture. With EOS set only the flag is
// meaningful and the encoder drains.
type EncodePictureParams struct {
	Input      MappedResource
	Output     BitstreamBuffer
	Format     BufferFormat
	Width      int
	Height     int
	Pitch      int
	FrameIndex uint32
	Timestamp  uint64
	Duration   uint64
	EOS        bool
}

// LockedBitstream is a view of a locked output buffer. Data is only valid
// until UnlockBitstream.
type LockedBitstream struct {
	Data        []byte
	PictureType PictureType
	Timestamp   uint64
	Duration    uint64
}

// EncodeEngine opens NVENC sessions on a device.
type EncodeEngine interface {
	OpenSession(dev Device) (EncodeSession, error)
}

// EncodeSession is one NVENC encoder instance. EncodePicture returns an
// error matching ErrNeedMoreInput when the picture was accepted but output
// is deferred.
type EncodeSession interface {
	EncodeGUIDs() ([]GUID, error)
	PresetGUIDs(codec GUID) ([]GUID, error)
	ProfileGUIDs(codec GUID) ([]GUID, error)
	InputFormats(codec GUID) ([]BufferFormat, error)

	Initialize(params EncodeInitParams) error
	Reconfigure(params EncodeInitParams) error

	CreateBitstreamBuffer() (BitstreamBuffer, error)
	DestroyBitstreamBuffer(b BitstreamBuffer) error
	RegisterResource(params RegisterParams) (RegisteredResource, error)
	UnregisterResource(r RegisteredResource) error
	MapInputResource(r RegisteredResource) (MappedResource, error)
	UnmapInputResource(m MappedResource) error

	EncodePicture(params EncodePictureParams) error
	LockBitstream(b BitstreamBuffer) (LockedBitstream, error)
	UnlockBitstream(b BitstreamBuffer) error

	Destroy() error
}
