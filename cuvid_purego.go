//go:build linux

// NVDEC (libnvcuvid) bindings via purego.

package nvcodec

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	cuvidOnce    sync.Once
	cuvidHandle  uintptr
	cuvidInitErr error
)

// libnvcuvid function pointers
var (
	cuvidCtxLockCreate      func(lock *uintptr, ctx uintptr) int32
	cuvidCtxLockDestroy     func(lock uintptr) int32
	cuvidCreateVideoParser  func(parser *uintptr, params *cuvidParserParams) int32
	cuvidParseVideoData     func(parser uintptr, packet *cuvidSourceDataPacket) int32
	cuvidDestroyVideoParser func(parser uintptr) int32
	cuvidGetDecoderCaps     func(caps *cuvidDecodeCaps) int32
	cuvidCreateDecoder      func(decoder *uintptr, info *cuvidDecodeCreateInfo) int32
	cuvidReconfigureDecoder func(decoder uintptr, info *cuvidReconfigureDecoderInfo) int32
	cuvidDestroyDecoder     func(decoder uintptr) int32
	cuvidDecodePicture      func(decoder uintptr, picParams uintptr) int32
	cuvidMapVideoFrame64    func(decoder uintptr, picIdx int32, devPtr *uint64, pitch *uint32, proc *cuvidProcParams) int32
	cuvidUnmapVideoFrame64  func(decoder uintptr, devPtr uint64) int32
	cuvidGetDecodeStatus    func(decoder uintptr, picIdx int32, status *cuvidDecodeStatusInfo) int32
)

// cuvidVideoFormat mirrors the leading CUVIDEOFORMAT fields.
type cuvidVideoFormat struct {
	Codec                int32
	FrameRateNum         uint32
	FrameRateDen         uint32
	ProgressiveSequence  uint8
	BitDepthLumaMinus8   uint8
	BitDepthChromaMinus8 uint8
	MinNumDecodeSurfaces uint8
	CodedWidth           uint32
	CodedHeight          uint32
	DisplayLeft          int32
	DisplayTop           int32
	DisplayRight         int32
	DisplayBottom        int32
	ChromaFormat         int32
	Bitrate              uint32
	AspectX              int32
	AspectY              int32
	VideoSignal          [4]uint8
	SeqHdrDataLength     uint32
}

// cuvidParserParams mirrors CUVIDPARSERPARAMS.
type cuvidParserParams struct {
	CodecType            int32
	MaxNumDecodeSurfaces uint32
	ClockRate            uint32
	ErrorThreshold       uint32
	MaxDisplayDelay      uint32
	AnnexBFlags          uint32
	_                    [4]uint32
	UserData             uintptr
	SequenceCallback     uintptr
	DecodePicture        uintptr
	DisplayPicture       uintptr
	GetOperatingPoint    uintptr
	GetSEIMsg            uintptr
	_                    [5]uintptr
	ExtVideoInfo         uintptr
}

// cuvidSourceDataPacket mirrors CUVIDSOURCEDATAPACKET.
type cuvidSourceDataPacket struct {
	Flags       uint64
	PayloadSize uint64
	Payload     uintptr
	Timestamp   int64
}

// cuvidDecodeCaps mirrors CUVIDDECODECAPS.
type cuvidDecodeCaps struct {
	CodecType        int32
	ChromaFormat     int32
	BitDepthMinus8   uint32
	_                [3]uint32
	IsSupported      uint8
	NumNVDECs        uint8
	OutputFormatMask uint16
	MaxWidth         uint32
	MaxHeight        uint32
	MaxMBCount       uint32
	MinWidth         uint16
	MinHeight        uint16
	HistogramSupport uint8
	CounterBitDepth  uint8
	MaxHistogramBins uint16
	_                [10]uint32
}

type cuvidShortRect struct {
	Left, Top, Right, Bottom int16
}

func toShortRect(r Rect) cuvidShortRect {
	return cuvidShortRect{int16(r.Left), int16(r.Top), int16(r.Right), int16(r.Bottom)}
}

// cuvidDecodeCreateInfo mirrors CUVIDDECODECREATEINFO.
type cuvidDecodeCreateInfo struct {
	Width             uint64
	Height            uint64
	NumDecodeSurfaces uint64
	CodecType         int32
	ChromaFormat      int32
	CreationFlags     uint64
	BitDepthMinus8    uint64
	IntraDecodeOnly   uint64
	MaxWidth          uint64
	MaxHeight         uint64
	_                 uint64
	DisplayArea       cuvidShortRect
	OutputFormat      int32
	DeinterlaceMode   int32
	TargetWidth       uint64
	TargetHeight      uint64
	NumOutputSurfaces uint64
	VidLock           uintptr
	TargetRect        cuvidShortRect
	EnableHistogram   uint64
	_                 [4]uint64
}

// cuvidReconfigureDecoderInfo mirrors CUVIDRECONFIGUREDECODERINFO.
type cuvidReconfigureDecoderInfo struct {
	Width             uint32
	Height            uint32
	TargetWidth       uint32
	TargetHeight      uint32
	NumDecodeSurfaces uint32
	_                 [12]uint32
	DisplayArea       cuvidShortRect
	TargetRect        cuvidShortRect
	_                 [11]uint32
}

// cuvidDispInfo mirrors CUVIDPARSERDISPINFO.
type cuvidDispInfo struct {
	PictureIndex     int32
	ProgressiveFrame int32
	TopFieldFirst    int32
	RepeatFirstField int32
	Timestamp        int64
}

// cuvidProcParams mirrors CUVIDPROCPARAMS.
type cuvidProcParams struct {
	ProgressiveFrame int32
	SecondField      int32
	TopFieldFirst    int32
	UnpairedField    int32
	ReservedFlags    uint32
	ReservedZero     uint32
	RawInputDptr     uint64
	RawInputPitch    uint32
	RawInputFormat   uint32
	RawOutputDptr    uint64
	RawOutputPitch   uint32
	_                uint32
	OutputStream     uintptr
	_                [46]uint32
	HistogramDptr    uintptr
	_                [1]uintptr
}

// cuvidDecodeStatusInfo mirrors CUVIDGETDECODESTATUS.
type cuvidDecodeStatusInfo struct {
	DecodeStatus int32
	_            [31]uint32
	_            [8]uintptr
}

// cuvidPicParamsCurrPicIdx is the offset of CurrPicIdx in CUVIDPICPARAMS.
const cuvidPicParamsCurrPicIdx = 8

// cuvidMapResult is heap-allocated so the driver never writes into a
// goroutine stack that may move during the call.
type cuvidMapResult struct {
	DevPtr uint64
	Pitch  uint32
}

func loadCuvid() error {
	cuvidOnce.Do(func() {
		cuvidInitErr = loadCuvidLib()
	})
	return cuvidInitErr
}

func loadCuvidLib() error {
	if err := loadCuda(); err != nil {
		return err
	}
	handle, err := openDriverLib("libnvcuvid", "cuvidCreateDecoder",
		driverLibPaths("NVCODEC_CUVID_LIB", "libnvcuvid.so.1", "libnvcuvid.so"))
	if err != nil {
		return err
	}
	err = registerLibFuncs(handle, map[string]any{
		"cuvidCtxLockCreate":      &cuvidCtxLockCreate,
		"cuvidCtxLockDestroy":     &cuvidCtxLockDestroy,
		"cuvidCreateVideoParser":  &cuvidCreateVideoParser,
		"cuvidParseVideoData":     &cuvidParseVideoData,
		"cuvidDestroyVideoParser": &cuvidDestroyVideoParser,
		"cuvidGetDecoderCaps":     &cuvidGetDecoderCaps,
		"cuvidCreateDecoder":      &cuvidCreateDecoder,
		"cuvidReconfigureDecoder": &cuvidReconfigureDecoder,
		"cuvidDestroyDecoder":     &cuvidDestroyDecoder,
		"cuvidDecodePicture":      &cuvidDecodePicture,
		"cuvidMapVideoFrame64":    &cuvidMapVideoFrame64,
		"cuvidUnmapVideoFrame64":  &cuvidUnmapVideoFrame64,
		"cuvidGetDecodeStatus":    &cuvidGetDecodeStatus,
	})
	if err != nil {
		purego.Dlclose(handle)
		return err
	}
	cuvidHandle = handle
	return nil
}

// IsDecoderAvailable reports whether libcuda and libnvcuvid loaded.
func IsDecoderAvailable() bool {
	return loadCuvid() == nil
}

// Parser callbacks are created once per process: purego cannot free
// callbacks and caps how many may exist. Each parser passes an integer
// handle as user data, which the trampolines resolve to its handler.
var (
	parserCallbacksOnce sync.Once
	parserSequenceCB    uintptr
	parserDecodeCB      uintptr
	parserDisplayCB     uintptr
	parserOpPointCB     uintptr

	parserHandlers  sync.Map // uintptr -> ParserHandler
	parserHandlerID atomic.Uintptr
)

func lookupParserHandler(id uintptr) ParserHandler {
	h, ok := parserHandlers.Load(id)
	if !ok {
		return nil
	}
	return h.(ParserHandler)
}

func initParserCallbacks() {
	parserCallbacksOnce.Do(func() {
		parserSequenceCB = purego.NewCallback(func(user, format uintptr) uintptr {
			h := lookupParserHandler(user)
			if h == nil || format == 0 {
				return 0
			}
			vf := videoFormatFromNative((*cuvidVideoFormat)(unsafe.Pointer(format)))
			return uintptr(h.OnSequence(&vf))
		})
		parserDecodeCB = purego.NewCallback(func(user, pic uintptr) uintptr {
			h := lookupParserHandler(user)
			if h == nil || pic == 0 {
				return 0
			}
			idx := *(*int32)(unsafe.Pointer(pic + cuvidPicParamsCurrPicIdx))
			return uintptr(h.OnDecode(&PictureParams{CurrPicIdx: int(idx), Native: pic}))
		})
		parserDisplayCB = purego.NewCallback(func(user, info uintptr) uintptr {
			h := lookupParserHandler(user)
			if h == nil {
				return 0
			}
			if info == 0 {
				return uintptr(h.OnDisplay(nil))
			}
			di := (*cuvidDispInfo)(unsafe.Pointer(info))
			return uintptr(h.OnDisplay(&DisplayInfo{
				PictureIndex:     int(di.PictureIndex),
				ProgressiveFrame: di.ProgressiveFrame != 0,
				TopFieldFirst:    di.TopFieldFirst != 0,
				RepeatFirstField: int(di.RepeatFirstField),
				Timestamp:        di.Timestamp,
			}))
		})
		parserOpPointCB = purego.NewCallback(func(user, opInfo uintptr) uintptr {
			h := lookupParserHandler(user)
			if h == nil {
				return 0
			}
			return uintptr(h.OnOperatingPoint())
		})
	})
}

func videoFormatFromNative(f *cuvidVideoFormat) VideoFormat {
	return VideoFormat{
		Codec:                Codec(f.Codec),
		FrameRateNum:         f.FrameRateNum,
		FrameRateDen:         f.FrameRateDen,
		ProgressiveSequence:  f.ProgressiveSequence != 0,
		BitDepthLumaMinus8:   f.BitDepthLumaMinus8,
		BitDepthChromaMinus8: f.BitDepthChromaMinus8,
		MinNumDecodeSurfaces: int(f.MinNumDecodeSurfaces),
		CodedWidth:           int(f.CodedWidth),
		CodedHeight:          int(f.CodedHeight),
		DisplayArea: Rect{
			Left:   int(f.DisplayLeft),
			Top:    int(f.DisplayTop),
			Right:  int(f.DisplayRight),
			Bottom: int(f.DisplayBottom),
		},
		ChromaFormat: ChromaFormat(f.ChromaFormat),
		Bitrate:      f.Bitrate,
	}
}

// CuvidEngine implements DecodeEngine on libnvcuvid.
type CuvidEngine struct {
	mu      sync.Mutex
	parsers map[ParserHandle]uintptr // parser -> handler id
}

// NewCuvidEngine loads libnvcuvid.
func NewCuvidEngine() (*CuvidEngine, error) {
	if err := loadCuvid(); err != nil {
		return nil, err
	}
	initParserCallbacks()
	return &CuvidEngine{parsers: make(map[ParserHandle]uintptr)}, nil
}

func (e *CuvidEngine) CreateContextLock(dev Device) (CtxLock, error) {
	lock := new(uintptr)
	r := cuvidCtxLockCreate(lock, dev.Handle())
	if err := cuCheck("cuvidCtxLockCreate", r); err != nil {
		return 0, err
	}
	return CtxLock(*lock), nil
}

func (e *CuvidEngine) DestroyContextLock(lock CtxLock) error {
	return cuCheck("cuvidCtxLockDestroy", cuvidCtxLockDestroy(uintptr(lock)))
}

func (e *CuvidEngine) CreateParser(params ParserParams, h ParserHandler) (ParserHandle, error) {
	id := parserHandlerID.Add(1)
	parserHandlers.Store(id, h)

	p := &cuvidParserParams{
		CodecType:            int32(params.Codec),
		MaxNumDecodeSurfaces: uint32(params.MaxNumDecodeSurfaces),
		ClockRate:            params.ClockRate,
		ErrorThreshold:       params.ErrorThreshold,
		MaxDisplayDelay:      params.MaxDisplayDelay,
		UserData:             id,
		SequenceCallback:     parserSequenceCB,
		DecodePicture:        parserDecodeCB,
		DisplayPicture:       parserDisplayCB,
		GetOperatingPoint:    parserOpPointCB,
	}
	out := new(uintptr)
	r := cuvidCreateVideoParser(out, p)
	runtime.KeepAlive(p)
	if err := cuCheck("cuvidCreateVideoParser", r); err != nil {
		parserHandlers.Delete(id)
		return 0, err
	}
	ph := ParserHandle(*out)
	e.mu.Lock()
	e.parsers[ph] = id
	e.mu.Unlock()
	return ph, nil
}

func (e *CuvidEngine) ParseVideoData(p ParserHandle, pkt SourcePacket) error {
	native := &cuvidSourceDataPacket{
		Flags:       uint64(pkt.Flags),
		PayloadSize: uint64(len(pkt.Payload)),
		Timestamp:   pkt.Timestamp,
	}
	var pinner runtime.Pinner
	defer pinner.Unpin()
	if len(pkt.Payload) > 0 {
		pinner.Pin(&pkt.Payload[0])
		native.Payload = uintptr(unsafe.Pointer(&pkt.Payload[0]))
	}
	r := cuvidParseVideoData(uintptr(p), native)
	runtime.KeepAlive(native)
	runtime.KeepAlive(pkt.Payload)
	return cuCheck("cuvidParseVideoData", r)
}

func (e *CuvidEngine) DestroyParser(p ParserHandle) error {
	err := cuCheck("cuvidDestroyVideoParser", cuvidDestroyVideoParser(uintptr(p)))
	e.mu.Lock()
	if id, ok := e.parsers[p]; ok {
		parserHandlers.Delete(id)
		delete(e.parsers, p)
	}
	e.mu.Unlock()
	return err
}

func (e *CuvidEngine) DecoderCaps(q DecoderCapsQuery) (DecoderCaps, error) {
	c := &cuvidDecodeCaps{
		CodecType:      int32(q.Codec),
		ChromaFormat:   int32(q.ChromaFormat),
		BitDepthMinus8: uint32(q.BitDepthMinus8),
	}
	r := cuvidGetDecoderCaps(c)
	runtime.KeepAlive(c)
	if err := cuCheck("cuvidGetDecoderCaps", r); err != nil {
		return DecoderCaps{}, err
	}
	return DecoderCaps{
		Supported:        c.IsSupported != 0,
		NumNVDECs:        int(c.NumNVDECs),
		OutputFormatMask: SurfaceFormatMask(c.OutputFormatMask),
		MaxWidth:         int(c.MaxWidth),
		MaxHeight:        int(c.MaxHeight),
		MaxMBCount:       int(c.MaxMBCount),
		MinWidth:         int(c.MinWidth),
		MinHeight:        int(c.MinHeight),
	}, nil
}

func (e *CuvidEngine) CreateDecoder(info DecoderCreateInfo) (DecoderHandle, error) {
	intra := uint64(0)
	if info.IntraDecodeOnly {
		intra = 1
	}
	ci := &cuvidDecodeCreateInfo{
		Width:             uint64(info.CodedWidth),
		Height:            uint64(info.CodedHeight),
		NumDecodeSurfaces: uint64(info.NumDecodeSurfaces),
		CodecType:         int32(info.Codec),
		ChromaFormat:      int32(info.ChromaFormat),
		CreationFlags:     uint64(info.CreationFlags),
		BitDepthMinus8:    uint64(info.BitDepthMinus8),
		IntraDecodeOnly:   intra,
		MaxWidth:          uint64(info.MaxWidth),
		MaxHeight:         uint64(info.MaxHeight),
		DisplayArea:       toShortRect(info.DisplayArea),
		OutputFormat:      int32(info.OutputFormat),
		DeinterlaceMode:   int32(info.Deinterlace),
		TargetWidth:       uint64(info.TargetWidth),
		TargetHeight:      uint64(info.TargetHeight),
		NumOutputSurfaces: uint64(info.NumOutputSurfaces),
		VidLock:           uintptr(info.CtxLock),
		TargetRect:        toShortRect(info.TargetRect),
	}
	out := new(uintptr)
	r := cuvidCreateDecoder(out, ci)
	runtime.KeepAlive(ci)
	if err := cuCheck("cuvidCreateDecoder", r); err != nil {
		return 0, err
	}
	return DecoderHandle(*out), nil
}

func (e *CuvidEngine) ReconfigureDecoder(d DecoderHandle, info ReconfigureInfo) error {
	ri := &cuvidReconfigureDecoderInfo{
		Width:             uint32(info.Width),
		Height:            uint32(info.Height),
		TargetWidth:       uint32(info.TargetWidth),
		TargetHeight:      uint32(info.TargetHeight),
		NumDecodeSurfaces: uint32(info.NumDecodeSurfaces),
		DisplayArea:       toShortRect(info.DisplayArea),
		TargetRect:        toShortRect(info.TargetRect),
	}
	r := cuvidReconfigureDecoder(uintptr(d), ri)
	runtime.KeepAlive(ri)
	return cuCheck("cuvidReconfigureDecoder", r)
}

func (e *CuvidEngine) DestroyDecoder(d DecoderHandle) error {
	return cuCheck("cuvidDestroyDecoder", cuvidDestroyDecoder(uintptr(d)))
}

// DecodePicture submits the parser's own picture parameters, so it must be
// called from within the decode callback.
func (e *CuvidEngine) DecodePicture(d DecoderHandle, pic *PictureParams) error {
	if pic.Native == 0 {
		return fmt.Errorf("cuvidDecodePicture: %w", CUresult(1))
	}
	return cuCheck("cuvidDecodePicture", cuvidDecodePicture(uintptr(d), pic.Native))
}

func (e *CuvidEngine) MapFrame(d DecoderHandle, idx int, proc ProcParams) (DevicePtr, int, error) {
	pp := &cuvidProcParams{
		ProgressiveFrame: boolToInt32(proc.ProgressiveFrame),
		SecondField:      int32(proc.SecondField),
		TopFieldFirst:    boolToInt32(proc.TopFieldFirst),
		UnpairedField:    boolToInt32(proc.UnpairedField),
	}
	out := new(cuvidMapResult)
	r := cuvidMapVideoFrame64(uintptr(d), int32(idx), &out.DevPtr, &out.Pitch, pp)
	runtime.KeepAlive(pp)
	runtime.KeepAlive(out)
	if err := cuCheck("cuvidMapVideoFrame64", r); err != nil {
		return 0, 0, err
	}
	return DevicePtr(out.DevPtr), int(out.Pitch), nil
}

func (e *CuvidEngine) UnmapFrame(d DecoderHandle, ptr DevicePtr) error {
	return cuCheck("cuvidUnmapVideoFrame64", cuvidUnmapVideoFrame64(uintptr(d), uint64(ptr)))
}

func (e *CuvidEngine) DecodeStatus(d DecoderHandle, idx int) (DecodeStatus, error) {
	st := new(cuvidDecodeStatusInfo)
	r := cuvidGetDecodeStatus(uintptr(d), int32(idx), st)
	runtime.KeepAlive(st)
	if err := cuCheck("cuvidGetDecodeStatus", r); err != nil {
		return DecodeStatusInvalid, err
	}
	return DecodeStatus(st.DecodeStatus), nil
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
