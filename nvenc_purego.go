//go:build linux

// NVENC (libnvidia-encode) bindings via purego.

package nvcodec

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// NVENC API 12.1
const (
	nvencAPIMajor   = 12
	nvencAPIMinor   = 1
	nvencAPIVersion = nvencAPIMajor | nvencAPIMinor<<24
)

func nvencStructVersion(v uint32) uint32 {
	return nvencAPIVersion | v<<16 | 0x7<<28
}

var (
	nvencFunctionListVer    = nvencStructVersion(2)
	nvencOpenSessionVer     = nvencStructVersion(1)
	nvencInitializeVer      = nvencStructVersion(6) | 1<<31
	nvencConfigVer          = nvencStructVersion(8) | 1<<31
	nvencRCParamsVer        = nvencStructVersion(1)
	nvencPresetConfigVer    = nvencStructVersion(4) | 1<<31
	nvencReconfigureVer     = nvencStructVersion(2) | 1<<31
	nvencCreateBitstreamVer = nvencStructVersion(1)
	nvencRegisterVer        = nvencStructVersion(4)
	nvencMapInputVer        = nvencStructVersion(4)
	nvencPicParamsVer       = nvencStructVersion(6) | 1<<31
	nvencLockBitstreamVer   = nvencStructVersion(1) | 1<<31
)

const (
	nvencDeviceTypeCUDA          = 1
	nvencResourceCUDADevicePtr   = 1
	nvencBufferUsageInputImage   = 0
	nvencPicStructFrame          = 1
	nvencPicFlagEOS              = 0x8
	nvencReconfigureResetFlag    = 1 << 0
	nvencReconfigureForceIDRFlag = 1 << 1
)

// Offsets inside NV_ENC_CONFIG.
const (
	nvencCfgProfileGUID    = 4
	nvencCfgGOPLength      = 20
	nvencCfgRCVersion      = 40
	nvencCfgRCMode         = 44
	nvencCfgAverageBitRate = 60
	nvencCfgMaxBitRate     = 64
)

var (
	nvencOnce    sync.Once
	nvencHandle  uintptr
	nvencInitErr error
)

var (
	nvEncodeAPIGetMaxSupportedVersion func(version *uint32) int32
	nvEncodeAPICreateInstance         func(list *nvencFunctionList) int32
)

// Session entry points, bound from the function list. GUID arguments are
// passed by value in C; a 16-byte integer struct travels in two registers,
// so each GUID is split into two uint64 words.
var (
	nvEncOpenEncodeSessionEx       func(params *nvencOpenSessionParams, encoder *uintptr) int32
	nvEncGetEncodeGUIDCount        func(enc uintptr, count *uint32) int32
	nvEncGetEncodeGUIDs            func(enc uintptr, guids *GUID, size uint32, count *uint32) int32
	nvEncGetEncodeProfileGUIDCount func(enc uintptr, lo, hi uint64, count *uint32) int32
	nvEncGetEncodeProfileGUIDs     func(enc uintptr, lo, hi uint64, guids *GUID, size uint32, count *uint32) int32
	nvEncGetEncodePresetCount      func(enc uintptr, lo, hi uint64, count *uint32) int32
	nvEncGetEncodePresetGUIDs      func(enc uintptr, lo, hi uint64, guids *GUID, size uint32, count *uint32) int32
	nvEncGetInputFormatCount       func(enc uintptr, lo, hi uint64, count *uint32) int32
	nvEncGetInputFormats           func(enc uintptr, lo, hi uint64, formats *uint32, size uint32, count *uint32) int32
	nvEncGetEncodePresetConfigEx   func(enc uintptr, lo, hi, presetLo, presetHi uint64, tuning uint32, cfg *nvencPresetConfig) int32
	nvEncInitializeEncoder         func(enc uintptr, params *nvencInitializeParams) int32
	nvEncReconfigureEncoder        func(enc uintptr, params *nvencReconfigureParams) int32
	nvEncCreateBitstreamBuffer     func(enc uintptr, params *nvencCreateBitstream) int32
	nvEncDestroyBitstreamBuffer    func(enc uintptr, buf uintptr) int32
	nvEncRegisterResource          func(enc uintptr, params *nvencRegisterResource) int32
	nvEncUnregisterResource        func(enc uintptr, res uintptr) int32
	nvEncMapInputResource          func(enc uintptr, params *nvencMapInputResource) int32
	nvEncUnmapInputResource        func(enc uintptr, mapped uintptr) int32
	nvEncEncodePicture             func(enc uintptr, params *nvencPicParams) int32
	nvEncLockBitstream             func(enc uintptr, params *nvencLockBitstream) int32
	nvEncUnlockBitstream           func(enc uintptr, buf uintptr) int32
	nvEncDestroyEncoder            func(enc uintptr) int32
	nvEncGetLastErrorString        func(enc uintptr) uintptr
)

// nvencFunctionList mirrors NV_ENCODE_API_FUNCTION_LIST.
type nvencFunctionList struct {
	Version                   uint32
	_                         uint32
	OpenEncodeSession         uintptr
	GetEncodeGUIDCount        uintptr
	GetEncodeProfileGUIDCount uintptr
	GetEncodeProfileGUIDs     uintptr
	GetEncodeGUIDs            uintptr
	GetInputFormatCount       uintptr
	GetInputFormats           uintptr
	GetEncodeCaps             uintptr
	GetEncodePresetCount      uintptr
	GetEncodePresetGUIDs      uintptr
	GetEncodePresetConfig     uintptr
	InitializeEncoder         uintptr
	CreateInputBuffer         uintptr
	DestroyInputBuffer        uintptr
	CreateBitstreamBuffer     uintptr
	DestroyBitstreamBuffer    uintptr
	EncodePicture             uintptr
	LockBitstream             uintptr
	UnlockBitstream           uintptr
	LockInputBuffer           uintptr
	UnlockInputBuffer         uintptr
	GetEncodeStats            uintptr
	GetSequenceParams         uintptr
	RegisterAsyncEvent        uintptr
	UnregisterAsyncEvent      uintptr
	MapInputResource          uintptr
	UnmapInputResource        uintptr
	DestroyEncoder            uintptr
	InvalidateRefFrames       uintptr
	OpenEncodeSessionEx       uintptr
	RegisterResource          uintptr
	UnregisterResource        uintptr
	ReconfigureEncoder        uintptr
	_                         uintptr
	CreateMVBuffer            uintptr
	DestroyMVBuffer           uintptr
	RunMotionEstimationOnly   uintptr
	GetLastErrorString        uintptr
	SetIOCudaStreams          uintptr
	GetEncodePresetConfigEx   uintptr
	GetSequenceParamEx        uintptr
	_                         [277]uintptr
}

type nvencOpenSessionParams struct {
	Version    uint32
	DeviceType uint32
	Device     uintptr
	_          uintptr
	APIVersion uint32
	_          [253]uint32
	_          [64]uintptr
}

type nvencInitializeParams struct {
	Version         uint32
	EncodeGUID      GUID
	PresetGUID      GUID
	EncodeWidth     uint32
	EncodeHeight    uint32
	DarWidth        uint32
	DarHeight       uint32
	FrameRateNum    uint32
	FrameRateDen    uint32
	EnableAsync     uint32
	EnablePTD       uint32
	Flags           uint32
	PrivDataSize    uint32
	_               uint32
	PrivData        uintptr
	EncodeConfig    uintptr
	MaxEncodeWidth  uint32
	MaxEncodeHeight uint32
	_               [8]uint32
	TuningInfo      uint32
	BufferFormat    uint32
	_               [287]uint32
	_               [64]uintptr
}

type nvencReconfigureParams struct {
	Version uint32
	_       uint32
	Init    nvencInitializeParams
	Flags   uint32
	_       uint32
}

// nvencPresetConfig mirrors NV_ENC_PRESET_CONFIG with an oversized
// NV_ENC_CONFIG, which is addressed by offset.
type nvencPresetConfig struct {
	Version uint32
	_       uint32
	Config  [1536]uint64
	_       [320]uint64
}

func (p *nvencPresetConfig) configBytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&p.Config)), len(p.Config)*8)
}

func (p *nvencPresetConfig) putUint32(off int, v uint32) {
	binary.LittleEndian.PutUint32(p.configBytes()[off:], v)
}

func (p *nvencPresetConfig) putGUID(off int, g GUID) {
	*(*GUID)(unsafe.Pointer(&p.configBytes()[off])) = g
}

type nvencCreateBitstream struct {
	Version         uint32
	_               uint32
	_               uint32
	_               uint32
	BitstreamBuffer uintptr
	_               uintptr
	_               [58]uint32
	_               [64]uintptr
}

type nvencRegisterResource struct {
	Version            uint32
	ResourceType       uint32
	Width              uint32
	Height             uint32
	Pitch              uint32
	SubResourceIndex   uint32
	ResourceToRegister uintptr
	RegisteredResource uintptr
	BufferFormat       uint32
	BufferUsage        uint32
	InputFencePoint    uintptr
	_                  [247]uint32
	_                  [62]uintptr
}

type nvencMapInputResource struct {
	Version            uint32
	SubResourceIndex   uint32
	InputResource      uintptr
	RegisteredResource uintptr
	MappedResource     uintptr
	MappedBufferFmt    uint32
	_                  [251]uint32
	_                  [63]uintptr
}

// nvencPicParams mirrors the leading NV_ENC_PIC_PARAMS fields; the codec
// specific tail is left zeroed.
type nvencPicParams struct {
	Version         uint32
	InputWidth      uint32
	InputHeight     uint32
	InputPitch      uint32
	EncodePicFlags  uint32
	FrameIdx        uint32
	InputTimeStamp  uint64
	InputDuration   uint64
	InputBuffer     uintptr
	OutputBitstream uintptr
	CompletionEvent uintptr
	BufferFmt       uint32
	PictureStruct   uint32
	PictureType     uint32
	_               uint32
	_               [1024]uint64
}

type nvencLockBitstream struct {
	Version              uint32
	Flags                uint32
	OutputBitstream      uintptr
	SliceOffsets         uintptr
	FrameIdx             uint32
	HwEncodeStatus       uint32
	NumSlices            uint32
	BitstreamSizeInBytes uint32
	OutputTimeStamp      uint64
	OutputDuration       uint64
	BitstreamBufferPtr   uintptr
	PictureType          uint32
	PictureStruct        uint32
	_                    [240]uint32
	_                    [64]uintptr
}

func guidWords(g GUID) (lo, hi uint64) {
	lo = uint64(g.Data1) | uint64(g.Data2)<<32 | uint64(g.Data3)<<48
	hi = binary.LittleEndian.Uint64(g.Data4[:])
	return lo, hi
}

func loadNvenc() error {
	nvencOnce.Do(func() {
		nvencInitErr = loadNvencLib()
	})
	return nvencInitErr
}

func loadNvencLib() error {
	if err := loadCuda(); err != nil {
		return err
	}
	handle, err := openDriverLib("libnvidia-encode", "NvEncodeAPICreateInstance",
		driverLibPaths("NVCODEC_NVENC_LIB", "libnvidia-encode.so.1", "libnvidia-encode.so"))
	if err != nil {
		return err
	}
	err = registerLibFuncs(handle, map[string]any{
		"NvEncodeAPIGetMaxSupportedVersion": &nvEncodeAPIGetMaxSupportedVersion,
		"NvEncodeAPICreateInstance":         &nvEncodeAPICreateInstance,
	})
	if err != nil {
		purego.Dlclose(handle)
		return err
	}

	var maxVersion uint32
	if r := nvEncodeAPIGetMaxSupportedVersion(&maxVersion); r != 0 {
		purego.Dlclose(handle)
		return fmt.Errorf("%w: NvEncodeAPIGetMaxSupportedVersion: %w", ErrNotAvailable, NvencStatus(r))
	}
	if want := uint32(nvencAPIMajor<<4 | nvencAPIMinor); maxVersion < want {
		purego.Dlclose(handle)
		return fmt.Errorf("%w: driver supports NVENC API %d.%d, need %d.%d",
			ErrNotAvailable, maxVersion>>4, maxVersion&0xf, nvencAPIMajor, nvencAPIMinor)
	}

	list := &nvencFunctionList{Version: nvencFunctionListVer}
	if r := nvEncodeAPICreateInstance(list); r != 0 {
		purego.Dlclose(handle)
		return fmt.Errorf("%w: NvEncodeAPICreateInstance: %w", ErrNotAvailable, NvencStatus(r))
	}
	if err := bindNvencFunctions(list); err != nil {
		purego.Dlclose(handle)
		return err
	}
	nvencHandle = handle
	return nil
}

func bindNvencFunctions(list *nvencFunctionList) error {
	entries := []struct {
		name string
		fn   any
		ptr  uintptr
	}{
		{"OpenEncodeSessionEx", &nvEncOpenEncodeSessionEx, list.OpenEncodeSessionEx},
		{"GetEncodeGUIDCount", &nvEncGetEncodeGUIDCount, list.GetEncodeGUIDCount},
		{"GetEncodeGUIDs", &nvEncGetEncodeGUIDs, list.GetEncodeGUIDs},
		{"GetEncodeProfileGUIDCount", &nvEncGetEncodeProfileGUIDCount, list.GetEncodeProfileGUIDCount},
		{"GetEncodeProfileGUIDs", &nvEncGetEncodeProfileGUIDs, list.GetEncodeProfileGUIDs},
		{"GetEncodePresetCount", &nvEncGetEncodePresetCount, list.GetEncodePresetCount},
		{"GetEncodePresetGUIDs", &nvEncGetEncodePresetGUIDs, list.GetEncodePresetGUIDs},
		{"GetInputFormatCount", &nvEncGetInputFormatCount, list.GetInputFormatCount},
		{"GetInputFormats", &nvEncGetInputFormats, list.GetInputFormats},
		{"GetEncodePresetConfigEx", &nvEncGetEncodePresetConfigEx, list.GetEncodePresetConfigEx},
		{"InitializeEncoder", &nvEncInitializeEncoder, list.InitializeEncoder},
		{"ReconfigureEncoder", &nvEncReconfigureEncoder, list.ReconfigureEncoder},
		{"CreateBitstreamBuffer", &nvEncCreateBitstreamBuffer, list.CreateBitstreamBuffer},
		{"DestroyBitstreamBuffer", &nvEncDestroyBitstreamBuffer, list.DestroyBitstreamBuffer},
		{"RegisterResource", &nvEncRegisterResource, list.RegisterResource},
		{"UnregisterResource", &nvEncUnregisterResource, list.UnregisterResource},
		{"MapInputResource", &nvEncMapInputResource, list.MapInputResource},
		{"UnmapInputResource", &nvEncUnmapInputResource, list.UnmapInputResource},
		{"EncodePicture", &nvEncEncodePicture, list.EncodePicture},
		{"LockBitstream", &nvEncLockBitstream, list.LockBitstream},
		{"UnlockBitstream", &nvEncUnlockBitstream, list.UnlockBitstream},
		{"DestroyEncoder", &nvEncDestroyEncoder, list.DestroyEncoder},
		{"GetLastErrorString", &nvEncGetLastErrorString, list.GetLastErrorString},
	}
	for _, e := range entries {
		if e.ptr == 0 {
			return fmt.Errorf("%w: nvenc function list has no %s", ErrNotAvailable, e.name)
		}
		purego.RegisterFunc(e.fn, e.ptr)
	}
	return nil
}

// IsEncoderAvailable reports whether libcuda and libnvidia-encode loaded
// and the driver supports the required NVENC API version.
func IsEncoderAvailable() bool {
	return loadNvenc() == nil
}

// NvencEngine implements EncodeEngine on libnvidia-encode.
type NvencEngine struct{}

// NewNvencEngine loads libnvidia-encode.
func NewNvencEngine() (*NvencEngine, error) {
	if err := loadNvenc(); err != nil {
		return nil, err
	}
	return &NvencEngine{}, nil
}

func (NvencEngine) OpenSession(dev Device) (EncodeSession, error) {
	p := &nvencOpenSessionParams{
		Version:    nvencOpenSessionVer,
		DeviceType: nvencDeviceTypeCUDA,
		Device:     dev.Handle(),
		APIVersion: nvencAPIVersion,
	}
	out := new(uintptr)
	r := nvEncOpenEncodeSessionEx(p, out)
	runtime.KeepAlive(p)
	if r != 0 {
		return nil, fmt.Errorf("NvEncOpenEncodeSessionEx: %w", NvencStatus(r))
	}
	return &nvencSession{enc: *out}, nil
}

type nvencSession struct {
	enc uintptr
	cfg *nvencPresetConfig
}

// check attaches the driver's last error string to a failed status.
func (s *nvencSession) check(call string, r int32) error {
	if r == 0 {
		return nil
	}
	st := NvencStatus(r)
	if st == nvencNeedMoreInput {
		return st
	}
	if detail := goStringFromPtr(nvEncGetLastErrorString(s.enc)); detail != "" {
		return fmt.Errorf("%s: %w: %s", call, st, detail)
	}
	return fmt.Errorf("%s: %w", call, st)
}

func (s *nvencSession) EncodeGUIDs() ([]GUID, error) {
	var n uint32
	if err := s.check("NvEncGetEncodeGUIDCount", nvEncGetEncodeGUIDCount(s.enc, &n)); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	guids := make([]GUID, n)
	var got uint32
	if err := s.check("NvEncGetEncodeGUIDs", nvEncGetEncodeGUIDs(s.enc, &guids[0], n, &got)); err != nil {
		return nil, err
	}
	return guids[:got], nil
}

func (s *nvencSession) PresetGUIDs(codec GUID) ([]GUID, error) {
	lo, hi := guidWords(codec)
	var n uint32
	if err := s.check("NvEncGetEncodePresetCount", nvEncGetEncodePresetCount(s.enc, lo, hi, &n)); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	guids := make([]GUID, n)
	var got uint32
	if err := s.check("NvEncGetEncodePresetGUIDs", nvEncGetEncodePresetGUIDs(s.enc, lo, hi, &guids[0], n, &got)); err != nil {
		return nil, err
	}
	return guids[:got], nil
}

func (s *nvencSession) ProfileGUIDs(codec GUID) ([]GUID, error) {
	lo, hi := guidWords(codec)
	var n uint32
	if err := s.check("NvEncGetEncodeProfileGUIDCount", nvEncGetEncodeProfileGUIDCount(s.enc, lo, hi, &n)); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	guids := make([]GUID, n)
	var got uint32
	if err := s.check("NvEncGetEncodeProfileGUIDs", nvEncGetEncodeProfileGUIDs(s.enc, lo, hi, &guids[0], n, &got)); err != nil {
		return nil, err
	}
	return guids[:got], nil
}

func (s *nvencSession) InputFormats(codec GUID) ([]BufferFormat, error) {
	lo, hi := guidWords(codec)
	var n uint32
	if err := s.check("NvEncGetInputFormatCount", nvEncGetInputFormatCount(s.enc, lo, hi, &n)); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	raw := make([]uint32, n)
	var got uint32
	if err := s.check("NvEncGetInputFormats", nvEncGetInputFormats(s.enc, lo, hi, &raw[0], n, &got)); err != nil {
		return nil, err
	}
	formats := make([]BufferFormat, got)
	for i := range formats {
		formats[i] = BufferFormat(raw[i])
	}
	return formats, nil
}

// buildConfig loads the preset defaults for params and applies the
// configured profile, GOP and rate control on top.
func (s *nvencSession) buildConfig(params EncodeInitParams) (*nvencPresetConfig, error) {
	cfg := &nvencPresetConfig{Version: nvencPresetConfigVer}
	cfg.putUint32(0, nvencConfigVer)
	cfg.putUint32(nvencCfgRCVersion, nvencRCParamsVer)

	lo, hi := guidWords(params.EncodeGUID)
	plo, phi := guidWords(params.PresetGUID)
	r := nvEncGetEncodePresetConfigEx(s.enc, lo, hi, plo, phi, uint32(params.Tuning), cfg)
	runtime.KeepAlive(cfg)
	if err := s.check("NvEncGetEncodePresetConfigEx", r); err != nil {
		return nil, err
	}

	if params.ProfileGUID != (GUID{}) {
		cfg.putGUID(nvencCfgProfileGUID, params.ProfileGUID)
	}
	if params.GOPLength > 0 {
		cfg.putUint32(nvencCfgGOPLength, uint32(params.GOPLength))
	}
	cfg.putUint32(nvencCfgRCMode, uint32(params.RateControl))
	if params.RateControl != RateControlConstQP {
		cfg.putUint32(nvencCfgAverageBitRate, uint32(params.AverageBitrate))
		cfg.putUint32(nvencCfgMaxBitRate, uint32(params.MaxBitrate))
	}
	return cfg, nil
}

func (s *nvencSession) nativeInit(params EncodeInitParams, cfg *nvencPresetConfig) nvencInitializeParams {
	ptd := uint32(0)
	if params.EnablePTD {
		ptd = 1
	}
	return nvencInitializeParams{
		Version:         nvencInitializeVer,
		EncodeGUID:      params.EncodeGUID,
		PresetGUID:      params.PresetGUID,
		EncodeWidth:     uint32(params.Width),
		EncodeHeight:    uint32(params.Height),
		DarWidth:        uint32(params.Width),
		DarHeight:       uint32(params.Height),
		FrameRateNum:    uint32(params.FrameRateNum),
		FrameRateDen:    uint32(params.FrameRateDen),
		EnablePTD:       ptd,
		EncodeConfig:    uintptr(unsafe.Pointer(&cfg.Config)),
		MaxEncodeWidth:  uint32(params.Width),
		MaxEncodeHeight: uint32(params.Height),
		TuningInfo:      uint32(params.Tuning),
		BufferFormat:    uint32(params.BufferFormat),
	}
}

func (s *nvencSession) Initialize(params EncodeInitParams) error {
	cfg, err := s.buildConfig(params)
	if err != nil {
		return err
	}
	var pinner runtime.Pinner
	pinner.Pin(cfg)
	defer pinner.Unpin()

	ip := s.nativeInit(params, cfg)
	r := nvEncInitializeEncoder(s.enc, &ip)
	runtime.KeepAlive(cfg)
	if err := s.check("NvEncInitializeEncoder", r); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

func (s *nvencSession) Reconfigure(params EncodeInitParams) error {
	cfg, err := s.buildConfig(params)
	if err != nil {
		return err
	}
	var pinner runtime.Pinner
	pinner.Pin(cfg)
	defer pinner.Unpin()

	rp := &nvencReconfigureParams{
		Version: nvencReconfigureVer,
		Init:    s.nativeInit(params, cfg),
		Flags:   nvencReconfigureResetFlag | nvencReconfigureForceIDRFlag,
	}
	r := nvEncReconfigureEncoder(s.enc, rp)
	runtime.KeepAlive(rp)
	runtime.KeepAlive(cfg)
	if err := s.check("NvEncReconfigureEncoder", r); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

func (s *nvencSession) CreateBitstreamBuffer() (BitstreamBuffer, error) {
	p := &nvencCreateBitstream{Version: nvencCreateBitstreamVer}
	r := nvEncCreateBitstreamBuffer(s.enc, p)
	runtime.KeepAlive(p)
	if err := s.check("NvEncCreateBitstreamBuffer", r); err != nil {
		return 0, err
	}
	return BitstreamBuffer(p.BitstreamBuffer), nil
}

func (s *nvencSession) DestroyBitstreamBuffer(b BitstreamBuffer) error {
	return s.check("NvEncDestroyBitstreamBuffer", nvEncDestroyBitstreamBuffer(s.enc, uintptr(b)))
}

func (s *nvencSession) RegisterResource(params RegisterParams) (RegisteredResource, error) {
	p := &nvencRegisterResource{
		Version:            nvencRegisterVer,
		ResourceType:       nvencResourceCUDADevicePtr,
		Width:              uint32(params.Width),
		Height:             uint32(params.Height),
		Pitch:              uint32(params.Pitch),
		ResourceToRegister: uintptr(params.Ptr),
		BufferFormat:       uint32(params.Format),
		BufferUsage:        nvencBufferUsageInputImage,
	}
	r := nvEncRegisterResource(s.enc, p)
	runtime.KeepAlive(p)
	if err := s.check("NvEncRegisterResource", r); err != nil {
		return 0, err
	}
	return RegisteredResource(p.RegisteredResource), nil
}

func (s *nvencSession) UnregisterResource(res RegisteredResource) error {
	return s.check("NvEncUnregisterResource", nvEncUnregisterResource(s.enc, uintptr(res)))
}

func (s *nvencSession) MapInputResource(res RegisteredResource) (MappedResource, error) {
	p := &nvencMapInputResource{
		Version:            nvencMapInputVer,
		RegisteredResource: uintptr(res),
	}
	r := nvEncMapInputResource(s.enc, p)
	runtime.KeepAlive(p)
	if err := s.check("NvEncMapInputResource", r); err != nil {
		return 0, err
	}
	return MappedResource(p.MappedResource), nil
}

func (s *nvencSession) UnmapInputResource(m MappedResource) error {
	return s.check("NvEncUnmapInputResource", nvEncUnmapInputResource(s.enc, uintptr(m)))
}

func (s *nvencSession) EncodePicture(params EncodePictureParams) error {
	p := &nvencPicParams{Version: nvencPicParamsVer}
	if params.EOS {
		p.EncodePicFlags = nvencPicFlagEOS
	} else {
		p.InputWidth = uint32(params.Width)
		p.InputHeight = uint32(params.Height)
		p.InputPitch = uint32(params.Pitch)
		p.FrameIdx = params.FrameIndex
		p.InputTimeStamp = params.Timestamp
		p.InputDuration = params.Duration
		p.InputBuffer = uintptr(params.Input)
		p.OutputBitstream = uintptr(params.Output)
		p.BufferFmt = uint32(params.Format)
		p.PictureStruct = nvencPicStructFrame
	}
	r := nvEncEncodePicture(s.enc, p)
	runtime.KeepAlive(p)
	return s.check("NvEncEncodePicture", r)
}

func (s *nvencSession) LockBitstream(b BitstreamBuffer) (LockedBitstream, error) {
	p := &nvencLockBitstream{
		Version:         nvencLockBitstreamVer,
		OutputBitstream: uintptr(b),
	}
	r := nvEncLockBitstream(s.enc, p)
	runtime.KeepAlive(p)
	if err := s.check("NvEncLockBitstream", r); err != nil {
		return LockedBitstream{}, err
	}
	var data []byte
	if p.BitstreamBufferPtr != 0 && p.BitstreamSizeInBytes > 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(p.BitstreamBufferPtr)), p.BitstreamSizeInBytes)
	}
	return LockedBitstream{
		Data:        data,
		PictureType: PictureType(p.PictureType),
		Timestamp:   p.OutputTimeStamp,
		Duration:    p.OutputDuration,
	}, nil
}

func (s *nvencSession) UnlockBitstream(b BitstreamBuffer) error {
	return s.check("NvEncUnlockBitstream", nvEncUnlockBitstream(s.enc, uintptr(b)))
}

func (s *nvencSession) Destroy() error {
	if s.enc == 0 {
		return nil
	}
	r := nvEncDestroyEncoder(s.enc)
	s.enc = 0
	s.cfg = nil
	if r != 0 {
		return fmt.Errorf("NvEncDestroyEncoder: %w", NvencStatus(r))
	}
	return nil
}
