package nvcodec

import (
	"errors"
	"sync"
	"sync/atomic"
)

// fakeDevice is an in-memory Device. Allocations are tracked so tests can
// check that everything is freed.
type fakeDevice struct {
	mu     sync.Mutex
	next   DevicePtr
	allocs map[DevicePtr]int
	copies int

	depth  atomic.Int32
	pushes atomic.Int64
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{next: 0x10_0000, allocs: make(map[DevicePtr]int)}
}

func (d *fakeDevice) Push() error {
	d.depth.Add(1)
	d.pushes.Add(1)
	return nil
}

func (d *fakeDevice) Pop() error {
	if d.depth.Add(-1) < 0 {
		return errors.New("fake: pop without push")
	}
	return nil
}

func (d *fakeDevice) Handle() uintptr { return 0xc0 }

func (d *fakeDevice) MallocPitch(widthBytes, height, elementSize int) (DevicePtr, int, error) {
	pitch := (widthBytes + 255) &^ 255
	d.mu.Lock()
	defer d.mu.Unlock()
	ptr := d.next
	d.next += DevicePtr(pitch * height)
	d.allocs[ptr] = pitch * height
	return ptr, pitch, nil
}

func (d *fakeDevice) Memcpy2D(dst DevicePtr, dstPitch int, src DevicePtr, srcPitch int, widthBytes, height int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.allocs[dst]; !ok {
		return errors.New("fake: copy to unallocated buffer")
	}
	d.copies++
	return nil
}

func (d *fakeDevice) Free(ptr DevicePtr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.allocs[ptr]; !ok {
		return errors.New("fake: double free")
	}
	delete(d.allocs, ptr)
	return nil
}

func (d *fakeDevice) liveAllocs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.allocs)
}

// fakeDecodeEngine simulates NVDEC with a decoder that displays every
// picture as soon as it is decoded. Each queued packet becomes one picture;
// a pending format change is announced through OnSequence first.
type fakeDecodeEngine struct {
	mu sync.Mutex

	caps       DecoderCaps
	capsErr    error
	format     VideoFormat
	seqPending bool
	surfaces   int
	nextPic    int

	handlers map[ParserHandle]ParserHandler
	parsers  int

	locks       int
	created     []DecoderCreateInfo
	reconfigs   []ReconfigureInfo
	destroyed   int
	nextHandle  DecoderHandle
	liveDecoder map[DecoderHandle]bool

	mapped      map[DevicePtr]int
	mappedIdx   map[int]bool
	mappedBy    map[DevicePtr]DecoderHandle
	nextPtr     DevicePtr
	maxMapped   int
	mapErr      error
	statuses    map[int]DecodeStatus
	overwrites  int // DecodePicture on a surface still mapped
	destroyBusy int // DestroyDecoder while the decoder had mapped frames
}

func newFakeDecodeEngine(width, height int) *fakeDecodeEngine {
	return &fakeDecodeEngine{
		caps: DecoderCaps{
			Supported:        true,
			NumNVDECs:        1,
			OutputFormatMask: 1 << SurfaceNV12,
			MaxWidth:         4096,
			MaxHeight:        4096,
			MaxMBCount:       65536,
			MinWidth:         48,
			MinHeight:        16,
		},
		format:      fakeFormat(width, height),
		seqPending:  true,
		handlers:    make(map[ParserHandle]ParserHandler),
		liveDecoder: make(map[DecoderHandle]bool),
		mapped:      make(map[DevicePtr]int),
		mappedIdx:   make(map[int]bool),
		mappedBy:    make(map[DevicePtr]DecoderHandle),
		nextPtr:     0x4000_0000,
		statuses:    make(map[int]DecodeStatus),
	}
}

func fakeFormat(width, height int) VideoFormat {
	return VideoFormat{
		Codec:                CodecH264,
		FrameRateNum:         30,
		FrameRateDen:         1,
		ProgressiveSequence:  true,
		MinNumDecodeSurfaces: 4,
		CodedWidth:           (width + 15) &^ 15,
		CodedHeight:          (height + 15) &^ 15,
		DisplayArea:          Rect{Right: width, Bottom: height},
		ChromaFormat:         Chroma420,
	}
}

// setFormat makes the next queued packet start a new sequence.
func (e *fakeDecodeEngine) setFormat(f VideoFormat) {
	e.mu.Lock()
	e.format = f
	e.seqPending = true
	e.mu.Unlock()
}

func (e *fakeDecodeEngine) CreateContextLock(dev Device) (CtxLock, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locks++
	return CtxLock(e.locks), nil
}

func (e *fakeDecodeEngine) DestroyContextLock(lock CtxLock) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locks--
	return nil
}

func (e *fakeDecodeEngine) CreateParser(params ParserParams, h ParserHandler) (ParserHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.parsers++
	p := ParserHandle(e.parsers)
	e.handlers[p] = h
	return p, nil
}

func (e *fakeDecodeEngine) DestroyParser(p ParserHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, p)
	return nil
}

func (e *fakeDecodeEngine) ParseVideoData(p ParserHandle, pkt SourcePacket) error {
	e.mu.Lock()
	h := e.handlers[p]
	if h == nil {
		e.mu.Unlock()
		return errors.New("fake: unknown parser")
	}
	if pkt.Flags&PacketEndOfStream != 0 {
		e.mu.Unlock()
		h.OnDisplay(nil)
		return nil
	}
	format, announce := e.format, e.seqPending
	e.seqPending = false
	e.mu.Unlock()

	if announce {
		n := h.OnSequence(&format)
		if n == 0 {
			return errors.New("fake: sequence rejected")
		}
		e.mu.Lock()
		e.surfaces = n
		e.mu.Unlock()
	}

	e.mu.Lock()
	if e.surfaces == 0 {
		e.mu.Unlock()
		return errors.New("fake: picture before sequence")
	}
	idx := e.nextPic % e.surfaces
	e.nextPic++
	e.mu.Unlock()

	if h.OnDecode(&PictureParams{CurrPicIdx: idx}) == 0 {
		return errors.New("fake: decode callback failed")
	}
	if h.OnDisplay(&DisplayInfo{PictureIndex: idx, ProgressiveFrame: true, Timestamp: pkt.Timestamp}) == 0 {
		return errors.New("fake: display callback failed")
	}
	return nil
}

func (e *fakeDecodeEngine) DecoderCaps(q DecoderCapsQuery) (DecoderCaps, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.caps, e.capsErr
}

func (e *fakeDecodeEngine) CreateDecoder(info DecoderCreateInfo) (DecoderHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.created = append(e.created, info)
	e.nextHandle++
	e.liveDecoder[e.nextHandle] = true
	return e.nextHandle, nil
}

func (e *fakeDecodeEngine) ReconfigureDecoder(d DecoderHandle, info ReconfigureInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.liveDecoder[d] {
		return CUresult(400)
	}
	e.reconfigs = append(e.reconfigs, info)
	return nil
}

func (e *fakeDecodeEngine) DestroyDecoder(d DecoderHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.liveDecoder[d] {
		return CUresult(400)
	}
	for _, owner := range e.mappedBy {
		if owner == d {
			e.destroyBusy++
			break
		}
	}
	delete(e.liveDecoder, d)
	e.destroyed++
	return nil
}

func (e *fakeDecodeEngine) DecodePicture(d DecoderHandle, pic *PictureParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.liveDecoder[d] {
		return CUresult(400)
	}
	if e.mappedIdx[pic.CurrPicIdx] {
		e.overwrites++
	}
	return nil
}

func (e *fakeDecodeEngine) MapFrame(d DecoderHandle, idx int, proc ProcParams) (DevicePtr, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mapErr != nil {
		return 0, 0, e.mapErr
	}
	if !e.liveDecoder[d] {
		return 0, 0, CUresult(400)
	}
	e.nextPtr += 0x10_0000
	e.mapped[e.nextPtr] = idx
	e.mappedIdx[idx] = true
	e.mappedBy[e.nextPtr] = d
	e.maxMapped = max(e.maxMapped, len(e.mapped))
	return e.nextPtr, 2048, nil
}

func (e *fakeDecodeEngine) UnmapFrame(d DecoderHandle, ptr DevicePtr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.mapped[ptr]
	if !ok {
		return CUresult(1)
	}
	delete(e.mapped, ptr)
	delete(e.mappedIdx, idx)
	delete(e.mappedBy, ptr)
	return nil
}

func (e *fakeDecodeEngine) DecodeStatus(d DecoderHandle, idx int) (DecodeStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.statuses[idx]; ok {
		return st, nil
	}
	return DecodeStatusSuccess, nil
}

// mappedWith returns the decoder that mapped ptr.
func (e *fakeDecodeEngine) mappedWith(ptr DevicePtr) DecoderHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mappedBy[ptr]
}

func (e *fakeDecodeEngine) destroyCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

func (e *fakeDecodeEngine) snapshot() (created, reconfigs, destroyed, mapped, maxMapped, overwrites int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.created), len(e.reconfigs), e.destroyed, len(e.mapped), e.maxMapped, e.overwrites
}

// fakeEncodeEngine opens fakeEncodeSessions. Offered GUIDs default to
// everything the package knows about.
type fakeEncodeEngine struct {
	mu       sync.Mutex
	sessions []*fakeEncodeSession
	openErr  error

	codecs   []GUID
	presets  []GUID
	profiles []GUID
	formats  []BufferFormat

	// delay makes the first delay pictures of each session return
	// need-more-input, as a B-frame encoder would.
	delay       int
	reconfigErr error
}

func newFakeEncodeEngine() *fakeEncodeEngine {
	presets := make([]GUID, 0, len(presetGUIDs))
	for _, g := range presetGUIDs {
		presets = append(presets, g)
	}
	return &fakeEncodeEngine{
		codecs:   []GUID{codecH264GUID, codecHEVCGUID},
		presets:  presets,
		profiles: []GUID{profileH264MainGUID, profileH264HighGUID, profileHEVCMainGUID},
		formats:  []BufferFormat{BufferFormatNV12},
	}
}

func (e *fakeEncodeEngine) OpenSession(dev Device) (EncodeSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openErr != nil {
		return nil, e.openErr
	}
	s := &fakeEncodeSession{
		eng:        e,
		bitstreams: make(map[BitstreamBuffer]*fakeBitstream),
		registered: make(map[RegisteredResource]RegisterParams),
		mapped:     make(map[MappedResource]RegisteredResource),
	}
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *fakeEncodeEngine) session(i int) *fakeEncodeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[i]
}

type fakeBitstream struct {
	filled bool
	pic    EncodePictureParams
	locked bool
}

type fakeEncodeSession struct {
	eng *fakeEncodeEngine

	mu          sync.Mutex
	init        EncodeInitParams
	reconfigs   []EncodeInitParams
	bitstreams  map[BitstreamBuffer]*fakeBitstream
	nextBuf     BitstreamBuffer
	registered  map[RegisteredResource]RegisterParams
	nextReg     RegisteredResource
	mapped      map[MappedResource]RegisteredResource
	nextMap     MappedResource
	submitted   []EncodePictureParams
	eosCount    int
	destroyed   bool
	submitErr   error
	maxInFlight int
}

func (s *fakeEncodeSession) EncodeGUIDs() ([]GUID, error) { return s.eng.codecs, nil }

func (s *fakeEncodeSession) PresetGUIDs(codec GUID) ([]GUID, error) { return s.eng.presets, nil }

func (s *fakeEncodeSession) ProfileGUIDs(codec GUID) ([]GUID, error) { return s.eng.profiles, nil }

func (s *fakeEncodeSession) InputFormats(codec GUID) ([]BufferFormat, error) {
	return s.eng.formats, nil
}

func (s *fakeEncodeSession) Initialize(params EncodeInitParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init = params
	return nil
}

func (s *fakeEncodeSession) Reconfigure(params EncodeInitParams) error {
	if s.eng.reconfigErr != nil {
		return s.eng.reconfigErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconfigs = append(s.reconfigs, params)
	s.init = params
	return nil
}

func (s *fakeEncodeSession) CreateBitstreamBuffer() (BitstreamBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextBuf++
	s.bitstreams[s.nextBuf] = &fakeBitstream{}
	return s.nextBuf, nil
}

func (s *fakeEncodeSession) DestroyBitstreamBuffer(b BitstreamBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bitstreams[b]; !ok {
		return nvencStatusInvalidParam
	}
	delete(s.bitstreams, b)
	return nil
}

const nvencStatusInvalidParam NvencStatus = 8

func (s *fakeEncodeSession) RegisterResource(params RegisterParams) (RegisteredResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextReg++
	s.registered[s.nextReg] = params
	return s.nextReg, nil
}

func (s *fakeEncodeSession) UnregisterResource(r RegisteredResource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.registered[r]; !ok {
		return nvencStatusInvalidParam
	}
	delete(s.registered, r)
	return nil
}

func (s *fakeEncodeSession) MapInputResource(r RegisteredResource) (MappedResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMap++
	s.mapped[s.nextMap] = r
	return s.nextMap, nil
}

func (s *fakeEncodeSession) UnmapInputResource(m MappedResource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mapped[m]; !ok {
		return nvencStatusInvalidParam
	}
	delete(s.mapped, m)
	return nil
}

func (s *fakeEncodeSession) EncodePicture(params EncodePictureParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if params.EOS {
		s.eosCount++
		return nil
	}
	if s.submitErr != nil {
		return s.submitErr
	}
	b, ok := s.bitstreams[params.Output]
	if !ok {
		return nvencStatusInvalidParam
	}
	if b.filled {
		return nvencEncoderBusy
	}
	b.filled, b.pic = true, params
	s.submitted = append(s.submitted, params)
	inFlight := 0
	for _, bs := range s.bitstreams {
		if bs.filled {
			inFlight++
		}
	}
	s.maxInFlight = max(s.maxInFlight, inFlight)
	if len(s.submitted) <= s.eng.delay {
		return nvencNeedMoreInput
	}
	return nil
}

func (s *fakeEncodeSession) LockBitstream(b BitstreamBuffer) (LockedBitstream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs, ok := s.bitstreams[b]
	if !ok || !bs.filled {
		return LockedBitstream{}, nvencStatusInvalidParam
	}
	bs.locked = true
	typ, nal := PictureTypeP, byte(0x41)
	if bs.pic.FrameIndex == 0 {
		typ, nal = PictureTypeIDR, 0x65
	}
	return LockedBitstream{
		Data:        []byte{0, 0, 0, 1, nal, byte(bs.pic.FrameIndex)},
		PictureType: typ,
		Timestamp:   bs.pic.Timestamp,
		Duration:    bs.pic.Duration,
	}, nil
}

func (s *fakeEncodeSession) UnlockBitstream(b BitstreamBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs, ok := s.bitstreams[b]
	if !ok || !bs.locked {
		return nvencStatusInvalidParam
	}
	bs.locked, bs.filled = false, false
	return nil
}

func (s *fakeEncodeSession) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	return nil
}

// leaks reports resources still held by the session.
func (s *fakeEncodeSession) leaks() (bitstreams, registered, mapped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bitstreams), len(s.registered), len(s.mapped)
}

// testFrame is an EncoderInput that counts releases.
type testFrame struct {
	surface  Surface
	released atomic.Int32
}

func newTestFrame(width, height int, ts int64) *testFrame {
	return &testFrame{surface: Surface{Ptr: 0xf000_0000, Pitch: 2048, Width: width, Height: height, Timestamp: ts}}
}

func (f *testFrame) Surface() Surface { return f.surface }

func (f *testFrame) Release() error {
	f.released.Add(1)
	return nil
}
