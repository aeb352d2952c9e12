package nvcodec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// copyElementSize is the access width used when allocating copy buffers.
const copyElementSize = 16

// eosFrameIndex marks the end-of-stream picture.
const eosFrameIndex = ^uint32(0)

// encodeSlot is the per-permit state: one bitstream buffer, an optional
// persistent copy buffer and the input currently mapped into it.
type encodeSlot struct {
	bitstream BitstreamBuffer
	copyPtr   DevicePtr
	copyPitch int
	input     *mappedInput
}

// mappedInput is a device picture registered and mapped as encoder input.
// For zero-copy submissions it owns the borrowed frame until torn down.
type mappedInput struct {
	registered RegisteredResource
	mapped     MappedResource
	pitch      int
	timestamp  int64
	frame      EncoderInput
}

// EncoderStats holds encoder counters.
type EncoderStats struct {
	FramesQueued     uint64
	FramesCopied     uint64
	NeedMoreInput    uint64
	SubmitErrors     uint64
	PacketsRetrieved uint64
	BytesRetrieved   uint64
	Keyframes        uint64
}

// Encoder drives one NVENC session with a pipelined submission protocol.
// QueueFrame submits pictures; NextPacket retrieves access units in
// submission order. Submission and retrieval may run on different
// goroutines. At most Surfaces pictures are in the encoder at once.
type Encoder struct {
	cfg     EncoderConfig
	dev     Device
	session EncodeSession
	nego    negotiation
	log     *slog.Logger
	name    string

	ctx    context.Context
	cancel context.CancelFunc

	pool  *ResourcePool
	slots []encodeSlot

	// Lock order: sessionMu before submitMu.
	sessionMu sync.RWMutex
	closed    bool

	submitMu sync.Mutex
	pending  []Permit
	eos      bool
	frameIdx uint32

	output *fifo[Permit]

	closeOnce  sync.Once
	closeError error

	statsMu sync.Mutex
	stats   EncoderStats
}

// NewEncoder opens an NVENC session on dev, negotiates codec, preset,
// profile and input format, initializes the encoder and allocates
// cfg.Surfaces bitstream buffers.
func NewEncoder(dev Device, eng EncodeEngine, cfg EncoderConfig) (*Encoder, error) {
	if dev == nil || eng == nil {
		return nil, setupErr("arguments", errors.New("nil device or engine"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, setupErr("config", err)
	}
	name := cfg.Name
	if name == "" {
		name = newName("enc")
	}
	e := &Encoder{
		cfg:    cfg,
		dev:    dev,
		name:   name,
		log:    componentLogger(cfg.Logger, "nvenc", name),
		pool:   NewResourcePool(cfg.Surfaces),
		slots:  make([]encodeSlot, cfg.Surfaces),
		output: newFifo[Permit](cfg.Surfaces),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	var cleanups []func()
	fail := func(stage string, err error) (*Encoder, error) {
		_ = withDevice(dev, func() error {
			for i := len(cleanups) - 1; i >= 0; i-- {
				cleanups[i]()
			}
			return nil
		})
		e.cancel()
		return nil, setupErr(stage, err)
	}

	err := withDevice(dev, func() error {
		var err error
		e.session, err = eng.OpenSession(dev)
		return err
	})
	if err != nil {
		return fail("open session", err)
	}
	cleanups = append(cleanups, func() { _ = e.session.Destroy() })

	var nego negotiation
	err = withDevice(dev, func() error {
		var err error
		nego, err = negotiate(e.session, cfg)
		return err
	})
	if err != nil {
		return fail("negotiate", err)
	}
	e.nego = nego

	if err := withDevice(dev, func() error { return e.session.Initialize(e.initParams()) }); err != nil {
		return fail("initialize", err)
	}

	for i := range e.slots {
		var b BitstreamBuffer
		err := withDevice(dev, func() error {
			var err error
			b, err = e.session.CreateBitstreamBuffer()
			return err
		})
		if err != nil {
			return fail("bitstream buffer", err)
		}
		e.slots[i].bitstream = b
		cleanups = append(cleanups, func() { _ = e.session.DestroyBitstreamBuffer(b) })
	}

	e.log.Debug("encoder created", "codec", cfg.Codec, "size", sizeAttr(cfg.Width, cfg.Height),
		"preset", nego.preset, "profile", nego.profile, "surfaces", cfg.Surfaces)
	return e, nil
}

func (e *Encoder) initParams() EncodeInitParams {
	return EncodeInitParams{
		EncodeGUID:     e.nego.codec,
		PresetGUID:     e.nego.preset,
		ProfileGUID:    e.nego.profile,
		Tuning:         e.nego.tuning,
		Width:          e.cfg.Width,
		Height:         e.cfg.Height,
		FrameRateNum:   e.cfg.FrameRateNum,
		FrameRateDen:   e.cfg.FrameRateDen,
		GOPLength:      e.cfg.GOPLength,
		RateControl:    e.cfg.RateControl,
		AverageBitrate: e.cfg.BitrateBps,
		MaxBitrate:     e.cfg.MaxBitrate,
		EnablePTD:      true,
		BufferFormat:   BufferFormatNV12,
	}
}

// Name returns the encoder's log name.
func (e *Encoder) Name() string { return e.name }

// Config returns the active configuration.
func (e *Encoder) Config() EncoderConfig {
	e.sessionMu.RLock()
	defer e.sessionMu.RUnlock()
	return e.cfg
}

// Pending returns the number of pictures accepted by the engine whose
// output is still deferred.
func (e *Encoder) Pending() int {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()
	return len(e.pending)
}

// Stats returns a snapshot of the encoder counters.
func (e *Encoder) Stats() EncoderStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *Encoder) addStat(f func(s *EncoderStats)) {
	e.statsMu.Lock()
	f(&e.stats)
	e.statsMu.Unlock()
}

// QueueFrame submits one picture. The encoder takes ownership of frame and
// releases it when done: right after the copy when copyFrame is set,
// otherwise once the picture's bitstream has been retrieved. It blocks
// while all surfaces are in use.
//
// It returns true when the engine produced output, making this and any
// deferred pictures available to NextPacket, and false when the engine
// asked for more input first.
func (e *Encoder) QueueFrame(ctx context.Context, frame EncoderInput, copyFrame bool) (bool, error) {
	if e.eosSent() {
		_ = frame.Release()
		return false, ErrEOSSent
	}
	s := frame.Surface()
	cfg := e.Config()
	if s.Width != cfg.Width || s.Height != cfg.Height {
		_ = frame.Release()
		return false, fmt.Errorf("%w: frame %dx%d, encoder %dx%d", ErrFrameSize,
			s.Width, s.Height, cfg.Width, cfg.Height)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	permit, err := e.pool.Acquire(ctx)
	if err != nil {
		_ = frame.Release()
		if e.ctx.Err() != nil {
			return false, ErrClosed
		}
		return false, err
	}

	e.sessionMu.RLock()
	defer e.sessionMu.RUnlock()
	if e.closed {
		_ = frame.Release()
		e.pool.Release(permit)
		return false, ErrClosed
	}

	in, err := e.mapInput(permit, frame, copyFrame)
	if err != nil {
		e.pool.Release(permit)
		e.addStat(func(s *EncoderStats) { s.SubmitErrors++ })
		return false, err
	}

	e.submitMu.Lock()
	defer e.submitMu.Unlock()
	if e.eos {
		e.unmapInput(permit)
		e.pool.Release(permit)
		return false, ErrEOSSent
	}

	params := EncodePictureParams{
		Input:      in.mapped,
		Output:     e.slots[permit].bitstream,
		Format:     BufferFormatNV12,
		Width:      e.cfg.Width,
		Height:     e.cfg.Height,
		Pitch:      in.pitch,
		FrameIndex: e.frameIdx,
		Timestamp:  uint64(in.timestamp),
		Duration:   e.cfg.frameDuration(),
	}
	e.frameIdx++
	err = withDevice(e.dev, func() error { return e.session.EncodePicture(params) })
	e.addStat(func(s *EncoderStats) { s.FramesQueued++ })

	switch {
	case err == nil:
		e.flushPending()
		e.flush(permit)
		return true, nil
	case errors.Is(err, ErrNeedMoreInput):
		e.pending = append(e.pending, permit)
		e.addStat(func(s *EncoderStats) { s.NeedMoreInput++ })
		return false, nil
	default:
		e.unmapInput(permit)
		e.pool.Release(permit)
		e.addStat(func(s *EncoderStats) { s.SubmitErrors++ })
		return false, fmt.Errorf("encode picture: %w", err)
	}
}

// SendEOS drains the encoder. Deferred pictures become available to
// NextPacket, after which it reports io.EOF. QueueFrame fails with
// ErrEOSSent afterwards; further SendEOS calls return nil.
func (e *Encoder) SendEOS() error {
	e.sessionMu.RLock()
	defer e.sessionMu.RUnlock()
	e.submitMu.Lock()
	defer e.submitMu.Unlock()
	if e.eos {
		return nil
	}
	if e.closed {
		return ErrClosed
	}
	e.eos = true

	err := withDevice(e.dev, func() error {
		return e.session.EncodePicture(EncodePictureParams{EOS: true, FrameIndex: eosFrameIndex})
	})
	e.flushPending()
	e.output.close()
	if err != nil {
		return fmt.Errorf("send eos: %w", err)
	}
	e.log.Debug("end of stream sent")
	return nil
}

func (e *Encoder) eosSent() bool {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()
	return e.eos
}

// flushPending hands every deferred permit to the retrieval path in
// submission order. Must hold submitMu.
func (e *Encoder) flushPending() {
	for _, p := range e.pending {
		e.flush(p)
	}
	e.pending = e.pending[:0]
}

// flush never blocks: the output queue holds as many entries as there are
// permits.
func (e *Encoder) flush(p Permit) {
	if err := e.output.send(context.Background(), p); err != nil {
		e.log.Error("retrieval queue closed with picture in flight", "permit", int(p), "err", err)
	}
}

// mapInput prepares the picture for permit, copying it into the slot's
// persistent buffer when copyFrame is set. Must hold sessionMu.
func (e *Encoder) mapInput(permit Permit, frame EncoderInput, copyFrame bool) (*mappedInput, error) {
	slot := &e.slots[permit]
	s := frame.Surface()
	in := &mappedInput{timestamp: s.Timestamp, pitch: s.Pitch}
	ptr := s.Ptr
	rows := e.cfg.Height * 3 / 2

	err := withDevice(e.dev, func() error {
		if copyFrame {
			if slot.copyPtr == 0 {
				p, pitch, err := e.dev.MallocPitch(e.cfg.Width, rows, copyElementSize)
				if err != nil {
					return fmt.Errorf("allocate copy buffer: %w", err)
				}
				slot.copyPtr, slot.copyPitch = p, pitch
			}
			if err := e.dev.Memcpy2D(slot.copyPtr, slot.copyPitch, s.Ptr, s.Pitch, e.cfg.Width, rows); err != nil {
				return fmt.Errorf("copy frame: %w", err)
			}
			ptr, in.pitch = slot.copyPtr, slot.copyPitch
		} else {
			in.frame = frame
		}

		reg, err := e.session.RegisterResource(RegisterParams{
			Ptr:    ptr,
			Pitch:  in.pitch,
			Width:  e.cfg.Width,
			Height: e.cfg.Height,
			Format: BufferFormatNV12,
		})
		if err != nil {
			return fmt.Errorf("register resource: %w", err)
		}
		mapped, err := e.session.MapInputResource(reg)
		if err != nil {
			_ = e.session.UnregisterResource(reg)
			return fmt.Errorf("map input resource: %w", err)
		}
		in.registered, in.mapped = reg, mapped
		return nil
	})
	if copyFrame || err != nil {
		_ = frame.Release()
	}
	if err != nil {
		return nil, err
	}
	if copyFrame {
		e.addStat(func(s *EncoderStats) { s.FramesCopied++ })
	}
	slot.input = in
	return in, nil
}

// unmapInput tears down the input mapped for permit and releases a
// borrowed frame. Must hold sessionMu.
func (e *Encoder) unmapInput(permit Permit) {
	slot := &e.slots[permit]
	in := slot.input
	if in == nil {
		return
	}
	slot.input = nil
	err := withDevice(e.dev, func() error {
		return errors.Join(
			e.session.UnmapInputResource(in.mapped),
			e.session.UnregisterResource(in.registered),
		)
	})
	if err != nil {
		e.log.Warn("release input resource failed", "permit", int(permit), "err", err)
	}
	if in.frame != nil {
		_ = in.frame.Release()
	}
}

// Reconfigure changes the encoded size. It waits until every in-flight
// picture has been retrieved and fails with ErrBusy while the engine holds
// pictures waiting for more input.
func (e *Encoder) Reconfigure(ctx context.Context, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: encoder size %dx%d", ErrInvalidConfig, width, height)
	}
	if n := e.Pending(); n > 0 {
		return fmt.Errorf("%w: %d pictures awaiting more input", ErrBusy, n)
	}
	held := make([]Permit, 0, e.pool.Size())
	defer func() {
		for _, p := range held {
			e.pool.Release(p)
		}
	}()
	for range e.pool.Size() {
		p, err := e.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		held = append(held, p)
	}

	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()
	if e.closed {
		return ErrClosed
	}
	prev := e.cfg
	e.cfg.Width, e.cfg.Height = width, height
	err := withDevice(e.dev, func() error {
		if err := e.session.Reconfigure(e.initParams()); err != nil {
			return err
		}
		for i := range e.slots {
			if e.slots[i].copyPtr != 0 {
				_ = e.dev.Free(e.slots[i].copyPtr)
				e.slots[i].copyPtr, e.slots[i].copyPitch = 0, 0
			}
		}
		return nil
	})
	if err != nil {
		e.cfg = prev
		return fmt.Errorf("reconfigure encoder: %w", err)
	}
	e.log.Info("encoder reconfigured", "size", sizeAttr(width, height))
	return nil
}

// Close destroys the session. Pictures not yet retrieved are dropped and
// NextPacket reports io.EOF.
func (e *Encoder) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
		e.submitMu.Lock()
		e.eos = true
		e.pending = nil
		e.submitMu.Unlock()
		e.output.close()

		e.sessionMu.Lock()
		defer e.sessionMu.Unlock()
		e.closed = true

		var errs []error
		err := withDevice(e.dev, func() error {
			for i := range e.slots {
				e.unmapInput(Permit(i))
				if err := e.session.DestroyBitstreamBuffer(e.slots[i].bitstream); err != nil {
					errs = append(errs, fmt.Errorf("destroy bitstream buffer: %w", err))
				}
				if e.slots[i].copyPtr != 0 {
					if err := e.dev.Free(e.slots[i].copyPtr); err != nil {
						errs = append(errs, fmt.Errorf("free copy buffer: %w", err))
					}
					e.slots[i].copyPtr = 0
				}
			}
			return e.session.Destroy()
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("destroy session: %w", err))
		}
		e.closeError = errors.Join(errs...)
		e.log.Debug("encoder closed", "stats", e.Stats())
	})
	return e.closeError
}
