package nvcodec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Parser settings applied to every decoder.
const (
	parserClockRate      = ClockRate
	parserErrorThreshold = 100
)

// decoderState tracks the decoder through sequence changes.
type decoderState int

const (
	decoderUninitialized decoderState = iota
	decoderCreated
	decoderReconfiguring
	decoderRecreating
	decoderClosed
)

func (s decoderState) String() string {
	switch s {
	case decoderUninitialized:
		return "uninitialized"
	case decoderCreated:
		return "created"
	case decoderReconfiguring:
		return "reconfiguring"
	case decoderRecreating:
		return "recreating"
	case decoderClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// preparedFrame is a displayed picture waiting to be mapped. The output
// geometry is captured at display time; generation identifies the decoder
// that produced the picture.
type preparedFrame struct {
	timestamp  int64
	index      int
	proc       ProcParams
	generation uint64
	width      int
	height     int
	format     SurfaceFormat
}

// DecoderStats holds decoder counters.
type DecoderStats struct {
	PacketsQueued   uint64
	PicturesDecoded uint64
	DecodeErrors    uint64
	FramesDisplayed uint64
	FramesMapped    uint64
	MapFailures     uint64
	StaleFrames     uint64 // Pictures dropped because their decoder was destroyed
	ErrorFrames     uint64 // Mapped frames carrying a decode error
	SurfaceWaits    uint64 // Decodes that had to wait for a surface
	Reconfigures    uint64
	Recreates       uint64
}

// Decoder drives an NVDEC parser and decoder. Compressed data goes in
// through Queue; decoded pictures come out of NextFrame as GpuFrames that
// must be released by the caller. Parser callbacks may run on a different
// goroutine than the consumer.
//
// A Decoder must not be copied.
type Decoder struct {
	cfg  DecoderConfig
	dev  Device
	eng  DecodeEngine
	log  *slog.Logger
	name string

	ctx    context.Context
	cancel context.CancelFunc

	ctxLock CtxLock
	parser  ParserHandle

	// parseMu serializes use of the parser handle.
	parseMu sync.Mutex

	tracker frameTracker
	gate    *inflightGate
	frames  *fifo[preparedFrame]

	// mu guards the decoder handle and the negotiated sequence state.
	// Writers drain gate before taking it.
	mu             sync.RWMutex
	state          decoderState
	handle         DecoderHandle
	hasDecoder     bool
	format         VideoFormat
	decodeSurfaces int
	outputSurfaces int
	outWidth       int
	outHeight      int
	outFormat      SurfaceFormat
	maxWidth       int
	maxHeight      int
	generation     uint64 // Bumped whenever a decoder handle is destroyed

	// undelivered counts displayed pictures that do not hold an in-flight
	// slot yet. Recreation waits for it to reach zero.
	undelivered atomic.Int64

	eosSent    atomic.Bool
	eosSeen    atomic.Bool
	closed     atomic.Bool
	closeOnce  sync.Once
	closeError error

	statsMu sync.Mutex
	stats   DecoderStats
}

// NewDecoder creates a parser for cfg.Codec bound to dev. The hardware
// decoder itself is created on the first sequence header.
func NewDecoder(dev Device, eng DecodeEngine, cfg DecoderConfig) (*Decoder, error) {
	if dev == nil || eng == nil {
		return nil, setupErr("arguments", errors.New("nil device or engine"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, setupErr("config", err)
	}
	name := cfg.Name
	if name == "" {
		name = newName("dec")
	}

	d := &Decoder{
		cfg:    cfg,
		dev:    dev,
		eng:    eng,
		name:   name,
		log:    componentLogger(cfg.Logger, "nvdec", name),
		frames: newFifo[preparedFrame](cfg.PictureBuffer),
	}
	d.gate = newInflightGate(d.resolveOutputSurfaces(max(cfg.DecodeSurfaces, 1)))
	d.ctx, d.cancel = context.WithCancel(context.Background())

	var cleanups []func()
	fail := func(stage string, err error) (*Decoder, error) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		d.cancel()
		return nil, setupErr(stage, err)
	}

	lock, err := eng.CreateContextLock(dev)
	if err != nil {
		return fail("context lock", err)
	}
	d.ctxLock = lock
	cleanups = append(cleanups, func() { _ = eng.DestroyContextLock(lock) })

	params := ParserParams{
		Codec:                cfg.Codec,
		MaxNumDecodeSurfaces: max(cfg.DecodeSurfaces, 1),
		ClockRate:            parserClockRate,
		ErrorThreshold:       parserErrorThreshold,
		MaxDisplayDelay:      1,
	}
	if cfg.LowLatency {
		params.MaxDisplayDelay = 0
	}
	parser, err := eng.CreateParser(params, decoderCallbacks{d})
	if err != nil {
		return fail("parser", err)
	}
	d.parser = parser

	d.log.Debug("decoder created", "codec", cfg.Codec, "low_latency", cfg.LowLatency,
		"keyframe_only", cfg.KeyframeOnly)
	return d, nil
}

// Name returns the decoder's log name.
func (d *Decoder) Name() string { return d.name }

// Queue hands one chunk of compressed data to the parser. Parser callbacks
// run before Queue returns and may block while the picture buffer is full,
// so the consumer must not be the goroutine calling Queue when a bounded
// PictureBuffer is configured. A bit depth or chroma change recreates the
// decoder inside Queue: it waits for every held GpuFrame to be released,
// and for up to a second for queued pictures to be taken. Queued pictures
// left after that come out of NextFrame as ErrNoFrame.
func (d *Decoder) Queue(data []byte, timestamp int64) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if d.eosSent.Load() {
		return ErrEOSSent
	}
	d.parseMu.Lock()
	defer d.parseMu.Unlock()
	if d.closed.Load() {
		return ErrClosed
	}
	err := d.eng.ParseVideoData(d.parser, SourcePacket{
		Payload:   data,
		Timestamp: timestamp,
		Flags:     PacketTimestamp,
	})
	if err != nil {
		return fmt.Errorf("parse video data: %w", err)
	}
	d.statsMu.Lock()
	d.stats.PacketsQueued++
	d.statsMu.Unlock()
	return nil
}

// SendEOS flushes the parser. Once the remaining pictures are displayed
// NextFrame reports io.EOF. Later calls return nil and do nothing.
func (d *Decoder) SendEOS() error {
	if d.closed.Load() {
		return ErrClosed
	}
	if !d.eosSent.CompareAndSwap(false, true) {
		return nil
	}
	d.parseMu.Lock()
	defer d.parseMu.Unlock()
	if d.closed.Load() {
		return ErrClosed
	}
	err := d.eng.ParseVideoData(d.parser, SourcePacket{Flags: PacketEndOfStream | PacketNotifyEOS})
	if err != nil {
		return fmt.Errorf("send eos: %w", err)
	}
	return nil
}

// Format returns the most recent sequence format and whether one was seen.
func (d *Decoder) Format() (VideoFormat, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.format, d.state != decoderUninitialized
}

// OutputSize returns the size of mapped frames.
func (d *Decoder) OutputSize() (width, height int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.outWidth, d.outHeight
}

// Surfaces returns the negotiated decode and output surface counts.
func (d *Decoder) Surfaces() (decode, output int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.decodeSurfaces, d.outputSurfaces
}

// InFlight returns the number of mapped frames not yet released.
func (d *Decoder) InFlight() int { return d.gate.inFlight() }

// Stats returns a snapshot of the decoder counters.
func (d *Decoder) Stats() DecoderStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

func (d *Decoder) addStat(f func(s *DecoderStats)) {
	d.statsMu.Lock()
	f(&d.stats)
	d.statsMu.Unlock()
}

// Close tears the decoder down. It blocks until every GpuFrame obtained
// from this decoder has been released.
func (d *Decoder) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.cancel()

		var errs []error
		d.parseMu.Lock()
		if err := d.eng.DestroyParser(d.parser); err != nil {
			errs = append(errs, fmt.Errorf("destroy parser: %w", err))
		}
		d.parseMu.Unlock()
		d.frames.close()

		d.gate.drain()
		d.mu.Lock()
		if d.hasDecoder {
			h := d.handle
			if err := withDevice(d.dev, func() error { return d.eng.DestroyDecoder(h) }); err != nil {
				errs = append(errs, fmt.Errorf("destroy decoder: %w", err))
			}
			d.hasDecoder = false
			d.generation++
		}
		d.state = decoderClosed
		d.mu.Unlock()
		d.gate.resume()

		d.tracker.reset()
		if err := d.eng.DestroyContextLock(d.ctxLock); err != nil {
			errs = append(errs, fmt.Errorf("destroy context lock: %w", err))
		}
		d.closeError = errors.Join(errs...)
		d.log.Debug("decoder closed", "stats", d.Stats())
	})
	return d.closeError
}

// resolveOutputSurfaces applies the OutputSurfaces setting.
func (d *Decoder) resolveOutputSurfaces(decodeSurfaces int) int {
	switch n := d.cfg.OutputSurfaces; {
	case n == OutputSurfacesMatchDecode:
		return decodeSurfaces
	case n == 0:
		return DefaultOutputSurfaces
	default:
		return n
	}
}
