package nvcodec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// TranscoderState represents the state of a transcoder.
type TranscoderState int32

const (
	TranscoderIdle    TranscoderState = iota // Not started
	TranscoderRunning                        // Pumping frames
	TranscoderStopped                        // Finished or stopped
)

func (s TranscoderState) String() string {
	switch s {
	case TranscoderIdle:
		return "idle"
	case TranscoderRunning:
		return "running"
	case TranscoderStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// TranscoderStats provides transcoder statistics.
type TranscoderStats struct {
	FramesDecoded    uint64
	FramesDropped    uint64
	FramesEncoded    uint64
	PacketsWritten   uint64
	BytesWritten     uint64
	KeyframesWritten uint64
	Reconfigures     uint64
	EncoderRestarts  uint64
}

// Transcoder moves decoded pictures from a Decoder into an Encoder and the
// resulting access units into a PacketSink, entirely on the GPU. The
// encoder is created from the first decoded picture and follows later
// resolution changes. The Transcoder owns its encoders but not the decoder
// or the sink.
type Transcoder struct {
	dev    Device
	eng    EncodeEngine
	dec    *Decoder
	sink   PacketSink
	encCfg EncoderConfig
	cfg    TranscodeConfig
	name   string
	log    *slog.Logger

	state    atomic.Int32
	stopping atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}

	mu  sync.Mutex
	enc *Encoder

	statsMu sync.Mutex
	stats   TranscoderStats
}

// NewTranscoder prepares a transcoder. encCfg's size is ignored; the
// encoder takes the size of the decoded pictures.
func NewTranscoder(dev Device, eng EncodeEngine, dec *Decoder, sink PacketSink, encCfg EncoderConfig, cfg TranscodeConfig) (*Transcoder, error) {
	if dev == nil || eng == nil {
		return nil, fmt.Errorf("%w: transcoder needs a device and an encode engine", ErrInvalidConfig)
	}
	if dec == nil {
		return nil, fmt.Errorf("%w: transcoder needs a decoder", ErrInvalidConfig)
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: transcoder needs a sink", ErrInvalidConfig)
	}
	probe := encCfg
	probe.Width, probe.Height = 16, 16
	if err := probe.Validate(); err != nil {
		return nil, err
	}
	name := newName("xcode")
	t := &Transcoder{
		dev:    dev,
		eng:    eng,
		dec:    dec,
		sink:   sink,
		encCfg: encCfg,
		cfg:    cfg,
		name:   name,
		log:    componentLogger(encCfg.Logger, "transcoder", name),
		done:   make(chan struct{}),
	}
	t.state.Store(int32(TranscoderIdle))
	return t, nil
}

// State returns the current transcoder state.
func (t *Transcoder) State() TranscoderState {
	return TranscoderState(t.state.Load())
}

// Stats returns transcoder statistics.
func (t *Transcoder) Stats() TranscoderStats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.stats
}

func (t *Transcoder) addStat(f func(s *TranscoderStats)) {
	t.statsMu.Lock()
	f(&t.stats)
	t.statsMu.Unlock()
}

// Encoder returns the current encoder, or nil before the first picture.
func (t *Transcoder) Encoder() *Encoder {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enc
}

// Run pumps until the decoder reaches end of stream and every access unit
// has been written, ctx is done, Stop is called or a stage fails. It may be
// called once.
func (t *Transcoder) Run(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(TranscoderIdle), int32(TranscoderRunning)) {
		return fmt.Errorf("transcoder already started")
	}
	defer close(t.done)
	defer t.state.Store(int32(TranscoderStopped))

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	defer cancel()

	encoders := make(chan *Encoder)
	drained := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(encoders)
		return t.decodeLoop(gctx, encoders, drained)
	})
	g.Go(func() error {
		return t.packetLoop(gctx, encoders, drained)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) && t.stopping.Load() {
		err = nil
	}

	t.mu.Lock()
	enc := t.enc
	t.enc = nil
	t.mu.Unlock()
	if enc != nil {
		err = errors.Join(err, enc.Close())
	}

	if err != nil {
		t.log.Warn("transcoder stopped", "error", err, "stats", t.Stats())
	} else {
		t.log.Info("transcoder finished", "stats", t.Stats())
	}
	return err
}

// Stop ends a running Run and waits for it to return.
func (t *Transcoder) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	t.stopping.Store(true)
	cancel()
	<-t.done
}

// decodeLoop pulls pictures from the decoder and queues them on the
// current encoder. At decoder end of stream it drains the encoder.
func (t *Transcoder) decodeLoop(ctx context.Context, encoders chan<- *Encoder, drained <-chan struct{}) error {
	var enc *Encoder
	for {
		frame, err := t.dec.NextFrame(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if enc == nil {
				return nil
			}
			return t.finishEncoder(ctx, enc, drained)
		case errors.Is(err, ErrNoFrame):
			t.addStat(func(s *TranscoderStats) { s.FramesDropped++ })
			continue
		case errors.Is(err, ErrFrameTimeout):
			continue
		default:
			return err
		}
		t.addStat(func(s *TranscoderStats) { s.FramesDecoded++ })

		enc, err = t.encoderFor(ctx, enc, frame.Width, frame.Height, encoders, drained)
		if err != nil {
			_ = frame.Release()
			return err
		}
		if _, err := enc.QueueFrame(ctx, frame, t.cfg.CopyFrames); err != nil {
			return fmt.Errorf("queue frame: %w", err)
		}
		t.addStat(func(s *TranscoderStats) { s.FramesEncoded++ })
	}
}

// encoderFor returns an encoder for width x height: enc itself, enc
// reconfigured, or a new encoder handed to the packet loop once enc has
// been drained.
func (t *Transcoder) encoderFor(ctx context.Context, enc *Encoder, width, height int, encoders chan<- *Encoder, drained <-chan struct{}) (*Encoder, error) {
	if enc != nil {
		cfg := enc.Config()
		if cfg.Width == width && cfg.Height == height {
			return enc, nil
		}
		err := enc.Reconfigure(ctx, width, height)
		if err == nil {
			t.addStat(func(s *TranscoderStats) { s.Reconfigures++ })
			return enc, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t.log.Info("restarting encoder", "size", sizeAttr(width, height), "reason", err)
		if err := t.finishEncoder(ctx, enc, drained); err != nil {
			return nil, err
		}
		t.addStat(func(s *TranscoderStats) { s.EncoderRestarts++ })
	}

	cfg := t.encCfg
	cfg.Width, cfg.Height = width, height
	if cfg.Name != "" {
		cfg.Name = fmt.Sprintf("%s-%dx%d", t.encCfg.Name, width, height)
	}
	if cfg.Logger == nil {
		cfg.Logger = t.log
	}
	next, err := NewEncoder(t.dev, t.eng, cfg)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.enc = next
	t.mu.Unlock()

	select {
	case encoders <- next:
		return next, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finishEncoder sends end of stream, waits until the packet loop has
// written everything and closes the encoder.
func (t *Transcoder) finishEncoder(ctx context.Context, enc *Encoder, drained <-chan struct{}) error {
	if err := enc.SendEOS(); err != nil {
		return err
	}
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.mu.Lock()
	if t.enc == enc {
		t.enc = nil
	}
	t.mu.Unlock()
	return enc.Close()
}

// packetLoop writes every access unit of each encoder to the sink.
func (t *Transcoder) packetLoop(ctx context.Context, encoders <-chan *Encoder, drained chan<- struct{}) error {
	for enc := range encoders {
		for {
			pkt, err := enc.NextPacket(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			if err := t.sink.WritePacket(pkt); err != nil {
				return fmt.Errorf("write packet: %w", err)
			}
			t.addStat(func(s *TranscoderStats) {
				s.PacketsWritten++
				s.BytesWritten += uint64(len(pkt.Data))
				if pkt.Keyframe {
					s.KeyframesWritten++
				}
			})
		}
		select {
		case drained <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
