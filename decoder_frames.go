package nvcodec

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"
)

// NextFrame waits for the next displayed picture and maps it. It honors
// DecoderConfig.FrameTimeout and returns ErrFrameTimeout when no picture
// arrived in time, io.EOF after end of stream, and an error wrapping
// ErrNoFrame when a picture could not be mapped. ErrNoFrame is not fatal;
// the caller may ask again.
func (d *Decoder) NextFrame(ctx context.Context) (*GpuFrame, error) {
	return d.nextFrame(ctx, d.cfg.FrameTimeout)
}

// NextFrameTimeout is NextFrame with an explicit timeout instead of the
// configured one.
func (d *Decoder) NextFrameTimeout(timeout time.Duration) (*GpuFrame, error) {
	return d.nextFrame(context.Background(), timeout)
}

// Frames yields mapped frames until end of stream, a timeout or ctx is
// done. Pictures that fail to map are skipped. Every yielded frame must be
// released by the caller.
func (d *Decoder) Frames(ctx context.Context) iter.Seq[*GpuFrame] {
	return func(yield func(*GpuFrame) bool) {
		for {
			f, err := d.NextFrame(ctx)
			if errors.Is(err, ErrNoFrame) {
				continue
			}
			if err != nil {
				return
			}
			if !yield(f) {
				return
			}
		}
	}
}

func (d *Decoder) nextFrame(ctx context.Context, timeout time.Duration) (*GpuFrame, error) {
	pf, err := d.frames.recv(ctx, timeout)
	if err != nil {
		return nil, err
	}
	return d.mapFrame(pf)
}

// mapFrame maps a prepared picture into device memory. The in-flight slot
// is taken before the decoder handle is read so a concurrent recreate waits
// for this frame. Pictures from a destroyed decoder are dropped.
func (d *Decoder) mapFrame(pf preparedFrame) (*GpuFrame, error) {
	d.gate.acquire()

	d.mu.RLock()
	d.undelivered.Add(-1)
	if !d.hasDecoder || pf.generation != d.generation {
		d.mu.RUnlock()
		d.dropStaleFrame(pf)
		return nil, fmt.Errorf("%w: decoder for surface %d was destroyed", ErrNoFrame, pf.index)
	}
	h := d.handle
	d.mu.RUnlock()

	var (
		ptr    DevicePtr
		pitch  int
		status DecodeStatus
	)
	err := withDevice(d.dev, func() error {
		var err error
		ptr, pitch, err = d.eng.MapFrame(h, pf.index, pf.proc)
		if err != nil {
			return err
		}
		st, serr := d.eng.DecodeStatus(h, pf.index)
		if serr != nil {
			d.log.Debug("decode status unavailable", "surface", pf.index, "err", serr)
			st = DecodeStatusInvalid
		}
		status = st
		return nil
	})
	if err != nil {
		d.log.Warn("map frame failed", "surface", pf.index, "err", err)
		d.abandonFrame(pf)
		return nil, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}

	frame := &GpuFrame{
		Width:          pf.width,
		Height:         pf.height,
		Pitch:          pitch,
		Format:         pf.format,
		Timestamp:      pf.timestamp,
		ConcealedError: status.Concealment(),
		ptr:            ptr,
	}
	idx := pf.index
	frame.release = func() error { return d.releaseFrame(h, ptr, idx) }

	d.addStat(func(s *DecoderStats) {
		s.FramesMapped++
		if frame.ConcealedError != nil {
			s.ErrorFrames++
		}
	})
	if frame.ConcealedError != nil {
		d.log.Warn("frame decoded with errors", "surface", idx, "concealed", *frame.ConcealedError)
	}
	return frame, nil
}

// abandonFrame returns the in-flight slot and surface of a picture that
// will never reach the consumer.
func (d *Decoder) abandonFrame(pf preparedFrame) {
	d.gate.release()
	d.tracker.markFree(pf.index)
	d.addStat(func(s *DecoderStats) { s.MapFailures++ })
}

// dropStaleFrame returns the in-flight slot of a picture whose decoder is
// gone. Its surface bit was cleared when that decoder was destroyed.
func (d *Decoder) dropStaleFrame(pf preparedFrame) {
	d.gate.release()
	d.addStat(func(s *DecoderStats) { s.StaleFrames++ })
	d.log.Debug("dropping picture of destroyed decoder", "surface", pf.index,
		"generation", pf.generation)
}

// releaseFrame unmaps a frame, then frees its in-flight slot and surface.
func (d *Decoder) releaseFrame(h DecoderHandle, ptr DevicePtr, idx int) error {
	err := withDevice(d.dev, func() error { return d.eng.UnmapFrame(h, ptr) })
	d.gate.release()
	d.tracker.markFree(idx)
	if err != nil {
		d.log.Warn("unmap frame failed", "surface", idx, "err", err)
		return fmt.Errorf("unmap frame: %w", err)
	}
	return nil
}
