package nvcodec

import (
	"context"
	"io"
	"iter"
)

// NextPacket returns the next access unit in submission order. It blocks
// until a submitted picture has output and returns io.EOF after SendEOS
// once everything has been retrieved, or as soon as the encoder is closed.
func (e *Encoder) NextPacket(ctx context.Context) (*EncodedPacket, error) {
	permit, err := e.output.recv(ctx, 0)
	if err != nil {
		return nil, err
	}

	e.sessionMu.RLock()
	defer e.sessionMu.RUnlock()
	if e.closed {
		return nil, io.EOF
	}
	defer e.pool.Release(permit)
	defer e.unmapInput(permit)

	b := e.slots[permit].bitstream
	var pkt *EncodedPacket
	err = withDevice(e.dev, func() error {
		lb, err := e.session.LockBitstream(b)
		if err != nil {
			return err
		}
		pkt = &EncodedPacket{
			Data:        append([]byte(nil), lb.Data...),
			Keyframe:    lb.PictureType == PictureTypeIDR,
			PictureType: lb.PictureType,
			Timestamp:   lb.Timestamp,
			Duration:    lb.Duration,
		}
		return e.session.UnlockBitstream(b)
	})
	if err != nil {
		e.log.Error("retrieve bitstream failed", "permit", int(permit), "err", err)
		return nil, err
	}

	e.addStat(func(s *EncoderStats) {
		s.PacketsRetrieved++
		s.BytesRetrieved += uint64(len(pkt.Data))
		if pkt.Keyframe {
			s.Keyframes++
		}
	})
	return pkt, nil
}

// Packets yields access units until end of stream or ctx is done.
func (e *Encoder) Packets(ctx context.Context) iter.Seq[*EncodedPacket] {
	return func(yield func(*EncodedPacket) bool) {
		for {
			pkt, err := e.NextPacket(ctx)
			if err != nil {
				if err != io.EOF {
					e.log.Debug("packet iteration stopped", "err", err)
				}
				return
			}
			if !yield(pkt) {
				return
			}
		}
	}
}
