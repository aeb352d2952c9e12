package nvcodec

import (
	"io"
	"slices"
	"sync"
	"sync/atomic"
)

// PacketSink consumes encoded access units. The packet is only valid for
// the duration of the call.
type PacketSink interface {
	WritePacket(pkt *EncodedPacket) error
}

// PacketSinkFunc adapts a function to PacketSink.
type PacketSinkFunc func(pkt *EncodedPacket) error

func (f PacketSinkFunc) WritePacket(pkt *EncodedPacket) error { return f(pkt) }

// SinkStats counts what a sink has written.
type SinkStats struct {
	PacketsWritten   uint64
	BytesWritten     uint64
	KeyframesWritten uint64
	RTPPackets       uint64
}

type sinkCounters struct {
	packets   atomic.Uint64
	bytes     atomic.Uint64
	keyframes atomic.Uint64
	rtp       atomic.Uint64
}

func (c *sinkCounters) record(pkt *EncodedPacket, rtpPackets int) {
	c.packets.Add(1)
	c.bytes.Add(uint64(len(pkt.Data)))
	if pkt.Keyframe {
		c.keyframes.Add(1)
	}
	c.rtp.Add(uint64(rtpPackets))
}

func (c *sinkCounters) stats() SinkStats {
	return SinkStats{
		PacketsWritten:   c.packets.Load(),
		BytesWritten:     c.bytes.Load(),
		KeyframesWritten: c.keyframes.Load(),
		RTPPackets:       c.rtp.Load(),
	}
}

// RTPSink packetizes access units and writes the packets to an RTPWriter,
// such as a webrtc.TrackLocalStaticRTP.
type RTPSink struct {
	packetizer RTPPacketizer
	writer     RTPWriter
	counters   sinkCounters
}

// NewRTPSink creates a sink writing through packetizer to w.
func NewRTPSink(packetizer RTPPacketizer, w RTPWriter) *RTPSink {
	return &RTPSink{packetizer: packetizer, writer: w}
}

func (s *RTPSink) WritePacket(pkt *EncodedPacket) error {
	packets, err := s.packetizer.Packetize(pkt)
	if err != nil {
		return err
	}
	for _, p := range packets {
		if err := s.writer.WriteRTP(p); err != nil {
			return err
		}
	}
	s.counters.record(pkt, len(packets))
	return nil
}

// Stats returns the sink's counters.
func (s *RTPSink) Stats() SinkStats { return s.counters.stats() }

// AnnexBSink writes the raw elementary stream to w, one access unit after
// another. The output plays with ffplay -f h264 (or -f hevc).
type AnnexBSink struct {
	mu       sync.Mutex
	w        io.Writer
	counters sinkCounters
}

// NewAnnexBSink creates a sink writing to w.
func NewAnnexBSink(w io.Writer) *AnnexBSink {
	return &AnnexBSink{w: w}
}

func (s *AnnexBSink) WritePacket(pkt *EncodedPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(pkt.Data); err != nil {
		return err
	}
	s.counters.record(pkt, 0)
	return nil
}

// Stats returns the sink's counters.
func (s *AnnexBSink) Stats() SinkStats { return s.counters.stats() }

// MultiSink fans each packet out to a changing set of sinks. A failing
// sink is removed and its error reported to OnError.
type MultiSink struct {
	mu     sync.RWMutex
	sinks  map[uint64]PacketSink
	nextID uint64

	// OnError, if set, is called with a sink that failed and was removed.
	OnError func(sink PacketSink, err error)
}

// NewMultiSink creates an empty fan-out sink.
func NewMultiSink() *MultiSink {
	return &MultiSink{sinks: make(map[uint64]PacketSink)}
}

// Add starts delivering packets to sink. The returned function detaches it
// and may be called more than once.
func (m *MultiSink) Add(sink PacketSink) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.sinks[id] = sink
	m.mu.Unlock()
	return func() { m.remove(id) }
}

func (m *MultiSink) remove(id uint64) {
	m.mu.Lock()
	delete(m.sinks, id)
	m.mu.Unlock()
}

// Len returns the number of attached sinks.
func (m *MultiSink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sinks)
}

// WritePacket writes pkt to every sink in the order they were added. It
// never fails; failing sinks are dropped.
func (m *MultiSink) WritePacket(pkt *EncodedPacket) error {
	m.mu.RLock()
	ids := make([]uint64, 0, len(m.sinks))
	for id := range m.sinks {
		ids = append(ids, id)
	}
	sinks := make([]PacketSink, len(ids))
	slices.Sort(ids)
	for i, id := range ids {
		sinks[i] = m.sinks[id]
	}
	m.mu.RUnlock()

	for i, s := range sinks {
		if err := s.WritePacket(pkt); err != nil {
			m.remove(ids[i])
			if m.OnError != nil {
				m.OnError(s, err)
			}
		}
	}
	return nil
}
