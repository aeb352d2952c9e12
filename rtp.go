package nvcodec

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
)

// Re-export pion/rtp types for convenience
type (
	// RTPPacket is an alias to pion's rtp.Packet
	RTPPacket = rtp.Packet

	// RTPHeader is an alias to pion's rtp.Header
	RTPHeader = rtp.Header
)

const (
	// DefaultMTU keeps packets UDP safe.
	DefaultMTU = 1200

	// VideoRTPClockRate is the RTP clock for H.264 and H.265.
	VideoRTPClockRate = 90000

	rtpHeaderSize = 12
)

// RTPTimestamp converts ClockRate ticks to a 90 kHz RTP timestamp.
// The result wraps like any RTP timestamp.
func RTPTimestamp(ticks uint64) uint32 {
	const num, den = VideoRTPClockRate / 10000, ClockRate / 10000 // 9/1000
	return uint32(ticks/den*num + ticks%den*num/den)
}

// RTPPacketizer segments encoded access units into RTP packets.
type RTPPacketizer interface {
	// Packetize converts an access unit to RTP packets. The marker bit is set
	// on the last packet.
	Packetize(pkt *EncodedPacket) ([]*RTPPacket, error)

	// PacketizeToBytes converts an access unit to raw RTP packet bytes.
	PacketizeToBytes(pkt *EncodedPacket) ([][]byte, error)

	SSRC() uint32
	PayloadType() uint8
	MTU() int
}

// RTPWriter is an interface for writing RTP packets.
type RTPWriter interface {
	// WriteRTP writes an RTP packet.
	WriteRTP(packet *RTPPacket) error
}

// PacketizerFactory creates an RTP packetizer.
type PacketizerFactory func(ssrc uint32, pt uint8, mtu int) RTPPacketizer

var packetizers = struct {
	mu        sync.RWMutex
	factories map[Codec]PacketizerFactory
}{factories: make(map[Codec]PacketizerFactory)}

// RegisterPacketizer registers the packetizer factory for codec.
func RegisterPacketizer(codec Codec, factory PacketizerFactory) {
	packetizers.mu.Lock()
	defer packetizers.mu.Unlock()
	packetizers.factories[codec] = factory
}

// NewPacketizer creates the registered packetizer for codec.
func NewPacketizer(codec Codec, ssrc uint32, pt uint8, mtu int) (RTPPacketizer, error) {
	packetizers.mu.RLock()
	factory, ok := packetizers.factories[codec]
	packetizers.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: no RTP packetizer for %v", ErrCodecNotSupport, codec)
	}
	return factory(ssrc, pt, mtu), nil
}

// marshalPackets serializes packets produced by a packetizer.
func marshalPackets(packets []*RTPPacket) ([][]byte, error) {
	result := make([][]byte, len(packets))
	for i, pkt := range packets {
		b, err := pkt.Marshal()
		if err != nil {
			return nil, err
		}
		result[i] = b
	}
	return result, nil
}

// parseAnnexBNALUnits splits an Annex B byte stream into NAL units.
// Annex B uses start codes: 0x00000001 or 0x000001
func parseAnnexBNALUnits(data []byte) [][]byte {
	var nalUnits [][]byte
	start := -1

	for i := 0; i < len(data); i++ {
		var sc int
		switch {
		case i+3 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1:
			sc = 4
		case i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 1:
			sc = 3
		default:
			continue
		}
		if start >= 0 && i > start {
			nalUnits = append(nalUnits, data[start:i])
		}
		start = i + sc
		i += sc - 1
	}

	// Handle last NAL unit
	if start >= 0 && start < len(data) {
		nalUnits = append(nalUnits, data[start:])
	}
	return nalUnits
}
