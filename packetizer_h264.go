package nvcodec

import (
	"fmt"
	"slices"
	"sync"

	"github.com/pion/rtp"
)

// H264 NAL unit types
const (
	nalTypeIDR = 5
	nalTypeSPS = 7
	nalTypePPS = 8
	nalTypeAUD = 9
	nalTypeFUA = 28 // Fragmentation Unit A
)

// H264Packetizer implements RTPPacketizer for H.264 (RFC 6184, packetization
// mode 1). Access delimiters are dropped and the most recent SPS/PPS are
// repeated ahead of IDR slices that arrive without them.
type H264Packetizer struct {
	ssrc        uint32
	payloadType uint8
	mtu         int
	sequencer   rtp.Sequencer
	sps, pps    []byte
	mu          sync.Mutex
}

// NewH264Packetizer creates a new H.264 RTP packetizer.
func NewH264Packetizer(ssrc uint32, payloadType uint8, mtu int) *H264Packetizer {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &H264Packetizer{
		ssrc:        ssrc,
		payloadType: payloadType,
		mtu:         mtu,
		sequencer:   rtp.NewRandomSequencer(),
	}
}

// Packetize converts an H.264 access unit into RTP packets.
// Input should be Annex B format (with start codes).
func (p *H264Packetizer) Packetize(pkt *EncodedPacket) ([]*rtp.Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(pkt.Data) == 0 {
		return nil, nil
	}

	nalUnits := parseAnnexBNALUnits(pkt.Data)
	if len(nalUnits) == 0 {
		return nil, fmt.Errorf("no NAL units found in access unit")
	}
	nalUnits = p.withParameterSets(nalUnits)

	ts := RTPTimestamp(pkt.Timestamp)
	var packets []*rtp.Packet
	for i, nalu := range nalUnits {
		isLast := i == len(nalUnits)-1

		if len(nalu) <= p.mtu-rtpHeaderSize {
			packets = append(packets, p.packet(nalu, ts, isLast))
			continue
		}
		packets = append(packets, p.fragmentNALUnit(nalu, ts, isLast)...)
	}
	return packets, nil
}

// withParameterSets drops AUDs, remembers SPS/PPS and inserts them ahead of
// an IDR slice when the access unit lacks them.
func (p *H264Packetizer) withParameterSets(nalUnits [][]byte) [][]byte {
	var hasSPS, hasPPS, hasIDR bool
	out := nalUnits[:0:0]
	for _, nalu := range nalUnits {
		switch nalu[0] & 0x1F {
		case nalTypeAUD:
			continue
		case nalTypeSPS:
			p.sps = append(p.sps[:0], nalu...)
			hasSPS = true
		case nalTypePPS:
			p.pps = append(p.pps[:0], nalu...)
			hasPPS = true
		case nalTypeIDR:
			if !hasIDR && (!hasSPS || !hasPPS) && p.sps != nil && p.pps != nil {
				out = append(out, slices.Clone(p.sps), slices.Clone(p.pps))
				hasSPS, hasPPS = true, true
			}
			hasIDR = true
		}
		out = append(out, nalu)
	}
	return out
}

func (p *H264Packetizer) packet(payload []byte, ts uint32, marker bool) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    p.payloadType,
			SequenceNumber: p.sequencer.NextSequenceNumber(),
			Timestamp:      ts,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
}

// fragmentNALUnit fragments a large NAL unit into FU-A packets.
func (p *H264Packetizer) fragmentNALUnit(nalu []byte, ts uint32, isLastNALU bool) []*rtp.Packet {
	nalHeader := nalu[0]
	nalType := nalHeader & 0x1F
	nri := nalHeader & 0x60

	// Skip the NAL header byte
	payload := nalu[1:]
	maxPayload := p.mtu - rtpHeaderSize - 2 // FU indicator + FU header

	var packets []*rtp.Packet
	for offset := 0; offset < len(payload); {
		end := min(offset+maxPayload, len(payload))
		isStart := offset == 0
		isEnd := end == len(payload)

		// FU header: S=start, E=end, R=0, Type=original NAL type
		fuHeader := nalType
		if isStart {
			fuHeader |= 0x80
		}
		if isEnd {
			fuHeader |= 0x40
		}

		pktPayload := make([]byte, 2+end-offset)
		pktPayload[0] = nri | nalTypeFUA
		pktPayload[1] = fuHeader
		copy(pktPayload[2:], payload[offset:end])

		// Marker bit only on the last packet of the last NAL unit
		packets = append(packets, p.packet(pktPayload, ts, isEnd && isLastNALU))
		offset = end
	}
	return packets
}

// PacketizeToBytes converts an H.264 access unit to raw RTP packet bytes.
func (p *H264Packetizer) PacketizeToBytes(pkt *EncodedPacket) ([][]byte, error) {
	packets, err := p.Packetize(pkt)
	if err != nil {
		return nil, err
	}
	return marshalPackets(packets)
}

func (p *H264Packetizer) SSRC() uint32       { p.mu.Lock(); defer p.mu.Unlock(); return p.ssrc }
func (p *H264Packetizer) PayloadType() uint8 { p.mu.Lock(); defer p.mu.Unlock(); return p.payloadType }
func (p *H264Packetizer) MTU() int           { p.mu.Lock(); defer p.mu.Unlock(); return p.mtu }

func init() {
	RegisterPacketizer(CodecH264, func(ssrc uint32, pt uint8, mtu int) RTPPacketizer {
		return NewH264Packetizer(ssrc, pt, mtu)
	})
}
