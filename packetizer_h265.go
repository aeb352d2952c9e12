package nvcodec

import (
	"fmt"
	"slices"
	"sync"

	"github.com/pion/rtp"
)

// H.265 NAL unit types
const (
	h265NalIDRWRADL = 19
	h265NalCRA      = 21
	h265NalVPS      = 32
	h265NalSPS      = 33
	h265NalPPS      = 34
	h265NalAUD      = 35
	h265NalFU       = 49
)

func h265NalType(nalu []byte) uint8 { return (nalu[0] >> 1) & 0x3F }

// h265IsIRAP reports whether the NAL type starts a random access point.
func h265IsIRAP(t uint8) bool { return t >= h265NalIDRWRADL-3 && t <= h265NalCRA+2 }

// H265Packetizer implements RTPPacketizer for H.265 (RFC 7798) using single
// NAL unit and fragmentation unit packets. Parameter sets are cached and
// repeated ahead of IRAP pictures that arrive without them.
type H265Packetizer struct {
	ssrc          uint32
	payloadType   uint8
	mtu           int
	sequencer     rtp.Sequencer
	vps, sps, pps []byte
	mu            sync.Mutex
}

// NewH265Packetizer creates a new H.265 RTP packetizer.
func NewH265Packetizer(ssrc uint32, payloadType uint8, mtu int) *H265Packetizer {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &H265Packetizer{
		ssrc:        ssrc,
		payloadType: payloadType,
		mtu:         mtu,
		sequencer:   rtp.NewRandomSequencer(),
	}
}

// Packetize converts an H.265 access unit in Annex B format into RTP packets.
func (p *H265Packetizer) Packetize(pkt *EncodedPacket) ([]*rtp.Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(pkt.Data) == 0 {
		return nil, nil
	}

	var nalUnits [][]byte
	for _, nalu := range parseAnnexBNALUnits(pkt.Data) {
		if len(nalu) >= 2 {
			nalUnits = append(nalUnits, nalu)
		}
	}
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

func (p *H265Packetizer) withParameterSets(nalUnits [][]byte) [][]byte {
	var hasParams, hasIRAP bool
	out := nalUnits[:0:0]
	for _, nalu := range nalUnits {
		switch t := h265NalType(nalu); {
		case t == h265NalAUD:
			continue
		case t == h265NalVPS:
			p.vps = append(p.vps[:0], nalu...)
			hasParams = true
		case t == h265NalSPS:
			p.sps = append(p.sps[:0], nalu...)
			hasParams = true
		case t == h265NalPPS:
			p.pps = append(p.pps[:0], nalu...)
			hasParams = true
		case h265IsIRAP(t):
			if !hasIRAP && !hasParams && p.vps != nil && p.sps != nil && p.pps != nil {
				out = append(out, slices.Clone(p.vps), slices.Clone(p.sps), slices.Clone(p.pps))
				hasParams = true
			}
			hasIRAP = true
		}
		out = append(out, nalu)
	}
	return out
}

func (p *H265Packetizer) packet(payload []byte, ts uint32, marker bool) *rtp.Packet {
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

// fragmentNALUnit splits a NAL unit into FU packets: a two byte payload
// header carrying type 49, a one byte FU header, then the fragment.
func (p *H265Packetizer) fragmentNALUnit(nalu []byte, ts uint32, isLastNALU bool) []*rtp.Packet {
	nalType := h265NalType(nalu)
	hdr0 := nalu[0]&0x81 | h265NalFU<<1
	hdr1 := nalu[1]

	payload := nalu[2:]
	maxPayload := p.mtu - rtpHeaderSize - 3

	var packets []*rtp.Packet
	for offset := 0; offset < len(payload); {
		end := min(offset+maxPayload, len(payload))
		isEnd := end == len(payload)

		fuHeader := nalType
		if offset == 0 {
			fuHeader |= 0x80
		}
		if isEnd {
			fuHeader |= 0x40
		}

		pktPayload := make([]byte, 3+end-offset)
		pktPayload[0] = hdr0
		pktPayload[1] = hdr1
		pktPayload[2] = fuHeader
		copy(pktPayload[3:], payload[offset:end])

		packets = append(packets, p.packet(pktPayload, ts, isEnd && isLastNALU))
		offset = end
	}
	return packets
}

// PacketizeToBytes converts an H.265 access unit to raw RTP packet bytes.
func (p *H265Packetizer) PacketizeToBytes(pkt *EncodedPacket) ([][]byte, error) {
	packets, err := p.Packetize(pkt)
	if err != nil {
		return nil, err
	}
	return marshalPackets(packets)
}

func (p *H265Packetizer) SSRC() uint32       { p.mu.Lock(); defer p.mu.Unlock(); return p.ssrc }
func (p *H265Packetizer) PayloadType() uint8 { p.mu.Lock(); defer p.mu.Unlock(); return p.payloadType }
func (p *H265Packetizer) MTU() int           { p.mu.Lock(); defer p.mu.Unlock(); return p.mtu }

func init() {
	RegisterPacketizer(CodecHEVC, func(ssrc uint32, pt uint8, mtu int) RTPPacketizer {
		return NewH265Packetizer(ssrc, pt, mtu)
	})
}
