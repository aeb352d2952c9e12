package nvcodec

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// defaultSampleDuration is used until two timestamps have been seen.
const defaultSampleDuration = time.Second / 30

// TrackSink writes access units to a WebRTC sample track; pion packetizes
// them for every bound peer connection.
type TrackSink struct {
	track *webrtc.TrackLocalStaticSample

	mu       sync.Mutex
	lastTS   uint64
	haveLast bool
	counters sinkCounters
}

// NewTrackSink creates a video track carrying codec.
func NewTrackSink(codec Codec, id, streamID string) (*TrackSink, error) {
	mime := codec.MimeType()
	if mime == "" || !codec.Encodable() {
		return nil, fmt.Errorf("%w: no WebRTC track for %v", ErrCodecNotSupport, codec)
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime, ClockRate: VideoRTPClockRate},
		id, streamID,
	)
	if err != nil {
		return nil, err
	}
	return &TrackSink{track: track}, nil
}

// Track returns the track to add to a peer connection.
func (s *TrackSink) Track() *webrtc.TrackLocalStaticSample { return s.track }

func (s *TrackSink) WritePacket(pkt *EncodedPacket) error {
	s.mu.Lock()
	d := s.sampleDuration(pkt)
	s.mu.Unlock()

	if err := s.track.WriteSample(media.Sample{Data: pkt.Data, Duration: d}); err != nil {
		return err
	}
	s.counters.record(pkt, 0)
	return nil
}

// sampleDuration prefers the encoder's duration and otherwise derives it
// from consecutive timestamps.
func (s *TrackSink) sampleDuration(pkt *EncodedPacket) time.Duration {
	d := pkt.DurationTime()
	if d <= 0 {
		d = defaultSampleDuration
		if s.haveLast && pkt.Timestamp > s.lastTS {
			d = TicksToDuration(pkt.Timestamp - s.lastTS)
		}
	}
	s.lastTS, s.haveLast = pkt.Timestamp, true
	return d
}

// Stats returns the sink's counters.
func (s *TrackSink) Stats() SinkStats { return s.counters.stats() }
