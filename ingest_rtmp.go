package nvcodec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

// FLV video tag constants
const (
	flvCodecAVC       = 7
	flvFrameKey       = 1
	flvAVCSeqHeader   = 0
	flvAVCNALU        = 1
	flvAVCEndOfSeq    = 2
	flvVideoHeaderLen = 5
)

// IngestTarget receives Annex-B access units from an ingest. *Decoder
// implements it.
type IngestTarget interface {
	Queue(data []byte, timestamp int64) error
	SendEOS() error
}

// PublishFunc is called when a client starts publishing streamName. The
// returned target receives the stream's video until the client disconnects.
type PublishFunc func(streamName string) (IngestTarget, error)

// RTMPIngest accepts RTMP publishers and converts their FLV AVC video to
// Annex-B for a decoder.
type RTMPIngest struct {
	cfg       RTMPConfig
	onPublish PublishFunc
	log       *slog.Logger

	srv    *rtmp.Server
	active atomic.Int32

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

// NewRTMPIngest creates an ingest calling onPublish for every publisher.
func NewRTMPIngest(cfg RTMPConfig, onPublish PublishFunc, logger *slog.Logger) *RTMPIngest {
	in := &RTMPIngest{
		cfg:       cfg,
		onPublish: onPublish,
		log:       componentLogger(logger, "rtmp", cfg.Addr),
	}
	in.srv = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			return conn, &rtmp.ConnConfig{
				Handler: &rtmpPublishHandler{ingest: in, remote: conn.RemoteAddr().String()},
				ControlState: rtmp.StreamControlStateConfig{
					DefaultBandwidthWindowSize: 6 * 1024 * 1024,
				},
			}
		},
	})
	return in
}

// Active returns the number of connected publishers.
func (in *RTMPIngest) Active() int { return int(in.active.Load()) }

// Serve accepts connections on ln until the listener fails or Close is
// called.
func (in *RTMPIngest) Serve(ln net.Listener) error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		_ = ln.Close()
		return ErrClosed
	}
	in.ln = ln
	in.mu.Unlock()

	in.log.Info("rtmp listening", "addr", ln.Addr().String())
	err := in.srv.Serve(ln)

	in.mu.Lock()
	closed := in.closed
	in.mu.Unlock()
	if closed {
		return nil
	}
	return err
}

// ListenAndServe listens on cfg.Addr and serves until ctx is done.
func (in *RTMPIngest) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", in.cfg.Addr)
	if err != nil {
		return fmt.Errorf("rtmp listen: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = in.Close() })
	defer stop()
	return in.Serve(ln)
}

// Close stops accepting connections. Connected publishers stay up until
// they disconnect.
func (in *RTMPIngest) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	ln := in.ln
	in.mu.Unlock()

	// The server only leaves its accept loop once it has been closed.
	err := in.srv.Close()
	if ln != nil {
		// Serve may not have handed ln to the server yet.
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

type rtmpPublishHandler struct {
	rtmp.DefaultHandler

	ingest *RTMPIngest
	remote string

	mu     sync.Mutex
	target IngestTarget
	stream string
	avc    avcConfig
	log    *slog.Logger
}

func (h *rtmpPublishHandler) OnPublish(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.target != nil {
		return fmt.Errorf("rtmp: %s already publishing", h.stream)
	}
	target, err := h.ingest.onPublish(cmd.PublishingName)
	if err != nil {
		h.ingest.log.Warn("publish rejected", "stream", cmd.PublishingName, "remote", h.remote, "error", err)
		return err
	}
	h.target = target
	h.stream = cmd.PublishingName
	h.log = h.ingest.log.With("stream", h.stream, "remote", h.remote)
	h.ingest.active.Add(1)
	h.log.Info("publish started")
	return nil
}

func (h *rtmpPublishHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, payload); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.target == nil {
		return nil
	}

	tag, err := parseFLVVideo(buf.Bytes())
	if err != nil {
		h.log.Debug("skipping video tag", "error", err)
		return nil
	}
	switch tag.packetType {
	case flvAVCSeqHeader:
		cfg, err := parseAVCDecoderConfig(tag.data)
		if err != nil {
			h.log.Warn("bad AVC sequence header", "error", err)
			return nil
		}
		h.avc = cfg
		h.log.Debug("AVC sequence header", "sps", len(cfg.sps), "pps", len(cfg.pps))
	case flvAVCNALU:
		if h.avc.sps == nil {
			return nil
		}
		au := h.avc.annexB(tag.data, tag.keyframe)
		if len(au) == 0 {
			return nil
		}
		pts := int64(timestamp) + int64(tag.compositionTime)
		if err := h.target.Queue(au, pts*(ClockRate/1000)); err != nil {
			h.log.Warn("queue access unit", "error", err)
			return err
		}
	case flvAVCEndOfSeq:
		h.log.Debug("AVC end of sequence")
	}
	return nil
}

func (h *rtmpPublishHandler) OnClose() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.target == nil {
		return
	}
	if err := h.target.SendEOS(); err != nil {
		h.log.Warn("end of stream", "error", err)
	}
	h.target = nil
	h.ingest.active.Add(-1)
	h.log.Info("publish ended")
}

type flvVideoTag struct {
	keyframe        bool
	packetType      uint8
	compositionTime int32
	data            []byte
}

// parseFLVVideo parses an FLV VIDEODATA body carrying AVC.
func parseFLVVideo(data []byte) (flvVideoTag, error) {
	if len(data) < flvVideoHeaderLen {
		return flvVideoTag{}, fmt.Errorf("video tag too short: %d bytes", len(data))
	}
	frameType := (data[0] >> 4) & 0x0F
	codecID := data[0] & 0x0F
	if codecID != flvCodecAVC {
		return flvVideoTag{}, fmt.Errorf("%w: flv codec id %d", ErrCodecNotSupport, codecID)
	}
	// 24-bit signed composition time offset in milliseconds
	cts := int32(uint32(data[2])<<16|uint32(data[3])<<8|uint32(data[4])) << 8 >> 8
	return flvVideoTag{
		keyframe:        frameType == flvFrameKey,
		packetType:      data[1],
		compositionTime: cts,
		data:            data[flvVideoHeaderLen:],
	}, nil
}

// avcConfig holds the parameter sets from an AVCDecoderConfigurationRecord.
type avcConfig struct {
	lengthSize int
	sps, pps   []byte
}

func parseAVCDecoderConfig(data []byte) (avcConfig, error) {
	if len(data) < 7 {
		return avcConfig{}, fmt.Errorf("avcC too short: %d bytes", len(data))
	}
	cfg := avcConfig{lengthSize: int(data[4]&0x03) + 1}
	offset := 5
	numSPS := int(data[offset] & 0x1F)
	offset++

	for i := 0; i < numSPS; i++ {
		nalu, next, err := readLengthPrefixed(data, offset, 2)
		if err != nil {
			return avcConfig{}, fmt.Errorf("sps: %w", err)
		}
		if cfg.sps == nil {
			cfg.sps = nalu
		}
		offset = next
	}

	if offset >= len(data) {
		return avcConfig{}, fmt.Errorf("avcC missing PPS count")
	}
	numPPS := int(data[offset])
	offset++

	for i := 0; i < numPPS; i++ {
		nalu, next, err := readLengthPrefixed(data, offset, 2)
		if err != nil {
			return avcConfig{}, fmt.Errorf("pps: %w", err)
		}
		if cfg.pps == nil {
			cfg.pps = nalu
		}
		offset = next
	}
	if cfg.sps == nil || cfg.pps == nil {
		return avcConfig{}, fmt.Errorf("avcC without SPS or PPS")
	}
	return cfg, nil
}

func readLengthPrefixed(data []byte, offset, size int) (nalu []byte, next int, err error) {
	if offset+size > len(data) {
		return nil, 0, io.ErrUnexpectedEOF
	}
	length := 0
	for i := 0; i < size; i++ {
		length = length<<8 | int(data[offset+i])
	}
	offset += size
	if length == 0 || offset+length > len(data) {
		return nil, 0, io.ErrUnexpectedEOF
	}
	return bytes.Clone(data[offset : offset+length]), offset + length, nil
}

var annexBStartCode = []byte{0, 0, 0, 1}

// annexB converts length-prefixed NAL units to Annex-B, inserting the
// parameter sets ahead of keyframes.
func (c *avcConfig) annexB(data []byte, keyframe bool) []byte {
	var out []byte
	if keyframe {
		out = append(out, annexBStartCode...)
		out = append(out, c.sps...)
		out = append(out, annexBStartCode...)
		out = append(out, c.pps...)
	}
	for offset := 0; offset < len(data); {
		nalu, next, err := readLengthPrefixed(data, offset, c.lengthSize)
		if err != nil {
			break
		}
		out = append(out, annexBStartCode...)
		out = append(out, nalu...)
		offset = next
	}
	return out
}
