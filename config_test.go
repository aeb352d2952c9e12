package nvcodec

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestParseConfig(t *testing.T) {
	data := []byte(`
gpu: 1
decoder:
  codec: hevc
  low_latency: true
  width: 1280
  height: 720
  output_surfaces: -1
  frame_timeout: 250ms
encoder:
  codec: h264
  preset: p6
  tuning: low_latency
  rate_control: cbr
  bitrate_bps: 2500000
  gop_length: 60
  surfaces: 6
transcode:
  copy_frames: false
rtmp:
  addr: ":1936"
`)
	cfg, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	if cfg.GPU != 1 {
		t.Errorf("GPU = %d", cfg.GPU)
	}
	d := cfg.Decoder
	if d.Codec != CodecHEVC || !d.LowLatency || d.Width != 1280 || d.OutputSurfaces != OutputSurfacesMatchDecode {
		t.Errorf("decoder = %+v", d)
	}
	if d.FrameTimeout != 250*time.Millisecond {
		t.Errorf("frame_timeout = %v", d.FrameTimeout)
	}
	if d.PictureBuffer != 8 {
		t.Errorf("picture_buffer default lost: %d", d.PictureBuffer)
	}
	e := cfg.Encoder
	if e.Preset != PresetP6 || e.Tuning != TuningLowLatency || e.RateControl != RateControlCBR {
		t.Errorf("encoder = %+v", e)
	}
	if e.BitrateBps != 2_500_000 || e.GOPLength != 60 || e.Surfaces != 6 {
		t.Errorf("encoder = %+v", e)
	}
	if e.FrameRateNum != 30 || e.Width != 1920 {
		t.Errorf("encoder defaults lost: %+v", e)
	}
	if cfg.Transcode.CopyFrames {
		t.Error("copy_frames = true")
	}
	if cfg.RTMP.Addr != ":1936" {
		t.Errorf("rtmp addr = %q", cfg.RTMP.Addr)
	}
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"unknown codec", "decoder: {codec: theora}", ErrCodecNotSupport},
		{"vp9 encoder", "encoder: {codec: vp9}", ErrCodecNotSupport},
		{"bad rate control", "encoder: {rate_control: abr}", ErrInvalidConfig},
		{"bad tuning", "encoder: {tuning: fast}", ErrInvalidConfig},
		{"bad preset", "encoder: {preset: p9}", ErrInvalidConfig},
		{"negative gpu", "gpu: -1", ErrInvalidConfig},
		{"half output size", "decoder: {width: 640}", ErrInvalidConfig},
		{"too many surfaces", "decoder: {decode_surfaces: 65}", ErrInvalidConfig},
		{"zero encoder surfaces", "encoder: {surfaces: 0}", ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(tt.yaml)); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvcodec.yaml")
	if err := os.WriteFile(path, []byte("encoder: {codec: hevc}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Encoder.Codec != CodecHEVC {
		t.Errorf("codec = %v", cfg.Encoder.Codec)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig of a missing file succeeded")
	}
}

func TestConfigRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Encoder.RateControl = RateControlConstQP
	cfg.Encoder.Tuning = TuningUltraLowLatency
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	back, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("ParseConfig failed: %v\n%s", err, data)
	}
	if back.Encoder != cfg.Encoder || back.Decoder != cfg.Decoder {
		t.Errorf("round trip changed config:\n%s", data)
	}
}

func TestEncoderConfigFrameDuration(t *testing.T) {
	cfg := DefaultEncoderConfig(CodecH264, 640, 480)
	if got := cfg.frameDuration(); got != ClockRate/30 {
		t.Errorf("frameDuration = %d, want %d", got, ClockRate/30)
	}
	cfg.FrameRateNum, cfg.FrameRateDen = 30000, 1001
	if got := cfg.frameDuration(); got != 333666 {
		t.Errorf("frameDuration(29.97) = %d, want 333666", got)
	}
	cfg.FrameRateNum = 0
	if got := cfg.frameDuration(); got != 0 {
		t.Errorf("frameDuration with no rate = %d", got)
	}
}
