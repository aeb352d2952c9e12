package nvcodec

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// AdditionalDecodeSurfaces is added to the parser's minimum surface count
// so consumers can hold frames while the engine keeps decoding.
const AdditionalDecodeSurfaces = 3

// DefaultOutputSurfaces is the number of output surfaces when unset.
const DefaultOutputSurfaces = 3

// OutputSurfacesMatchDecode sizes the output surface pool to the negotiated
// decode surface count.
const OutputSurfacesMatchDecode = -1

// DecoderConfig configures a Decoder.
type DecoderConfig struct {
	Name  string `yaml:"name"`
	Codec Codec  `yaml:"codec"`

	KeyframeOnly bool `yaml:"keyframe_only"` // Decode intra pictures only
	LowLatency   bool `yaml:"low_latency"`   // Display pictures without reorder delay

	// Requested output size. Zero keeps the display area size.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	DecodeSurfaces int `yaml:"decode_surfaces"` // 0 = parser minimum plus headroom
	OutputSurfaces int `yaml:"output_surfaces"` // 0 = DefaultOutputSurfaces, -1 = decode surfaces

	PictureBuffer int           `yaml:"picture_buffer"` // Delivery queue capacity, 0 = unbounded
	FrameTimeout  time.Duration `yaml:"frame_timeout"`  // 0 = wait indefinitely

	Logger *slog.Logger `yaml:"-"`
}

// DefaultDecoderConfig returns a default decoder configuration.
func DefaultDecoderConfig(codec Codec) DecoderConfig {
	return DecoderConfig{
		Codec:         codec,
		PictureBuffer: 8,
	}
}

// Validate checks the configuration for values the decoder cannot honor.
func (c DecoderConfig) Validate() error {
	if c.Codec < CodecMPEG1 || c.Codec > CodecAV1 {
		return fmt.Errorf("%w: decoder codec %d", ErrInvalidConfig, c.Codec)
	}
	if c.Width < 0 || c.Height < 0 || (c.Width == 0) != (c.Height == 0) {
		return fmt.Errorf("%w: output size %dx%d", ErrInvalidConfig, c.Width, c.Height)
	}
	if c.DecodeSurfaces < 0 || c.DecodeSurfaces > MaxDecodeSurfaces {
		return fmt.Errorf("%w: decode_surfaces %d", ErrInvalidConfig, c.DecodeSurfaces)
	}
	if c.OutputSurfaces < OutputSurfacesMatchDecode {
		return fmt.Errorf("%w: output_surfaces %d", ErrInvalidConfig, c.OutputSurfaces)
	}
	if c.PictureBuffer < 0 {
		return fmt.Errorf("%w: picture_buffer %d", ErrInvalidConfig, c.PictureBuffer)
	}
	return nil
}

// Preset names an NVENC preset.
type Preset string

const (
	PresetP1       Preset = "p1"
	PresetP2       Preset = "p2"
	PresetP3       Preset = "p3"
	PresetP4       Preset = "p4"
	PresetP5       Preset = "p5"
	PresetP6       Preset = "p6"
	PresetP7       Preset = "p7"
	PresetLossless Preset = "lossless"
)

// EncoderConfig configures an Encoder.
type EncoderConfig struct {
	Name  string `yaml:"name"`
	Codec Codec  `yaml:"codec"`

	Width        int `yaml:"width"`
	Height       int `yaml:"height"`
	FrameRateNum int `yaml:"framerate_num"`
	FrameRateDen int `yaml:"framerate_den"`

	Preset      Preset          `yaml:"preset"`
	Tuning      TuningInfo      `yaml:"tuning"`
	GOPLength   int             `yaml:"gop_length"`
	RateControl RateControlMode `yaml:"rate_control"`
	BitrateBps  int             `yaml:"bitrate_bps"`
	MaxBitrate  int             `yaml:"max_bitrate_bps"` // 0 = no limit

	// Surfaces is the number of input/bitstream buffer pairs, which bounds
	// how many pictures may be in the encoder at once.
	Surfaces int `yaml:"surfaces"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultEncoderConfig returns a default encoder configuration.
func DefaultEncoderConfig(codec Codec, width, height int) EncoderConfig {
	return EncoderConfig{
		Codec:        codec,
		Width:        width,
		Height:       height,
		FrameRateNum: 30,
		FrameRateDen: 1,
		Preset:       PresetP4,
		Tuning:       TuningHighQuality,
		GOPLength:    50,
		RateControl:  RateControlVBR,
		BitrateBps:   5_000_000,
		Surfaces:     4,
	}
}

// Validate checks the configuration for values the encoder cannot honor.
func (c EncoderConfig) Validate() error {
	if !c.Codec.Encodable() {
		return fmt.Errorf("%w: %s", ErrCodecNotSupport, c.Codec)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: encoder size %dx%d", ErrInvalidConfig, c.Width, c.Height)
	}
	if c.FrameRateNum <= 0 || c.FrameRateDen <= 0 {
		return fmt.Errorf("%w: framerate %d/%d", ErrInvalidConfig, c.FrameRateNum, c.FrameRateDen)
	}
	if c.Surfaces < 1 {
		return fmt.Errorf("%w: surfaces %d", ErrInvalidConfig, c.Surfaces)
	}
	if _, ok := presetGUIDs[c.Preset]; !ok && c.Preset != "" {
		return fmt.Errorf("%w: preset %q", ErrInvalidConfig, c.Preset)
	}
	return nil
}

// frameDuration returns the duration of one frame in ClockRate ticks.
func (c EncoderConfig) frameDuration() uint64 {
	if c.FrameRateNum <= 0 || c.FrameRateDen <= 0 {
		return 0
	}
	return uint64(ClockRate) * uint64(c.FrameRateDen) / uint64(c.FrameRateNum)
}

// TranscodeConfig configures a Transcoder.
type TranscodeConfig struct {
	// CopyFrames copies each decoded frame into an encoder-owned buffer so
	// the decode surface is released immediately. Without it the encoder
	// reads decode surfaces directly and holds them until retrieval.
	CopyFrames bool `yaml:"copy_frames"`
}

// RTMPConfig configures the RTMP ingest listener.
type RTMPConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the file-level configuration of an nvcodec process.
type Config struct {
	GPU       int             `yaml:"gpu"`
	Decoder   DecoderConfig   `yaml:"decoder"`
	Encoder   EncoderConfig   `yaml:"encoder"`
	Transcode TranscodeConfig `yaml:"transcode"`
	RTMP      RTMPConfig      `yaml:"rtmp"`
}

// DefaultConfig returns an H.264 to H.264 1080p configuration.
func DefaultConfig() Config {
	return Config{
		Decoder:   DefaultDecoderConfig(CodecH264),
		Encoder:   DefaultEncoderConfig(CodecH264, 1920, 1080),
		Transcode: TranscodeConfig{CopyFrames: true},
		RTMP:      RTMPConfig{Addr: ":1935"},
	}
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if c.GPU < 0 {
		return fmt.Errorf("%w: gpu %d", ErrInvalidConfig, c.GPU)
	}
	if err := c.Decoder.Validate(); err != nil {
		return err
	}
	return c.Encoder.Validate()
}

// MarshalText implements encoding.TextMarshaler.
func (m RateControlMode) MarshalText() ([]byte, error) {
	switch m {
	case RateControlConstQP:
		return []byte("constqp"), nil
	case RateControlVBR:
		return []byte("vbr"), nil
	case RateControlCBR:
		return []byte("cbr"), nil
	}
	return nil, fmt.Errorf("%w: rate control %d", ErrInvalidConfig, m)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *RateControlMode) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "constqp", "cqp":
		*m = RateControlConstQP
	case "vbr":
		*m = RateControlVBR
	case "cbr":
		*m = RateControlCBR
	default:
		return fmt.Errorf("%w: rate control %q", ErrInvalidConfig, b)
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (t TuningInfo) MarshalText() ([]byte, error) {
	switch t {
	case TuningUndefined:
		return []byte(""), nil
	case TuningHighQuality:
		return []byte("high_quality"), nil
	case TuningLowLatency:
		return []byte("low_latency"), nil
	case TuningUltraLowLatency:
		return []byte("ultra_low_latency"), nil
	case TuningLossless:
		return []byte("lossless"), nil
	}
	return nil, fmt.Errorf("%w: tuning %d", ErrInvalidConfig, t)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TuningInfo) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "":
		*t = TuningUndefined
	case "high_quality", "hq":
		*t = TuningHighQuality
	case "low_latency", "ll":
		*t = TuningLowLatency
	case "ultra_low_latency", "ull":
		*t = TuningUltraLowLatency
	case "lossless":
		*t = TuningLossless
	default:
		return fmt.Errorf("%w: tuning %q", ErrInvalidConfig, b)
	}
	return nil
}

// newName returns a short random identifier for log attribution.
func newName(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func componentLogger(base *slog.Logger, component, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("component", component, "name", name)
}
