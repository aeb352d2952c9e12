package nvcodec

import "fmt"

// NVENC codec GUIDs.
var (
	codecH264GUID = GUID{0x6bc82762, 0x4e63, 0x4ca4, [8]byte{0xaa, 0x85, 0x1e, 0x50, 0xf3, 0x21, 0xf6, 0xbf}}
	codecHEVCGUID = GUID{0x790cdc88, 0x4522, 0x4d7b, [8]byte{0x94, 0x25, 0xbd, 0xa9, 0x97, 0x5f, 0x76, 0x03}}
)

// NVENC profile GUIDs.
var (
	profileH264MainGUID = GUID{0x60b5c1d4, 0x67fe, 0x4790, [8]byte{0x94, 0xd5, 0xc4, 0x72, 0x6d, 0x7b, 0x6e, 0x6d}}
	profileH264HighGUID = GUID{0xe7cbc309, 0x4f7a, 0x4b89, [8]byte{0xaf, 0x2a, 0xd5, 0x37, 0xc9, 0x2b, 0xe3, 0x10}}
	profileHEVCMainGUID = GUID{0xb514c39a, 0xb55b, 0x40fa, [8]byte{0x87, 0x8f, 0xf1, 0x25, 0x3b, 0x4d, 0xfd, 0xec}}
)

// NVENC preset GUIDs.
var presetGUIDs = map[Preset]GUID{
	PresetP1:       {0xfc0a8d3e, 0x45f8, 0x4cf8, [8]byte{0x80, 0xc7, 0x29, 0x88, 0x71, 0x59, 0x0e, 0xbf}},
	PresetP2:       {0xf581cfb8, 0x88d6, 0x4381, [8]byte{0x93, 0xf0, 0xdf, 0x13, 0xf9, 0xc2, 0x7d, 0xab}},
	PresetP3:       {0x36850110, 0x3a07, 0x441f, [8]byte{0x94, 0xd5, 0x36, 0x70, 0x63, 0x1f, 0x91, 0xf6}},
	PresetP4:       {0x90a7b826, 0xdf06, 0x4862, [8]byte{0xb9, 0xd2, 0xcd, 0x6d, 0x73, 0xa0, 0x86, 0x81}},
	PresetP5:       {0x21c6e6b4, 0x297a, 0x4cba, [8]byte{0x99, 0x8f, 0xb6, 0xcb, 0xde, 0x72, 0xad, 0xe3}},
	PresetP6:       {0x8e75c279, 0x6299, 0x4ab6, [8]byte{0x83, 0x02, 0x0b, 0x21, 0x5a, 0x33, 0x5c, 0xf5}},
	PresetP7:       {0x84848c12, 0x6f71, 0x4c13, [8]byte{0x93, 0x1b, 0x53, 0xe2, 0x83, 0xf5, 0x79, 0x74}},
	PresetLossless: {0xd5bfb716, 0xc604, 0x44e7, [8]byte{0x9b, 0xb8, 0xde, 0xa5, 0x51, 0x0f, 0xc3, 0xac}},
}

// Negotiation failures, each matching ErrNegotiation.
var (
	ErrNoCodecGUID   = fmt.Errorf("%w: codec not offered by device", ErrNegotiation)
	ErrNoPresetGUID  = fmt.Errorf("%w: no allowed preset offered", ErrNegotiation)
	ErrNoProfileGUID = fmt.Errorf("%w: no allowed profile offered", ErrNegotiation)
	ErrNoInputFormat = fmt.Errorf("%w: NV12 input not offered", ErrNegotiation)
)

func (g GUID) String() string {
	return fmt.Sprintf("%08x-%04x-%04x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		g.Data1, g.Data2, g.Data3, g.Data4[0], g.Data4[1],
		g.Data4[2], g.Data4[3], g.Data4[4], g.Data4[5], g.Data4[6], g.Data4[7])
}

func codecGUID(c Codec) (GUID, bool) {
	switch c {
	case CodecH264, CodecH264SVC, CodecH264MVC:
		return codecH264GUID, true
	case CodecHEVC:
		return codecHEVCGUID, true
	}
	return GUID{}, false
}

// presetAllowList returns presets in preference order: the configured one
// first, then the fixed fallbacks.
func presetAllowList(configured Preset) []GUID {
	list := make([]GUID, 0, 3)
	if g, ok := presetGUIDs[configured]; ok {
		list = append(list, g)
	}
	return append(list, presetGUIDs[PresetP4], presetGUIDs[PresetLossless])
}

func profileAllowList(c Codec) []GUID {
	if c == CodecHEVC {
		return []GUID{profileHEVCMainGUID}
	}
	return []GUID{profileH264HighGUID, profileH264MainGUID}
}

// firstOffered returns the first entry of allowed present in offered.
func firstOffered(allowed, offered []GUID) (GUID, bool) {
	for _, a := range allowed {
		for _, o := range offered {
			if a == o {
				return a, true
			}
		}
	}
	return GUID{}, false
}

// negotiation is the outcome of GUID negotiation for one session.
type negotiation struct {
	codec   GUID
	preset  GUID
	profile GUID
	tuning  TuningInfo
}

// negotiate picks the codec, preset, profile and input format from what
// the session offers.
func negotiate(s EncodeSession, cfg EncoderConfig) (negotiation, error) {
	var n negotiation
	want, ok := codecGUID(cfg.Codec)
	if !ok {
		return n, fmt.Errorf("%w: %s", ErrNoCodecGUID, cfg.Codec)
	}
	codecs, err := s.EncodeGUIDs()
	if err != nil {
		return n, fmt.Errorf("enumerate codecs: %w", err)
	}
	if n.codec, ok = firstOffered([]GUID{want}, codecs); !ok {
		return n, fmt.Errorf("%w: %s", ErrNoCodecGUID, cfg.Codec)
	}

	presets, err := s.PresetGUIDs(n.codec)
	if err != nil {
		return n, fmt.Errorf("enumerate presets: %w", err)
	}
	if n.preset, ok = firstOffered(presetAllowList(cfg.Preset), presets); !ok {
		return n, ErrNoPresetGUID
	}

	profiles, err := s.ProfileGUIDs(n.codec)
	if err != nil {
		return n, fmt.Errorf("enumerate profiles: %w", err)
	}
	if n.profile, ok = firstOffered(profileAllowList(cfg.Codec), profiles); !ok {
		return n, ErrNoProfileGUID
	}

	formats, err := s.InputFormats(n.codec)
	if err != nil {
		return n, fmt.Errorf("enumerate input formats: %w", err)
	}
	found := false
	for _, f := range formats {
		if f == BufferFormatNV12 {
			found = true
			break
		}
	}
	if !found {
		return n, ErrNoInputFormat
	}

	n.tuning = cfg.Tuning
	if n.preset == presetGUIDs[PresetLossless] {
		n.tuning = TuningLossless
	} else if n.tuning == TuningUndefined {
		n.tuning = TuningHighQuality
	}
	return n, nil
}
