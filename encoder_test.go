package nvcodec

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func newTestEncoder(t *testing.T, eng *fakeEncodeEngine, mutate func(*EncoderConfig)) (*Encoder, *fakeDevice) {
	t.Helper()
	dev := newFakeDevice()
	cfg := DefaultEncoderConfig(CodecH264, 640, 480)
	cfg.Logger = testLogger
	if mutate != nil {
		mutate(&cfg)
	}
	enc, err := NewEncoder(dev, eng, cfg)
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	t.Cleanup(func() { _ = enc.Close() })
	return enc, dev
}

func nextPacket(t *testing.T, enc *Encoder) *EncodedPacket {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pkt, err := enc.NextPacket(ctx)
	if err != nil {
		t.Fatalf("NextPacket failed: %v", err)
	}
	return pkt
}

func TestEncoderEncodesInOrder(t *testing.T) {
	eng := newFakeEncodeEngine()
	enc, dev := newTestEncoder(t, eng, nil)

	s := eng.session(0)
	if s.init.EncodeGUID != codecH264GUID {
		t.Errorf("codec GUID = %v", s.init.EncodeGUID)
	}
	if s.init.PresetGUID != presetGUIDs[PresetP4] {
		t.Errorf("preset GUID = %v, want P4", s.init.PresetGUID)
	}
	if s.init.ProfileGUID != profileH264HighGUID {
		t.Errorf("profile GUID = %v, want High", s.init.ProfileGUID)
	}
	if s.init.Tuning != TuningHighQuality || s.init.Width != 640 || s.init.Height != 480 {
		t.Errorf("init params = %+v", s.init)
	}

	const total = 10
	frames := make([]*testFrame, total)
	errc := make(chan error, 1)
	go func() {
		for i := range frames {
			frames[i] = newTestFrame(640, 480, int64(i)*frameTicks)
			if _, err := enc.QueueFrame(context.Background(), frames[i], false); err != nil {
				errc <- err
				return
			}
		}
		errc <- enc.SendEOS()
	}()

	for i := 0; i < total; i++ {
		pkt := nextPacket(t, enc)
		if pkt.Timestamp != uint64(i)*frameTicks {
			t.Errorf("packet %d timestamp = %d, want %d", i, pkt.Timestamp, uint64(i)*frameTicks)
		}
		if got := pkt.Data[len(pkt.Data)-1]; got != byte(i) {
			t.Errorf("packet %d carries frame %d", i, got)
		}
		if pkt.Keyframe != (i == 0) {
			t.Errorf("packet %d keyframe = %v", i, pkt.Keyframe)
		}
		if pkt.Duration != frameTicks {
			t.Errorf("packet %d duration = %d, want %d", i, pkt.Duration, frameTicks)
		}
	}
	if err := <-errc; err != nil {
		t.Fatalf("producer failed: %v", err)
	}
	if _, err := enc.NextPacket(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("NextPacket after EOS = %v, want io.EOF", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for i, f := range frames {
		if n := f.released.Load(); n != 1 {
			t.Errorf("frame %d released %d times, want 1", i, n)
		}
	}
	if b, r, m := s.leaks(); b != 0 || r != 0 || m != 0 {
		t.Errorf("leaked bitstreams/registrations/mappings = %d/%d/%d", b, r, m)
	}
	if !s.destroyed {
		t.Error("session not destroyed")
	}
	if s.maxInFlight > 4 {
		t.Errorf("max pictures in flight = %d, want <= 4", s.maxInFlight)
	}
	if d := dev.depth.Load(); d != 0 {
		t.Errorf("context push depth = %d", d)
	}
	st := enc.Stats()
	if st.FramesQueued != total || st.PacketsRetrieved != total || st.Keyframes != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestEncoderNeedMoreInput(t *testing.T) {
	eng := newFakeEncodeEngine()
	eng.delay = 2
	enc, _ := newTestEncoder(t, eng, nil)

	for i, wantOutput := range []bool{false, false, true} {
		got, err := enc.QueueFrame(context.Background(), newTestFrame(640, 480, int64(i)), false)
		if err != nil {
			t.Fatalf("QueueFrame %d failed: %v", i, err)
		}
		if got != wantOutput {
			t.Errorf("QueueFrame %d output = %v, want %v", i, got, wantOutput)
		}
		if wantOutput {
			if n := enc.Pending(); n != 0 {
				t.Errorf("Pending = %d after output, want 0", n)
			}
		} else if n := enc.Pending(); n != i+1 {
			t.Errorf("Pending = %d, want %d", n, i+1)
		}
	}
	for i := 0; i < 3; i++ {
		if pkt := nextPacket(t, enc); pkt.Timestamp != uint64(i) {
			t.Errorf("packet %d timestamp = %d", i, pkt.Timestamp)
		}
	}
	if st := enc.Stats(); st.NeedMoreInput != 2 {
		t.Errorf("NeedMoreInput = %d, want 2", st.NeedMoreInput)
	}
}

func TestEncoderEOSFlushesPending(t *testing.T) {
	eng := newFakeEncodeEngine()
	eng.delay = 100
	enc, _ := newTestEncoder(t, eng, nil)

	for i := 0; i < 3; i++ {
		if _, err := enc.QueueFrame(context.Background(), newTestFrame(640, 480, int64(i)), false); err != nil {
			t.Fatalf("QueueFrame failed: %v", err)
		}
	}
	if n := enc.Pending(); n != 3 {
		t.Fatalf("Pending = %d, want 3", n)
	}
	if err := enc.SendEOS(); err != nil {
		t.Fatalf("SendEOS failed: %v", err)
	}
	var got []uint64
	for pkt := range enc.Packets(context.Background()) {
		got = append(got, pkt.Timestamp)
	}
	if len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Errorf("timestamps after EOS = %v, want [0 1 2]", got)
	}

	late := newTestFrame(640, 480, 9)
	if _, err := enc.QueueFrame(context.Background(), late, false); !errors.Is(err, ErrEOSSent) {
		t.Errorf("QueueFrame after EOS = %v, want ErrEOSSent", err)
	}
	if late.released.Load() != 1 {
		t.Error("frame rejected after EOS was not released")
	}
	if err := enc.SendEOS(); err != nil {
		t.Errorf("second SendEOS = %v", err)
	}
	if s := eng.session(0); s.eosCount != 1 {
		t.Errorf("EOS submitted %d times, want 1", s.eosCount)
	}
}

func TestEncoderCopyPath(t *testing.T) {
	eng := newFakeEncodeEngine()
	enc, dev := newTestEncoder(t, eng, nil)

	f := newTestFrame(640, 480, 42)
	if _, err := enc.QueueFrame(context.Background(), f, true); err != nil {
		t.Fatalf("QueueFrame failed: %v", err)
	}
	if f.released.Load() != 1 {
		t.Error("copied frame not released before retrieval")
	}
	s := eng.session(0)
	s.mu.Lock()
	for _, reg := range s.registered {
		if reg.Ptr == f.surface.Ptr {
			t.Error("encoder registered the source frame instead of its copy")
		}
		if reg.Pitch != 768 {
			t.Errorf("registered pitch = %d, want 768", reg.Pitch)
		}
	}
	s.mu.Unlock()

	if pkt := nextPacket(t, enc); pkt.Timestamp != 42 {
		t.Errorf("timestamp = %d, want 42", pkt.Timestamp)
	}
	// The copy buffer is reused by the next picture on the same slot.
	for i := 0; i < 8; i++ {
		if _, err := enc.QueueFrame(context.Background(), newTestFrame(640, 480, int64(i)), true); err != nil {
			t.Fatalf("QueueFrame failed: %v", err)
		}
		_ = nextPacket(t, enc)
	}
	if n := dev.liveAllocs(); n > 4 {
		t.Errorf("%d copy buffers allocated for 4 surfaces", n)
	}
	if st := enc.Stats(); st.FramesCopied != 9 {
		t.Errorf("FramesCopied = %d, want 9", st.FramesCopied)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if n := dev.liveAllocs(); n != 0 {
		t.Errorf("%d copy buffers leaked", n)
	}
}

func TestEncoderFrameSizeMismatch(t *testing.T) {
	enc, _ := newTestEncoder(t, newFakeEncodeEngine(), nil)
	f := newTestFrame(320, 240, 0)
	if _, err := enc.QueueFrame(context.Background(), f, false); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("QueueFrame = %v, want ErrFrameSize", err)
	}
	if f.released.Load() != 1 {
		t.Error("rejected frame not released")
	}
}

func TestEncoderSubmitFailure(t *testing.T) {
	eng := newFakeEncodeEngine()
	enc, _ := newTestEncoder(t, eng, nil)
	s := eng.session(0)
	s.mu.Lock()
	s.submitErr = NvencStatus(20)
	s.mu.Unlock()

	f := newTestFrame(640, 480, 0)
	if _, err := enc.QueueFrame(context.Background(), f, false); err == nil {
		t.Fatal("QueueFrame succeeded with a failing engine")
	}
	if f.released.Load() != 1 {
		t.Error("frame not released after submit failure")
	}
	if n := enc.pool.Available(); n != enc.pool.Size() {
		t.Errorf("%d of %d permits available after failure", n, enc.pool.Size())
	}
	if _, r, m := s.leaks(); r != 0 || m != 0 {
		t.Errorf("registrations/mappings = %d/%d after failure", r, m)
	}
	if st := enc.Stats(); st.SubmitErrors != 1 {
		t.Errorf("SubmitErrors = %d, want 1", st.SubmitErrors)
	}
}

func TestEncoderNegotiation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(e *fakeEncodeEngine)
		preset      Preset
		wantErr     error
		wantPreset  Preset
		wantTuning  TuningInfo
		wantProfile GUID
	}{
		{
			name:        "configured preset",
			preset:      PresetP7,
			wantPreset:  PresetP7,
			wantTuning:  TuningHighQuality,
			wantProfile: profileH264HighGUID,
		},
		{
			name:        "falls back to P4",
			mutate:      func(e *fakeEncodeEngine) { e.presets = []GUID{presetGUIDs[PresetP4]} },
			preset:      PresetP7,
			wantPreset:  PresetP4,
			wantTuning:  TuningHighQuality,
			wantProfile: profileH264HighGUID,
		},
		{
			name:        "lossless fallback sets tuning",
			mutate:      func(e *fakeEncodeEngine) { e.presets = []GUID{presetGUIDs[PresetLossless]} },
			preset:      PresetP1,
			wantPreset:  PresetLossless,
			wantTuning:  TuningLossless,
			wantProfile: profileH264HighGUID,
		},
		{
			name:        "main profile fallback",
			mutate:      func(e *fakeEncodeEngine) { e.profiles = []GUID{profileH264MainGUID} },
			wantPreset:  PresetP4,
			wantTuning:  TuningHighQuality,
			wantProfile: profileH264MainGUID,
		},
		{
			name:    "codec not offered",
			mutate:  func(e *fakeEncodeEngine) { e.codecs = []GUID{codecHEVCGUID} },
			wantErr: ErrNoCodecGUID,
		},
		{
			name:    "no allowed preset",
			mutate:  func(e *fakeEncodeEngine) { e.presets = []GUID{presetGUIDs[PresetP2]} },
			preset:  PresetP1,
			wantErr: ErrNoPresetGUID,
		},
		{
			name:    "no allowed profile",
			mutate:  func(e *fakeEncodeEngine) { e.profiles = []GUID{profileHEVCMainGUID} },
			wantErr: ErrNoProfileGUID,
		},
		{
			name:    "no NV12 input",
			mutate:  func(e *fakeEncodeEngine) { e.formats = nil },
			wantErr: ErrNoInputFormat,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newFakeEncodeEngine()
			if tt.mutate != nil {
				tt.mutate(eng)
			}
			cfg := DefaultEncoderConfig(CodecH264, 640, 480)
			cfg.Logger = testLogger
			if tt.preset != "" {
				cfg.Preset = tt.preset
			}
			enc, err := NewEncoder(newFakeDevice(), eng, cfg)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) || !errors.Is(err, ErrNegotiation) || !errors.Is(err, ErrSetup) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if !eng.session(0).destroyed {
					t.Error("session not destroyed after failed negotiation")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewEncoder failed: %v", err)
			}
			defer enc.Close()
			s := eng.session(0)
			if s.init.PresetGUID != presetGUIDs[tt.wantPreset] {
				t.Errorf("preset = %v, want %s", s.init.PresetGUID, tt.wantPreset)
			}
			if s.init.Tuning != tt.wantTuning {
				t.Errorf("tuning = %d, want %d", s.init.Tuning, tt.wantTuning)
			}
			if s.init.ProfileGUID != tt.wantProfile {
				t.Errorf("profile = %v, want %v", s.init.ProfileGUID, tt.wantProfile)
			}
		})
	}
}

func TestEncoderHEVC(t *testing.T) {
	eng := newFakeEncodeEngine()
	newTestEncoder(t, eng, func(c *EncoderConfig) { c.Codec = CodecHEVC })
	s := eng.session(0)
	if s.init.EncodeGUID != codecHEVCGUID || s.init.ProfileGUID != profileHEVCMainGUID {
		t.Errorf("init = %+v", s.init)
	}
}

func TestNewEncoderErrors(t *testing.T) {
	eng := newFakeEncodeEngine()
	cfg := DefaultEncoderConfig(CodecH264, 640, 480)
	cfg.Surfaces = 0
	if _, err := NewEncoder(newFakeDevice(), eng, cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("zero surfaces: err = %v, want ErrInvalidConfig", err)
	}

	cfg = DefaultEncoderConfig(CodecVP9, 640, 480)
	if _, err := NewEncoder(newFakeDevice(), eng, cfg); !errors.Is(err, ErrCodecNotSupport) {
		t.Errorf("VP9: err = %v, want ErrCodecNotSupport", err)
	}

	eng.openErr = NvencStatus(1)
	_, err := NewEncoder(newFakeDevice(), eng, DefaultEncoderConfig(CodecH264, 640, 480))
	var se *SetupError
	if !errors.As(err, &se) || se.Stage != "open session" {
		t.Errorf("open failure: err = %v", err)
	}
}

func TestEncoderReconfigure(t *testing.T) {
	eng := newFakeEncodeEngine()
	enc, _ := newTestEncoder(t, eng, nil)

	if _, err := enc.QueueFrame(context.Background(), newTestFrame(640, 480, 0), true); err != nil {
		t.Fatalf("QueueFrame failed: %v", err)
	}
	_ = nextPacket(t, enc)

	if err := enc.Reconfigure(context.Background(), 320, 240); err != nil {
		t.Fatalf("Reconfigure failed: %v", err)
	}
	if cfg := enc.Config(); cfg.Width != 320 || cfg.Height != 240 {
		t.Errorf("Config size = %dx%d", cfg.Width, cfg.Height)
	}
	s := eng.session(0)
	if len(s.reconfigs) != 1 || s.reconfigs[0].Width != 320 {
		t.Errorf("reconfigs = %+v", s.reconfigs)
	}
	if _, err := enc.QueueFrame(context.Background(), newTestFrame(320, 240, 1), true); err != nil {
		t.Fatalf("QueueFrame after Reconfigure failed: %v", err)
	}
	_ = nextPacket(t, enc)

	if err := enc.Reconfigure(context.Background(), 0, 240); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Reconfigure to 0x240 = %v, want ErrInvalidConfig", err)
	}

	eng.reconfigErr = NvencStatus(12)
	if err := enc.Reconfigure(context.Background(), 1920, 1080); err == nil {
		t.Error("Reconfigure succeeded with a failing engine")
	}
	if cfg := enc.Config(); cfg.Width != 320 {
		t.Errorf("failed Reconfigure changed size to %dx%d", cfg.Width, cfg.Height)
	}
}

func TestEncoderReconfigureBusy(t *testing.T) {
	eng := newFakeEncodeEngine()
	eng.delay = 1
	enc, _ := newTestEncoder(t, eng, nil)

	if _, err := enc.QueueFrame(context.Background(), newTestFrame(640, 480, 0), false); err != nil {
		t.Fatalf("QueueFrame failed: %v", err)
	}
	if err := enc.Reconfigure(context.Background(), 320, 240); !errors.Is(err, ErrBusy) {
		t.Errorf("Reconfigure with pending input = %v, want ErrBusy", err)
	}
}

func TestEncoderReconfigureWaitsForRetrieval(t *testing.T) {
	eng := newFakeEncodeEngine()
	enc, _ := newTestEncoder(t, eng, nil)

	if _, err := enc.QueueFrame(context.Background(), newTestFrame(640, 480, 0), false); err != nil {
		t.Fatalf("QueueFrame failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := enc.Reconfigure(ctx, 320, 240); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Reconfigure with unretrieved output = %v, want deadline exceeded", err)
	}

	done := make(chan error, 1)
	go func() { done <- enc.Reconfigure(context.Background(), 320, 240) }()
	_ = nextPacket(t, enc)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Reconfigure failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Reconfigure did not finish after retrieval")
	}
}

func TestEncoderCloseUnblocks(t *testing.T) {
	eng := newFakeEncodeEngine()
	enc, _ := newTestEncoder(t, eng, func(c *EncoderConfig) { c.Surfaces = 1 })

	first := newTestFrame(640, 480, 0)
	if _, err := enc.QueueFrame(context.Background(), first, false); err != nil {
		t.Fatalf("QueueFrame failed: %v", err)
	}

	second := newTestFrame(640, 480, 1)
	errc := make(chan error, 1)
	go func() {
		_, err := enc.QueueFrame(context.Background(), second, false)
		errc <- err
	}()
	select {
	case err := <-errc:
		t.Fatalf("QueueFrame returned with every surface in use: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := enc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("blocked QueueFrame = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock QueueFrame")
	}
	if _, err := enc.NextPacket(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("NextPacket after Close = %v, want io.EOF", err)
	}
	if first.released.Load() != 1 || second.released.Load() != 1 {
		t.Errorf("releases = %d/%d, want 1/1", first.released.Load(), second.released.Load())
	}
	if b, r, m := eng.session(0).leaks(); b != 0 || r != 0 || m != 0 {
		t.Errorf("leaked bitstreams/registrations/mappings = %d/%d/%d", b, r, m)
	}
}
