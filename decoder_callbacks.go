package nvcodec

import (
	"fmt"
	"time"
)

const (
	surfacePollInterval  = 500 * time.Microsecond
	surfaceWaitWarnAfter = 5 * time.Second

	// deliveryWaitLimit bounds how long recreation waits for the consumer
	// to take queued pictures of the old decoder. Pictures still queued
	// after it are dropped when they are mapped.
	deliveryWaitLimit = time.Second
)

// pinnedOutputFormat keeps every decoder on NV12 output. With it unset the
// output format follows the sequence bit depth and chroma format.
const pinnedOutputFormat = true

// decoderCallbacks adapts a Decoder to ParserHandler without exporting the
// callback methods on Decoder itself.
type decoderCallbacks struct {
	d *Decoder
}

func (c decoderCallbacks) OnSequence(f *VideoFormat) int   { return c.d.handleSequence(f) }
func (c decoderCallbacks) OnDecode(p *PictureParams) int   { return c.d.handleDecode(p) }
func (c decoderCallbacks) OnDisplay(info *DisplayInfo) int { return c.d.handleDisplay(info) }

// OnOperatingPoint selects the default operating point.
func (c decoderCallbacks) OnOperatingPoint() int { return 0 }

// sequenceChange is the action a new sequence header requires.
type sequenceChange int

const (
	changeNone sequenceChange = iota
	changeRecreate
	changeReconfigure
	changeDisplayAreaOnly
)

// classifySequence compares a new format with the current decoder. Must
// hold mu.
func (d *Decoder) classifySequence(f *VideoFormat) sequenceChange {
	if !d.hasDecoder {
		return changeRecreate
	}
	cur := d.format
	if f.BitDepthLumaMinus8 != cur.BitDepthLumaMinus8 || f.ChromaFormat != cur.ChromaFormat {
		return changeRecreate
	}
	if f.CodedWidth != cur.CodedWidth || f.CodedHeight != cur.CodedHeight {
		// Reconfiguration cannot grow past the size the decoder was
		// created with.
		if f.CodedWidth > d.maxWidth || f.CodedHeight > d.maxHeight {
			return changeRecreate
		}
		return changeReconfigure
	}
	if f.DisplayArea != cur.DisplayArea {
		return changeDisplayAreaOnly
	}
	return changeNone
}

func (d *Decoder) handleSequence(f *VideoFormat) int {
	minSurfaces := f.MinNumDecodeSurfaces + AdditionalDecodeSurfaces
	decodeSurfaces := max(minSurfaces, max(d.cfg.DecodeSurfaces, 1))
	log := d.log.With("codec", f.Codec, "coded", sizeAttr(f.CodedWidth, f.CodedHeight),
		"chroma", f.ChromaFormat, "bit_depth", int(f.BitDepthLumaMinus8)+8)

	var caps DecoderCaps
	err := withDevice(d.dev, func() error {
		var err error
		caps, err = d.eng.DecoderCaps(DecoderCapsQuery{
			Codec:          f.Codec,
			ChromaFormat:   f.ChromaFormat,
			BitDepthMinus8: f.BitDepthChromaMinus8,
		})
		return err
	})
	if err != nil {
		log.Error("decoder capability query failed", "err", err)
		return minSurfaces
	}
	if !caps.Supported {
		log.Error("codec not supported by device")
		return minSurfaces
	}
	if f.CodedWidth > caps.MaxWidth || f.CodedHeight > caps.MaxHeight {
		log.Error("resolution not supported by device", "max", sizeAttr(caps.MaxWidth, caps.MaxHeight))
		return minSurfaces
	}
	if mbs := (f.CodedWidth >> 4) * (f.CodedHeight >> 4); mbs > caps.MaxMBCount {
		log.Error("macroblock count not supported by device", "mbs", mbs, "max_mbs", caps.MaxMBCount)
		return minSurfaces
	}

	outFormat, ok := selectOutputFormat(f, caps.OutputFormatMask)
	if !ok {
		log.Error("no supported output format", "mask", uint16(caps.OutputFormatMask))
		return 0
	}

	d.mu.RLock()
	change := d.classifySequence(f)
	d.mu.RUnlock()

	switch change {
	case changeRecreate:
		if err := d.recreate(f, decodeSurfaces, outFormat); err != nil {
			log.Error("create decoder failed", "err", err)
			return 0
		}
		log.Info("decoder created", "decode_surfaces", decodeSurfaces,
			"output", sizeAttr(d.OutputSize()), "format", outFormat)
	case changeReconfigure:
		if err := d.reconfigure(f, decodeSurfaces); err != nil {
			log.Error("reconfigure decoder failed", "err", err)
			return 0
		}
		log.Info("decoder reconfigured", "output", sizeAttr(d.OutputSize()))
	case changeDisplayAreaOnly:
		// TODO: apply display-area-only changes through ReconfigureDecoder
		// once crop-only updates are exercised by real streams.
		log.Warn("display area change without resolution change is not handled",
			"display", f.DisplayArea)
	case changeNone:
	}
	return decodeSurfaces
}

// selectOutputFormat picks the output surface format for a sequence.
func selectOutputFormat(f *VideoFormat, mask SurfaceFormatMask) (SurfaceFormat, bool) {
	if pinnedOutputFormat {
		return SurfaceNV12, mask.Has(SurfaceNV12)
	}
	want := SurfaceNV12
	switch f.ChromaFormat {
	case Chroma444:
		want = SurfaceYUV444
		if f.BitDepthLumaMinus8 > 0 {
			want = SurfaceYUV444_16Bit
		}
	default:
		if f.BitDepthLumaMinus8 > 0 {
			want = SurfaceP016
		}
	}
	if mask.Has(want) {
		return want, true
	}
	for _, alt := range []SurfaceFormat{SurfaceNV12, SurfaceP016, SurfaceYUV444, SurfaceYUV444_16Bit} {
		if mask.Has(alt) {
			return alt, true
		}
	}
	return 0, false
}

// outputGeometry returns the target size and display area for f.
func (d *Decoder) outputGeometry(f *VideoFormat) (width, height int, display Rect) {
	display = f.DisplayArea
	width, height = display.Width(), display.Height()
	if d.cfg.Width > 0 && d.cfg.Height > 0 {
		width, height = d.cfg.Width, d.cfg.Height
	}
	return width, height, display
}

func (d *Decoder) recreate(f *VideoFormat, decodeSurfaces int, outFormat SurfaceFormat) error {
	if !d.waitForDelivery() {
		return ErrClosed
	}
	d.gate.drain()
	defer d.gate.resume()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = decoderRecreating

	if d.hasDecoder {
		h := d.handle
		if err := withDevice(d.dev, func() error { return d.eng.DestroyDecoder(h) }); err != nil {
			d.log.Warn("destroy decoder failed", "err", err)
		}
		d.hasDecoder = false
		d.generation++
		// The destroyed decoder's surfaces are gone with it.
		d.tracker.reset()
	}

	width, height, display := d.outputGeometry(f)
	deinterlace := DeinterlaceAdaptive
	if f.ProgressiveSequence {
		deinterlace = DeinterlaceWeave
	}
	info := DecoderCreateInfo{
		CodedWidth:        f.CodedWidth,
		CodedHeight:       f.CodedHeight,
		NumDecodeSurfaces: decodeSurfaces,
		Codec:             f.Codec,
		ChromaFormat:      f.ChromaFormat,
		CreationFlags:     createPreferCUVID,
		BitDepthMinus8:    f.BitDepthLumaMinus8,
		IntraDecodeOnly:   d.cfg.KeyframeOnly,
		MaxWidth:          f.CodedWidth,
		MaxHeight:         f.CodedHeight,
		DisplayArea:       display,
		OutputFormat:      outFormat,
		Deinterlace:       deinterlace,
		TargetWidth:       width,
		TargetHeight:      height,
		NumOutputSurfaces: d.resolveOutputSurfaces(decodeSurfaces),
		CtxLock:           d.ctxLock,
	}

	var h DecoderHandle
	err := withDevice(d.dev, func() error {
		var err error
		h, err = d.eng.CreateDecoder(info)
		return err
	})
	if err != nil {
		d.state = decoderUninitialized
		return err
	}

	d.handle = h
	d.hasDecoder = true
	d.format = *f
	d.decodeSurfaces = decodeSurfaces
	d.outputSurfaces = info.NumOutputSurfaces
	d.outWidth, d.outHeight = width, height
	d.outFormat = outFormat
	d.maxWidth, d.maxHeight = info.MaxWidth, info.MaxHeight
	d.gate.setBound(info.NumOutputSurfaces)
	d.state = decoderCreated
	d.addStat(func(s *DecoderStats) { s.Recreates++ })
	return nil
}

func (d *Decoder) reconfigure(f *VideoFormat, decodeSurfaces int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasDecoder {
		return ErrClosed
	}
	d.state = decoderReconfiguring

	width, height, display := d.outputGeometry(f)
	// The decoder keeps the surface pool it was created with.
	decodeSurfaces = min(decodeSurfaces, d.decodeSurfaces)
	info := ReconfigureInfo{
		Width:             f.CodedWidth,
		Height:            f.CodedHeight,
		TargetWidth:       width,
		TargetHeight:      height,
		NumDecodeSurfaces: decodeSurfaces,
		DisplayArea:       display,
	}
	h := d.handle
	if err := withDevice(d.dev, func() error { return d.eng.ReconfigureDecoder(h, info) }); err != nil {
		d.state = decoderCreated
		return err
	}

	d.format = *f
	d.outWidth, d.outHeight = width, height
	d.state = decoderCreated
	d.addStat(func(s *DecoderStats) { s.Reconfigures++ })
	return nil
}

func (d *Decoder) handleDecode(pic *PictureParams) int {
	d.mu.RLock()
	has := d.hasDecoder
	d.mu.RUnlock()
	if !has {
		d.log.Error("picture decode before decoder creation", "surface", pic.CurrPicIdx)
		return 0
	}

	idx := pic.CurrPicIdx
	if !d.waitForSurface(idx) {
		d.log.Warn("decoder closed while waiting for surface", "surface", idx)
		return 0
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.hasDecoder {
		d.log.Warn("decoder destroyed while waiting for surface", "surface", idx)
		return 0
	}
	d.tracker.markInUse(idx)
	h := d.handle
	if err := withDevice(d.dev, func() error { return d.eng.DecodePicture(h, pic) }); err != nil {
		d.tracker.markFree(idx)
		d.addStat(func(s *DecoderStats) { s.DecodeErrors++ })
		d.log.Error("decode picture failed", "surface", idx, "err", err)
		return 0
	}
	d.addStat(func(s *DecoderStats) { s.PicturesDecoded++ })
	return 1
}

// waitForDelivery polls until every displayed picture has been taken by a
// consumer and holds an in-flight slot, so that draining the gate covers
// all of them. It gives up after deliveryWaitLimit; a consumer running on
// the goroutine that called Queue cannot take them. It returns false if the
// decoder is closed while waiting.
func (d *Decoder) waitForDelivery() bool {
	if d.undelivered.Load() == 0 {
		return true
	}
	start := time.Now()
	for d.undelivered.Load() > 0 {
		if d.closed.Load() {
			return false
		}
		if time.Since(start) > deliveryWaitLimit {
			d.log.Warn("recreating decoder with undelivered pictures",
				"undelivered", d.undelivered.Load(), "queued", d.frames.len())
			return true
		}
		time.Sleep(surfacePollInterval)
	}
	return true
}

// waitForSurface polls until surface idx is no longer held by a frame.
// It returns false if the decoder is closed while waiting.
func (d *Decoder) waitForSurface(idx int) bool {
	if !d.tracker.inUse(idx) {
		return true
	}
	d.addStat(func(s *DecoderStats) { s.SurfaceWaits++ })
	start := time.Now()
	warned := false
	for d.tracker.inUse(idx) {
		if d.closed.Load() {
			return false
		}
		if !warned && time.Since(start) > surfaceWaitWarnAfter {
			d.log.Warn("decode surface still held by a frame", "surface", idx,
				"in_flight", d.gate.inFlight(), "queued", d.frames.len())
			warned = true
		}
		time.Sleep(surfacePollInterval)
	}
	if warned {
		d.log.Warn("decode surface released", "surface", idx, "waited", time.Since(start))
	}
	return true
}

func (d *Decoder) handleDisplay(info *DisplayInfo) int {
	if info == nil {
		d.eosSeen.Store(true)
		if d.frames.close() {
			d.log.Debug("end of stream")
		}
		return 1
	}
	if d.eosSeen.Load() {
		return 1
	}
	d.mu.RLock()
	pf := preparedFrame{
		timestamp: info.Timestamp,
		index:     info.PictureIndex,
		proc: ProcParams{
			ProgressiveFrame: info.ProgressiveFrame,
			SecondField:      info.RepeatFirstField + 1,
			TopFieldFirst:    info.TopFieldFirst,
			UnpairedField:    info.RepeatFirstField < 0,
		},
		generation: d.generation,
		width:      d.outWidth,
		height:     d.outHeight,
		format:     d.outFormat,
	}
	d.mu.RUnlock()

	d.undelivered.Add(1)
	if err := d.frames.send(d.ctx, pf); err != nil {
		d.undelivered.Add(-1)
		d.log.Debug("dropping displayed picture", "surface", info.PictureIndex, "err", err)
		return 0
	}
	d.addStat(func(s *DecoderStats) { s.FramesDisplayed++ })
	return 1
}

func sizeAttr(w, h int) string {
	return fmt.Sprintf("%dx%d", w, h)
}
