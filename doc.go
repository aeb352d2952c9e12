// Package nvcodec drives NVIDIA's hardware video decoder (NVDEC) and encoder
// (NVENC) from Go, keeping decoded pictures on the GPU between the two.
//
// Key pieces include:
//   - Decoder: feeds compressed data to the NVDEC parser and hands out mapped
//     GpuFrames, bounded by the number of output surfaces
//   - Encoder: submits device pictures to NVENC and returns Annex-B access
//     units in submission order
//   - Transcoder: a Decoder to Encoder pump that follows resolution changes
//   - RTP packetizers, WebRTC track and Annex-B sinks, and an RTMP ingest
//
// # Architecture
//
//	Ingest:    RTMPIngest -> Decoder.Queue
//	Decode:    Decoder.NextFrame -> GpuFrame (Release when done)
//	Encode:    Encoder.QueueFrame -> Encoder.NextPacket -> EncodedPacket
//	Delivery:  PacketSink (TrackSink, RTPSink, AnnexBSink, MultiSink)
//
// Parser callbacks run on the goroutine calling Decoder.Queue. A decoded
// picture keeps its decode surface until the GpuFrame is released, so
// consumers that stop releasing frames eventually stall the decoder.
//
// # Native Libraries
//
// The package loads libcuda, libnvcuvid and libnvidia-encode from the
// installed driver with purego; cgo is not required. Set NVCODEC_LIB_PATH
// to a directory holding the libraries, or NVCODEC_CUDA_LIB,
// NVCODEC_CUVID_LIB and NVCODEC_NVENC_LIB to individual files. On platforms
// other than Linux every constructor returns ErrNotAvailable.
//
// # Supported Codecs
//
// Decode: MPEG-1/2/4, VC-1, H.264, JPEG, HEVC, VP8, VP9 and AV1, subject to
// the device's capabilities. Encode: H.264 and HEVC. Output is NV12.
package nvcodec
