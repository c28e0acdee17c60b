// Package avenc encodes GPU-rendered video, and optionally audio, into
// containers, RTMP streams or in-process callbacks in real time.
//
// Key pieces include:
//   - EncodeSession, which owns one video backend, an optional audio path and a Multiplexer
//   - TimestampController for fixed-rate and wall-clock (drift corrected) timestamps
//   - ConversionPipeline, turning linear, sRGB or PQ images into encoder planes on the device
//   - Codec sessions behind a send/receive registry (native, x264, libopus, device)
//   - Targets: FLV files, RTMP publishing, packet callbacks, RTP and WebRTC sinks
//
// # Architecture
//
//	Video: Image -> ConversionPipeline -> Backend (bitstream | wavelet | codec) -> Multiplexer -> Targets
//	Audio: AudioSource or captured F32 -> AudioSynchronizer -> CodecStream -> Multiplexer -> Targets
//
// Backends are chosen by SelectBackend. A device bitstream encoder falls back
// to a codec consuming device frames, then to a software codec fed from a
// host readback. A failing target is dropped while any other target keeps
// receiving packets.
//
// # Native Libraries
//
// The x264 and Opus sessions load libmedia_h264 and libstream_opus through
// purego (CGO_ENABLED=0). Set AVENC_LIB_PATH to the directory holding
// them. Codecs whose library fails to load stay registered but unavailable.
package avenc
