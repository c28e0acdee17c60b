//go:build darwin || linux

// Native H.264 and Opus codecs loaded at runtime with purego.

package avenc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	mediaH264Once    sync.Once
	mediaH264InitErr error

	streamOpusOnce    sync.Once
	streamOpusInitErr error
)

// libmedia_h264 function pointers
var (
	mediaH264EncoderCreate        func(width, height, fps, bitrateKbps, profile, threads int32) uint64
	mediaH264EncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts, outDts uintptr) int32
	mediaH264EncoderMaxOutputSize func(encoder uint64) int32
	mediaH264EncoderSetBitrate    func(encoder uint64, bitrateKbps int32) int32
	mediaH264EncoderDestroy       func(encoder uint64)
	mediaH264GetError             func() uintptr
	mediaH264EncoderAvailable     func() int32
)

// libstream_opus function pointers
var (
	streamOpusEncoderCreate      func(sampleRate, channels, application int32) uint64
	streamOpusEncoderEncodeFloat func(encoder uint64, pcm uintptr, frameSize int32, outData uintptr, outCapacity int32) int32
	streamOpusEncoderSetBitrate  func(encoder uint64, bitrate int32) int32
	streamOpusEncoderDestroy     func(encoder uint64)
	streamOpusGetError           func() uintptr
)

// Constants from media_h264.h and opus_defines.h
const (
	mediaH264ProfileHigh = 100
	mediaH264FrameIDR    = 3

	opusApplicationAudio    = 2049
	opusApplicationLowDelay = 2051

	opusFrameSize  = 960 // 20 ms at 48 kHz
	opusMaxPacket  = 4000
	opusPreSkip    = 312
	opusSampleRate = 48000
)

func loadMediaH264() error {
	mediaH264Once.Do(func() {
		_, mediaH264InitErr = openProviderLib("libmedia_h264", libSearchPaths("media_h264", "MEDIA_H264_LIB_PATH"), func(h uintptr) error {
			purego.RegisterLibFunc(&mediaH264EncoderCreate, h, "media_h264_encoder_create")
			purego.RegisterLibFunc(&mediaH264EncoderEncode, h, "media_h264_encoder_encode")
			purego.RegisterLibFunc(&mediaH264EncoderMaxOutputSize, h, "media_h264_encoder_max_output_size")
			purego.RegisterLibFunc(&mediaH264EncoderSetBitrate, h, "media_h264_encoder_set_bitrate")
			purego.RegisterLibFunc(&mediaH264EncoderDestroy, h, "media_h264_encoder_destroy")
			purego.RegisterLibFunc(&mediaH264GetError, h, "media_h264_get_error")
			purego.RegisterLibFunc(&mediaH264EncoderAvailable, h, "media_h264_encoder_available")
			return nil
		})
		if mediaH264InitErr == nil && mediaH264EncoderAvailable() == 0 {
			mediaH264InitErr = errors.New("libmedia_h264 built without an encoder")
		}
	})
	return mediaH264InitErr
}

func loadStreamOpus() error {
	streamOpusOnce.Do(func() {
		_, streamOpusInitErr = openProviderLib("libstream_opus", libSearchPaths("stream_opus", "STREAM_OPUS_LIB_PATH"), func(h uintptr) error {
			purego.RegisterLibFunc(&streamOpusEncoderCreate, h, "stream_opus_encoder_create")
			purego.RegisterLibFunc(&streamOpusEncoderEncodeFloat, h, "stream_opus_encoder_encode_float")
			purego.RegisterLibFunc(&streamOpusEncoderSetBitrate, h, "stream_opus_encoder_set_bitrate")
			purego.RegisterLibFunc(&streamOpusEncoderDestroy, h, "stream_opus_encoder_destroy")
			purego.RegisterLibFunc(&streamOpusGetError, h, "stream_opus_get_error")
			return nil
		})
	})
	return streamOpusInitErr
}

func init() {
	RegisterCodec(CodecInfo{
		Name:         "libx264",
		ID:           CodecH264,
		Provider:     ProviderX264,
		PixelFormats: []PixelFormat{PixelFormatYUV420P},
		Factory:      newX264Session,
	})
	RegisterCodec(CodecInfo{
		Name:          "libopus",
		ID:            CodecOpus,
		Provider:      ProviderLibopus,
		SampleFormats: []AudioFormat{AudioFormatF32},
		Factory:       newOpusSession,
	})
	if loadMediaH264() == nil {
		setProviderAvailable(ProviderX264)
	}
	if loadStreamOpus() == nil {
		setProviderAvailable(ProviderLibopus)
	}
}

// x264Session encodes planar 4:2:0 frames through libmedia_h264. The
// library stamps output with input frame indices; those map back to the
// caller's timestamps in submission order.
type x264Session struct {
	handle uint64
	out    []byte
	pts    []int64 // Input timestamps not yet emitted as DTS
	byIdx  map[int64]int64
	next   int64
	packetQueue
}

func newX264Session(cfg CodecConfig) (CodecSession, error) {
	if err := loadMediaH264(); err != nil {
		return nil, err
	}
	if cfg.Format != PixelFormatYUV420P {
		return nil, fmt.Errorf("libx264 needs yuv420p, got %s", cfg.Format)
	}
	fps := 30
	if cfg.FrameRate.Valid() {
		fps = int((cfg.FrameRate.Num + cfg.FrameRate.Den/2) / cfg.FrameRate.Den)
	}
	kbps := cfg.Bitrate / 1000
	if kbps <= 0 {
		kbps = 1000
	}
	threads := cfg.Threads
	if threads <= 0 {
		threads = 4
	}
	handle := mediaH264EncoderCreate(int32(cfg.Width), int32(cfg.Height), int32(fps), int32(kbps), mediaH264ProfileHigh, int32(threads))
	if handle == 0 {
		return nil, fmt.Errorf("create H.264 encoder: %s", cString(mediaH264GetError()))
	}
	size := mediaH264EncoderMaxOutputSize(handle)
	if size <= 0 {
		size = int32(cfg.Width * cfg.Height * 3 / 2)
	}
	return &x264Session{handle: handle, out: make([]byte, size), byIdx: make(map[int64]int64)}, nil
}

func (s *x264Session) SendFrame(f *RawFrame) error {
	if s.handle == 0 {
		return ErrClosed
	}
	if f == nil {
		s.flushing = true
		return nil
	}
	if len(f.Data) != 3 {
		return fmt.Errorf("libx264 needs 3 planes, got %d", len(f.Data))
	}
	force := int32(0)
	if f.PictureType == PictureTypeI {
		force = 1
	}
	s.byIdx[s.next] = f.PTS
	s.pts = append(s.pts, f.PTS)
	s.next++

	var frameType int32
	var libPTS, libDTS int64
	n := mediaH264EncoderEncode(
		s.handle,
		uintptr(unsafe.Pointer(&f.Data[0][0])),
		uintptr(unsafe.Pointer(&f.Data[1][0])),
		uintptr(unsafe.Pointer(&f.Data[2][0])),
		int32(f.Linesize[0]),
		int32(f.Linesize[1]),
		force,
		uintptr(unsafe.Pointer(&s.out[0])),
		int32(len(s.out)),
		uintptr(unsafe.Pointer(&frameType)),
		uintptr(unsafe.Pointer(&libPTS)),
		uintptr(unsafe.Pointer(&libDTS)),
	)
	if n < 0 {
		return fmt.Errorf("H.264 encode: %s", cString(mediaH264GetError()))
	}
	if n == 0 {
		return nil // Buffering
	}

	pts, ok := s.byIdx[libPTS]
	if !ok {
		pts = f.PTS
	}
	delete(s.byIdx, libPTS)
	dts := s.pts[0]
	s.pts = s.pts[1:]
	if dts > pts {
		dts = pts
	}
	pkt := Packet{Data: append([]byte(nil), s.out[:n]...), PTS: pts, DTS: dts, FrameType: FrameTypeDelta}
	if frameType == mediaH264FrameIDR {
		pkt.FrameType = FrameTypeKey
	}
	s.push(pkt)
	return nil
}

func (s *x264Session) ReceivePacket(pkt *Packet) error { return s.pop(pkt) }
func (s *x264Session) FrameSize() int                  { return 0 }

func (s *x264Session) Close() error {
	if s.handle != 0 {
		mediaH264EncoderDestroy(s.handle)
		s.handle = 0
	}
	return nil
}

// opusSession encodes 20 ms interleaved float frames at 48 kHz.
type opusSession struct {
	handle   uint64
	channels int
	out      []byte
	packetQueue
}

func newOpusSession(cfg CodecConfig) (CodecSession, error) {
	if err := loadStreamOpus(); err != nil {
		return nil, err
	}
	if cfg.SampleRate != opusSampleRate {
		return nil, fmt.Errorf("libopus session needs %d Hz, got %d", opusSampleRate, cfg.SampleRate)
	}
	app := int32(opusApplicationAudio)
	if cfg.Options["tune"] == "zerolatency" {
		app = opusApplicationLowDelay
	}
	handle := streamOpusEncoderCreate(int32(cfg.SampleRate), int32(cfg.Channels), app)
	if handle == 0 {
		return nil, fmt.Errorf("create Opus encoder: %s", cString(streamOpusGetError()))
	}
	if cfg.Bitrate > 0 {
		streamOpusEncoderSetBitrate(handle, int32(cfg.Bitrate))
	}
	return &opusSession{handle: handle, channels: cfg.Channels, out: make([]byte, opusMaxPacket)}, nil
}

func (s *opusSession) SendFrame(f *RawFrame) error {
	if s.handle == 0 {
		return ErrClosed
	}
	if f == nil {
		s.flushing = true
		return nil
	}
	if f.SampleFormat != AudioFormatF32 || f.Samples != opusFrameSize {
		return fmt.Errorf("libopus needs %d interleaved float samples, got %d %s", opusFrameSize, f.Samples, f.SampleFormat)
	}
	n := streamOpusEncoderEncodeFloat(s.handle,
		uintptr(unsafe.Pointer(&f.Data[0][0])), int32(f.Samples),
		uintptr(unsafe.Pointer(&s.out[0])), int32(len(s.out)))
	if n < 0 {
		return fmt.Errorf("Opus encode: %s", cString(streamOpusGetError()))
	}
	s.push(Packet{
		Data:      append([]byte(nil), s.out[:n]...),
		PTS:       f.PTS,
		DTS:       f.PTS,
		Duration:  int64(f.Samples),
		FrameType: FrameTypeKey,
	})
	return nil
}

// Extradata returns the OpusHead identification header.
func (s *opusSession) Extradata() []byte {
	return opusHead(s.channels, opusSampleRate)
}

func (s *opusSession) ReceivePacket(pkt *Packet) error { return s.pop(pkt) }
func (s *opusSession) FrameSize() int                  { return opusFrameSize }

func (s *opusSession) Close() error {
	if s.handle != 0 {
		streamOpusEncoderDestroy(s.handle)
		s.handle = 0
	}
	return nil
}

// opusHead builds the 19-byte OpusHead for channel mapping family 0.
func opusHead(channels, inputRate int) []byte {
	b := make([]byte, 0, 19)
	b = append(b, "OpusHead"...)
	b = append(b, 1, byte(channels))
	b = binary.LittleEndian.AppendUint16(b, opusPreSkip)
	b = binary.LittleEndian.AppendUint32(b, uint32(inputRate))
	b = binary.LittleEndian.AppendUint16(b, 0) // Output gain
	b = append(b, 0)                           // Mapping family
	return b
}
