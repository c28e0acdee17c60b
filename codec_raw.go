package avenc

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

func init() {
	RegisterCodec(CodecInfo{
		Name:     "rawvideo",
		ID:       CodecRawVideo,
		Provider: ProviderNative,
		Factory:  newRawVideoSession,
	})
	RegisterCodec(CodecInfo{
		Name:          "pcm_s16le",
		ID:            CodecPCMS16LE,
		Provider:      ProviderNative,
		SampleFormats: []AudioFormat{AudioFormatS16},
		Factory:       newPCMSession(AudioFormatS16),
	})
	RegisterCodec(CodecInfo{
		Name:          "pcm_f32le",
		ID:            CodecPCMF32LE,
		Provider:      ProviderNative,
		SampleFormats: []AudioFormat{AudioFormatF32},
		Factory:       newPCMSession(AudioFormatF32),
	})
}

// packetQueue is the output side shared by the in-process codecs.
type packetQueue struct {
	pending  []Packet
	flushing bool
}

func (q *packetQueue) push(p Packet) { q.pending = append(q.pending, p) }

func (q *packetQueue) pop(pkt *Packet) error {
	if len(q.pending) == 0 {
		if q.flushing {
			return io.EOF
		}
		return ErrAgain
	}
	*pkt = q.pending[0]
	q.pending = q.pending[1:]
	return nil
}

// rawVideoSession emits every frame as a tightly packed keyframe.
type rawVideoSession struct {
	cfg CodecConfig
	packetQueue
}

func newRawVideoSession(cfg CodecConfig) (CodecSession, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: rawvideo %dx%d", ErrConfig, cfg.Width, cfg.Height)
	}
	return &rawVideoSession{cfg: cfg}, nil
}

func (s *rawVideoSession) SendFrame(f *RawFrame) error {
	if s.flushing {
		return io.EOF
	}
	if f == nil {
		s.flushing = true
		return nil
	}
	if f.HW != nil || len(f.Data) == 0 {
		return fmt.Errorf("%w: rawvideo needs host planes", ErrEncode)
	}

	var data []byte
	for i, plane := range f.Data {
		rows, rowBytes := planeRows(f, i)
		for y := 0; y < rows; y++ {
			start := y * f.Linesize[i]
			data = append(data, plane[start:start+rowBytes]...)
		}
	}
	s.push(Packet{Data: data, PTS: f.PTS, DTS: f.PTS, Duration: 1, FrameType: FrameTypeKey, Kind: KindVideo})
	return nil
}

// planeRows returns the row count and visible row size of plane i.
func planeRows(f *RawFrame, i int) (rows, rowBytes int) {
	bpc := f.Format.BytesPerComponent()
	if i == 0 {
		return f.Height, f.Width * bpc
	}
	cw, ch := f.Format.ChromaSize(f.Width, f.Height)
	if f.Format.Planes() == 2 {
		return ch, cw * 2 * bpc
	}
	return ch, cw * bpc
}

func (s *rawVideoSession) ReceivePacket(pkt *Packet) error { return s.pop(pkt) }
func (s *rawVideoSession) FrameSize() int                  { return 0 }
func (s *rawVideoSession) Close() error                    { return nil }

// pcmSession stores interleaved little-endian samples.
type pcmSession struct {
	format AudioFormat
	cfg    CodecConfig
	packetQueue
}

func newPCMSession(format AudioFormat) CodecFactory {
	return func(cfg CodecConfig) (CodecSession, error) {
		if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
			return nil, fmt.Errorf("%w: pcm %d Hz %d channels", ErrConfig, cfg.SampleRate, cfg.Channels)
		}
		return &pcmSession{format: format, cfg: cfg}, nil
	}
}

func (s *pcmSession) SendFrame(f *RawFrame) error {
	if s.flushing {
		return io.EOF
	}
	if f == nil {
		s.flushing = true
		return nil
	}
	data, err := encodePCM(f, s.format)
	if err != nil {
		return err
	}
	s.push(Packet{Data: data, PTS: f.PTS, DTS: f.PTS, FrameType: FrameTypeKey, Kind: KindAudio})
	return nil
}

// encodePCM interleaves f into the target sample format.
func encodePCM(f *RawFrame, target AudioFormat) ([]byte, error) {
	if f.Kind != KindAudio {
		return nil, fmt.Errorf("%w: pcm got %s frame", ErrEncode, f.Kind)
	}
	if f.SampleFormat == target {
		n := f.Samples * f.Channels * target.BytesPerSample()
		return append([]byte(nil), f.Data[0][:n]...), nil
	}

	out := make([]byte, 0, f.Samples*f.Channels*target.BytesPerSample())
	for i := 0; i < f.Samples; i++ {
		for c := 0; c < f.Channels; c++ {
			v := sampleAt(f, i, c)
			if target == AudioFormatS16 {
				out = binary.LittleEndian.AppendUint16(out, uint16(floatToS16(v)))
			} else {
				out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
			}
		}
	}
	return out, nil
}

// sampleAt returns sample i of channel c as a float in [-1,1].
func sampleAt(f *RawFrame, i, c int) float32 {
	switch f.SampleFormat {
	case AudioFormatS16:
		off := (i*f.Channels + c) * 2
		return float32(int16(binary.LittleEndian.Uint16(f.Data[0][off:]))) / 32768
	case AudioFormatF32P:
		return math.Float32frombits(binary.LittleEndian.Uint32(f.Data[c][i*4:]))
	default:
		off := (i*f.Channels + c) * 4
		return math.Float32frombits(binary.LittleEndian.Uint32(f.Data[0][off:]))
	}
}

func floatToS16(v float32) int16 {
	s := v * 32767
	if s > 32767 {
		return 32767
	}
	if s < -32768 {
		return -32768
	}
	return int16(s)
}

func (s *pcmSession) ReceivePacket(pkt *Packet) error { return s.pop(pkt) }
func (s *pcmSession) FrameSize() int                  { return 0 }
func (s *pcmSession) Close() error                    { return nil }
