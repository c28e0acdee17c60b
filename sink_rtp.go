package avenc

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// RTPWriter consumes RTP packets. webrtc.TrackLocalStaticRTP satisfies it.
type RTPWriter interface {
	WriteRTP(pkt *rtp.Packet) error
}

// RTPConnWriter marshals packets onto a datagram connection.
type RTPConnWriter struct {
	W   io.Writer
	buf []byte
}

// WriteRTP marshals pkt and writes it as one datagram.
func (w *RTPConnWriter) WriteRTP(pkt *rtp.Packet) error {
	n := pkt.MarshalSize()
	if cap(w.buf) < n {
		w.buf = make([]byte, n)
	}
	b := w.buf[:n]
	if _, err := pkt.MarshalTo(b); err != nil {
		return err
	}
	_, err := w.W.Write(b)
	return err
}

// RTPSinkConfig configures payload types and SSRCs of an RTPSink.
type RTPSinkConfig struct {
	MTU       int
	VideoPT   uint8
	AudioPT   uint8
	VideoSSRC uint32
	AudioSSRC uint32
}

// RTPSink is a StreamCallback that packetizes into RTP. Either writer may
// be nil to drop that kind.
type RTPSink struct {
	cfg   RTPSinkConfig
	video RTPWriter
	audio RTPWriter

	mu     sync.Mutex
	vp, ap *RTPPacketizer
	err    error

	keyframe atomic.Bool
	stats    struct {
		packets atomic.Int64
		bytes   atomic.Int64
	}
}

// NewRTPSink creates a sink writing video and audio packets to the given
// writers.
func NewRTPSink(video, audio RTPWriter, cfg RTPSinkConfig) *RTPSink {
	if cfg.VideoPT == 0 {
		cfg.VideoPT = 96
	}
	if cfg.AudioPT == 0 {
		cfg.AudioPT = 111
	}
	return &RTPSink{cfg: cfg, video: video, audio: audio}
}

// RequestKeyframe asks the encoder for an IDR on the next frame, e.g. on
// an RTCP PLI.
func (s *RTPSink) RequestKeyframe() { s.keyframe.Store(true) }

// HandleRTCP parses a compound RTCP datagram received from the peer and
// requests a keyframe on PLI or FIR.
func (s *RTPSink) HandleRTCP(datagram []byte) error {
	pkts, err := rtcp.Unmarshal(datagram)
	if err != nil {
		return fmt.Errorf("%w: rtcp: %v", ErrMux, err)
	}
	if wantsKeyframe(pkts) {
		s.RequestKeyframe()
	}
	return nil
}

// ShouldForceIDR implements StreamCallback.
func (s *RTPSink) ShouldForceIDR() bool { return s.keyframe.Swap(false) }

// SetCodecParameters implements StreamCallback.
func (s *RTPSink) SetCodecParameters(p CodecParameters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.video != nil {
		if s.vp, err = NewRTPPacketizer(p.VideoCodec, s.cfg.VideoSSRC, s.cfg.VideoPT, s.cfg.MTU); err != nil {
			s.err = err
		}
	}
	if s.audio != nil && p.AudioCodec != CodecUnknown {
		if s.ap, err = NewRTPPacketizer(p.AudioCodec, s.cfg.AudioSSRC, s.cfg.AudioPT, s.cfg.MTU); err != nil {
			s.err = err
		}
	}
}

// WriteVideoPacket implements StreamCallback.
func (s *RTPSink) WriteVideoPacket(pts, _ int64, data []byte, _ bool) error {
	return s.write(s.video, s.packetizer(KindVideo), pts, data)
}

// WriteAudioPacket implements StreamCallback.
func (s *RTPSink) WriteAudioPacket(pts, _ int64, data []byte) error {
	return s.write(s.audio, s.packetizer(KindAudio), pts, data)
}

func (s *RTPSink) packetizer(kind MediaKind) *RTPPacketizer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == KindAudio {
		return s.ap
	}
	return s.vp
}

func (s *RTPSink) write(w RTPWriter, p *RTPPacketizer, ptsUs int64, data []byte) error {
	if w == nil {
		return nil
	}
	if p == nil {
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: RTP sink written before codec parameters", ErrMux)
	}
	ts := uint32(RescaleQ(ptsUs, MicrosecondTimeBase, Rational{1, int64(p.ClockRate())}, RoundNearInf))
	packets, err := p.Packetize(data, ts)
	if err != nil {
		return err
	}
	for _, pkt := range packets {
		if err := w.WriteRTP(pkt); err != nil {
			return err
		}
		s.stats.packets.Add(1)
		s.stats.bytes.Add(int64(len(pkt.Payload)))
	}
	return nil
}

// Packets returns the number of RTP packets written.
func (s *RTPSink) Packets() int64 { return s.stats.packets.Load() }
