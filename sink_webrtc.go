package avenc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// WebRTCSink is a StreamCallback writing samples to WebRTC tracks. Add the
// tracks to a PeerConnection before the session starts.
type WebRTCSink struct {
	video *webrtc.TrackLocalStaticSample
	audio *webrtc.TrackLocalStaticSample

	mu        sync.Mutex
	params    CodecParameters
	err       error
	lastVideo int64
	lastAudio int64

	keyframe atomic.Bool
}

// NewWebRTCSink creates tracks for the given codecs. audio may be
// CodecUnknown for a video-only sink.
func NewWebRTCSink(video, audio CodecID, streamID string) (*WebRTCSink, error) {
	s := &WebRTCSink{lastVideo: NoPTS, lastAudio: NoPTS}
	var err error
	if video.MimeType() == "" {
		return nil, fmt.Errorf("%w: %s cannot be sent over WebRTC", ErrConfig, video)
	}
	s.video, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  video.MimeType(),
		ClockRate: video.ClockRate(),
	}, "video", streamID)
	if err != nil {
		return nil, err
	}
	if audio != CodecUnknown {
		if audio.MimeType() == "" {
			return nil, fmt.Errorf("%w: %s cannot be sent over WebRTC", ErrConfig, audio)
		}
		s.audio, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  audio.MimeType(),
			ClockRate: audio.ClockRate(),
			Channels:  2,
		}, "audio", streamID)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// VideoTrack returns the video track.
func (s *WebRTCSink) VideoTrack() *webrtc.TrackLocalStaticSample { return s.video }

// AudioTrack returns the audio track, or nil.
func (s *WebRTCSink) AudioTrack() *webrtc.TrackLocalStaticSample { return s.audio }

// RequestKeyframe asks for an IDR on the next frame.
func (s *WebRTCSink) RequestKeyframe() { s.keyframe.Store(true) }

// ReadRTCP turns PLI and FIR feedback from sender into keyframe requests.
// It blocks until sender fails, typically with io.EOF when the peer
// connection closes. Run it in its own goroutine per video sender.
func (s *WebRTCSink) ReadRTCP(sender RTCPReader) error {
	return readKeyframeRequests(sender, s.RequestKeyframe)
}

// ShouldForceIDR implements StreamCallback.
func (s *WebRTCSink) ShouldForceIDR() bool { return s.keyframe.Swap(false) }

// SetCodecParameters implements StreamCallback. A codec that differs from
// the negotiated track fails every later write.
func (s *WebRTCSink) SetCodecParameters(p CodecParameters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p
	if p.VideoCodec.MimeType() != s.video.Codec().MimeType {
		s.err = fmt.Errorf("%w: session encodes %s, track expects %s", ErrConfig, p.VideoCodec, s.video.Codec().MimeType)
	}
	if s.audio != nil && p.AudioCodec != CodecUnknown && p.AudioCodec.MimeType() != s.audio.Codec().MimeType {
		s.err = fmt.Errorf("%w: session encodes %s, track expects %s", ErrConfig, p.AudioCodec, s.audio.Codec().MimeType)
	}
}

// WriteVideoPacket implements StreamCallback.
func (s *WebRTCSink) WriteVideoPacket(pts, _ int64, data []byte, _ bool) error {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	d := sampleDuration(&s.lastVideo, pts, s.params.FrameRate.Invert())
	s.mu.Unlock()
	return s.video.WriteSample(media.Sample{Data: data, Duration: d})
}

// WriteAudioPacket implements StreamCallback.
func (s *WebRTCSink) WriteAudioPacket(pts, _ int64, data []byte) error {
	if s.audio == nil {
		return nil
	}
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	d := sampleDuration(&s.lastAudio, pts, Rational{20, 1000})
	s.mu.Unlock()
	return s.audio.WriteSample(media.Sample{Data: data, Duration: d})
}

// sampleDuration returns the time since the previous packet, or fallback
// for the first one. pts is in microseconds.
func sampleDuration(last *int64, pts int64, fallback Rational) time.Duration {
	prev := *last
	*last = pts
	if prev == NoPTS || pts <= prev {
		if !fallback.Valid() {
			return 0
		}
		return time.Duration(RescaleQ(1, fallback, Rational{1, int64(time.Second)}, RoundNearInf))
	}
	return time.Duration(pts-prev) * time.Microsecond
}
