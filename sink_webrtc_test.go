package avenc

import (
	"errors"
	"testing"
	"time"
)

func TestNewWebRTCSink(t *testing.T) {
	tests := []struct {
		name      string
		video     CodecID
		audio     CodecID
		wantVideo string
		wantAudio string
		wantErr   error
	}{
		{name: "h264 and opus", video: CodecH264, audio: CodecOpus, wantVideo: "video/H264", wantAudio: "audio/opus"},
		{name: "h265 video only", video: CodecH265, audio: CodecUnknown, wantVideo: "video/H265"},
		{name: "pcm audio", video: CodecAV1, audio: CodecPCMS16LE, wantVideo: "video/AV1", wantAudio: "audio/L16"},
		{name: "wavelet", video: CodecWavelet, wantErr: ErrConfig},
		{name: "raw video", video: CodecRawVideo, wantErr: ErrConfig},
		{name: "flac", video: CodecH264, audio: CodecFLAC, wantErr: ErrConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewWebRTCSink(tt.video, tt.audio, "stream")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("NewWebRTCSink() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewWebRTCSink failed: %v", err)
			}
			if got := sink.VideoTrack().Codec().MimeType; got != tt.wantVideo {
				t.Errorf("video MIME = %q, want %q", got, tt.wantVideo)
			}
			if sink.VideoTrack().StreamID() != "stream" || sink.VideoTrack().ID() != "video" {
				t.Errorf("video track ids = %q/%q", sink.VideoTrack().StreamID(), sink.VideoTrack().ID())
			}
			if tt.wantAudio == "" {
				if sink.AudioTrack() != nil {
					t.Error("audio track created for a video-only sink")
				}
				return
			}
			if got := sink.AudioTrack().Codec().MimeType; got != tt.wantAudio {
				t.Errorf("audio MIME = %q, want %q", got, tt.wantAudio)
			}
		})
	}
}

func TestWebRTCSinkCodecMismatch(t *testing.T) {
	sink, err := NewWebRTCSink(CodecH264, CodecOpus, "s")
	if err != nil {
		t.Fatalf("NewWebRTCSink failed: %v", err)
	}
	sink.SetCodecParameters(CodecParameters{VideoCodec: CodecH265, AudioCodec: CodecOpus, FrameRate: Rational{30, 1}})
	if err := sink.WriteVideoPacket(0, 0, []byte{1}, true); !errors.Is(err, ErrConfig) {
		t.Errorf("WriteVideoPacket() = %v, want ErrConfig", err)
	}
	if err := sink.WriteAudioPacket(0, 0, []byte{1}); !errors.Is(err, ErrConfig) {
		t.Errorf("WriteAudioPacket() = %v, want ErrConfig", err)
	}
}

func TestWebRTCSinkUnboundTracks(t *testing.T) {
	sink, err := NewWebRTCSink(CodecH264, CodecUnknown, "s")
	if err != nil {
		t.Fatalf("NewWebRTCSink failed: %v", err)
	}
	sink.SetCodecParameters(CodecParameters{VideoCodec: CodecH264, AudioCodec: CodecPCMS16LE, FrameRate: Rational{30, 1}})
	for i := int64(0); i < 3; i++ {
		if err := sink.WriteVideoPacket(i*33333, i*33333, annexB([]byte{0x65, 1}), i == 0); err != nil {
			t.Fatalf("WriteVideoPacket(%d) failed: %v", i, err)
		}
	}
	if err := sink.WriteAudioPacket(0, 0, []byte{1, 2}); err != nil {
		t.Errorf("WriteAudioPacket() without an audio track = %v, want nil", err)
	}

	sink.RequestKeyframe()
	if !sink.ShouldForceIDR() || sink.ShouldForceIDR() {
		t.Error("keyframe request not reported exactly once")
	}
}

func TestSampleDuration(t *testing.T) {
	frame := Rational{1, 30}
	tests := []struct {
		name     string
		last     int64
		pts      int64
		fallback Rational
		want     time.Duration
	}{
		{"first packet", NoPTS, 0, frame, 33333333 * time.Nanosecond},
		{"steady", 0, 33333, frame, 33333 * time.Microsecond},
		{"jitter", 33333, 70000, frame, 36667 * time.Microsecond},
		{"repeated pts", 1000, 1000, frame, 33333333 * time.Nanosecond},
		{"backwards", 5000, 1000, Rational{20, 1000}, 20 * time.Millisecond},
		{"no fallback", NoPTS, 0, Rational{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last := tt.last
			if got := sampleDuration(&last, tt.pts, tt.fallback); got != tt.want {
				t.Errorf("sampleDuration() = %v, want %v", got, tt.want)
			}
			if last != tt.pts {
				t.Errorf("last = %d, want %d", last, tt.pts)
			}
		})
	}
}
