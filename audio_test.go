package avenc

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func openPCMStream(t *testing.T, tb Rational, out PacketWriter) *CodecStream {
	t.Helper()
	s, err := OpenCodecStream("pcm_s16le", CodecConfig{
		TimeBase:     tb,
		SampleRate:   48000,
		Channels:     2,
		SampleFormat: AudioFormatS16,
	}, 0, out, discardLogger())
	if err != nil {
		t.Fatalf("OpenCodecStream failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAudioPullTracksVideo(t *testing.T) {
	tests := []struct {
		name    string
		videoTB Rational
		frames  int64
		want    int64 // Samples after the last frame
	}{
		{"60 fps", Rational{1, 60}, 60, 48000},
		{"ntsc", Rational{1001, 30000}, 30, 48048},
		{"wall clock ticks", Rational{1, 960}, 16 * 10, 8000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &packetRecorder{}
			stream := openPCMStream(t, Rational{1, 48000}, rec)
			a, err := NewAudioSynchronizer(AudioConfig{
				Mode:       AudioPull,
				Stream:     stream,
				Source:     &fixedSource{rate: 48000, channels: 2, value: 100, remaining: -1},
				SampleRate: 48000,
				Channels:   2,
				Logger:     discardLogger(),
			})
			if err != nil {
				t.Fatalf("NewAudioSynchronizer failed: %v", err)
			}

			for n := int64(1); n <= tt.frames; n++ {
				if err := a.Pull(n, tt.videoTB); err != nil {
					t.Fatalf("Pull(%d) failed: %v", n, err)
				}
				// Audio never lags video by a full sample.
				exact := RescaleQ(n, tt.videoTB, Rational{1, 48000}, RoundUp)
				if got := a.SamplesSent(); got != exact {
					t.Fatalf("after frame %d: samples = %d, want %d", n, got, exact)
				}
			}
			if got := a.SamplesSent(); got != tt.want {
				t.Errorf("SamplesSent() = %d, want %d", got, tt.want)
			}

			var next int64
			for i, p := range rec.packets {
				if p.PTS != next {
					t.Errorf("packet %d: pts = %d, want %d", i, p.PTS, next)
				}
				next += int64(len(p.Data) / 4)
			}
			if next != tt.want {
				t.Errorf("packets carry %d samples, want %d", next, tt.want)
			}
		})
	}
}

func TestAudioPullSilenceWhenSourceRunsDry(t *testing.T) {
	rec := &packetRecorder{}
	stream := openPCMStream(t, Rational{1, 48000}, rec)
	a, err := NewAudioSynchronizer(AudioConfig{
		Mode:       AudioPull,
		Stream:     stream,
		Source:     &fixedSource{rate: 48000, channels: 2, value: 16384, remaining: 100},
		SampleRate: 48000,
		Channels:   2,
	})
	if err != nil {
		t.Fatalf("NewAudioSynchronizer failed: %v", err)
	}
	if err := a.Pull(1, Rational{1, 60}); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if len(rec.packets) != 1 {
		t.Fatalf("packets = %d, want 1", len(rec.packets))
	}
	data := rec.packets[0].Data
	if len(data) != 800*4 {
		t.Fatalf("packet size = %d, want %d", len(data), 800*4)
	}
	if got := int16(binary.LittleEndian.Uint16(data[99*4:])); got == 0 {
		t.Errorf("sample 99 is silent, want source data")
	}
	if got := int16(binary.LittleEndian.Uint16(data[100*4:])); got != 0 {
		t.Errorf("sample 100 = %d, want silence", got)
	}
}

func TestAudioPushBuffersPartialFrames(t *testing.T) {
	clock := newFakeClock()
	ts := NewTimestampController(TimestampWallClock, Rational{60, 1}, DriftParams{}, clock)
	rec := &packetRecorder{}
	stream := openPCMStream(t, MicrosecondTimeBase, rec)
	a, err := NewAudioSynchronizer(AudioConfig{
		Mode:       AudioPush,
		Stream:     stream,
		Timestamps: ts,
		SampleRate: 48000,
		Channels:   2,
	})
	if err != nil {
		t.Fatalf("NewAudioSynchronizer failed: %v", err)
	}
	size := stream.FrameSize()

	if err := a.WriteInterleavedF32(make([]float32, (size+44)*2), size+44); err != nil {
		t.Fatalf("WriteInterleavedF32 failed: %v", err)
	}
	if len(rec.packets) != 1 {
		t.Fatalf("packets after first write = %d, want 1", len(rec.packets))
	}

	clock.Advance(5 * time.Millisecond)
	if err := a.WriteInterleavedF32(make([]float32, (size-44)*2), size-44); err != nil {
		t.Fatalf("WriteInterleavedF32 failed: %v", err)
	}
	if len(rec.packets) != 2 {
		t.Fatalf("packets after second write = %d, want 2", len(rec.packets))
	}
	if got := a.SamplesSent(); got != int64(2*size) {
		t.Errorf("SamplesSent() = %d, want %d", got, 2*size)
	}
	if rec.packets[0].PTS != 0 {
		t.Errorf("first pts = %d, want 0", rec.packets[0].PTS)
	}
	if rec.packets[1].PTS <= rec.packets[0].PTS {
		t.Errorf("pts not increasing: %d then %d", rec.packets[0].PTS, rec.packets[1].PTS)
	}
}

func TestAudioRawBypassesCodec(t *testing.T) {
	clock := newFakeClock()
	ts := NewTimestampController(TimestampWallClock, Rational{60, 1}, DriftParams{}, clock)
	rec := &packetRecorder{}
	a, err := NewAudioSynchronizer(AudioConfig{
		Mode:       AudioRaw,
		Raw:        rec,
		Timestamps: ts,
		SampleRate: 48000,
		Channels:   2,
	})
	if err != nil {
		t.Fatalf("NewAudioSynchronizer failed: %v", err)
	}

	clock.Advance(5 * time.Millisecond)
	if err := a.WriteInterleavedF32([]float32{0.5, -0.5, 1, -1}, 2); err != nil {
		t.Fatalf("WriteInterleavedF32 failed: %v", err)
	}
	if len(rec.packets) != 1 {
		t.Fatalf("packets = %d, want 1", len(rec.packets))
	}
	p := rec.packets[0]
	if p.PTS != 5000 || rec.bases[0] != MicrosecondTimeBase {
		t.Errorf("pts = %d in %v, want 5000 in %v", p.PTS, rec.bases[0], MicrosecondTimeBase)
	}
	want := []int16{16383, -16383, 32767, -32767}
	for i, w := range want {
		if got := int16(binary.LittleEndian.Uint16(p.Data[i*2:])); got != w {
			t.Errorf("sample %d = %d, want %d", i, got, w)
		}
	}
}

func TestAudioSynchronizerErrors(t *testing.T) {
	rec := &packetRecorder{}
	stream := openPCMStream(t, Rational{1, 48000}, rec)
	ts := NewTimestampController(TimestampWallClock, Rational{60, 1}, DriftParams{}, newFakeClock())

	tests := []struct {
		name string
		cfg  AudioConfig
	}{
		{"pull without source", AudioConfig{Mode: AudioPull, Stream: stream, SampleRate: 48000, Channels: 2}},
		{"push without timestamps", AudioConfig{Mode: AudioPush, Stream: stream, SampleRate: 48000, Channels: 2}},
		{"raw without writer", AudioConfig{Mode: AudioRaw, Timestamps: ts, SampleRate: 48000, Channels: 2}},
		{"no channels", AudioConfig{Mode: AudioPush, Stream: stream, Timestamps: ts, SampleRate: 48000}},
		{"no mode", AudioConfig{SampleRate: 48000, Channels: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewAudioSynchronizer(tt.cfg); !errors.Is(err, ErrConfig) {
				t.Errorf("error = %v, want ErrConfig", err)
			}
		})
	}

	a, err := NewAudioSynchronizer(AudioConfig{
		Mode: AudioPull, Stream: stream, SampleRate: 48000, Channels: 2,
		Source: &fixedSource{rate: 48000, channels: 2, remaining: -1},
	})
	if err != nil {
		t.Fatalf("NewAudioSynchronizer failed: %v", err)
	}
	if err := a.WriteInterleavedF32(make([]float32, 4), 2); !errors.Is(err, ErrConfig) {
		t.Errorf("push in pull mode: error = %v, want ErrConfig", err)
	}
	if err := a.WriteInterleavedF32(make([]float32, 3), 2); !errors.Is(err, ErrEncode) {
		t.Errorf("short buffer: error = %v, want ErrEncode", err)
	}
}

func TestAudioFlushDrainsStream(t *testing.T) {
	rec := &packetRecorder{}
	stream := openPCMStream(t, Rational{1, 48000}, rec)
	a, err := NewAudioSynchronizer(AudioConfig{
		Mode: AudioPull, Stream: stream, SampleRate: 48000, Channels: 2,
		Source: &fixedSource{rate: 48000, channels: 2, remaining: -1},
	})
	if err != nil {
		t.Fatalf("NewAudioSynchronizer failed: %v", err)
	}
	if err := a.Pull(1, Rational{1, 60}); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if err := a.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := a.Flush(); err != nil {
		t.Errorf("second Flush = %v, want nil", err)
	}
	if got := stream.Packets(); got != 1 {
		t.Errorf("stream packets = %d, want 1", got)
	}
}
