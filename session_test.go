package avenc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testSessionOptions(encoder string) EncodeOptions {
	opts := DefaultOptions()
	opts.Width, opts.Height = 64, 32
	opts.FrameRate = Rational{30, 1}
	opts.Encoder = encoder
	return opts
}

// frameHint is the capture time of frame n at 30 fps.
func frameHint(n int64) int64 {
	return RescaleQ(n, Rational{1, 30}, MicrosecondTimeBase, RoundNearInf)
}

func testSessionConfig(cb StreamCallback) SessionConfig {
	return SessionConfig{Callback: cb, Logger: discardLogger(), Clock: newFakeClock()}
}

func submitFrames(t *testing.T, s *EncodeSession, dev *SoftDevice, n int64, hint func(int64) int64) {
	t.Helper()
	pattern := NewTestPattern(PatternMovingBox, 64, 32)
	for i := int64(0); i < n; i++ {
		view := dev.UploadRGBA(pattern.Render(i))
		if err := s.SubmitVideoFrame(context.Background(), view, ColorSpaceSRGB, hint(i), 0); err != nil {
			t.Fatalf("SubmitVideoFrame(%d) failed: %v", i, err)
		}
	}
}

// registerTestH264 adds a host H.264 codec that emits raw planes, so the
// software fallback tier exists without a native library.
func registerTestH264(t *testing.T) string {
	t.Helper()
	const name = "h264_soft_test"
	RegisterCodec(CodecInfo{Name: name, ID: CodecH264, Provider: ProviderNative, Factory: newRawVideoSession})
	t.Cleanup(func() { UnregisterCodec(name) })
	return name
}

func TestSessionCallbackReceivesEveryFrame(t *testing.T) {
	dev := NewSoftDevice(DeviceCaps{})
	cb := &recordingCallback{}
	events := NewEvents()
	closed := make(chan SessionClosedEvent, 1)
	defer events.Subscribe(func(e SessionClosedEvent) { closed <- e })()

	cfg := testSessionConfig(cb)
	cfg.Events = events
	s, err := NewSession(dev, "", testSessionOptions("rawvideo"), cfg)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if got := s.Backend().Kind; got != BackendCodecReadback {
		t.Errorf("backend = %v, want codec-readback", got)
	}

	const n = 12
	submitFrames(t, s, dev, n, frameHint)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if len(cb.params) != 1 {
		t.Fatalf("SetCodecParameters calls = %d, want 1", len(cb.params))
	}
	p := cb.params[0]
	if p.VideoCodec != CodecRawVideo || p.Width != 64 || p.Height != 32 || p.VideoTimeBase != MicrosecondTimeBase {
		t.Errorf("codec parameters = %+v", p)
	}
	if p.AudioCodec != CodecUnknown {
		t.Errorf("audio codec = %v, want none", p.AudioCodec)
	}

	if len(cb.video) != n {
		t.Fatalf("video packets = %d, want %d", len(cb.video), n)
	}
	for i, pkt := range cb.video {
		want := RescaleQ(int64(i), Rational{1, 30}, MicrosecondTimeBase, RoundNearInf)
		if pkt.pts != want || pkt.dts != want {
			t.Errorf("packet %d: pts/dts = %d/%d, want %d", i, pkt.pts, pkt.dts, want)
		}
		if pkt.size != 64*32*3/2 {
			t.Errorf("packet %d: size = %d, want %d", i, pkt.size, 64*32*3/2)
		}
		if !pkt.keyframe {
			t.Errorf("packet %d not a keyframe", i)
		}
	}
	if got := s.Frames(); got != n {
		t.Errorf("Frames() = %d, want %d", got, n)
	}

	select {
	case e := <-closed:
		if e.VideoPackets != n || e.Error != "" {
			t.Errorf("closed event = %+v, want %d video packets and no error", e, n)
		}
	case <-time.After(time.Second):
		t.Error("no SessionClosedEvent published")
	}

	if err := s.Close(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
	view := dev.UploadRGBA(NewTestPattern(PatternColorBars, 64, 32).Render(0))
	if err := s.SubmitVideoFrame(context.Background(), view, ColorSpaceSRGB, 0, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("submit after Close = %v, want ErrClosed", err)
	}
}

func TestSessionBackupSurvivesCallbackFailure(t *testing.T) {
	dev := NewSoftDevice(DeviceCaps{BitstreamH264: true, EncodeQueue: true})
	cb := &recordingCallback{fail: true}
	backup := filepath.Join(t.TempDir(), "backup.flv")

	opts := testSessionOptions(EncoderH264HW)
	opts.WallClock = true
	opts.LocalBackupPath = backup

	metrics, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	cfg := testSessionConfig(cb)
	cfg.Metrics = metrics
	s, err := NewSession(dev, "", opts, cfg)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	// A backup rules out the direct encoder; device frames feed a codec.
	if c := s.Backend(); c.Kind != BackendCodecHWFrames || c.Name != "h264_device" {
		t.Errorf("backend = %v, want codec-hwframes(h264_device)", c)
	}

	const n = 10
	submitFrames(t, s, dev, n, frameHint)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if !s.Multiplexer().Abandoned("callback") {
		t.Error("failing callback not abandoned")
	}
	if s.Multiplexer().Abandoned(TargetBackup) {
		t.Error("backup abandoned")
	}
	if cb.writeErrors != 1 {
		t.Errorf("callback writes after failure = %d, want 1", cb.writeErrors)
	}
	if got := testutil.ToFloat64(metrics.packetsWritten.WithLabelValues(TargetBackup, "video")); got != n {
		t.Errorf("backup packets = %v, want %d", got, n)
	}

	data, err := os.ReadFile(backup)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	flags, tags := readFLV(t, data)
	if flags != 0x01 {
		t.Errorf("header flags = %#x, want video only", flags)
	}
	if tags[0].typ != flvTagScript {
		t.Errorf("first tag type = %d, want script", tags[0].typ)
	}
	seq, media, eos := videoTags(tags)
	if len(seq) != 1 || len(eos) != 1 {
		t.Errorf("sequence headers, end tags = %d, %d; want 1, 1", len(seq), len(eos))
	}
	if len(media) != n {
		t.Fatalf("media tags = %d, want %d", len(media), n)
	}
	if media[0].payload[0]>>4 != 1 {
		t.Error("backup does not start on a keyframe")
	}
	var last uint32
	for i, tag := range media {
		if tag.ts < last {
			t.Errorf("tag %d: ts %d before %d", i, tag.ts, last)
		}
		last = tag.ts
	}
	if want := uint32(RescaleQ(n-1, Rational{1, 30}, MillisecondTimeBase, RoundNearInf)); last != want {
		t.Errorf("last ts = %d, want %d", last, want)
	}
}

func TestSessionForcedKeyframes(t *testing.T) {
	dev := NewSoftDevice(DeviceCaps{BitstreamH264: true})
	cb := &recordingCallback{forceIDR: []bool{false, false, true}}
	opts := testSessionOptions(EncoderH264HW)
	opts.WallClock = true

	metrics, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	cfg := testSessionConfig(cb)
	cfg.Metrics = metrics
	s, err := NewSession(dev, "", opts, cfg)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if c := s.Backend(); c.Kind != BackendBitstream || c.Profile != ProfileH264High {
		t.Errorf("backend = %v, want bitstream(h264 high)", c)
	}
	if p := s.Parameters(); !bytes.HasPrefix(p.Extradata, []byte{0, 0, 0, 1, 0x67}) {
		t.Errorf("extradata = % x, want SPS first", p.Extradata)
	}

	pattern := NewTestPattern(PatternGradient, 64, 32)
	for i := int64(0); i < 5; i++ {
		if i == 4 {
			s.RequestKeyframe()
		}
		view := dev.UploadRGBA(pattern.Render(i))
		if err := s.SubmitVideoFrame(context.Background(), view, ColorSpaceSRGB, frameHint(i), 0); err != nil {
			t.Fatalf("SubmitVideoFrame(%d) failed: %v", i, err)
		}
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	want := []bool{true, false, true, false, true}
	if len(cb.video) != len(want) {
		t.Fatalf("video packets = %d, want %d", len(cb.video), len(want))
	}
	for i, w := range want {
		if cb.video[i].keyframe != w {
			t.Errorf("packet %d keyframe = %v, want %v", i, cb.video[i].keyframe, w)
		}
	}
	if cb.forceAsked != 5 {
		t.Errorf("ShouldForceIDR polls = %d, want 5", cb.forceAsked)
	}
	if got := testutil.ToFloat64(metrics.keyframes.WithLabelValues("sink")); got != 1 {
		t.Errorf("sink keyframes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.keyframes.WithLabelValues("caller")); got != 1 {
		t.Errorf("caller keyframes = %v, want 1", got)
	}
}

func TestSessionSnapForcesKeyframe(t *testing.T) {
	dev := NewSoftDevice(DeviceCaps{})
	cb := &recordingCallback{}
	opts := testSessionOptions("rawvideo")
	opts.WallClock = true

	metrics, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	events := NewEvents()
	forced := make(chan KeyframeForcedEvent, 8)
	defer events.Subscribe(func(e KeyframeForcedEvent) { forced <- e })()

	cfg := testSessionConfig(cb)
	cfg.Metrics, cfg.Events = metrics, events
	s, err := NewSession(dev, "", opts, cfg)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if got := s.Timestamps().VideoTimeBase(); got != (Rational{1, 480}) {
		t.Errorf("video time base = %v, want 1/480", got)
	}

	// The capture clock stalls for a second before frame 3.
	submitFrames(t, s, dev, 6, func(i int64) int64 {
		if i >= 3 {
			return frameHint(i) + 1_000_000
		}
		return frameHint(i)
	})
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if len(cb.video) != 6 {
		t.Fatalf("video packets = %d, want 6", len(cb.video))
	}
	for i := 1; i < len(cb.video); i++ {
		if cb.video[i].pts <= cb.video[i-1].pts {
			t.Errorf("packet %d: pts %d not after %d", i, cb.video[i].pts, cb.video[i-1].pts)
		}
	}
	if cb.video[3].pts < 1_000_000 {
		t.Errorf("pts after stall = %d, want the wall-clock time", cb.video[3].pts)
	}
	if got := testutil.ToFloat64(metrics.ptsAdjustments.WithLabelValues("snap")); got != 1 {
		t.Errorf("snaps = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.keyframes.WithLabelValues("snap")); got != 1 {
		t.Errorf("snap keyframes = %v, want 1", got)
	}

	select {
	case e := <-forced:
		if e.Reason != "snap" {
			t.Errorf("forced keyframe reason = %q, want snap", e.Reason)
		}
	case <-time.After(time.Second):
		t.Error("no KeyframeForcedEvent published")
	}
}

func TestSessionPullAudio(t *testing.T) {
	dev := NewSoftDevice(DeviceCaps{})
	cb := &recordingCallback{}
	cfg := testSessionConfig(cb)
	cfg.AudioSource = &fixedSource{rate: 48000, channels: 2, value: 1000, remaining: -1}

	s, err := NewSession(dev, "", testSessionOptions("rawvideo"), cfg)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	p := s.Parameters()
	if p.AudioCodec != CodecPCMS16LE || p.SampleRate != 48000 || p.Channels != 2 {
		t.Errorf("audio parameters = %v %d Hz %d ch, want PCM 48000 Hz 2 ch", p.AudioCodec, p.SampleRate, p.Channels)
	}

	const n = 30
	submitFrames(t, s, dev, n, frameHint)
	if err := s.WriteInterleavedF32(make([]float32, 4), 2); !errors.Is(err, ErrConfig) {
		t.Errorf("push into a pull session = %v, want ErrConfig", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Audio is rendered through the end of the last frame.
	want := RescaleQ(n, Rational{1, 30}, Rational{1, 48000}, RoundUp)
	var samples int64
	for i, pkt := range cb.audio {
		if pts := RescaleQ(samples, Rational{1, 48000}, MicrosecondTimeBase, RoundNearInf); pkt.pts != pts {
			t.Errorf("audio packet %d: pts = %d, want %d", i, pkt.pts, pts)
		}
		samples += int64(pkt.size / 4)
	}
	if samples != want {
		t.Errorf("audio samples = %d, want %d", samples, want)
	}
}

func TestSessionRawCapturedAudio(t *testing.T) {
	dev := NewSoftDevice(DeviceCaps{})
	cb := &recordingCallback{}
	opts := testSessionOptions("rawvideo")
	opts.WallClock = true
	cfg := testSessionConfig(cb)
	cfg.AudioCapture = true

	s, err := NewSession(dev, "", opts, cfg)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer s.Close(context.Background())

	if err := s.SubmitAudio(make([]float32, 960)); err != nil {
		t.Fatalf("SubmitAudio failed: %v", err)
	}
	if err := s.WriteInterleavedF32(make([]float32, 100), 10); err != nil {
		t.Fatalf("WriteInterleavedF32 failed: %v", err)
	}
	if len(cb.audio) != 2 {
		t.Fatalf("audio packets = %d, want 2", len(cb.audio))
	}
	if cb.audio[0].size != 960*2 || cb.audio[1].size != 10*2*2 {
		t.Errorf("audio sizes = %d, %d; want %d, %d", cb.audio[0].size, cb.audio[1].size, 960*2, 40)
	}
}

func TestSessionWavelet(t *testing.T) {
	dev := NewSoftDevice(DeviceCaps{Wavelet: true})
	cb := &recordingCallback{}
	opts := testSessionOptions(EncoderWavelet)
	opts.Format = PixelFormatYUV420P

	s, err := NewSession(dev, "", opts, testSessionConfig(cb))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if got := s.Backend().Kind; got != BackendWavelet {
		t.Errorf("backend = %v, want wavelet", got)
	}
	p := s.Parameters()
	if p.VideoCodec != CodecWavelet || !p.Color.FullRange || p.Color.Siting != ChromaCenter {
		t.Errorf("parameters = %v %v, want full-range centered wavelet", p.VideoCodec, p.Color)
	}

	const n = 4
	submitFrames(t, s, dev, n, frameHint)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if len(cb.video) != n {
		t.Fatalf("video packets = %d, want %d", len(cb.video), n)
	}
	// Header, then the LL band of a 64x32 luma and two 32x16 chroma planes.
	const size = 4 + 9 + 32*16 + 2*16*8
	for i, pkt := range cb.video {
		if !pkt.keyframe {
			t.Errorf("packet %d not a keyframe", i)
		}
		if pkt.size != size {
			t.Errorf("packet %d: size = %d, want %d", i, pkt.size, size)
		}
	}
}

func TestSessionFallsBackToSoftware(t *testing.T) {
	name := registerTestH264(t)
	dev := NewSoftDevice(DeviceCaps{EncodeQueue: true})
	cb := &recordingCallback{}
	opts := testSessionOptions(EncoderH264HW)
	opts.WallClock = true

	events := NewEvents()
	selected := make(chan BackendSelectedEvent, 1)
	defer events.Subscribe(func(e BackendSelectedEvent) { selected <- e })()

	cfg := testSessionConfig(cb)
	cfg.Events = events
	s, err := NewSession(dev, "", opts, cfg)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	// The device frame codec needs the direct encoder, so init drops to
	// the host codec.
	c := s.Backend()
	if c.Kind != BackendCodecReadback || c.Name != name || !c.Fallback {
		t.Errorf("backend = %+v, want fallback codec-readback(%s)", c, name)
	}

	select {
	case e := <-selected:
		if !e.Fallback || e.Codec != name {
			t.Errorf("selected event = %+v, want fallback to %s", e, name)
		}
	case <-time.After(time.Second):
		t.Error("no BackendSelectedEvent published")
	}

	submitFrames(t, s, dev, 3, frameHint)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(cb.video) != 3 {
		t.Errorf("video packets = %d, want 3", len(cb.video))
	}
}

func TestSessionFLVWithAudio(t *testing.T) {
	dev := NewSoftDevice(DeviceCaps{BitstreamH264: true, EncodeQueue: true})
	path := filepath.Join(t.TempDir(), "out.flv")
	cfg := SessionConfig{
		AudioSource: NewToneSource(48000, 2, 440, 0.5),
		Logger:      discardLogger(),
		Clock:       newFakeClock(),
	}
	s, err := NewSession(dev, path, testSessionOptions("h264_device"), cfg)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	const n = 15
	submitFrames(t, s, dev, n, frameHint)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	flags, tags := readFLV(t, data)
	if flags != 0x05 {
		t.Errorf("header flags = %#x, want audio and video", flags)
	}
	_, media, eos := videoTags(tags)
	if len(media) != n || len(eos) != 1 {
		t.Errorf("video tags, end tags = %d, %d; want %d, 1", len(media), len(eos), n)
	}

	var samples int
	var last uint32
	for i, tag := range tags {
		if tag.ts < last {
			t.Errorf("tag %d: ts %d before %d", i, tag.ts, last)
		}
		last = tag.ts
		if tag.typ != flvTagAudio {
			continue
		}
		if tag.payload[0]>>4 != flvSoundPCMLE {
			t.Errorf("audio tag %d: sound format = %d, want PCM", i, tag.payload[0]>>4)
		}
		samples += (len(tag.payload) - 1) / 4
	}
	if want := int(RescaleQ(n, Rational{1, 30}, Rational{1, 48000}, RoundUp)); samples != want {
		t.Errorf("audio samples = %d, want %d", samples, want)
	}
	// The tone is not silent.
	for _, tag := range tags {
		if tag.typ == flvTagAudio {
			if v := int16(binary.LittleEndian.Uint16(tag.payload[1+4*10:])); v == 0 {
				t.Error("audio sample 10 is silent")
			}
			break
		}
	}
}

func TestNewSessionErrors(t *testing.T) {
	dir := t.TempDir()
	cb := &recordingCallback{}

	withBackup := testSessionOptions("rawvideo")
	withBackup.LocalBackupPath = filepath.Join(dir, "b.flv")
	waveletNV12 := testSessionOptions(EncoderWavelet)
	badDims := testSessionOptions("rawvideo")
	badDims.Width = 0
	unknown := testSessionOptions("nope")
	audioAsVideo := testSessionOptions("pcm_s16le")
	rawToFLV := testSessionOptions("rawvideo")
	wallClock := testSessionOptions("rawvideo")
	wallClock.WallClock = true

	tests := []struct {
		name string
		path string
		opts EncodeOptions
		cfg  SessionConfig
		want error
	}{
		{"path and callback", filepath.Join(dir, "a.flv"), testSessionOptions("rawvideo"), testSessionConfig(cb), ErrConfig},
		{"neither output", "", testSessionOptions("rawvideo"), testSessionConfig(nil), ErrConfig},
		{"backup without wall clock", "", withBackup, testSessionConfig(cb), ErrConfig},
		{"wavelet on NV12", "", waveletNV12, testSessionConfig(cb), ErrConfig},
		{"bad dimensions", "", badDims, testSessionConfig(cb), ErrConfig},
		{"unknown encoder", "", unknown, testSessionConfig(cb), ErrConfig},
		{"audio codec as video", "", audioAsVideo, testSessionConfig(cb), ErrConfig},
		{"container cannot carry codec", filepath.Join(dir, "raw.flv"), rawToFLV, testSessionConfig(nil), ErrConfig},
		{"pulled audio with wall clock", "", wallClock, SessionConfig{
			Callback:    cb,
			AudioSource: NewToneSource(48000, 2, 440, 1),
		}, ErrConfig},
		{"both audio paths", "", testSessionOptions("rawvideo"), SessionConfig{
			Callback:     cb,
			AudioSource:  NewToneSource(48000, 2, 440, 1),
			AudioCapture: true,
		}, ErrConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.Logger = discardLogger()
			_, err := NewSession(NewSoftDevice(DeviceCaps{}), tt.path, tt.opts, cfg)
			if !errors.Is(err, tt.want) {
				t.Errorf("NewSession error = %v, want %v", err, tt.want)
			}
		})
	}
}

// registerFailingCodec adds a codec whose every drain fails.
func registerFailingCodec(t *testing.T, name string, id CodecID) {
	t.Helper()
	info := CodecInfo{Name: name, ID: id, Provider: ProviderNative, Factory: func(CodecConfig) (CodecSession, error) {
		return &scriptedSession{recvErr: errors.New("device lost")}, nil
	}}
	if id.Kind() == KindAudio {
		info.SampleFormats = []AudioFormat{AudioFormatS16}
	}
	RegisterCodec(info)
	t.Cleanup(func() { UnregisterCodec(name) })
}

func TestSessionAudioDrainFailureKeepsVideo(t *testing.T) {
	registerFailingCodec(t, "pcm_failing_test", CodecPCMS16LE)
	dev := NewSoftDevice(DeviceCaps{})
	cb := &recordingCallback{}
	cfg := testSessionConfig(cb)
	cfg.AudioSource = &fixedSource{rate: 48000, channels: 2, value: 1000, remaining: -1}
	opts := testSessionOptions("rawvideo")
	opts.AudioCodec = "pcm_failing_test"

	s, err := NewSession(dev, "", opts, cfg)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	const n = 10
	submitFrames(t, s, dev, n, frameHint)
	if got := s.Frames(); got != n {
		t.Errorf("Frames() = %d, want %d", got, n)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(cb.video) != n {
		t.Errorf("video packets = %d, want %d", len(cb.video), n)
	}
	if len(cb.audio) != 0 {
		t.Errorf("audio packets = %d, want 0", len(cb.audio))
	}
}

func TestSessionVideoDrainFailureKeepsAudio(t *testing.T) {
	registerFailingCodec(t, "rawvideo_failing_test", CodecRawVideo)
	dev := NewSoftDevice(DeviceCaps{})
	cb := &recordingCallback{}
	cfg := testSessionConfig(cb)
	cfg.AudioSource = &fixedSource{rate: 48000, channels: 2, value: 1000, remaining: -1}

	s, err := NewSession(dev, "", testSessionOptions("rawvideo_failing_test"), cfg)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	const n = 6
	submitFrames(t, s, dev, n, frameHint)
	if got := s.Frames(); got != 0 {
		t.Errorf("Frames() = %d, want 0", got)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(cb.video) != 0 {
		t.Errorf("video packets = %d, want 0", len(cb.video))
	}
	var samples int64
	for _, pkt := range cb.audio {
		samples += int64(pkt.size / 4)
	}
	if want := RescaleQ(n, Rational{1, 30}, Rational{1, 48000}, RoundUp); samples != want {
		t.Errorf("audio samples = %d, want %d", samples, want)
	}
}

func TestSessionEveryStreamFailed(t *testing.T) {
	registerFailingCodec(t, "rawvideo_failing_test", CodecRawVideo)
	dev := NewSoftDevice(DeviceCaps{})
	s, err := NewSession(dev, "", testSessionOptions("rawvideo_failing_test"), testSessionConfig(&recordingCallback{}))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer s.Close(context.Background())

	pattern := NewTestPattern(PatternColorBars, 64, 32)
	for i := int64(0); i < 2; i++ {
		err := s.SubmitVideoFrame(context.Background(), dev.UploadRGBA(pattern.Render(i)), ColorSpaceSRGB, frameHint(i), 0)
		if !errors.Is(err, ErrDrain) {
			t.Errorf("SubmitVideoFrame(%d) = %v, want ErrDrain", i, err)
		}
	}
}
