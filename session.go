package avenc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Target names used by sessions.
const (
	TargetPrimary = "primary"
	TargetBackup  = "backup"
)

// Defaults for push-mode audio.
const (
	defaultSampleRate = 48000
	defaultChannels   = 2
)

// SessionConfig carries the collaborators of an EncodeSession. Everything
// is optional except that exactly one of the session path and Callback must
// be set.
type SessionConfig struct {
	// Callback receives packets instead of a container target.
	Callback StreamCallback

	// AudioSource enables pull-mode audio rendered alongside video.
	AudioSource AudioSource
	// AudioCapture enables push-mode audio through WriteInterleavedF32.
	AudioCapture bool
	// SampleRate and Channels describe captured audio; default 48 kHz stereo.
	SampleRate int
	Channels   int

	Logger  *slog.Logger
	Metrics *Metrics
	Events  *Events
	Clock   Clock
}

// EncodeSession ties the timestamp controller, one video backend, the
// optional audio path and the multiplexer together. Video submission is
// single threaded; audio may be pushed from another goroutine.
type EncodeSession struct {
	dev     Device
	opts    EncodeOptions
	cb      StreamCallback
	log     *slog.Logger
	metrics *Metrics
	events  *Events

	ts      *TimestampController
	color   ColorProfile
	mux     *Multiplexer
	backend Backend
	video   *countingWriter

	audio       *AudioSynchronizer
	audioStream *CodecStream
	audioOut    *countingWriter

	pipeline   *ConversionPipeline // Owned by SubmitVideoFrame
	params     CodecParameters
	cbTarget   *callbackTarget
	containers int // Container targets, excluding the callback

	forceNext atomic.Bool
	frames    int64

	// A stream whose drain failed is skipped for the rest of the session.
	videoFailed atomic.Bool
	audioFailed atomic.Bool

	closeMu sync.Mutex
	closed  bool
}

// countingWriter counts packets on their way to the multiplexer.
type countingWriter struct {
	w PacketWriter
	n atomic.Int64
}

func (c *countingWriter) WritePacket(pkt *Packet, tb Rational) error {
	c.n.Add(1)
	return c.w.WritePacket(pkt, tb)
}

// NewSession validates opts, selects and initializes the video backend,
// opens the audio stream and every target, and writes container headers.
// path names a file or rtmp:// URL and is mutually exclusive with
// cfg.Callback.
func NewSession(dev Device, path string, opts EncodeOptions, cfg SessionConfig) (*EncodeSession, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if (path == "") == (cfg.Callback == nil) {
		return nil, fmt.Errorf("%w: exactly one of output path and callback is required", ErrConfig)
	}
	if !opts.WallClock && opts.LocalBackupPath != "" {
		return nil, fmt.Errorf("%w: local backup requires wall-clock mode", ErrConfig)
	}
	if cfg.AudioSource != nil && cfg.AudioCapture {
		return nil, fmt.Errorf("%w: audio source and audio capture are exclusive", ErrConfig)
	}
	if cfg.AudioSource != nil && opts.WallClock {
		return nil, fmt.Errorf("%w: pulled audio requires fixed-cadence timestamps", ErrConfig)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &EncodeSession{
		dev:     dev,
		opts:    opts,
		cb:      cfg.Callback,
		log:     componentLogger(log, "session"),
		metrics: cfg.Metrics,
		events:  cfg.Events,
	}
	if !opts.WallClock && opts.MuxerFormat != "" {
		s.log.Debug("muxer format ignored outside wall-clock mode", "format", opts.MuxerFormat)
		s.opts.MuxerFormat = ""
	}

	mode := TimestampFixedCadence
	if opts.WallClock {
		mode = TimestampWallClock
	}
	s.ts = NewTimestampController(mode, opts.FrameRate, opts.Drift, cfg.Clock)
	s.mux = NewMultiplexer(log, s.metrics, s.events)

	err := s.init(path, cfg, log)
	if err != nil {
		s.teardown()
		if cerr := s.mux.Close(); cerr != nil {
			s.log.Warn("close targets", "error", cerr)
		}
		s.log.Error("session init failed", "error", err)
		return nil, err
	}
	s.ts.Start()
	s.log.Info("session started",
		"backend", s.backend.Choice().String(),
		"size", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"format", opts.Format.String(),
		"frame_rate", opts.FrameRate.String(),
		"wall_clock", opts.WallClock,
		"audio", s.audioMode().String())
	return s, nil
}

func (s *EncodeSession) init(path string, cfg SessionConfig, log *slog.Logger) error {
	if err := s.openTargets(path); err != nil {
		return err
	}

	choice, err := SelectBackend(&s.opts, s.dev.Caps(), s.cb != nil)
	if err != nil {
		return err
	}
	wavelet := choice.Kind == BackendWavelet
	s.color = ColorProfileFor(&s.opts, wavelet)

	s.video = &countingWriter{w: s.mux}
	for {
		s.backend, err = newBackend(backendConfig{
			choice:   choice,
			dev:      s.dev,
			opts:     &s.opts,
			timeBase: s.ts.VideoTimeBase(),
			ticks:    s.ts.TicksPerFrame(),
			color:    s.color,
			out:      s.video,
			log:      log,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrBackendInit) {
			return err
		}
		next, ok := choice.Next(s.dev.Caps())
		if !ok {
			return err
		}
		s.log.Warn("video backend unavailable, falling back", "backend", choice.String(), "next", next.String(), "error", err)
		choice = next
	}
	s.events.Publish(BackendSelectedEvent{
		Backend:   choice.Kind.String(),
		Codec:     choice.Name,
		Fallback:  choice.Fallback,
		Timestamp: time.Now(),
	})

	s.params = CodecParameters{
		VideoCodec:    choice.Codec,
		Color:         s.color,
		Width:         s.opts.Width,
		Height:        s.opts.Height,
		FrameRate:     s.opts.FrameRate,
		VideoTimeBase: MicrosecondTimeBase,
		AudioTimeBase: MicrosecondTimeBase,
		Extradata:     s.backend.Parameters(),
	}
	if err := s.mux.AddStream(KindVideo, StreamParams{
		Codec:     choice.Codec,
		TimeBase:  s.ts.VideoTimeBase(),
		Width:     s.opts.Width,
		Height:    s.opts.Height,
		FrameRate: s.opts.FrameRate,
		Extradata: s.backend.Parameters(),
		Color:     s.color,
	}); err != nil {
		return err
	}

	if err := s.openAudio(cfg, log); err != nil {
		return err
	}

	if s.cbTarget != nil {
		s.cbTarget.params = s.params
	}
	return s.mux.WriteHeader()
}

// openTargets registers the container targets and the callback. The
// callback's codec parameters are filled in before the header is written.
func (s *EncodeSession) openTargets(path string) error {
	if s.cb != nil {
		s.cbTarget = newCallbackTarget(s.cb, CodecParameters{})
		s.mux.AddTarget(s.cbTarget)
	}
	if path != "" {
		if s.opts.MuxerFormat != "" && s.opts.MuxerFormat != "flv" {
			return fmt.Errorf("%w: unsupported muxer format %q", ErrConfig, s.opts.MuxerFormat)
		}
		var t Target
		var err error
		if IsNetworkURL(path) {
			t, err = NewRTMPTarget(TargetPrimary, path)
		} else {
			t, err = NewFLVFileTarget(TargetPrimary, path)
		}
		if err != nil {
			return fmt.Errorf("%w: open %s: %w", ErrConfig, path, err)
		}
		s.mux.AddTarget(t)
		s.containers++
	}
	if s.opts.LocalBackupPath != "" {
		t, err := NewFLVFileTarget(TargetBackup, s.opts.LocalBackupPath)
		if err != nil {
			return fmt.Errorf("%w: open backup %s: %w", ErrConfig, s.opts.LocalBackupPath, err)
		}
		s.mux.AddTarget(t)
		s.containers++
	}
	return nil
}

// audioCodecCandidates lists the preferred audio codecs, best first. PCM
// S16 is always last since it never needs a native library.
func (s *EncodeSession) audioCodecCandidates(hasBackup bool) []CodecID {
	switch {
	case !s.opts.WallClock:
		return []CodecID{CodecFLAC, CodecPCMS16LE}
	case s.cb != nil && hasBackup:
		return []CodecID{CodecOpus, CodecPCMS16LE}
	case s.cb != nil:
		return []CodecID{CodecPCMS16LE}
	default:
		return []CodecID{CodecAAC, CodecPCMS16LE}
	}
}

func (s *EncodeSession) chooseAudioCodec(rate int) (CodecInfo, error) {
	if s.opts.AudioCodec != "" {
		info, err := LookupCodec(s.opts.AudioCodec)
		if err != nil {
			return info, fmt.Errorf("%w: %w", ErrConfig, err)
		}
		if info.Kind() != KindAudio {
			return info, fmt.Errorf("%w: %s is not an audio codec", ErrConfig, info.Name)
		}
		return info, nil
	}
	candidates := s.audioCodecCandidates(s.opts.LocalBackupPath != "")
	for i, id := range candidates {
		info, err := DefaultCodec(id)
		if err != nil || (id == CodecOpus && rate != opusInputRate) {
			continue
		}
		if i > 0 {
			s.log.Info("preferred audio codec unavailable", "wanted", candidates[0].String(), "using", info.Name)
		}
		return info, nil
	}
	return CodecInfo{}, fmt.Errorf("%w: no audio codec available", ErrBackendInit)
}

// opusInputRate is the only rate Opus sessions are opened at.
const opusInputRate = 48000

func (s *EncodeSession) openAudio(cfg SessionConfig, log *slog.Logger) error {
	var mode AudioMode
	rate, channels := cfg.SampleRate, cfg.Channels
	switch {
	case cfg.AudioSource != nil:
		mode = AudioPull
		rate, channels = cfg.AudioSource.SampleRate(), cfg.AudioSource.Channels()
	case cfg.AudioCapture:
		mode = AudioPush
		if rate == 0 {
			rate = defaultSampleRate
		}
		if channels == 0 {
			channels = defaultChannels
		}
	default:
		return nil
	}

	info, err := s.chooseAudioCodec(rate)
	if err != nil {
		return err
	}
	s.params.AudioCodec = info.ID
	s.params.SampleRate = rate
	s.params.Channels = channels
	s.audioOut = &countingWriter{w: s.mux}

	// Callback-only PCM streaming skips the codec entirely.
	if mode == AudioPush && info.ID == CodecPCMS16LE && s.cb != nil && s.containers == 0 {
		s.audio, err = NewAudioSynchronizer(AudioConfig{
			Mode:       AudioRaw,
			Raw:        s.audioOut,
			Timestamps: s.ts,
			SampleRate: rate,
			Channels:   channels,
			Logger:     log,
		})
		if err != nil {
			return err
		}
		return s.mux.AddStream(KindAudio, StreamParams{
			Codec: CodecPCMS16LE, TimeBase: MicrosecondTimeBase, SampleRate: rate, Channels: channels,
		})
	}

	tb := Rational{1, int64(rate)}
	if mode == AudioPush {
		tb = s.ts.AudioTimeBase(rate)
	}
	options := map[string]string{}
	if s.opts.LowLatency {
		options["tune"] = "zerolatency"
	}
	s.audioStream, err = OpenCodecStream(info.Name, CodecConfig{
		TimeBase:     tb,
		SampleRate:   rate,
		Channels:     channels,
		SampleFormat: info.PreferredSampleFormat(),
		Bitrate:      128000,
		Options:      options,
	}, 0, s.audioOut, log)
	if err != nil {
		return err
	}
	s.audio, err = NewAudioSynchronizer(AudioConfig{
		Mode:       mode,
		Stream:     s.audioStream,
		Timestamps: s.ts,
		Source:     cfg.AudioSource,
		SampleRate: rate,
		Channels:   channels,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	return s.mux.AddStream(KindAudio, StreamParams{
		Codec:      info.ID,
		TimeBase:   tb,
		SampleRate: rate,
		Channels:   channels,
		Extradata:  s.audioStream.Extradata(),
	})
}

func (s *EncodeSession) audioMode() AudioMode {
	if s.audio == nil {
		return AudioNone
	}
	return s.audio.Mode()
}

// Timestamps returns the session's timestamp controller.
func (s *EncodeSession) Timestamps() *TimestampController { return s.ts }

// Backend returns the initialized video backend choice.
func (s *EncodeSession) Backend() BackendChoice { return s.backend.Choice() }

// Parameters returns the codec parameters handed to the callback.
func (s *EncodeSession) Parameters() CodecParameters { return s.params }

// Multiplexer returns the session's target fan-out.
func (s *EncodeSession) Multiplexer() *Multiplexer { return s.mux }

// NewPipeline creates a conversion pipeline matching the video backend.
// The caller owns it and must Close it before the session.
func (s *EncodeSession) NewPipeline() (*ConversionPipeline, error) {
	return NewConversionPipeline(s.dev, &s.opts, s.backend.Choice().Kind.PipelineMode(), s.color, s.log)
}

// Process records the conversion of view into cmd.
func (s *EncodeSession) Process(ctx context.Context, cmd CommandBuffer, p *ConversionPipeline, view Image, cs ColorSpace) error {
	if err := s.usable(); err != nil {
		return err
	}
	return p.Process(ctx, cmd, view, cs)
}

// SubmitProcess submits cmd with the pipeline's synchronization.
func (s *EncodeSession) SubmitProcess(ctx context.Context, cmd CommandBuffer, p *ConversionPipeline) error {
	if err := s.usable(); err != nil {
		return err
	}
	return p.Submit(ctx, cmd)
}

// RequestKeyframe forces the next video frame to be a keyframe.
func (s *EncodeSession) RequestKeyframe() { s.forceNext.Store(true) }

// EncodeFrame encodes the frame last submitted through p. ptsHintUs is the
// frame's wall-clock time in microseconds; compensateAudioUs is the capture
// latency applied to pushed audio.
func (s *EncodeSession) EncodeFrame(ctx context.Context, p *ConversionPipeline, ptsHintUs, compensateAudioUs int64) error {
	if err := s.usable(); err != nil {
		return err
	}

	if s.mux.Live() == 0 {
		return fmt.Errorf("%w: no live targets", ErrMux)
	}
	if !s.streamsLive() {
		return fmt.Errorf("%w: every stream failed", ErrDrain)
	}

	pts, adj := s.ts.NextVideoPTS(ptsHintUs)
	s.metrics.ptsAdjusted(adj)
	force := false
	if adj == AdjustSnap {
		force = s.forceKeyframe("snap", pts)
	}
	if s.cb != nil && s.cb.ShouldForceIDR() {
		force = s.forceKeyframe("sink", pts)
	}
	if s.forceNext.Swap(false) {
		force = s.forceKeyframe("caller", pts)
	}
	if s.audio != nil {
		s.audio.SetCompensation(compensateAudioUs)
	}

	sub, release, err := p.Result(ctx)
	if err != nil {
		s.metrics.encodeError(KindVideo)
		return fmt.Errorf("%w: conversion result: %w", ErrEncode, err)
	}
	if s.videoFailed.Load() {
		release()
	} else {
		sub.PTS = ptsHintUs
		sub.ForceKeyframe = force
		err = s.backend.Feed(ctx, sub, pts, force)
		release()
		if err == nil {
			err = s.backend.Drain()
		}
		if err = s.check(KindVideo, err); err != nil {
			return err
		}
		if !s.videoFailed.Load() {
			s.frames++
			s.metrics.frameSubmitted()
		}
	}

	// Pulled audio covers the frame just encoded up to its end.
	if s.audio != nil && s.audio.Mode() == AudioPull && !s.audioFailed.Load() {
		end := pts + s.ts.TicksPerFrame()
		if err := s.check(KindAudio, s.audio.Pull(end, s.ts.VideoTimeBase())); err != nil {
			return err
		}
	}
	return nil
}

func (s *EncodeSession) forceKeyframe(reason string, pts int64) bool {
	s.metrics.keyframeForced(reason)
	s.events.Publish(KeyframeForcedEvent{Reason: reason, PTS: pts, Timestamp: time.Now()})
	s.log.Debug("keyframe forced", "reason", reason, "pts", pts)
	return true
}

// check logs err and decides whether it is fatal to the call. Target
// failures only abandon that target unless none are left.
func (s *EncodeSession) check(kind MediaKind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrMux) && !errors.Is(err, ErrEncode) && !errors.Is(err, ErrDrain) {
		if s.mux.Live() > 0 {
			return nil
		}
		s.log.Error("no live targets left", "error", err)
		return err
	}
	if errors.Is(err, ErrDrain) {
		return s.streamFailed(kind, err)
	}
	s.metrics.encodeError(kind)
	s.log.Error("encode failed", "kind", kind.String(), "error", err)
	return err
}

// streamFailed retires the stream of kind after a drain failure. The error
// is logged once and only returned when no stream is left.
func (s *EncodeSession) streamFailed(kind MediaKind, err error) error {
	flag := &s.videoFailed
	if kind == KindAudio {
		flag = &s.audioFailed
	}
	if flag.CompareAndSwap(false, true) {
		s.metrics.encodeError(kind)
		s.log.Error("stream failed, continuing without it", "kind", kind.String(), "error", err)
	}
	if s.streamsLive() {
		return nil
	}
	return err
}

// streamsLive reports whether any stream can still produce packets.
func (s *EncodeSession) streamsLive() bool {
	return !s.videoFailed.Load() || (s.audio != nil && !s.audioFailed.Load())
}

// SubmitVideoFrame converts view with a session-owned pipeline and encodes
// it.
func (s *EncodeSession) SubmitVideoFrame(ctx context.Context, view Image, cs ColorSpace, ptsHintUs, compensateAudioUs int64) error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.pipeline == nil {
		p, err := s.NewPipeline()
		if err != nil {
			return err
		}
		s.pipeline = p
	}
	cmd, err := s.dev.CreateCommandBuffer(s.pipeline.Queue())
	if err != nil {
		return fmt.Errorf("%w: command buffer: %w", ErrEncode, err)
	}
	if err := s.Process(ctx, cmd, s.pipeline, view, cs); err != nil {
		return err
	}
	if err := s.SubmitProcess(ctx, cmd, s.pipeline); err != nil {
		return err
	}
	return s.EncodeFrame(ctx, s.pipeline, ptsHintUs, compensateAudioUs)
}

// WriteInterleavedF32 pushes captured audio. frames counts samples per
// channel. Safe to call from a capture goroutine.
func (s *EncodeSession) WriteInterleavedF32(data []float32, frames int) error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.audio == nil || s.audio.Mode() == AudioPull {
		return fmt.Errorf("%w: session does not accept pushed audio", ErrConfig)
	}
	return s.check(KindAudio, s.audio.WriteInterleavedF32(data, frames))
}

// SubmitAudio is WriteInterleavedF32 with the frame count derived from the
// channel layout.
func (s *EncodeSession) SubmitAudio(data []float32) error {
	channels := s.params.Channels
	if channels == 0 {
		channels = 1
	}
	return s.WriteInterleavedF32(data, len(data)/channels)
}

// SampleRealtimePTS returns microseconds elapsed since the session started.
func (s *EncodeSession) SampleRealtimePTS() int64 { return s.ts.RealtimePTS() }

// Frames returns how many video frames were encoded.
func (s *EncodeSession) Frames() int64 { return s.frames }

func (s *EncodeSession) usable() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close flushes every stream, waits for in-flight device work and
// finalizes the targets. A second call returns ErrClosed.
func (s *EncodeSession) Close(ctx context.Context) error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.closeMu.Unlock()

	var errs []error
	if s.pipeline != nil {
		if err := s.pipeline.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if !s.videoFailed.Load() {
		if err := s.backend.Flush(ctx); err != nil && !errors.Is(err, ErrMux) {
			errs = append(errs, fmt.Errorf("flush video: %w", err))
		}
	}
	if s.audio != nil && !s.audioFailed.Load() {
		if err := s.audio.Flush(); err != nil && !errors.Is(err, ErrMux) {
			errs = append(errs, fmt.Errorf("flush audio: %w", err))
		}
	}
	s.teardown()
	if err := s.mux.Close(); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	ev := SessionClosedEvent{
		VideoPackets: s.video.n.Load(),
		Timestamp:    time.Now(),
	}
	if s.audioOut != nil {
		ev.AudioPackets = s.audioOut.n.Load()
	}
	if err != nil {
		ev.Error = err.Error()
		s.log.Error("session closed with errors", "error", err)
	} else {
		s.log.Info("session closed", "frames", s.frames, "video_packets", ev.VideoPackets, "audio_packets", ev.AudioPackets)
	}
	s.events.Publish(ev)
	return err
}

// teardown releases codec resources. Targets are left to the multiplexer.
func (s *EncodeSession) teardown() {
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			s.log.Warn("close video backend", "error", err)
		}
	}
	if s.audioStream != nil {
		if err := s.audioStream.Close(); err != nil {
			s.log.Warn("close audio stream", "error", err)
		}
	}
}
