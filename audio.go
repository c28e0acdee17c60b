package avenc

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
)

// AudioSource supplies interleaved S16 audio on demand for pull mode.
type AudioSource interface {
	SampleRate() int
	Channels() int
	// ReadS16 fills dst with up to frames interleaved frames and returns how
	// many it produced. Missing frames are encoded as silence.
	ReadS16(dst []int16, frames int) int
}

// AudioMode selects how audio enters the session.
type AudioMode int

const (
	AudioNone AudioMode = iota
	// AudioPull renders audio from an AudioSource to keep pace with video.
	AudioPull
	// AudioPush accepts captured audio through WriteInterleavedF32.
	AudioPush
	// AudioRaw bypasses the codec and writes S16 PCM packets directly.
	AudioRaw
)

func (m AudioMode) String() string {
	switch m {
	case AudioPull:
		return "pull"
	case AudioPush:
		return "push"
	case AudioRaw:
		return "raw"
	default:
		return "none"
	}
}

// AudioSynchronizer feeds the audio stream so it tracks the video timeline.
type AudioSynchronizer struct {
	mu sync.Mutex

	mode     AudioMode
	stream   *CodecStream // nil in raw mode
	out      PacketWriter // Raw mode only
	ts       *TimestampController
	source   AudioSource
	rate     int
	channels int
	timeBase Rational

	frameSize int
	variable  bool // Codec accepts any frame size

	pulled      int64 // Frames pulled from the source
	sampleCount int64 // Frames sent to the codec
	pending     []float32
	scratch     []int16

	compensate atomic.Int64
	log        *slog.Logger
}

// AudioConfig configures an AudioSynchronizer.
type AudioConfig struct {
	Mode       AudioMode
	Stream     *CodecStream
	Raw        PacketWriter
	Timestamps *TimestampController
	Source     AudioSource
	SampleRate int
	Channels   int
	Logger     *slog.Logger
}

// NewAudioSynchronizer validates cfg and creates the synchronizer.
func NewAudioSynchronizer(cfg AudioConfig) (*AudioSynchronizer, error) {
	a := &AudioSynchronizer{
		mode:     cfg.Mode,
		stream:   cfg.Stream,
		out:      cfg.Raw,
		ts:       cfg.Timestamps,
		source:   cfg.Source,
		rate:     cfg.SampleRate,
		channels: cfg.Channels,
		log:      componentLogger(cfg.Logger, "audio"),
	}
	if a.rate <= 0 || a.channels <= 0 {
		return nil, fmt.Errorf("%w: audio %d Hz %d channels", ErrConfig, a.rate, a.channels)
	}

	switch cfg.Mode {
	case AudioPull:
		if cfg.Source == nil || cfg.Stream == nil {
			return nil, fmt.Errorf("%w: pull mode needs a source and a stream", ErrConfig)
		}
	case AudioPush:
		if cfg.Stream == nil || cfg.Timestamps == nil {
			return nil, fmt.Errorf("%w: push mode needs a stream and timestamps", ErrConfig)
		}
	case AudioRaw:
		if cfg.Raw == nil || cfg.Timestamps == nil {
			return nil, fmt.Errorf("%w: raw mode needs a writer and timestamps", ErrConfig)
		}
		a.timeBase = MicrosecondTimeBase
		return a, nil
	default:
		return nil, fmt.Errorf("%w: audio mode %s", ErrConfig, cfg.Mode)
	}

	a.timeBase = a.stream.TimeBase()
	a.frameSize = a.stream.FrameSize()
	a.variable = a.stream.session.FrameSize() == 0
	return a, nil
}

// Mode returns how audio enters the session.
func (a *AudioSynchronizer) Mode() AudioMode { return a.mode }

// SetCompensation stores the capture latency applied to push-mode
// timestamps. Called from the video submission path.
func (a *AudioSynchronizer) SetCompensation(us int64) { a.compensate.Store(us) }

// SamplesSent returns the frames handed to the codec so far.
func (a *AudioSynchronizer) SamplesSent() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sampleCount
}

// Pull renders audio up to the timestamp of the current video frame.
func (a *AudioSynchronizer) Pull(videoPTS int64, videoTB Rational) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mode != AudioPull {
		return nil
	}
	target := RescaleQ(videoPTS, videoTB, Rational{1, int64(a.rate)}, RoundUp)
	n := int(target - a.pulled)
	if n <= 0 {
		return nil
	}

	need := n * a.channels
	if cap(a.scratch) < need {
		a.scratch = make([]int16, need)
	}
	buf := a.scratch[:need]
	got := a.source.ReadS16(buf, n)
	for i := got * a.channels; i < need; i++ {
		buf[i] = 0
	}
	a.pulled += int64(n)

	for _, s := range buf {
		a.pending = append(a.pending, float32(s)/32768)
	}
	return a.emit(true)
}

// WriteInterleavedF32 accepts captured samples in push or raw mode.
// Incomplete codec frames stay buffered until more audio arrives.
func (a *AudioSynchronizer) WriteInterleavedF32(data []float32, frames int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(data) < frames*a.channels {
		return fmt.Errorf("%w: %d samples for %d frames", ErrEncode, len(data), frames)
	}
	switch a.mode {
	case AudioRaw:
		return a.writeRaw(data[:frames*a.channels])
	case AudioPush:
		a.pending = append(a.pending, data[:frames*a.channels]...)
		return a.emit(false)
	default:
		return fmt.Errorf("%w: audio is in %s mode", ErrConfig, a.mode)
	}
}

func (a *AudioSynchronizer) writeRaw(samples []float32) error {
	out := make([]byte, 0, len(samples)*2)
	for _, s := range samples {
		out = binary.LittleEndian.AppendUint16(out, uint16(floatToS16(s)))
	}
	pts := a.ts.RealtimePTS()
	pkt := &Packet{Data: out, PTS: pts, DTS: pts, FrameType: FrameTypeKey, Kind: KindAudio}
	return a.out.WritePacket(pkt, MicrosecondTimeBase)
}

// emit sends every complete frame. Variable frame size codecs in pull mode
// take everything pulled this tick as one frame.
func (a *AudioSynchronizer) emit(pull bool) error {
	for {
		frames := len(a.pending) / a.channels
		size := a.frameSize
		if a.variable && pull {
			size = frames
		}
		if frames == 0 || frames < size {
			return nil
		}

		var pts int64
		if pull {
			pts = a.sampleCount
		} else {
			pts = a.ts.NextAudioPTS(size, a.rate, a.compensate.Load())
		}
		chunk := a.pending[:size*a.channels]
		err := a.stream.Feed(pts, false, func(f *RawFrame) error {
			return fillAudioFrame(f, chunk, size)
		})
		a.pending = append(a.pending[:0], a.pending[size*a.channels:]...)
		a.sampleCount += int64(size)
		if err != nil {
			a.log.Warn("audio frame dropped", "error", err)
			return err
		}
		if err := a.stream.Drain(); err != nil {
			return err
		}
	}
}

// fillAudioFrame converts interleaved float samples into the frame's sample
// format, growing the planes for variable-size frames.
func fillAudioFrame(f *RawFrame, samples []float32, frames int) error {
	bps := f.SampleFormat.BytesPerSample()
	if f.SampleFormat.Planar() {
		for c := range f.Data {
			if len(f.Data[c]) < frames*bps {
				f.Data[c] = make([]byte, frames*bps)
			}
		}
	} else if len(f.Data[0]) < frames*f.Channels*bps {
		f.Data[0] = make([]byte, frames*f.Channels*bps)
	}
	f.Samples = frames

	switch f.SampleFormat {
	case AudioFormatF32:
		for i, s := range samples[:frames*f.Channels] {
			binary.LittleEndian.PutUint32(f.Data[0][i*4:], math.Float32bits(s))
		}
	case AudioFormatF32P:
		for i := 0; i < frames; i++ {
			for c := 0; c < f.Channels; c++ {
				binary.LittleEndian.PutUint32(f.Data[c][i*4:], math.Float32bits(samples[i*f.Channels+c]))
			}
		}
	case AudioFormatS16:
		for i, s := range samples[:frames*f.Channels] {
			binary.LittleEndian.PutUint16(f.Data[0][i*2:], uint16(floatToS16(s)))
		}
	default:
		return fmt.Errorf("unsupported sample format %s", f.SampleFormat)
	}
	return nil
}

// Flush drains the audio codec. Partial frames are discarded.
func (a *AudioSynchronizer) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = a.pending[:0]
	if a.stream == nil {
		return nil
	}
	return a.stream.Flush()
}
