package avenc

import (
	"fmt"
	"sync"
	"time"
)

// Clock is the wall-clock source used for realtime timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default Clock.
var SystemClock Clock = systemClock{}

// DriftParams holds the empirically tuned drift-correction constants. Zero
// fields take the defaults.
type DriftParams struct {
	// SnapFrames is the discontinuity, in frames, past which video PTS jumps
	// straight to the wall-clock target and a keyframe is forced.
	SnapFrames int64 `toml:"snap_frames"`

	// NudgeDivisor sets the nudge threshold to ticksPerFrame/NudgeDivisor.
	NudgeDivisor int64 `toml:"nudge_divisor"`

	// AudioClampWindowUs bounds how far past the upper bound an audio
	// timestamp may be before it is treated as a discontinuity.
	AudioClampWindowUs int64 `toml:"audio_clamp_window_us"`

	// AudioDriftLow/High scale the sample duration (µs per second of audio)
	// for the lower and upper bound of the next audio timestamp.
	AudioDriftLow  int64 `toml:"audio_drift_low"`
	AudioDriftHigh int64 `toml:"audio_drift_high"`
}

// DefaultDriftParams returns the tuned defaults: snap after 8 frames, nudge
// past a quarter frame, 200ms audio clamp window, ±1% audio clock drift.
func DefaultDriftParams() DriftParams {
	return DriftParams{
		SnapFrames:         8,
		NudgeDivisor:       4,
		AudioClampWindowUs: 200000,
		AudioDriftLow:      990000,
		AudioDriftHigh:     1010000,
	}
}

func (p DriftParams) withDefaults() DriftParams {
	d := DefaultDriftParams()
	if p.SnapFrames != 0 {
		d.SnapFrames = p.SnapFrames
	}
	if p.NudgeDivisor != 0 {
		d.NudgeDivisor = p.NudgeDivisor
	}
	if p.AudioClampWindowUs != 0 {
		d.AudioClampWindowUs = p.AudioClampWindowUs
	}
	if p.AudioDriftLow != 0 {
		d.AudioDriftLow = p.AudioDriftLow
	}
	if p.AudioDriftHigh != 0 {
		d.AudioDriftHigh = p.AudioDriftHigh
	}
	return d
}

func (p DriftParams) validate() error {
	if p.SnapFrames < 0 || p.NudgeDivisor < 0 || p.AudioClampWindowUs < 0 {
		return fmt.Errorf("%w: negative drift parameter", ErrConfig)
	}
	if p.AudioDriftLow < 0 || p.AudioDriftHigh < 0 ||
		(p.AudioDriftLow != 0 && p.AudioDriftHigh != 0 && p.AudioDriftLow > p.AudioDriftHigh) {
		return fmt.Errorf("%w: audio drift bounds %d..%d", ErrConfig, p.AudioDriftLow, p.AudioDriftHigh)
	}
	return nil
}

// TimestampMode selects the video timestamp policy.
type TimestampMode int

const (
	// TimestampFixedCadence advances PTS by one frame per submission.
	TimestampFixedCadence TimestampMode = iota
	// TimestampWallClock derives PTS from wall-clock hints with drift correction.
	TimestampWallClock
	// TimestampPassthrough uses the caller's microsecond timestamp directly,
	// only forcing it to increase. Used for low-latency single-consumer streams.
	TimestampPassthrough
)

func (m TimestampMode) String() string {
	switch m {
	case TimestampFixedCadence:
		return "fixed-cadence"
	case TimestampWallClock:
		return "wall-clock"
	case TimestampPassthrough:
		return "passthrough"
	default:
		return "unknown"
	}
}

// Adjustment reports what drift correction did to a video timestamp.
type Adjustment int

const (
	AdjustNone  Adjustment = iota
	AdjustNudge            // Moved one sub-tick toward the target
	AdjustSnap             // Jumped to the target; the frame must be a keyframe
)

// wallClockTicksPerFrame subdivides each frame so drift can be corrected in
// sub-frame steps.
const wallClockTicksPerFrame = 16

// TimestampController derives video and audio timestamps for one session.
// Video methods are called from the submission goroutine; audio methods may
// be called from a capture goroutine.
type TimestampController struct {
	mode   TimestampMode
	params DriftParams
	clock  Clock

	base          int64 // Wall clock at session start, µs
	videoTB       Rational
	ticksPerFrame int64

	prevPTS int64
	hasPrev bool
	lastPTS int64 // Last emitted wall-clock PTS
	emitted bool
	offset  int64 // Added to wall-clock targets after the hint clock went backwards

	audioMu    sync.Mutex
	lowerBound int64
	upperBound int64
}

// NewTimestampController creates a controller for the given frame rate.
func NewTimestampController(mode TimestampMode, frameRate Rational, params DriftParams, clock Clock) *TimestampController {
	if clock == nil {
		clock = SystemClock
	}
	c := &TimestampController{
		mode:   mode,
		params: params.withDefaults(),
		clock:  clock,
	}
	switch mode {
	case TimestampWallClock:
		c.ticksPerFrame = wallClockTicksPerFrame
		c.videoTB = Rational{frameRate.Den, frameRate.Num * wallClockTicksPerFrame}
	case TimestampPassthrough:
		c.ticksPerFrame = 1
		c.videoTB = MicrosecondTimeBase
	default:
		c.ticksPerFrame = 1
		c.videoTB = Rational{frameRate.Den, frameRate.Num}
	}
	c.Start()
	return c
}

// Start latches the wall-clock anchor shared by video and audio.
func (c *TimestampController) Start() {
	c.base = c.clock.Now().UnixMicro()
}

// Mode returns the video timestamp policy.
func (c *TimestampController) Mode() TimestampMode { return c.mode }

// VideoTimeBase returns the tick unit of video timestamps.
func (c *TimestampController) VideoTimeBase() Rational { return c.videoTB }

// TicksPerFrame returns how many ticks one video frame spans.
func (c *TimestampController) TicksPerFrame() int64 { return c.ticksPerFrame }

// AudioTimeBase returns the audio tick unit: microseconds in wall-clock
// mode, one sample otherwise.
func (c *TimestampController) AudioTimeBase(sampleRate int) Rational {
	if c.mode == TimestampWallClock {
		return MicrosecondTimeBase
	}
	return Rational{1, int64(sampleRate)}
}

// RealtimePTS returns microseconds elapsed since the session anchor.
func (c *TimestampController) RealtimePTS() int64 {
	return c.clock.Now().UnixMicro() - c.base
}

// NextVideoPTS returns the timestamp for the next video frame. hintUs is
// the caller's wall-clock timestamp in microseconds, ignored in fixed
// cadence mode.
func (c *TimestampController) NextVideoPTS(hintUs int64) (int64, Adjustment) {
	switch c.mode {
	case TimestampPassthrough:
		pts := hintUs
		if c.hasPrev && pts <= c.prevPTS {
			pts = c.prevPTS + 1
		}
		c.prevPTS, c.hasPrev = pts, true
		return pts, AdjustNone

	case TimestampWallClock:
		target := RescaleQ(hintUs, MicrosecondTimeBase, c.videoTB, RoundZero) + c.offset
		adj := c.correct(target)
		if c.emitted && c.prevPTS <= c.lastPTS {
			// The hint clock went backwards. Rebase it onto the emitted
			// timeline so PTS keeps increasing and later frames stop snapping.
			next := c.lastPTS + c.ticksPerFrame
			c.offset += next - c.prevPTS
			c.prevPTS = next
		}
		pts := c.prevPTS
		c.lastPTS, c.emitted = pts, true
		c.prevPTS += c.ticksPerFrame
		return pts, adj

	default:
		if !c.hasPrev {
			c.prevPTS, c.hasPrev = 0, true
		}
		pts := c.prevPTS
		c.prevPTS++
		return pts, AdjustNone
	}
}

// correct moves prevPTS toward target. Large discontinuities snap, small
// ones nudge by a single tick so DTS derived from PTS stays monotonic.
func (c *TimestampController) correct(target int64) Adjustment {
	if !c.hasPrev {
		c.prevPTS, c.hasPrev = target, true
		return AdjustNone
	}

	delta := target - c.prevPTS
	if delta < 0 {
		delta = -delta
	}

	switch {
	case delta > c.params.SnapFrames*c.ticksPerFrame:
		c.prevPTS = target
		return AdjustSnap
	case delta >= c.ticksPerFrame/c.params.NudgeDivisor:
		if target > c.prevPTS {
			c.prevPTS++
		} else {
			c.prevPTS--
		}
		return AdjustNudge
	default:
		return AdjustNone
	}
}

// SetPreviousVideoPTS overrides the last emitted video timestamp.
func (c *TimestampController) SetPreviousVideoPTS(pts int64) {
	c.prevPTS, c.hasPrev = pts, true
}

// NextAudioPTS returns the microsecond timestamp for an audio frame of
// samples that just completed, clamped into the drift window, and advances
// the window. compensateUs shifts the wall clock to account for capture
// latency.
func (c *TimestampController) NextAudioPTS(samples, sampleRate int, compensateUs int64) int64 {
	c.audioMu.Lock()
	defer c.audioMu.Unlock()

	ts := c.RealtimePTS() + compensateUs
	ts = c.clampAudio(ts)

	n := int64(samples)
	c.lowerBound = ts + RescaleRnd(n, c.params.AudioDriftLow, int64(sampleRate), RoundDown)
	c.upperBound = ts + RescaleRnd(n, c.params.AudioDriftHigh, int64(sampleRate), RoundUp)
	return ts
}

// clampAudio keeps ts monotonic and within the drift window. Timestamps far
// beyond the window are a discontinuity and pass through unclamped.
func (c *TimestampController) clampAudio(ts int64) int64 {
	if ts < c.lowerBound {
		ts = c.lowerBound
	}
	if ts < c.upperBound+c.params.AudioClampWindowUs && ts > c.upperBound {
		ts = c.upperBound
	}
	return ts
}

// AudioBounds returns the current [lower, upper] window for the next audio
// timestamp.
func (c *TimestampController) AudioBounds() (lower, upper int64) {
	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	return c.lowerBound, c.upperBound
}
