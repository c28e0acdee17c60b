package avenc

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

var errWrite = errors.New("write failed")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// packetRecorder is a PacketWriter keeping clones of everything written.
type packetRecorder struct {
	packets []*Packet
	bases   []Rational
	err     error
}

func (r *packetRecorder) WritePacket(pkt *Packet, tb Rational) error {
	r.packets = append(r.packets, pkt.Clone())
	r.bases = append(r.bases, tb)
	return r.err
}

// recordingTarget is a Target with its own time base that can be told to
// fail after a number of packets.
type recordingTarget struct {
	name      string
	timeBase  Rational
	failAfter int // Fail every packet past this many; <0 never fails
	headerErr error

	packets  []*Packet
	headers  int
	trailers int
	closed   int
}

func newRecordingTarget(name string, tb Rational) *recordingTarget {
	return &recordingTarget{name: name, timeBase: tb, failAfter: -1}
}

func (t *recordingTarget) Name() string { return t.name }

func (t *recordingTarget) AddStream(kind MediaKind, _ StreamParams) (int, Rational, error) {
	return int(kind), t.timeBase, nil
}

func (t *recordingTarget) WriteHeader() error {
	if t.headerErr != nil {
		return t.headerErr
	}
	t.headers++
	return nil
}

func (t *recordingTarget) WritePacket(pkt *Packet) error {
	if t.failAfter >= 0 && len(t.packets) >= t.failAfter {
		return errWrite
	}
	t.packets = append(t.packets, pkt.Clone())
	return nil
}

func (t *recordingTarget) WriteTrailer() error {
	t.trailers++
	return nil
}

func (t *recordingTarget) Close() error {
	t.closed++
	return nil
}

// recordedPacket is one packet seen by a recordingCallback.
type recordedPacket struct {
	pts, dts int64
	size     int
	keyframe bool
}

// recordingCallback is a StreamCallback that records packets and can fail
// every write.
type recordingCallback struct {
	mu       sync.Mutex
	fail     bool
	forceIDR []bool // Answers to successive ShouldForceIDR calls

	params      []CodecParameters
	video       []recordedPacket
	audio       []recordedPacket
	forceAsked  int
	writeErrors int
}

func (c *recordingCallback) WriteVideoPacket(pts, dts int64, data []byte, keyframe bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		c.writeErrors++
		return errWrite
	}
	c.video = append(c.video, recordedPacket{pts: pts, dts: dts, size: len(data), keyframe: keyframe})
	return nil
}

func (c *recordingCallback) WriteAudioPacket(pts, dts int64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		c.writeErrors++
		return errWrite
	}
	c.audio = append(c.audio, recordedPacket{pts: pts, dts: dts, size: len(data), keyframe: true})
	return nil
}

func (c *recordingCallback) ShouldForceIDR() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.forceAsked
	c.forceAsked++
	return i < len(c.forceIDR) && c.forceIDR[i]
}

func (c *recordingCallback) SetCodecParameters(p CodecParameters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params = append(c.params, p)
}

// fixedSource is an AudioSource returning a constant sample, or nothing
// once exhausted.
type fixedSource struct {
	rate, channels int
	value          int16
	remaining      int // Frames left; <0 is unlimited
}

func (s *fixedSource) SampleRate() int { return s.rate }
func (s *fixedSource) Channels() int   { return s.channels }

func (s *fixedSource) ReadS16(dst []int16, frames int) int {
	if s.remaining >= 0 {
		frames = min(frames, s.remaining)
		s.remaining -= frames
	}
	for i := 0; i < frames*s.channels; i++ {
		dst[i] = s.value
	}
	return frames
}
