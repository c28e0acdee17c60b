package avenc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// StreamParams describes a stream registered with a target.
type StreamParams struct {
	Codec      CodecID
	TimeBase   Rational // Source time base
	Width      int
	Height     int
	FrameRate  Rational
	SampleRate int
	Channels   int
	Extradata  []byte
	Color      ColorProfile
}

// Target is one output of a Multiplexer. A target is only ever used by one
// goroutine at a time; the Multiplexer holds its lock around every call.
type Target interface {
	Name() string
	// AddStream registers a stream and returns its index and the time base
	// packets must be rescaled to.
	AddStream(kind MediaKind, params StreamParams) (int, Rational, error)
	WriteHeader() error
	WritePacket(pkt *Packet) error
	// WriteTrailer finalizes the output. Called at most once.
	WriteTrailer() error
	Close() error
}

type muxTarget struct {
	Target
	mu sync.Mutex

	index    [2]int
	timeBase [2]Rational
	has      [2]bool

	abandoned atomic.Bool
	started   bool // Header written
	finalized bool
}

// Multiplexer fans packets out to its targets, rescaling timestamps into
// each target's own time base. A failing target is abandoned; the others
// keep going.
type Multiplexer struct {
	targets []*muxTarget
	log     *slog.Logger
	metrics *Metrics
	events  *Events

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewMultiplexer creates a multiplexer with no targets.
func NewMultiplexer(log *slog.Logger, metrics *Metrics, events *Events) *Multiplexer {
	return &Multiplexer{log: componentLogger(log, "mux"), metrics: metrics, events: events}
}

// AddTarget registers a target. Must be called before AddStream.
func (m *Multiplexer) AddTarget(t Target) {
	m.targets = append(m.targets, &muxTarget{Target: t})
}

// Targets returns the number of registered targets.
func (m *Multiplexer) Targets() int { return len(m.targets) }

// AddStream registers a stream of kind on every target.
func (m *Multiplexer) AddStream(kind MediaKind, params StreamParams) error {
	for _, t := range m.targets {
		idx, tb, err := t.AddStream(kind, params)
		if err != nil {
			return fmt.Errorf("%w: %s: add %s stream: %w", ErrConfig, t.Name(), kind, err)
		}
		t.index[kind], t.timeBase[kind], t.has[kind] = idx, tb, true
	}
	return nil
}

// WriteHeader starts every target.
func (m *Multiplexer) WriteHeader() error {
	for _, t := range m.targets {
		t.mu.Lock()
		err := t.WriteHeader()
		t.started = err == nil
		t.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: %s: write header: %w", ErrMux, t.Name(), err)
		}
	}
	return nil
}

// WritePacket writes a clone of pkt, whose timestamps are in src, to every
// live target carrying pkt.Kind.
func (m *Multiplexer) WritePacket(pkt *Packet, src Rational) error {
	if m.closed.Load() {
		return ErrClosed
	}
	var errs []error
	for _, t := range m.targets {
		if t.abandoned.Load() || !t.has[pkt.Kind] {
			continue
		}
		c := pkt.Clone()
		dst := t.timeBase[pkt.Kind]
		c.PTS = RescaleQ(pkt.PTS, src, dst, RoundNearInf)
		c.DTS = RescaleQ(pkt.DTS, src, dst, RoundNearInf)
		if pkt.Duration > 0 {
			c.Duration = RescaleQ(pkt.Duration, src, dst, RoundNearInf)
		}
		c.StreamIndex = t.index[pkt.Kind]

		t.mu.Lock()
		err := t.Target.WritePacket(c)
		t.mu.Unlock()

		if err != nil {
			m.abandon(t, err)
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrMux, t.Name(), err))
			continue
		}
		m.metrics.packetWritten(t.Name(), pkt.Kind, len(pkt.Data))
	}
	return errors.Join(errs...)
}

func (m *Multiplexer) abandon(t *muxTarget, err error) {
	if !t.abandoned.CompareAndSwap(false, true) {
		return
	}
	m.log.Error("mux target abandoned", "target", t.Name(), "error", err)
	m.metrics.targetAbandoned()
	m.events.Publish(TargetAbandonedEvent{Target: t.Name(), Error: err.Error(), Timestamp: time.Now()})
}

// Abandoned reports whether the named target has been dropped.
func (m *Multiplexer) Abandoned(name string) bool {
	for _, t := range m.targets {
		if t.Name() == name {
			return t.abandoned.Load()
		}
	}
	return false
}

// Live returns the number of targets still accepting packets.
func (m *Multiplexer) Live() int {
	n := 0
	for _, t := range m.targets {
		if !t.abandoned.Load() {
			n++
		}
	}
	return n
}

// Close finalizes every live, started target exactly once and closes all
// of them. Later writes return ErrClosed.
func (m *Multiplexer) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		var errs []error
		for _, t := range m.targets {
			t.mu.Lock()
			if t.started && !t.abandoned.Load() && !t.finalized {
				t.finalized = true
				if err := t.WriteTrailer(); err != nil {
					errs = append(errs, fmt.Errorf("%w: %s: write trailer: %w", ErrMux, t.Name(), err))
				}
			}
			if err := t.Target.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%w: %s: close: %w", ErrMux, t.Name(), err))
			}
			t.mu.Unlock()
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}
