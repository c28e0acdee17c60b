package avenc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// bitstreamQueueDepth bounds the encodes in flight between submission and
// the output goroutine.
const bitstreamQueueDepth = 16

// bitstreamBackend drives a direct device encoder. Submission happens on
// the caller's goroutine and never waits on encode latency; a single
// background goroutine waits for each encode to complete and writes it out
// in order. When the output goroutine falls bitstreamQueueDepth encodes
// behind, new encodes are dropped and the next frame is forced to an IDR.
type bitstreamBackend struct {
	choice   BackendChoice
	enc      BitstreamEncoder
	params   []byte
	out      PacketWriter
	timeBase Rational
	ticks    int64
	log      *slog.Logger

	frames chan EncodedFrame
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	// Only touched by the submitting goroutine.
	closed    bool
	forceNext bool
	dropped   int64

	mu  sync.Mutex
	err error
}

func newBitstreamBackend(cfg backendConfig) (*bitstreamBackend, error) {
	opts := cfg.opts
	enc, err := cfg.dev.NewBitstreamEncoder(BitstreamConfig{
		Profile:         cfg.choice.Profile,
		Width:           opts.Width,
		Height:          opts.Height,
		FrameRate:       opts.FrameRate,
		BitrateKbits:    opts.BitrateKbits,
		MaxBitrateKbits: opts.MaxBitrateKbits,
		GOP:             hwGOP(opts),
		LowLatency:      opts.LowLatency,
		Color:           cfg.color,
	})
	if err != nil {
		if errors.Is(err, ErrBackendInit) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrBackendInit, err)
	}
	return startBitstreamBackend(cfg, enc), nil
}

func startBitstreamBackend(cfg backendConfig, enc BitstreamEncoder) *bitstreamBackend {
	ctx, cancel := context.WithCancel(context.Background())
	b := &bitstreamBackend{
		choice:   cfg.choice,
		enc:      enc,
		params:   enc.EncodedParameters(),
		out:      cfg.out,
		timeBase: cfg.timeBase,
		ticks:    cfg.ticks,
		log:      componentLogger(cfg.log, "backend").With("backend", cfg.choice.String()),
		frames:   make(chan EncodedFrame, bitstreamQueueDepth),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	go b.run(ctx)
	return b
}

func (b *bitstreamBackend) Choice() BackendChoice { return b.choice }

func (b *bitstreamBackend) Parameters() []byte { return b.params }

func (b *bitstreamBackend) Feed(ctx context.Context, sub FrameSubmission, pts int64, forceKeyframe bool) error {
	if b.closed {
		return ErrClosed
	}
	if err := b.Drain(); err != nil {
		return err
	}
	if sub.Ready.Semaphore != nil {
		if err := sub.Ready.Semaphore.Wait(ctx, sub.Ready.Value); err != nil {
			return err
		}
	}
	if err := b.enc.SendFrame(sub.Images, pts, forceKeyframe || b.forceNext); err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	b.forceNext = false
	for {
		ef, err := b.enc.ReceiveEncodedFrame()
		if errors.Is(err, ErrAgain) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrEncode, err)
		}
		select {
		case b.frames <- ef:
		case <-b.done:
			ef.Release()
			return b.Drain()
		default:
			ef.Release()
			b.dropped++
			b.forceNext = true
			b.log.Warn("encode queue full, frame dropped", "pts", ef.PTS(), "dropped", b.dropped)
		}
	}
}

func (b *bitstreamBackend) run(ctx context.Context) {
	defer close(b.done)
	for ef := range b.frames {
		if err := b.write(ctx, ef); err != nil {
			b.fail(err)
		}
		ef.Release()
	}
}

func (b *bitstreamBackend) write(ctx context.Context, ef EncodedFrame) error {
	if err := ef.Wait(ctx); err != nil {
		return fmt.Errorf("%w: wait for encode: %w", ErrDrain, err)
	}
	pkt := encodedPacket(ef, b.params)
	pkt.Duration = b.ticks
	return b.out.WritePacket(&pkt, b.timeBase)
}

// fail records the first output error. Mux errors only abandon a target
// and are logged; anything else stops the backend.
func (b *bitstreamBackend) fail(err error) {
	if errors.Is(err, ErrMux) {
		b.log.Warn("packet write failed", "error", err)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
		b.log.Error("encode output failed", "error", err)
	}
}

// Drain reports any error from the output goroutine.
func (b *bitstreamBackend) Drain() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Flush waits for every queued encode to be written.
func (b *bitstreamBackend) Flush(ctx context.Context) error {
	b.closeInput()
	select {
	case <-b.done:
	case <-ctx.Done():
		b.cancel()
		<-b.done
		return ctx.Err()
	}
	return b.Drain()
}

func (b *bitstreamBackend) closeInput() {
	b.closed = true
	b.once.Do(func() { close(b.frames) })
}

func (b *bitstreamBackend) Close() error {
	b.closeInput()
	b.cancel()
	<-b.done
	return b.enc.Close()
}
