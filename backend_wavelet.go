package avenc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// waveletMaxPacket is the largest packet the wavelet packetizer emits.
const waveletMaxPacket = 8 << 10

// waveletBackend drives the device wavelet encoder. Every frame is intra
// coded, so every packet is written as a keyframe.
type waveletBackend struct {
	choice   BackendChoice
	dev      Device
	enc      WaveletEncoder
	buffer   Buffer
	fence    Fence
	payload  int
	out      PacketWriter
	timeBase Rational
	ticks    int64
	log      *slog.Logger
}

// waveletPayloadSize is the per-frame byte budget for a bitrate: bits per
// frame over eight, rounded down to a multiple of four.
func waveletPayloadSize(bitrateKbits int, frameRate Rational) int {
	if frameRate.Num <= 0 || frameRate.Den <= 0 {
		return 0
	}
	bytes := int64(bitrateKbits) * 1000 * int64(frameRate.Den) / (int64(frameRate.Num) * 8)
	return int(bytes) &^ 3
}

func newWaveletBackend(cfg backendConfig) (*waveletBackend, error) {
	opts := cfg.opts
	payload := waveletPayloadSize(opts.BitrateKbits, opts.FrameRate)
	if payload <= 0 {
		return nil, fmt.Errorf("%w: wavelet bitrate %d kbit/s too low", ErrConfig, opts.BitrateKbits)
	}
	enc, err := cfg.dev.NewWaveletEncoder(WaveletConfig{Width: opts.Width, Height: opts.Height, Format: opts.Format})
	if err != nil {
		if errors.Is(err, ErrBackendInit) || errors.Is(err, ErrConfig) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrBackendInit, err)
	}
	buf, err := cfg.dev.CreateBuffer(enc.BitstreamSize(payload))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("%w: bitstream buffer: %w", ErrBackendInit, err)
	}
	fence, err := cfg.dev.CreateFence()
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("%w: %w", ErrBackendInit, err)
	}
	return &waveletBackend{
		choice:   cfg.choice,
		dev:      cfg.dev,
		enc:      enc,
		buffer:   buf,
		fence:    fence,
		payload:  payload,
		out:      cfg.out,
		timeBase: cfg.timeBase,
		ticks:    cfg.ticks,
		log:      componentLogger(cfg.log, "backend").With("backend", "wavelet", "payload", payload),
	}, nil
}

func (b *waveletBackend) Choice() BackendChoice { return b.choice }

func (b *waveletBackend) Parameters() []byte { return nil }

func (b *waveletBackend) Feed(ctx context.Context, sub FrameSubmission, pts int64, _ bool) error {
	if len(sub.Images) != 3 {
		return fmt.Errorf("%w: wavelet needs 3 planes, got %d", ErrEncode, len(sub.Images))
	}
	cmd, err := b.dev.CreateCommandBuffer(QueueAsyncCompute)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	if err := b.enc.Record(cmd, sub.Images, b.buffer, b.payload); err != nil {
		return fmt.Errorf("%w: record: %w", ErrEncode, err)
	}

	if err := b.fence.Wait(ctx); err != nil {
		return err
	}
	b.fence.Reset()
	info := SubmitInfo{Fence: b.fence}
	if sub.Ready.Semaphore != nil {
		info.Wait = []SemaphoreOp{sub.Ready}
	}
	if err := b.dev.Submit(cmd, info); err != nil {
		return fmt.Errorf("%w: submit: %w", ErrEncode, err)
	}
	if err := b.fence.Wait(ctx); err != nil {
		return err
	}

	data, err := b.buffer.Map()
	if err != nil {
		return fmt.Errorf("%w: map bitstream: %w", ErrEncode, err)
	}
	packets, err := b.enc.Packetize(data, waveletMaxPacket)
	b.buffer.Unmap()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}

	var muxErr error
	for _, p := range packets {
		pkt := Packet{Data: p, PTS: pts, DTS: pts, Duration: b.ticks, FrameType: FrameTypeKey, Kind: KindVideo}
		if err := b.out.WritePacket(&pkt, b.timeBase); err != nil && muxErr == nil {
			muxErr = err
		}
	}
	return muxErr
}

func (b *waveletBackend) Drain() error { return nil }

func (b *waveletBackend) Flush(ctx context.Context) error { return b.fence.Wait(ctx) }

func (b *waveletBackend) Close() error { return b.enc.Close() }
