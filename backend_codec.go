package avenc

import (
	"context"
	"fmt"
	"log/slog"
)

// codecBackend feeds converted frames to a CodecStream, either as host
// copies of the readback buffer or as device-native frames.
type codecBackend struct {
	choice BackendChoice
	stream *CodecStream
	log    *slog.Logger
}

// videoCodecConfig builds the codec configuration for the session's video
// stream.
func videoCodecConfig(cfg backendConfig) CodecConfig {
	opts := cfg.opts
	cc := CodecConfig{
		TimeBase:     cfg.timeBase,
		Width:        opts.Width,
		Height:       opts.Height,
		Format:       opts.Format,
		FrameRate:    opts.FrameRate,
		GOP:          codecGOP(opts),
		Bitrate:      opts.BitrateKbits * 1000,
		MaxBitrate:   opts.MaxBitrateKbits * 1000,
		BufferSize:   opts.VBVSizeKbits * 1000,
		Threads:      opts.Threads,
		ColorProfile: cfg.color,
		Options:      map[string]string{},
	}
	if cfg.choice.Kind == BackendCodecHWFrames {
		cc.Device = cfg.dev
	}
	if opts.LowLatency {
		cc.Options["tune"] = "zerolatency"
		cc.Options["forced-idr"] = "1"
		cc.Options["refs"] = "1"
		if opts.GOPFrames() < 0 {
			cc.Options["intra-refresh"] = "1"
		}
	} else {
		cc.MaxBFrames = 2
	}
	return cc
}

func newCodecBackend(cfg backendConfig) (*codecBackend, error) {
	stream, err := OpenCodecStream(cfg.choice.Name, videoCodecConfig(cfg), cfg.ticks, cfg.out, cfg.log)
	if err != nil {
		return nil, err
	}
	return &codecBackend{
		choice: cfg.choice,
		stream: stream,
		log:    componentLogger(cfg.log, "backend").With("backend", cfg.choice.String()),
	}, nil
}

func (b *codecBackend) Choice() BackendChoice { return b.choice }

func (b *codecBackend) Feed(ctx context.Context, sub FrameSubmission, pts int64, forceKeyframe bool) error {
	if sub.HWFrame != nil {
		defer sub.HWFrame.Release()
		return b.stream.Feed(pts, forceKeyframe, func(f *RawFrame) error {
			f.HW = sub.HWFrame
			return nil
		})
	}
	if sub.Buffer == nil {
		return fmt.Errorf("%w: %s needs a readback buffer", ErrEncode, b.choice)
	}
	return b.stream.Feed(pts, forceKeyframe, func(f *RawFrame) error {
		f.HW = nil
		return copyReadback(f, sub.Buffer, sub.Planes)
	})
}

// copyReadback copies the visible rows of each plane from the padded host
// buffer into the frame.
func copyReadback(f *RawFrame, buf []byte, layouts []PlaneLayout) error {
	if len(layouts) != len(f.Data) {
		return fmt.Errorf("readback has %d planes, frame has %d", len(layouts), len(f.Data))
	}
	for i, l := range layouts {
		rows, rowBytes := planeRows(f, i)
		if rowBytes > l.Stride || rowBytes > f.Linesize[i] {
			return fmt.Errorf("plane %d row of %d bytes exceeds stride", i, rowBytes)
		}
		if end := l.Offset + (rows-1)*l.Stride + rowBytes; rows > 0 && end > len(buf) {
			return fmt.Errorf("plane %d overruns readback buffer", i)
		}
		for y := 0; y < rows; y++ {
			src := buf[l.Offset+y*l.Stride:]
			copy(f.Data[i][y*f.Linesize[i]:], src[:rowBytes])
		}
	}
	return nil
}

func (b *codecBackend) Drain() error { return b.stream.Drain() }

func (b *codecBackend) Flush(context.Context) error { return b.stream.Flush() }

func (b *codecBackend) Close() error { return b.stream.Close() }

func (b *codecBackend) Parameters() []byte { return nil }
