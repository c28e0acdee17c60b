package avenc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// PacketWriter receives encoded packets with timestamps in timeBase.
type PacketWriter interface {
	WritePacket(pkt *Packet, timeBase Rational) error
}

type streamState int

const (
	streamClosed streamState = iota
	streamOpen
	streamFeeding
	streamDraining
	streamFlushed
	streamFailed
)

func (s streamState) String() string {
	switch s {
	case streamOpen:
		return "open"
	case streamFeeding:
		return "feeding"
	case streamDraining:
		return "draining"
	case streamFlushed:
		return "flushed"
	case streamFailed:
		return "failed"
	default:
		return "closed"
	}
}

// defaultAudioFrameSize is used when a codec accepts any frame size.
const defaultAudioFrameSize = 256

// CodecStream owns one codec session together with its reusable frame and
// packet. Feed and Drain never run concurrently for the same stream.
type CodecStream struct {
	mu sync.Mutex

	kind          MediaKind
	info          CodecInfo
	cfg           CodecConfig
	session       CodecSession
	frame         *RawFrame
	pkt           Packet
	timeBase      Rational
	ticksPerFrame int64
	frameSize     int
	out           PacketWriter
	log           *slog.Logger

	state   streamState
	err     error
	packets int64
}

// OpenCodecStream opens the named codec and allocates the reusable frame.
// Packets are written to out with timestamps in cfg.TimeBase.
func OpenCodecStream(name string, cfg CodecConfig, ticksPerFrame int64, out PacketWriter, log *slog.Logger) (*CodecStream, error) {
	session, info, err := OpenCodec(name, cfg)
	if err != nil {
		if errors.Is(err, ErrCodecNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
		return nil, fmt.Errorf("%w: open %s: %w", ErrBackendInit, name, err)
	}

	s := &CodecStream{
		kind:          info.Kind(),
		info:          info,
		cfg:           cfg,
		session:       session,
		timeBase:      cfg.TimeBase,
		ticksPerFrame: ticksPerFrame,
		out:           out,
		log:           componentLogger(log, "stream").With("codec", name),
		state:         streamOpen,
	}

	if s.kind == KindAudio {
		s.frameSize = session.FrameSize()
		if s.frameSize == 0 {
			s.frameSize = defaultAudioFrameSize
		}
		s.frame = NewAudioFrame(cfg.SampleFormat, cfg.SampleRate, cfg.Channels, s.frameSize)
	} else if !info.HWFrames() {
		s.frame = NewVideoFrame(cfg.Format, cfg.Width, cfg.Height)
	} else {
		s.frame = &RawFrame{Kind: KindVideo, Width: cfg.Width, Height: cfg.Height, Format: cfg.Format, PTS: NoPTS}
	}
	s.pkt.Reset()
	return s, nil
}

// Info returns the codec description.
func (s *CodecStream) Info() CodecInfo { return s.info }

// Kind reports whether the stream carries video or audio.
func (s *CodecStream) Kind() MediaKind { return s.kind }

// TimeBase returns the unit of the stream's timestamps.
func (s *CodecStream) TimeBase() Rational { return s.timeBase }

// FrameSize returns the audio frame size in samples per channel.
func (s *CodecStream) FrameSize() int { return s.frameSize }

// Config returns the codec configuration the stream was opened with.
func (s *CodecStream) Config() CodecConfig { return s.cfg }

// Extradata returns the codec's out-of-band configuration, if any.
func (s *CodecStream) Extradata() []byte {
	if e, ok := s.session.(extradataSession); ok {
		return e.Extradata()
	}
	return nil
}

// Packets returns how many packets have been drained.
func (s *CodecStream) Packets() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets
}

// Err returns the error that failed the stream, if any.
func (s *CodecStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Feed makes the reusable frame writable, lets fill populate it, stamps
// pts and sends it to the codec. A rejected frame is dropped with ErrEncode
// and the stream stays usable.
func (s *CodecStream) Feed(pts int64, forceKeyframe bool, fill func(*RawFrame) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return err
	}
	if err := s.frame.MakeWritable(); err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	if err := fill(s.frame); err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	s.frame.PTS = pts
	s.frame.PictureType = PictureTypeNone
	if forceKeyframe {
		s.frame.PictureType = PictureTypeI
	}
	s.state = streamFeeding

	err := s.session.SendFrame(s.frame)
	if errors.Is(err, ErrAgain) {
		// Output is full; make room and retry once.
		if err := s.drainLocked(); err != nil && errors.Is(err, ErrDrain) {
			return err
		}
		err = s.session.SendFrame(s.frame)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return nil
}

// Drain writes every packet the codec has ready. Target failures are
// returned wrapped in ErrMux without failing the stream; an unexpected codec
// status fails the stream with ErrDrain.
func (s *CodecStream) Drain() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return err
	}
	return s.drainLocked()
}

func (s *CodecStream) drainLocked() error {
	s.state = streamDraining
	var muxErr error
	for {
		s.pkt.Reset()
		s.pkt.Kind = s.kind
		err := s.session.ReceivePacket(&s.pkt)
		if errors.Is(err, ErrAgain) {
			s.state = streamFeeding
			return muxErr
		}
		if errors.Is(err, io.EOF) {
			s.state = streamFlushed
			return muxErr
		}
		if err != nil {
			s.state = streamFailed
			s.err = fmt.Errorf("%w: %s: %w", ErrDrain, s.info.Name, err)
			s.log.Error("drain failed", "error", err)
			return s.err
		}

		s.pkt.Kind = s.kind
		if s.pkt.Duration == 0 && s.kind == KindVideo {
			s.pkt.Duration = s.ticksPerFrame
		}
		s.packets++
		if err := s.out.WritePacket(&s.pkt, s.timeBase); err != nil && muxErr == nil {
			muxErr = err
		}
	}
}

// Flush signals end of input and drains the codec to completion.
func (s *CodecStream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case streamFailed:
		return s.err
	case streamFlushed:
		return nil
	case streamClosed:
		return ErrClosed
	}
	if err := s.session.SendFrame(nil); err != nil && !errors.Is(err, io.EOF) {
		s.state = streamFailed
		s.err = fmt.Errorf("%w: flush %s: %w", ErrDrain, s.info.Name, err)
		return s.err
	}
	for s.state != streamFlushed {
		if err := s.drainLocked(); err != nil && errors.Is(err, ErrDrain) {
			return err
		}
		if s.state == streamFeeding {
			// Codec reported EAGAIN after a flush request; treat as done.
			s.state = streamFlushed
		}
	}
	return nil
}

// Close releases the codec session.
func (s *CodecStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == streamClosed {
		return nil
	}
	s.state = streamClosed
	return s.session.Close()
}

func (s *CodecStream) usable() error {
	switch s.state {
	case streamFailed:
		return s.err
	case streamFlushed, streamClosed:
		return ErrClosed
	}
	return nil
}
