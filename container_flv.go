package avenc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/yutopp/go-amf0"
)

// FLV tag types
const (
	flvTagAudio  = 8
	flvTagVideo  = 9
	flvTagScript = 18
)

// FLV codec ids. HEVC uses the widely deployed legacy id 12.
const (
	flvVideoAVC  = 7
	flvVideoHEVC = 12

	flvSoundPCMLE = 3
	flvSoundAAC   = 10
	flvSoundEx    = 9 // Enhanced RTMP FourCC audio header
)

// MaxInterleaveDelta bounds how long a container target buffers one stream
// while waiting for another, in milliseconds.
const MaxInterleaveDelta = 10000

// tagSink receives finished FLV tags.
type tagSink interface {
	writeFileHeader(hasVideo, hasAudio bool) error
	writeTag(tagType uint8, timestamp uint32, payload []byte) error
	close() error
}

// fileTagSink writes a complete FLV byte stream.
type fileTagSink struct {
	w   *bufio.Writer
	c   io.Closer
	hdr [11]byte
}

func (s *fileTagSink) writeFileHeader(hasVideo, hasAudio bool) error {
	var flags byte
	if hasAudio {
		flags |= 0x04
	}
	if hasVideo {
		flags |= 0x01
	}
	_, err := s.w.Write([]byte{'F', 'L', 'V', 1, flags, 0, 0, 0, 9, 0, 0, 0, 0})
	return err
}

func (s *fileTagSink) writeTag(tagType uint8, timestamp uint32, payload []byte) error {
	n := len(payload)
	h := s.hdr[:]
	h[0] = tagType
	h[1], h[2], h[3] = byte(n>>16), byte(n>>8), byte(n)
	h[4], h[5], h[6] = byte(timestamp>>16), byte(timestamp>>8), byte(timestamp)
	h[7] = byte(timestamp >> 24)
	h[8], h[9], h[10] = 0, 0, 0

	if _, err := s.w.Write(h); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	var prev [4]byte
	binary.BigEndian.PutUint32(prev[:], uint32(len(h)+n))
	_, err := s.w.Write(prev[:])
	return err
}

func (s *fileTagSink) close() error {
	err := s.w.Flush()
	if s.c != nil {
		err = errors.Join(err, s.c.Close())
	}
	return err
}

type flvStream struct {
	kind      MediaKind
	params    StreamParams
	seqHeader bool
}

// FLVTarget muxes video and audio into FLV tags. Timestamps are in
// milliseconds; packets are interleaved by DTS before they are written.
type FLVTarget struct {
	name    string
	sink    tagSink
	streams []*flvStream
	q       *interleaver

	headerWritten bool
	trailer       bool
	lastDTS       int64
	metadata      bool
}

// NewFLVFileTarget creates path and writes an FLV file to it.
func NewFLVFileTarget(name, path string) (*FLVTarget, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrMux, path, err)
	}
	return NewFLVTarget(name, f), nil
}

// NewFLVTarget writes an FLV byte stream to w. w is closed by Close.
func NewFLVTarget(name string, w io.WriteCloser) *FLVTarget {
	return &FLVTarget{
		name:     name,
		sink:     &fileTagSink{w: bufio.NewWriterSize(w, 64*1024), c: w},
		q:        newInterleaver(0, MaxInterleaveDelta),
		metadata: true,
	}
}

func newFLVTagTarget(name string, sink tagSink) *FLVTarget {
	return &FLVTarget{name: name, sink: sink, q: newInterleaver(0, MaxInterleaveDelta)}
}

func (t *FLVTarget) Name() string { return t.name }

// Finalized reports whether the trailer has been written.
func (t *FLVTarget) Finalized() bool { return t.trailer }

func (t *FLVTarget) AddStream(kind MediaKind, params StreamParams) (int, Rational, error) {
	if t.headerWritten {
		return 0, Rational{}, errors.New("stream added after header")
	}
	switch params.Codec {
	case CodecH264, CodecH265:
		if kind != KindVideo {
			return 0, Rational{}, fmt.Errorf("%s is not an audio codec", params.Codec)
		}
	case CodecPCMS16LE, CodecAAC, CodecOpus, CodecFLAC:
		if kind != KindAudio {
			return 0, Rational{}, fmt.Errorf("%s is not a video codec", params.Codec)
		}
	default:
		return 0, Rational{}, fmt.Errorf("flv cannot carry %s", params.Codec)
	}
	for _, s := range t.streams {
		if s.kind == kind {
			return 0, Rational{}, fmt.Errorf("flv carries one %s stream", kind)
		}
	}
	t.streams = append(t.streams, &flvStream{kind: kind, params: params})
	return t.q.addStream(), MillisecondTimeBase, nil
}

func (t *FLVTarget) WriteHeader() error {
	var hasVideo, hasAudio bool
	for _, s := range t.streams {
		hasVideo = hasVideo || s.kind == KindVideo
		hasAudio = hasAudio || s.kind == KindAudio
	}
	if err := t.sink.writeFileHeader(hasVideo, hasAudio); err != nil {
		return err
	}
	if t.metadata {
		payload, err := t.onMetaData()
		if err != nil {
			return err
		}
		if err := t.sink.writeTag(flvTagScript, 0, payload); err != nil {
			return err
		}
	}
	t.headerWritten = true
	for _, s := range t.streams {
		if len(s.params.Extradata) > 0 {
			if err := t.writeSequenceHeader(s, s.params.Extradata, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *FLVTarget) onMetaData() ([]byte, error) {
	meta := map[string]interface{}{}
	for _, s := range t.streams {
		p := s.params
		if s.kind == KindVideo {
			meta["width"] = float64(p.Width)
			meta["height"] = float64(p.Height)
			if p.FrameRate.Valid() {
				meta["framerate"] = p.FrameRate.Float()
			}
			meta["videocodecid"] = float64(flvVideoCodec(p.Codec))
		} else {
			meta["audiosamplerate"] = float64(p.SampleRate)
			meta["stereo"] = p.Channels > 1
			meta["audiocodecid"] = float64(flvSoundFormat(p.Codec))
		}
	}

	var buf bytes.Buffer
	enc := amf0.NewEncoder(&buf)
	if err := enc.Encode("onMetaData"); err != nil {
		return nil, err
	}
	if err := enc.Encode(meta); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func flvVideoCodec(c CodecID) byte {
	if c == CodecH265 {
		return flvVideoHEVC
	}
	return flvVideoAVC
}

func flvSoundFormat(c CodecID) byte {
	switch c {
	case CodecAAC:
		return flvSoundAAC
	case CodecPCMS16LE:
		return flvSoundPCMLE
	default:
		return flvSoundEx
	}
}

// WritePacket buffers pkt and writes every packet the interleaver releases.
func (t *FLVTarget) WritePacket(pkt *Packet) error {
	if t.trailer {
		return ErrClosed
	}
	if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(t.streams) {
		return fmt.Errorf("unknown stream %d", pkt.StreamIndex)
	}
	for _, p := range t.q.push(pkt) {
		if err := t.writeMedia(p); err != nil {
			return err
		}
	}
	return nil
}

func (t *FLVTarget) writeMedia(p *Packet) error {
	s := t.streams[p.StreamIndex]
	dts := p.DTS
	if dts == NoPTS {
		dts = p.PTS
	}
	if dts < 0 {
		dts = 0
	}
	if dts < t.lastDTS {
		dts = t.lastDTS
	}
	t.lastDTS = dts
	ts := uint32(dts)

	if s.kind == KindVideo {
		if !s.seqHeader {
			var cfg []byte
			if s.params.Codec == CodecH265 {
				cfg = hevcDecoderConfig(p.Data)
			} else {
				cfg = avcDecoderConfig(p.Data)
			}
			if cfg == nil {
				// Decoders cannot start before the first parameter sets.
				return nil
			}
			if err := t.writeSequenceHeader(s, cfg, ts); err != nil {
				return err
			}
		}
		return t.sink.writeTag(flvTagVideo, ts, flvVideoPayload(s.params.Codec, p, dts))
	}

	if !s.seqHeader && s.params.Codec != CodecPCMS16LE && len(s.params.Extradata) == 0 {
		// Codecs without in-band configuration still announce themselves.
		if err := t.writeSequenceHeader(s, nil, ts); err != nil {
			return err
		}
	}
	return t.sink.writeTag(flvTagAudio, ts, flvAudioPayload(s.params, 1, p.Data))
}

func (t *FLVTarget) writeSequenceHeader(s *flvStream, cfg []byte, ts uint32) error {
	s.seqHeader = true
	if s.kind == KindVideo {
		payload := append([]byte{1<<4 | flvVideoCodec(s.params.Codec), 0, 0, 0, 0}, cfg...)
		return t.sink.writeTag(flvTagVideo, ts, payload)
	}
	if s.params.Codec == CodecPCMS16LE {
		return nil
	}
	return t.sink.writeTag(flvTagAudio, ts, flvAudioPayload(s.params, 0, cfg))
}

func flvVideoPayload(codec CodecID, p *Packet, dts int64) []byte {
	frameType := byte(2)
	if p.IsKeyframe() {
		frameType = 1
	}
	cts := int32(0)
	if p.PTS != NoPTS {
		cts = int32(p.PTS - dts)
	}
	data := annexBToAVCC(codec, p.Data)
	out := make([]byte, 5, 5+len(data))
	out[0] = frameType<<4 | flvVideoCodec(codec)
	out[1] = 1
	out[2], out[3], out[4] = byte(cts>>16), byte(cts>>8), byte(cts)
	return append(out, data...)
}

// flvAudioPayload builds an audio tag body. packetType is 0 for a sequence
// header and 1 for coded frames.
func flvAudioPayload(p StreamParams, packetType byte, data []byte) []byte {
	var out []byte
	switch p.Codec {
	case CodecPCMS16LE:
		// Rate index 3 (44 kHz) is the closest FLV offers; players use metadata.
		flags := byte(flvSoundPCMLE<<4 | 3<<2 | 1<<1)
		if p.Channels > 1 {
			flags |= 1
		}
		out = append(out, flags)
	case CodecAAC:
		out = append(out, flvSoundAAC<<4|3<<2|1<<1|1, packetType)
	default:
		fourcc := "Opus"
		if p.Codec == CodecFLAC {
			fourcc = "fLaC"
		}
		out = append(out, flvSoundEx<<4|packetType)
		out = append(out, fourcc...)
	}
	return append(out, data...)
}

// WriteTrailer flushes buffered packets and ends the video sequence.
func (t *FLVTarget) WriteTrailer() error {
	if t.trailer {
		return nil
	}
	t.trailer = true
	for _, p := range t.q.flush() {
		if err := t.writeMedia(p); err != nil {
			return err
		}
	}
	for _, s := range t.streams {
		if s.kind == KindVideo && s.seqHeader {
			payload := []byte{1<<4 | flvVideoCodec(s.params.Codec), 2, 0, 0, 0}
			if err := t.sink.writeTag(flvTagVideo, uint32(t.lastDTS), payload); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *FLVTarget) Close() error {
	return t.sink.close()
}
