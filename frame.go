// Core frame, packet and format types used across the encode pipeline.
package avenc

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// PixelFormat is the encoder-side pixel layout produced by color conversion.
type PixelFormat int

const (
	PixelFormatUnknown   PixelFormat = iota
	PixelFormatNV12                  // 8-bit 4:2:0, Y + interleaved CbCr
	PixelFormatP010                  // 10-bit in 16-bit words, 4:2:0, Y + interleaved CbCr
	PixelFormatP016                  // 16-bit 4:2:0, Y + interleaved CbCr
	PixelFormatYUV420P               // 8-bit 4:2:0 planar
	PixelFormatYUV420P16             // 16-bit 4:2:0 planar
	PixelFormatYUV444P               // 8-bit 4:4:4 planar
	PixelFormatYUV444P16             // 16-bit 4:4:4 planar
)

var pixelFormatNames = map[PixelFormat]string{
	PixelFormatNV12:      "nv12",
	PixelFormatP010:      "p010",
	PixelFormatP016:      "p016",
	PixelFormatYUV420P:   "yuv420p",
	PixelFormatYUV420P16: "yuv420p16",
	PixelFormatYUV444P:   "yuv444p",
	PixelFormatYUV444P16: "yuv444p16",
}

func (p PixelFormat) String() string {
	if name, ok := pixelFormatNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePixelFormat parses a lowercase format name such as "nv12".
func ParsePixelFormat(s string) (PixelFormat, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, name := range pixelFormatNames {
		if name == s {
			return f, nil
		}
	}
	return PixelFormatUnknown, fmt.Errorf("%w: unknown pixel format %q", ErrConfig, s)
}

// MarshalText implements encoding.TextMarshaler.
func (p PixelFormat) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PixelFormat) UnmarshalText(b []byte) error {
	f, err := ParsePixelFormat(string(b))
	if err != nil {
		return err
	}
	*p = f
	return nil
}

// Planes returns the number of planes for this pixel format.
func (p PixelFormat) Planes() int {
	switch p {
	case PixelFormatNV12, PixelFormatP010, PixelFormatP016:
		return 2 // Y, CbCr
	case PixelFormatYUV420P, PixelFormatYUV420P16, PixelFormatYUV444P, PixelFormatYUV444P16:
		return 3 // Y, Cb, Cr
	default:
		return 0
	}
}

// Subsampled reports whether chroma planes are half resolution in both axes.
func (p PixelFormat) Subsampled() bool {
	switch p {
	case PixelFormatYUV444P, PixelFormatYUV444P16:
		return false
	default:
		return true
	}
}

// BytesPerComponent returns 1 for 8-bit formats and 2 otherwise.
func (p PixelFormat) BytesPerComponent() int {
	switch p {
	case PixelFormatNV12, PixelFormatYUV420P, PixelFormatYUV444P:
		return 1
	default:
		return 2
	}
}

// ChromaSize returns the dimensions of one chroma plane in pixels.
// For 2-plane formats each pixel holds two interleaved components.
func (p PixelFormat) ChromaSize(width, height int) (int, int) {
	if p.Subsampled() {
		return width >> 1, height >> 1
	}
	return width, height
}

// AudioFormat is a codec input sample layout.
type AudioFormat int

const (
	AudioFormatS16  AudioFormat = iota // Signed 16-bit, interleaved
	AudioFormatF32                     // 32-bit float, interleaved
	AudioFormatF32P                    // 32-bit float, one plane per channel
)

func (a AudioFormat) String() string {
	switch a {
	case AudioFormatS16:
		return "s16"
	case AudioFormatF32:
		return "flt"
	case AudioFormatF32P:
		return "fltp"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the number of bytes per sample for this format.
func (a AudioFormat) BytesPerSample() int {
	switch a {
	case AudioFormatS16:
		return 2
	case AudioFormatF32, AudioFormatF32P:
		return 4
	default:
		return 0
	}
}

// Planar reports whether each channel lives in its own plane.
func (a AudioFormat) Planar() bool { return a == AudioFormatF32P }

// MediaKind identifies the stream a packet belongs to.
type MediaKind int

const (
	KindVideo MediaKind = iota
	KindAudio
)

func (k MediaKind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

// PictureType hints the codec how to encode a frame.
type PictureType int

const (
	PictureTypeNone PictureType = iota // Codec decides
	PictureTypeI                       // Force an intra (IDR) frame
)

// RawFrame is the reusable codec input frame owned by a CodecStream.
// Codec sessions that keep a reference to its planes past SendFrame call
// Retain and later Release; MakeWritable then reallocates the planes so the
// caller never overwrites data the codec still reads.
type RawFrame struct {
	Kind MediaKind

	// Video
	Data     [][]byte
	Linesize []int
	Width    int
	Height   int
	Format   PixelFormat
	HW       *HWFrame // Device-native frame; Data is empty when set

	// Audio
	SampleFormat AudioFormat
	SampleRate   int
	Channels     int
	Samples      int // Samples per channel

	PTS         int64
	PictureType PictureType

	refs     atomic.Int32
	borrowed bool
}

// NewVideoFrame allocates a frame with tightly packed planes.
func NewVideoFrame(format PixelFormat, width, height int) *RawFrame {
	f := &RawFrame{Kind: KindVideo, Width: width, Height: height, Format: format, PTS: NoPTS}
	bpc := format.BytesPerComponent()
	cw, ch := format.ChromaSize(width, height)
	f.Linesize = append(f.Linesize, width*bpc)
	f.Data = append(f.Data, make([]byte, width*bpc*height))
	switch format.Planes() {
	case 2:
		f.Linesize = append(f.Linesize, cw*2*bpc)
		f.Data = append(f.Data, make([]byte, cw*2*bpc*ch))
	case 3:
		for i := 0; i < 2; i++ {
			f.Linesize = append(f.Linesize, cw*bpc)
			f.Data = append(f.Data, make([]byte, cw*bpc*ch))
		}
	}
	return f
}

// NewAudioFrame allocates a frame holding samples per channel.
func NewAudioFrame(format AudioFormat, rate, channels, samples int) *RawFrame {
	f := &RawFrame{
		Kind:         KindAudio,
		SampleFormat: format,
		SampleRate:   rate,
		Channels:     channels,
		Samples:      samples,
		PTS:          NoPTS,
	}
	if format.Planar() {
		for c := 0; c < channels; c++ {
			f.Data = append(f.Data, make([]byte, samples*format.BytesPerSample()))
		}
	} else {
		f.Data = [][]byte{make([]byte, samples*channels*format.BytesPerSample())}
	}
	return f
}

// WrapVideoFrame wraps caller-owned planes. The frame can never be made
// writable again once retained.
func WrapVideoFrame(format PixelFormat, width, height int, data [][]byte, linesize []int) *RawFrame {
	return &RawFrame{
		Kind: KindVideo, Width: width, Height: height, Format: format,
		Data: data, Linesize: linesize, PTS: NoPTS, borrowed: true,
	}
}

// Retain marks the planes as referenced by a codec session.
func (f *RawFrame) Retain() { f.refs.Add(1) }

// Release drops a reference taken by Retain.
func (f *RawFrame) Release() { f.refs.Add(-1) }

// Writable reports whether nothing else references the planes.
func (f *RawFrame) Writable() bool { return f.refs.Load() == 0 }

// MakeWritable ensures the planes can be overwritten, reallocating them if
// a codec session still holds the old ones.
func (f *RawFrame) MakeWritable() error {
	if f.Writable() {
		return nil
	}
	if f.borrowed {
		return ErrNotWritable
	}
	for i, plane := range f.Data {
		f.Data[i] = make([]byte, len(plane))
	}
	f.refs.Store(0)
	return nil
}

// FrameType indicates whether a packet is a keyframe or delta frame.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeKey               // IDR, decodable on its own
	FrameTypeDelta             // Requires previous frames
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeKey:
		return "Key"
	case FrameTypeDelta:
		return "Delta"
	default:
		return "Unknown"
	}
}

// Packet is one compressed access unit. Timestamps are in the time base of
// whoever currently holds it (codec, then target).
type Packet struct {
	Data        []byte
	PTS         int64
	DTS         int64
	Duration    int64
	FrameType   FrameType
	Kind        MediaKind
	StreamIndex int
}

// IsKeyframe returns true if this is a keyframe.
func (p *Packet) IsKeyframe() bool { return p.FrameType == FrameTypeKey }

// Reset clears the packet for reuse, keeping the data capacity.
func (p *Packet) Reset() {
	p.Data = p.Data[:0]
	p.PTS, p.DTS, p.Duration = NoPTS, NoPTS, 0
	p.FrameType = FrameTypeUnknown
	p.StreamIndex = 0
}

// Clone creates a deep copy of the packet.
func (p *Packet) Clone() *Packet {
	clone := *p
	if p.Data != nil {
		clone.Data = make([]byte, len(p.Data))
		copy(clone.Data, p.Data)
	}
	return &clone
}

// PlaneLayout describes one plane inside a host readback buffer.
type PlaneLayout struct {
	Offset    int // Byte offset of the first row
	Stride    int // Bytes between rows
	RowLength int // Row length in pixels, including alignment padding
}

// FrameSubmission is the per-call input to a video backend. It is never
// retained past Feed.
type FrameSubmission struct {
	Buffer        []byte        // Host readback buffer, or nil
	Planes        []PlaneLayout // Layout of Buffer
	HWFrame       *HWFrame      // Device-native frame, or nil
	Images        []Image       // GPU-resident planes for encoders that sample them
	Ready         SemaphoreOp   // Signaled when Images are written; zero if unused
	PTS           int64         // Wall-clock hint in microseconds
	ForceKeyframe bool
}
