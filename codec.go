package avenc

import (
	"fmt"
	"sort"
	"sync"
)

// CodecID identifies a compressed bitstream format.
type CodecID int

const (
	CodecUnknown CodecID = iota
	CodecH264
	CodecH265
	CodecAV1
	CodecWavelet
	CodecRawVideo
	CodecOpus
	CodecAAC
	CodecFLAC
	CodecPCMS16LE
	CodecPCMF32LE
)

func (c CodecID) String() string {
	switch c {
	case CodecH264:
		return "H264"
	case CodecH265:
		return "H265"
	case CodecAV1:
		return "AV1"
	case CodecWavelet:
		return "Wavelet"
	case CodecRawVideo:
		return "RawVideo"
	case CodecOpus:
		return "Opus"
	case CodecAAC:
		return "AAC"
	case CodecFLAC:
		return "FLAC"
	case CodecPCMS16LE:
		return "PCM_S16LE"
	case CodecPCMF32LE:
		return "PCM_F32LE"
	default:
		return "Unknown"
	}
}

// Kind reports whether the codec carries video or audio.
func (c CodecID) Kind() MediaKind {
	switch c {
	case CodecOpus, CodecAAC, CodecFLAC, CodecPCMS16LE, CodecPCMF32LE:
		return KindAudio
	default:
		return KindVideo
	}
}

// MimeType returns the RTP/WebRTC MIME type, or "" if the codec has none.
func (c CodecID) MimeType() string {
	switch c {
	case CodecH264:
		return "video/H264"
	case CodecH265:
		return "video/H265"
	case CodecAV1:
		return "video/AV1"
	case CodecOpus:
		return "audio/opus"
	case CodecPCMS16LE:
		return "audio/L16"
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c CodecID) ClockRate() uint32 {
	if c.Kind() == KindVideo {
		return 90000
	}
	return 48000
}

// CodecConfig configures a codec session. Timestamps on frames sent to the
// session are in TimeBase and packets come back in the same unit.
type CodecConfig struct {
	TimeBase Rational

	// Video
	Width        int
	Height       int
	Format       PixelFormat
	FrameRate    Rational
	GOP          int // Frames between keyframes; -1 = unbounded
	MaxBFrames   int
	Bitrate      int // bits/s
	MaxBitrate   int // bits/s
	BufferSize   int // VBV, bits
	Threads      int
	ColorProfile ColorProfile
	Device       Device // Codecs consuming device frames encode on this device

	// Audio
	SampleRate   int
	Channels     int
	SampleFormat AudioFormat

	// Options carries encoder-private tuning such as "tune", "intra-refresh",
	// "forced-idr" and "refs". Unknown keys are ignored.
	Options map[string]string
}

// CodecSession is a stateful encoder. SendFrame queues input (nil flushes),
// ReceivePacket returns ErrAgain when more input is needed and io.EOF once
// a flush completed. A session that keeps a frame's planes past SendFrame
// must Retain the frame and Release it when done.
type CodecSession interface {
	SendFrame(frame *RawFrame) error
	ReceivePacket(pkt *Packet) error

	// FrameSize returns the fixed audio frame size in samples per channel,
	// or 0 if the codec accepts any size. Always 0 for video.
	FrameSize() int

	Close() error
}

// extradataSession is implemented by sessions that carry out-of-band
// configuration such as an OpusHead.
type extradataSession interface {
	Extradata() []byte
}

// CodecFactory opens a session for a configuration.
type CodecFactory func(CodecConfig) (CodecSession, error)

// CodecInfo describes a registered codec implementation.
type CodecInfo struct {
	Name          string
	ID            CodecID
	Provider      Provider
	PixelFormats  []PixelFormat // Empty means any
	SampleFormats []AudioFormat // Preferred first
	Factory       CodecFactory
}

// Kind reports whether this is a video or audio codec.
func (i CodecInfo) Kind() MediaKind { return i.ID.Kind() }

// Available reports whether the codec's provider loaded.
func (i CodecInfo) Available() bool { return i.Provider.Available() }

// HWFrames reports whether the codec consumes device-native frames.
func (i CodecInfo) HWFrames() bool { return i.Provider.Features().Has(FeatureHWFrames) }

// SupportsPixelFormat reports whether the codec accepts frames in f.
func (i CodecInfo) SupportsPixelFormat(f PixelFormat) bool {
	if len(i.PixelFormats) == 0 {
		return true
	}
	for _, pf := range i.PixelFormats {
		if pf == f {
			return true
		}
	}
	return false
}

// PreferredSampleFormat returns the first supported sample format.
func (i CodecInfo) PreferredSampleFormat() AudioFormat {
	if len(i.SampleFormats) == 0 {
		return AudioFormatS16
	}
	return i.SampleFormats[0]
}

// --- Registry ---

type codecRegistry struct {
	mu     sync.RWMutex
	codecs map[string]CodecInfo
	// Default implementation per codec id; prefers permissive licenses.
	defaults map[CodecID]string
}

var globalCodecRegistry = &codecRegistry{
	codecs:   make(map[string]CodecInfo),
	defaults: make(map[CodecID]string),
}

// RegisterCodec adds or replaces a codec implementation by name.
func RegisterCodec(info CodecInfo) {
	globalCodecRegistry.mu.Lock()
	defer globalCodecRegistry.mu.Unlock()

	globalCodecRegistry.codecs[info.Name] = info

	currentName, exists := globalCodecRegistry.defaults[info.ID]
	current := globalCodecRegistry.codecs[currentName]
	if !exists || (info.Provider.License().Permissive() && !current.Provider.License().Permissive()) {
		globalCodecRegistry.defaults[info.ID] = info.Name
	}
}

// UnregisterCodec removes a codec by name.
func UnregisterCodec(name string) {
	globalCodecRegistry.mu.Lock()
	defer globalCodecRegistry.mu.Unlock()

	info, ok := globalCodecRegistry.codecs[name]
	if !ok {
		return
	}
	delete(globalCodecRegistry.codecs, name)
	if globalCodecRegistry.defaults[info.ID] == name {
		delete(globalCodecRegistry.defaults, info.ID)
		for n, other := range globalCodecRegistry.codecs {
			if other.ID == info.ID {
				globalCodecRegistry.defaults[info.ID] = n
				break
			}
		}
	}
}

// LookupCodec returns a registered codec by name.
func LookupCodec(name string) (CodecInfo, error) {
	globalCodecRegistry.mu.RLock()
	defer globalCodecRegistry.mu.RUnlock()

	info, ok := globalCodecRegistry.codecs[name]
	if !ok {
		return CodecInfo{}, fmt.Errorf("%w: %q", ErrCodecNotFound, name)
	}
	return info, nil
}

// DefaultCodec returns the preferred available implementation of id.
func DefaultCodec(id CodecID) (CodecInfo, error) {
	globalCodecRegistry.mu.RLock()
	name, ok := globalCodecRegistry.defaults[id]
	info := globalCodecRegistry.codecs[name]
	globalCodecRegistry.mu.RUnlock()

	if ok && info.Available() {
		return info, nil
	}
	for _, c := range Codecs() {
		if c.ID == id && c.Available() {
			return c, nil
		}
	}
	return CodecInfo{}, fmt.Errorf("%w: no implementation of %s", ErrCodecNotFound, id)
}

// Codecs returns every registered codec sorted by name.
func Codecs() []CodecInfo {
	globalCodecRegistry.mu.RLock()
	defer globalCodecRegistry.mu.RUnlock()

	out := make([]CodecInfo, 0, len(globalCodecRegistry.codecs))
	for _, info := range globalCodecRegistry.codecs {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OpenCodec opens a session of the named codec.
func OpenCodec(name string, cfg CodecConfig) (CodecSession, CodecInfo, error) {
	info, err := LookupCodec(name)
	if err != nil {
		return nil, info, err
	}
	if !info.Available() {
		return nil, info, fmt.Errorf("%w: %s provider %s not loaded", ErrCodecNotFound, name, info.Provider)
	}
	session, err := info.Factory(cfg)
	if err != nil {
		return nil, info, err
	}
	return session, info, nil
}
