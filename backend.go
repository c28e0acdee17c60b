package avenc

import (
	"context"
	"fmt"
	"log/slog"
	"math"
)

// BackendKind is one tier of the video backend hierarchy.
type BackendKind int

const (
	// BackendBitstream drives a direct device encoder.
	BackendBitstream BackendKind = iota
	// BackendWavelet drives the device wavelet encoder.
	BackendWavelet
	// BackendCodecHWFrames feeds device-native frames to a codec session.
	BackendCodecHWFrames
	// BackendCodecReadback feeds host readback buffers to a codec session.
	BackendCodecReadback
)

func (k BackendKind) String() string {
	switch k {
	case BackendBitstream:
		return "bitstream"
	case BackendWavelet:
		return "wavelet"
	case BackendCodecHWFrames:
		return "codec-hwframes"
	case BackendCodecReadback:
		return "codec-readback"
	default:
		return "unknown"
	}
}

// PipelineMode returns the conversion output the backend consumes.
func (k BackendKind) PipelineMode() PipelineMode {
	switch k {
	case BackendBitstream:
		return PipelineBitstream
	case BackendWavelet:
		return PipelineWavelet
	case BackendCodecHWFrames:
		return PipelineHWFrame
	default:
		return PipelineReadback
	}
}

// Encoder names selecting the device tiers.
const (
	EncoderH264HW  = "h264_hw"
	EncoderH265HW  = "h265_hw"
	EncoderWavelet = "wavelet"
)

// BackendChoice is the outcome of backend selection.
type BackendChoice struct {
	Kind    BackendKind
	Codec   CodecID
	Name    string           // Codec registry name for codec tiers
	Profile BitstreamProfile // Bitstream tier only

	// Fallback is set when a higher tier was requested but not usable.
	Fallback bool
}

func (c BackendChoice) String() string {
	if c.Kind == BackendBitstream {
		return fmt.Sprintf("%s(%s)", c.Kind, c.Profile)
	}
	if c.Name != "" {
		return fmt.Sprintf("%s(%s)", c.Kind, c.Name)
	}
	return c.Kind.String()
}

// SelectBackend picks the highest tier that the options allow and the
// device supports. Unsupported device tiers fall back one tier at a time;
// the error wraps ErrBackendInit only when no tier remains, or ErrConfig
// when the options themselves are inconsistent.
func SelectBackend(opts *EncodeOptions, caps DeviceCaps, hasCallback bool) (BackendChoice, error) {
	c, err := requestedBackend(opts)
	if err != nil {
		return c, err
	}
	if c.Kind == BackendBitstream && (!opts.WallClock || !hasCallback || opts.LocalBackupPath != "") {
		// The direct encoder only serves live callback streams.
		next, ok := c.Next(caps)
		if !ok {
			return c, fmt.Errorf("%w: %s serves live callbacks only and no fallback", ErrBackendInit, c)
		}
		c = next
	}
	for {
		if err := c.supported(caps); err == nil {
			return c, nil
		}
		next, ok := c.Next(caps)
		if !ok {
			return c, fmt.Errorf("%w: %s unsupported and no fallback", ErrBackendInit, c)
		}
		c = next
	}
}

func requestedBackend(opts *EncodeOptions) (BackendChoice, error) {
	switch opts.Encoder {
	case EncoderH264HW, EncoderH265HW:
		codec := CodecH264
		if opts.Encoder == EncoderH265HW {
			codec = CodecH265
		}
		profile, err := bitstreamProfile(opts.Format, codec)
		if err != nil {
			return BackendChoice{}, err
		}
		return BackendChoice{Kind: BackendBitstream, Codec: codec, Profile: profile}, nil

	case EncoderWavelet:
		if opts.Format.Planes() != 3 {
			return BackendChoice{}, fmt.Errorf("%w: wavelet needs a 3-plane format, got %s", ErrConfig, opts.Format)
		}
		return BackendChoice{Kind: BackendWavelet, Codec: CodecWavelet}, nil
	}

	info, err := LookupCodec(opts.Encoder)
	if err != nil {
		return BackendChoice{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if info.Kind() != KindVideo {
		return BackendChoice{}, fmt.Errorf("%w: %s is not a video codec", ErrConfig, info.Name)
	}
	if !info.SupportsPixelFormat(opts.Format) {
		return BackendChoice{}, fmt.Errorf("%w: %s does not accept %s", ErrConfig, info.Name, opts.Format)
	}
	kind := BackendCodecReadback
	if info.HWFrames() {
		kind = BackendCodecHWFrames
	}
	return BackendChoice{Kind: kind, Codec: info.ID, Name: info.Name}, nil
}

// bitstreamProfile maps a pixel format and codec to the device profile.
func bitstreamProfile(format PixelFormat, codec CodecID) (BitstreamProfile, error) {
	switch {
	case format == PixelFormatNV12 && codec == CodecH264:
		return ProfileH264High, nil
	case format == PixelFormatNV12 && codec == CodecH265:
		return ProfileH265Main, nil
	case (format == PixelFormatP010 || format == PixelFormatP016) && codec == CodecH265:
		return ProfileH265Main10, nil
	default:
		return 0, fmt.Errorf("%w: no device %s profile for %s", ErrConfig, codec, format)
	}
}

func (c BackendChoice) supported(caps DeviceCaps) error {
	ok := true
	switch c.Kind {
	case BackendBitstream:
		switch c.Profile {
		case ProfileH264High:
			ok = caps.BitstreamH264
		case ProfileH265Main:
			ok = caps.BitstreamH265
		case ProfileH265Main10:
			ok = caps.BitstreamH265Main10
		}
	case BackendWavelet:
		ok = caps.Wavelet
	case BackendCodecHWFrames:
		ok = caps.EncodeQueue
	case BackendCodecReadback:
		info, err := LookupCodec(c.Name)
		ok = err == nil && info.Available()
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBackendInit, c)
	}
	return nil
}

// Next returns the tier below c, if any.
func (c BackendChoice) Next(caps DeviceCaps) (BackendChoice, bool) {
	switch c.Kind {
	case BackendBitstream:
		if info, ok := deviceCodec(c.Codec); ok && caps.EncodeQueue {
			return BackendChoice{Kind: BackendCodecHWFrames, Codec: c.Codec, Name: info.Name, Fallback: true}, true
		}
		next, err := softwareChoice(c.Codec, true)
		return next, err == nil
	case BackendCodecHWFrames:
		next, err := softwareChoice(c.Codec, true)
		return next, err == nil
	default:
		return BackendChoice{}, false
	}
}

// softwareChoice picks an available host codec for id, preferring
// permissive licenses.
func softwareChoice(id CodecID, fallback bool) (BackendChoice, error) {
	var best *CodecInfo
	for _, info := range Codecs() {
		if info.ID != id || info.HWFrames() || !info.Available() {
			continue
		}
		if best == nil || (info.Provider.License().Permissive() && !best.Provider.License().Permissive()) {
			i := info
			best = &i
		}
	}
	if best == nil {
		return BackendChoice{}, fmt.Errorf("%w: no host %s encoder", ErrBackendInit, id)
	}
	return BackendChoice{Kind: BackendCodecReadback, Codec: id, Name: best.Name, Fallback: fallback}, nil
}

func deviceCodec(id CodecID) (CodecInfo, bool) {
	for _, info := range Codecs() {
		if info.ID == id && info.HWFrames() {
			return info, true
		}
	}
	return CodecInfo{}, false
}

// Backend is the strategy a session uses to turn converted frames into
// packets. Feed and Drain run on the submission goroutine.
type Backend interface {
	Choice() BackendChoice
	// Feed encodes one converted frame. pts is in the video time base.
	Feed(ctx context.Context, sub FrameSubmission, pts int64, forceKeyframe bool) error
	Drain() error
	Flush(ctx context.Context) error
	Close() error
	// Parameters returns out-of-band codec configuration, if known.
	Parameters() []byte
}

// backendConfig carries what every backend constructor needs.
type backendConfig struct {
	choice   BackendChoice
	dev      Device
	opts     *EncodeOptions
	timeBase Rational
	ticks    int64
	color    ColorProfile
	out      PacketWriter
	log      *slog.Logger
}

// newBackend initializes the backend for a choice. Device failures wrap
// ErrBackendInit so the caller can fall back a tier.
func newBackend(cfg backendConfig) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.choice.Kind {
	case BackendBitstream:
		b, err = newBitstreamBackend(cfg)
	case BackendWavelet:
		b, err = newWaveletBackend(cfg)
	default:
		b, err = newCodecBackend(cfg)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// hwGOP maps GOP frames to the device encoder's representation.
func hwGOP(opts *EncodeOptions) uint32 {
	gop := opts.GOPFrames()
	if gop < 0 {
		return math.MaxUint32
	}
	return uint32(gop)
}

// codecGOP maps GOP frames for codec sessions; unbounded becomes 120.
func codecGOP(opts *EncodeOptions) int {
	gop := opts.GOPFrames()
	if gop < 0 {
		return 120
	}
	return gop
}
