package avenc

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// EncodeOptions is the immutable session configuration captured at init.
type EncodeOptions struct {
	Width     int         `toml:"width"`
	Height    int         `toml:"height"`
	Format    PixelFormat `toml:"format"`
	FrameRate Rational    `toml:"frame_rate"` // Frames per second as num/den

	BitrateKbits    int     `toml:"bitrate_kbits"`
	MaxBitrateKbits int     `toml:"max_bitrate_kbits"`
	VBVSizeKbits    int     `toml:"vbv_size_kbits"`
	GOPSeconds      float64 `toml:"gop_seconds"` // Negative = effectively unbounded

	LowLatency bool `toml:"low_latency"`
	WallClock  bool `toml:"wall_clock"` // Derive PTS from wall-clock hints (realtime streaming)
	HDR10      bool `toml:"hdr10"`

	// Encoder names the backend or codec, e.g. "libx264", "h264_hw", "wavelet".
	Encoder string `toml:"encoder"`

	// LocalBackupPath enables a second, file-backed target. Wall-clock mode only.
	LocalBackupPath string `toml:"local_backup_path"`

	// MuxerFormat names the container for pathless outputs such as RTMP.
	// Only honoured in wall-clock mode.
	MuxerFormat string `toml:"muxer_format"`

	// AudioCodec overrides the automatic audio codec choice.
	AudioCodec string `toml:"audio_codec"`

	Threads int `toml:"threads"`

	// Drift overrides the wall-clock drift-correction constants.
	Drift DriftParams `toml:"drift"`
}

// DefaultOptions returns a 1080p60 NV12 software H.264 configuration.
func DefaultOptions() EncodeOptions {
	return EncodeOptions{
		Width:           1920,
		Height:          1080,
		Format:          PixelFormatNV12,
		FrameRate:       Rational{60, 1},
		BitrateKbits:    8000,
		MaxBitrateKbits: 10000,
		VBVSizeKbits:    8000,
		GOPSeconds:      2,
		Encoder:         "libx264",
		Drift:           DefaultDriftParams(),
	}
}

// FrameDuration returns the duration of one frame as a time base (den/num of
// the frame rate).
func (o *EncodeOptions) FrameDuration() Rational {
	return o.FrameRate.Invert()
}

// GOPFrames converts GOPSeconds to a frame count. Negative means unbounded
// and is reported as -1; zero maps to intra-only.
func (o *EncodeOptions) GOPFrames() int {
	if o.GOPSeconds < 0 {
		return -1
	}
	gop := int(o.GOPSeconds * float64(o.FrameRate.Num) / float64(o.FrameRate.Den))
	if gop == 0 {
		gop = 1
	}
	return gop
}

// Validate checks option combinations that can be rejected before any
// device or codec is touched.
func (o *EncodeOptions) Validate() error {
	if o.Width <= 0 || o.Height <= 0 {
		return fmt.Errorf("%w: invalid dimensions %dx%d", ErrConfig, o.Width, o.Height)
	}
	if o.Format.Planes() == 0 {
		return fmt.Errorf("%w: unsupported pixel format %s", ErrConfig, o.Format)
	}
	if o.Format.Subsampled() && (o.Width%2 != 0 || o.Height%2 != 0) {
		return fmt.Errorf("%w: %s needs even dimensions, got %dx%d", ErrConfig, o.Format, o.Width, o.Height)
	}
	if !o.FrameRate.Valid() {
		return fmt.Errorf("%w: invalid frame rate %s", ErrConfig, o.FrameRate)
	}
	if o.BitrateKbits < 0 || o.MaxBitrateKbits < 0 || o.VBVSizeKbits < 0 {
		return fmt.Errorf("%w: negative bitrate", ErrConfig)
	}
	if o.Encoder == "" {
		return fmt.Errorf("%w: no encoder named", ErrConfig)
	}
	return o.Drift.validate()
}

// ParseOptions decodes TOML on top of DefaultOptions.
func ParseOptions(data []byte) (EncodeOptions, error) {
	opts := DefaultOptions()
	if err := toml.Unmarshal(data, &opts); err != nil {
		return EncodeOptions{}, fmt.Errorf("%w: parse TOML: %v", ErrConfig, err)
	}
	return opts, nil
}

// LoadOptions reads a TOML options file.
func LoadOptions(path string) (EncodeOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EncodeOptions{}, fmt.Errorf("read options: %w", err)
	}
	return ParseOptions(data)
}
