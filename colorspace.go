package avenc

import (
	"fmt"
	"math"
)

// ColorSpace describes how the pixels of a source image are encoded.
type ColorSpace int

const (
	ColorSpaceSRGB   ColorSpace = iota // BT.709 primaries, sRGB transfer
	ColorSpaceLinear                   // BT.709 primaries, linear light, 1.0 = SDR white
	ColorSpaceHDR10                    // BT.2020 primaries, PQ transfer
)

func (c ColorSpace) String() string {
	switch c {
	case ColorSpaceSRGB:
		return "srgb"
	case ColorSpaceLinear:
		return "linear"
	case ColorSpaceHDR10:
		return "hdr10"
	default:
		return "unknown"
	}
}

// ParseColorSpace parses the String form.
func ParseColorSpace(s string) (ColorSpace, error) {
	for c := ColorSpaceSRGB; c <= ColorSpaceHDR10; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown color space %q", ErrConfig, s)
}

// Primaries names the output primaries and transfer pair.
type Primaries int

const (
	PrimariesBT709   Primaries = iota // BT.709 primaries, sRGB transfer
	PrimariesBT2020PQ                 // BT.2020 primaries, PQ transfer
)

// ChromaSiting is the horizontal position of subsampled chroma samples.
type ChromaSiting int

const (
	ChromaLeft ChromaSiting = iota
	ChromaCenter
)

// ColorProfile is the color tag reported to sinks with the codec parameters.
type ColorProfile struct {
	Primaries  Primaries
	FullRange  bool
	Siting     ChromaSiting
	Subsampled bool // 4:2:0 when true, 4:4:4 otherwise
}

func (p ColorProfile) String() string {
	s := "BT709"
	if p.Primaries == PrimariesBT2020PQ {
		s = "BT2020_PQ"
	}
	if p.FullRange {
		s += "_FULL"
	} else {
		s += "_LIMITED"
	}
	if p.Siting == ChromaCenter {
		s += "_CENTER"
	} else {
		s += "_LEFT"
	}
	if p.Subsampled {
		return s + "_420"
	}
	return s + "_444"
}

// ColorProfileFor derives the output color profile of a stream. 4:4:4 and
// wavelet streams use full range with centered chroma; other subsampled
// streams use limited range with left-sited chroma.
func ColorProfileFor(opts *EncodeOptions, wavelet bool) ColorProfile {
	p := ColorProfile{Primaries: PrimariesBT709}
	if opts.HDR10 {
		p.Primaries = PrimariesBT2020PQ
	}
	switch {
	case !opts.Format.Subsampled():
		p.FullRange, p.Siting = true, ChromaCenter
	case wavelet:
		p.FullRange, p.Siting, p.Subsampled = true, ChromaCenter, true
	default:
		p.Siting, p.Subsampled = ChromaLeft, true
	}
	return p
}

// CodecParameters is handed once to a StreamCallback before any packet so
// the receiver can configure its decoders.
type CodecParameters struct {
	VideoCodec    CodecID
	AudioCodec    CodecID // CodecUnknown when there is no audio
	Color         ColorProfile
	Width         int
	Height        int
	FrameRate     Rational
	VideoTimeBase Rational
	SampleRate    int
	Channels      int
	AudioTimeBase Rational
	Extradata     []byte // Parameter sets, when the encoder exposes them up front
}

// sdrWhiteNits anchors SDR content inside a PQ signal.
const sdrWhiteNits = 203.0

func srgbToLinear(v float64) float64 {
	if v <= 0.04045 {
		return v / 12.92
	}
	return math.Pow((v+0.055)/1.055, 2.4)
}

func linearToSRGB(v float64) float64 {
	if v <= 0.0031308 {
		return v * 12.92
	}
	return 1.055*math.Pow(v, 1/2.4) - 0.055
}

// SMPTE ST 2084 constants.
const (
	pqM1 = 2610.0 / 16384
	pqM2 = 2523.0 / 4096 * 128
	pqC1 = 3424.0 / 4096
	pqC2 = 2413.0 / 4096 * 32
	pqC3 = 2392.0 / 4096 * 32
)

// pqEncode maps absolute luminance in nits to a PQ signal in [0,1].
func pqEncode(nits float64) float64 {
	y := math.Max(nits, 0) / 10000
	p := math.Pow(y, pqM1)
	return math.Pow((pqC1+pqC2*p)/(1+pqC3*p), pqM2)
}

// pqDecode maps a PQ signal in [0,1] to nits.
func pqDecode(v float64) float64 {
	p := math.Pow(math.Max(v, 0), 1/pqM2)
	return 10000 * math.Pow(math.Max(p-pqC1, 0)/(pqC2-pqC3*p), 1/pqM1)
}

// BT.709 to BT.2020 primaries, linear light.
var bt709To2020 = [3][3]float64{
	{0.6274, 0.3293, 0.0433},
	{0.0691, 0.9195, 0.0114},
	{0.0164, 0.0880, 0.8956},
}

var bt2020To709 = [3][3]float64{
	{1.6605, -0.5876, -0.0728},
	{-0.1246, 1.1329, -0.0083},
	{-0.0182, -0.1006, 1.1187},
}

func mul3(m *[3][3]float64, r, g, b float64) (float64, float64, float64) {
	return m[0][0]*r + m[0][1]*g + m[0][2]*b,
		m[1][0]*r + m[1][1]*g + m[1][2]*b,
		m[2][0]*r + m[2][1]*g + m[2][2]*b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// yuvEncoder converts source pixels to normalized Y'CbCr for one color
// profile and quantizes them to the target bit depth.
type yuvEncoder struct {
	in      ColorSpace
	profile ColorProfile
	kr, kb  float64
	bits    int
}

func newYUVEncoder(in ColorSpace, profile ColorProfile, format PixelFormat) yuvEncoder {
	e := yuvEncoder{in: in, profile: profile, kr: 0.2126, kb: 0.0722, bits: 8}
	if profile.Primaries == PrimariesBT2020PQ {
		e.kr, e.kb = 0.2627, 0.0593
	}
	switch format {
	case PixelFormatP010:
		e.bits = 10
	case PixelFormatP016, PixelFormatYUV420P16, PixelFormatYUV444P16:
		e.bits = 16
	}
	return e
}

// rgb converts one source pixel to non-linear R'G'B' in the output space.
func (e *yuvEncoder) rgb(r, g, b float64) (float64, float64, float64) {
	if e.profile.Primaries == PrimariesBT2020PQ {
		switch e.in {
		case ColorSpaceHDR10:
			return clamp01(r), clamp01(g), clamp01(b)
		case ColorSpaceSRGB:
			r, g, b = srgbToLinear(clamp01(r)), srgbToLinear(clamp01(g)), srgbToLinear(clamp01(b))
		}
		r, g, b = mul3(&bt709To2020, r, g, b)
		return pqEncode(r * sdrWhiteNits), pqEncode(g * sdrWhiteNits), pqEncode(b * sdrWhiteNits)
	}

	switch e.in {
	case ColorSpaceSRGB:
		return clamp01(r), clamp01(g), clamp01(b)
	case ColorSpaceHDR10:
		r, g, b = pqDecode(r)/sdrWhiteNits, pqDecode(g)/sdrWhiteNits, pqDecode(b)/sdrWhiteNits
		r, g, b = mul3(&bt2020To709, r, g, b)
	}
	return linearToSRGB(clamp01(r)), linearToSRGB(clamp01(g)), linearToSRGB(clamp01(b))
}

// ycbcr returns Y in [0,1] and Cb/Cr in [-0.5,0.5].
func (e *yuvEncoder) ycbcr(r, g, b float64) (y, cb, cr float64) {
	r, g, b = e.rgb(r, g, b)
	y = e.kr*r + (1-e.kr-e.kb)*g + e.kb*b
	cb = (b - y) / (2 * (1 - e.kb))
	cr = (r - y) / (2 * (1 - e.kr))
	return
}

func (e *yuvEncoder) quantizeLuma(y float64) uint16 {
	return e.quantize(y, 16, 219)
}

func (e *yuvEncoder) quantizeChroma(c float64) uint16 {
	if e.profile.FullRange {
		return e.quantize(c+0.5, 0, 0)
	}
	return e.quantize(c, 128, 224)
}

// quantize scales v into the code range. Limited range uses the 8-bit
// offset and scale shifted to the bit depth; full range uses every code.
func (e *yuvEncoder) quantize(v, offset, scale float64) uint16 {
	max := float64(uint32(1)<<e.bits - 1)
	var q float64
	if e.profile.FullRange || scale == 0 {
		q = clamp01(v) * max
	} else {
		shift := float64(uint32(1) << (e.bits - 8))
		q = (offset + scale*v) * shift
	}
	q = math.Round(q)
	if q < 0 {
		q = 0
	}
	if q > max {
		q = max
	}
	return uint16(q)
}
