package avenc

import (
	"fmt"
	"image"
	"math"
	"strings"
	"sync"
)

// PatternType selects the synthetic scene rendered by TestPattern.
type PatternType int

const (
	PatternColorBars    PatternType = iota // 75% color bars
	PatternGradient                        // Horizontal luma ramp
	PatternCheckerboard                    // Black and white squares
	PatternMovingBox                       // White box orbiting the center over color bars
)

var patternNames = map[PatternType]string{
	PatternColorBars:    "bars",
	PatternGradient:     "gradient",
	PatternCheckerboard: "checkerboard",
	PatternMovingBox:    "box",
}

func (p PatternType) String() string {
	if name, ok := patternNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePattern parses the String form of a pattern.
func ParsePattern(s string) (PatternType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range patternNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown pattern %q", ErrConfig, s)
}

var colorBarsRGB = [8][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

// TestPattern renders RGBA frames for feeding a session without a real
// capture source. Render reuses one image; callers upload it before the
// next call.
type TestPattern struct {
	pattern     PatternType
	checkerSize int
	img         *image.RGBA
}

// NewTestPattern creates a renderer for width x height frames.
func NewTestPattern(pattern PatternType, width, height int) *TestPattern {
	return &TestPattern{
		pattern:     pattern,
		checkerSize: 32,
		img:         image.NewRGBA(image.Rect(0, 0, width, height)),
	}
}

// Render draws frame n and returns the shared image.
func (t *TestPattern) Render(n int64) *image.RGBA {
	switch t.pattern {
	case PatternGradient:
		t.gradient()
	case PatternCheckerboard:
		t.checkerboard()
	case PatternMovingBox:
		t.colorBars()
		t.movingBox(n)
	default:
		t.colorBars()
	}
	return t.img
}

func (t *TestPattern) set(x, y int, r, g, b uint8) {
	i := t.img.PixOffset(x, y)
	t.img.Pix[i+0] = r
	t.img.Pix[i+1] = g
	t.img.Pix[i+2] = b
	t.img.Pix[i+3] = 0xff
}

func (t *TestPattern) colorBars() {
	w, h := t.img.Rect.Dx(), t.img.Rect.Dy()
	barWidth := max(w/8, 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := colorBarsRGB[min(x/barWidth, 7)]
			t.set(x, y, c[0], c[1], c[2])
		}
	}
}

func (t *TestPattern) gradient() {
	w, h := t.img.Rect.Dx(), t.img.Rect.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / w)
			t.set(x, y, v, v, v)
		}
	}
}

func (t *TestPattern) checkerboard() {
	w, h := t.img.Rect.Dx(), t.img.Rect.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(16)
			if ((x/t.checkerSize)+(y/t.checkerSize))%2 == 0 {
				v = 235
			}
			t.set(x, y, v, v, v)
		}
	}
}

// movingBox draws a box that circles the center at 0.05 rad per frame.
func (t *TestPattern) movingBox(n int64) {
	w, h := t.img.Rect.Dx(), t.img.Rect.Dy()
	size := max(min(w, h)/8, 2)
	radius := float64(min(w, h)) / 4
	angle := float64(n) * 0.05
	bx := w/2 + int(radius*math.Cos(angle)) - size/2
	by := h/2 + int(radius*math.Sin(angle)) - size/2

	for y := max(by, 0); y < by+size && y < h; y++ {
		for x := max(bx, 0); x < bx+size && x < w; x++ {
			t.set(x, y, 235, 235, 235)
		}
	}
}

// ToneSource is a pull-mode AudioSource producing a continuous sine tone.
type ToneSource struct {
	rate      int
	channels  int
	frequency float64
	amplitude float64

	mu    sync.Mutex
	phase float64
}

// NewToneSource creates a tone generator. Amplitude is clamped to [0,1].
func NewToneSource(rate, channels int, frequency, amplitude float64) *ToneSource {
	if rate <= 0 {
		rate = 48000
	}
	if channels <= 0 {
		channels = 2
	}
	if frequency <= 0 {
		frequency = 440
	}
	amplitude = math.Max(0, math.Min(amplitude, 1))
	return &ToneSource{rate: rate, channels: channels, frequency: frequency, amplitude: amplitude}
}

func (s *ToneSource) SampleRate() int { return s.rate }
func (s *ToneSource) Channels() int   { return s.channels }

// ReadS16 always produces the requested number of frames.
func (s *ToneSource) ReadS16(dst []int16, frames int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames = min(frames, len(dst)/s.channels)
	step := 2 * math.Pi * s.frequency / float64(s.rate)
	peak := s.amplitude * 32767
	for i := 0; i < frames; i++ {
		v := int16(peak * math.Sin(s.phase))
		for c := 0; c < s.channels; c++ {
			dst[i*s.channels+c] = v
		}
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return frames
}
