package avenc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
)

// SoftDevice is a CPU implementation of Device. Command buffers execute on
// Submit, so fences and semaphores are signaled before Submit returns. It
// backs tests, the CLI and headless rendering.
type SoftDevice struct {
	caps DeviceCaps

	mu   sync.Mutex
	pool map[hwPoolKey][]*HWFrame
	live map[hwPoolKey]int

	// HWPoolSize bounds the number of device-native frames per format.
	HWPoolSize int
}

type hwPoolKey struct {
	format        PixelFormat
	width, height int
}

// NewSoftDevice creates a CPU device exposing the given capabilities.
func NewSoftDevice(caps DeviceCaps) *SoftDevice {
	return &SoftDevice{
		caps:       caps,
		pool:       make(map[hwPoolKey][]*HWFrame),
		live:       make(map[hwPoolKey]int),
		HWPoolSize: 4,
	}
}

func (d *SoftDevice) Caps() DeviceCaps { return d.caps }

// softImage stores texels row-major with no padding.
type softImage struct {
	w, h   int
	format ImageFormat
	pix    []byte
	fpix   []float32 // RGBA32F only
	layout ImageLayout
}

func (i *softImage) Width() int          { return i.w }
func (i *softImage) Height() int         { return i.h }
func (i *softImage) Format() ImageFormat { return i.format }

// Layout returns the layout set by the last executed barrier.
func (i *softImage) Layout() ImageLayout { return i.layout }

func (i *softImage) rowBytes() int {
	return i.w * i.format.Components() * i.format.BytesPerComponent()
}

func (i *softImage) store(x, y, c int, v uint16) {
	idx := (y*i.w+x)*i.format.Components() + c
	if i.format.BytesPerComponent() == 1 {
		i.pix[idx] = byte(v)
		return
	}
	binary.LittleEndian.PutUint16(i.pix[idx*2:], v)
}

func (i *softImage) load(x, y, c int) uint16 {
	idx := (y*i.w+x)*i.format.Components() + c
	if i.format.BytesPerComponent() == 1 {
		return uint16(i.pix[idx])
	}
	return binary.LittleEndian.Uint16(i.pix[idx*2:])
}

func (i *softImage) rgb(x, y int) (r, g, b float64) {
	idx := (y*i.w + x) * 4
	if i.format == ImageFormatRGBA32F {
		return float64(i.fpix[idx]), float64(i.fpix[idx+1]), float64(i.fpix[idx+2])
	}
	return float64(i.pix[idx]) / 255, float64(i.pix[idx+1]) / 255, float64(i.pix[idx+2]) / 255
}

func (d *SoftDevice) CreateImage(width, height int, format ImageFormat, usage ImageUsage) (Image, error) {
	if width <= 0 || height <= 0 || format.Components() == 0 {
		return nil, fmt.Errorf("%w: image %dx%d format %d", ErrConfig, width, height, format)
	}
	img := &softImage{w: width, h: height, format: format}
	if format == ImageFormatRGBA32F {
		img.fpix = make([]float32, width*height*4)
	} else {
		img.pix = make([]byte, img.rowBytes()*height)
	}
	return img, nil
}

// UploadRGBA creates an sRGB source image from img.
func (d *SoftDevice) UploadRGBA(img *image.RGBA) Image {
	b := img.Bounds()
	out := &softImage{w: b.Dx(), h: b.Dy(), format: ImageFormatRGBA8, pix: make([]byte, b.Dx()*b.Dy()*4)}
	for y := 0; y < out.h; y++ {
		off := img.PixOffset(b.Min.X, b.Min.Y+y)
		copy(out.pix[y*out.w*4:], img.Pix[off:off+out.w*4])
	}
	return out
}

// UploadFloat creates a floating-point RGBA source image. pix holds
// width*height*4 values.
func (d *SoftDevice) UploadFloat(width, height int, pix []float32) Image {
	out := &softImage{w: width, h: height, format: ImageFormatRGBA32F, fpix: make([]float32, width*height*4)}
	copy(out.fpix, pix)
	return out
}

// ReadImage returns a copy of an image's texels, row-major and unpadded.
func (d *SoftDevice) ReadImage(img Image) []byte {
	si, ok := img.(*softImage)
	if !ok {
		return nil
	}
	out := make([]byte, len(si.pix))
	copy(out, si.pix)
	return out
}

type softBuffer struct {
	data   []byte
	mapped bool
}

func (b *softBuffer) Size() int { return len(b.data) }

func (b *softBuffer) Map() ([]byte, error) {
	if b.mapped {
		return nil, errors.New("buffer already mapped")
	}
	b.mapped = true
	return b.data, nil
}

func (b *softBuffer) Unmap() { b.mapped = false }

func (d *SoftDevice) CreateBuffer(size int) (Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: buffer size %d", ErrConfig, size)
	}
	return &softBuffer{data: make([]byte, size)}, nil
}

// softFence is created signaled.
type softFence struct {
	mu   sync.Mutex
	done chan struct{}
}

func (f *softFence) Wait(ctx context.Context) error {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *softFence) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		f.done = make(chan struct{})
	default:
	}
}

func (f *softFence) signal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

func (d *SoftDevice) CreateFence() (Fence, error) {
	f := &softFence{done: make(chan struct{})}
	close(f.done)
	return f, nil
}

type softSemaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	value uint64
}

func newSoftSemaphore() *softSemaphore {
	s := &softSemaphore{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *softSemaphore) Value() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

func (s *softSemaphore) Wait(ctx context.Context, value uint64) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.value < value {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return nil
}

func (s *softSemaphore) signal(value uint64) {
	s.mu.Lock()
	if value > s.value {
		s.value = value
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (d *SoftDevice) CreateSemaphore() (Semaphore, error) {
	return newSoftSemaphore(), nil
}

type softCommandBuffer struct {
	queue QueueKind
	ops   []func() error
}

func (c *softCommandBuffer) Queue() QueueKind { return c.queue }

func (c *softCommandBuffer) record(op func() error) { c.ops = append(c.ops, op) }

func (c *softCommandBuffer) Barrier(img Image, from, to ImageLayout) {
	c.record(func() error {
		si, ok := img.(*softImage)
		if !ok {
			return errors.New("foreign image")
		}
		if from != LayoutUndefined && si.layout != from {
			return fmt.Errorf("barrier from %s but image is %s", from, si.layout)
		}
		si.layout = to
		return nil
	})
}

func (c *softCommandBuffer) Convert(src Image, dst []Image, params ConversionParams) {
	c.record(func() error {
		s, ok := src.(*softImage)
		if !ok {
			return errors.New("foreign source image")
		}
		planes := make([]*softImage, len(dst))
		for i, img := range dst {
			si, ok := img.(*softImage)
			if !ok {
				return errors.New("foreign plane image")
			}
			if si.layout != LayoutGeneral {
				return fmt.Errorf("convert into plane %d in layout %s", i, si.layout)
			}
			planes[i] = si
		}
		return softConvert(s, planes, params)
	})
}

func (c *softCommandBuffer) CopyImageToBuffer(img Image, dst Buffer, layout PlaneLayout) {
	c.record(func() error {
		si, ok := img.(*softImage)
		if !ok {
			return errors.New("foreign image")
		}
		buf, ok := dst.(*softBuffer)
		if !ok {
			return errors.New("foreign buffer")
		}
		if si.layout != LayoutTransferSrc {
			return fmt.Errorf("copy from image in layout %s", si.layout)
		}
		rb := si.rowBytes()
		if layout.Offset+(si.h-1)*layout.Stride+rb > len(buf.data) {
			return errors.New("copy overruns buffer")
		}
		for y := 0; y < si.h; y++ {
			copy(buf.data[layout.Offset+y*layout.Stride:], si.pix[y*rb:(y+1)*rb])
		}
		return nil
	})
}

func (c *softCommandBuffer) HostBarrier(Buffer) {}

func (d *SoftDevice) CreateCommandBuffer(queue QueueKind) (CommandBuffer, error) {
	if queue == QueueVideoEncode && !d.caps.EncodeQueue {
		return nil, fmt.Errorf("%w: no video encode queue", ErrBackendInit)
	}
	return &softCommandBuffer{queue: queue}, nil
}

// Submit executes the command buffer. Waits must already be satisfied since
// nothing else runs on the device.
func (d *SoftDevice) Submit(cmd CommandBuffer, info SubmitInfo) error {
	c, ok := cmd.(*softCommandBuffer)
	if !ok {
		return errors.New("foreign command buffer")
	}
	for _, w := range info.Wait {
		if w.Semaphore.Value() < w.Value {
			return fmt.Errorf("submit waits for semaphore value %d, at %d", w.Value, w.Semaphore.Value())
		}
	}
	var errs []error
	for _, op := range c.ops {
		if err := op(); err != nil {
			errs = append(errs, err)
		}
	}
	c.ops = c.ops[:0]
	for _, s := range info.Signal {
		if ss, ok := s.Semaphore.(*softSemaphore); ok {
			ss.signal(s.Value)
		}
	}
	if f, ok := info.Fence.(*softFence); ok {
		f.signal()
	}
	return errors.Join(errs...)
}

func (d *SoftDevice) AcquireHWFrame(format PixelFormat, width, height int) (*HWFrame, error) {
	if !d.caps.EncodeQueue {
		return nil, fmt.Errorf("%w: device frames unsupported", ErrBackendInit)
	}
	key := hwPoolKey{format, width, height}

	d.mu.Lock()
	defer d.mu.Unlock()
	if free := d.pool[key]; len(free) > 0 {
		f := free[len(free)-1]
		d.pool[key] = free[:len(free)-1]
		f.once = sync.Once{}
		return f, nil
	}
	if d.live[key] >= d.HWPoolSize {
		return nil, fmt.Errorf("%w: device frame pool exhausted", ErrBackendInit)
	}

	var images []Image
	for _, p := range planeSpecs(format, width, height) {
		img, err := d.CreateImage(p.width, p.height, p.format, UsageStorage|UsageEncodeSrc)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	d.live[key]++
	var f *HWFrame
	f = NewHWFrame(format, images, newSoftSemaphore(), func() {
		d.mu.Lock()
		d.pool[key] = append(d.pool[key], f)
		d.mu.Unlock()
	})
	return f, nil
}

// softConvert runs the conversion pass. The source is sampled nearest
// neighbour when its size differs from the destination; chroma is box
// filtered over each 2x2 block when subsampled.
func softConvert(src *softImage, planes []*softImage, p ConversionParams) error {
	if len(planes) != p.Format.Planes() || len(planes) < 2 {
		return fmt.Errorf("convert: %d planes for %s", len(planes), p.Format)
	}
	enc := newYUVEncoder(p.Input, p.Profile, p.Format)
	var shift uint
	if p.Format == PixelFormatP010 {
		shift = 6
	}

	luma := planes[0]
	cw, ch := planes[1].w, planes[1].h
	cb := make([]float64, cw*ch)
	cr := make([]float64, cw*ch)
	n := make([]int, cw*ch)
	sub := p.Format.Subsampled()

	for y := 0; y < luma.h; y++ {
		sy := y * src.h / luma.h
		for x := 0; x < luma.w; x++ {
			sx := x * src.w / luma.w
			r, g, b := src.rgb(sx, sy)
			yy, u, v := enc.ycbcr(r, g, b)
			luma.store(x, y, 0, enc.quantizeLuma(yy)<<shift)

			cx, cy := x, y
			if sub {
				cx, cy = x/2, y/2
			}
			if cx >= cw || cy >= ch {
				continue
			}
			i := cy*cw + cx
			cb[i] += u
			cr[i] += v
			n[i]++
		}
	}

	for cy := 0; cy < ch; cy++ {
		for cx := 0; cx < cw; cx++ {
			i := cy*cw + cx
			if n[i] == 0 {
				continue
			}
			u := enc.quantizeChroma(cb[i]/float64(n[i])) << shift
			v := enc.quantizeChroma(cr[i]/float64(n[i])) << shift
			if len(planes) == 2 {
				planes[1].store(cx, cy, 0, u)
				planes[1].store(cx, cy, 1, v)
			} else {
				planes[1].store(cx, cy, 0, u)
				planes[2].store(cx, cy, 0, v)
			}
		}
	}
	return nil
}

func (d *SoftDevice) NewBitstreamEncoder(cfg BitstreamConfig) (BitstreamEncoder, error) {
	supported := false
	switch cfg.Profile {
	case ProfileH264High:
		supported = d.caps.BitstreamH264
	case ProfileH265Main:
		supported = d.caps.BitstreamH265
	case ProfileH265Main10:
		supported = d.caps.BitstreamH265Main10
	}
	if !supported {
		return nil, fmt.Errorf("%w: %s not supported by device", ErrBackendInit, cfg.Profile)
	}
	return &softBitstreamEncoder{cfg: cfg}, nil
}

// softBitstreamEncoder emits Annex B access units whose slice payload is a
// sparse luma sample of the frame. It is not decodable video; it exercises
// the framing, IDR cadence and parameter-set handling of the pipeline.
type softBitstreamEncoder struct {
	cfg     BitstreamConfig
	count   uint64
	pending []*softEncodedFrame
	closed  bool
}

var startCode = []byte{0, 0, 0, 1}

func (e *softBitstreamEncoder) SendFrame(planes []Image, pts int64, forceIDR bool) error {
	if e.closed {
		return ErrClosed
	}
	if len(planes) == 0 {
		return fmt.Errorf("%w: no planes", ErrEncode)
	}
	luma, ok := planes[0].(*softImage)
	if !ok {
		return fmt.Errorf("%w: foreign image", ErrEncode)
	}
	idr := forceIDR || e.count == 0
	if gop := uint64(e.cfg.GOP); !idr && e.cfg.GOP != math.MaxUint32 && gop > 0 {
		idr = e.count%gop == 0
	}
	e.count++

	payload := append([]byte(nil), startCode...)
	payload = append(payload, e.sliceHeader(idr)...)
	for y := 0; y < luma.h; y += 16 {
		for x := 0; x < luma.w; x += 16 {
			payload = append(payload, byte(luma.load(x, y, 0))|1)
		}
	}
	e.pending = append(e.pending, &softEncodedFrame{payload: payload, pts: pts, dts: pts, idr: idr})
	return nil
}

func (e *softBitstreamEncoder) sliceHeader(idr bool) []byte {
	if e.cfg.Profile.Codec() == CodecH264 {
		if idr {
			return []byte{0x65, 0x88}
		}
		return []byte{0x41, 0x9a}
	}
	if idr {
		return []byte{19 << 1, 0x01}
	}
	return []byte{1 << 1, 0x01}
}

func (e *softBitstreamEncoder) ReceiveEncodedFrame() (EncodedFrame, error) {
	if len(e.pending) == 0 {
		return nil, ErrAgain
	}
	f := e.pending[0]
	e.pending = e.pending[1:]
	return f, nil
}

func (e *softBitstreamEncoder) EncodedParameters() []byte {
	var out []byte
	if e.cfg.Profile.Codec() == CodecH264 {
		out = append(out, startCode...)
		out = append(out, 0x67, 0x64, 0x00, 0x28)
		out = append(out, startCode...)
		out = append(out, 0x68, 0xee, 0x3c, 0x80)
		return out
	}
	for _, nal := range []byte{32, 33, 34} {
		out = append(out, startCode...)
		out = append(out, nal<<1, 0x01)
	}
	return out
}

func (e *softBitstreamEncoder) Close() error {
	e.closed = true
	e.pending = nil
	return nil
}

type softEncodedFrame struct {
	payload  []byte
	pts, dts int64
	idr      bool
}

func (f *softEncodedFrame) Wait(context.Context) error { return nil }
func (f *softEncodedFrame) Payload() []byte            { return f.payload }
func (f *softEncodedFrame) PTS() int64                 { return f.pts }
func (f *softEncodedFrame) DTS() int64                 { return f.dts }
func (f *softEncodedFrame) IDR() bool                  { return f.idr }
func (f *softEncodedFrame) Release()                   {}

func (d *SoftDevice) NewWaveletEncoder(cfg WaveletConfig) (WaveletEncoder, error) {
	if !d.caps.Wavelet {
		return nil, fmt.Errorf("%w: wavelet encoder not supported by device", ErrBackendInit)
	}
	if cfg.Format.Planes() != 3 {
		return nil, fmt.Errorf("%w: wavelet encoder needs 3 planes, %s has %d", ErrConfig, cfg.Format, cfg.Format.Planes())
	}
	return &softWaveletEncoder{cfg: cfg}, nil
}

// softWaveletEncoder writes a single-level Haar LL band of each plane.
// Bitstream layout: u32 length, "WVL1", u16 width, u16 height, u8 planes,
// then the 8-bit LL coefficients plane by plane, truncated to the budget.
type softWaveletEncoder struct {
	cfg WaveletConfig
}

const waveletHeaderSize = 4

func (e *softWaveletEncoder) BitstreamSize(payloadSize int) int {
	return payloadSize + waveletHeaderSize
}

func (e *softWaveletEncoder) Record(cmd CommandBuffer, planes []Image, bitstream Buffer, payloadSize int) error {
	c, ok := cmd.(*softCommandBuffer)
	if !ok {
		return fmt.Errorf("%w: foreign command buffer", ErrBackendInit)
	}
	buf, ok := bitstream.(*softBuffer)
	if !ok || len(buf.data) < e.BitstreamSize(payloadSize) {
		return fmt.Errorf("%w: bitstream buffer too small", ErrConfig)
	}
	c.record(func() error {
		out := make([]byte, 0, payloadSize)
		out = append(out, 'W', 'V', 'L', '1')
		out = binary.LittleEndian.AppendUint16(out, uint16(e.cfg.Width))
		out = binary.LittleEndian.AppendUint16(out, uint16(e.cfg.Height))
		out = append(out, byte(len(planes)))
		for _, img := range planes {
			si, ok := img.(*softImage)
			if !ok {
				return errors.New("foreign plane image")
			}
			shift := uint(8 * (si.format.BytesPerComponent() - 1))
			for y := 0; y+1 < si.h; y += 2 {
				for x := 0; x+1 < si.w; x += 2 {
					sum := int(si.load(x, y, 0)) + int(si.load(x+1, y, 0)) +
						int(si.load(x, y+1, 0)) + int(si.load(x+1, y+1, 0))
					out = append(out, byte((sum/4)>>shift))
				}
			}
		}
		if len(out) > payloadSize {
			out = out[:payloadSize]
		}
		binary.LittleEndian.PutUint32(buf.data, uint32(len(out)))
		copy(buf.data[waveletHeaderSize:], out)
		return nil
	})
	return nil
}

// Packetize prefixes each packet with its u16 index and the u16 count.
func (e *softWaveletEncoder) Packetize(bitstream []byte, maxPacket int) ([][]byte, error) {
	const hdr = 4
	if len(bitstream) < waveletHeaderSize || maxPacket <= hdr {
		return nil, fmt.Errorf("%w: bad wavelet bitstream", ErrEncode)
	}
	n := int(binary.LittleEndian.Uint32(bitstream))
	if n > len(bitstream)-waveletHeaderSize {
		return nil, fmt.Errorf("%w: wavelet length %d exceeds buffer", ErrEncode, n)
	}
	data := bitstream[waveletHeaderSize : waveletHeaderSize+n]
	chunk := maxPacket - hdr
	count := (len(data) + chunk - 1) / chunk
	packets := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		end := min((i+1)*chunk, len(data))
		p := make([]byte, hdr, hdr+end-i*chunk)
		binary.LittleEndian.PutUint16(p, uint16(i))
		binary.LittleEndian.PutUint16(p[2:], uint16(count))
		packets = append(packets, append(p, data[i*chunk:end]...))
	}
	return packets, nil
}

func (e *softWaveletEncoder) Close() error { return nil }
