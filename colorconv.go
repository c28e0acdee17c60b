package avenc

import (
	"context"
	"fmt"
	"log/slog"
)

// PipelineMode selects what a ConversionPipeline produces.
type PipelineMode int

const (
	// PipelineReadback copies the converted planes into a mapped host buffer.
	PipelineReadback PipelineMode = iota
	// PipelineHWFrame converts into device-native frames for codec sessions.
	PipelineHWFrame
	// PipelineBitstream leaves planes on the device for a direct encoder.
	PipelineBitstream
	// PipelineWavelet leaves planes on the device for the wavelet encoder.
	PipelineWavelet
)

func (m PipelineMode) String() string {
	switch m {
	case PipelineReadback:
		return "readback"
	case PipelineHWFrame:
		return "hw-frame"
	case PipelineBitstream:
		return "bitstream"
	case PipelineWavelet:
		return "wavelet"
	default:
		return "unknown"
	}
}

// rowAlignment is the pixel alignment of host readback rows.
const rowAlignment = 64

func alignUp(v, a int) int { return (v + a - 1) &^ (a - 1) }

type planeSpec struct {
	width, height int
	format        ImageFormat
}

// planeSpecs lists the device images backing a pixel format. Luma is full
// resolution; subsampled chroma is half resolution in both axes (rounded up).
func planeSpecs(format PixelFormat, width, height int) []planeSpec {
	cw, ch := format.ChromaSize(width, height)
	wide := format.BytesPerComponent() == 2
	r, rg := ImageFormatR8, ImageFormatRG8
	if wide {
		r, rg = ImageFormatR16, ImageFormatRG16
	}
	switch format.Planes() {
	case 2:
		return []planeSpec{{width, height, r}, {cw, ch, rg}}
	case 3:
		return []planeSpec{{width, height, r}, {cw, ch, r}, {cw, ch, r}}
	default:
		return nil
	}
}

// HostLayouts computes the readback buffer layout of a format: rows padded
// to a 64-pixel multiple, planes packed back to back. It returns the
// per-plane layouts and the total buffer size.
func HostLayouts(format PixelFormat, width, height int) ([]PlaneLayout, int) {
	specs := planeSpecs(format, width, height)
	layouts := make([]PlaneLayout, len(specs))
	offset := 0
	for i, p := range specs {
		aligned := alignUp(p.width, rowAlignment)
		stride := aligned * p.format.BytesPerComponent() * p.format.Components()
		layouts[i] = PlaneLayout{Offset: offset, Stride: stride, RowLength: aligned}
		offset += stride * p.height
	}
	return layouts, offset
}

// ConversionPipeline converts rendered images into encoder input. It is
// single buffered: Process waits for the previous submission to finish.
type ConversionPipeline struct {
	dev     Device
	format  PixelFormat
	width   int
	height  int
	profile ColorProfile
	mode    PipelineMode
	log     *slog.Logger

	planes  []Image
	layouts []PlaneLayout
	buffer  Buffer // Readback and hw-frame fallback only
	fence   Fence

	ready      Semaphore // Signaled per frame for GPU-resident consumers
	readyValue uint64

	hwFrame  *HWFrame
	fallback bool // Current frame took the readback branch
	recorded bool
}

// NewConversionPipeline allocates the destination planes and, for readback,
// the host buffer.
func NewConversionPipeline(dev Device, opts *EncodeOptions, mode PipelineMode, profile ColorProfile, log *slog.Logger) (*ConversionPipeline, error) {
	p := &ConversionPipeline{
		dev:     dev,
		format:  opts.Format,
		width:   opts.Width,
		height:  opts.Height,
		profile: profile,
		mode:    mode,
		log:     componentLogger(log, "colorconv"),
	}

	specs := planeSpecs(opts.Format, opts.Width, opts.Height)
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no plane layout for %s", ErrConfig, opts.Format)
	}
	if mode == PipelineWavelet && len(specs) != 3 {
		return nil, fmt.Errorf("%w: wavelet needs 3 planes, %s has %d", ErrConfig, opts.Format, len(specs))
	}

	usage := UsageStorage | UsageTransferSrc
	if mode == PipelineBitstream || mode == PipelineWavelet {
		usage = UsageStorage | UsageSampled
	}
	for i, s := range specs {
		img, err := dev.CreateImage(s.width, s.height, s.format, usage)
		if err != nil {
			return nil, fmt.Errorf("create plane %d: %w", i, err)
		}
		p.planes = append(p.planes, img)
	}

	var err error
	if p.fence, err = dev.CreateFence(); err != nil {
		return nil, err
	}

	if mode == PipelineReadback || mode == PipelineHWFrame {
		var size int
		p.layouts, size = HostLayouts(opts.Format, opts.Width, opts.Height)
		if p.buffer, err = dev.CreateBuffer(size); err != nil {
			return nil, fmt.Errorf("create readback buffer: %w", err)
		}
	}
	if mode == PipelineBitstream || mode == PipelineWavelet {
		if p.ready, err = dev.CreateSemaphore(); err != nil {
			return nil, err
		}
		p.readyValue = p.ready.Value()
	}
	return p, nil
}

// Mode returns the pipeline's output kind.
func (p *ConversionPipeline) Mode() PipelineMode { return p.mode }

// Queue returns the queue command buffers for this pipeline should target.
func (p *ConversionPipeline) Queue() QueueKind {
	if p.mode == PipelineBitstream || p.mode == PipelineWavelet {
		return QueueAsyncCompute
	}
	return QueueCompute
}

// Planes returns the destination plane images.
func (p *ConversionPipeline) Planes() []Image { return p.planes }

// Layouts returns the host readback layouts, or nil for GPU-resident modes.
func (p *ConversionPipeline) Layouts() []PlaneLayout { return p.layouts }

// Process records the conversion of view into cmd.
func (p *ConversionPipeline) Process(ctx context.Context, cmd CommandBuffer, view Image, cs ColorSpace) error {
	if err := p.fence.Wait(ctx); err != nil {
		return err
	}
	params := ConversionParams{Input: cs, Profile: p.profile, Format: p.format}

	p.fallback = false
	if p.mode == PipelineHWFrame {
		frame, err := p.dev.AcquireHWFrame(p.format, p.width, p.height)
		if err != nil {
			p.log.Warn("device frame unavailable, using readback", "error", err)
			p.fallback = true
		} else {
			p.hwFrame = frame
			p.recorded = true
			return frame.WithLock(func(s HWFrameSync) error {
				for _, img := range frame.Images {
					cmd.Barrier(img, s.Layout(), LayoutGeneral)
				}
				cmd.Convert(view, frame.Images, params)
				s.SetLayout(LayoutGeneral)
				return nil
			})
		}
	}

	for _, img := range p.planes {
		cmd.Barrier(img, LayoutUndefined, LayoutGeneral)
	}
	cmd.Convert(view, p.planes, params)

	switch {
	case p.mode == PipelineReadback || p.fallback:
		for i, img := range p.planes {
			cmd.Barrier(img, LayoutGeneral, LayoutTransferSrc)
			cmd.CopyImageToBuffer(img, p.buffer, p.layouts[i])
		}
		cmd.HostBarrier(p.buffer)
	default:
		for _, img := range p.planes {
			cmd.Barrier(img, LayoutGeneral, LayoutShaderReadOnly)
		}
	}
	p.recorded = true
	return nil
}

// Submit submits cmd with the synchronization of the current branch.
func (p *ConversionPipeline) Submit(ctx context.Context, cmd CommandBuffer) error {
	if !p.recorded {
		return fmt.Errorf("%w: submit without process", ErrEncode)
	}
	p.recorded = false

	if p.mode == PipelineHWFrame && !p.fallback {
		frame := p.hwFrame
		return frame.WithLock(func(s HWFrameSync) error {
			wait := s.Value()
			signal := s.Advance()
			return p.dev.Submit(cmd, SubmitInfo{
				Wait:   []SemaphoreOp{{s.Semaphore(), wait}},
				Signal: []SemaphoreOp{{s.Semaphore(), signal}},
			})
		})
	}

	if err := p.fence.Wait(ctx); err != nil {
		return err
	}
	p.fence.Reset()
	info := SubmitInfo{Fence: p.fence}
	if p.ready != nil {
		p.readyValue++
		info.Signal = []SemaphoreOp{{p.ready, p.readyValue}}
	}
	return p.dev.Submit(cmd, info)
}

// Result returns the converted frame. For readback the buffer stays mapped
// until release is called. The caller owns the returned HWFrame.
func (p *ConversionPipeline) Result(ctx context.Context) (sub FrameSubmission, release func(), err error) {
	release = func() {}
	switch {
	case p.mode == PipelineHWFrame && !p.fallback:
		sub.HWFrame = p.hwFrame
		p.hwFrame = nil
		return sub, release, nil

	case p.mode == PipelineReadback || p.fallback:
		if err := p.fence.Wait(ctx); err != nil {
			return sub, release, err
		}
		data, err := p.buffer.Map()
		if err != nil {
			return sub, release, fmt.Errorf("%w: map readback buffer: %v", ErrEncode, err)
		}
		sub.Buffer, sub.Planes = data, p.layouts
		return sub, p.buffer.Unmap, nil

	default:
		sub.Images = p.planes
		sub.Ready = SemaphoreOp{p.ready, p.readyValue}
		return sub, release, nil
	}
}

// Wait blocks until the last submission completed.
func (p *ConversionPipeline) Wait(ctx context.Context) error {
	return p.fence.Wait(ctx)
}

// Close waits for in-flight work and returns any held device frame.
func (p *ConversionPipeline) Close(ctx context.Context) error {
	err := p.fence.Wait(ctx)
	if p.hwFrame != nil {
		p.hwFrame.Release()
		p.hwFrame = nil
	}
	return err
}
