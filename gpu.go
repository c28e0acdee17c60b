package avenc

import (
	"context"
	"sync"
)

// ImageFormat is the texel format of a device image.
type ImageFormat int

const (
	ImageFormatUnknown ImageFormat = iota
	ImageFormatR8
	ImageFormatRG8
	ImageFormatR16
	ImageFormatRG16
	ImageFormatRGBA8
	ImageFormatRGBA32F
)

// Components returns the number of channels per texel.
func (f ImageFormat) Components() int {
	switch f {
	case ImageFormatRG8, ImageFormatRG16:
		return 2
	case ImageFormatRGBA8, ImageFormatRGBA32F:
		return 4
	case ImageFormatR8, ImageFormatR16:
		return 1
	default:
		return 0
	}
}

// BytesPerComponent returns the size of one channel.
func (f ImageFormat) BytesPerComponent() int {
	switch f {
	case ImageFormatR16, ImageFormatRG16:
		return 2
	case ImageFormatRGBA32F:
		return 4
	default:
		return 1
	}
}

// ImageLayout is the access state of a device image.
type ImageLayout int

const (
	LayoutUndefined ImageLayout = iota
	LayoutGeneral
	LayoutShaderReadOnly
	LayoutTransferSrc
)

func (l ImageLayout) String() string {
	switch l {
	case LayoutGeneral:
		return "general"
	case LayoutShaderReadOnly:
		return "shader-read-only"
	case LayoutTransferSrc:
		return "transfer-src"
	default:
		return "undefined"
	}
}

// ImageUsage is a bitmask of how an image will be accessed.
type ImageUsage uint32

const (
	UsageStorage ImageUsage = 1 << iota
	UsageSampled
	UsageTransferSrc
	UsageEncodeSrc
)

// QueueKind selects the device queue a command buffer is submitted to.
type QueueKind int

const (
	QueueCompute QueueKind = iota
	QueueAsyncCompute
	QueueVideoEncode
)

// Image is a device-resident 2D image.
type Image interface {
	Width() int
	Height() int
	Format() ImageFormat
}

// Buffer is a host-visible device buffer.
type Buffer interface {
	Size() int
	Map() ([]byte, error)
	Unmap()
}

// Fence is signaled by the device when a submission completes.
type Fence interface {
	Wait(ctx context.Context) error
	Reset()
}

// Semaphore is a timeline semaphore.
type Semaphore interface {
	Value() uint64
	Wait(ctx context.Context, value uint64) error
}

// SemaphoreOp is a wait or signal of a timeline semaphore at a value.
type SemaphoreOp struct {
	Semaphore Semaphore
	Value     uint64
}

// SubmitInfo carries the synchronization of one submission.
type SubmitInfo struct {
	Fence  Fence
	Wait   []SemaphoreOp
	Signal []SemaphoreOp
}

// ConversionParams configures the color conversion pass.
type ConversionParams struct {
	Input   ColorSpace
	Profile ColorProfile
	Format  PixelFormat
}

// CommandBuffer records device work for later submission.
type CommandBuffer interface {
	Queue() QueueKind
	Barrier(img Image, from, to ImageLayout)
	// Convert dispatches the RGB to Y'CbCr pass from src into the
	// destination planes.
	Convert(src Image, dst []Image, params ConversionParams)
	CopyImageToBuffer(img Image, dst Buffer, layout PlaneLayout)
	// HostBarrier makes prior transfer writes to buf visible to the host.
	HostBarrier(buf Buffer)
}

// DeviceCaps lists optional encode paths a device exposes.
type DeviceCaps struct {
	BitstreamH264       bool // Direct H.264 High encoder
	BitstreamH265       bool // Direct H.265 Main encoder
	BitstreamH265Main10 bool
	Wavelet             bool
	EncodeQueue         bool // Codec sessions may consume device frames
}

// Device is the GPU collaborator. The session never owns the device.
type Device interface {
	Caps() DeviceCaps
	CreateImage(width, height int, format ImageFormat, usage ImageUsage) (Image, error)
	CreateBuffer(size int) (Buffer, error)
	CreateFence() (Fence, error)
	CreateSemaphore() (Semaphore, error)
	CreateCommandBuffer(queue QueueKind) (CommandBuffer, error)
	Submit(cmd CommandBuffer, info SubmitInfo) error

	// AcquireHWFrame takes a frame from the device-native frame pool.
	AcquireHWFrame(format PixelFormat, width, height int) (*HWFrame, error)

	NewBitstreamEncoder(cfg BitstreamConfig) (BitstreamEncoder, error)
	NewWaveletEncoder(cfg WaveletConfig) (WaveletEncoder, error)
}

// HWFrame is a device-native frame shared between the conversion pass and
// a codec session. Its synchronization state is only reachable through
// WithLock.
type HWFrame struct {
	Images []Image
	Format PixelFormat

	mu        sync.Mutex
	semaphore Semaphore
	value     uint64
	layout    ImageLayout
	release   func()
	once      sync.Once
}

// NewHWFrame wraps device images guarded by a timeline semaphore. release
// returns the frame to its pool.
func NewHWFrame(format PixelFormat, images []Image, sem Semaphore, release func()) *HWFrame {
	return &HWFrame{Images: images, Format: format, semaphore: sem, value: sem.Value(), release: release}
}

// HWFrameSync is the lock-scoped view of a frame's synchronization state.
type HWFrameSync struct {
	f *HWFrame
}

// Semaphore returns the frame's timeline semaphore.
func (s HWFrameSync) Semaphore() Semaphore { return s.f.semaphore }

// Value returns the timeline value the next user must wait for.
func (s HWFrameSync) Value() uint64 { return s.f.value }

// Advance increments the timeline value and returns it.
func (s HWFrameSync) Advance() uint64 {
	s.f.value++
	return s.f.value
}

// Layout returns the layout the frame's images were last left in.
func (s HWFrameSync) Layout() ImageLayout { return s.f.layout }

// SetLayout records the layout the images will be in after pending work.
func (s HWFrameSync) SetLayout(l ImageLayout) { s.f.layout = l }

// WithLock runs fn while holding the frame lock.
func (f *HWFrame) WithLock(fn func(HWFrameSync) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(HWFrameSync{f: f})
}

// Release returns the frame to its pool. Safe to call more than once.
func (f *HWFrame) Release() {
	f.once.Do(func() {
		if f.release != nil {
			f.release()
		}
	})
}

// BitstreamProfile selects the direct hardware encoder profile.
type BitstreamProfile int

const (
	ProfileH264High BitstreamProfile = iota
	ProfileH265Main
	ProfileH265Main10
)

func (p BitstreamProfile) String() string {
	switch p {
	case ProfileH264High:
		return "h264-high"
	case ProfileH265Main:
		return "h265-main"
	case ProfileH265Main10:
		return "h265-main10"
	default:
		return "unknown"
	}
}

// Codec returns the bitstream codec of the profile.
func (p BitstreamProfile) Codec() CodecID {
	if p == ProfileH264High {
		return CodecH264
	}
	return CodecH265
}

// BitstreamConfig configures a direct hardware encoder.
type BitstreamConfig struct {
	Profile         BitstreamProfile
	Width           int
	Height          int
	FrameRate       Rational
	BitrateKbits    int
	MaxBitrateKbits int
	GOP             uint32 // math.MaxUint32 = unbounded
	LowLatency      bool
	Color           ColorProfile
}

// BitstreamEncoder is a device encoder producing an elementary stream
// directly from device images.
type BitstreamEncoder interface {
	SendFrame(planes []Image, pts int64, forceIDR bool) error
	// ReceiveEncodedFrame returns ErrAgain when no frame is pending.
	ReceiveEncodedFrame() (EncodedFrame, error)
	// EncodedParameters returns the parameter sets prefixed to IDR frames.
	EncodedParameters() []byte
	Close() error
}

// EncodedFrame is one in-flight hardware encode.
type EncodedFrame interface {
	Wait(ctx context.Context) error
	Payload() []byte
	PTS() int64
	DTS() int64
	IDR() bool
	Release()
}

// WaveletConfig configures a device wavelet encoder.
type WaveletConfig struct {
	Width  int
	Height int
	Format PixelFormat
}

// WaveletEncoder is a device intra-only wavelet encoder.
type WaveletEncoder interface {
	// Record encodes planes into bitstream using at most payloadSize bytes.
	Record(cmd CommandBuffer, planes []Image, bitstream Buffer, payloadSize int) error
	// Packetize splits an encoded frame into packets of at most maxPacket bytes.
	Packetize(bitstream []byte, maxPacket int) ([][]byte, error)
	// BitstreamSize returns the buffer size needed for a payload budget.
	BitstreamSize(payloadSize int) int
	Close() error
}
