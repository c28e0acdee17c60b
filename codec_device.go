package avenc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

func init() {
	for _, c := range []struct {
		name    string
		id      CodecID
		formats []PixelFormat
	}{
		{"h264_device", CodecH264, []PixelFormat{PixelFormatNV12}},
		{"h265_device", CodecH265, []PixelFormat{PixelFormatNV12, PixelFormatP010, PixelFormatP016}},
	} {
		RegisterCodec(CodecInfo{
			Name:         c.name,
			ID:           c.id,
			Provider:     ProviderDevice,
			PixelFormats: c.formats,
			Factory:      newDeviceSession(c.id),
		})
	}
}

// deviceSession adapts the device bitstream encoder to the codec session
// contract. It consumes HWFrames and waits on their timeline semaphore
// before encoding.
type deviceSession struct {
	enc    BitstreamEncoder
	params []byte
	packetQueue
}

func newDeviceSession(codec CodecID) CodecFactory {
	return func(cfg CodecConfig) (CodecSession, error) {
		return openDeviceSession(codec, cfg)
	}
}

func openDeviceSession(codec CodecID, cfg CodecConfig) (CodecSession, error) {
	if cfg.Device == nil {
		return nil, errors.New("device codec opened without a device")
	}
	profile, err := bitstreamProfile(cfg.Format, codec)
	if err != nil {
		return nil, err
	}
	gop := uint32(cfg.GOP)
	if cfg.GOP < 0 {
		gop = ^uint32(0)
	}
	enc, err := cfg.Device.NewBitstreamEncoder(BitstreamConfig{
		Profile:         profile,
		Width:           cfg.Width,
		Height:          cfg.Height,
		FrameRate:       cfg.FrameRate,
		BitrateKbits:    cfg.Bitrate / 1000,
		MaxBitrateKbits: cfg.MaxBitrate / 1000,
		GOP:             gop,
		LowLatency:      cfg.Options["tune"] == "zerolatency",
		Color:           cfg.ColorProfile,
	})
	if err != nil {
		return nil, err
	}
	return &deviceSession{enc: enc, params: enc.EncodedParameters()}, nil
}

func (s *deviceSession) SendFrame(f *RawFrame) error {
	if f == nil {
		s.flushing = true
		return nil
	}
	if f.HW == nil {
		return fmt.Errorf("%w: device codec needs a device frame", ErrEncode)
	}
	err := f.HW.WithLock(func(hs HWFrameSync) error {
		if err := hs.Semaphore().Wait(context.Background(), hs.Value()); err != nil {
			return err
		}
		return s.enc.SendFrame(f.HW.Images, f.PTS, f.PictureType == PictureTypeI)
	})
	if err != nil {
		return err
	}
	for {
		ef, err := s.enc.ReceiveEncodedFrame()
		if errors.Is(err, ErrAgain) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := ef.Wait(context.Background()); err != nil {
			ef.Release()
			return err
		}
		s.push(encodedPacket(ef, s.params))
		ef.Release()
	}
}

// encodedPacket copies a device frame into a packet, prefixing parameter
// sets on IDR frames that do not already carry them.
func encodedPacket(ef EncodedFrame, params []byte) Packet {
	pkt := Packet{PTS: ef.PTS(), DTS: ef.DTS(), Kind: KindVideo, FrameType: FrameTypeDelta}
	payload := ef.Payload()
	if ef.IDR() {
		pkt.FrameType = FrameTypeKey
		if len(params) > 0 && !bytes.HasPrefix(payload, params) {
			pkt.Data = append(pkt.Data, params...)
		}
	}
	pkt.Data = append(pkt.Data, payload...)
	return pkt
}

func (s *deviceSession) ReceivePacket(pkt *Packet) error { return s.pop(pkt) }
func (s *deviceSession) FrameSize() int                  { return 0 }
func (s *deviceSession) Close() error                    { return s.enc.Close() }
