package avenc

import "sync"

// StreamCallback receives encoded packets instead of a container. Timestamps
// are in microseconds.
type StreamCallback interface {
	WriteVideoPacket(pts, dts int64, data []byte, keyframe bool) error
	WriteAudioPacket(pts, dts int64, data []byte) error
	// ShouldForceIDR is polled once per video frame.
	ShouldForceIDR() bool
	// SetCodecParameters is called once, before the first packet.
	SetCodecParameters(params CodecParameters)
}

// callbackTarget adapts a StreamCallback to the Target contract.
type callbackTarget struct {
	cb     StreamCallback
	params CodecParameters
	once   sync.Once
}

func newCallbackTarget(cb StreamCallback, params CodecParameters) *callbackTarget {
	return &callbackTarget{cb: cb, params: params}
}

func (t *callbackTarget) Name() string { return "callback" }

func (t *callbackTarget) AddStream(kind MediaKind, _ StreamParams) (int, Rational, error) {
	return int(kind), MicrosecondTimeBase, nil
}

func (t *callbackTarget) WriteHeader() error {
	t.once.Do(func() { t.cb.SetCodecParameters(t.params) })
	return nil
}

func (t *callbackTarget) WritePacket(pkt *Packet) error {
	if pkt.Kind == KindVideo {
		return t.cb.WriteVideoPacket(pkt.PTS, pkt.DTS, pkt.Data, pkt.IsKeyframe())
	}
	return t.cb.WriteAudioPacket(pkt.PTS, pkt.DTS, pkt.Data)
}

func (t *callbackTarget) WriteTrailer() error { return nil }
func (t *callbackTarget) Close() error        { return nil }
