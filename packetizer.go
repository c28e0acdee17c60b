package avenc

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
)

// rtpHeaderSize is the fixed RTP header without CSRCs or extensions.
const rtpHeaderSize = 12

// Fragmentation unit NAL types.
const (
	h264NALFUA = 28
	h265NALFU  = 49
)

// DefaultMTU is the RTP packet size budget used when none is configured.
const DefaultMTU = 1200

// RTPPacketizer splits encoded packets of one codec into RTP packets.
type RTPPacketizer struct {
	mu          sync.Mutex
	codec       CodecID
	ssrc        uint32
	payloadType uint8
	mtu         int
	sequencer   rtp.Sequencer
}

// NewRTPPacketizer creates a packetizer. H.264 and H.265 are fragmented per
// RFC 6184 and RFC 7798, L16 is converted to network byte order and other
// codecs are split into MTU-sized chunks.
func NewRTPPacketizer(codec CodecID, ssrc uint32, payloadType uint8, mtu int) (*RTPPacketizer, error) {
	if codec == CodecUnknown {
		return nil, fmt.Errorf("%w: no RTP mapping for %s", ErrConfig, codec)
	}
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	if mtu <= rtpHeaderSize+3 {
		return nil, fmt.Errorf("%w: MTU %d too small", ErrConfig, mtu)
	}
	return &RTPPacketizer{
		codec:       codec,
		ssrc:        ssrc,
		payloadType: payloadType,
		mtu:         mtu,
		sequencer:   rtp.NewRandomSequencer(),
	}, nil
}

// Codec returns the codec being packetized.
func (p *RTPPacketizer) Codec() CodecID { return p.codec }

// ClockRate returns the RTP clock rate of the codec.
func (p *RTPPacketizer) ClockRate() uint32 { return p.codec.ClockRate() }

// Packetize converts one access unit into RTP packets sharing timestamp.
// The marker bit is set on the last packet.
func (p *RTPPacketizer) Packetize(data []byte, timestamp uint32) ([]*rtp.Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(data) == 0 {
		return nil, nil
	}
	var payloads [][]byte
	switch p.codec {
	case CodecH264, CodecH265:
		nalus := parseAnnexBNALUnits(data)
		if len(nalus) == 0 {
			return nil, fmt.Errorf("no NAL units found in frame")
		}
		for _, nalu := range nalus {
			payloads = append(payloads, p.fragmentNALUnit(nalu)...)
		}
	case CodecPCMS16LE:
		payloads = chunk(swap16(data), (p.mtu-rtpHeaderSize)&^1)
	default:
		payloads = chunk(data, p.mtu-rtpHeaderSize)
	}

	packets := make([]*rtp.Packet, len(payloads))
	for i, payload := range payloads {
		packets[i] = &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
	}
	return packets, nil
}

// fragmentNALUnit returns nalu as a single payload, or as fragmentation
// units when it exceeds the MTU.
func (p *RTPPacketizer) fragmentNALUnit(nalu []byte) [][]byte {
	limit := p.mtu - rtpHeaderSize
	if len(nalu) <= limit {
		return [][]byte{nalu}
	}

	var indicator []byte
	var fuType byte
	var body []byte
	if p.codec == CodecH264 {
		// FU indicator: F and NRI from the original header, type 28.
		indicator = []byte{nalu[0]&0xe0 | h264NALFUA}
		fuType = nalu[0] & 0x1f
		body = nalu[1:]
	} else {
		// Payload header: original two bytes with type replaced by 49.
		indicator = []byte{nalu[0]&0x81 | h265NALFU<<1, nalu[1]}
		fuType = (nalu[0] >> 1) & 0x3f
		body = nalu[2:]
	}

	maxPayload := limit - len(indicator) - 1
	var out [][]byte
	for offset := 0; offset < len(body); offset += maxPayload {
		end := min(offset+maxPayload, len(body))
		header := fuType
		if offset == 0 {
			header |= 0x80 // Start bit
		}
		if end == len(body) {
			header |= 0x40 // End bit
		}
		frag := make([]byte, 0, len(indicator)+1+end-offset)
		frag = append(frag, indicator...)
		frag = append(frag, header)
		out = append(out, append(frag, body[offset:end]...))
	}
	return out
}

func chunk(data []byte, size int) [][]byte {
	var out [][]byte
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	return append(out, data)
}

// swap16 converts little-endian 16-bit samples to network byte order.
func swap16(data []byte) []byte {
	out := make([]byte, len(data)&^1)
	for i := 0; i+1 < len(data); i += 2 {
		out[i], out[i+1] = data[i+1], data[i]
	}
	return out
}
