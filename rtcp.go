package avenc

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
)

// RTCPReader is the receive side of an RTP sender, as implemented by
// *webrtc.RTPSender.
type RTCPReader interface {
	ReadRTCP() ([]rtcp.Packet, interceptor.Attributes, error)
}

// wantsKeyframe reports whether any packet is a picture loss indication or
// a full intra request.
func wantsKeyframe(pkts []rtcp.Packet) bool {
	for _, p := range pkts {
		switch p.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			return true
		}
	}
	return false
}

// readKeyframeRequests reads r until it fails and calls request for every
// batch asking for a keyframe. The read error is returned (io.EOF once the
// sender stops).
func readKeyframeRequests(r RTCPReader, request func()) error {
	for {
		pkts, _, err := r.ReadRTCP()
		if err != nil {
			return err
		}
		if wantsKeyframe(pkts) {
			request()
		}
	}
}
