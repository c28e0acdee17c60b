package avenc

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

// RTMP chunk stream ids used for media, as in common publishers.
const (
	rtmpAudioChunkStream = 4
	rtmpVideoChunkStream = 6
	rtmpChunkSize        = 4096
)

// rtmpTagSink publishes FLV tag bodies as RTMP audio and video messages.
type rtmpTagSink struct {
	client *rtmp.ClientConn
	stream *rtmp.Stream
}

func (s *rtmpTagSink) writeFileHeader(bool, bool) error { return nil }

func (s *rtmpTagSink) writeTag(tagType uint8, timestamp uint32, payload []byte) error {
	switch tagType {
	case flvTagVideo:
		return s.stream.Write(rtmpVideoChunkStream, timestamp, &rtmpmsg.VideoMessage{Payload: bytes.NewReader(payload)})
	case flvTagAudio:
		return s.stream.Write(rtmpAudioChunkStream, timestamp, &rtmpmsg.AudioMessage{Payload: bytes.NewReader(payload)})
	default:
		return nil
	}
}

// close tears down the connection, which also drops the stream.
func (s *rtmpTagSink) close() error {
	return s.client.Close()
}

// parseRTMPURL splits rtmp://host[:port]/app/stream into its parts.
func parseRTMPURL(raw string) (addr, app, streamKey string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if u.Scheme != "rtmp" {
		return "", "", "", fmt.Errorf("%w: unsupported scheme %q", ErrConfig, u.Scheme)
	}
	addr = u.Host
	if u.Port() == "" {
		addr += ":1935"
	}
	path := strings.Trim(u.Path, "/")
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "", "", "", fmt.Errorf("%w: rtmp url %q needs /app/stream", ErrConfig, raw)
	}
	return addr, path[:i], path[i+1:], nil
}

// IsNetworkURL reports whether path names a network output rather than a file.
func IsNetworkURL(path string) bool {
	return strings.HasPrefix(path, "rtmp://")
}

// NewRTMPTarget connects to an RTMP server and publishes FLV-framed media
// under the URL's stream key.
func NewRTMPTarget(name, rawURL string) (*FLVTarget, error) {
	addr, app, key, err := parseRTMPURL(rawURL)
	if err != nil {
		return nil, err
	}

	client, err := rtmp.Dial("rtmp", addr, &rtmp.ConnConfig{})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrMux, addr, err)
	}
	connect := &rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:      app,
			Type:     "nonprivate",
			FlashVer: "FMLE/3.0",
			TCURL:    strings.TrimSuffix(rawURL, "/"+key),
		},
	}
	if err := client.Connect(connect); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: connect %s: %w", ErrMux, rawURL, err)
	}
	stream, err := client.CreateStream(nil, rtmpChunkSize)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: create stream: %w", ErrMux, err)
	}
	if err := stream.Publish(&rtmpmsg.NetStreamPublish{PublishingName: key, PublishingType: "live"}); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: publish %s: %w", ErrMux, key, err)
	}
	return newFLVTagTarget(name, &rtmpTagSink{client: client, stream: stream}), nil
}
