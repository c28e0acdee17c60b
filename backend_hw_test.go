package avenc

import (
	"context"
	"testing"
	"time"
)

// gatedEncoder is a BitstreamEncoder whose encodes complete only once gate
// is closed.
type gatedEncoder struct {
	gate    chan struct{}
	pending []EncodedFrame
	forced  []bool
}

func (e *gatedEncoder) SendFrame(_ []Image, pts int64, forceIDR bool) error {
	e.forced = append(e.forced, forceIDR)
	e.pending = append(e.pending, &gatedFrame{gate: e.gate, pts: pts, idr: forceIDR})
	return nil
}

func (e *gatedEncoder) ReceiveEncodedFrame() (EncodedFrame, error) {
	if len(e.pending) == 0 {
		return nil, ErrAgain
	}
	ef := e.pending[0]
	e.pending = e.pending[1:]
	return ef, nil
}

func (e *gatedEncoder) EncodedParameters() []byte { return nil }
func (e *gatedEncoder) Close() error              { return nil }

type gatedFrame struct {
	gate chan struct{}
	pts  int64
	idr  bool
}

func (f *gatedFrame) Wait(ctx context.Context) error {
	select {
	case <-f.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *gatedFrame) Payload() []byte { return []byte{0x65, 1} }
func (f *gatedFrame) PTS() int64      { return f.pts }
func (f *gatedFrame) DTS() int64      { return f.pts }
func (f *gatedFrame) IDR() bool       { return f.idr }
func (f *gatedFrame) Release()        {}

func TestBitstreamBackendFeedDoesNotBlock(t *testing.T) {
	enc := &gatedEncoder{gate: make(chan struct{})}
	out := &packetRecorder{}
	b := startBitstreamBackend(backendConfig{
		choice:   BackendChoice{Kind: BackendBitstream, Codec: CodecH264, Profile: ProfileH264High},
		timeBase: Rational{1, 30},
		ticks:    1,
		out:      out,
		log:      discardLogger(),
	}, enc)
	defer b.Close()

	const n = 2 * bitstreamQueueDepth
	fed := make(chan error, 1)
	go func() {
		for i := int64(0); i < n; i++ {
			if err := b.Feed(context.Background(), FrameSubmission{}, i, i == 0); err != nil {
				fed <- err
				return
			}
		}
		fed <- nil
	}()
	select {
	case err := <-fed:
		if err != nil {
			t.Fatalf("Feed failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Feed blocked while the output goroutine was stalled")
	}

	// One encode is held by the output goroutine, the rest fill the queue.
	if minDropped := int64(n - bitstreamQueueDepth - 1); b.dropped < minDropped {
		t.Errorf("dropped = %d, want at least %d", b.dropped, minDropped)
	}
	forcedAfterDrop := false
	for _, f := range enc.forced[1:] {
		forcedAfterDrop = forcedAfterDrop || f
	}
	if !forcedAfterDrop {
		t.Errorf("forced IDR flags = %v, want an IDR after the first drop", enc.forced)
	}

	close(enc.gate)
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got, want := int64(len(out.packets)), n-b.dropped; got != want {
		t.Errorf("packets written = %d, want %d", got, want)
	}
}
