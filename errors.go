package avenc

import "errors"

// Error taxonomy. Callers match with errors.Is; every returned error wraps
// exactly one of these.
var (
	// ErrConfig reports an incompatible option combination. Fatal at init.
	ErrConfig = errors.New("invalid configuration")

	// ErrBackendInit reports that a requested backend is not supported by
	// the device. Selection falls back one tier when it sees this.
	ErrBackendInit = errors.New("backend init failed")

	// ErrEncode reports a frame rejected by a codec session. The frame is
	// dropped and the stream keeps running.
	ErrEncode = errors.New("encode failed")

	// ErrMux reports an I/O failure on a mux target. The target is
	// abandoned for the remainder of the session.
	ErrMux = errors.New("mux write failed")

	// ErrDrain reports an unexpected codec status while draining. Fatal for
	// that stream only.
	ErrDrain = errors.New("drain failed")
)

var (
	// ErrAgain is returned by CodecSession.ReceivePacket when more input is
	// needed before another packet can be produced.
	ErrAgain = errors.New("resource temporarily unavailable")

	// ErrNotWritable is returned when a reusable frame is still referenced
	// by the codec session and cannot be filled.
	ErrNotWritable = errors.New("frame not writable")

	// ErrClosed is returned by operations on a closed session, stream or target.
	ErrClosed = errors.New("closed")

	ErrCodecNotFound = errors.New("codec not found")
)
