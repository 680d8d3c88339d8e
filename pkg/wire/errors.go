package wire

import "errors"

// Sentinel errors for the wire codec, matching the error kinds named in §7.
var (
	// ErrNeedMoreBytes indicates DecodeFrame does not yet have a complete
	// frame buffered; the caller should retry after more bytes arrive.
	ErrNeedMoreBytes = errors.New("wire: need more bytes")

	// ErrFrameTooLarge indicates a frame's declared or encoded length
	// exceeds constants.MaxFrameLen. The host should disconnect.
	ErrFrameTooLarge = errors.New("wire: frame too large")

	// ErrDecodeFailed indicates a malformed frame body. The host should
	// disconnect.
	ErrDecodeFailed = errors.New("wire: decode failed")
)
