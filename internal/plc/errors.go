package plc

import "errors"

// Sentinel errors for the field device channel.
var (
	// ErrDeviceIO indicates a failed serial transaction: timeout, framing
	// failure, or checksum mismatch. The caller decides whether to retry
	// or escalate; the channel never retries internally.
	ErrDeviceIO = errors.New("plc: device I/O failure")

	// ErrProtocol indicates a malformed register value or an out-of-range
	// register bit index.
	ErrProtocol = errors.New("plc: protocol violation")

	// ErrSortConflict indicates an attempt to assert both sort-request
	// bits at once.
	ErrSortConflict = errors.New("plc: conflicting sort request bits")

	// ErrClosed indicates the serial channel has been closed.
	ErrClosed = errors.New("plc: channel closed")
)
