package worker

import "errors"

var (
	// ErrNotInitialized is returned when a decode or configure is
	// attempted while the session is not ready. The native layer is
	// never touched in that case.
	ErrNotInitialized = errors.New("decoder not initialized")

	// ErrPacketTooLarge is returned when a packet does not fit the input
	// staging buffer. The engine is not called.
	ErrPacketTooLarge = errors.New("packet exceeds input staging capacity")

	errWorkerExiting = errors.New("worker is exiting")
)
