package dispatch

import "errors"

// Batch-level errors are returned by Run before any state is touched.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotConnected = errors.New("transport not connected")
	ErrBatchActive  = errors.New("a batch is already running")
)

// Item-level errors are recorded in the outcome of one destination.
var (
	ErrInvalidDestination = errors.New("invalid destination format")
	ErrTimeout            = errors.New("send timed out")
)
