package exec

import "github.com/pkg/errors"

// Sentinel errors of the execution core. They are always returned wrapped
// with context (device name, program name, allocation index or thunk index
// involved); match them with errors.Is.
var (
	// ErrCapabilityMismatch is returned by Executable.Run before any buffer
	// is touched, when the device's compute capability differs from the one
	// the program was compiled for. Not retryable.
	ErrCapabilityMismatch = errors.New("device compute capability mismatch")

	// ErrConstantResolution is returned when loading the program binary onto
	// a device or resolving its constant symbols fails.
	ErrConstantResolution = errors.New("constant resolution failed")

	// ErrThunkExecution is returned when a thunk fails during execution.
	// Prior thunks' writes to buffers are not rolled back.
	ErrThunkExecution = errors.New("thunk execution failed")

	// ErrDeadlineExceeded is returned when the stream-completion wait hits
	// the caller's deadline. The device work is not cancelled: it outlives
	// the call, and the buffers involved must not be reused until a later
	// sync confirms completion.
	ErrDeadlineExceeded = errors.New("deadline exceeded waiting for device streams")
)
