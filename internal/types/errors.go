// Package types provides shared types, interfaces, and errors for the application.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Port registry errors
	ErrNoFreePorts        = errors.New("no free debug ports in configured range")
	ErrPortNotReserved    = errors.New("port is not reserved by this worker")
	ErrPortAlreadyActive  = errors.New("port is already active")
	ErrReservationExpired = errors.New("port reservation has expired")

	// Launch errors
	ErrSlotFull           = errors.New("maximum number of browser instances reached")
	ErrChromeNotFound     = errors.New("chrome executable not found")
	ErrLaunchFailed       = errors.New("chrome process failed to start")
	ErrDevToolsTimeout    = errors.New("timed out waiting for DevTools endpoint")
	ErrPIDNotFound        = errors.New("could not determine chrome process id")
	ErrInvalidUserDataDir = errors.New("user_data_dir outside allowed roots")

	// Session errors
	ErrSessionNotFound = errors.New("session not found")

	// Queue errors
	ErrQueueNotConfigured = errors.New("queue url not configured")
	ErrInvalidMessage     = errors.New("message is not a valid session request")

	// Lifecycle errors
	ErrShuttingDown = errors.New("launcher is shutting down")
)

// LaunchError carries the failure stage of the launch pipeline so callers
// can map it onto a response status and a rollback path.
type LaunchError struct {
	Stage   string // "reserve", "profile", "spawn", "devtools", "register"
	Port    int    // The debug port involved, 0 if none was reserved
	Message string // Human-readable error message
	Err     error  // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *LaunchError) Unwrap() error {
	return e.Err
}

// NewLaunchError creates a launch pipeline error for the given stage.
func NewLaunchError(stage string, port int, message string, err error) *LaunchError {
	return &LaunchError{
		Stage:   stage,
		Port:    port,
		Message: message,
		Err:     err,
	}
}

// TerminateError reports a termination that could not fully reclaim the
// session's process. The port is still released by the caller.
type TerminateError struct {
	WorkerID string
	PID      int
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *TerminateError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *TerminateError) Unwrap() error {
	return e.Err
}
