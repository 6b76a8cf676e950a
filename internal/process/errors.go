package process

import "fmt"

// SpawnError indicates the server executable could not be started:
// missing binary, permission denial, or OS resource exhaustion.
type SpawnError struct {
	// Path is the executable that failed to start.
	Path string

	// Err is the underlying OS error.
	Err error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *SpawnError) Unwrap() error {
	return e.Err
}
