package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrLeaseBusy is returned when a project's environment is already leased.
	ErrLeaseBusy = errors.New("sandbox lease already held for project")
	// ErrLeaseNotHeld is returned for operations on a released or stale lease.
	ErrLeaseNotHeld = errors.New("sandbox lease is not held")
	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("sandbox manager closed")
)

// InfraError reports a failure of the execution environment itself rather
// than of the code running inside it.
type InfraError struct {
	Op        string
	ProjectID string
	Timeout   bool
	// Lost means the environment can no longer be used and must be discarded.
	Lost bool
	Err  error
}

func (e *InfraError) Error() string {
	msg := fmt.Sprintf("sandbox %s failed for project %s", e.Op, e.ProjectID)
	if e.Timeout {
		msg += " (timeout)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InfraError) Unwrap() error { return e.Err }

// IsInfra reports whether err is (or wraps) an InfraError.
func IsInfra(err error) bool {
	var ie *InfraError
	return errors.As(err, &ie)
}

// IsLost reports whether err says the environment must be discarded.
func IsLost(err error) bool {
	var ie *InfraError
	return errors.As(err, &ie) && ie.Lost
}
