package profile

import "errors"

// Error exposes methods useful for categorizing errors returned by the profile API.
type Error interface {
	error

	// Temporary returns true if the failure might clear on its own, so the caller may simply
	// retry the request later.
	Temporary() bool
}

var (
	// ErrStopped indicates a request was made against a controller that has been shut down.
	// Submitting requests to a stopped controller is a caller bug; the controller never stops
	// on its own.
	ErrStopped = NewError("controller has been shut down", false)

	// ErrQueueFull indicates the controller's event queue is saturated. Requests are
	// fire-and-forget and never block, so a flood of requests surfaces here instead.
	ErrQueueFull = NewError("controller event queue is full", true)

	// ErrUnknownDevice indicates the registry holds no controller for the device.
	ErrUnknownDevice = NewError("no controller for device", false)
)

type profileError struct {
	Err               error
	PossibleTemporary bool
}

// NewError creates an error that implements the Error interface.
func NewError(message string, temporary bool) error {
	return &profileError{Err: errors.New(message), PossibleTemporary: temporary}
}

func (e *profileError) Error() string {
	return e.Err.Error()
}

func (e *profileError) Unwrap() error {
	return e.Err
}

func (e *profileError) Temporary() bool {
	return e.PossibleTemporary
}

// Temporary returns true if err is an Error that indicates a transient condition.
func Temporary(err error) bool {
	var pErr Error
	if errors.As(err, &pErr) {
		return pErr.Temporary()
	}
	return false
}
