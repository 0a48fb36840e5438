package lifecycle

import (
	"errors"
	"fmt"

	"github.com/example/tow-dispatch/internal/models"
)

var (
	// ErrInvalidRequesterID is returned when a request is created without a
	// requester.
	ErrInvalidRequesterID = errors.New("invalid requester id")

	// ErrMissingServiceType is returned when a request names no service type.
	ErrMissingServiceType = errors.New("missing service type")

	// ErrInvalidPickupLocation is returned when request coordinates are out
	// of range.
	ErrInvalidPickupLocation = errors.New("invalid pickup location")

	// ErrAlreadyAssigned is returned when accepting a request another driver
	// already won.
	ErrAlreadyAssigned = errors.New("request already assigned")

	// ErrRequestCancelled is returned when acting on a cancelled request.
	ErrRequestCancelled = errors.New("request cancelled")

	// ErrNotAssignedDriver is returned when a driver reports progress on a
	// request assigned to somebody else.
	ErrNotAssignedDriver = errors.New("driver not assigned to this request")

	// ErrCannotCancelInProgress is returned when a requester cancels work
	// already underway; only an admin may do that.
	ErrCannotCancelInProgress = errors.New("cannot cancel request in progress")
)

// InvalidTransitionError reports a state-machine transition that is not
// allowed from the request's current status. The request is left untouched.
type InvalidTransitionError struct {
	From models.RequestStatus
	To   models.RequestStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}
