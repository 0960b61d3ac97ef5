package chat

import "fmt"

// ValidationError rejects a submission locally, before any network call.
// It never transitions the coordinator out of Idle.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// TransportError covers network failures, non-success statuses, and errors
// thrown by the completion call. It triggers the rollback path.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ResolutionError covers a failed signed-URL exchange. It is scoped to the
// single attachment being displayed and never affects the rest of the
// conversation.
type ResolutionError struct {
	Path string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve attachment %s: %v", e.Path, e.Err)
}
func (e *ResolutionError) Unwrap() error { return e.Err }

// ErrSendInFlight rejects a submit while another send is in flight for the
// same conversation. Re-entrant sends are refused, not queued.
var ErrSendInFlight = &ValidationError{Reason: "a message is already being sent"}
