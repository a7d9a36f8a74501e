package tracker

import "errors"

var (
	// ErrSubmissionRejected: the engine refused the job or retry. Nothing was started.
	ErrSubmissionRejected = errors.New("submission rejected")
	// ErrTransportAmbiguous marks engine failures whose outcome is unknown. It is
	// never returned from StartJob; the tracker falls back to polling instead.
	ErrTransportAmbiguous = errors.New("engine outcome unknown")
	ErrJobTimedOut        = errors.New("job timed out")
	ErrRetryExhausted     = errors.New("retries exhausted; report the angle instead")
	ErrRetryNotAllowed    = errors.New("retry not allowed in the current state")
	ErrNotReportable      = errors.New("angle is not reportable")
	ErrUnknownUnit        = errors.New("unknown angle")
	ErrJobInProgress      = errors.New("a job is already in progress for this entity")
	ErrNoActiveJob        = errors.New("no active job")
	ErrInvalidRequest     = errors.New("invalid job request")
	ErrIntentUnavailable  = errors.New("durable intent unavailable")
	ErrTrackerClosed      = errors.New("tracker closed")
	ErrResultsUnsaved     = errors.New("results of the previous job are not saved yet")
)
