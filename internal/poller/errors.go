package poller

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed fetch.
type ErrorKind string

const (
	// KindFetchFailure is a transport error or a non-2xx status.
	KindFetchFailure ErrorKind = "fetch_failure"
	// KindMalformedResponse is a body that is not valid JSON.
	KindMalformedResponse ErrorKind = "malformed_response"
)

// FetchError is recorded when a fetch for one ApiSource fails. It never
// escapes the engine; it is reported through Stats and update callbacks.
type FetchError struct {
	APIID  string
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("api %s: %s: status %d: %v", e.APIID, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("api %s: %s: %v", e.APIID, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// KindOf returns the kind of a fetch error, or KindFetchFailure for any
// other non-nil error.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindFetchFailure
}

var (
	ErrAlreadyStarted = errors.New("engine already started")
	ErrStopped        = errors.New("engine stopped")
	ErrUnknownSource  = errors.New("unknown api source")
	ErrNoPushService  = errors.New("no push subscriber configured")
)
