package querysync

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClient matches (errors.Is) every error classified as KindClient.
	ErrClient = errors.New("querysync: client error")
	// ErrTransient matches (errors.Is) every error classified as KindTransient.
	ErrTransient = errors.New("querysync: transient error")

	ErrClosed    = errors.New("querysync: engine closed")
	ErrNoFetcher = errors.New("querysync: fetcher is required")
	ErrNoWriter  = errors.New("querysync: mutation write is required")
	ErrZeroKey   = errors.New("querysync: zero key")
)

// ErrorKind splits remote failures into the ones worth retrying and the ones that are not.
type ErrorKind uint8

const (
	// KindTransient covers timeouts, network failures and unavailable servers.
	KindTransient ErrorKind = iota
	// KindClient covers malformed requests, not-found and permission denied.
	KindClient
)

func (k ErrorKind) String() string {
	if k == KindClient {
		return "client"
	}
	return "transient"
}

// RemoteError is what remote fetchers and writers are expected to return.
type RemoteError struct {
	Kind   ErrorKind
	Op     string // e.g. "GET /proposals"; optional
	Status int    // transport status code if any
	Msg    string
	Err    error
}

func (e *RemoteError) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Status != 0:
		return fmt.Sprintf("%s error: %s (%d): %s", e.Kind, e.Op, e.Status, msg)
	case e.Op != "":
		return fmt.Sprintf("%s error: %s: %s", e.Kind, e.Op, msg)
	default:
		return fmt.Sprintf("%s error: %s", e.Kind, msg)
	}
}

func (e *RemoteError) Unwrap() error { return e.Err }

func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrClient:
		return e.Kind == KindClient
	case ErrTransient:
		return e.Kind == KindTransient
	}
	return false
}

// ClientError builds a non-retryable remote error.
func ClientError(msg string) error { return &RemoteError{Kind: KindClient, Msg: msg} }

// TransientError builds a retryable remote error.
func TransientError(msg string) error { return &RemoteError{Kind: KindTransient, Msg: msg} }

// Classify maps err onto the retry taxonomy. Explicit RemoteErrors keep their
// kind and validation failures are client errors. Deadlines, network failures
// and anything unknown are transient. A cancelled context is not retried.
func Classify(err error) ErrorKind {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindClient
	}
	if errors.Is(err, context.Canceled) {
		// the caller gave up; retrying on its behalf makes no sense
		return KindClient
	}
	return KindTransient
}

// ValidationError rejects a mutation before any optimistic patch is applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Invalid is shorthand for &ValidationError{Field: field, Reason: reason}.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// MutationError is returned by Mutate when the remote write failed. By the time
// the caller sees it, every optimistic patch of the mutation has been rolled back.
type MutationError struct {
	ID         string
	Name       string
	RolledBack int // number of keys restored
	Err        error
}

func (e *MutationError) Error() string {
	name := e.Name
	if name == "" {
		name = e.ID
	}
	return fmt.Sprintf("mutation %q failed (rolled back %d keys): %v", name, e.RolledBack, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }
