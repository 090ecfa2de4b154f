package moray

import (
	"errors"
	"fmt"
)

// NoBackendsError is returned by ConnectionPool.allocate when there is no
// AVAIL connection and no usable fallback connection.
type NoBackendsError struct {
	// Reason describes why no backend was available: "empty" or
	// "fallback expired".
	Reason string
}

func (e *NoBackendsError) Error() string {
	return "moray: no backends available: " + e.Reason
}

// ClientClosedError is returned when an operation is attempted on a Client
// that is no longer OPEN.
type ClientClosedError struct {
	State ClientState
}

func (e *ClientClosedError) Error() string {
	return fmt.Sprintf("moray: client is %s", e.State)
}

// TransportError wraps an error surfaced by a Transport, optionally adding
// the local/remote address of the connection it occurred on. When
// Config.UnwrapErrors is set, callers see Unwrap()'s result instead of this
// wrapper.
type TransportError struct {
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("moray: transport error (%s): %v", e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// unwrapTransportError strips TransportError wrapping layers when unwrap is
// true, per Config.UnwrapErrors.
func unwrapTransportError(err error, unwrap bool) error {
	if err == nil || !unwrap {
		return err
	}
	var te *TransportError
	for errors.As(err, &te) {
		err = te.Err
	}
	return err
}

// BucketConflictError is returned by CreateBucket when the bucket already
// exists. It is always surfaced to the caller, never swallowed.
type BucketConflictError struct {
	Bucket string
}

func (e *BucketConflictError) Error() string {
	return fmt.Sprintf("moray: bucket %q already exists", e.Bucket)
}

// UnhandledOptionsError is returned when the server's reply does not
// acknowledge every option a caller requested.
type UnhandledOptionsError struct {
	Unhandled []string
}

func (e *UnhandledOptionsError) Error() string {
	return fmt.Sprintf("moray: server did not acknowledge options: %v", e.Unhandled)
}

// errAssertion panics to surface a programmer-integrity failure: double
// release, release of an unknown request id, or a pool state transition
// invariant violation. These are bugs in the calling code, not recoverable
// error values.
func errAssertion(format string, args ...any) {
	panic(fmt.Sprintf("moray: integrity assertion failed: "+format, args...))
}
