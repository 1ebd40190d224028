package moonraker

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass is the handling class of an error.
type ErrorClass int

const (
	// ClassTransient errors clear up on their own: reconnect, retry later.
	ClassTransient ErrorClass = iota
	// ClassInvalid errors are caused by the request or the data.
	ClassInvalid
	// ClassFatal errors stop the connection manager.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassInvalid:
		return "invalid"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned when a call is issued with no live
	// connection.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectionLost is returned to every pending call when the
	// connection drops.
	ErrConnectionLost = errors.New("connection lost")
	// ErrRequestTimeout is returned when the response does not arrive in
	// time.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrMalformedFrame is reported for inbound frames that can't be
	// parsed.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrShutdown is returned after the client has been shut down.
	ErrShutdown = errors.New("client is shut down")
	// ErrAlreadyStarted is returned by a second Connect.
	ErrAlreadyStarted = errors.New("connection manager already started")
)

// RPCError is an error reported by the host in a response frame.  It is
// returned to the caller verbatim.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: rpc error %d: %s", e.Method, e.Code, e.Message)
}

// ConnectionError is a transport failure.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// FatalError is an unrecoverable handshake rejection, i.e. the host refused
// the credentials.
type FatalError struct {
	StatusCode int
	Err        error
}

func (e *FatalError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("handshake rejected (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("handshake rejected: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Classify returns the class of err.
func Classify(err error) ErrorClass {
	var (
		fe  *FatalError
		re  *RPCError
		cle *ConnectionError
	)
	switch {
	case errors.As(err, &fe), errors.Is(err, ErrShutdown):
		return ClassFatal
	case errors.As(err, &re), errors.Is(err, ErrMalformedFrame):
		return ClassInvalid
	case errors.As(err, &cle),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrRequestTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	return ClassInvalid
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// IsFatal reports whether err stops the connection manager.
func IsFatal(err error) bool {
	return err != nil && Classify(err) == ClassFatal
}
