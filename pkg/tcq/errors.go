package tcq

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/houseofcat/turbocql/pkg/frame"
)

var (
	// ErrBusy is returned when a connection has no free stream id left.
	// you can check for this error with errors.Is
	ErrBusy = errors.New("connection busy: no free stream id")

	// ErrNoConnectionAvailable is returned when a pool has no connection that can take a request.
	ErrNoConnectionAvailable = errors.New("no connection available")

	// ErrConnectionClosed is returned for requests on a connection that is closed or defunct.
	ErrConnectionClosed = errors.New("connection is already closed")

	// ErrAbandoned resolves a pending request whose caller gave up on it.
	ErrAbandoned = errors.New("request abandoned")

	// ErrHeartbeatTimeout marks a connection whose heartbeat went unanswered.
	ErrHeartbeatTimeout = errors.New("heartbeat timed out")

	// ErrSessionClosed is returned once a session shutdown has been triggered.
	ErrSessionClosed = errors.New("session closed")

	// ErrConnectionPoolClosed is returned when a pool shutdown has been triggered.
	ErrConnectionPoolClosed = errors.New("connection pool closed")

	// ErrUnsupportedAuthenticator is returned when a node asks for authentication.
	ErrUnsupportedAuthenticator = errors.New("node requires an authenticator")
)

// ErrorKind classifies request failures.
type ErrorKind int

// Error kinds surfaced to callers and retry policies.
const (
	KindConnectionError ErrorKind = iota
	KindOperationTimedOut
	KindReadTimeout
	KindWriteTimeout
	KindUnavailable
	KindServerError
	KindOverloaded
	KindInvalidRequest
	KindNoHostAvailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectionError:
		return "ConnectionError"
	case KindOperationTimedOut:
		return "OperationTimedOut"
	case KindReadTimeout:
		return "ReadTimeout"
	case KindWriteTimeout:
		return "WriteTimeout"
	case KindUnavailable:
		return "Unavailable"
	case KindServerError:
		return "ServerError"
	case KindOverloaded:
		return "Overloaded"
	case KindInvalidRequest:
		return "InvalidRequest"
	case KindNoHostAvailable:
		return "NoHostAvailable"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// RequestError is a failure of one attempt against one host. Server side
// failures keep the decoded details the retry policies need.
type RequestError struct {
	Kind        ErrorKind
	Host        string
	Code        frame.ErrorCode
	Message     string
	Consistency Consistency
	Received    int
	BlockFor    int
	Alive       int
	Required    int
	DataPresent bool
	WriteType   string
	Err         error
}

func (e *RequestError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Host != "" {
		b.WriteString(" from ")
		b.WriteString(e.Host)
	}
	switch {
	case e.Message != "":
		b.WriteString(": ")
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RequestError) Unwrap() error { return e.Err }

// Retryable reports whether the retry policy may be consulted for this error.
func (e *RequestError) Retryable() bool {
	return e.Kind != KindInvalidRequest && e.Kind != KindOperationTimedOut
}

// OperationTimedOutError is returned when the execution deadline expires
// before any host produced a final outcome.
type OperationTimedOutError struct {
	Errors   map[string]error
	LastHost string
}

func (e *OperationTimedOutError) Error() string {
	return fmt.Sprintf("operation timed out: last_host=%s errors=%s", e.LastHost, formatHostErrors(e.Errors))
}

// NoHostAvailableError is returned when the query plan is exhausted. Errors
// holds exactly one entry per host that was tried.
type NoHostAvailableError struct {
	Errors map[string]error
}

func (e *NoHostAvailableError) Error() string {
	if len(e.Errors) == 0 {
		return "no host available: query plan was empty"
	}
	return "no host available: " + formatHostErrors(e.Errors)
}

// KindOf maps any error returned by a session to its kind. ok is false for
// errors outside the taxonomy.
func KindOf(err error) (kind ErrorKind, ok bool) {

	var reqErr *RequestError
	var timeoutErr *OperationTimedOutError
	var nhaErr *NoHostAvailableError

	switch {
	case errors.As(err, &timeoutErr):
		return KindOperationTimedOut, true
	case errors.As(err, &nhaErr):
		return KindNoHostAvailable, true
	case errors.As(err, &reqErr):
		return reqErr.Kind, true
	}
	return 0, false
}

func formatHostErrors(errs map[string]error) string {

	hosts := make([]string, 0, len(errs))
	for h := range errs {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	var b strings.Builder
	b.WriteByte('{')
	for i, h := range hosts {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %v", h, errs[h])
	}
	b.WriteByte('}')
	return b.String()
}

// newServerRequestError classifies a decoded ERROR frame.
func newServerRequestError(host string, se *frame.ServerError) *RequestError {

	e := &RequestError{
		Host:        host,
		Code:        se.Code,
		Message:     se.Message,
		Consistency: se.Consistency,
		Received:    int(se.Received),
		BlockFor:    int(se.BlockFor),
		Alive:       int(se.Alive),
		Required:    int(se.Required),
		DataPresent: se.DataPresent,
		WriteType:   se.WriteType,
		Err:         se,
	}

	switch se.Code {
	case frame.ErrCodeReadTimeout:
		e.Kind = KindReadTimeout
	case frame.ErrCodeWriteTimeout:
		e.Kind = KindWriteTimeout
	case frame.ErrCodeUnavailable:
		e.Kind = KindUnavailable
	case frame.ErrCodeOverloaded:
		e.Kind = KindOverloaded
	case frame.ErrCodeServer, frame.ErrCodeBootstrapping, frame.ErrCodeTruncate,
		frame.ErrCodeReadFailure, frame.ErrCodeWriteFailure, frame.ErrCodeFunctionFailure:
		e.Kind = KindServerError
	default:
		e.Kind = KindInvalidRequest
	}

	return e
}

func newConnectionError(host string, err error) *RequestError {
	return &RequestError{Kind: KindConnectionError, Host: host, Err: err}
}

// newTimedOutError is the failure of a request whose connection stopped
// answering heartbeats while the request was pending.
func newTimedOutError(host string, err error) *RequestError {
	return &RequestError{Kind: KindOperationTimedOut, Host: host, Err: err}
}
