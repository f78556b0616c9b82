package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// ErrDeviceNotFound is returned when the backend answers a device request
// successfully but with the "Device not found" body.
var ErrDeviceNotFound = errors.New("device not found")

// deviceNotFoundBody is the sentinel body the backend sends for unknown ids.
const deviceNotFoundBody = "Device not found"

// ErrorKind classifies a failed backend request.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConnectionRefused
	KindOperationCanceled
	KindInternalServerError
	KindHostNotFound
	KindServiceUnavailable
	KindTemporaryNetworkFailure
	KindUnknownNetworkError
	KindMalformedResponse
	KindUnexpectedStatus
)

// String returns a human-readable name for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindConnectionRefused:
		return "connection_refused"
	case KindOperationCanceled:
		return "operation_canceled"
	case KindInternalServerError:
		return "internal_server_error"
	case KindHostNotFound:
		return "host_not_found"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindTemporaryNetworkFailure:
		return "temporary_network_failure"
	case KindUnknownNetworkError:
		return "unknown_network_error"
	case KindMalformedResponse:
		return "malformed_response"
	case KindUnexpectedStatus:
		return "unexpected_status"
	default:
		return "unknown"
	}
}

// Error is a classified backend failure.
type Error struct {
	Op     string
	Path   string
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %s (status %d)", e.Op, e.Path, e.Kind, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind of err, classifying raw transport errors
// when err is not already a *Error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return classifyTransport(err)
}

// classifyTransport maps errors returned by http.Client.Do onto an ErrorKind.
func classifyTransport(err error) ErrorKind {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionRefused
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindOperationCanceled
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout || dnsErr.IsTemporary {
			return KindTemporaryNetworkFailure
		}
		return KindHostNotFound
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindOperationCanceled
	}

	if errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return KindTemporaryNetworkFailure
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindUnknownNetworkError
	}

	return KindUnknown
}

// kindForStatus maps a non-success HTTP status onto an ErrorKind.
func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusInternalServerError:
		return KindInternalServerError
	case http.StatusServiceUnavailable:
		return KindServiceUnavailable
	default:
		return KindUnexpectedStatus
	}
}

// FailureClass is the short status string rendered in place of live data.
type FailureClass string

const (
	FailureServerDown          FailureClass = "SERVER DOWN"
	FailureServerOffline       FailureClass = "SERVER OFFLINE"
	FailureNoNetworkConnection FailureClass = "NO NETWORK CONNECTION"
	FailureServerError         FailureClass = "SERVER ERROR"
	FailureServerNotFound      FailureClass = "SERVER NOT FOUND"
	FailureNoNetwork           FailureClass = "NO NETWORK"
	FailureRelayDown           FailureClass = "RELAY DOWN"
	FailureNetworkFailure      FailureClass = "NETWORK FAILURE"
	FailureUnknown             FailureClass = "UNKNOWN ERROR"
)

// Classify maps an error kind and the local network reachability onto the
// user-visible failure class.
func Classify(kind ErrorKind, networkUp bool) FailureClass {
	switch kind {
	case KindConnectionRefused:
		return FailureServerDown
	case KindOperationCanceled:
		if networkUp {
			return FailureServerOffline
		}
		return FailureNoNetworkConnection
	case KindInternalServerError:
		return FailureServerError
	case KindHostNotFound:
		if networkUp {
			return FailureServerNotFound
		}
		return FailureNoNetwork
	case KindServiceUnavailable:
		return FailureRelayDown
	case KindTemporaryNetworkFailure, KindUnknownNetworkError:
		if !networkUp {
			return FailureNetworkFailure
		}
		return FailureUnknown
	default:
		return FailureUnknown
	}
}
