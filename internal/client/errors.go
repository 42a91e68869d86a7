package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// UpstreamError reports that the upstream answered with a non-2xx status.
// The status is forwarded to the client verbatim.
type UpstreamError struct {
	Status     int
	StatusText string
}

func (e *UpstreamError) Error() string {
	text := e.StatusText
	if text == "" {
		text = http.StatusText(e.Status)
	}
	return fmt.Sprintf("upstream responded %d %s", e.Status, text)
}

// TransportError reports that no upstream response was received.
type TransportError struct {
	Err     error
	Timeout bool
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return "upstream timeout: " + e.Err.Error()
	}
	return "upstream transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

func newTransportError(err error) *TransportError {
	te := &TransportError{Err: err}
	if errors.Is(err, context.DeadlineExceeded) {
		te.Timeout = true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		te.Timeout = true
	}
	return te
}

// failureReason returns a bounded metrics label for a transport failure.
func failureReason(te *TransportError) string {
	var dnsErr *net.DNSError
	switch {
	case te.Timeout:
		return "timeout"
	case errors.Is(te.Err, context.Canceled):
		return "canceled"
	case errors.As(te.Err, &dnsErr):
		return "dns"
	default:
		return "connect"
	}
}
