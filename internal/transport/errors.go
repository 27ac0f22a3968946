package transport

import "fmt"

// ConnectError reports a failed handshake. Status is the HTTP status of the
// upgrade response when the server answered at all.
type ConnectError struct {
	URL    string
	Status int
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("connect %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError reports a connection lost while streaming.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }
