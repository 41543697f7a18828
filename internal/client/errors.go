package client

import "fmt"

// ConfigError is returned by New when the configuration cannot produce a
// usable client. No network call has been made when it is returned.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("digto: invalid config: %s %s", e.Field, e.Reason)
}

// NetworkError wraps a transport failure talking to the relay: connect,
// reset, DNS, timeout or cancellation of the caller's context.
type NetworkError struct {
	// Op is "receive" or "respond".
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("digto: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RelayError carries a failure reported by the relay itself, normally
// through the Digto-Error header.
type RelayError struct {
	Op      string
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("digto: %s: relay error: %s", e.Op, e.Message)
}

// ProtocolError means the caller broke the exactly-once response contract.
// The offending call performed no I/O.
type ProtocolError struct {
	ID     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("digto: exchange %s: %s", e.ID, e.Reason)
}

const reasonAlreadyResponded = "already responded"
