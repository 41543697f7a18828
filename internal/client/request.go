package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"digto/internal/metrics"
)

// Request is one inbound request the relay is holding open.
type Request struct {
	// ID is the relay's correlation id for this exchange.
	ID string
	// Method is the original method, empty if the relay did not send one.
	Method string
	// URL is the original request URI, empty if the relay did not send one.
	URL string
	// Header is the full header set of the relay's response, which carries
	// the original inbound headers as well as the Digto-* metadata.
	Header http.Header
	Body   []byte
}

// HTTPRequest rebuilds the original request against base, normally the
// public URL. Digto-* metadata is dropped and the original Host restored.
func (r *Request) HTTPRequest(ctx context.Context, base string) (*http.Request, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	target := r.URL
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = base + target
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(r.Body))
	if err != nil {
		return nil, err
	}
	for k, vs := range r.Header {
		if isDigtoHeader(k) {
			continue
		}
		req.Header[k] = append([]string(nil), vs...)
	}
	if host := r.Header.Get("Host"); host != "" {
		req.Host = host
	}
	return req, nil
}

// Response is what the caller sends back to the original requester.
type Response struct {
	// Status defaults to 200.
	Status int
	Header http.Header
	// Body may be nil.
	Body io.Reader
}

// Ack is the relay's answer to a delivered response.
type Ack struct {
	Status int
	Header http.Header
	Body   []byte
}

// State of a Responder.
type State int32

const (
	StateCreated State = iota
	StateResponded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateResponded:
		return "responded"
	default:
		return "unknown"
	}
}

// Responder delivers the response for exactly one Request. Only Receive
// creates usable responders. It may be shared between goroutines: of any
// number of concurrent Respond calls exactly one reaches the relay.
type Responder struct {
	client *Client
	id     string
	state  atomic.Int32
}

// ID returns the correlation id this responder answers.
func (r *Responder) ID() string { return r.id }

func (r *Responder) State() State { return State(r.state.Load()) }

// Respond sends res to the relay. The responder moves to StateResponded
// before any I/O, so a failed delivery cannot be attempted again; a second
// call returns a *ProtocolError without touching the network.
func (r *Responder) Respond(ctx context.Context, res Response) (*Ack, error) {
	if r.client == nil {
		return nil, &ProtocolError{ID: r.id, Reason: "responder was not issued by Receive"}
	}
	if !r.state.CompareAndSwap(int32(StateCreated), int32(StateResponded)) {
		metrics.IncProtocolErrors()
		return nil, &ProtocolError{ID: r.id, Reason: reasonAlreadyResponded}
	}
	metrics.ExchangeClosed()
	return r.client.respond(ctx, r.id, res)
}
