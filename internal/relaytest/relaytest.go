// Package relaytest runs an in-memory relay speaking the digto wire
// protocol, for tests.
//
// Requests whose Host is "<subdomain>.<Domain>" are public calls: they are
// queued per subdomain and held open until a response arrives. Requests
// for any other host are API calls: GET /<subdomain> waits for a queued
// public call, POST /<subdomain> with Digto-Id delivers its response.
package relaytest

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultDomain = "digto.test"

type exchange struct {
	id     string
	method string
	uri    string
	host   string
	header http.Header
	body   []byte
	done   chan reply
}

type reply struct {
	status int
	header http.Header
	body   []byte
}

// Delivery is a response as the relay received it.
type Delivery struct {
	ID     string
	Header http.Header
	Body   []byte
}

// Relay is a test relay. The zero value is not usable; call New.
type Relay struct {
	// Domain is the public base domain.
	Domain string

	srv     *httptest.Server
	timeout time.Duration

	mu          sync.Mutex
	queues      map[string]chan *exchange
	pending     map[string]*exchange
	receiveErrs []string
	respondErrs []string
	deliveries  []Delivery
}

// New starts a relay serving DefaultDomain. Public calls give up after
// timeout; zero means one minute.
func New(timeout time.Duration) *Relay {
	if timeout <= 0 {
		timeout = time.Minute
	}
	r := &Relay{
		Domain:  DefaultDomain,
		timeout: timeout,
		queues:  make(map[string]chan *exchange),
		pending: make(map[string]*exchange),
	}
	r.srv = httptest.NewServer(r)
	return r
}

func (r *Relay) Close() { r.srv.Close() }

// Addr is the host:port the relay listens on, usable as APIHost.
func (r *Relay) Addr() string { return r.srv.Listener.Addr().String() }

// FailNextReceive makes the next wait call fail with msg in Digto-Error.
func (r *Relay) FailNextReceive(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receiveErrs = append(r.receiveErrs, msg)
}

// FailNextRespond makes the next delivery fail with msg in Digto-Error.
func (r *Relay) FailNextRespond(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.respondErrs = append(r.respondErrs, msg)
}

// Deliveries returns every response accepted so far.
func (r *Relay) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Delivery, len(r.deliveries))
	copy(out, r.deliveries)
	return out
}

// Pending counts exchanges handed to a waiter and not answered yet.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Call plays a third party calling the public URL of subdomain. It blocks
// until the exchange is answered.
func (r *Relay) Call(ctx context.Context, subdomain, method, uri string, header http.Header, body []byte) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.srv.URL+uri, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	req.Host = subdomain + "." + r.Domain
	res, err := r.srv.Client().Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	return res, data, err
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	host := req.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if sub, ok := strings.CutSuffix(host, "."+r.Domain); ok {
		r.handlePublic(w, req, sub)
		return
	}

	sub := strings.Trim(req.URL.Path, "/")
	if req.Method == http.MethodPost && req.Header.Get("Digto-Id") != "" {
		r.handleRespond(w, req)
		return
	}
	r.handleWait(w, req, sub)
}

func (r *Relay) queue(sub string) chan *exchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[sub]
	if !ok {
		q = make(chan *exchange, 64)
		r.queues[sub] = q
	}
	return q
}

func (r *Relay) handlePublic(w http.ResponseWriter, req *http.Request, sub string) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ex := &exchange{
		id:     uuid.NewString(),
		method: req.Method,
		uri:    req.URL.RequestURI(),
		host:   req.Host,
		header: req.Header.Clone(),
		body:   body,
		done:   make(chan reply, 1),
	}

	select {
	case r.queue(sub) <- ex:
	default:
		http.Error(w, "relay queue full", http.StatusServiceUnavailable)
		return
	}

	select {
	case rep := <-ex.done:
		for k, vs := range rep.header {
			if strings.HasPrefix(k, "Digto-") {
				continue
			}
			w.Header()[k] = vs
		}
		w.WriteHeader(rep.status)
		_, _ = w.Write(rep.body)
	case <-time.After(r.timeout):
		r.forget(ex.id)
		http.Error(w, "timeout waiting for response", http.StatusGatewayTimeout)
	case <-req.Context().Done():
		r.forget(ex.id)
	}
}

func (r *Relay) handleWait(w http.ResponseWriter, req *http.Request, sub string) {
	if msg, ok := r.popErr(&r.receiveErrs); ok {
		w.Header().Set("Digto-Error", msg)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	select {
	case ex := <-r.queue(sub):
		r.mu.Lock()
		r.pending[ex.id] = ex
		r.mu.Unlock()

		for k, vs := range ex.header {
			w.Header()[k] = vs
		}
		w.Header().Set("Host", ex.host)
		w.Header().Set("Digto-Id", ex.id)
		w.Header().Set("Digto-Method", ex.method)
		w.Header().Set("Digto-Url", ex.uri)
		w.Header().Set("Content-Length", strconv.Itoa(len(ex.body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(ex.body)
	case <-req.Context().Done():
	}
}

func (r *Relay) handleRespond(w http.ResponseWriter, req *http.Request) {
	id := req.Header.Get("Digto-Id")
	if msg, ok := r.popErr(&r.respondErrs); ok {
		w.Header().Set("Digto-Error", msg)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		w.Header().Set("Digto-Error", err.Error())
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	ex, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
		r.deliveries = append(r.deliveries, Delivery{ID: id, Header: req.Header.Clone(), Body: body})
	}
	r.mu.Unlock()
	if !ok {
		w.Header().Set("Digto-Error", "exchange "+id+" not found")
		w.WriteHeader(http.StatusNotFound)
		return
	}

	status, err := strconv.Atoi(req.Header.Get("Digto-Status"))
	if err != nil || status == 0 {
		status = http.StatusOK
	}
	ex.done <- reply{status: status, header: req.Header.Clone(), body: body}
	w.WriteHeader(http.StatusOK)
}

func (r *Relay) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

func (r *Relay) popErr(list *[]string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(*list) == 0 {
		return "", false
	}
	msg := (*list)[0]
	*list = (*list)[1:]
	return msg, true
}
