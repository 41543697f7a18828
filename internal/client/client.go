// Package client waits for HTTP requests sent to a public subdomain of a
// digto relay and answers them.
//
// A single exchange is two calls. Receive blocks on the relay until a third
// party hits the public URL and returns the request together with a
// Responder; Respond on that Responder delivers exactly one response, which
// releases the third party's request held open by the relay.
//
//	c, err := client.New(client.Config{Subdomain: "my-subdomain"})
//	req, res, err := c.Receive(ctx)
//	...
//	_, err = res.Respond(ctx, client.Response{Body: strings.NewReader("it works")})
//
// The package never retries and never logs; both are left to the caller.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"digto/internal/metrics"
)

// Wire headers owned by the relay.
const (
	HeaderID     = "Digto-Id"
	HeaderMethod = "Digto-Method"
	HeaderURL    = "Digto-Url"
	HeaderStatus = "Digto-Status"
	HeaderError  = "Digto-Error"

	headerPrefix = "Digto-"
)

const (
	opReceive = "receive"
	opRespond = "respond"
)

// Client talks to one subdomain of one relay. It is safe for concurrent use;
// independent exchanges share nothing but the immutable config.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for relay calls. Its timeout and
// transport bound how long Receive may block.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New validates cfg, applies defaults and returns a ready client. It makes
// no network calls.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := url.Parse(cfg.RelayURL()); err != nil {
		return nil, &ConfigError{Field: "api_host", Reason: err.Error()}
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

func (c *Client) PublicURL() string { return c.cfg.PublicURL() }

func (c *Client) RelayURL() string { return c.cfg.RelayURL() }

type receiveOptions struct {
	method string
	header http.Header
}

// ReceiveOption customizes the request sent to the relay by Receive.
type ReceiveOption func(*receiveOptions)

// WithMethod overrides the default GET.
func WithMethod(method string) ReceiveOption {
	return func(o *receiveOptions) {
		if method != "" {
			o.method = method
		}
	}
}

// WithHeader adds a header to the wait request.
func WithHeader(key, value string) ReceiveOption {
	return func(o *receiveOptions) {
		o.header.Add(key, value)
	}
}

// Receive blocks until the relay hands over one request addressed to the
// subdomain, the relay reports an error, or the transport gives up.
// Cancelling ctx aborts the wait.
func (c *Client) Receive(ctx context.Context, opts ...ReceiveOption) (*Request, *Responder, error) {
	ro := receiveOptions{method: http.MethodGet, header: http.Header{}}
	for _, opt := range opts {
		opt(&ro)
	}

	relayURL := c.cfg.RelayURL()
	req, err := http.NewRequestWithContext(ctx, ro.method, relayURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("digto: build receive request: %w", err)
	}
	for k, vs := range ro.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	c.setHost(req)

	res, err := c.httpClient.Do(req)
	if err != nil {
		metrics.IncNetworkErrors(opReceive)
		return nil, nil, &NetworkError{Op: opReceive, URL: relayURL, Err: err}
	}
	defer res.Body.Close()

	if msg := res.Header.Get(HeaderError); msg != "" {
		metrics.IncRelayErrors(opReceive)
		return nil, nil, &RelayError{Op: opReceive, Message: msg}
	}
	id := res.Header.Get(HeaderID)
	if id == "" {
		metrics.IncRelayErrors(opReceive)
		return nil, nil, &RelayError{Op: opReceive, Message: "relay response missing " + HeaderID}
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		metrics.IncNetworkErrors(opReceive)
		return nil, nil, &NetworkError{Op: opReceive, URL: relayURL, Err: err}
	}

	metrics.IncReceived(int64(len(body)))
	r := &Request{
		ID:     id,
		Method: res.Header.Get(HeaderMethod),
		URL:    res.Header.Get(HeaderURL),
		Header: res.Header.Clone(),
		Body:   body,
	}
	return r, &Responder{client: c, id: id}, nil
}

func (c *Client) setHost(req *http.Request) {
	if c.cfg.APIHeaderHost != "" {
		req.Host = c.cfg.APIHeaderHost
	}
}

// respond performs the deliver call. The caller has already moved the
// responder to StateResponded.
func (c *Client) respond(ctx context.Context, id string, res Response) (*Ack, error) {
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}

	var body io.Reader
	var counter *countingReader
	if res.Body != nil {
		counter = &countingReader{r: res.Body}
		body = counter
	}

	relayURL := c.cfg.RelayURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, relayURL, body)
	if err != nil {
		return nil, fmt.Errorf("digto: build respond request: %w", err)
	}
	if counter != nil {
		if n, ok := bodyLength(res.Body); ok {
			req.ContentLength = n
			if n == 0 {
				req.Body = http.NoBody
			}
		}
	}
	for k, vs := range res.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set(HeaderID, id)
	req.Header.Set(HeaderStatus, fmt.Sprint(status))
	c.setHost(req)

	hres, err := c.httpClient.Do(req)
	if err != nil {
		metrics.IncNetworkErrors(opRespond)
		return nil, &NetworkError{Op: opRespond, URL: relayURL, Err: err}
	}
	defer hres.Body.Close()

	if msg := hres.Header.Get(HeaderError); msg != "" {
		metrics.IncRelayErrors(opRespond)
		return nil, &RelayError{Op: opRespond, Message: msg}
	}

	ackBody, err := io.ReadAll(hres.Body)
	if err != nil {
		metrics.IncNetworkErrors(opRespond)
		return nil, &NetworkError{Op: opRespond, URL: relayURL, Err: err}
	}

	var sent int64
	if counter != nil {
		sent = counter.n
	}
	metrics.IncResponded(sent)
	return &Ack{
		Status: hres.StatusCode,
		Header: hres.Header,
		Body:   ackBody,
	}, nil
}

// bodyLength sizes the in-memory readers http.NewRequest would recognize
// if they were not wrapped for counting.
func bodyLength(r io.Reader) (int64, bool) {
	if v, ok := r.(interface{ Len() int }); ok {
		return int64(v.Len()), true
	}
	return 0, false
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func isDigtoHeader(key string) bool {
	return strings.HasPrefix(http.CanonicalHeaderKey(key), headerPrefix)
}
