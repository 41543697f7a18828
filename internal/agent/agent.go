// Package agent keeps a subdomain served by forwarding every exchange the
// relay hands over to a local HTTP address.
package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/sizestr"

	"digto/internal/client"
	"digto/internal/config"
	"digto/internal/metrics"
	"digto/internal/transport"
)

// Headers that describe one connection and must not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type Agent struct {
	cfg    *config.Config
	client *client.Client
	local  *http.Client
}

// New builds the relay client from cfg and an agent around it.
func New(cfg *config.Config) (*Agent, error) {
	hc, err := transport.NewHTTPClient(cfg.TransportConfig())
	if err != nil {
		return nil, fmt.Errorf("relay transport: %w", err)
	}
	c, err := client.New(cfg.ClientConfig(), client.WithHTTPClient(hc))
	if err != nil {
		return nil, err
	}
	return newAgent(cfg, c), nil
}

func newAgent(cfg *config.Config, c *client.Client) *Agent {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DisableCompression = true
	if cfg.Proxy.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Agent{
		cfg:    cfg,
		client: c,
		local: &http.Client{
			Transport: tr,
			// Redirects belong to the original caller.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (a *Agent) PublicURL() string { return a.client.PublicURL() }

// Start runs Proxy.Concurrency workers until ctx is done. It returns nil on
// cancellation and the first worker error otherwise.
func (a *Agent) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n := a.cfg.Proxy.Concurrency
	if n <= 0 {
		n = 1
	}
	errCh := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := a.worker(ctx, id); err != nil {
				errCh <- err
				cancel()
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

func (a *Agent) worker(ctx context.Context, id int) error {
	retry := NewRetryStrategy(a.cfg.RetryInitial(), a.cfg.RetryMax(), a.cfg.Proxy.Retry.MaxRetries, a.cfg.Proxy.Retry.Jitter)
	if f := a.cfg.Proxy.Breaker.Failures; f > 0 {
		retry.Breaker = NewCircuitBreaker(f, a.cfg.BreakerReset())
	}

	for {
		req, res, err := a.client.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !retry.ShouldRetry() {
				return fmt.Errorf("worker %d: giving up after %d retries: %w", id, retry.Attempts(), err)
			}
			wait := retry.NextBackoff()
			log.Printf("worker %d: receive failed: %v (retry in %s)", id, err, wait.Round(time.Millisecond))
			if sleepCtx(ctx, wait) != nil {
				return nil
			}
			continue
		}
		retry.Reset()
		a.handle(ctx, req, res)
	}
}

func (a *Agent) handle(ctx context.Context, req *client.Request, res *client.Responder) {
	start := time.Now()
	status, sent, err := a.forward(ctx, req, res)
	if err != nil {
		log.Printf("exchange %s: respond failed: %v", req.ID, err)
		return
	}
	if a.cfg.Debug() {
		method := req.Method
		if method == "" {
			method = http.MethodGet
		}
		log.Printf("%s %s -> %d %s (%s)", method, req.URL, status, sizestr.ToString(sent), time.Since(start).Round(time.Millisecond))
	}
}

// forward replays req against the local address and delivers the outcome.
// A local failure is answered with 500 and the error text.
func (a *Agent) forward(ctx context.Context, req *client.Request, res *client.Responder) (int, int64, error) {
	lres, err := a.roundTrip(ctx, req)
	if err != nil {
		metrics.IncForwardErrors()
		log.Printf("exchange %s: local request failed: %v", req.ID, err)
		msg := err.Error()
		_, rerr := res.Respond(ctx, client.Response{
			Status: http.StatusInternalServerError,
			Header: http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
			Body:   strings.NewReader(msg),
		})
		return http.StatusInternalServerError, int64(len(msg)), rerr
	}
	defer lres.Body.Close()

	body := &countingReader{r: lres.Body}
	_, err = res.Respond(ctx, client.Response{
		Status: lres.StatusCode,
		Header: stripHopHeaders(lres.Header),
		Body:   body,
	})
	return lres.StatusCode, body.n, err
}

func (a *Agent) roundTrip(ctx context.Context, req *client.Request) (*http.Response, error) {
	out, err := req.HTTPRequest(ctx, a.cfg.Proxy.Scheme+"://"+a.cfg.Proxy.Addr)
	if err != nil {
		return nil, err
	}
	// Absolute URIs from the relay still go to the local address.
	out.URL.Scheme = a.cfg.Proxy.Scheme
	out.URL.Host = a.cfg.Proxy.Addr
	if a.cfg.Proxy.HostHeader != "" {
		out.Host = a.cfg.Proxy.HostHeader
	}
	out.Header = stripHopHeaders(out.Header)
	return a.local.Do(out)
}

func stripHopHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, k := range hopHeaders {
		out.Del(k)
	}
	out.Del("Content-Length")
	return out
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
