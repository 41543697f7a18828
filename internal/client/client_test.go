package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay answers wait calls from a queue of canned responses and records
// every delivery it sees.
type fakeRelay struct {
	t *testing.T

	mu         sync.Mutex
	waits      []func(w http.ResponseWriter)
	waitReqs   []*http.Request
	deliveries []recordedDelivery
	deliverFn  func(w http.ResponseWriter)
	posts      atomic.Int32
}

type recordedDelivery struct {
	host   string
	header http.Header
	body   string
}

func newFakeRelay(t *testing.T) (*fakeRelay, *httptest.Server) {
	f := &fakeRelay{t: t}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeRelay) onWait(fn func(w http.ResponseWriter)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits = append(f.waits, fn)
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && r.Header.Get(HeaderID) != "" {
		f.posts.Add(1)
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.deliveries = append(f.deliveries, recordedDelivery{host: r.Host, header: r.Header.Clone(), body: string(body)})
		fn := f.deliverFn
		f.mu.Unlock()
		if fn != nil {
			fn(w)
			return
		}
		_, _ = w.Write([]byte("forwarded"))
		return
	}

	f.mu.Lock()
	f.waitReqs = append(f.waitReqs, r)
	if len(f.waits) == 0 {
		f.mu.Unlock()
		f.t.Errorf("unexpected wait call")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	fn := f.waits[0]
	f.waits = f.waits[1:]
	f.mu.Unlock()
	fn(w)
}

func (f *fakeRelay) delivered() []recordedDelivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedDelivery(nil), f.deliveries...)
}

func (f *fakeRelay) waitRequests() []*http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*http.Request(nil), f.waitReqs...)
}

func exchangeWith(id, body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set(HeaderID, id)
		_, _ = io.WriteString(w, body)
	}
}

func testClient(t *testing.T, srv *httptest.Server, subdomain string) *Client {
	t.Helper()
	c, err := New(Config{
		Scheme:    "http",
		APIHost:   strings.TrimPrefix(srv.URL, "http://"),
		Subdomain: subdomain,
	}, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

type countingTransport struct{ calls atomic.Int32 }

func (c *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return nil, errors.New("no network in this test")
}

func TestNewRejectsEmptySubdomain(t *testing.T) {
	rt := &countingTransport{}
	c, err := New(Config{Scheme: "https", APIHost: "digto.org"}, WithHTTPClient(&http.Client{Transport: rt}))
	require.Error(t, err)
	assert.Nil(t, c)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "subdomain", cfgErr.Field)
	assert.Zero(t, rt.calls.Load())
}

func TestNewAppliesDefaults(t *testing.T) {
	c, err := New(Config{Subdomain: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "https://abc.digto.org", c.PublicURL())
	assert.Equal(t, "https://digto.org/abc", c.RelayURL())
	assert.Equal(t, "https", c.Config().Scheme)
}

func TestReceiveAndRespond(t *testing.T) {
	relay, srv := newFakeRelay(t)
	relay.onWait(exchangeWith("abc123", "ok"))
	c := testClient(t, srv, "sub")

	req, res, err := c.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", req.ID)
	assert.Equal(t, "ok", string(req.Body))
	assert.Equal(t, "abc123", res.ID())
	assert.Equal(t, StateCreated, res.State())

	ack, err := res.Respond(context.Background(), Response{Status: 200, Body: strings.NewReader("done")})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, ack.Status)
	assert.Equal(t, "forwarded", string(ack.Body))
	assert.Equal(t, StateResponded, res.State())

	require.Len(t, relay.delivered(), 1)
	d := relay.delivered()[0]
	assert.Equal(t, "abc123", d.header.Get("Digto-Id"))
	assert.Equal(t, "200", d.header.Get("Digto-Status"))
	assert.Equal(t, "done", d.body)

	require.Len(t, relay.waitRequests(), 1)
	assert.Equal(t, http.MethodGet, relay.waitRequests()[0].Method)
	assert.Equal(t, "/sub", relay.waitRequests()[0].URL.Path)
}

func TestReceiveRelayError(t *testing.T) {
	relay, srv := newFakeRelay(t)
	relay.onWait(func(w http.ResponseWriter) {
		w.Header().Set(HeaderError, "boom")
		w.WriteHeader(http.StatusBadRequest)
	})
	c := testClient(t, srv, "sub")

	req, res, err := c.Receive(context.Background())
	assert.Nil(t, req)
	assert.Nil(t, res)

	var relayErr *RelayError
	require.True(t, errors.As(err, &relayErr))
	assert.Equal(t, "boom", relayErr.Message)
	assert.Equal(t, "receive", relayErr.Op)
}

func TestReceiveMissingID(t *testing.T) {
	relay, srv := newFakeRelay(t)
	relay.onWait(func(w http.ResponseWriter) {
		_, _ = io.WriteString(w, "body without id")
	})
	c := testClient(t, srv, "sub")

	_, _, err := c.Receive(context.Background())
	var relayErr *RelayError
	require.True(t, errors.As(err, &relayErr))
	assert.Contains(t, relayErr.Message, HeaderID)
}

func TestReceiveMetadata(t *testing.T) {
	relay, srv := newFakeRelay(t)
	relay.onWait(func(w http.ResponseWriter) {
		w.Header().Set(HeaderID, "id1")
		w.Header().Set(HeaderMethod, "POST")
		w.Header().Set(HeaderURL, "/callback?x=1")
		w.Header().Set("X-Signature", "sig")
		w.Header().Set("Unknown-Digto-Thing", "ignored")
		_, _ = io.WriteString(w, `{"paid":true}`)
	})
	c := testClient(t, srv, "sub")

	req, _, err := c.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/callback?x=1", req.URL)
	assert.Equal(t, "sig", req.Header.Get("x-signature"))
	assert.Equal(t, `{"paid":true}`, string(req.Body))
}

func TestReceiveOptionalHeadersAbsent(t *testing.T) {
	relay, srv := newFakeRelay(t)
	relay.onWait(exchangeWith("id1", ""))
	c := testClient(t, srv, "sub")

	req, _, err := c.Receive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, req.Method)
	assert.Empty(t, req.URL)
	assert.Empty(t, req.Body)
}

func TestReceiveOptionsAndHostOverride(t *testing.T) {
	relay, srv := newFakeRelay(t)
	relay.onWait(exchangeWith("id1", ""))
	c, err := New(Config{
		Scheme:        "http",
		APIHost:       strings.TrimPrefix(srv.URL, "http://"),
		Subdomain:     "sub",
		APIHeaderHost: "digto.org",
	}, WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, res, err := c.Receive(context.Background(), WithMethod(http.MethodPut), WithHeader("X-Token", "t"))
	require.NoError(t, err)
	require.Len(t, relay.waitRequests(), 1)
	wr := relay.waitRequests()[0]
	assert.Equal(t, http.MethodPut, wr.Method)
	assert.Equal(t, "t", wr.Header.Get("X-Token"))
	assert.Equal(t, "digto.org", wr.Host)

	_, err = res.Respond(context.Background(), Response{})
	require.NoError(t, err)
	assert.Equal(t, "digto.org", relay.delivered()[0].host)
}

func TestRespondTwice(t *testing.T) {
	relay, srv := newFakeRelay(t)
	relay.onWait(exchangeWith("abc123", ""))
	c := testClient(t, srv, "sub")

	_, res, err := c.Receive(context.Background())
	require.NoError(t, err)

	_, err = res.Respond(context.Background(), Response{Body: strings.NewReader("first")})
	require.NoError(t, err)

	_, err = res.Respond(context.Background(), Response{Body: strings.NewReader("second")})
	var protoErr *ProtocolError
	require.True(t, errors.As(err, &protoErr))
	assert.Equal(t, "already responded", protoErr.Reason)
	assert.Equal(t, int32(1), relay.posts.Load())
}

func TestRespondConcurrentExactlyOnce(t *testing.T) {
	relay, srv := newFakeRelay(t)
	relay.onWait(exchangeWith("abc123", ""))
	c := testClient(t, srv, "sub")

	_, res, err := c.Receive(context.Background())
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	var ok, rejected atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := res.Respond(context.Background(), Response{Body: strings.NewReader("x")})
			var protoErr *ProtocolError
			switch {
			case err == nil:
				ok.Add(1)
			case errors.As(err, &protoErr):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(n-1), rejected.Load())
	assert.Equal(t, int32(1), relay.posts.Load())
}

func TestRespondReverseOrder(t *testing.T) {
	relay, srv := newFakeRelay(t)
	relay.onWait(exchangeWith("id1", "one"))
	relay.onWait(exchangeWith("id2", "two"))
	c := testClient(t, srv, "sub")

	req1, res1, err := c.Receive(context.Background())
	require.NoError(t, err)
	req2, res2, err := c.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "id1", req1.ID)
	assert.Equal(t, "id2", req2.ID)

	_, err = res2.Respond(context.Background(), Response{Body: strings.NewReader("for two")})
	require.NoError(t, err)
	assert.Equal(t, StateCreated, res1.State())

	_, err = res1.Respond(context.Background(), Response{Body: strings.NewReader("for one")})
	require.NoError(t, err)

	require.Len(t, relay.delivered(), 2)
	assert.Equal(t, "id2", relay.delivered()[0].header.Get(HeaderID))
	assert.Equal(t, "for two", relay.delivered()[0].body)
	assert.Equal(t, "id1", relay.delivered()[1].header.Get(HeaderID))
	assert.Equal(t, "for one", relay.delivered()[1].body)
}

func TestRespondHeadersAndStatus(t *testing.T) {
	relay, srv := newFakeRelay(t)
	relay.onWait(exchangeWith("id1", ""))
	c := testClient(t, srv, "sub")

	_, res, err := c.Receive(context.Background())
	require.NoError(t, err)

	h := http.Header{}
	h.Set("Content-Type", "text/html")
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")
	h.Set(HeaderID, "spoofed")
	_, err = res.Respond(context.Background(), Response{Status: http.StatusFound, Header: h})
	require.NoError(t, err)

	d := relay.delivered()[0]
	assert.Equal(t, "id1", d.header.Get(HeaderID))
	assert.Equal(t, "302", d.header.Get(HeaderStatus))
	assert.Equal(t, "text/html", d.header.Get("Content-Type"))
	assert.Equal(t, []string{"a=1", "b=2"}, d.header.Values("Set-Cookie"))
	assert.Empty(t, d.body)
}

func TestRespondRelayError(t *testing.T) {
	relay, srv := newFakeRelay(t)
	relay.onWait(exchangeWith("id1", ""))
	relay.mu.Lock()
	relay.deliverFn = func(w http.ResponseWriter) {
		w.Header().Set(HeaderError, "caller went away")
		w.WriteHeader(http.StatusBadRequest)
	}
	relay.mu.Unlock()
	c := testClient(t, srv, "sub")

	_, res, err := c.Receive(context.Background())
	require.NoError(t, err)

	_, err = res.Respond(context.Background(), Response{})
	var relayErr *RelayError
	require.True(t, errors.As(err, &relayErr))
	assert.Equal(t, "caller went away", relayErr.Message)
	assert.Equal(t, StateResponded, res.State())
}

func TestReceiveNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := testClient(t, srv, "sub")
	srv.Close()

	_, _, err := c.Receive(context.Background())
	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, "receive", netErr.Op)
}

func TestReceiveCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })
	c := testClient(t, srv, "sub")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.Receive(ctx)
		errCh <- err
	}()
	cancel()

	err := <-errCh
	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRespondNetworkError(t *testing.T) {
	relay, srv := newFakeRelay(t)
	relay.onWait(exchangeWith("id1", ""))
	c := testClient(t, srv, "sub")

	_, res, err := c.Receive(context.Background())
	require.NoError(t, err)
	srv.CloseClientConnections()
	srv.Close()

	_, err = res.Respond(context.Background(), Response{})
	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, "respond", netErr.Op)

	_, err = res.Respond(context.Background(), Response{})
	var protoErr *ProtocolError
	assert.True(t, errors.As(err, &protoErr))
}

func TestZeroResponderRejected(t *testing.T) {
	var res Responder
	_, err := res.Respond(context.Background(), Response{})
	var protoErr *ProtocolError
	assert.True(t, errors.As(err, &protoErr))
}

func TestHTTPRequest(t *testing.T) {
	req := &Request{
		ID:     "id1",
		Method: http.MethodPost,
		URL:    "/pay/return?status=ok",
		Header: http.Header{
			"Digto-Id":     {"id1"},
			"Digto-Method": {"POST"},
			"Host":         {"shop.digto.org"},
			"Content-Type": {"application/x-www-form-urlencoded"},
		},
		Body: []byte("PaRes=abc"),
	}

	hreq, err := req.HTTPRequest(context.Background(), "https://shop.digto.org")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, hreq.Method)
	assert.Equal(t, "/pay/return", hreq.URL.Path)
	assert.Equal(t, "ok", hreq.URL.Query().Get("status"))
	assert.Equal(t, "shop.digto.org", hreq.Host)
	assert.Empty(t, hreq.Header.Get("Digto-Id"))
	assert.Equal(t, "application/x-www-form-urlencoded", hreq.Header.Get("Content-Type"))

	body, err := io.ReadAll(hreq.Body)
	require.NoError(t, err)
	assert.Equal(t, "PaRes=abc", string(body))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "responded", StateResponded.String())
	assert.Equal(t, "unknown", State(7).String())
}
