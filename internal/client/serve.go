package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// ServeOne waits for a single exchange and answers it with h. The handler
// sees the original request addressed to the public URL; its output is
// buffered and delivered once it returns.
func (c *Client) ServeOne(ctx context.Context, h http.Handler) error {
	req, res, err := c.Receive(ctx)
	if err != nil {
		return err
	}

	hreq, err := req.HTTPRequest(ctx, c.PublicURL())
	if err != nil {
		if _, rerr := res.Respond(ctx, Response{
			Status: http.StatusInternalServerError,
			Body:   strings.NewReader(err.Error()),
		}); rerr != nil {
			return fmt.Errorf("rebuild request %s: %v; respond: %w", req.ID, err, rerr)
		}
		return fmt.Errorf("rebuild request %s: %w", req.ID, err)
	}

	w := newBufferedResponse()
	h.ServeHTTP(w, hreq)
	w.header.Set("Content-Length", strconv.Itoa(w.body.Len()))

	_, err = res.Respond(ctx, Response{
		Status: w.status,
		Header: w.header,
		Body:   &w.body,
	})
	return err
}

// bufferedResponse is an http.ResponseWriter that keeps everything in memory.
type bufferedResponse struct {
	status      int
	wroteHeader bool
	header      http.Header
	body        bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{status: http.StatusOK, header: http.Header{}}
}

func (w *bufferedResponse) Header() http.Header { return w.header }

func (w *bufferedResponse) Write(p []byte) (int, error) {
	w.wroteHeader = true
	return w.body.Write(p)
}

func (w *bufferedResponse) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status
}
