package relaytest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	socks5 "github.com/armon/go-socks5"
)

// SOCKSProxy is a SOCKS5 proxy for checking that relay traffic takes the
// configured proxy.
type SOCKSProxy struct {
	ln      net.Listener
	tunnels atomic.Int64
	wg      sync.WaitGroup
	url     string
}

// NewSOCKSProxy starts a proxy on a loopback port. A non-empty username
// makes username/password authentication mandatory.
func NewSOCKSProxy(username, password string) *SOCKSProxy {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("relaytest: listen: %v", err))
	}
	p := &SOCKSProxy{ln: ln, url: "socks5://" + ln.Addr().String()}

	conf := &socks5.Config{
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, network, addr)
			if err == nil {
				p.tunnels.Add(1)
			}
			return conn, err
		},
	}
	if username != "" {
		conf.Credentials = socks5.StaticCredentials{username: password}
		p.url = "socks5://" + username + ":" + password + "@" + ln.Addr().String()
	}
	srv, err := socks5.New(conf)
	if err != nil {
		ln.Close()
		panic(fmt.Sprintf("relaytest: socks5: %v", err))
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = srv.Serve(ln)
	}()
	return p
}

// URL is the socks5:// URL of the proxy, credentials included.
func (p *SOCKSProxy) URL() string { return p.url }

// Tunnels counts CONNECT requests that reached their target.
func (p *SOCKSProxy) Tunnels() int64 { return p.tunnels.Load() }

func (p *SOCKSProxy) Close() {
	p.ln.Close()
	p.wg.Wait()
}
