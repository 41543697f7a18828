package metrics

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	ReceivedTotal      int64 `json:"received_total"`
	RespondedTotal     int64 `json:"responded_total"`
	InFlight           int64 `json:"in_flight"`
	ReceiveRelayErrors int64 `json:"receive_relay_errors"`
	ReceiveNetErrors   int64 `json:"receive_network_errors"`
	RespondRelayErrors int64 `json:"respond_relay_errors"`
	RespondNetErrors   int64 `json:"respond_network_errors"`
	ProtocolErrors     int64 `json:"protocol_errors"`
	BytesReceived      int64 `json:"bytes_received"`
	BytesSent          int64 `json:"bytes_sent"`
	ForwardErrors      int64 `json:"forward_errors"`
	UpdatedUnix        int64 `json:"updated_unix"`
}

var (
	receivedTotal      atomic.Int64
	respondedTotal     atomic.Int64
	inFlight           atomic.Int64
	receiveRelayErrors atomic.Int64
	receiveNetErrors   atomic.Int64
	respondRelayErrors atomic.Int64
	respondNetErrors   atomic.Int64
	protocolErrors     atomic.Int64
	bytesReceived      atomic.Int64
	bytesSent          atomic.Int64
	forwardErrors      atomic.Int64
)

// IncReceived counts one exchange handed over by the relay.
func IncReceived(body int64) {
	receivedTotal.Add(1)
	inFlight.Add(1)
	bytesReceived.Add(body)
}

// ExchangeClosed marks an exchange whose response is on its way.
func ExchangeClosed() { inFlight.Add(-1) }

func IncResponded(body int64) {
	respondedTotal.Add(1)
	bytesSent.Add(body)
}

func IncRelayErrors(op string) {
	if op == "respond" {
		respondRelayErrors.Add(1)
		return
	}
	receiveRelayErrors.Add(1)
}

func IncNetworkErrors(op string) {
	if op == "respond" {
		respondNetErrors.Add(1)
		return
	}
	receiveNetErrors.Add(1)
}

func IncProtocolErrors() { protocolErrors.Add(1) }
func IncForwardErrors()  { forwardErrors.Add(1) }

func SnapshotData() Snapshot {
	return Snapshot{
		ReceivedTotal:      receivedTotal.Load(),
		RespondedTotal:     respondedTotal.Load(),
		InFlight:           inFlight.Load(),
		ReceiveRelayErrors: receiveRelayErrors.Load(),
		ReceiveNetErrors:   receiveNetErrors.Load(),
		RespondRelayErrors: respondRelayErrors.Load(),
		RespondNetErrors:   respondNetErrors.Load(),
		ProtocolErrors:     protocolErrors.Load(),
		BytesReceived:      bytesReceived.Load(),
		BytesSent:          bytesSent.Load(),
		ForwardErrors:      forwardErrors.Load(),
		UpdatedUnix:        time.Now().Unix(),
	}
}

// Handler serves the JSON snapshot, the Prometheus exposition and a health
// check. A non-empty authToken is required as a bearer token.
func Handler(authToken string) http.Handler {
	mux := http.NewServeMux()
	auth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authToken != "" && r.Header.Get("Authorization") != "Bearer "+authToken {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	mux.Handle("/metrics", auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(SnapshotData())
	})))
	mux.Handle("/metrics/prom", auth(PromHandler()))
	mux.Handle("/healthz", auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})))
	return mux
}

// Start serves Handler on addr in the background. It refuses to expose an
// unauthenticated listener on anything but loopback.
func Start(addr string, authToken string) *http.Server {
	if addr == "" {
		return nil
	}
	if !isLoopback(addr) && authToken == "" {
		log.Printf("metrics not started: refusing to expose unauthenticated endpoint on %s", addr)
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(authToken),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()
	return srv
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
