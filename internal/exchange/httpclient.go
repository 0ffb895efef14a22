// Package exchange provides the unified interface this system trades through.
package exchange

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"
)

// HTTPClientConfig holds the HTTP client settings shared by every adapter.
// Defaults favor low latency over throughput, since every call sits on the
// signal-to-fill path.
type HTTPClientConfig struct {
	// Connection timeouts.
	ConnectTimeout time.Duration // TCP connect timeout (default: 5s)
	ReadTimeout    time.Duration // response read timeout (default: 10s)
	WriteTimeout   time.Duration // request write timeout (default: 10s)
	TotalTimeout   time.Duration // overall per-request timeout (default: 30s)

	// Connection pooling.
	MaxIdleConns        int           // max idle connections overall (default: 100)
	MaxIdleConnsPerHost int           // max idle connections per host (default: 10)
	MaxConnsPerHost     int           // max connections per host (default: 20)
	IdleConnTimeout     time.Duration // idle connection expiry (default: 90s)

	// TLS.
	TLSHandshakeTimeout time.Duration // TLS handshake timeout (default: 5s)

	// Keep-alive.
	DisableKeepAlives bool          // disable HTTP keep-alive (default: false)
	KeepAliveInterval time.Duration // keep-alive probe interval (default: 30s)
}

// DefaultHTTPClientConfig returns settings tuned for low-latency order and
// quote traffic against upbit, bithumb, bybit, and gateio.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		TotalTimeout:   30 * time.Second,

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout: 5 * time.Second,

		DisableKeepAlives: false,
		KeepAliveInterval: 30 * time.Second,
	}
}

// HTTPClient wraps http.Client with connection pooling and the timeout
// layering each exchange adapter needs.
type HTTPClient struct {
	client *http.Client
	config HTTPClientConfig
}

// globalClient is a shared HTTP client so unrelated adapters reuse one
// connection pool instead of each paying its own TLS handshake cost.
var (
	globalClient     *HTTPClient
	globalClientOnce sync.Once
)

// GetGlobalHTTPClient returns the shared HTTP client, built on first use
// with DefaultHTTPClientConfig.
func GetGlobalHTTPClient() *HTTPClient {
	globalClientOnce.Do(func() {
		globalClient = NewHTTPClient(DefaultHTTPClientConfig())
	})
	return globalClient
}

// NewHTTPClient builds an HTTP client from config.
func NewHTTPClient(config HTTPClientConfig) *HTTPClient {
	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: config.KeepAliveInterval,
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			// Shrink the dial timeout to whatever's left on the caller's deadline.
			if deadline, ok := ctx.Deadline(); ok {
				timeout := time.Until(deadline)
				if timeout < config.ConnectTimeout {
					dialerWithTimeout := &net.Dialer{
						Timeout:   timeout,
						KeepAlive: config.KeepAliveInterval,
					}
					return dialerWithTimeout.DialContext(ctx, network, addr)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},

		MaxIdleConns:        config.MaxIdleConns,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		MaxConnsPerHost:     config.MaxConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,

		TLSHandshakeTimeout: config.TLSHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},

		DisableKeepAlives: config.DisableKeepAlives,

		DisableCompression:   true, // skip gzip to shave decode latency off every quote poll
		ForceAttemptHTTP2:    true,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: config.ReadTimeout,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   config.TotalTimeout,
	}

	return &HTTPClient{
		client: client,
		config: config,
	}
}

// Do performs req under the client's configured timeouts.
func (hc *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	return hc.client.Do(req)
}

// DoWithTimeout performs req under a caller-supplied timeout instead of the
// client's default.
func (hc *HTTPClient) DoWithTimeout(req *http.Request, timeout time.Duration) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(req.Context(), timeout)
	defer cancel()
	return hc.client.Do(req.WithContext(ctx))
}

// GetClient exposes the underlying http.Client for callers that need it
// directly (e.g. a vendored SDK that wants its own *http.Client).
func (hc *HTTPClient) GetClient() *http.Client {
	return hc.client
}

// GetConfig returns the client's active configuration.
func (hc *HTTPClient) GetConfig() HTTPClientConfig {
	return hc.config
}

// Close releases idle connections. Call during graceful shutdown.
func (hc *HTTPClient) Close() {
	if transport, ok := hc.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// CloseGlobalClient releases the shared client's idle connections.
func CloseGlobalClient() {
	if globalClient != nil {
		globalClient.Close()
	}
}
