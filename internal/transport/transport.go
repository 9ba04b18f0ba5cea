// Package transport provides per-provider HTTP clients: a pooled utls
// (Chrome TLS fingerprint) transport for direct egress, and an optional
// SOCKS5/HTTP-CONNECT proxy transport with fallback to direct when the
// provider is configured with proxyFallbackToDirect.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"github.com/llmgatewayhq/gateway/internal/catalog"
)

// Manager pools one round-tripper per distinct egress path: direct, or
// a given proxy URL, keyed on the provider's proxy configuration.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
	timeout time.Duration
}

type poolEntry struct {
	rt       http.RoundTripper
	lastUsed time.Time
}

// NewManager builds a Manager whose clients use requestTimeout as their
// per-request deadline (the forwarder layers its own per-attempt timeout
// via context on top of this).
func NewManager(requestTimeout time.Duration) *Manager {
	return &Manager{entries: make(map[string]*poolEntry), timeout: requestTimeout}
}

// ClientFor returns an *http.Client dispatching through p's configured
// egress path (direct, or p.ProxyURL if set).
func (m *Manager) ClientFor(p *catalog.Provider) *http.Client {
	return &http.Client{Transport: m.roundTripperFor(p), Timeout: m.timeout}
}

// DirectClient returns the shared direct-egress client, used by the
// forwarder's proxyFallbackToDirect retry.
func (m *Manager) DirectClient() *http.Client {
	return &http.Client{Transport: m.roundTripper("direct", buildDirectRoundTripper), Timeout: m.timeout}
}

func (m *Manager) roundTripperFor(p *catalog.Provider) http.RoundTripper {
	if p.ProxyURL == "" {
		return m.roundTripper("direct", buildDirectRoundTripper)
	}
	return m.roundTripper("proxy:"+p.ProxyURL, func() http.RoundTripper {
		rt, err := buildProxyRoundTripper(p.ProxyURL)
		if err != nil {
			// Fall back to direct if the proxy URL itself is malformed;
			// the per-attempt dispatch still honors proxyFallbackToDirect
			// for runtime proxy failures.
			return buildDirectRoundTripper()
		}
		return rt
	})
}

func (m *Manager) roundTripper(key string, build func() http.RoundTripper) http.RoundTripper {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		e.lastUsed = time.Now()
		return e.rt
	}
	rt := build()
	m.entries[key] = &poolEntry{rt: rt, lastUsed: time.Now()}
	return rt
}

// RunCleanup evicts pooled transports idle past idleTimeout on a ticker,
// until ctx is cancelled.
func (m *Manager) RunCleanup(ctx context.Context, idleTimeout time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(idleTimeout)
		}
	}
}

func (m *Manager) cleanup(idleTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-idleTimeout)
	for key, e := range m.entries {
		if e.lastUsed.Before(cutoff) {
			if c, ok := e.rt.(interface{ CloseIdleConnections() }); ok {
				c.CloseIdleConnections()
			}
			delete(m.entries, key)
		}
	}
}

// Close releases all pooled transports.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		if c, ok := e.rt.(interface{ CloseIdleConnections() }); ok {
			c.CloseIdleConnections()
		}
		delete(m.entries, key)
	}
}

// --- direct egress: http2 over a utls Chrome-fingerprinted handshake ---

// schemeRouter sends https requests through the fingerprinted h2
// transport and cleartext http (local/dev upstreams) through a plain
// transport, which has no TLS handshake to disguise.
type schemeRouter struct {
	secure http.RoundTripper
	plain  http.RoundTripper
}

func (r *schemeRouter) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme == "http" {
		return r.plain.RoundTrip(req)
	}
	return r.secure.RoundTrip(req)
}

func (r *schemeRouter) CloseIdleConnections() {
	if c, ok := r.secure.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
	if c, ok := r.plain.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

func buildDirectRoundTripper() http.RoundTripper {
	return &schemeRouter{
		secure: &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialUTLS(ctx, network, addr)
			},
		},
		plain: &http.Transport{
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     5 * time.Minute,
		},
	}
}

func dialUTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return utlsHandshake(ctx, rawConn, host)
}

func utlsHandshake(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, utls.HelloChrome_Auto)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// --- proxy egress: SOCKS5 or HTTP CONNECT, dialed then utls-upgraded ---

func buildProxyRoundTripper(proxyURL string) (http.RoundTripper, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse proxy url: %w", err)
	}
	var dial func(ctx context.Context, network, addr string) (net.Conn, error)
	switch u.Scheme {
	case "socks5", "socks5h":
		dial = socks5Dialer(u)
	case "http", "https":
		dial = httpConnectDialer(u)
	default:
		return nil, fmt.Errorf("transport: unsupported proxy scheme %q", u.Scheme)
	}
	return &http.Transport{
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     5 * time.Minute,
		DialTLSContext:      dial,
	}, nil
}

func socks5Dialer(u *url.URL) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var auth *proxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: pass}
		}
		dialer, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("transport: socks5 dialer: %w", err)
		}
		rawConn, err := dialer.Dial(network, addr)
		if err != nil {
			return nil, &ProxyError{Err: err}
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
		return utlsHandshake(ctx, rawConn, host)
	}
}

func httpConnectDialer(u *url.URL) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{}
		rawConn, err := dialer.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, &ProxyError{Err: fmt.Errorf("proxy tcp dial: %w", err)}
		}
		connectReq := &http.Request{
			Method: http.MethodConnect,
			URL:    &url.URL{Opaque: addr},
			Host:   addr,
			Header: make(http.Header),
		}
		if u.User != nil {
			connectReq.Header.Set("Proxy-Authorization", "Basic "+basicAuth(u.User))
		}
		if err := connectReq.Write(rawConn); err != nil {
			rawConn.Close()
			return nil, &ProxyError{Err: fmt.Errorf("proxy CONNECT write: %w", err)}
		}
		resp, err := http.ReadResponse(bufio.NewReader(rawConn), connectReq)
		if err != nil {
			rawConn.Close()
			return nil, &ProxyError{Err: fmt.Errorf("proxy CONNECT read: %w", err)}
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			rawConn.Close()
			return nil, &ProxyError{Err: fmt.Errorf("proxy CONNECT failed: %s", resp.Status)}
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
		return utlsHandshake(ctx, rawConn, host)
	}
}

// ProxyError marks a failure originating from the proxy dial/handshake
// itself (as opposed to the final TLS upstream), the error class the
// forwarder checks for before falling back to direct.
type ProxyError struct{ Err error }

func (e *ProxyError) Error() string { return "transport: proxy error: " + e.Err.Error() }
func (e *ProxyError) Unwrap() error { return e.Err }

// IsProxyError reports whether err originated from the proxy dial path.
func IsProxyError(err error) bool {
	var pe *ProxyError
	return errors.As(err, &pe)
}

func basicAuth(u *url.Userinfo) string {
	pass, _ := u.Password()
	return base64.StdEncoding.EncodeToString([]byte(u.Username() + ":" + pass))
}
