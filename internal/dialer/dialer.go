// Package dialer provides the single proxy-aware dial path shared by the
// REST client and the gateway: direct, HTTP CONNECT tunnel, or SOCKS5,
// always ending in a TLS stream to the target.
package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

const (
	dialTimeout  = 5 * time.Second
	proxyTimeout = 10 * time.Second
)

// Dialer dials TLS connections, optionally through a proxy.
type Dialer struct {
	proxyURL *url.URL // nil when no proxy is configured
}

// New parses the proxy string from the config ("" for direct,
// "http://host:port" or "socks5://host:port").
func New(proxyAddr string) (*Dialer, error) {
	if proxyAddr == "" {
		return &Dialer{}, nil
	}
	u, err := url.Parse(proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	switch {
	case u.Scheme == "http":
	case strings.HasPrefix(u.Scheme, "socks"):
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %q", u.Scheme)
	}
	return &Dialer{proxyURL: u}, nil
}

// DialTLSContext connects to addr ("host:443") through the configured
// proxy, if any, and completes a TLS handshake with SNI set to the target
// host. Satisfies http.Transport.DialTLSContext.
func (d *Dialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("split host port: %w", err)
	}

	raw, err := d.dialRaw(ctx, addr)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(raw, &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", host, err)
	}
	return tlsConn, nil
}

func (d *Dialer) dialRaw(ctx context.Context, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: dialTimeout}

	if d.proxyURL == nil {
		conn, err := nd.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn, nil
	}

	if d.proxyURL.Scheme == "http" {
		return d.dialHTTPTunnel(ctx, addr)
	}

	// socks5
	auth := socksAuth(d.proxyURL)
	sd, err := proxy.SOCKS5("tcp", d.proxyURL.Host, auth, &net.Dialer{Timeout: proxyTimeout})
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy %s: %w", d.proxyURL.Host, err)
	}
	cd, ok := sd.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support context")
	}
	conn, err := cd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s via socks5: %w", addr, err)
	}
	return conn, nil
}

// dialHTTPTunnel opens a CONNECT tunnel through an HTTP proxy.
func (d *Dialer) dialHTTPTunnel(ctx context.Context, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: proxyTimeout}
	conn, err := nd.DialContext(ctx, "tcp", d.proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("dial http proxy %s: %w", d.proxyURL.Host, err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if u := d.proxyURL.User; u != nil {
		pass, _ := u.Password()
		req.SetBasicAuth(u.Username(), pass)
		req.Header.Set("Proxy-Authorization", req.Header.Get("Authorization"))
		req.Header.Del("Authorization")
	}

	deadline := time.Now().Add(proxyTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT to %s: %s", addr, resp.Status)
	}
	return conn, nil
}

func socksAuth(u *url.URL) *proxy.Auth {
	if u.User == nil {
		return nil
	}
	pass, _ := u.User.Password()
	return &proxy.Auth{User: u.User.Username(), Password: pass}
}

// HTTPClient returns a client that routes every request through this
// dialer with no connection reuse, one fresh TLS connection per call.
func (d *Dialer) HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialTLSContext:    d.DialTLSContext,
			DisableKeepAlives: true,
		},
	}
}
