// Package safehttp provides HTTP transports for outbound calls whose
// destination an operator or a model can influence.
package safehttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// DialTimeout bounds connection setup.
const DialTimeout = 5 * time.Second

// ErrPrivateAddress is wrapped by dial errors for denied destinations.
var ErrPrivateAddress = errors.New("private address")

// Denied reports whether ip is loopback, private, link-local or unspecified.
func Denied(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// NewTransport returns a transport that refuses connections to addresses
// for which Denied is true. The check runs on the connected peer, so
// redirects and DNS rebinding are covered.
func NewTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = dial
	return t
}

func dial(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: DialTimeout}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	ip := net.ParseIP(host)
	if ip == nil {
		conn.Close()
		return nil, fmt.Errorf("failed to parse remote IP for %q", addr)
	}
	if Denied(ip) {
		conn.Close()
		return nil, fmt.Errorf("dial %s: %w %s", addr, ErrPrivateAddress, ip)
	}
	return conn, nil
}
