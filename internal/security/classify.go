package security

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
)

// ConnectionClass is the trust/transport tag assigned to a connection at
// accept time. It is immutable for the lifetime of the connection.
type ConnectionClass int

const (
	ClassLocal ConnectionClass = iota
	ClassTunneled
	ClassVPN
	ClassDirect
)

// String returns the wire name used in forwarded frame metadata.
func (c ConnectionClass) String() string {
	switch c {
	case ClassTunneled:
		return "cloudflare"
	case ClassVPN:
		return "vpn"
	case ClassDirect:
		return "direct"
	default:
		return "local"
	}
}

// AllClasses lists every connection class, used for per-class state tables.
var AllClasses = []ConnectionClass{ClassLocal, ClassTunneled, ClassVPN, ClassDirect}

// Package-level vars — parsed once at init, not per-request
var (
	vpnIPv4      = mustParseCIDR("100.64.0.0/10")       // Tailscale CGNAT range
	vpnIPv6      = mustParseCIDR("fd7a:115c:a1e0::/48") // Tailscale ULA range
	loopbackIPv4 = mustParseCIDR("127.0.0.0/8")
)

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// Classify maps a new connection to a trust class from its peer address and
// handshake headers. Rules are applied in order:
//
//  1. CF-Connecting-IP header present → tunneled; the header value replaces
//     the peer for addressing.
//  2. Peer inside the VPN CIDR, or a Tailscale-User header → vpn.
//  3. Loopback peer → local.
//  4. Anything else → local (conservative default; unclassifiable upstream
//     traffic still gets its own rate bucket).
//
// The returned peer is the effective address to record for the connection.
func Classify(peer string, headers http.Header) (ConnectionClass, string) {
	if cf := headers.Get("CF-Connecting-IP"); cf != "" {
		return ClassTunneled, cf
	}

	ip := net.ParseIP(hostOnly(peer))
	if (ip != nil && (vpnIPv4.Contains(ip) || vpnIPv6.Contains(ip))) || headers.Get("Tailscale-User") != "" {
		return ClassVPN, peer
	}
	if ip != nil && (loopbackIPv4.Contains(ip) || ip.IsLoopback()) {
		return ClassLocal, peer
	}
	return ClassLocal, peer
}

// IsVPNIP checks whether the given address (host or host:port) belongs to
// the VPN overlay range (IPv4: 100.64.0.0/10, IPv6: fd7a:115c:a1e0::/48).
func IsVPNIP(addr string) bool {
	ip := net.ParseIP(hostOnly(addr))
	if ip == nil {
		return false
	}
	return vpnIPv4.Contains(ip) || vpnIPv6.Contains(ip)
}

// IsLoopbackHost reports whether a Host header (or host:port) resolves to a
// loopback address. Hostname "localhost" counts; anything unparseable does not.
func IsLoopbackHost(host string) bool {
	h := hostOnly(host)
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func hostOnly(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}

// ClientID derives the deterministic registry key for a connection from its
// effective peer and user agent, so reconnects from the same client converge
// on the same id.
func ClientID(peer, userAgent string) string {
	sum := sha256.Sum256([]byte(peer + "|" + userAgent))
	return hex.EncodeToString(sum[:8])
}
