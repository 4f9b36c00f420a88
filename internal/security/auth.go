package security

import (
	"crypto/subtle"
	"net"
	"strings"
)

// ExtractBearerToken parses "Bearer <token>" from the Authorization header.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) > len(prefix) && authHeader[:len(prefix)] == prefix {
		return authHeader[len(prefix):]
	}
	return ""
}

// TokenMatch uses constant-time comparison to prevent timing attacks.
func TokenMatch(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// PeerIP strips the port from a RemoteAddr ("ip:port" → "ip"), handling
// bracketed IPv6 forms like "[::1]:8080".
func PeerIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	host := remoteAddr
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return host
}
