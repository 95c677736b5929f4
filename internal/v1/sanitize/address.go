package sanitize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// HashAddress maps a network address to the opaque principal key: an
// HMAC-SHA256 of the normalized host, hex encoded (64 chars). The raw
// address must never be stored, logged, or returned; this hash is the
// only form the rest of the system sees, and even the hash stays off
// every external surface.
func HashAddress(secret, address string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(normalizeHost(address)))
	return hex.EncodeToString(mac.Sum(nil))
}

// normalizeHost strips a port and IPv6 brackets and lowercases, so
// "[2001:DB8::1]:443" and "2001:db8::1" hash identically.
func normalizeHost(address string) string {
	addr := strings.TrimSpace(address)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return strings.ToLower(strings.Trim(addr, "[]"))
}

// ClientIP extracts the caller's address. With proxy trust enabled the
// X-Real-IP header wins, then the first X-Forwarded-For entry (the
// reverse proxy appends, so the first entry is the origin client);
// otherwise the direct peer address is used.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			ips := strings.Split(forwarded, ",")
			if ip := strings.TrimSpace(ips[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
