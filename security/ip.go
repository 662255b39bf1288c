package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP returns the caller's address. Forwarding headers are consulted
// only when trustProxy is set, and then only the entry written by the
// outermost trusted proxy is believed.
//
// SECURITY CONSIDERATIONS:
//   - The address feeds the per-IP rate limiters and the audit log, so a
//     spoofable value lets one caller spread itself over many buckets.
//   - Enable trustProxy only when every request passes through proxies you
//     run. Without a proxy any client can write X-Forwarded-For.
//   - X-Real-IP is a fallback for proxies that do not append to
//     X-Forwarded-For; it is believed on the same terms.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := fromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// fromForwardedFor picks the client entry out of an X-Forwarded-For list.
//
// SECURITY: every proxy appends the address it received the request from.
// The proxy that connects to the bridge shows up as RemoteAddr, not in the
// list, so trustedProxyCount counts only the trusted proxies further out
// whose addresses appear at the right end of the header. The client entry is
// the one immediately left of them; everything further left was written by
// the client or by hops we do not control:
//
//	client -> edge (10.0.0.2) -> ingress (RemoteAddr) -> bridge
//	X-Forwarded-For: "6.6.6.6, 203.0.113.7, 10.0.0.2"   (6.6.6.6 forged by the client)
//	trustedProxyCount=1: ips[3-1-1] = "203.0.113.7"
//
// With a single proxy trustedProxyCount is 0 and the rightmost entry is the
// client. Taking the leftmost entry instead would let the client choose its
// own address and spread requests over as many rate limit buckets as it
// likes. A list shorter than expected clamps to index 0; an entry that is not
// an IP is ignored and the caller falls back to X-Real-IP or RemoteAddr.
func fromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	if trustedProxyCount < 0 {
		trustedProxyCount = 0
	}

	ips := strings.Split(xff, ",")
	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
