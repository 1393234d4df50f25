package common

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the caller address from RemoteAddr. Forwarding headers are
// not read here: chi's RealIP middleware rewrites RemoteAddr at the edge, so
// handlers behind it never trust a header the sender controls twice.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return ip.String()
	}
	return host
}
