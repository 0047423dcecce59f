package opshttp

import (
	"net"
	"net/http"
	"net/netip"

	"github.com/keithlinneman/admitd/internal/log"
)

// requireNonPublicNetwork rejects requests whose peer is not on a
// loopback, private, or link-local network. The ops listener should
// never be internet-facing, but if a deployment gets that wrong this
// keeps policy mutation and pprof off the public internet.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		addr, err := netip.ParseAddr(host)
		if err != nil {
			L.Warn(r.Context(), "ops request with unparseable peer rejected", "peer", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		// Unmap so IPv4-mapped IPv6 peers classify by the embedded IPv4.
		addr = addr.Unmap()

		if !addr.IsLoopback() && !addr.IsPrivate() && !addr.IsLinkLocalUnicast() {
			L.Warn(r.Context(), "ops request from public network rejected", "peer", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
