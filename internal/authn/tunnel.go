package authn

import (
	"net"
	"net/http"
	"strings"
)

// TunnelMethod trusts requests that arrive through a known tunnel domain
// (dev tunnels, ngrok-style forwarders). It authenticates the transport, not
// a user, so the principal carries no roles.
type TunnelMethod struct {
	domains    []string
	trustProxy bool
}

// NewTunnelMethod builds the tunnel matcher. Domains are suffix-matched, so
// "devtunnels.ms" admits any host under it.
func NewTunnelMethod(domains []string, trustProxy bool) *TunnelMethod {
	cleaned := make([]string, 0, len(domains))
	for _, d := range domains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			cleaned = append(cleaned, d)
		}
	}
	return &TunnelMethod{domains: cleaned, trustProxy: trustProxy}
}

func (t *TunnelMethod) Name() string { return "tunnel" }

func (t *TunnelMethod) Authenticate(r *http.Request) (*Principal, error) {
	host := r.Host
	if t.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
			host = fwd
		}
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	for _, d := range t.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return &Principal{Subject: host, Method: t.Name()}, nil
		}
	}
	return nil, nil
}
