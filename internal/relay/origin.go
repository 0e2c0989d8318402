package relay

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

var ErrOriginRejected = errors.New("relay: origin rejected")

// OriginGuard checks the embedding page of a relay request. Entries match a
// hostname exactly; an entry with a leading dot also matches every subdomain.
type OriginGuard struct {
	hosts        []string
	allowMissing bool
}

func NewOriginGuard(hosts []string, allowMissing bool) *OriginGuard {
	g := &OriginGuard{allowMissing: allowMissing}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" && h != "." {
			g.hosts = append(g.hosts, h)
		}
	}
	return g
}

// Check inspects Origin, falling back to Referer.
func (g *OriginGuard) Check(r *http.Request) error {
	raw := r.Header.Get("Origin")
	if raw == "" {
		raw = r.Header.Get("Referer")
	}
	if raw == "" {
		if g.allowMissing {
			return nil
		}
		return ErrOriginRejected
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ErrOriginRejected
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ErrOriginRejected
	}
	if g.Allowed(host) {
		return nil
	}
	return ErrOriginRejected
}

func (g *OriginGuard) Allowed(host string) bool {
	for _, entry := range g.hosts {
		if strings.HasPrefix(entry, ".") {
			if host == entry[1:] || strings.HasSuffix(host, entry) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}
