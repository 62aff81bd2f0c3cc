// Package origin checks browser Origin headers against the configured allow
// list. Requests without an Origin header come from non-browser clients and
// are not subject to the check.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Origin is a parsed http(s) origin. A zero Port means the scheme default.
type Origin struct {
	Scheme   string
	Hostname string
	Port     uint16
	// Opaque is set for the literal "null" origin.
	Opaque bool
}

// Parse parses an Origin header value. Default ports are dropped and the
// scheme and hostname are lowercased.
func Parse(header string) (Origin, bool) {
	trimmed := strings.TrimSpace(header)
	switch trimmed {
	case "":
		return Origin{}, false
	case "null":
		return Origin{Opaque: true}, true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Origin{}, false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return Origin{}, false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Origin{}, false
	}
	hostname, port, ok := parseAuthority(u.Host, scheme)
	if !ok {
		return Origin{}, false
	}
	return Origin{Scheme: scheme, Hostname: hostname, Port: port}, true
}

// Host returns host[:port] with IPv6 literals bracketed.
func (o Origin) Host() string {
	if o.Opaque {
		return ""
	}
	return formatHost(o.Hostname, o.Port)
}

func (o Origin) String() string {
	if o.Opaque {
		return "null"
	}
	return o.Scheme + "://" + o.Host()
}

// NormalizeHeader returns the canonical form of an Origin header value and
// its host.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	o, ok := Parse(originHeader)
	if !ok {
		return "", "", false
	}
	return o.String(), o.Host(), true
}

// Policy decides which origins may connect.
//
// With an empty allow list only same-host origins are accepted: the origin's
// host[:port] must equal the request Host. The scheme is not compared since
// the server may sit behind a TLS-terminating proxy.
type Policy struct {
	allowed map[string]bool
	any     bool
}

// NewPolicy builds a policy from normalized origins (see NormalizeHeader) and
// the wildcard "*".
func NewPolicy(allowed []string) Policy {
	p := Policy{allowed: make(map[string]bool, len(allowed))}
	for _, a := range allowed {
		if a == "*" {
			p.any = true
			continue
		}
		p.allowed[a] = true
	}
	return p
}

// Allow reports whether originHeader may access requestHost and returns the
// normalized origin.
func (p Policy) Allow(originHeader, requestHost string) (string, bool) {
	o, ok := Parse(originHeader)
	if !ok {
		return "", false
	}
	if p.any {
		return o.String(), true
	}
	if len(p.allowed) > 0 {
		return o.String(), p.allowed[o.String()]
	}
	if o.Opaque {
		return o.String(), false
	}
	hostname, port, ok := parseAuthority(strings.ToLower(strings.TrimSpace(requestHost)), o.Scheme)
	if !ok {
		return o.String(), false
	}
	return o.String(), formatHost(hostname, port) == o.Host()
}

// CheckRequest applies the policy to r. It has the signature of
// websocket.Upgrader.CheckOrigin.
func (p Policy) CheckRequest(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if strings.TrimSpace(header) == "" {
		return true
	}
	_, ok := p.Allow(header, r.Host)
	return ok
}

func parseAuthority(authority, scheme string) (string, uint16, bool) {
	rawHostname, rawPort, ok := splitHostPort(authority)
	if !ok {
		return "", 0, false
	}
	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", 0, false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", 0, false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}
	return hostname, uint16(port), true
}

func formatHost(hostname string, port uint16) string {
	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(uint64(port), 10)
	}
	return host
}

// splitHostPort splits an authority host[:port] string.
//
// The hostname is returned without brackets for IPv6 literals. The port is
// returned as-is (not validated) and will be empty when absent.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		parts := strings.SplitN(rawHost, ":", 2)
		if parts[0] == "" || parts[1] == "" {
			return "", "", false
		}
		return parts[0], parts[1], true
	default:
		// Unbracketed IPv6 literals are not valid in the authority component.
		return "", "", false
	}
}
