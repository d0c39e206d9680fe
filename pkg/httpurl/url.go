// Package httpurl parses HTTP request-target bytes into a structured URL.
//
// http.ParseRequestURI and url.Parse both assume the target is a valid
// URI; a proxy has to accept whatever a client puts on the request line,
// including bare "host:port" authority forms used by CONNECT, and IPv6
// literals with zero, one, or many colons. This package implements the
// heuristic parser spec.md §4.1 describes instead.
package httpurl

import (
	"bytes"
	"strconv"

	"github.com/relaycore/relay/pkg/errors"
)

var (
	httpPrefix  = []byte("http://")
	httpsPrefix = []byte("https://")
)

// URL is the tuple (scheme?, hostname?, port?, remainder?) over opaque
// byte-strings described in spec.md §3. The zero value is the empty URL.
type URL struct {
	Scheme    []byte
	Hostname  []byte
	Port      int // 0 means "not set"
	HasPort   bool
	Remainder []byte
}

// IsOriginForm reports whether the URL has no scheme/host, i.e. it came
// from a request line like "GET /a/b HTTP/1.1".
func (u *URL) IsOriginForm() bool {
	return len(u.Scheme) == 0 && len(u.Hostname) == 0
}

// IsAbsoluteForm reports whether the URL carries a scheme, i.e. it came
// from a proxy-style request line like "GET http://host/a HTTP/1.1".
func (u *URL) IsAbsoluteForm() bool {
	return len(u.Scheme) != 0
}

// IsAuthorityForm reports whether the URL is a bare "host:port" with no
// path remainder, the shape CONNECT uses.
func (u *URL) IsAuthorityForm() bool {
	return len(u.Scheme) == 0 && len(u.Remainder) == 0
}

// Bytes re-serialises the URL. For any URL produced by ParseTarget(b),
// Bytes() reproduces b modulo IPv6-bracket canonicalisation (spec.md §8).
func (u *URL) Bytes() []byte {
	var out bytes.Buffer
	if len(u.Scheme) > 0 {
		out.Write(u.Scheme)
		out.WriteString("://")
	}
	if len(u.Hostname) > 0 {
		out.Write(u.Hostname)
	}
	if u.HasPort {
		out.WriteByte(':')
		out.WriteString(strconv.Itoa(u.Port))
	}
	if len(u.Remainder) > 0 {
		out.Write(u.Remainder)
	}
	return out.Bytes()
}

func (u *URL) String() string { return string(u.Bytes()) }

// ParseTarget parses a raw HTTP request-target into a URL using the
// heuristics from spec.md §4.1:
//
//  1. Leading '/' => origin-form, remainder is the raw bytes.
//  2. "http://" / "https://" prefix => absolute-form.
//  3. Otherwise => authority-form (used by CONNECT): host[:port] only.
func ParseTarget(raw []byte) (*URL, error) {
	if len(raw) == 0 {
		return nil, errors.NewParseError("MalformedRequestTarget", "empty request target", nil)
	}

	if raw[0] == '/' {
		return &URL{Remainder: raw}, nil
	}

	isHTTPS := bytes.HasPrefix(raw, httpsPrefix)
	isHTTP := !isHTTPS && bytes.HasPrefix(raw, httpPrefix)
	if isHTTP || isHTTPS {
		var rest []byte
		var scheme []byte
		if isHTTPS {
			rest = raw[len(httpsPrefix):]
			scheme = []byte("https")
		} else {
			rest = raw[len(httpPrefix):]
			scheme = []byte("http")
		}

		authority := rest
		var remainder []byte
		if idx := bytes.IndexByte(rest, '/'); idx >= 0 {
			authority = rest[:idx]
			remainder = append([]byte{'/'}, rest[idx+1:]...)
		}

		host, port, hasPort, err := parseHostAndPort(authority)
		if err != nil {
			return nil, err
		}
		return &URL{
			Scheme:    scheme,
			Hostname:  host,
			Port:      port,
			HasPort:   hasPort,
			Remainder: remainder,
		}, nil
	}

	host, port, hasPort, err := parseHostAndPort(raw)
	if err != nil {
		return nil, err
	}
	return &URL{Hostname: host, Port: port, HasPort: hasPort}, nil
}

// parseHostAndPort implements Url.parse_host_and_port from proxy.py:
// zero colons => host only; one colon => host:port; more than one is
// treated as an IPv6 candidate where only the tail after the *last*
// colon is tried as a port.
func parseHostAndPort(raw []byte) (host []byte, port int, hasPort bool, err error) {
	parts := bytes.Split(raw, []byte(":"))

	switch len(parts) {
	case 1:
		return bracketIfNeeded(parts[0]), 0, false, nil
	case 2:
		p, perr := strconv.Atoi(string(parts[1]))
		if perr != nil {
			return nil, 0, false, errors.NewParseError("MalformedRequestTarget", "invalid port in request target", perr)
		}
		return bracketIfNeeded(parts[0]), p, true, nil
	default:
		// IPv6 candidate: try to parse everything after the last colon as a port.
		last := parts[len(parts)-1]
		if p, perr := strconv.Atoi(string(last)); perr == nil {
			h := bytes.Join(parts[:len(parts)-1], []byte(":"))
			// A bare compressed-zero literal like "::1" also passes the
			// Atoi check on its trailing segment ("1"), but the
			// port-stripped remainder ("::") is nothing but colons: that
			// is not a host, it's the rest of the same literal. Treat the
			// whole token as the host in that case instead of splitting
			// off a phantom port (spec.md §8 scenario 4, "parse ::1 ->
			// host [::1], port None").
			if !isColonsOnly(h) {
				return bracketIfNeeded(h), p, true, nil
			}
		}
		// Unable to resolve a trailing port: treat the entire token as host.
		return bracketIfNeeded(raw), 0, false, nil
	}
}

// isColonsOnly reports whether b is empty or made up entirely of ':'
// characters, i.e. it is the leftover of a compressed-zero IPv6
// literal (like the "::" in "::1") rather than a genuine hostname.
func isColonsOnly(b []byte) bool {
	for _, c := range b {
		if c != ':' {
			return false
		}
	}
	return true
}

// bracketIfNeeded wraps a host containing ':' in "[...]" unless it already is.
func bracketIfNeeded(host []byte) []byte {
	if len(host) == 0 {
		return host
	}
	if !bytes.ContainsRune(host, ':') {
		return host
	}
	if host[0] == '[' && host[len(host)-1] == ']' {
		return host
	}
	out := make([]byte, 0, len(host)+2)
	out = append(out, '[')
	out = append(out, host...)
	out = append(out, ']')
	return out
}
