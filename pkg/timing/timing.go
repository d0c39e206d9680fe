// Package timing measures where an upstream dial spent its time: DNS
// resolution, the TCP handshake, the upstream TLS handshake, and,
// uniquely to the interception path (spec.md §4.6), the time spent
// minting or reusing a leaf certificate before the client-side TLS
// handshake can even begin. relay.Proxy logs the resulting Metrics
// once per Work so a slow CONNECT can be attributed to DNS, dial,
// upstream TLS, or cert minting rather than treated as one opaque
// number.
package timing

import (
	"fmt"
	"time"
)

// Metrics captures the timing breakdown for one upstream dial, or, for
// a Timer on which StartCertMint/EndCertMint were called, the
// leaf-certificate mint/reuse step that precedes the client handshake.
// dialer.Dial never times a mint, so a dial's Metrics has CertMint zero.
type Metrics struct {
	// DNSLookup is the time spent performing DNS resolution
	DNSLookup time.Duration `json:"dns_lookup"`

	// TCPConnect is the time spent establishing TCP connection (handshake)
	TCPConnect time.Duration `json:"tcp_connect"`

	// TLSHandshake is the time spent performing the upstream TLS handshake (0 for plain HTTP)
	TLSHandshake time.Duration `json:"tls_handshake"`

	// CertMint is the time spent in certauth.CA.LeafFor for this Work's
	// host: near-zero on a cache hit, the cost of an RSA keygen + sign
	// on a miss. Zero unless StartCertMint/EndCertMint were called.
	CertMint time.Duration `json:"cert_mint,omitempty"`

	// TotalTime is the total end-to-end dial time
	TotalTime time.Duration `json:"total_time"`
}

// Timer helps measure the phases of a dial.
type Timer struct {
	start time.Time

	dnsStart, dnsEnd   time.Time
	tcpStart, tcpEnd   time.Time
	tlsStart, tlsEnd   time.Time
	mintStart, mintEnd time.Time
}

// NewTimer starts a new timing measurement session.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// StartDNS marks the beginning of DNS resolution.
func (t *Timer) StartDNS() { t.dnsStart = time.Now() }

// EndDNS marks the end of DNS resolution.
func (t *Timer) EndDNS() { t.dnsEnd = time.Now() }

// StartTCP marks the beginning of the TCP connect.
func (t *Timer) StartTCP() { t.tcpStart = time.Now() }

// EndTCP marks the end of the TCP connect.
func (t *Timer) EndTCP() { t.tcpEnd = time.Now() }

// StartTLS marks the beginning of the upstream TLS handshake.
func (t *Timer) StartTLS() { t.tlsStart = time.Now() }

// EndTLS marks the end of the upstream TLS handshake.
func (t *Timer) EndTLS() { t.tlsEnd = time.Now() }

// StartCertMint marks the beginning of a certauth.CA.LeafFor call.
func (t *Timer) StartCertMint() { t.mintStart = time.Now() }

// EndCertMint marks the end of a certauth.CA.LeafFor call.
func (t *Timer) EndCertMint() { t.mintEnd = time.Now() }

// GetMetrics returns the calculated timing metrics. Phases whose
// Start/End were never called stay zero.
func (t *Timer) GetMetrics() Metrics {
	m := Metrics{TotalTime: time.Since(t.start)}

	if !t.dnsStart.IsZero() && !t.dnsEnd.IsZero() {
		m.DNSLookup = t.dnsEnd.Sub(t.dnsStart)
	}
	if !t.tcpStart.IsZero() && !t.tcpEnd.IsZero() {
		m.TCPConnect = t.tcpEnd.Sub(t.tcpStart)
	}
	if !t.tlsStart.IsZero() && !t.tlsEnd.IsZero() {
		m.TLSHandshake = t.tlsEnd.Sub(t.tlsStart)
	}
	if !t.mintStart.IsZero() && !t.mintEnd.IsZero() {
		m.CertMint = t.mintEnd.Sub(t.mintStart)
	}
	return m
}

// ConnectionTime returns the total connection establishment time (DNS + TCP + TLS).
func (m Metrics) ConnectionTime() time.Duration {
	return m.DNSLookup + m.TCPConnect + m.TLSHandshake
}

// String provides a human-readable representation of the metrics.
func (m Metrics) String() string {
	return fmt.Sprintf("dns=%v tcp=%v tls=%v cert_mint=%v total=%v",
		m.DNSLookup, m.TCPConnect, m.TLSHandshake, m.CertMint, m.TotalTime)
}
