// Package work holds the per-connection state bundle described in
// spec.md §3 ("Work"): the client connection, its optional upstream
// counterpart, one parser per direction, and the plugin chains that
// apply to it. A Work is created when a client connection is
// accepted and destroyed when both directions are closed or a fatal
// parser/transport error surfaces (spec.md §3 "Lifecycles").
//
// This port runs one goroutine per Work rather than multiplexing many
// Works behind a single selector (see DESIGN.md, Open Question 3);
// Work itself stays the same data bundle the spec describes; only the
// scheduler around it differs.
package work

import (
	"sync"

	"github.com/relaycore/relay/pkg/httpmsg"
	"github.com/relaycore/relay/pkg/netconn"
	"github.com/relaycore/relay/pkg/plugin"
)

// Phase is the Work lifecycle state from spec.md §3.
type Phase int

const (
	Initialized Phase = iota
	ParsingRequest
	ServingWeb
	ProxyingPlain
	TunnelEstablished
	Intercepting
	Closed
)

func (p Phase) String() string {
	switch p {
	case Initialized:
		return "INITIALIZED"
	case ParsingRequest:
		return "PARSING_REQUEST"
	case ServingWeb:
		return "SERVING_WEB"
	case ProxyingPlain:
		return "PROXYING_PLAIN"
	case TunnelEstablished:
		return "TUNNEL_ESTABLISHED"
	case Intercepting:
		return "INTERCEPTING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Work binds one client Connection to an optional upstream
// Connection, a parser instance per direction, and the plugin chains
// configured for this worker. It is mutated only by the goroutine
// that owns it; fields are read by that goroutine without locking,
// except Phase, which Proxy's accept-loop bookkeeping may also read
// for diagnostics.
type Work struct {
	ID string

	Client   *netconn.Connection
	Upstream *netconn.Connection

	ClientParser   *httpmsg.Parser
	UpstreamParser *httpmsg.Parser

	Protocol *plugin.ProtocolChain
	Proxy    *plugin.ProxyChain

	// Intercepted records whether the TLS-interception pipeline (C6)
	// has already swapped the client stream for this Work; once set,
	// every later non-CONNECT request is proxied to the Host header's
	// target over https. The loop does not consult it for CONNECT: a
	// second CONNECT on the same Work goes through interception again.
	Intercepted bool

	mu    sync.Mutex
	phase Phase
}

// New creates a Work around an already-accepted client connection.
// Upstream, parsers, and chains are attached by the caller once known.
func New(id string, client *netconn.Connection) *Work {
	return &Work{
		ID:           id,
		Client:       client,
		ClientParser: httpmsg.NewParser(httpmsg.Options{}),
		phase:        Initialized,
	}
}

// Phase returns the Work's current lifecycle phase.
func (w *Work) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// SetPhase transitions the Work to phase. Unlike the parser's state
// set, Work phases are not required to be monotonic: PROXYING_PLAIN
// and SERVING_WEB both return to PARSING_REQUEST between keep-alive
// requests on the same connection.
func (w *Work) SetPhase(phase Phase) {
	w.mu.Lock()
	w.phase = phase
	w.mu.Unlock()
}

// Close tears down both connections this Work owns. It is safe to
// call more than once and safe to call with Upstream unset.
func (w *Work) Close() {
	w.mu.Lock()
	if w.phase == Closed {
		w.mu.Unlock()
		return
	}
	w.phase = Closed
	w.mu.Unlock()
	if w.Client != nil {
		w.Client.Close()
	}
	if w.Upstream != nil {
		w.Upstream.Close()
	}
	if w.Protocol != nil {
		w.Protocol.OnClientConnectionClose()
	}
	if w.Proxy != nil {
		w.Proxy.OnUpstreamConnectionClose()
	}
}
