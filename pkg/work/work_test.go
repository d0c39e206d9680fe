package work

import (
	"net"
	"testing"

	"github.com/relaycore/relay/pkg/netconn"
)

func TestNewWorkStartsInitialized(t *testing.T) {
	client, _ := net.Pipe()
	w := New("w1", netconn.New(client, "client"))
	if w.Phase() != Initialized {
		t.Fatalf("phase = %v, want Initialized", w.Phase())
	}
	if w.ClientParser == nil {
		t.Fatalf("expected a client parser to be attached")
	}
}

func TestSetPhaseIsNotMonotonic(t *testing.T) {
	client, _ := net.Pipe()
	w := New("w1", netconn.New(client, "client"))
	w.SetPhase(ProxyingPlain)
	w.SetPhase(ParsingRequest)
	if w.Phase() != ParsingRequest {
		t.Fatalf("phase = %v, want ParsingRequest after reverting", w.Phase())
	}
}

func TestCloseIsIdempotentAndClosesBothConnections(t *testing.T) {
	client, clientPeer := net.Pipe()
	upstream, upstreamPeer := net.Pipe()
	defer clientPeer.Close()
	defer upstreamPeer.Close()

	w := New("w1", netconn.New(client, "client"))
	w.Upstream = netconn.New(upstream, "upstream")

	w.Close()
	w.Close()

	if !w.Client.Closed() {
		t.Fatalf("expected client connection to be closed")
	}
	if !w.Upstream.Closed() {
		t.Fatalf("expected upstream connection to be closed")
	}
	if w.Phase() != Closed {
		t.Fatalf("phase = %v, want Closed", w.Phase())
	}
}

func TestPhaseString(t *testing.T) {
	cases := map[Phase]string{
		Initialized:       "INITIALIZED",
		ParsingRequest:    "PARSING_REQUEST",
		ServingWeb:        "SERVING_WEB",
		ProxyingPlain:     "PROXYING_PLAIN",
		TunnelEstablished: "TUNNEL_ESTABLISHED",
		Intercepting:      "INTERCEPTING",
		Closed:            "CLOSED",
	}
	for phase, want := range cases {
		if got := phase.String(); got != want {
			t.Fatalf("Phase(%d).String() = %q, want %q", phase, got, want)
		}
	}
}
