package plugin

import (
	"errors"
	"testing"

	"github.com/relaycore/relay/pkg/httpmsg"
)

type upperCaser struct {
	BaseProtocolHandlerPlugin
}

func (upperCaser) OnClientData(raw []byte) ([]byte, error) {
	out := make([]byte, len(raw))
	for i, b := range raw {
		if b >= 'a' && b <= 'z' {
			b -= 32
		}
		out[i] = b
	}
	return out, nil
}

type panickyPlugin struct {
	BaseProtocolHandlerPlugin
}

func (panickyPlugin) OnClientData([]byte) ([]byte, error) {
	panic("boom")
}

type erroringPlugin struct {
	BaseProtocolHandlerPlugin
}

func (erroringPlugin) OnClientData(raw []byte) ([]byte, error) {
	return nil, errors.New("synthetic failure")
}

func TestProtocolChainCumulativeRewrite(t *testing.T) {
	chain := NewProtocolChain(nil, upperCaser{}, upperCaser{})
	got := chain.OnClientData([]byte("hello"))
	if string(got) != "HELLO" {
		t.Fatalf("got %q", got)
	}
}

func TestProtocolChainPanicRecoversToInputUnchanged(t *testing.T) {
	chain := NewProtocolChain(nil, panickyPlugin{}, upperCaser{})
	got := chain.OnClientData([]byte("hello"))
	if string(got) != "HELLO" {
		t.Fatalf("got %q, want panic to be treated as no-op then upperCaser applied", got)
	}
}

func TestProtocolChainErrorRecoversToInputUnchanged(t *testing.T) {
	chain := NewProtocolChain(nil, erroringPlugin{}, upperCaser{})
	got := chain.OnClientData([]byte("hello"))
	if string(got) != "HELLO" {
		t.Fatalf("got %q", got)
	}
}

type claimingPlugin struct {
	BaseProtocolHandlerPlugin
}

func (claimingPlugin) OnRequestComplete(*httpmsg.Message) (Verdict, error) {
	resp := httpmsg.NewResponse()
	resp.StatusCode = 200
	return Verdict{Response: resp}, nil
}

type neverReachedPlugin struct {
	BaseProtocolHandlerPlugin
	called bool
}

func (p *neverReachedPlugin) OnRequestComplete(*httpmsg.Message) (Verdict, error) {
	p.called = true
	return Verdict{}, nil
}

func TestProtocolChainShortCircuitsOnRequestComplete(t *testing.T) {
	second := &neverReachedPlugin{}
	chain := NewProtocolChain(nil, claimingPlugin{}, second)
	v := chain.OnRequestComplete(httpmsg.NewRequest())
	if v.Response == nil {
		t.Fatalf("expected a response from the claiming plugin")
	}
	if second.called {
		t.Fatalf("second plugin should not run after a short-circuit")
	}
}

type rejectingProxyPlugin struct {
	BaseProxyPlugin
}

func (rejectingProxyPlugin) BeforeUpstreamConnection(*httpmsg.Message) (*httpmsg.Message, error) {
	return nil, nil
}

type recordingProxyPlugin struct {
	BaseProxyPlugin
	called bool
}

func (p *recordingProxyPlugin) BeforeUpstreamConnection(req *httpmsg.Message) (*httpmsg.Message, error) {
	p.called = true
	return req, nil
}

func TestProxyChainNilShortCircuitsBeforeUpstream(t *testing.T) {
	second := &recordingProxyPlugin{}
	chain := NewProxyChain(nil, rejectingProxyPlugin{}, second)
	got := chain.BeforeUpstreamConnection(httpmsg.NewRequest())
	if got != nil {
		t.Fatalf("expected nil (short-circuit), got %v", got)
	}
	if second.called {
		t.Fatalf("second plugin should not run after a nil short-circuit")
	}
}

type panickyProxyPlugin struct {
	BaseProxyPlugin
}

func (panickyProxyPlugin) BeforeUpstreamConnection(*httpmsg.Message) (*httpmsg.Message, error) {
	panic("boom")
}

func TestProxyChainPanicContinuesChain(t *testing.T) {
	second := &recordingProxyPlugin{}
	chain := NewProxyChain(nil, panickyProxyPlugin{}, second)
	req := httpmsg.NewRequest()
	got := chain.BeforeUpstreamConnection(req)
	if got != req {
		t.Fatalf("expected panic to be treated as pass-through, got %v", got)
	}
	if !second.called {
		t.Fatalf("expected chain to continue past the panicking plugin")
	}
}

type dnsOverridePlugin struct {
	BaseProxyPlugin
	host string
	port int
}

func (p dnsOverridePlugin) ResolveDNS(host string, port int) (string, int, error) {
	return p.host, p.port, nil
}

func TestProxyChainResolveDNSCumulative(t *testing.T) {
	chain := NewProxyChain(nil, dnsOverridePlugin{host: "override.example.com"}, dnsOverridePlugin{port: 8443})
	host, port := chain.ResolveDNS("original.example.com", 443)
	if host != "override.example.com" || port != 8443 {
		t.Fatalf("got host=%q port=%d", host, port)
	}
}

func TestProxyChainCloseIsBestEffort(t *testing.T) {
	calledSecond := false
	chain := NewProxyChain(nil, panickyCloser{}, closerFunc(func() { calledSecond = true }))
	chain.OnUpstreamConnectionClose()
	if !calledSecond {
		t.Fatalf("expected second plugin's close hook to run despite the first panicking")
	}
}

type panickyCloser struct{ BaseProxyPlugin }

func (panickyCloser) OnUpstreamConnectionClose() { panic("boom") }

type closerFunc func()

func (closerFunc) Name() string                                                       { return "closerFunc" }
func (closerFunc) BeforeUpstreamConnection(r *httpmsg.Message) (*httpmsg.Message, error) { return r, nil }
func (closerFunc) HandleClientRequest(r *httpmsg.Message) (*httpmsg.Message, error)      { return r, nil }
func (closerFunc) HandleUpstreamChunk(c []byte) ([]byte, error)                          { return c, nil }
func (closerFunc) ResolveDNS(h string, p int) (string, int, error)                       { return "", 0, nil }
func (f closerFunc) OnUpstreamConnectionClose()                                          { f() }
