package relay

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/relaycore/relay/pkg/httpmsg"
	"github.com/relaycore/relay/pkg/plugin"
)

func serveOnPipe(t *testing.T, p *Proxy) (client net.Conn) {
	t.Helper()
	clientConn, peer := net.Pipe()
	done := make(chan struct{})
	go func() {
		p.ServeConn(context.Background(), peer, "test-work")
		close(done)
	}()
	t.Cleanup(func() {
		clientConn.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})
	return clientConn
}

func TestServeConnWebDefaultNotFound(t *testing.T) {
	p := New(Config{})
	c := serveOnPipe(t, p)
	c.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := c.Write([]byte("GET /missing HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Contains(resp, []byte("404")) {
		t.Fatalf("response = %q, want a 404", resp)
	}
}

type claimingWebPlugin struct{ plugin.BaseProtocolHandlerPlugin }

func (claimingWebPlugin) OnRequestComplete(*httpmsg.Message) (plugin.Verdict, error) {
	resp := httpmsg.NewResponse()
	resp.Version = []byte("HTTP/1.1")
	resp.StatusCode = 200
	resp.Reason = []byte("OK")
	resp.Headers.Set([]byte("Content-Length"), []byte("0"))
	resp.Reusable = false
	return plugin.Verdict{Response: resp}, nil
}

func TestServeConnWebPluginClaimsRequest(t *testing.T) {
	p := New(Config{ProtocolPlugins: []plugin.ProtocolHandlerPlugin{claimingWebPlugin{}}})
	c := serveOnPipe(t, p)
	c.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := c.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Contains(resp, []byte("200 OK")) {
		t.Fatalf("response = %q, want 200 OK from the claiming plugin", resp)
	}
}

func TestServeConnProxyPlainForwardsToUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.Write([]byte("hello from upstream"))
	}))
	defer upstream.Close()

	u, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("parsing upstream URL: %v", err)
	}

	p := New(Config{})
	c := serveOnPipe(t, p)
	c.SetDeadline(time.Now().Add(3 * time.Second))

	req := "GET http://" + u.Host + "/ HTTP/1.1\r\nHost: " + u.Host + "\r\nConnection: close\r\n\r\n"
	if _, err := c.Write([]byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Contains(resp, []byte("200")) || !bytes.Contains(resp, []byte("hello from upstream")) {
		t.Fatalf("response = %q, want a 200 relaying the upstream body", resp)
	}
}

func TestServeConnConnectWithoutCATunnelsOpaquely(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		io.ReadFull(conn, buf)
		conn.Write([]byte("PONG"))
	}()

	p := New(Config{})
	c := serveOnPipe(t, p)
	c.SetDeadline(time.Now().Add(3 * time.Second))

	host := ln.Addr().String()
	if _, err := c.Write([]byte("CONNECT " + host + " HTTP/1.1\r\nHost: " + host + "\r\n\r\n")); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	line := make([]byte, len(connectionEstablishedLine))
	if _, err := io.ReadFull(c, line); err != nil {
		t.Fatalf("reading CONNECT response: %v", err)
	}
	if !bytes.Equal(line, connectionEstablishedLine) {
		t.Fatalf("CONNECT response = %q, want %q", line, connectionEstablishedLine)
	}

	if _, err := c.Write([]byte("PING")); err != nil {
		t.Fatalf("write tunnel bytes: %v", err)
	}
	reply := make([]byte, 4)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatalf("reading tunneled reply: %v", err)
	}
	if string(reply) != "PONG" {
		t.Fatalf("tunneled reply = %q, want PONG", reply)
	}
}

func TestResolveTargetUsesHostHeaderWhenIntercepted(t *testing.T) {
	req := httpmsg.NewRequest()
	req.Headers.Set([]byte("Host"), []byte("intercepted.example.com:8443"))
	host, port := resolveTarget(req, true)
	if host != "intercepted.example.com" || port != 8443 {
		t.Fatalf("got host=%q port=%d", host, port)
	}
}

func TestResolveTargetDefaultsPortWhenInterceptedWithoutExplicitPort(t *testing.T) {
	req := httpmsg.NewRequest()
	req.Headers.Set([]byte("Host"), []byte("intercepted.example.com"))
	host, port := resolveTarget(req, true)
	if host != "intercepted.example.com" || port != 443 {
		t.Fatalf("got host=%q port=%d", host, port)
	}
}
