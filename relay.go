// Package relay ties pkg/httpurl, pkg/httpmsg, pkg/netconn, pkg/plugin,
// pkg/dialer, and pkg/certauth together into the protocol handler (C5)
// described in spec.md §4.5: one Work per accepted client connection,
// classifying each request as a web hit, a plain proxy forward, or a
// CONNECT that enters the TLS-interception pipeline (§4.6).
//
// Where spec.md §4.5 describes a single-threaded selector loop
// multiplexing many Works, this package runs one goroutine per Work
// instead (see DESIGN.md, Open Question 3): Go's scheduler stands in
// for the selector, and a Work's two directions, once a tunnel or
// proxy connection is established, are pumped by two further
// goroutines joined with a sync.WaitGroup.
package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaycore/relay/pkg/certauth"
	"github.com/relaycore/relay/pkg/constants"
	"github.com/relaycore/relay/pkg/dialer"
	"github.com/relaycore/relay/pkg/httpmsg"
	"github.com/relaycore/relay/pkg/httpurl"
	"github.com/relaycore/relay/pkg/netconn"
	"github.com/relaycore/relay/pkg/plugin"
	"github.com/relaycore/relay/pkg/timing"
	"github.com/relaycore/relay/pkg/tlsconfig"
	"github.com/relaycore/relay/pkg/work"
)

// Config configures a Proxy. Plugin lists are frozen at New time into
// ordered chains, matching spec.md §9's "the core consumes a frozen
// list" design note.
type Config struct {
	ProtocolPlugins []plugin.ProtocolHandlerPlugin
	ProxyPlugins    []plugin.ProxyPlugin

	// CA enables TLS interception (spec.md §4.6) when non-nil. When nil,
	// a CONNECT is answered with a 200 and an opaque byte-for-byte
	// tunnel, per spec.md §4.5 "If interception is disabled... switch
	// to opaque tunnel".
	CA *certauth.CA

	Dialer *dialer.Dialer

	// UpstreamProxy chains every upstream dial (plain proxy forwarding
	// and the CONNECT/interception upstream connect alike) through
	// another proxy, per SPEC_FULL.md §3's upstream_proxy addition.
	UpstreamProxy *dialer.ProxyConfig

	// MinTLSVersion/MaxTLSVersion/CipherSuites constrain every upstream
	// TLS dial, normally populated from a pkg/config TLSProfile via
	// pkg/tlsconfig. Zero values leave crypto/tls's own defaults.
	MinTLSVersion uint16
	MaxTLSVersion uint16
	CipherSuites  []uint16

	IdleTimeout time.Duration
	ConnTimeout time.Duration
	ReadTimeout time.Duration

	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = constants.DefaultIdleTimeout
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = constants.DefaultConnTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = constants.DefaultReadTimeout
	}
	if c.Dialer == nil {
		c.Dialer = dialer.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Proxy serves accepted connections according to Config.
type Proxy struct {
	cfg      Config
	protocol *plugin.ProtocolChain
	proxy    *plugin.ProxyChain
	log      *zap.Logger
}

// New builds a Proxy from cfg. The plugin lists in cfg are copied into
// frozen chains; later mutation of the slices cfg references has no
// effect.
func New(cfg Config) *Proxy {
	cfg = cfg.withDefaults()
	return &Proxy{
		cfg:      cfg,
		protocol: plugin.NewProtocolChain(cfg.Logger, append([]plugin.ProtocolHandlerPlugin(nil), cfg.ProtocolPlugins...)...),
		proxy:    plugin.NewProxyChain(cfg.Logger, append([]plugin.ProxyPlugin(nil), cfg.ProxyPlugins...)...),
		log:      cfg.Logger,
	}
}

// ServeConn drives one accepted client connection to completion. It
// blocks until the connection and any upstream it opened are closed.
// Callers typically invoke it in its own goroutine per accepted
// connection (the acceptor itself, per spec.md §6, is an external
// collaborator; see cmd/relayproxy).
func (p *Proxy) ServeConn(ctx context.Context, conn net.Conn, workID string) {
	w := work.New(workID, netconn.New(conn, "client"))
	w.Protocol = p.protocol
	w.Proxy = p.proxy
	netconn.CloseWithContext(ctx, w.Client)
	defer w.Close()

	log := p.log.With(zap.String("work", workID))
	log.Debug("work started", zap.String("remote", remoteAddrString(conn)))

	for {
		w.SetPhase(work.ParsingRequest)
		req, err := p.readClientMessage(w)
		if err != nil {
			if err != io.EOF {
				log.Debug("client read ended", zap.Error(err))
			}
			return
		}
		if !req.Reusable {
			w.Client.SetReusable(false)
		}

		if bytes.EqualFold(req.Method, []byte("CONNECT")) {
			p.handleConnect(ctx, w, req, log)
			if w.Phase() != work.Intercepting {
				return
			}
			// A successful interception replaced the client stream and
			// reset the parser; continue the loop to read the first
			// decrypted request (spec.md §4.6 step 6).
			continue
		}

		useUpstream := w.Intercepted || (req.URL != nil && req.URL.IsAbsoluteForm())
		var ok bool
		if useUpstream {
			w.SetPhase(work.ProxyingPlain)
			ok = p.handleProxyPlain(ctx, w, req, log)
		} else {
			w.SetPhase(work.ServingWeb)
			ok = p.handleWebRequest(w, req, log)
		}
		if !ok {
			return
		}

		if !w.Client.Reusable() || w.Client.Closed() {
			return
		}
		w.ClientParser.Reset()
	}
}

func remoteAddrString(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

// readClientMessage reads and feeds bytes into w.ClientParser until a
// full message is decoded, applying the protocol chain's on_client_data
// rewrite to each chunk before it reaches the parser (spec.md §4.4).
func (p *Proxy) readClientMessage(w *work.Work) (*httpmsg.Message, error) {
	if p.cfg.IdleTimeout > 0 {
		w.Client.SetDeadline(time.Now().Add(p.cfg.IdleTimeout))
	}

	buf := make([]byte, 16*1024)
	for {
		if msg := w.ClientParser.Message(); msg != nil && msg.IsComplete() {
			return msg, nil
		}

		n, err := w.Client.Recv(buf)
		if n > 0 {
			data := w.Protocol.OnClientData(buf[:n])
			if _, ferr := w.ClientParser.Feed(data); ferr != nil {
				return nil, ferr
			}
			if msg := w.ClientParser.Message(); msg != nil && msg.IsComplete() {
				return msg, nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

// handleWebRequest implements spec.md §4.5 case 3 (SERVING_WEB): a web
// plugin may claim the request via OnRequestComplete; absent a claim,
// respond 404. Returns false if the Work should terminate.
func (p *Proxy) handleWebRequest(w *work.Work, req *httpmsg.Message, log *zap.Logger) bool {
	verdict := w.Protocol.OnRequestComplete(req)
	resp := verdict.Response
	if resp == nil {
		if verdict.Drop {
			return false
		}
		resp = notFoundResponse()
	}
	return p.writeResponse(w, resp, log) && !verdict.Drop
}

// handleProxyPlain implements spec.md §4.5 case 1 (PROXYING_PLAIN), and
// also serves requests arriving over an already-intercepted connection
// (spec.md §4.6 step 6, "thereafter the loop behaves as PROXYING_PLAIN").
// Returns false if the Work should terminate.
func (p *Proxy) handleProxyPlain(ctx context.Context, w *work.Work, req *httpmsg.Message, log *zap.Logger) bool {
	host, port := resolveTarget(req, w.Intercepted)

	rewritten := w.Proxy.BeforeUpstreamConnection(req)
	if rewritten == nil {
		return p.writeResponse(w, badGatewayResponse(), log)
	}
	rewritten = w.Proxy.HandleClientRequest(rewritten)
	if rewritten == nil {
		return p.writeResponse(w, badGatewayResponse(), log)
	}

	host, port = w.Proxy.ResolveDNS(host, port)

	if w.Upstream == nil || w.Upstream.Closed() {
		scheme := "http"
		if w.Intercepted {
			scheme = "https"
		}
		if err := p.dialUpstream(ctx, w, scheme, host, port); err != nil {
			log.Debug("upstream dial failed", zap.String("host", host), zap.Error(err))
			return p.writeResponse(w, badGatewayResponse(), log)
		}
	}

	stripProxyFraming(rewritten)
	if _, err := w.Upstream.WriteNow(rewritten.Bytes()); err != nil {
		log.Debug("upstream write failed", zap.Error(err))
		return p.writeResponse(w, badGatewayResponse(), log)
	}

	if err := p.relayUpstreamResponse(w, log); err != nil {
		log.Debug("upstream response relay failed", zap.Error(err))
		return false
	}
	return true
}

// dialUpstream opens w.Upstream for scheme/host/port. Per DESIGN.md's
// dropped-pooling decision, each Work dials its own upstream once
// rather than drawing from a shared pool.
func (p *Proxy) dialUpstream(ctx context.Context, w *work.Work, scheme, host string, port int) error {
	res, err := p.cfg.Dialer.Dial(ctx, dialer.Config{
		Scheme:        scheme,
		Host:          host,
		Port:          port,
		ConnTimeout:   p.cfg.ConnTimeout,
		Proxy:         p.cfg.UpstreamProxy,
		MinTLSVersion: p.cfg.MinTLSVersion,
		MaxTLSVersion: p.cfg.MaxTLSVersion,
		CipherSuites:  p.cfg.CipherSuites,
	})
	if err != nil {
		return err
	}
	w.Upstream = netconn.New(res.Conn, "upstream")
	fields := []zap.Field{
		zap.String("work", w.ID),
		zap.String("host", host),
		zap.Duration("dns", res.Timing.DNSLookup),
		zap.Duration("tcp", res.Timing.TCPConnect),
		zap.Duration("tls", res.Timing.TLSHandshake),
	}
	if res.ProxyUsed {
		fields = append(fields, zap.String("proxy_type", res.ProxyType), zap.String("proxy_addr", res.ProxyAddr))
	}
	p.log.Debug("upstream dial timing", fields...)
	return nil
}

// relayUpstreamResponse reads the upstream response, applies
// handle_upstream_chunk then on_response_chunk, and streams the result
// to the client as chunks arrive rather than buffering the whole body
// (spec.md §4.2 streaming mode).
func (p *Proxy) relayUpstreamResponse(w *work.Work, log *zap.Logger) error {
	var headSent bool

	w.UpstreamParser = httpmsg.NewParser(httpmsg.Options{Stream: true, OnBodyChunk: func(chunk []byte) error {
		if !headSent {
			headSent = true
			if _, err := w.Client.WriteNow(w.UpstreamParser.Message().Bytes()); err != nil {
				return err
			}
		}
		out := w.Proxy.HandleUpstreamChunk(chunk)
		out = w.Protocol.OnResponseChunk(out)
		_, err := w.Client.WriteNow(out)
		return err
	}})

	buf := make([]byte, 32*1024)
	if p.cfg.ReadTimeout > 0 {
		w.Upstream.SetDeadline(time.Now().Add(p.cfg.ReadTimeout))
	}
	for {
		n, rerr := w.Upstream.Recv(buf)
		if n > 0 {
			if _, ferr := w.UpstreamParser.Feed(buf[:n]); ferr != nil {
				return ferr
			}
			msg := w.UpstreamParser.Message()
			if msg != nil && !headSent && msg.State >= httpmsg.StateHeadersComplete {
				headSent = true
				if _, err := w.Client.WriteNow(msg.Bytes()); err != nil {
					return err
				}
			}
			if msg != nil && msg.IsComplete() {
				w.Client.SetReusable(msg.Reusable && w.Client.Reusable())
				return nil
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				// Upstream closed without a framing indicator: treat it
				// as the end of a FramingUntilClose body (Open Question 1
				// decision, DESIGN.md) and mark the connection
				// non-reusable rather than erroring.
				w.Client.SetReusable(false)
				w.UpstreamParser.CloseBody()
				return nil
			}
			return rerr
		}
	}
}

// handleConnect implements spec.md §4.6. On success it replaces
// w.Client's stream with a TLS server connection, resets the client
// parser, and marks w.Intercepted so the ServeConn loop routes
// subsequent requests to handleProxyPlain. When p.cfg.CA is nil it
// instead answers 200 and pumps bytes opaquely in both directions
// until either side closes, per spec.md §4.5 case 2.
func (p *Proxy) handleConnect(ctx context.Context, w *work.Work, req *httpmsg.Message, log *zap.Logger) {
	host, port := targetHostPort(req.URL, true)

	rewritten := w.Proxy.BeforeUpstreamConnection(req)
	if rewritten == nil {
		p.writeResponse(w, badGatewayResponse(), log)
		return
	}
	host, port = w.Proxy.ResolveDNS(host, port)

	scheme := "http"
	if p.cfg.CA != nil {
		scheme = "https"
	}
	if err := p.dialUpstream(ctx, w, scheme, host, port); err != nil {
		log.Debug("CONNECT upstream dial failed", zap.String("host", host), zap.Int("port", port), zap.Error(err))
		p.writeResponse(w, badGatewayResponse(), log)
		return
	}

	if p.cfg.CA == nil {
		if _, err := w.Client.WriteNow(connectionEstablishedLine); err != nil {
			return
		}
		w.SetPhase(work.TunnelEstablished)
		pumpTunnel(w, log)
		return
	}

	mintTimer := timing.NewTimer()
	mintTimer.StartCertMint()
	leaf, err := p.cfg.CA.LeafFor(ctx, host)
	mintTimer.EndCertMint()
	if err != nil {
		log.Warn("leaf cert minting failed", zap.String("host", host), zap.Error(err))
		p.writeResponse(w, internalErrorResponse(), log)
		return
	}
	log.Debug("leaf cert ready", zap.String("host", host), zap.Duration("cert_mint", mintTimer.GetMetrics().CertMint))
	cert, err := tls.X509KeyPair(leaf.CertPEM, leaf.KeyPEM)
	if err != nil {
		log.Warn("leaf cert unusable", zap.String("host", host), zap.Error(err))
		p.writeResponse(w, internalErrorResponse(), log)
		return
	}

	if _, err := w.Client.WriteNow(connectionEstablishedLine); err != nil {
		return
	}

	tlsConn := tls.Server(w.Client.Raw(), &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   p.cfg.MinTLSVersion,
		MaxVersion:   p.cfg.MaxTLSVersion,
		CipherSuites: p.cfg.CipherSuites,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		log.Debug("client TLS handshake failed during interception", zap.String("host", host), zap.Error(err))
		w.Close()
		return
	}
	state := tlsConn.ConnectionState()
	log.Debug("client TLS handshake complete",
		zap.String("host", host),
		zap.String("version", tlsconfig.GetVersionName(state.Version)),
		zap.String("cipher_suite", tlsconfig.GetCipherSuiteName(state.CipherSuite)))
	w.Client.Replace(tlsConn)
	w.Intercepted = true
	w.ClientParser.Reset()
	w.SetPhase(work.Intercepting)
}

var connectionEstablishedLine = []byte("HTTP/1.1 200 Connection Established\r\n\r\n")

// pumpTunnel copies bytes verbatim between client and upstream with no
// parser involvement, until either side closes (spec.md §4.5 case 2).
func pumpTunnel(w *work.Work, log *zap.Logger) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(w.Upstream.Raw(), w.Client.Raw())
		w.Upstream.Close()
	}()
	go func() {
		defer wg.Done()
		io.Copy(w.Client.Raw(), w.Upstream.Raw())
		w.Client.Close()
	}()
	wg.Wait()
}

// targetHostPort derives the dial target from a request's URL
// (absolute-form proxy requests, or authority-form CONNECT requests).
func targetHostPort(u *httpurl.URL, isConnect bool) (string, int) {
	if u == nil {
		return "", 0
	}
	host := string(u.Hostname)
	port := u.Port
	if !u.HasPort {
		switch {
		case isConnect, strings.EqualFold(string(u.Scheme), "https"):
			port = constants.DefaultHTTPSPort
		default:
			port = constants.DefaultHTTPPort
		}
	}
	return host, port
}

// resolveTarget derives the dial target for a request that may be
// absolute-form (plain proxying) or origin-form over an already
// intercepted connection, where the Host header is the only source of
// the upstream's identity.
func resolveTarget(req *httpmsg.Message, intercepted bool) (string, int) {
	if req.URL != nil && req.URL.IsAbsoluteForm() {
		return targetHostPort(req.URL, false)
	}
	host := req.Headers.GetString("Host")
	if h, portStr, err := net.SplitHostPort(host); err == nil {
		port, perr := strconv.Atoi(portStr)
		if perr == nil {
			return h, port
		}
	}
	port := constants.DefaultHTTPPort
	if intercepted {
		port = constants.DefaultHTTPSPort
	}
	return host, port
}

// stripProxyFraming rewrites a proxy-form request (absolute-form URL)
// into origin-form before forwarding it upstream, and drops hop-by-hop
// proxy headers an origin server should not see.
func stripProxyFraming(msg *httpmsg.Message) {
	if msg.URL != nil && msg.URL.IsAbsoluteForm() {
		msg.URL.Scheme = nil
		msg.URL.Hostname = nil
		msg.URL.HasPort = false
	}
	msg.Headers.Remove("Proxy-Connection")
	msg.Headers.Remove("Proxy-Authorization")
	msg.MarkDirty()
}

func (p *Proxy) writeResponse(w *work.Work, resp *httpmsg.Message, log *zap.Logger) bool {
	if _, err := w.Client.WriteNow(resp.Bytes()); err != nil {
		log.Debug("writing response to client failed", zap.Error(err))
		return false
	}
	return resp.Reusable && w.Client.Reusable()
}

func notFoundResponse() *httpmsg.Message {
	resp := httpmsg.NewResponse()
	resp.Version = []byte("HTTP/1.1")
	resp.StatusCode = 404
	resp.Reason = []byte("Not Found")
	resp.Headers.Set([]byte("Content-Length"), []byte("0"))
	resp.Reusable = true
	return resp
}

func badGatewayResponse() *httpmsg.Message {
	resp := httpmsg.NewResponse()
	resp.Version = []byte("HTTP/1.1")
	resp.StatusCode = 502
	resp.Reason = []byte("Bad Gateway")
	resp.Headers.Set([]byte("Content-Length"), []byte("0"))
	resp.Reusable = false
	return resp
}

func internalErrorResponse() *httpmsg.Message {
	resp := httpmsg.NewResponse()
	resp.Version = []byte("HTTP/1.1")
	resp.StatusCode = 500
	resp.Reason = []byte("Internal Server Error")
	resp.Headers.Set([]byte("Content-Length"), []byte("0"))
	resp.Reusable = false
	return resp
}
