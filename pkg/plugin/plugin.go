// Package plugin defines the two hook families a Work dispatches into
// (spec.md §4.4) and the ordered chains that run them with the
// short-circuit/cumulative-rewrite/panic-recovery semantics spec.md
// requires.
//
// The spec's "HttpProtocolHandlerPlugin" also defines get_descriptors/
// write_to_descriptors/read_from_descriptors hooks, which exist only
// to let a plugin contribute file descriptors to the Python
// implementation's selector loop. This Go rendering has no selector
// (see the root package's Open Question decision on the goroutine
// model), so those three hooks have no Go equivalent and are dropped;
// every hook that observes or rewrites traffic is kept.
package plugin

import (
	"go.uber.org/zap"

	"github.com/relaycore/relay/pkg/httpmsg"
)

// Verdict is returned by OnRequestComplete. A non-nil Response short-
// circuits the Work with that response; Drop tells the Work to close
// the connection once any queued response has been flushed.
type Verdict struct {
	Drop     bool
	Response *httpmsg.Message
}

// ProtocolHandlerPlugin observes and rewrites traffic on a single Work,
// regardless of whether that Work ends up serving, proxying, or
// tunnelling (spec.md §4.4).
type ProtocolHandlerPlugin interface {
	Name() string

	// OnClientData is called with each raw chunk read from the client
	// before it reaches the parser; the returned slice replaces it.
	OnClientData(raw []byte) ([]byte, error)

	// OnRequestComplete fires once the request parser reaches
	// StateComplete on an origin-form request the Work serves itself
	// (SERVING_WEB). Returning a non-zero Verdict short-circuits the
	// default 404. It is not called for proxied or CONNECT requests.
	OnRequestComplete(msg *httpmsg.Message) (Verdict, error)

	// OnResponseChunk is called with each chunk of the outgoing
	// response body before it is written to the client.
	OnResponseChunk(chunk []byte) ([]byte, error)

	// OnClientConnectionClose is a best-effort lifecycle notification;
	// its return value, if any, is ignored.
	OnClientConnectionClose()
}

// ProxyPlugin observes and rewrites traffic for a Work that proxies to
// an upstream server (spec.md §4.4).
type ProxyPlugin interface {
	Name() string

	// BeforeUpstreamConnection runs before the upstream dial. A nil
	// return (with no error) short-circuits: no upstream connection is
	// opened.
	BeforeUpstreamConnection(req *httpmsg.Message) (*httpmsg.Message, error)

	// HandleClientRequest runs after BeforeUpstreamConnection, before
	// the (possibly rewritten) request is sent upstream. A nil return
	// short-circuits the same way.
	HandleClientRequest(req *httpmsg.Message) (*httpmsg.Message, error)

	// HandleUpstreamChunk rewrites each chunk of the upstream response
	// before it reaches the client.
	HandleUpstreamChunk(chunk []byte) ([]byte, error)

	// ResolveDNS may override the host/port a Work is about to dial.
	// An empty host/zero port means "no override".
	ResolveDNS(host string, port int) (overrideHost string, overridePort int, err error)

	// OnUpstreamConnectionClose is a best-effort lifecycle notification.
	OnUpstreamConnectionClose()
}

// BaseProtocolHandlerPlugin gives every hook a transparent default so a
// concrete plugin can embed it and override only what it needs.
type BaseProtocolHandlerPlugin struct{ PluginName string }

func (b BaseProtocolHandlerPlugin) Name() string { return b.PluginName }
func (BaseProtocolHandlerPlugin) OnClientData(raw []byte) ([]byte, error) { return raw, nil }
func (BaseProtocolHandlerPlugin) OnRequestComplete(*httpmsg.Message) (Verdict, error) {
	return Verdict{}, nil
}
func (BaseProtocolHandlerPlugin) OnResponseChunk(chunk []byte) ([]byte, error) { return chunk, nil }
func (BaseProtocolHandlerPlugin) OnClientConnectionClose()                    {}

// BaseProxyPlugin gives every hook a transparent default.
type BaseProxyPlugin struct{ PluginName string }

func (b BaseProxyPlugin) Name() string { return b.PluginName }
func (BaseProxyPlugin) BeforeUpstreamConnection(req *httpmsg.Message) (*httpmsg.Message, error) {
	return req, nil
}
func (BaseProxyPlugin) HandleClientRequest(req *httpmsg.Message) (*httpmsg.Message, error) {
	return req, nil
}
func (BaseProxyPlugin) HandleUpstreamChunk(chunk []byte) ([]byte, error) { return chunk, nil }
func (BaseProxyPlugin) ResolveDNS(host string, port int) (string, int, error) {
	return "", 0, nil
}
func (BaseProxyPlugin) OnUpstreamConnectionClose() {}

// ProtocolChain runs an ordered list of ProtocolHandlerPlugin, in
// registration order, recovering panics and logging errors as no-ops
// per spec.md §4.4/§7 ("treated as if the plugin returned its input
// unchanged").
type ProtocolChain struct {
	plugins []ProtocolHandlerPlugin
	log     *zap.Logger
}

// NewProtocolChain builds a chain over plugins in the given order.
func NewProtocolChain(log *zap.Logger, plugins ...ProtocolHandlerPlugin) *ProtocolChain {
	if log == nil {
		log = zap.NewNop()
	}
	return &ProtocolChain{plugins: plugins, log: log}
}

func (c *ProtocolChain) OnClientData(raw []byte) []byte {
	for _, p := range c.plugins {
		raw = c.safeOnClientData(p, raw)
	}
	return raw
}

func (c *ProtocolChain) safeOnClientData(p ProtocolHandlerPlugin, raw []byte) (out []byte) {
	out = raw
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("plugin panic", zap.String("plugin", p.Name()), zap.String("hook", "on_client_data"), zap.Any("panic", r))
			out = raw
		}
	}()
	result, err := p.OnClientData(raw)
	if err != nil {
		c.log.Error("plugin error", zap.String("plugin", p.Name()), zap.String("hook", "on_client_data"), zap.Error(err))
		return raw
	}
	return result
}

// OnRequestComplete runs the chain in order; the first plugin to
// return a non-zero Verdict short-circuits the rest.
func (c *ProtocolChain) OnRequestComplete(msg *httpmsg.Message) Verdict {
	for _, p := range c.plugins {
		v := c.safeOnRequestComplete(p, msg)
		if v.Drop || v.Response != nil {
			return v
		}
	}
	return Verdict{}
}

func (c *ProtocolChain) safeOnRequestComplete(p ProtocolHandlerPlugin, msg *httpmsg.Message) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("plugin panic", zap.String("plugin", p.Name()), zap.String("hook", "on_request_complete"), zap.Any("panic", r))
			v = Verdict{}
		}
	}()
	result, err := p.OnRequestComplete(msg)
	if err != nil {
		c.log.Error("plugin error", zap.String("plugin", p.Name()), zap.String("hook", "on_request_complete"), zap.Error(err))
		return Verdict{}
	}
	return result
}

func (c *ProtocolChain) OnResponseChunk(chunk []byte) []byte {
	for _, p := range c.plugins {
		chunk = c.safeOnResponseChunk(p, chunk)
	}
	return chunk
}

func (c *ProtocolChain) safeOnResponseChunk(p ProtocolHandlerPlugin, chunk []byte) (out []byte) {
	out = chunk
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("plugin panic", zap.String("plugin", p.Name()), zap.String("hook", "on_response_chunk"), zap.Any("panic", r))
			out = chunk
		}
	}()
	result, err := p.OnResponseChunk(chunk)
	if err != nil {
		c.log.Error("plugin error", zap.String("plugin", p.Name()), zap.String("hook", "on_response_chunk"), zap.Error(err))
		return chunk
	}
	return result
}

// OnClientConnectionClose runs every plugin's close hook, best-effort:
// a panicking plugin does not prevent the rest from running.
func (c *ProtocolChain) OnClientConnectionClose() {
	for _, p := range c.plugins {
		c.safeClose(p)
	}
}

func (c *ProtocolChain) safeClose(p ProtocolHandlerPlugin) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("plugin panic", zap.String("plugin", p.Name()), zap.String("hook", "on_client_connection_close"), zap.Any("panic", r))
		}
	}()
	p.OnClientConnectionClose()
}

// ProxyChain runs an ordered list of ProxyPlugin with the same
// recovery semantics as ProtocolChain.
type ProxyChain struct {
	plugins []ProxyPlugin
	log     *zap.Logger
}

// NewProxyChain builds a chain over plugins in the given order.
func NewProxyChain(log *zap.Logger, plugins ...ProxyPlugin) *ProxyChain {
	if log == nil {
		log = zap.NewNop()
	}
	return &ProxyChain{plugins: plugins, log: log}
}

// BeforeUpstreamConnection threads req through each plugin in order. A
// nil result (not an error) short-circuits the chain and the Work,
// per spec.md §4.5/§8's "plugin short-circuit" scenario.
func (c *ProxyChain) BeforeUpstreamConnection(req *httpmsg.Message) *httpmsg.Message {
	cur := req
	for _, p := range c.plugins {
		cur = c.safeBeforeUpstream(p, cur)
		if cur == nil {
			return nil
		}
	}
	return cur
}

func (c *ProxyChain) safeBeforeUpstream(p ProxyPlugin, cur *httpmsg.Message) (out *httpmsg.Message) {
	out = cur
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("plugin panic", zap.String("plugin", p.Name()), zap.String("hook", "before_upstream_connection"), zap.Any("panic", r))
			out = cur
		}
	}()
	result, err := p.BeforeUpstreamConnection(cur)
	if err != nil {
		c.log.Error("plugin error", zap.String("plugin", p.Name()), zap.String("hook", "before_upstream_connection"), zap.Error(err))
		return cur
	}
	return result
}

// HandleClientRequest threads req through each plugin; nil short-circuits.
func (c *ProxyChain) HandleClientRequest(req *httpmsg.Message) *httpmsg.Message {
	cur := req
	for _, p := range c.plugins {
		cur = c.safeHandleClientRequest(p, cur)
		if cur == nil {
			return nil
		}
	}
	return cur
}

func (c *ProxyChain) safeHandleClientRequest(p ProxyPlugin, cur *httpmsg.Message) (out *httpmsg.Message) {
	out = cur
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("plugin panic", zap.String("plugin", p.Name()), zap.String("hook", "handle_client_request"), zap.Any("panic", r))
			out = cur
		}
	}()
	result, err := p.HandleClientRequest(cur)
	if err != nil {
		c.log.Error("plugin error", zap.String("plugin", p.Name()), zap.String("hook", "handle_client_request"), zap.Error(err))
		return cur
	}
	return result
}

func (c *ProxyChain) HandleUpstreamChunk(chunk []byte) []byte {
	for _, p := range c.plugins {
		chunk = c.safeHandleUpstreamChunk(p, chunk)
	}
	return chunk
}

func (c *ProxyChain) safeHandleUpstreamChunk(p ProxyPlugin, chunk []byte) (out []byte) {
	out = chunk
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("plugin panic", zap.String("plugin", p.Name()), zap.String("hook", "handle_upstream_chunk"), zap.Any("panic", r))
			out = chunk
		}
	}()
	result, err := p.HandleUpstreamChunk(chunk)
	if err != nil {
		c.log.Error("plugin error", zap.String("plugin", p.Name()), zap.String("hook", "handle_upstream_chunk"), zap.Error(err))
		return chunk
	}
	return result
}

// ResolveDNS threads host/port through each plugin's override in
// order, so a later plugin sees the earlier plugins' overrides.
func (c *ProxyChain) ResolveDNS(host string, port int) (string, int) {
	curHost, curPort := host, port
	for _, p := range c.plugins {
		h, pt := c.safeResolveDNS(p, curHost, curPort)
		if h != "" {
			curHost = h
		}
		if pt != 0 {
			curPort = pt
		}
	}
	return curHost, curPort
}

func (c *ProxyChain) safeResolveDNS(p ProxyPlugin, host string, port int) (outHost string, outPort int) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("plugin panic", zap.String("plugin", p.Name()), zap.String("hook", "resolve_dns"), zap.Any("panic", r))
			outHost, outPort = "", 0
		}
	}()
	h, pt, err := p.ResolveDNS(host, port)
	if err != nil {
		c.log.Error("plugin error", zap.String("plugin", p.Name()), zap.String("hook", "resolve_dns"), zap.Error(err))
		return "", 0
	}
	return h, pt
}

// OnUpstreamConnectionClose runs every plugin's close hook, best-effort.
func (c *ProxyChain) OnUpstreamConnectionClose() {
	for _, p := range c.plugins {
		c.safeClose(p)
	}
}

func (c *ProxyChain) safeClose(p ProxyPlugin) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("plugin panic", zap.String("plugin", p.Name()), zap.String("hook", "on_upstream_connection_close"), zap.Any("panic", r))
		}
	}()
	p.OnUpstreamConnectionClose()
}
