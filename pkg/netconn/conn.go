// Package netconn wraps a raw net.Conn with an outbound byte queue and
// the bookkeeping (closed/reusable flags) the proxy core needs, plus a
// stream-replace operation used when a connection is promoted to TLS
// mid-flight (spec.md §4.6, CONNECT interception).
package netconn

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/relaycore/relay/pkg/buffer"
	"github.com/relaycore/relay/pkg/constants"
	"github.com/relaycore/relay/pkg/errors"
)

// Connection wraps a net.Conn with a queue of bytes waiting to be
// written, and flags describing whether the socket can still be read
// from/written to and whether it may be reused for a further message.
//
// It does not attempt cooperative, single-threaded non-blocking I/O the
// way the originating selector-loop design does: each Connection is
// driven from exactly one goroutine per direction (see the root relay
// package), so ordinary blocking reads/writes on the wrapped net.Conn
// are safe and simpler. "Buffered" here refers to the outbound queue
// (Queue/Flush) and the ability to swap the underlying stream in place.
type Connection struct {
	mu sync.Mutex

	conn net.Conn
	out  *buffer.Buffer

	closed   bool
	reusable bool

	tag string // "client" or "upstream", for logging
}

// New wraps conn. tag is a short label used only for diagnostics.
func New(conn net.Conn, tag string) *Connection {
	return &Connection{
		conn:     conn,
		out:      buffer.New(constants.DefaultBodyMemLimit),
		reusable: true,
		tag:      tag,
	}
}

// Raw returns the underlying net.Conn.
func (c *Connection) Raw() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Tag returns the diagnostic label passed to New.
func (c *Connection) Tag() string { return c.tag }

// Recv reads whatever bytes are currently available into buf, blocking
// until at least one byte arrives, the deadline (if any) expires, or
// the connection is closed.
func (c *Connection) Recv(buf []byte) (int, error) {
	conn := c.Raw()
	if conn == nil {
		return 0, errors.NewIOError("recv on closed connection", nil)
	}
	n, err := conn.Read(buf)
	if err != nil {
		return n, err
	}
	return n, nil
}

// Queue appends data to the outbound buffer without writing it yet.
func (c *Connection) Queue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.NewIOError("queue on closed connection", nil)
	}
	_, err := c.out.Write(data)
	return err
}

// HasBuffer reports whether queued bytes are waiting to be flushed.
func (c *Connection) HasBuffer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Size() > 0
}

// Flush writes every queued byte to the underlying connection and
// resets the queue, including bytes the queue has spilled to disk. On a
// write error the queue is left as it was.
func (c *Connection) Flush() (int, error) {
	c.mu.Lock()
	conn := c.conn
	data := c.out.Bytes()
	if data == nil && c.out.IsSpilled() {
		if r, err := c.out.Reader(); err == nil {
			data, _ = io.ReadAll(r)
			r.Close()
		}
	}
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return 0, errors.NewIOError("flush on closed connection", nil)
	}
	if len(data) == 0 {
		return 0, nil
	}

	written := 0
	for written < len(data) {
		n, err := conn.Write(data[written:])
		written += n
		if err != nil {
			return written, err
		}
	}

	c.mu.Lock()
	c.out.Reset()
	c.mu.Unlock()
	return written, nil
}

// WriteNow queues and immediately flushes data in one call.
func (c *Connection) WriteNow(data []byte) (int, error) {
	if err := c.Queue(data); err != nil {
		return 0, err
	}
	return c.Flush()
}

// Reusable reports whether the connection may serve another message
// after the current one completes (spec.md §3/§4.2 "Connection: close").
func (c *Connection) Reusable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reusable
}

// SetReusable updates the reusable flag, typically from the parsed
// message's Connection header.
func (c *Connection) SetReusable(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reusable = v
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the underlying connection and the outbound buffer.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.out.Close()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Replace swaps the underlying net.Conn for newConn without affecting
// the outbound queue or reusable flag. This is how a CONNECT tunnel
// becomes a TLS-terminated connection during interception: the raw TCP
// socket is wrapped in a *tls.Conn after the handshake, and every
// subsequent Recv/Queue/Flush call on this Connection transparently
// operates on the TLS stream instead (grounded on the teacher's
// transport.upgradeTLS, which performs the same swap for upstream
// dials).
func (c *Connection) Replace(newConn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = newConn
}

// SetDeadline is a passthrough to the wrapped net.Conn, used by the
// root package to bound idle time per spec.md §6's idle_timeout.
func (c *Connection) SetDeadline(t time.Time) error {
	conn := c.Raw()
	if conn == nil {
		return nil
	}
	return conn.SetDeadline(t)
}

// RemoteAddr is a passthrough to the wrapped net.Conn.
func (c *Connection) RemoteAddr() net.Addr {
	conn := c.Raw()
	if conn == nil {
		return nil
	}
	return conn.RemoteAddr()
}

// LocalAddr is a passthrough to the wrapped net.Conn.
func (c *Connection) LocalAddr() net.Addr {
	conn := c.Raw()
	if conn == nil {
		return nil
	}
	return conn.LocalAddr()
}

// CloseWithContext closes the connection once ctx is done or
// immediately if it is already canceled, used to unblock a pending
// Recv when the owning Work is torn down from another goroutine.
func CloseWithContext(ctx context.Context, c *Connection) {
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
}
