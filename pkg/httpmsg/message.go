package httpmsg

import (
	"bytes"
	"io"
	"strconv"

	"github.com/relaycore/relay/pkg/buffer"
	"github.com/relaycore/relay/pkg/httpurl"
)

// State is the parser state set from spec.md §3. Values are chosen to
// match the specification exactly; transitions are monotonic.
type State int

const (
	StateInit            State = 0
	StateLineRcvd        State = 1
	StateHeadersComplete State = 3
	StateRcvingBody      State = 4
	StateComplete        State = 5
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateLineRcvd:
		return "LINE_RCVD"
	case StateHeadersComplete:
		return "HEADERS_COMPLETE"
	case StateRcvingBody:
		return "RCVING_BODY"
	case StateComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// Kind distinguishes a request from a response message.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindResponse
)

// BodyFraming records how the body length was determined, per spec.md §4.2.
type BodyFraming int

const (
	FramingNone        BodyFraming = iota // no body (HEAD, 1xx/204/304, CONNECT, no indicators)
	FramingChunked                        // Transfer-Encoding: chunked
	FramingContentLen                     // Content-Length: N
	FramingUntilClose                     // response with neither; streamed until EOF
)

// Message is a parsed HTTP request or response (spec.md §3).
type Message struct {
	Kind    Kind
	Method  []byte
	URL     *httpurl.URL
	Version []byte

	StatusCode int
	Reason     []byte

	Headers *Headers
	Framing BodyFraming

	// Body accumulates the message body when the parser is not in
	// streaming mode. In streaming mode this stays empty and chunks are
	// instead delivered through the Parser's OnBodyChunk callback.
	Body *buffer.Buffer

	State State

	// Reusable reports whether the connection this message arrived on
	// may be kept alive for another message (HTTP/1.1 default, unless
	// "Connection: close" was seen or the framing requires close-to-end).
	Reusable bool

	// dirty is set by any mutation (header rewrite, plugin edit) so
	// Bytes() knows the cached serialisation, if any, is stale. Present
	// for API parity with the spec's "mark dirty" requirement; this
	// implementation always re-serialises, so it is informational.
	dirty bool
}

// NewRequest returns an empty request message with initialised headers.
func NewRequest() *Message {
	return &Message{Kind: KindRequest, Headers: NewHeaders(), Reusable: true}
}

// NewResponse returns an empty response message with initialised headers.
func NewResponse() *Message {
	return &Message{Kind: KindResponse, Headers: NewHeaders(), Reusable: true}
}

// MarkDirty flags the message as mutated since it was parsed or last
// serialised (plugin rewrite hooks call this after editing headers/body).
func (m *Message) MarkDirty() { m.dirty = true }

// Dirty reports whether the message has been mutated since parsing.
func (m *Message) Dirty() bool { return m.dirty }

// IsComplete reports whether the parser has finished this message.
func (m *Message) IsComplete() bool { return m.State == StateComplete }

// Bytes serialises the request/status line, headers in insertion order,
// the blank line, and the accumulated body (spec.md §4.2 "Serialisation").
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	m.writeStartLine(&buf)
	m.Headers.writeTo(&buf)
	buf.WriteString("\r\n")
	if m.Body != nil {
		if r, err := m.Body.Reader(); err == nil {
			io.Copy(&buf, r)
			r.Close()
		}
	}
	return buf.Bytes()
}

func (m *Message) writeStartLine(buf *bytes.Buffer) {
	switch m.Kind {
	case KindRequest:
		buf.Write(m.Method)
		buf.WriteByte(' ')
		if m.URL != nil {
			buf.Write(m.URL.Bytes())
		}
		buf.WriteByte(' ')
		buf.Write(m.Version)
		buf.WriteString("\r\n")
	case KindResponse:
		buf.Write(m.Version)
		buf.WriteByte(' ')
		buf.WriteString(strconv.Itoa(m.StatusCode))
		buf.WriteByte(' ')
		buf.Write(m.Reason)
		buf.WriteString("\r\n")
	}
}
