// Package httpmsg implements the byte-oriented, resumable HTTP/1.1
// parser described in spec.md §4.2. Unlike net/http's ReadRequest, the
// Parser never blocks on a reader: callers feed it whatever bytes are
// currently available (possibly a handful at a time, possibly split
// mid-header or mid-chunk) and it advances a small state machine,
// reporting how many of the fed bytes it consumed.
package httpmsg

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/relaycore/relay/pkg/buffer"
	"github.com/relaycore/relay/pkg/constants"
	"github.com/relaycore/relay/pkg/errors"
	"github.com/relaycore/relay/pkg/httpurl"
)

type chunkPhase int

const (
	chunkPhaseSize chunkPhase = iota
	chunkPhaseData
	chunkPhaseCRLF
	chunkPhaseTrailer
)

// Options configures a Parser instance.
type Options struct {
	MaxLineSize    int   // bound on the request/status line and any header line
	MaxHeaderBytes int   // bound on the total header block
	BodyMemLimit   int64 // memory threshold before the body buffer spills to disk

	// Stream, when true, disables body accumulation: OnBodyChunk is
	// invoked with each decoded body chunk instead (used for proxying,
	// per spec.md §4.2 "Body bytes may be exposed... streamed").
	Stream      bool
	OnBodyChunk func([]byte) error
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxLineSize <= 0 {
		out.MaxLineSize = constants.DefaultMaxLineSize
	}
	if out.MaxHeaderBytes <= 0 {
		out.MaxHeaderBytes = constants.DefaultMaxHeaderBytes
	}
	if out.BodyMemLimit <= 0 {
		out.BodyMemLimit = constants.DefaultBodyMemLimit
	}
	return out
}

// Parser incrementally decodes one HTTP request or response at a time.
// Call Feed repeatedly as bytes arrive; once Message().State reaches
// StateComplete, call Reset to decode the next message on the same
// connection (keep-alive, or re-entry after a TLS upgrade per §4.6).
type Parser struct {
	opts Options

	message *Message

	lineAcc     bytes.Buffer
	headerBytes int

	chunkPhase     chunkPhase
	chunkRemaining int64

	contentRemaining int64
}

// NewParser returns a Parser ready to decode the first message.
func NewParser(opts Options) *Parser {
	p := &Parser{opts: opts.withDefaults()}
	p.Reset()
	return p
}

// Reset discards any in-progress message state and prepares the parser
// to decode a new message (request or response) from scratch.
func (p *Parser) Reset() {
	p.message = nil
	p.lineAcc.Reset()
	p.headerBytes = 0
	p.chunkPhase = chunkPhaseSize
	p.chunkRemaining = 0
	p.contentRemaining = 0
}

// Message returns the message currently being built (or just completed).
// It is nil until a complete request/status line has been fed.
func (p *Parser) Message() *Message { return p.message }

// Feed advances the parser with newly-available bytes and returns how
// many of them were consumed. A return value less than len(data) means
// either more data is needed (message not yet complete) or the message
// completed mid-slice and the remainder belongs to whatever comes next
// on the wire (a pipelined request, or plaintext following CONNECT).
func (p *Parser) Feed(data []byte) (int, error) {
	total := 0
	for total < len(data) {
		if p.message != nil && p.message.State == StateComplete {
			return total, nil
		}

		switch {
		case p.message == nil:
			n, found, err := p.scanLine(data[total:])
			total += n
			if err != nil {
				return total, err
			}
			if !found {
				return total, nil
			}
			if err := p.onStartLine(p.takeLine()); err != nil {
				return total, err
			}

		case p.message.State == StateLineRcvd:
			n, found, err := p.scanLine(data[total:])
			total += n
			if err != nil {
				return total, err
			}
			if !found {
				return total, nil
			}
			line := p.takeLine()
			done, err := p.onHeaderLine(line)
			if err != nil {
				return total, err
			}
			if done {
				if err := p.determineFraming(); err != nil {
					return total, err
				}
			}

		default: // StateHeadersComplete or StateRcvingBody: consuming the body
			n, err := p.feedBody(data[total:])
			total += n
			if err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// CloseBody signals that the underlying connection reached EOF. Only
// meaningful for FramingUntilClose responses, which have no other way
// to know the body ended (spec.md §4.2, §9 Open Questions).
func (p *Parser) CloseBody() {
	if p.message != nil && p.message.Framing == FramingUntilClose && p.message.State != StateComplete {
		p.complete()
	}
}

// scanLine accumulates bytes into lineAcc until a trailing '\n' is
// found, enforcing MaxLineSize. It never re-scans bytes across calls.
func (p *Parser) scanLine(data []byte) (consumed int, found bool, err error) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		p.lineAcc.Write(data)
		if p.lineAcc.Len() > p.opts.MaxLineSize {
			return len(data), false, errors.NewOversizedError("request line or header", p.opts.MaxLineSize)
		}
		return len(data), false, nil
	}
	p.lineAcc.Write(data[:idx+1])
	if p.lineAcc.Len() > p.opts.MaxLineSize {
		return idx + 1, false, errors.NewOversizedError("request line or header", p.opts.MaxLineSize)
	}
	return idx + 1, true, nil
}

// takeLine returns the accumulated line with its trailing CRLF/LF
// stripped, and resets the accumulator for the next line.
func (p *Parser) takeLine() []byte {
	line := append([]byte(nil), p.lineAcc.Bytes()...)
	p.lineAcc.Reset()
	return bytes.TrimRight(line, "\r\n")
}

func (p *Parser) onStartLine(line []byte) error {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) < 2 {
		return errors.NewParseError("MalformedRequestLine", "request/status line missing required fields", nil)
	}

	if bytes.HasPrefix(line, []byte("HTTP/")) {
		m := NewResponse()
		m.Version = parts[0]
		code, err := strconv.Atoi(string(parts[1]))
		if err != nil {
			return errors.NewParseError("MalformedRequestLine", "invalid status code", err)
		}
		m.StatusCode = code
		if len(parts) == 3 {
			m.Reason = parts[2]
		}
		m.State = StateLineRcvd
		p.message = m
		return nil
	}

	if len(parts) < 3 {
		return errors.NewParseError("MalformedRequestLine", "request line missing version", nil)
	}
	m := NewRequest()
	m.Method = parts[0]
	url, err := httpurl.ParseTarget(parts[1])
	if err != nil {
		return err
	}
	m.URL = url
	m.Version = parts[2]
	m.State = StateLineRcvd
	p.message = m
	return nil
}

func (p *Parser) onHeaderLine(line []byte) (done bool, err error) {
	if len(line) == 0 {
		p.message.State = StateHeadersComplete
		return true, nil
	}

	if line[0] == ' ' || line[0] == '\t' {
		return false, errors.NewParseError("MalformedHeader", "obsolete line folding is not supported", nil)
	}

	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return false, errors.NewParseError("MalformedHeader", "header line missing ':'", nil)
	}

	name := line[:idx]
	value := bytes.TrimLeft(line[idx+1:], " \t")

	p.headerBytes += len(line)
	if p.headerBytes > p.opts.MaxHeaderBytes {
		return false, errors.NewOversizedError("header block", p.opts.MaxHeaderBytes)
	}

	p.message.Headers.Add(append([]byte(nil), name...), append([]byte(nil), value...))
	return false, nil
}

func (p *Parser) determineFraming() error {
	m := p.message
	m.Reusable = isReusable(m)

	if m.Headers.HasToken("Transfer-Encoding", "chunked") {
		m.Framing = FramingChunked
		m.State = StateRcvingBody
		p.chunkPhase = chunkPhaseSize
		p.beginBody()
		return nil
	}

	if cl, ok := m.Headers.Get("Content-Length"); ok {
		length, err := strconv.ParseInt(strings.TrimSpace(string(cl)), 10, 64)
		if err != nil || length < 0 {
			return errors.NewParseError("MalformedHeader", "invalid Content-Length", err)
		}
		if length > constants.MaxContentLength {
			return errors.NewOversizedError("Content-Length body", constants.MaxContentLength)
		}
		if length == 0 {
			m.Framing = FramingNone
			p.complete()
			return nil
		}
		m.Framing = FramingContentLen
		m.State = StateRcvingBody
		p.contentRemaining = length
		p.beginBody()
		return nil
	}

	if noBodyByDefault(m) {
		m.Framing = FramingNone
		p.complete()
		return nil
	}

	// Response with neither chunked nor Content-Length: tunnel until close.
	m.Framing = FramingUntilClose
	m.Reusable = false
	m.State = StateRcvingBody
	p.beginBody()
	return nil
}

func (p *Parser) beginBody() {
	if !p.opts.Stream {
		p.message.Body = buffer.NewBounded(p.opts.BodyMemLimit, constants.MaxRawBufferSize, "accumulated body")
	}
}

func noBodyByDefault(m *Message) bool {
	if m.Kind == KindRequest {
		// A request with neither Transfer-Encoding nor Content-Length has
		// no body, CONNECT included.
		return true
	}
	switch {
	case m.StatusCode >= 100 && m.StatusCode < 200:
		return true
	case m.StatusCode == 204 || m.StatusCode == 304:
		return true
	default:
		return false
	}
}

func isReusable(m *Message) bool {
	if m.Headers.HasToken("Connection", "close") {
		return false
	}
	if bytes.Equal(m.Version, []byte("HTTP/1.0")) {
		return m.Headers.HasToken("Connection", "keep-alive")
	}
	return true
}

func (p *Parser) complete() {
	p.message.State = StateComplete
}

func (p *Parser) writeBody(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	if p.opts.Stream {
		if p.opts.OnBodyChunk != nil {
			return p.opts.OnBodyChunk(chunk)
		}
		return nil
	}
	_, err := p.message.Body.Write(chunk)
	if err != nil {
		return errors.NewIOError("writing body chunk", err)
	}
	return nil
}

func (p *Parser) feedBody(data []byte) (int, error) {
	switch p.message.Framing {
	case FramingChunked:
		return p.feedChunked(data)
	case FramingContentLen:
		return p.feedFixed(data)
	case FramingUntilClose:
		if err := p.writeBody(data); err != nil {
			return 0, err
		}
		return len(data), nil
	default:
		p.complete()
		return 0, nil
	}
}

func (p *Parser) feedFixed(data []byte) (int, error) {
	n := int64(len(data))
	if n > p.contentRemaining {
		n = p.contentRemaining
	}
	if err := p.writeBody(data[:n]); err != nil {
		return int(n), err
	}
	p.contentRemaining -= n
	if p.contentRemaining == 0 {
		p.complete()
	}
	return int(n), nil
}

func (p *Parser) feedChunked(data []byte) (int, error) {
	total := 0
	for total < len(data) {
		switch p.chunkPhase {
		case chunkPhaseSize:
			n, found, err := p.scanLine(data[total:])
			total += n
			if err != nil {
				return total, err
			}
			if !found {
				return total, nil
			}
			line := p.takeLine()
			sizeToken := line
			if idx := bytes.IndexByte(line, ';'); idx >= 0 {
				sizeToken = line[:idx]
			}
			size, err := strconv.ParseInt(strings.TrimSpace(string(sizeToken)), 16, 64)
			if err != nil || size < 0 {
				return total, errors.NewParseError("InvalidChunkedBody", "invalid chunk size", err)
			}
			if size == 0 {
				p.chunkPhase = chunkPhaseTrailer
			} else {
				p.chunkRemaining = size
				p.chunkPhase = chunkPhaseData
			}

		case chunkPhaseData:
			n := int64(len(data) - total)
			if n > p.chunkRemaining {
				n = p.chunkRemaining
			}
			if err := p.writeBody(data[total : total+int(n)]); err != nil {
				return total, err
			}
			total += int(n)
			p.chunkRemaining -= n
			if p.chunkRemaining == 0 {
				p.chunkPhase = chunkPhaseCRLF
			}

		case chunkPhaseCRLF:
			n, found, err := p.scanLine(data[total:])
			total += n
			if err != nil {
				return total, err
			}
			if !found {
				return total, nil
			}
			p.takeLine()
			p.chunkPhase = chunkPhaseSize

		case chunkPhaseTrailer:
			n, found, err := p.scanLine(data[total:])
			total += n
			if err != nil {
				return total, err
			}
			if !found {
				return total, nil
			}
			line := p.takeLine()
			if len(line) == 0 {
				p.complete()
				return total, nil
			}
			if idx := bytes.IndexByte(line, ':'); idx >= 0 {
				name := bytes.TrimSpace(line[:idx])
				value := bytes.TrimLeft(line[idx+1:], " \t")
				p.message.Headers.Add(append([]byte(nil), name...), append([]byte(nil), value...))
			}
		}

		if p.message.State == StateComplete {
			return total, nil
		}
	}
	return total, nil
}
