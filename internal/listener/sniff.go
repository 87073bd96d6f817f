package listener

import (
	"bufio"
	"bytes"
	"net"
	"time"
)

// tlsRecordType is the first byte of a TLS handshake record
// (ContentType = handshake, 0x16), per RFC 8446 §5.1.
const tlsRecordType = 0x16

// peekTimeout bounds how long Accept-time sniffing waits for the first
// bytes of a new connection before treating it as a dead/idle peer.
const peekTimeout = 10 * time.Second

// peekConn wraps a net.Conn with a bufio.Reader so the listener can
// peek at the first bytes of a connection before deciding how to
// handle it, while still letting later reads (by http.Server, by a
// raw tunnel copy, ...) see those same bytes.
type peekConn struct {
	net.Conn
	br *bufio.Reader
}

func newPeekConn(c net.Conn) *peekConn {
	return &peekConn{Conn: c, br: bufio.NewReader(c)}
}

func (p *peekConn) Read(b []byte) (int, error) { return p.br.Read(b) }

// peek looks at the first n bytes without consuming them.
func (p *peekConn) peek(n int) ([]byte, error) {
	_ = p.Conn.SetReadDeadline(time.Now().Add(peekTimeout))
	defer p.Conn.SetReadDeadline(time.Time{})
	return p.br.Peek(n)
}

// sniffKind classifies a new connection from its first bytes.
type sniffKind int

const (
	sniffPlainHTTP sniffKind = iota
	sniffTLS
	sniffConnect
	sniffUnknown
)

func classify(p *peekConn) sniffKind {
	b, err := p.peek(1)
	if err != nil || len(b) == 0 {
		return sniffUnknown
	}
	if b[0] == tlsRecordType {
		return sniffTLS
	}

	// CONNECT is always followed by a space; peek exactly that many
	// bytes. Peek waits until they arrive or peekTimeout expires; a
	// shorter connection is classified as plain HTTP.
	line, err := p.peek(len("CONNECT "))
	if err == nil && bytes.HasPrefix(line, []byte("CONNECT ")) {
		return sniffConnect
	}
	return sniffPlainHTTP
}
