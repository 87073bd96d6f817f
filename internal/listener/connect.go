package listener

import (
	"bufio"
	"io"
	"net"
	"net/http"

	"github.com/mockwire/mockwire/internal/eventbus"
)

// handleConnect answers an explicit-proxy CONNECT request per
// spec.md §4.5: respond 200 Connection Established, then either loop
// back to protocol sniffing on the tunnel (supporting nested TLS MITM)
// when HTTPS is configured, or pass the tunnel through untouched to
// the requested origin when it is not.
func (l *Listener) handleConnect(pc *peekConn) {
	req, err := http.ReadRequest(bufio.NewReader(pc))
	if err != nil {
		l.emitClientError(pc, "malformed CONNECT request: "+err.Error())
		return
	}
	target := req.Host
	if target == "" {
		target = req.URL.Host
	}

	if _, err := io.WriteString(pc, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	if l.opts.CA == nil {
		l.tunnelRaw(pc, target)
		return
	}

	// Nested MITM: re-sniff the tunnel itself, since the client will
	// now start a fresh TLS handshake (or, unusually, issue another
	// CONNECT) over this same socket.
	l.handleConn(pc, true)
}

// tunnelRaw dials the requested origin and shuttles bytes verbatim in
// both directions — used when HTTPS is not configured, so the
// listener cannot (and per spec.md §4.5 should not) terminate TLS
// inside the tunnel.
func (l *Listener) tunnelRaw(pc *peekConn, target string) {
	origin, err := net.Dial("tcp", target)
	if err != nil {
		l.emitClientError(pc, "dialing CONNECT target "+target+": "+err.Error())
		return
	}
	defer origin.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(origin, pc); done <- struct{}{} }()
	go func() { io.Copy(pc, origin); done <- struct{}{} }()
	<-done
}

func (l *Listener) emitClientError(pc *peekConn, message string) {
	l.opts.Bus.Publish(eventbus.Event{
		Kind:    eventbus.KindClientError,
		Message: message,
	})
}

func (l *Listener) emitTLSClientError(pc *peekConn, sni, message string) {
	l.opts.Bus.Publish(eventbus.Event{
		Kind:    eventbus.KindTLSClientError,
		SNI:     sni,
		Message: message,
	})
}
