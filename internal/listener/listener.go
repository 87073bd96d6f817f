package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

// BindError is returned when no port in a requested range could be
// bound, per spec.md §7.
type BindError struct {
	Spec PortSpec
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("listener: could not bind port %+v: %v", e.Spec, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Listener owns the accepting socket and drives every connection
// through protocol sniffing, optional TLS termination, and into the
// shared request handler.
type Listener struct {
	opts Options
	ln   net.Listener

	server  *http.Server
	handler *requestHandler

	nextID atomic.Uint64

	wg       sync.WaitGroup
	closing  atomic.Bool
	stopOnce sync.Once
}

// New builds a Listener from opts but does not bind yet; call Listen.
func New(opts Options) *Listener {
	l := &Listener{opts: opts}
	l.handler = &requestHandler{l: l, opts: opts}

	l.server = &http.Server{
		Handler:           l.handler,
		ReadHeaderTimeout: 30 * time.Second,
	}
	if opts.CA != nil {
		l.server.TLSConfig = buildTLSConfig(opts.Minter, opts.HTTP2)
		if opts.HTTP2 != HTTP2Never {
			if err := http2.ConfigureServer(l.server, &http2.Server{}); err != nil {
				slog.Warn("listener: failed to configure h2 support", "error", err)
			}
		}
	}
	return l
}

// Listen binds the listening socket per opts.Port, trying a port range
// in order when one is configured.
func (l *Listener) Listen() error {
	addr := func(port int) string { return fmt.Sprintf("%s:%d", l.opts.Host, port) }

	switch {
	case l.opts.Port.Exact > 0:
		ln, err := net.Listen("tcp", addr(l.opts.Port.Exact))
		if err != nil {
			return &BindError{Spec: l.opts.Port, Err: err}
		}
		l.ln = ln

	case l.opts.Port.Start > 0 && l.opts.Port.End >= l.opts.Port.Start:
		var lastErr error
		for p := l.opts.Port.Start; p <= l.opts.Port.End; p++ {
			ln, err := net.Listen("tcp", addr(p))
			if err == nil {
				l.ln = ln
				break
			}
			lastErr = err
		}
		if l.ln == nil {
			return &BindError{Spec: l.opts.Port, Err: lastErr}
		}

	default:
		ln, err := net.Listen("tcp", addr(0))
		if err != nil {
			return &BindError{Spec: l.opts.Port, Err: err}
		}
		l.ln = ln
	}
	return nil
}

// Addr returns the bound address. Only valid after a successful Listen.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until the listener is closed, dispatching
// each to its own goroutine. It blocks until Shutdown closes the
// accepting socket.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.closing.Load() {
				return nil
			}
			return fmt.Errorf("listener: accept: %w", err)
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConn(conn, false)
		}()
	}
}

// handleConn classifies a freshly accepted connection and routes it to
// the right protocol path, per spec.md §4.5. fromConnect is true when
// conn is the tunnel established by an explicit-proxy CONNECT request,
// which biases an otherwise-ambiguous empty connection toward
// tls-client-error (nested MITM is the expected next step there).
func (l *Listener) handleConn(conn net.Conn, fromConnect bool) {
	defer conn.Close()
	pc := newPeekConn(conn)

	switch classify(pc) {
	case sniffConnect:
		l.handleConnect(pc)

	case sniffTLS:
		if l.opts.CA == nil {
			l.emitTLSClientError(pc, "", "TLS ClientHello received but HTTPS is not configured")
			return
		}
		tc := tls.Server(pc, l.server.TLSConfig)
		if err := tc.HandshakeContext(context.Background()); err != nil {
			l.emitTLSClientError(pc, tc.ConnectionState().ServerName, "TLS handshake failed: "+err.Error())
			return
		}
		l.serveOneConn(tc)

	case sniffPlainHTTP:
		l.serveOneConn(pc)

	default:
		if fromConnect || l.opts.CA != nil {
			l.emitTLSClientError(pc, "", "connection closed before a TLS handshake began")
			return
		}
		l.emitClientError(pc, "connection closed before a request line was read")
	}
}

// serveOneConn hands a single already-classified connection to the
// shared *http.Server. When conn is a *tls.Conn, net/http's own
// connection loop performs the handshake and, via the TLSNextProto
// table installed by http2.ConfigureServer, automatically hands the
// connection off to HTTP/2 when ALPN negotiated "h2" — the same
// mechanism ListenAndServeTLS relies on, just driven per-connection
// instead of via a tls.Listener.
func (l *Listener) serveOneConn(conn net.Conn) {
	sl := newSingleConnListener(conn)
	defer sl.Close()
	_ = l.server.Serve(sl)
}

// Shutdown closes the accepting socket and waits up to the configured
// grace window for in-flight connections to drain before returning.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.stopOnce.Do(func() {
		l.closing.Store(true)
		if l.ln != nil {
			l.ln.Close()
		}
		_ = l.server.Shutdown(ctx)
	})

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	grace := l.opts.graceWindow()
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) nextRequestID() uint64 {
	return l.nextID.Add(1)
}
