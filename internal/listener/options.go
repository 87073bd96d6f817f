// Package listener implements the HTTP listener (C5): accepts raw TCP
// connections, sniffs the protocol on each (TLS ClientHello, CONNECT,
// or plain HTTP), terminates TLS with a dynamically minted certificate
// when configured, negotiates HTTP/1.1 or HTTP/2 per the ALPN policy,
// and drives every parsed request through the dispatcher and handler
// executor.
//
// Grounded on cmd/ctrlai/main.go's server bring-up (net.Listen,
// http.Server, three-way select for graceful shutdown), generalized
// from "one fixed HTTP port" to port-range binding plus the sniffing
// front door the teacher never needed (the teacher speaks plain HTTP
// only; TLS termination and ALPN are new domain work built on
// crypto/tls and golang.org/x/net/http2).
package listener

import (
	"time"

	"github.com/mockwire/mockwire/internal/certauth"
	"github.com/mockwire/mockwire/internal/dispatch"
	"github.com/mockwire/mockwire/internal/eventbus"
	"github.com/mockwire/mockwire/internal/handlers"
	"github.com/mockwire/mockwire/internal/passthrough"
)

// HTTP2Policy controls whether HTTP/2 is offered in ALPN, per spec.md §4.5.
type HTTP2Policy int

const (
	HTTP2Always HTTP2Policy = iota
	HTTP2Never
	HTTP2Fallback // offered only when the client's ALPN list omits http/1.1
)

// PortSpec describes how to bind the listening socket.
//
//   - Exact > 0: bind exactly that port.
//   - Range:  try Start..End in order, first success wins.
//   - Neither set: bind :0 (OS-assigned free port).
type PortSpec struct {
	Exact int
	Start int
	End   int
}

// Options configures a Listener. Every dependency is injected by the
// mockwire façade (C10), which owns their lifetimes.
type Options struct {
	Host string // defaults to "" (all interfaces)
	Port PortSpec

	// CA enables TLS termination/MITM when non-nil. Minter must be
	// non-nil whenever CA is.
	CA     *certauth.CA
	Minter *certauth.Minter

	HTTP2 HTTP2Policy

	Dispatcher  *dispatch.Dispatcher
	SeenLog     *dispatch.SeenLog
	Executor    *handlers.Executor
	Passthrough *passthrough.Client
	Bus         *eventbus.Bus

	MaxBodySize int64 // bytes; 0 or less means the whole body is buffered
	GraceWindow time.Duration

	// IgnoreWebsocketHostCertificateErrors is the legacy global trust
	// bypass for WebSocket passthrough upstreams, per spec.md §6.
	IgnoreWebsocketHostCertificateErrors []string
}

func (o Options) graceWindow() time.Duration {
	if o.GraceWindow <= 0 {
		return 500 * time.Millisecond
	}
	return o.GraceWindow
}
