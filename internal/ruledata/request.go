// Package ruledata defines the immutable request/response/rule data model
// shared by the matcher, dispatcher, and handler executor.
package ruledata

import (
	"io"
	"net/textproto"
	"strconv"
	"time"
)

// Protocol identifies the wire protocol a request arrived on.
type Protocol string

const (
	ProtocolHTTP1 Protocol = "1.1"
	ProtocolHTTP2 Protocol = "2"
	ProtocolWS    Protocol = "ws"
)

// Scheme is the logical scheme of the request, independent of whatever
// TLS termination happened in front of the listener.
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
)

// Header is an ordered, case-preserving, possibly duplicate-keyed header
// list. Lookups are case-insensitive (per RFC 7230), but Raw preserves
// declaration order and original casing for re-emission.
type Header struct {
	Raw []HeaderField
}

// HeaderField is a single header name/value pair as it appeared on the wire.
type HeaderField struct {
	Name  string
	Value string
}

// Get returns the first value for name, case-insensitively, or "".
func (h Header) Get(name string) string {
	canon := textproto.CanonicalMIMEHeaderKey(name)
	for _, f := range h.Raw {
		if textproto.CanonicalMIMEHeaderKey(f.Name) == canon {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name, case-insensitively, in order.
func (h Header) Values(name string) []string {
	canon := textproto.CanonicalMIMEHeaderKey(name)
	var out []string
	for _, f := range h.Raw {
		if textproto.CanonicalMIMEHeaderKey(f.Name) == canon {
			out = append(out, f.Value)
		}
	}
	return out
}

// Add appends a header field, preserving any existing values under the
// same name.
func (h *Header) Add(name, value string) {
	h.Raw = append(h.Raw, HeaderField{Name: name, Value: value})
}

// Clone returns a Header with its own backing array, safe to mutate
// without affecting h. Callers that hold a Header read from a shared,
// reused value (e.g. a Rule's Handler) must Clone before calling Set,
// since Set filters Raw in place via h.Raw[:0].
func (h Header) Clone() Header {
	return Header{Raw: append([]HeaderField(nil), h.Raw...)}
}

// Set replaces all values for name with a single value.
func (h *Header) Set(name, value string) {
	canon := textproto.CanonicalMIMEHeaderKey(name)
	filtered := h.Raw[:0]
	for _, f := range h.Raw {
		if textproto.CanonicalMIMEHeaderKey(f.Name) != canon {
			filtered = append(filtered, f)
		}
	}
	h.Raw = append(filtered, HeaderField{Name: name, Value: value})
}

// Body holds a request or response body. When the wire body exceeds the
// configured maxBodySize, Bytes is nil and Dropped is true — matchers
// treat a dropped body as empty (spec invariant: body > maxBodySize ⇒
// body matchers see empty), while a passthrough handler still streams
// the full, undrained body to the origin via Stream, which always
// yields the complete body regardless of Dropped. Stream is nil on a
// Response's Body; only inbound requests populate it.
type Body struct {
	Bytes   []byte
	Dropped bool
	Size    int64 // total bytes actually read off the wire, even if dropped
	Stream  io.Reader
}

// Request is an immutable, fully-parsed incoming request. It is built
// once by the listener and never mutated afterward — matchers, the
// dispatcher, and handlers all read from the same value.
type Request struct {
	ID         uint64
	Timestamp  time.Time
	RemoteAddr string
	Protocol   Protocol
	Scheme     Scheme
	Host       string
	Port       int
	Method     string
	Path       string
	RawQuery   string
	Header     Header
	Body       Body
	Trailer    Header

	// TLSServerName is the SNI presented at handshake, if any.
	TLSServerName string
}

// URL reconstructs the absolute URL for this request
// (scheme://host[:port]path[?query]).
func (r *Request) URL() string {
	u := string(r.Scheme) + "://" + r.Host
	if r.Port != 0 && !isDefaultPort(r.Scheme, r.Port) {
		u += ":" + strconv.Itoa(r.Port)
	}
	u += r.Path
	if r.RawQuery != "" {
		u += "?" + r.RawQuery
	}
	return u
}

// HostPort renders "host:port", using the scheme default port when Port is 0.
func (r *Request) HostPort() string {
	port := r.Port
	if port == 0 {
		port = defaultPort(r.Scheme)
	}
	return r.Host + ":" + strconv.Itoa(port)
}

func isDefaultPort(s Scheme, port int) bool {
	return port == defaultPort(s)
}

func defaultPort(s Scheme) int {
	if s == SchemeHTTPS {
		return 443
	}
	return 80
}

// Response is the outcome of handler execution, ready to be written to
// the wire (or further rewritten by a passthrough beforeResponse hook).
type Response struct {
	StatusCode int
	Reason     string
	Header     Header
	Body       Body
	Trailer    Header
}
