package listener

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/mockwire/mockwire/internal/ruledata"
)

// fromHTTPRequest parses r into the immutable data model shared by the
// matcher, dispatcher, and handler executor, enforcing maxBodySize per
// spec.md §4.5: a body over the cap is marked dropped and not
// buffered, while its bytes stay readable through Body.Stream (see
// readBoundedBody). Header fields are copied from net/http's
// canonicalized header map, so their original casing and wire order
// are not preserved.
func fromHTTPRequest(r *http.Request, id uint64, maxBodySize int64, scheme ruledata.Scheme, protocol ruledata.Protocol) (*ruledata.Request, error) {
	host, port := splitHostPort(r.Host, scheme)

	var hdr ruledata.Header
	for name, values := range r.Header {
		for _, v := range values {
			hdr.Add(name, v)
		}
	}

	body, err := readBoundedBody(r.Body, maxBodySize)
	if err != nil {
		return nil, err
	}

	var trailer ruledata.Header
	for name, values := range r.Trailer {
		for _, v := range values {
			trailer.Add(name, v)
		}
	}

	req := &ruledata.Request{
		ID:            id,
		RemoteAddr:    r.RemoteAddr,
		Protocol:      protocol,
		Scheme:        scheme,
		Host:          host,
		Port:          port,
		Method:        r.Method,
		Path:          r.URL.Path,
		RawQuery:      r.URL.RawQuery,
		Header:        hdr,
		Body:          body,
		Trailer:       trailer,
		TLSServerName: tlsServerName(r),
	}
	return req, nil
}

func tlsServerName(r *http.Request) string {
	if r.TLS == nil {
		return ""
	}
	return r.TLS.ServerName
}

func splitHostPort(hostHeader string, scheme ruledata.Scheme) (string, int) {
	host := hostHeader
	port := 0
	if idx := strings.LastIndex(hostHeader, ":"); idx >= 0 && !strings.Contains(hostHeader[idx:], "]") {
		host = hostHeader[:idx]
		if p, err := strconv.Atoi(hostHeader[idx+1:]); err == nil {
			port = p
		}
	}
	if port == 0 {
		if scheme == ruledata.SchemeHTTPS {
			port = 443
		} else {
			port = 80
		}
	}
	return host, port
}

// readBoundedBody buffers up to maxBodySize bytes for matchers to see,
// then peeks one more byte to tell whether the body actually exceeded
// the cap. Critically, it never discards anything past maxBodySize: a
// passthrough handler needs the complete, undrained body even when the
// buffered Bytes view is capped, so the unread remainder of r is
// chained onto Stream instead of being copied to io.Discard.
// maxBodySize <= 0 means unbounded.
func readBoundedBody(r io.ReadCloser, maxBodySize int64) (ruledata.Body, error) {
	if r == nil {
		return ruledata.Body{}, nil
	}

	if maxBodySize <= 0 {
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return ruledata.Body{}, err
		}
		return ruledata.Body{Bytes: data, Size: int64(len(data)), Stream: bytes.NewReader(data)}, nil
	}

	data, err := io.ReadAll(io.LimitReader(r, maxBodySize))
	if err != nil {
		r.Close()
		return ruledata.Body{}, err
	}

	peek := make([]byte, 1)
	n, _ := io.ReadFull(r, peek)
	if n == 0 {
		// Body fit within the cap; r is now fully drained.
		r.Close()
		return ruledata.Body{Bytes: data, Size: int64(len(data)), Stream: bytes.NewReader(data)}, nil
	}

	// Body exceeds maxBodySize. Matchers see it as dropped, but Stream
	// still yields the full, undrained body (the capped prefix, the
	// peeked byte, and whatever r has left) for a passthrough handler
	// to forward to the origin. r itself is left open and unclosed
	// here: net/http's Server closes the request body once ServeHTTP
	// returns, regardless of whether the handler drained it.
	full := io.MultiReader(bytes.NewReader(data), bytes.NewReader(peek[:n]), r)
	return ruledata.Body{Dropped: true, Size: maxBodySize + int64(n), Stream: full}, nil
}

// writeResponse renders a ruledata.Response onto w.
func writeResponse(w http.ResponseWriter, resp *ruledata.Response) {
	for _, f := range resp.Header.Raw {
		w.Header().Add(f.Name, f.Value)
	}
	status := resp.StatusCode
	if status == 0 {
		status = 200
	}
	w.WriteHeader(status)
	if len(resp.Body.Bytes) > 0 {
		w.Write(resp.Body.Bytes)
	}
}
