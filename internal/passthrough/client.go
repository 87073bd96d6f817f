// Package passthrough implements the passthrough client (C6): builds
// and sends an outbound request for a passthrough handler, applying
// target overrides and trust-policy exceptions.
//
// Grounded on internal/proxy/forwarder.go's forwardRequest/
// copyHeaders/copyResponseHeaders (hop-by-hop header stripping carried
// over near-verbatim), generalized from "one fixed upstream per
// provider" to "per-request resolved target with optional rewrite".
package passthrough

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/mockwire/mockwire/internal/ruledata"
)

// hopByHopHeaders must not be forwarded through a proxy hop — carried
// over from internal/proxy/forwarder.go verbatim.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

const idleTimeout = 30 * time.Second

// Client forwards requests to origin servers, reusing one
// *http.Transport per "host:port" destination (shared by http and
// https requests to the same host and port) and honoring
// per-destination certificate-verification exceptions.
type Client struct {
	mu         sync.Mutex
	transports map[string]*http.Transport

	ignoreCertGlobs []glob.Glob
	ignoreCertHosts map[string]bool
}

// New returns a Client. ignoreHostCertificateErrors entries are either
// glob patterns (matched against "host:port") or exact "host:port"
// strings, per spec.md §4.6.
func New(ignoreHostCertificateErrors []string) (*Client, error) {
	c := &Client{
		transports:      make(map[string]*http.Transport),
		ignoreCertHosts: make(map[string]bool),
	}
	for _, pattern := range ignoreHostCertificateErrors {
		if strings.ContainsAny(pattern, "*?") {
			g, err := glob.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid ignoreHostCertificateErrors pattern %q: %w", pattern, err)
			}
			c.ignoreCertGlobs = append(c.ignoreCertGlobs, g)
			continue
		}
		c.ignoreCertHosts[pattern] = true
	}
	return c, nil
}

func (c *Client) trustsBlindly(hostPort string) bool {
	if c.ignoreCertHosts[hostPort] {
		return true
	}
	for _, g := range c.ignoreCertGlobs {
		if g.Match(hostPort) {
			return true
		}
	}
	return false
}

func (c *Client) transportFor(hostPort string) *http.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.transports[hostPort]; ok {
		return t
	}
	t := &http.Transport{
		IdleConnTimeout: idleTimeout,
	}
	if c.trustsBlindly(hostPort) {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	c.transports[hostPort] = t
	return t
}

// Forward sends req to its resolved destination and returns the raw
// response. Body streams unless the caller has already buffered it
// (e.g. because a beforeRequest rewrite materialized it).
func (c *Client) Forward(ctx context.Context, req *ruledata.Request, body io.Reader) (*http.Response, error) {
	target := req.URL()
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building outbound passthrough request: %w", err)
	}
	copyHeaders(httpReq.Header, req.Header)

	transport := c.transportFor(req.HostPort())
	resp, err := transport.RoundTrip(httpReq)
	if err != nil {
		return nil, fmt.Errorf("forwarding passthrough request to %s: %w", target, err)
	}
	return resp, nil
}

// ApplyTargetOverrides returns a copy of req with scheme/host/port/path
// replaced by any non-zero fields in overrides.
func ApplyTargetOverrides(req *ruledata.Request, overrides *ruledata.TargetOverrides) *ruledata.Request {
	if overrides == nil {
		return req
	}
	out := *req
	if overrides.Scheme != "" {
		out.Scheme = ruledata.Scheme(overrides.Scheme)
	}
	if overrides.Host != "" {
		out.Host = overrides.Host
	}
	if overrides.Port != 0 {
		out.Port = overrides.Port
	}
	if overrides.Path != "" {
		out.Path = overrides.Path
	}
	return &out
}

func copyHeaders(dst http.Header, src ruledata.Header) {
	for _, f := range src.Raw {
		if hopByHopHeaders[f.Name] || strings.EqualFold(f.Name, "Host") {
			continue
		}
		dst.Add(f.Name, f.Value)
	}
}

// CopyResponseHeaders copies response headers from an origin response
// into a ruledata.Header, stripping hop-by-hop headers — same
// treatment as the inbound side.
func CopyResponseHeaders(dst *ruledata.Header, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// ResponseToRuledata converts an *http.Response into a ruledata.Response,
// buffering the body (used when a beforeResponse rewrite needs a
// materialized body to inspect or modify).
func ResponseToRuledata(resp *http.Response) (*ruledata.Response, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading passthrough response body: %w", err)
	}

	var hdr ruledata.Header
	CopyResponseHeaders(&hdr, resp.Header)
	if hdr.Get("Content-Length") == "" {
		hdr.Set("Content-Length", strconv.Itoa(len(body)))
	}

	return &ruledata.Response{
		StatusCode: resp.StatusCode,
		Reason:     resp.Status,
		Header:     hdr,
		Body:       ruledata.Body{Bytes: body, Size: int64(len(body))},
	}, nil
}
