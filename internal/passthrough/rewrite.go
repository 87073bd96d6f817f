package passthrough

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mockwire/mockwire/internal/ruledata"
)

const defaultRewriteTimeout = 5 * time.Second

// ErrRewriteTimeout is returned (wrapped) when a beforeRequest or
// beforeResponse callback does not return within its timeout; callers
// turn this into a 502 per spec.md §4.6.
type ErrRewriteTimeout struct{ Stage string }

func (e *ErrRewriteTimeout) Error() string {
	return fmt.Sprintf("%s rewrite callback exceeded its timeout", e.Stage)
}

// ApplyBeforeRequest runs p.BeforeRequest (if set) against req, bounded
// by a timeout, and returns the possibly-rewritten request.
func ApplyBeforeRequest(ctx context.Context, p *ruledata.Passthrough, req *ruledata.Request) (*ruledata.Request, error) {
	if p == nil || p.BeforeRequest == nil {
		return req, nil
	}
	cctx, cancel := context.WithTimeout(ctx, defaultRewriteTimeout)
	defer cancel()

	type result struct {
		req *ruledata.Request
		err error
	}
	done := make(chan result, 1)
	go func() {
		rewritten, err := p.BeforeRequest(cctx, req)
		done <- result{req: rewritten, err: err}
	}()

	select {
	case <-cctx.Done():
		return nil, &ErrRewriteTimeout{Stage: "beforeRequest"}
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("beforeRequest callback failed: %w", r.err)
		}
		if r.req == nil {
			return req, nil
		}
		return r.req, nil
	}
}

// ApplyBeforeResponse runs p.BeforeResponse (if set) against resp,
// bounded by a timeout, and returns the possibly-rewritten response.
func ApplyBeforeResponse(ctx context.Context, p *ruledata.Passthrough, resp *ruledata.Response) (*ruledata.Response, error) {
	if p == nil || p.BeforeResponse == nil {
		return resp, nil
	}
	cctx, cancel := context.WithTimeout(ctx, defaultRewriteTimeout)
	defer cancel()

	type result struct {
		resp *ruledata.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		rewritten, err := p.BeforeResponse(cctx, resp)
		done <- result{resp: rewritten, err: err}
	}()

	select {
	case <-cctx.Done():
		return nil, &ErrRewriteTimeout{Stage: "beforeResponse"}
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("beforeResponse callback failed: %w", r.err)
		}
		if r.resp == nil {
			return resp, nil
		}
		return r.resp, nil
	}
}

// BadGatewayResponse synthesizes the 502 sent when a passthrough
// exchange cannot complete: a rewrite callback failed or timed out,
// the origin could not be reached or read, or the rule's trust
// configuration is invalid.
func BadGatewayResponse(reason string) *ruledata.Response {
	var hdr ruledata.Header
	hdr.Set("Content-Type", "text/plain; charset=utf-8")
	body := []byte("passthrough aborted: " + reason)
	hdr.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	return &ruledata.Response{StatusCode: http.StatusBadGateway, Header: hdr, Body: ruledata.Body{Bytes: body, Size: int64(len(body))}}
}

// BufferedReader wraps a materialized body so Client.Forward can send
// it without the caller needing to know whether the body came from
// the wire or from a rewrite callback.
func BufferedReader(body []byte) *bytes.Reader {
	return bytes.NewReader(body)
}
