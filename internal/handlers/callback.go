package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/mockwire/mockwire/internal/ruledata"
)

const defaultCallbackTimeout = 5 * time.Second

// CallbackRunner executes user-supplied CallbackFunc handlers on a
// bounded pool of goroutines, enforcing a per-call timeout and
// recovering panics into a 500 — mirroring the teacher's
// buffered_stream.go bufferAll, which bounds a potentially slow
// upstream operation with a context timeout rather than trusting it to
// return promptly.
type CallbackRunner struct {
	sem chan struct{}
}

// NewCallbackRunner returns a runner allowing up to maxConcurrent
// callbacks to execute at once. maxConcurrent <= 0 means unbounded.
func NewCallbackRunner(maxConcurrent int) *CallbackRunner {
	r := &CallbackRunner{}
	if maxConcurrent > 0 {
		r.sem = make(chan struct{}, maxConcurrent)
	}
	return r
}

// Run invokes h.Callback with a bounded timeout, recovering any panic
// into an error so the caller can turn it into a 500 response.
func (r *CallbackRunner) Run(ctx context.Context, h ruledata.Handler, req *ruledata.Request) (*ruledata.Response, error) {
	if r.sem != nil {
		r.sem <- struct{}{}
		defer func() { <-r.sem }()
	}

	timeout := h.CallbackTimeout
	if timeout <= 0 {
		timeout = defaultCallbackTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		resp *ruledata.Response
		err  error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{err: fmt.Errorf("callback handler panicked: %v", rec)}
			}
		}()
		resp, err := h.Callback(cctx, req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case <-cctx.Done():
		return nil, fmt.Errorf("callback handler exceeded %s timeout", timeout)
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("callback handler failed: %w", r.err)
		}
		return r.resp, nil
	}
}
