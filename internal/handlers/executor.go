// Package handlers implements the handler executor (C4): given a rule
// and a parsed request, produces a response or a terminal socket
// action. Grounded on internal/proxy/proxy.go's ServeHTTP branches
// (handleNonStreaming / streaming / passThrough) and
// internal/proxy/forwarder.go's header-copy helpers.
package handlers

import (
	"context"
	"io"
	"os"
	"strconv"

	"github.com/mockwire/mockwire/internal/ruledata"
)

// ActionKind tags the variant of Outcome a handler execution produces.
type ActionKind int

const (
	ActionReply ActionKind = iota
	ActionStream
	ActionCloseConnection
	ActionResetConnection
	ActionTimeout
	ActionPassthrough // caller delegates to internal/passthrough
)

// Outcome is what the listener should do after Execute returns.
type Outcome struct {
	Kind     ActionKind
	Response *ruledata.Response // ActionReply
	Stream   io.Reader          // ActionStream; Response.Header/StatusCode still apply
	Rule     *ruledata.Rule     // ActionPassthrough: caller reads Rule.Handler.Passthrough
}

// Executor runs a rule's handler against a parsed request.
type Executor struct {
	callbacks *CallbackRunner
}

// New returns an Executor that runs callback handlers through pool.
func New(pool *CallbackRunner) *Executor {
	return &Executor{callbacks: pool}
}

// Execute dispatches on rule.Handler.Kind and returns the outcome the
// listener must act on.
func (e *Executor) Execute(ctx context.Context, rule *ruledata.Rule, req *ruledata.Request) Outcome {
	h := rule.Handler
	switch h.Kind {
	case ruledata.HandlerReply:
		return Outcome{Kind: ActionReply, Response: replyFromHandler(h)}

	case ruledata.HandlerStreamReply:
		return Outcome{
			Kind:     ActionStream,
			Response: &ruledata.Response{StatusCode: h.Status, Header: h.RespHdr},
			Stream:   h.Stream,
		}

	case ruledata.HandlerFile:
		return e.executeFile(h)

	case ruledata.HandlerCallback:
		return e.executeCallback(ctx, h, req)

	case ruledata.HandlerCloseConnection:
		return Outcome{Kind: ActionCloseConnection}

	case ruledata.HandlerResetConnection:
		return Outcome{Kind: ActionResetConnection}

	case ruledata.HandlerTimeout:
		return Outcome{Kind: ActionTimeout}

	case ruledata.HandlerPassthrough:
		return Outcome{Kind: ActionPassthrough, Rule: rule}

	default:
		return Outcome{Kind: ActionReply, Response: internalErrorResponse("unknown handler kind")}
	}
}

// replyFromHandler builds a Response from a reply handler, computing
// Content-Length when the caller did not set one explicitly — the same
// shape as the teacher's handleNonStreaming, which always sets
// Content-Length from the buffered body length.
func replyFromHandler(h ruledata.Handler) *ruledata.Response {
	// h.Header is shared with the Rule this Handler lives on, reused
	// across every matching request — Clone before Set mutates Raw in
	// place, or concurrent replies race on the same backing array.
	header := h.Header.Clone()
	if header.Get("Content-Length") == "" {
		header.Set("Content-Length", strconv.Itoa(len(h.Body)))
	}
	status := h.Status
	if status == 0 {
		status = 200
	}
	return &ruledata.Response{
		StatusCode: status,
		Header:     header,
		Body:       ruledata.Body{Bytes: h.Body, Size: int64(len(h.Body))},
	}
}

func (e *Executor) executeFile(h ruledata.Handler) Outcome {
	data, err := os.ReadFile(h.FilePath)
	if err != nil {
		return Outcome{Kind: ActionReply, Response: internalErrorResponse("reading file handler path: " + err.Error())}
	}
	header := h.Header.Clone()
	header.Set("Content-Length", strconv.Itoa(len(data)))
	status := h.Status
	if status == 0 {
		status = 200
	}
	return Outcome{Kind: ActionReply, Response: &ruledata.Response{
		StatusCode: status,
		Header:     header,
		Body:       ruledata.Body{Bytes: data, Size: int64(len(data))},
	}}
}

func (e *Executor) executeCallback(ctx context.Context, h ruledata.Handler, req *ruledata.Request) Outcome {
	resp, err := e.callbacks.Run(ctx, h, req)
	if err != nil {
		return Outcome{Kind: ActionReply, Response: internalErrorResponse(err.Error())}
	}
	return Outcome{Kind: ActionReply, Response: resp}
}

func internalErrorResponse(message string) *ruledata.Response {
	var hdr ruledata.Header
	hdr.Set("Content-Type", "text/plain; charset=utf-8")
	body := []byte(message)
	hdr.Set("Content-Length", strconv.Itoa(len(body)))
	return &ruledata.Response{StatusCode: 500, Header: hdr, Body: ruledata.Body{Bytes: body, Size: int64(len(body))}}
}
