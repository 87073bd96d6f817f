package handlers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mockwire/mockwire/internal/ruledata"
)

func newExecutor() *Executor {
	return New(NewCallbackRunner(4))
}

func TestExecute_ReplyComputesContentLength(t *testing.T) {
	e := newExecutor()
	rule := &ruledata.Rule{Handler: ruledata.Handler{
		Kind:   ruledata.HandlerReply,
		Status: 200,
		Body:   []byte("hello"),
	}}

	out := e.Execute(context.Background(), rule, &ruledata.Request{})
	if out.Kind != ActionReply {
		t.Fatalf("expected ActionReply, got %v", out.Kind)
	}
	if got := out.Response.Header.Get("Content-Length"); got != "5" {
		t.Errorf("expected Content-Length 5, got %q", got)
	}
	if out.Response.StatusCode != 200 {
		t.Errorf("expected status 200, got %d", out.Response.StatusCode)
	}
}

func TestExecute_ReplyDefaultsStatus200(t *testing.T) {
	e := newExecutor()
	rule := &ruledata.Rule{Handler: ruledata.Handler{Kind: ruledata.HandlerReply, Body: []byte("x")}}

	out := e.Execute(context.Background(), rule, &ruledata.Request{})
	if out.Response.StatusCode != 200 {
		t.Errorf("expected default status 200, got %d", out.Response.StatusCode)
	}
}

func TestExecute_CloseAndResetConnection(t *testing.T) {
	e := newExecutor()

	closeRule := &ruledata.Rule{Handler: ruledata.Handler{Kind: ruledata.HandlerCloseConnection}}
	if out := e.Execute(context.Background(), closeRule, &ruledata.Request{}); out.Kind != ActionCloseConnection {
		t.Errorf("expected ActionCloseConnection, got %v", out.Kind)
	}

	resetRule := &ruledata.Rule{Handler: ruledata.Handler{Kind: ruledata.HandlerResetConnection}}
	if out := e.Execute(context.Background(), resetRule, &ruledata.Request{}); out.Kind != ActionResetConnection {
		t.Errorf("expected ActionResetConnection, got %v", out.Kind)
	}
}

func TestExecute_TimeoutHandler(t *testing.T) {
	e := newExecutor()
	rule := &ruledata.Rule{Handler: ruledata.Handler{Kind: ruledata.HandlerTimeout}}
	out := e.Execute(context.Background(), rule, &ruledata.Request{})
	if out.Kind != ActionTimeout {
		t.Errorf("expected ActionTimeout, got %v", out.Kind)
	}
}

func TestExecute_PassthroughDelegates(t *testing.T) {
	e := newExecutor()
	rule := &ruledata.Rule{Handler: ruledata.Handler{Kind: ruledata.HandlerPassthrough, Passthrough: &ruledata.Passthrough{}}}
	out := e.Execute(context.Background(), rule, &ruledata.Request{})
	if out.Kind != ActionPassthrough || out.Rule != rule {
		t.Errorf("expected ActionPassthrough carrying the rule, got %+v", out)
	}
}

func TestExecute_FileHandlerReadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "body.txt")
	if err := os.WriteFile(path, []byte("file contents"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := newExecutor()
	rule := &ruledata.Rule{Handler: ruledata.Handler{Kind: ruledata.HandlerFile, FilePath: path}}
	out := e.Execute(context.Background(), rule, &ruledata.Request{})
	if out.Kind != ActionReply {
		t.Fatalf("expected ActionReply, got %v", out.Kind)
	}
	if string(out.Response.Body.Bytes) != "file contents" {
		t.Errorf("expected file contents in body, got %q", out.Response.Body.Bytes)
	}
}

func TestExecute_FileHandlerMissingFileReturns500(t *testing.T) {
	e := newExecutor()
	rule := &ruledata.Rule{Handler: ruledata.Handler{Kind: ruledata.HandlerFile, FilePath: "/nonexistent/path"}}
	out := e.Execute(context.Background(), rule, &ruledata.Request{})
	if out.Response.StatusCode != 500 {
		t.Errorf("expected 500 for missing file, got %d", out.Response.StatusCode)
	}
}

func TestExecute_CallbackHandlerReturnsItsResponse(t *testing.T) {
	e := newExecutor()
	rule := &ruledata.Rule{Handler: ruledata.Handler{
		Kind: ruledata.HandlerCallback,
		Callback: func(ctx context.Context, r *ruledata.Request) (*ruledata.Response, error) {
			return &ruledata.Response{StatusCode: 201}, nil
		},
	}}
	out := e.Execute(context.Background(), rule, &ruledata.Request{})
	if out.Response.StatusCode != 201 {
		t.Errorf("expected status 201 from callback, got %d", out.Response.StatusCode)
	}
}

func TestExecute_CallbackErrorBecomes500(t *testing.T) {
	e := newExecutor()
	rule := &ruledata.Rule{Handler: ruledata.Handler{
		Kind: ruledata.HandlerCallback,
		Callback: func(ctx context.Context, r *ruledata.Request) (*ruledata.Response, error) {
			return nil, errors.New("boom")
		},
	}}
	out := e.Execute(context.Background(), rule, &ruledata.Request{})
	if out.Response.StatusCode != 500 {
		t.Errorf("expected 500 on callback error, got %d", out.Response.StatusCode)
	}
}

func TestExecute_CallbackTimeoutBecomes500(t *testing.T) {
	e := newExecutor()
	rule := &ruledata.Rule{Handler: ruledata.Handler{
		Kind:            ruledata.HandlerCallback,
		CallbackTimeout: 10 * time.Millisecond,
		Callback: func(ctx context.Context, r *ruledata.Request) (*ruledata.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}
	out := e.Execute(context.Background(), rule, &ruledata.Request{})
	if out.Response.StatusCode != 500 {
		t.Errorf("expected 500 on callback timeout, got %d", out.Response.StatusCode)
	}
}

func TestExecute_CallbackPanicRecoveredAs500(t *testing.T) {
	e := newExecutor()
	rule := &ruledata.Rule{Handler: ruledata.Handler{
		Kind: ruledata.HandlerCallback,
		Callback: func(ctx context.Context, r *ruledata.Request) (*ruledata.Response, error) {
			panic("kaboom")
		},
	}}
	out := e.Execute(context.Background(), rule, &ruledata.Request{})
	if out.Response.StatusCode != 500 {
		t.Errorf("expected 500 on callback panic, got %d", out.Response.StatusCode)
	}
}
