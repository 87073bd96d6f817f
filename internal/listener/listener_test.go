package listener

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mockwire/mockwire/internal/dispatch"
	"github.com/mockwire/mockwire/internal/eventbus"
	"github.com/mockwire/mockwire/internal/handlers"
	"github.com/mockwire/mockwire/internal/matching"
	"github.com/mockwire/mockwire/internal/passthrough"
	"github.com/mockwire/mockwire/internal/ruledata"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestListener(t *testing.T) (*Listener, *ruledata.RuleStore) {
	t.Helper()
	store := ruledata.NewRuleStore()
	disp := dispatch.New(store, false)
	exec := handlers.New(handlers.NewCallbackRunner(0))
	pc, err := passthrough.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	l := New(Options{
		Host:        "127.0.0.1",
		Dispatcher:  disp,
		Executor:    exec,
		Passthrough: pc,
		Bus:         eventbus.New(),
	})
	if err := l.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go l.Serve()
	t.Cleanup(func() { l.Shutdown(testCtx(t)) })
	return l, store
}

func TestListener_PlainHTTPReply(t *testing.T) {
	l, store := newTestListener(t)
	store.Add(&ruledata.Rule{
		ID:      "r1",
		Matcher: matching.All(matching.Method("GET"), matching.ExactPath("/hello")),
		Handler: ruledata.Handler{Kind: ruledata.HandlerReply, Status: 200, Body: []byte("world")},
	})

	resp, err := http.Get("http://" + l.Addr().String() + "/hello")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "world" {
		t.Errorf("expected body 'world', got %q", body)
	}
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestListener_MissReturns503WithExplanation(t *testing.T) {
	l, _ := newTestListener(t)

	resp, err := http.Get("http://" + l.Addr().String() + "/nothing-registered")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 503 {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "No rules were found matching") {
		t.Errorf("expected miss explanation in body, got %q", body)
	}
}

func TestListener_PortRangeBindsFirstAvailable(t *testing.T) {
	store := ruledata.NewRuleStore()
	disp := dispatch.New(store, false)
	exec := handlers.New(handlers.NewCallbackRunner(0))
	pc, _ := passthrough.New(nil)

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	start := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	l := New(Options{
		Host:        "127.0.0.1",
		Port:        PortSpec{Start: start, End: start + 20},
		Dispatcher:  disp,
		Executor:    exec,
		Passthrough: pc,
		Bus:         eventbus.New(),
	})
	if err := l.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Shutdown(testCtx(t))

	got := l.Addr().(*net.TCPAddr).Port
	if got < start || got > start+20 {
		t.Errorf("expected bound port in [%d,%d], got %d", start, start+20, got)
	}
}

func TestListener_CallbackHandlerReturnsComputedResponse(t *testing.T) {
	l, store := newTestListener(t)
	store.Add(&ruledata.Rule{
		ID:      "cb",
		Matcher: matching.All(),
		Handler: ruledata.Handler{
			Kind: ruledata.HandlerCallback,
			Callback: func(ctx context.Context, r *ruledata.Request) (*ruledata.Response, error) {
				var hdr ruledata.Header
				hdr.Set("Content-Type", "text/plain")
				body := []byte("from callback: " + r.Path)
				return &ruledata.Response{StatusCode: 201, Header: hdr, Body: ruledata.Body{Bytes: body, Size: int64(len(body))}}, nil
			},
		},
	})

	resp, err := http.Get("http://" + l.Addr().String() + "/anything")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 201 {
		t.Errorf("expected 201, got %d", resp.StatusCode)
	}
	if string(body) != "from callback: /anything" {
		t.Errorf("unexpected body %q", body)
	}
}

func TestListener_ConnectRawTunnelPassesThroughWhenHTTPSNotConfigured(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("origin reached"))
	}))
	defer origin.Close()

	l, _ := newTestListener(t)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	originHostPort := strings.TrimPrefix(origin.URL, "http://")
	if _, err := io.WriteString(conn, "CONNECT "+originHostPort+" HTTP/1.1\r\nHost: "+originHostPort+"\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading CONNECT response: %v", err)
	}
	if !strings.Contains(statusLine, "200") {
		t.Fatalf("expected 200 Connection Established, got %q", statusLine)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil || line == "\r\n" {
			break
		}
	}

	if _, err := io.WriteString(conn, "GET / HTTP/1.1\r\nHost: "+originHostPort+"\r\nConnection: close\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("reading tunneled response: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "origin reached" {
		t.Errorf("expected tunneled body 'origin reached', got %q", body)
	}
}

func TestListener_ShutdownStopsAcceptingNewConnections(t *testing.T) {
	l, _ := newTestListener(t)
	addr := l.Addr().String()

	l.Shutdown(testCtx(t))

	time.Sleep(50 * time.Millisecond)
	if _, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		t.Error("expected dialing a shut-down listener to fail")
	}
}
