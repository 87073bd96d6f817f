package passthrough

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/mockwire/mockwire/internal/ruledata"
)

func TestClient_ForwardReachesOrigin(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-From-Origin", "yes")
		w.WriteHeader(200)
		w.Write([]byte("origin body"))
	}))
	defer origin.Close()

	c, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}

	host, port := splitHostPort(t, origin.URL)
	req := &ruledata.Request{Method: "GET", Scheme: ruledata.SchemeHTTP, Host: host, Port: port, Path: "/a"}

	resp, err := c.Forward(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "origin body" {
		t.Errorf("expected 'origin body', got %q", body)
	}
	if resp.Header.Get("X-From-Origin") != "yes" {
		t.Errorf("expected origin header to be preserved")
	}
}

func TestClient_HopByHopHeadersStripped(t *testing.T) {
	var gotConnection string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotConnection = r.Header.Get("Connection")
		w.WriteHeader(200)
	}))
	defer origin.Close()

	c, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}

	host, port := splitHostPort(t, origin.URL)
	req := &ruledata.Request{Method: "GET", Scheme: ruledata.SchemeHTTP, Host: host, Port: port, Path: "/"}
	req.Header.Add("Connection", "keep-alive")
	req.Header.Add("X-Custom", "preserved")

	resp, err := c.Forward(context.Background(), req, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if gotConnection != "" {
		t.Errorf("expected Connection header to be stripped, got %q", gotConnection)
	}
}

func TestApplyTargetOverrides_ReplacesOnlyNonZeroFields(t *testing.T) {
	req := &ruledata.Request{Scheme: ruledata.SchemeHTTP, Host: "original.com", Port: 80, Path: "/orig"}
	out := ApplyTargetOverrides(req, &ruledata.TargetOverrides{Host: "override.com"})

	if out.Host != "override.com" {
		t.Errorf("expected host override, got %q", out.Host)
	}
	if out.Path != "/orig" {
		t.Errorf("expected path to remain unchanged, got %q", out.Path)
	}
	if out.Scheme != ruledata.SchemeHTTP {
		t.Errorf("expected scheme to remain unchanged, got %q", out.Scheme)
	}
}

func TestApplyTargetOverrides_NilOverridesReturnsSameRequest(t *testing.T) {
	req := &ruledata.Request{Host: "a.com"}
	if got := ApplyTargetOverrides(req, nil); got != req {
		t.Error("expected the same request pointer when overrides is nil")
	}
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return u.Hostname(), port
}
