package listener

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/gorilla/websocket"

	"github.com/mockwire/mockwire/internal/dispatch"
	"github.com/mockwire/mockwire/internal/eventbus"
	"github.com/mockwire/mockwire/internal/handlers"
	"github.com/mockwire/mockwire/internal/passthrough"
	"github.com/mockwire/mockwire/internal/ruledata"
	"github.com/mockwire/mockwire/internal/wsbridge"
)

// requestHandler is the single http.Handler shared by every connection
// (plain, TLS-terminated, h2-negotiated, or recovered from inside a
// CONNECT tunnel) — the per-request dispatch-execute-respond pipeline
// described by spec.md §4.2–§4.8, analogous to the teacher's
// Proxy.ServeHTTP but generalized from "always forward to one fixed
// upstream" to "resolve against the rule store, then act".
type requestHandler struct {
	l    *Listener
	opts Options
}

func (h *requestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scheme := ruledata.SchemeHTTP
	if r.TLS != nil {
		scheme = ruledata.SchemeHTTPS
	}
	protocol := ruledata.ProtocolHTTP1
	if r.ProtoMajor == 2 {
		protocol = ruledata.ProtocolHTTP2
	}

	id := h.l.nextRequestID()
	req, err := fromHTTPRequest(r, id, h.opts.MaxBodySize, scheme, protocol)
	if err != nil {
		h.emitClientError("reading request body: " + err.Error())
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req.Timestamp = time.Now()

	h.publish(eventbus.Event{Kind: eventbus.KindRequestInitiated, RequestID: id, Timestamp: req.Timestamp, Method: req.Method, URL: req.URL()})

	// The body is fully read by the time fromHTTPRequest returns, so
	// "request" fires here for every exchange — hit, miss, or
	// WebSocket upgrade — before C3 selects a rule, per the read
	// body → emit request → dispatch ordering.
	h.publish(eventbus.Event{Kind: eventbus.KindRequest, RequestID: req.ID, Method: req.Method, URL: req.URL()})

	if isWebSocketUpgrade(r) {
		h.serveWebSocket(w, r, req)
		return
	}
	h.serveHTTPRequest(w, r, req)
}

func (h *requestHandler) serveHTTPRequest(w http.ResponseWriter, r *http.Request, req *ruledata.Request) {
	outcome := h.opts.Dispatcher.Dispatch(req)
	if outcome.Miss {
		h.writeMiss(w, req, outcome)
		return
	}

	rule := outcome.Rule
	hOutcome := h.opts.Executor.Execute(r.Context(), rule, req)
	switch hOutcome.Kind {
	case handlers.ActionReply:
		h.recordIfEnabled(rule, req, hOutcome.Response)
		writeResponse(w, hOutcome.Response)
		h.publishResponse(req, hOutcome.Response.StatusCode)

	case handlers.ActionStream:
		h.writeStream(w, req, hOutcome)

	case handlers.ActionCloseConnection:
		h.hijackAndClose(w, req, false)

	case handlers.ActionResetConnection:
		h.hijackAndClose(w, req, true)

	case handlers.ActionTimeout:
		h.holdOpen(w, r, req)

	case handlers.ActionPassthrough:
		h.servePassthrough(w, r, req, rule)
	}
}

func (h *requestHandler) writeStream(w http.ResponseWriter, req *ruledata.Request, out handlers.Outcome) {
	for _, f := range out.Response.Header.Raw {
		w.Header().Add(f.Name, f.Value)
	}
	status := out.Response.StatusCode
	if status == 0 {
		status = 200
	}
	w.WriteHeader(status)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := out.Stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				h.publishAbort(req)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				h.publishAbort(req)
				return
			}
			break
		}
	}
	h.publishResponse(req, status)
}

func (h *requestHandler) hijackAndClose(w http.ResponseWriter, req *ruledata.Request, reset bool) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		h.publishAbort(req)
		return
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		h.publishAbort(req)
		return
	}
	if reset {
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetLinger(0)
		}
	}
	conn.Close()
	h.publishAbort(req)
}

func (h *requestHandler) holdOpen(w http.ResponseWriter, r *http.Request, req *ruledata.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		h.publishAbort(req)
		return
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		h.publishAbort(req)
		return
	}
	defer conn.Close()
	<-r.Context().Done()
	h.publishAbort(req)
}

func (h *requestHandler) servePassthrough(w http.ResponseWriter, r *http.Request, req *ruledata.Request, rule *ruledata.Rule) {
	p := rule.Handler.Passthrough
	if p == nil {
		p = &ruledata.Passthrough{}
	}
	client := h.opts.Passthrough
	if len(p.IgnoreHostCertificateErrors) > 0 {
		ruleClient, err := passthrough.New(p.IgnoreHostCertificateErrors)
		if err != nil {
			h.writeBadGateway(w, req, "invalid trust configuration: "+err.Error())
			return
		}
		client = ruleClient
	}

	outReq := req
	if p.TargetOverrides != nil {
		outReq = passthrough.ApplyTargetOverrides(req, p.TargetOverrides)
	}
	outReq, err := passthrough.ApplyBeforeRequest(r.Context(), p, outReq)
	if err != nil {
		h.writeBadGateway(w, req, err.Error())
		return
	}

	// A beforeRequest rewrite hands back a materialized Bytes body;
	// otherwise stream the body as read off the wire. Using
	// outReq.Body.Stream here (not r.Body) matters once the body
	// exceeded maxBodySize: Bytes is empty and Dropped is set, but
	// Stream still has the full, undrained body chained behind it,
	// while r.Body itself may already be at EOF.
	var body io.Reader
	if len(outReq.Body.Bytes) > 0 {
		body = passthrough.BufferedReader(outReq.Body.Bytes)
	} else if outReq.Body.Stream != nil {
		body = outReq.Body.Stream
	} else {
		body = r.Body
	}

	resp, err := client.Forward(r.Context(), outReq, body)
	if err != nil {
		h.writeBadGateway(w, req, err.Error())
		return
	}

	ruleResp, err := passthrough.ResponseToRuledata(resp)
	if err != nil {
		h.writeBadGateway(w, req, err.Error())
		return
	}
	ruleResp, err = passthrough.ApplyBeforeResponse(r.Context(), p, ruleResp)
	if err != nil {
		h.writeBadGateway(w, req, err.Error())
		return
	}

	h.recordIfEnabled(rule, req, ruleResp)
	writeResponse(w, ruleResp)
	h.publishResponse(req, ruleResp.StatusCode)
}

func (h *requestHandler) writeBadGateway(w http.ResponseWriter, req *ruledata.Request, reason string) {
	resp := passthrough.BadGatewayResponse(reason)
	writeResponse(w, resp)
	h.publishResponse(req, resp.StatusCode)
}

func (h *requestHandler) writeMiss(w http.ResponseWriter, req *ruledata.Request, outcome dispatch.Outcome) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(outcome.StatusCode)
	io.WriteString(w, outcome.MissBody)
	h.publishResponse(req, outcome.StatusCode)
}

func (h *requestHandler) recordIfEnabled(rule *ruledata.Rule, req *ruledata.Request, resp *ruledata.Response) {
	if rule == nil || !rule.RecordTraffic || h.opts.SeenLog == nil {
		return
	}
	h.opts.SeenLog.Record(seenEntryFrom(rule, req, resp))
}

func seenEntryFrom(rule *ruledata.Rule, req *ruledata.Request, resp *ruledata.Response) dispatch.Entry {
	e := dispatch.Entry{
		RuleID:         rule.ID,
		Method:         req.Method,
		URL:            req.URL(),
		RequestHeaders: headerToMap(req.Header),
		RequestBody:    req.Body.Bytes,
	}
	if resp != nil {
		e.StatusCode = resp.StatusCode
		e.ResponseHeaders = headerToMap(resp.Header)
		e.ResponseBody = resp.Body.Bytes
	}
	return e
}

func headerToMap(h ruledata.Header) map[string][]string {
	out := make(map[string][]string, len(h.Raw))
	for _, f := range h.Raw {
		out[f.Name] = append(out[f.Name], f.Value)
	}
	return out
}

func (h *requestHandler) publish(evt eventbus.Event) {
	if h.opts.Bus == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	h.opts.Bus.Publish(evt)
}

func (h *requestHandler) publishResponse(req *ruledata.Request, status int) {
	h.publish(eventbus.Event{Kind: eventbus.KindResponse, RequestID: req.ID, Method: req.Method, URL: req.URL(), StatusCode: status})
}

func (h *requestHandler) publishAbort(req *ruledata.Request) {
	h.publish(eventbus.Event{Kind: eventbus.KindAbort, RequestID: req.ID, Method: req.Method, URL: req.URL()})
}

func (h *requestHandler) emitClientError(message string) {
	h.publish(eventbus.Event{Kind: eventbus.KindClientError, Message: message})
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func (h *requestHandler) serveWebSocket(w http.ResponseWriter, r *http.Request, req *ruledata.Request) {
	req.Protocol = ruledata.ProtocolWS
	outcome := h.opts.Dispatcher.DispatchWebSocket(req)
	if outcome.Miss {
		h.writeMiss(w, req, outcome)
		return
	}

	rule := outcome.Rule
	conn, err := wsbridge.Upgrade(w, r, nil)
	if err != nil {
		h.emitClientError("websocket upgrade failed: " + err.Error())
		return
	}
	defer conn.Close()

	switch rule.Handler.Kind {
	case ruledata.HandlerEcho:
		_ = wsbridge.Echo(conn)
		h.publishResponse(req, http.StatusSwitchingProtocols)

	case ruledata.HandlerCloseConnection:
		code := rule.Handler.CloseCode
		if code == 0 {
			code = websocket.CloseNormalClosure
		}
		_ = wsbridge.CloseWith(conn, code, rule.Handler.CloseReason)
		h.publishResponse(req, http.StatusSwitchingProtocols)

	case ruledata.HandlerTimeout:
		<-r.Context().Done()
		h.publishAbort(req)

	case ruledata.HandlerPassthrough:
		h.bridgeWebSocketUpstream(r, req, rule, conn)

	default:
		h.emitClientError("unsupported websocket handler kind")
	}
}

func (h *requestHandler) bridgeWebSocketUpstream(r *http.Request, req *ruledata.Request, rule *ruledata.Rule, client *websocket.Conn) {
	p := rule.Handler.Passthrough
	target := req
	if p != nil && p.TargetOverrides != nil {
		target = applyWSOverrides(req, p.TargetOverrides)
	}

	patterns := h.opts.IgnoreWebsocketHostCertificateErrors
	if p != nil && len(p.IgnoreHostCertificateErrors) > 0 {
		// A rule's own trust list takes priority over the server-wide
		// deprecated one when both are set.
		patterns = p.IgnoreHostCertificateErrors
	}
	dialer := websocket.DefaultDialer
	if len(patterns) > 0 {
		dialer = wsDialerTrusting(target.HostPort(), patterns)
	}

	upstream, _, err := dialer.Dial(wsURL(target), nil)
	if err != nil {
		h.emitClientError("dialing websocket upstream: " + err.Error())
		h.publishAbort(req)
		return
	}
	defer upstream.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if err := wsbridge.Bridge(ctx, client, upstream); err != nil {
		slog.Debug("websocket bridge ended", "error", err)
	}
	h.publishResponse(req, http.StatusSwitchingProtocols)
}

// wsDialerTrusting returns a dialer that skips certificate verification
// for hostPort when it matches one of patterns (glob or exact
// "host:port"), mirroring the HTTP passthrough client's trust policy
// for WebSocket upstreams per spec.md §4.7.
func wsDialerTrusting(hostPort string, patterns []string) *websocket.Dialer {
	trusted := false
	for _, pattern := range patterns {
		if pattern == hostPort {
			trusted = true
			break
		}
		if g, err := glob.Compile(pattern); err == nil && g.Match(hostPort) {
			trusted = true
			break
		}
	}
	d := *websocket.DefaultDialer
	if trusted {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &d
}

func wsURL(req *ruledata.Request) string {
	scheme := "ws"
	if req.Scheme == ruledata.SchemeHTTPS {
		scheme = "wss"
	}
	u := scheme + "://" + req.HostPort() + req.Path
	if req.RawQuery != "" {
		u += "?" + req.RawQuery
	}
	return u
}

func applyWSOverrides(req *ruledata.Request, o *ruledata.TargetOverrides) *ruledata.Request {
	out := *req
	if o.Scheme != "" {
		out.Scheme = ruledata.Scheme(o.Scheme)
	}
	if o.Host != "" {
		out.Host = o.Host
	}
	if o.Port != 0 {
		out.Port = o.Port
	}
	if o.Path != "" {
		out.Path = o.Path
	}
	return &out
}
