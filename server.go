package mockwire

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mockwire/mockwire/internal/certauth"
	"github.com/mockwire/mockwire/internal/dispatch"
	"github.com/mockwire/mockwire/internal/eventbus"
	"github.com/mockwire/mockwire/internal/handlers"
	"github.com/mockwire/mockwire/internal/listener"
	"github.com/mockwire/mockwire/internal/passthrough"
	"github.com/mockwire/mockwire/internal/ruledata"
)

// Status is the server's lifecycle state.
type Status int

const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// HTTP2Policy controls whether HTTP/2 is offered in ALPN when HTTPS is
// configured. See listener.HTTP2Policy for the exact offer rules.
type HTTP2Policy = listener.HTTP2Policy

const (
	HTTP2Always   = listener.HTTP2Always
	HTTP2Never    = listener.HTTP2Never
	HTTP2Fallback = listener.HTTP2Fallback
)

// PortSpec describes how Start binds its listening socket: an exact port,
// a range to try in order, or neither (bind port 0).
type PortSpec = listener.PortSpec

// EventKind identifies the category of event delivered through On.
type EventKind = eventbus.Kind

const (
	EventRequestInitiated = eventbus.KindRequestInitiated
	EventRequest          = eventbus.KindRequest
	EventResponse         = eventbus.KindResponse
	EventAbort            = eventbus.KindAbort
	EventClientError      = eventbus.KindClientError
	EventTLSClientError   = eventbus.KindTLSClientError

	// EventTLSClientErrorDeprecated is the legacy event name for
	// EventTLSClientError, kept for callers migrating off it. Both
	// names refer to the same subscriber queue.
	EventTLSClientErrorDeprecated = eventbus.KindTLSClientError
)

// Event is one observed occurrence, delivered to a Subscription's
// Events channel.
type Event = eventbus.Event

// Subscription is returned by On; call Unsubscribe to stop receiving
// events.
type Subscription = eventbus.Subscription

// On subscribes to every event of the given kind. The subscription is
// globally visible before On returns.
func (s *Server) On(kind EventKind) *Subscription {
	return s.bus.Subscribe(kind)
}

// HTTPSOptions enables TLS termination/MITM. Supply either the PEM bytes
// directly (Key/Cert) or file paths (KeyPath/CertPath) to enable
// fsnotify-driven hot reload of the CA material — never both.
type HTTPSOptions struct {
	Key, Cert         []byte
	KeyPath, CertPath string
}

func (h *HTTPSOptions) validate() error {
	if h == nil {
		return nil
	}
	inline := len(h.Key) > 0 || len(h.Cert) > 0
	byPath := h.KeyPath != "" || h.CertPath != ""
	if inline && byPath {
		return configErrorf("https: specify either Key/Cert or KeyPath/CertPath, not both")
	}
	if inline && (len(h.Key) == 0 || len(h.Cert) == 0) {
		return configErrorf("https: both Key and Cert are required")
	}
	if byPath && (h.KeyPath == "" || h.CertPath == "") {
		return configErrorf("https: both KeyPath and CertPath are required")
	}
	if !inline && !byPath {
		return configErrorf("https: one of Key/Cert or KeyPath/CertPath must be set")
	}
	return nil
}

func (h *HTTPSOptions) loadCA() (*certauth.CA, error) {
	if h.KeyPath != "" {
		certPEM, err := os.ReadFile(h.CertPath)
		if err != nil {
			return nil, configErrorf("https: reading CertPath: %v", err)
		}
		keyPEM, err := os.ReadFile(h.KeyPath)
		if err != nil {
			return nil, configErrorf("https: reading KeyPath: %v", err)
		}
		ca, err := certauth.LoadCA(certPEM, keyPEM)
		if err != nil {
			return nil, configErrorf("https: %v", err)
		}
		return ca, nil
	}
	ca, err := certauth.LoadCA(h.Cert, h.Key)
	if err != nil {
		return nil, configErrorf("https: %v", err)
	}
	return ca, nil
}

// CORSOptions configures automatic preflight response generation. When
// non-nil on Options, a synthetic OPTIONS rule is added to the HTTP
// rule sequence (and re-added on Reset) that answers every OPTIONS
// request with a 204 preflight response, and registering an options() rule becomes
// a ConfigError (per spec.md §4.10 — auto CORS and a user-registered
// options() rule would otherwise race ambiguously for the same request).
type CORSOptions struct {
	AllowedOrigin  string // default "*"
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         time.Duration
}

func (c *CORSOptions) withDefaults() CORSOptions {
	out := *c
	if out.AllowedOrigin == "" {
		out.AllowedOrigin = "*"
	}
	if len(out.AllowedMethods) == 0 {
		out.AllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}
	}
	if len(out.AllowedHeaders) == 0 {
		out.AllowedHeaders = []string{"Content-Type", "Authorization"}
	}
	if out.MaxAge == 0 {
		out.MaxAge = 10 * time.Minute
	}
	return out
}

// Options configures a Server. The zero value is valid: no TLS, no CORS,
// record traffic enabled, a 10 MiB body cap, a 500 ms shutdown grace
// window.
type Options struct {
	Host string

	CORS  *CORSOptions
	Debug bool

	HTTPS *HTTPSOptions
	HTTP2 HTTP2Policy

	StandaloneServerURL string

	SuggestChanges bool

	// IgnoreWebsocketHostCertificateErrors is the legacy global trust
	// bypass for WebSocket passthrough upstreams. Deprecated: prefer the
	// per-rule Passthrough.IgnoreHostCertificateErrors field.
	IgnoreWebsocketHostCertificateErrors []string

	// RecordTraffic defaults to true when nil. Set to a false pointer to
	// disable population of each rule's seen-requests log; events still
	// fire regardless.
	RecordTraffic *bool

	MaxBodySize int64
	GraceWindow time.Duration
}

const defaultMaxBodySize = 10 << 20 // 10 MiB

func (o Options) validate() error {
	if err := o.HTTPS.validate(); err != nil {
		return err
	}
	return nil
}

func (o Options) maxBodySize() int64 {
	if o.MaxBodySize <= 0 {
		return defaultMaxBodySize
	}
	return o.MaxBodySize
}

// Server is a mock HTTP/HTTPS/WebSocket server and MITM proxy. The zero
// value is not usable; construct with New.
type Server struct {
	mu     sync.Mutex
	status Status
	opts   Options

	store         *ruledata.RuleStore
	dispatcher    *dispatch.Dispatcher
	seenLog       *dispatch.SeenLog
	recordTraffic bool
	executor      *handlers.Executor
	passClient    *passthrough.Client
	bus           *eventbus.Bus

	ca        *certauth.CA
	minter    *certauth.Minter
	caWatcher *certauth.Watcher

	ln *listener.Listener

	corsRuleID string
	debug      bool
}

// New validates opts and wires up every internal component, but does not
// bind a socket — call Start for that. Invalid options, and CA material
// that cannot be read or parsed, yield a *ConfigError; a failure to set
// up an internal component (the seen-request log, the passthrough
// client, the CA file watcher) is returned as a wrapped error.
func New(opts Options) (*Server, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	recordTraffic := true
	if opts.RecordTraffic != nil {
		recordTraffic = *opts.RecordTraffic
	}

	store := ruledata.NewRuleStore()
	disp := dispatch.New(store, opts.SuggestChanges)

	var seenLog *dispatch.SeenLog
	if recordTraffic {
		sl, err := dispatch.OpenSeenLog()
		if err != nil {
			return nil, fmt.Errorf("mockwire: opening seen-request log: %w", err)
		}
		seenLog = sl
	}

	pc, err := passthrough.New(nil)
	if err != nil {
		return nil, fmt.Errorf("mockwire: building passthrough client: %w", err)
	}

	s := &Server{
		opts:          opts,
		store:         store,
		dispatcher:    disp,
		seenLog:       seenLog,
		recordTraffic: recordTraffic,
		executor:      handlers.New(handlers.NewCallbackRunner(0)),
		passClient:    pc,
		bus:           eventbus.New(),
		debug:         opts.Debug,
	}

	if opts.HTTPS != nil {
		ca, err := opts.HTTPS.loadCA()
		if err != nil {
			return nil, err
		}
		s.ca = ca
		s.minter = certauth.NewMinter(ca)

		if opts.HTTPS.KeyPath != "" {
			w, err := certauth.WatchCAFiles(opts.HTTPS.CertPath, opts.HTTPS.KeyPath, func(ca *certauth.CA) {
				s.mu.Lock()
				s.ca = ca
				s.minter = certauth.NewMinter(ca)
				s.mu.Unlock()
			})
			if err != nil {
				return nil, fmt.Errorf("mockwire: watching CA files: %w", err)
			}
			s.caWatcher = w
		}
	}

	if opts.CORS != nil {
		s.installCORSRule(opts.CORS.withDefaults())
	}

	return s, nil
}

// findRule scans every registered sequence (HTTP, WebSocket, fallback)
// for id. Endpoint deliberately looks its rule up by id on every call
// rather than holding a pointer, so a Reset (which clears the store)
// makes every previously issued Endpoint report itself as gone instead
// of reaching through to a rule that no longer exists.
func (s *Server) findRule(id string) *ruledata.Rule {
	snap := s.store.Snapshot()
	if snap.Fallback != nil && snap.Fallback.ID == id {
		return snap.Fallback
	}
	for _, r := range snap.HTTP {
		if r.ID == id {
			return r
		}
	}
	for _, r := range snap.WS {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Start binds the listening socket per port and begins accepting
// connections. Idempotent-fails with a *ConfigError if already running.
func (s *Server) Start(port PortSpec) error {
	s.mu.Lock()
	if s.status != StatusStopped {
		s.mu.Unlock()
		return configErrorf("server is already %s", s.status)
	}
	s.status = StatusStarting
	opts := s.opts
	ca := s.ca
	minter := s.minter
	s.mu.Unlock()

	ln := listener.New(listener.Options{
		Host:        opts.Host,
		Port:        port,
		CA:          ca,
		Minter:      minter,
		HTTP2:       opts.HTTP2,
		Dispatcher:  s.dispatcher,
		SeenLog:     s.seenLog,
		Executor:    s.executor,
		Passthrough: s.passClient,
		Bus:         s.bus,
		MaxBodySize: opts.maxBodySize(),
		GraceWindow: opts.GraceWindow,
		IgnoreWebsocketHostCertificateErrors: opts.IgnoreWebsocketHostCertificateErrors,
	})

	if err := ln.Listen(); err != nil {
		s.mu.Lock()
		s.status = StatusStopped
		s.mu.Unlock()
		return &BindError{Err: err}
	}

	s.mu.Lock()
	s.ln = ln
	s.status = StatusRunning
	s.mu.Unlock()

	if s.debug {
		slog.Info("mockwire server listening", "addr", ln.Addr().String())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- ln.Serve() }()

	// Surface an immediate accept-loop failure synchronously, the same
	// way the teacher's runStart selects on errCh right after starting
	// to listen in a goroutine, but bounded so Start doesn't block
	// forever on a healthy listener.
	select {
	case err := <-errCh:
		if err != nil {
			s.mu.Lock()
			s.status = StatusStopped
			s.mu.Unlock()
			return fmt.Errorf("mockwire: listener stopped immediately: %w", err)
		}
	case <-time.After(20 * time.Millisecond):
	}

	return nil
}

// Stop closes the listening socket, waits (bounded by ctx) for
// in-flight exchanges to finish, then waits up to the configured grace
// window (default 500 ms) for connection goroutines to exit. It does
// not forcibly close connections still open after that. Safe to call
// on an already-stopped server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusStopped {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusStopping
	ln := s.ln
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Shutdown(ctx)
	}

	s.mu.Lock()
	s.ln = nil
	s.status = StatusStopped
	debug := s.debug
	s.mu.Unlock()

	if debug {
		slog.Info("mockwire server stopped", "error", err)
	}

	return err
}

// Close releases resources that outlive a single Start/Stop cycle (the
// seen-request log, the CA file watcher). Call once the server will
// never be restarted.
func (s *Server) Close() error {
	if err := s.Stop(context.Background()); err != nil {
		return err
	}
	if s.caWatcher != nil {
		s.caWatcher.Close()
	}
	if s.seenLog != nil {
		return s.seenLog.Close()
	}
	return nil
}

// Reset clears every registered rule (including the fallback), all
// per-rule invocation counters, and the seen-requests log. It does not
// close live connections or change the server's running status.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Reset()
	s.dispatcher.Reset()
	if s.seenLog != nil {
		_ = s.seenLog.Reset()
	}
	s.corsRuleID = ""
	if s.opts.CORS != nil {
		s.installCORSRule(s.opts.CORS.withDefaults())
	}
}

// EnableDebug turns on verbose logging for the remainder of the server's
// lifetime.
func (s *Server) EnableDebug() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debug = true
}

// Status reports the server's current lifecycle state.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// URL returns the server's base URL (scheme://host:port). Fails unless
// the server is running.
func (s *Server) URL() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return "", configErrorf("url: server is not running")
	}
	return s.baseURLLocked(), nil
}

// Port returns the bound TCP port. Fails unless the server is running.
func (s *Server) Port() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning || s.ln == nil {
		return 0, configErrorf("port: server is not running")
	}
	addr, ok := s.ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, configErrorf("port: listener address is not a TCP address")
	}
	return addr.Port, nil
}

// ProxyEnv returns the HTTP_PROXY/HTTPS_PROXY environment variable pair
// that routes traffic through this server as an explicit proxy. Fails
// unless the server is running.
func (s *Server) ProxyEnv() (map[string]string, error) {
	url, err := s.URL()
	if err != nil {
		return nil, err
	}
	return map[string]string{"HTTP_PROXY": url, "HTTPS_PROXY": url}, nil
}

// URLFor concatenates the server's base URL with path, without any
// normalization. Fails unless the server is running.
func (s *Server) URLFor(path string) (string, error) {
	url, err := s.URL()
	if err != nil {
		return "", err
	}
	return url + path, nil
}

func (s *Server) baseURLLocked() string {
	scheme := "http"
	if s.ca != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, s.ln.Addr().String())
}
