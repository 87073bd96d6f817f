// Package mockwire is a programmable HTTP/HTTPS/WebSocket mock server and
// man-in-the-middle proxy for test suites. A caller registers rules
// describing how to respond to matching requests, starts the server, points
// a client (or an explicit-proxy-aware HTTP client) at it, and inspects the
// traffic it observed.
//
// A minimal example:
//
//	srv, err := mockwire.New(mockwire.Options{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Close()
//
//	ep, err := srv.Get("/widgets").ThenReply(200, []byte(`[]`))
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := srv.Start(mockwire.PortSpec{}); err != nil {
//		log.Fatal(err)
//	}
//
//	base, _ := srv.URL()
//	resp, _ := http.Get(base + "/widgets")
//	_ = resp
//	fmt.Println(ep.IsPending())
//
// The package is the façade over a small set of internal components: a
// matcher evaluator, a rule store, a dispatcher, a handler executor, a
// sniffing HTTP/TLS listener, a passthrough client, a WebSocket bridge, an
// event bus, and a certificate minter for TLS interception. Each lives
// under internal/ and is wired together here; this package owns none of
// the hard engineering itself, only lifecycle and the public surface.
package mockwire
