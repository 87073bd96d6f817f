package listener

import (
	"crypto/tls"
	"fmt"

	"github.com/mockwire/mockwire/internal/certauth"
)

// buildTLSConfig wires SNI-driven certificate selection (C9) into a
// *tls.Config and sets the ALPN offer list per the http2 option,
// spec.md §4.5: true always offers h2, false never does, 'fallback'
// offers h2 only when the client's own ALPN list omits http/1.1.
func buildTLSConfig(minter *certauth.Minter, policy HTTP2Policy) *tls.Config {
	getCert := func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		host := hello.ServerName
		if host == "" {
			host = "unknown"
		}
		cert, err := minter.CertificateFor(host)
		if err != nil {
			return nil, fmt.Errorf("minting certificate for %q: %w", host, err)
		}
		return cert, nil
	}

	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: getCert,
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			return &tls.Config{
				MinVersion:     tls.VersionTLS12,
				GetCertificate: getCert,
				NextProtos:     alpnProtosFor(hello, policy),
			}, nil
		},
	}
}

func alpnProtosFor(hello *tls.ClientHelloInfo, policy HTTP2Policy) []string {
	switch policy {
	case HTTP2Never:
		return []string{"http/1.1"}
	case HTTP2Fallback:
		if clientOffersHTTP11(hello) {
			return []string{"http/1.1"}
		}
		return []string{"h2", "http/1.1"}
	default: // HTTP2Always
		return []string{"h2", "http/1.1"}
	}
}

func clientOffersHTTP11(hello *tls.ClientHelloInfo) bool {
	for _, p := range hello.SupportedProtos {
		if p == "http/1.1" {
			return true
		}
	}
	return false
}
