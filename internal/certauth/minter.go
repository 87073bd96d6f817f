// Package certauth mints per-hostname leaf TLS certificates signed by
// a caller-supplied CA, for man-in-the-middle TLS termination.
//
// No repo in the retrieved pack mints certificates dynamically, so
// this package is built directly on the standard library
// (crypto/tls, crypto/x509, crypto/rand, math/big) — the only
// idiomatic path for certificate generation in Go, with nothing in the
// pack's third-party dependency surface to ground a substitute on.
package certauth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// CA holds the signing key and certificate used to mint leaf
// certificates. Supplied by the caller — this package never
// bootstraps or persists a CA of its own. Key is a crypto.Signer
// rather than a concrete type so either an ECDSA or an RSA CA works:
// x509.CreateCertificate signs with whatever algorithm the CA's own
// key implies, independent of the ECDSA leaf key mint generates below.
type CA struct {
	Cert *x509.Certificate
	Key  crypto.Signer
}

// LoadCA parses a CA certificate and key from PEM-encoded bytes. The
// key may be ECDSA or RSA.
func LoadCA(certPEM, keyPEM []byte) (*CA, error) {
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing CA key pair: %w", err)
	}
	cert, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	key, ok := tlsCert.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("CA private key must support signing, got %T", tlsCert.PrivateKey)
	}
	switch key.(type) {
	case *ecdsa.PrivateKey, *rsa.PrivateKey:
	default:
		return nil, fmt.Errorf("CA private key must be ECDSA or RSA, got %T", tlsCert.PrivateKey)
	}
	return &CA{Cert: cert, Key: key}, nil
}

// Minter caches leaf certificates by SNI hostname, minting new ones on
// demand. The cache is unbounded and never evicted by Reset — spec
// requires cache stability across test resets so repeated connections
// to the same mocked host don't re-trigger TLS renegotiation cost or
// certificate-pinning churn in the client under test.
type Minter struct {
	ca *CA

	mu    sync.Mutex
	cache map[string]*tls.Certificate
}

// NewMinter returns a Minter backed by ca.
func NewMinter(ca *CA) *Minter {
	return &Minter{ca: ca, cache: make(map[string]*tls.Certificate)}
}

// CertificateFor returns the cached leaf certificate for hostname,
// minting and caching one on first use. Concurrent calls for the same
// hostname are serialized so exactly one certificate is ever minted
// per hostname.
func (m *Minter) CertificateFor(hostname string) (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cert, ok := m.cache[hostname]; ok {
		return cert, nil
	}

	cert, err := m.mint(hostname)
	if err != nil {
		return nil, err
	}
	m.cache[hostname] = cert
	return cert, nil
}

func (m *Minter) mint(hostname string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating leaf key: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serialFor(hostname, m.ca.Cert.SerialNumber),
		Subject:               pkix.Name{CommonName: hostname},
		DNSNames:              sanFor(hostname),
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, m.ca.Cert, &key.PublicKey, m.ca.Key)
	if err != nil {
		return nil, fmt.Errorf("signing leaf certificate for %q: %w", hostname, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, m.ca.Cert.Raw},
		PrivateKey:  key,
		Leaf:        template,
	}, nil
}

// sanFor returns the SAN list for hostname: itself, plus the wildcard
// parent (e.g. "api.example.com" -> "*.example.com") when hostname has
// at least three labels, so a single minted cert also satisfies
// sibling subdomains under test.
func sanFor(hostname string) []string {
	sans := []string{hostname}
	if parent := wildcardParent(hostname); parent != "" {
		sans = append(sans, parent)
	}
	return sans
}

func wildcardParent(hostname string) string {
	idx := -1
	count := 0
	for i, c := range hostname {
		if c == '.' {
			count++
			if count == 1 {
				idx = i
			}
		}
	}
	if count < 2 || idx < 0 {
		return ""
	}
	return "*" + hostname[idx:]
}

// serialFor derives a deterministic serial number from the hostname
// and the CA's own serial, per spec: "serial = hash(hostname, CA
// serial)".
func serialFor(hostname string, caSerial *big.Int) *big.Int {
	h := sha256.New()
	h.Write([]byte(hostname))
	h.Write(caSerial.Bytes())
	sum := h.Sum(nil)
	return new(big.Int).SetBytes(sum[:16])
}

// Reset is a no-op: the certificate cache is stable across server
// resets by design, so clients reconnecting mid-test-suite never see
// an unexpected certificate change.
func (m *Minter) Reset() {}
