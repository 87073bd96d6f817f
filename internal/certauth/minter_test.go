package certauth

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

func testCA(t *testing.T) *CA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating CA key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(12345),
		Subject:               pkix.Name{CommonName: "mockwire test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("self-signing CA: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing self-signed CA: %v", err)
	}
	return &CA{Cert: cert, Key: key}
}

func testCAPEM(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	ca := testCA(t)
	keyDER, err := x509.MarshalECPrivateKey(ca.Key.(*ecdsa.PrivateKey))
	if err != nil {
		t.Fatalf("marshaling CA key: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Cert.Raw})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func TestMinter_MintsAndCachesByHostname(t *testing.T) {
	m := NewMinter(testCA(t))

	cert1, err := m.CertificateFor("api.example.com")
	if err != nil {
		t.Fatalf("CertificateFor: %v", err)
	}
	cert2, err := m.CertificateFor("api.example.com")
	if err != nil {
		t.Fatalf("CertificateFor (cached): %v", err)
	}
	if !bytes.Equal(cert1.Certificate[0], cert2.Certificate[0]) {
		t.Error("expected the same cached leaf certificate on repeated calls")
	}
}

func TestMinter_DifferentHostnamesGetDifferentCerts(t *testing.T) {
	m := NewMinter(testCA(t))

	a, err := m.CertificateFor("a.example.com")
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.CertificateFor("b.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a.Certificate[0], b.Certificate[0]) {
		t.Error("expected distinct leaf certificates for distinct hostnames")
	}
}

func TestMinter_SubjectAndSAN(t *testing.T) {
	m := NewMinter(testCA(t))
	cert, err := m.CertificateFor("api.example.com")
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if leaf.Subject.CommonName != "api.example.com" {
		t.Errorf("expected CN api.example.com, got %q", leaf.Subject.CommonName)
	}
	if !containsName(leaf.DNSNames, "api.example.com") {
		t.Errorf("expected SAN to include api.example.com, got %v", leaf.DNSNames)
	}
	if !containsName(leaf.DNSNames, "*.example.com") {
		t.Errorf("expected SAN to include wildcard parent *.example.com, got %v", leaf.DNSNames)
	}
}

func TestMinter_ValidityWindow(t *testing.T) {
	m := NewMinter(testCA(t))
	cert, err := m.CertificateFor("api.example.com")
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if leaf.NotBefore.After(now) {
		t.Errorf("expected NotBefore in the past, got %v", leaf.NotBefore)
	}
	if leaf.NotAfter.Before(now.AddDate(0, 11, 0)) {
		t.Errorf("expected NotAfter roughly a year out, got %v", leaf.NotAfter)
	}
}

func TestLoadCA_AcceptsECDSAAndRSA(t *testing.T) {
	ecCertPEM, ecKeyPEM := testCAPEM(t)
	if _, err := LoadCA(ecCertPEM, ecKeyPEM); err != nil {
		t.Errorf("LoadCA with an ECDSA CA: %v", err)
	}

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA CA key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(54321),
		Subject:               pkix.Name{CommonName: "mockwire rsa test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &rsaKey.PublicKey, rsaKey)
	if err != nil {
		t.Fatalf("self-signing RSA CA: %v", err)
	}
	rsaCertPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	rsaKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)})

	ca, err := LoadCA(rsaCertPEM, rsaKeyPEM)
	if err != nil {
		t.Fatalf("LoadCA with an RSA CA: %v", err)
	}
	if _, ok := ca.Key.(*rsa.PrivateKey); !ok {
		t.Errorf("expected ca.Key to be *rsa.PrivateKey, got %T", ca.Key)
	}

	m := NewMinter(ca)
	if _, err := m.CertificateFor("api.example.com"); err != nil {
		t.Errorf("minting a leaf certificate under an RSA CA: %v", err)
	}
}

func containsName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
