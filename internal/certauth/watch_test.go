package certauth

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchCAFiles_FiresOnRewrite(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")

	certPEM, keyPEM := testCAPEM(t)
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	changed := make(chan *CA, 1)
	w, err := WatchCAFiles(certPath, keyPath, func(ca *CA) {
		select {
		case changed <- ca:
		default:
		}
	})
	if err != nil {
		t.Fatalf("WatchCAFiles: %v", err)
	}
	defer w.Close()

	newCertPEM, newKeyPEM := testCAPEM(t)
	if err := os.WriteFile(certPath, newCertPEM, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, newKeyPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case ca := <-changed:
		if ca == nil {
			t.Error("expected a non-nil reloaded CA")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for CA reload callback")
	}
}

func TestWatcher_CloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")
	certPEM, keyPEM := testCAPEM(t)
	_ = os.WriteFile(certPath, certPEM, 0o644)
	_ = os.WriteFile(keyPath, keyPEM, 0o600)

	w, err := WatchCAFiles(certPath, keyPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got: %v", err)
	}
}
