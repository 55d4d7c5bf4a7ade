package tlsconf

import (
	"crypto/x509"
	"testing"
	"time"
)

func TestGenerateReturnsValidCert(t *testing.T) {
	validity := 2 * time.Hour
	tlsCfg, fingerprint, err := Generate(validity, "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if tlsCfg == nil {
		t.Fatal("expected non-nil tls.Config")
	}
	if len(fingerprint) != 64 { // SHA-256 hex = 32 bytes = 64 chars
		t.Errorf("fingerprint length: got %d, want 64", len(fingerprint))
	}
	if len(tlsCfg.Certificates) != 1 {
		t.Fatalf("expected 1 certificate, got %d", len(tlsCfg.Certificates))
	}

	leaf := tlsCfg.Certificates[0].Leaf
	if leaf == nil {
		t.Fatal("expected parsed leaf certificate")
	}
	if leaf.Subject.CommonName != "relay" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "relay")
	}

	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		t.Errorf("cert not valid at current time: NotBefore=%v NotAfter=%v", leaf.NotBefore, leaf.NotAfter)
	}
}

func TestGenerateUniqueCerts(t *testing.T) {
	_, fp1, err := Generate(time.Hour, "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	_, fp2, err := Generate(time.Hour, "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if fp1 == fp2 {
		t.Error("two calls should produce different certificates")
	}
}

func TestGenerateHostnameInSANs(t *testing.T) {
	tlsCfg, _, err := Generate(time.Hour, "relay.example.com")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	leaf := tlsCfg.Certificates[0].Leaf
	if leaf.Subject.CommonName != "relay.example.com" {
		t.Errorf("CN: got %q, want hostname", leaf.Subject.CommonName)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	if _, err := leaf.Verify(x509.VerifyOptions{DNSName: "relay.example.com", Roots: pool}); err != nil {
		t.Errorf("self-verification failed: %v", err)
	}
}
