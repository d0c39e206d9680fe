package certauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// testCA generates a throwaway root CA and writes cert/key PEM files,
// returning a Config pointing at them.
func testCA(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating CA key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating CA certificate: %v", err)
	}

	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca.key.pem")
	writePEM(t, certPath, "CERTIFICATE", der)
	writePEM(t, keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key))

	return Config{
		CertFile:       certPath,
		KeyFile:        keyPath,
		SigningKeyFile: keyPath,
		CacheDir:       filepath.Join(dir, "cache"),
	}
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating %s: %v", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		t.Fatalf("encoding %s: %v", path, err)
	}
}

func TestLeafForMintsAndCaches(t *testing.T) {
	ca, err := Load(testCA(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	leaf, err := ca.LeafFor(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}
	if len(leaf.CertPEM) == 0 || len(leaf.KeyPEM) == 0 {
		t.Fatalf("expected non-empty cert/key PEM")
	}

	block, _ := pem.Decode(leaf.CertPEM)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parsing minted cert: %v", err)
	}
	if cert.Subject.CommonName != "example.com" {
		t.Fatalf("CN = %q, want example.com", cert.Subject.CommonName)
	}
	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "example.com" {
		t.Fatalf("DNSNames = %v", cert.DNSNames)
	}

	if _, err := os.Stat(ca.certPath("example.com")); err != nil {
		t.Fatalf("expected cached cert file: %v", err)
	}
}

func TestLeafForReusesCachedCert(t *testing.T) {
	ca, err := Load(testCA(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	first, err := ca.LeafFor(context.Background(), "reuse.example.com")
	if err != nil {
		t.Fatalf("first LeafFor: %v", err)
	}
	second, err := ca.LeafFor(context.Background(), "reuse.example.com")
	if err != nil {
		t.Fatalf("second LeafFor: %v", err)
	}
	if string(first.CertPEM) != string(second.CertPEM) {
		t.Fatalf("expected the second call to reuse the cached cert")
	}
}

func TestLeafForIPHost(t *testing.T) {
	ca, err := Load(testCA(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	leaf, err := ca.LeafFor(context.Background(), "192.0.2.1")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}
	block, _ := pem.Decode(leaf.CertPEM)
	cert, _ := x509.ParseCertificate(block.Bytes)
	if len(cert.IPAddresses) != 1 {
		t.Fatalf("expected one IP SAN, got %v", cert.IPAddresses)
	}
}

func TestLeafForRejectsUnsafeHostname(t *testing.T) {
	ca, err := Load(testCA(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := ca.LeafFor(context.Background(), "evil/../../etc"); err == nil {
		t.Fatalf("expected error for unsafe hostname")
	}
}

func TestLeafForConcurrentMintsConverge(t *testing.T) {
	ca, err := Load(testCA(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	const n = 10
	results := make([]*TLSCertificate, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = ca.LeafFor(context.Background(), "concurrent.example.com")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
	}
	for i := 1; i < n; i++ {
		if string(results[i].CertPEM) != string(results[0].CertPEM) {
			t.Fatalf("goroutine %d minted a different cert than goroutine 0", i)
		}
	}
}
