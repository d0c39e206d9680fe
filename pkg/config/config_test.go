package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "port: 8080\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hostname != "127.0.0.1" {
		t.Fatalf("hostname = %q, want default", cfg.Hostname)
	}
	if cfg.Backlog != 128 {
		t.Fatalf("backlog = %d, want default 128", cfg.Backlog)
	}
	if !cfg.Threaded {
		t.Fatalf("threaded = false, want default true")
	}
}

func TestLoadParsesCAAndUpstreamProxy(t *testing.T) {
	path := writeTempConfig(t, `
hostname: 0.0.0.0
port: 8443
ca:
  ca_cert_file: /tmp/ca.pem
  ca_key_file: /tmp/ca.key
  ca_signing_key_file: /tmp/ca.key
  ca_cert_dir: /tmp/leafcache
upstream_proxy:
  type: socks5
  host: upstream.internal
  port: 1080
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.CA.Enabled() {
		t.Fatalf("expected CA to be enabled with all three files set")
	}
	if cfg.UpstreamProxy == nil || cfg.UpstreamProxy.Type != "socks5" {
		t.Fatalf("upstream proxy not parsed: %+v", cfg.UpstreamProxy)
	}
}

func TestValidateRejectsPartialCAConfig(t *testing.T) {
	cfg := Default()
	cfg.CA.CertFile = "/tmp/ca.pem"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for partial CA config")
	}
}

func TestValidateRejectsConflictingBindOptions(t *testing.T) {
	cfg := Default()
	cfg.Port = 8080
	cfg.UnixSocketPath = "/tmp/relay.sock"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for mutually exclusive bind options")
	}
}

func TestWarnIfDeprecatedProfile(t *testing.T) {
	cfg := Default()
	if _, deprecated := cfg.WarnIfDeprecatedProfile(); deprecated {
		t.Fatalf("default tls_profile (secure) should not be flagged deprecated")
	}

	cfg.TLSProfile = "legacy"
	name, deprecated := cfg.WarnIfDeprecatedProfile()
	if !deprecated {
		t.Fatalf("tls_profile: legacy should be flagged deprecated")
	}
	if name == "" {
		t.Fatalf("expected a non-empty version name for the legacy profile")
	}
}

func TestFamilyDetection(t *testing.T) {
	cfg := Default()
	if cfg.Family() != AFInet {
		t.Fatalf("family = %v, want AF_INET for an IPv4 hostname", cfg.Family())
	}

	cfg.Hostname = "::1"
	if cfg.Family() != AFInet6 {
		t.Fatalf("family = %v, want AF_INET6 for an IPv6 hostname", cfg.Family())
	}

	cfg = Default()
	cfg.UnixSocketPath = "/tmp/relay.sock"
	if cfg.Family() != AFUnix {
		t.Fatalf("family = %v, want AF_UNIX when unix_socket_path is set", cfg.Family())
	}
}
