package httpurl

import "testing"

func TestParseTargetOriginForm(t *testing.T) {
	u, err := ParseTarget([]byte("/get?key=value"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !u.IsOriginForm() {
		t.Fatalf("expected origin-form")
	}
	if string(u.Remainder) != "/get?key=value" {
		t.Fatalf("remainder = %q", u.Remainder)
	}
}

func TestParseTargetAbsoluteForm(t *testing.T) {
	u, err := ParseTarget([]byte("http://example.com/a"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(u.Scheme) != "http" {
		t.Fatalf("scheme = %q", u.Scheme)
	}
	if string(u.Hostname) != "example.com" {
		t.Fatalf("hostname = %q", u.Hostname)
	}
	if u.HasPort {
		t.Fatalf("expected no port")
	}
	if string(u.Remainder) != "/a" {
		t.Fatalf("remainder = %q", u.Remainder)
	}
}

func TestParseTargetAbsoluteFormNoRemainder(t *testing.T) {
	u, err := ParseTarget([]byte("https://example.com"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.Remainder) != 0 {
		t.Fatalf("expected no remainder, got %q", u.Remainder)
	}
}

func TestParseTargetAuthorityForm(t *testing.T) {
	u, err := ParseTarget([]byte("httpbin.org:443"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !u.IsAuthorityForm() {
		t.Fatalf("expected authority-form")
	}
	if string(u.Hostname) != "httpbin.org" || u.Port != 443 {
		t.Fatalf("host=%q port=%d", u.Hostname, u.Port)
	}
}

func TestParseTargetIPv6(t *testing.T) {
	cases := []struct {
		in       string
		host     string
		port     int
		hasPort  bool
	}{
		{"[::1]:8443", "[::1]", 8443, true},
		{"::1", "[::1]", 0, false},
		{"2001:db8::1:443", "[2001:db8::1]", 443, true},
	}
	for _, c := range cases {
		u, err := ParseTarget([]byte(c.in))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", c.in, err)
		}
		if string(u.Hostname) != c.host || u.Port != c.port || u.HasPort != c.hasPort {
			t.Fatalf("%s: got host=%q port=%d hasPort=%v", c.in, u.Hostname, u.Port, u.HasPort)
		}
	}
}

func TestParseTargetInvalidPort(t *testing.T) {
	if _, err := ParseTarget([]byte("example.com:notaport")); err == nil {
		t.Fatalf("expected error for invalid port")
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []string{
		"/get?key=value",
		"http://example.com/a",
		"httpbin.org:443",
	}
	for _, raw := range cases {
		u, err := ParseTarget([]byte(raw))
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if got := u.String(); got != raw {
			t.Fatalf("round trip %q => %q", raw, got)
		}
	}
}
