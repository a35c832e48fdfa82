package ssh

import (
	"strings"
	"testing"
)

func TestParseChecksum(t *testing.T) {
	digest := strings.Repeat("ab", 32)
	got, err := parseChecksum([]byte(strings.ToUpper(digest) + "  /cache/dem.tif\n"))
	if err != nil {
		t.Fatalf("parseChecksum: %v", err)
	}
	if got != digest {
		t.Errorf("got %s, want %s", got, digest)
	}

	for _, bad := range []string{"", "\n", "deadbeef  /cache/dem.tif\n"} {
		if _, err := parseChecksum([]byte(bad)); err == nil {
			t.Errorf("parseChecksum(%q) succeeded", bad)
		}
	}
}

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"/cache/dem.tif":    "'/cache/dem.tif'",
		"/cache/it's.tif":   `'/cache/it'\''s.tif'`,
		"/cache/a b;rm -rf": "'/cache/a b;rm -rf'",
	}
	for in, want := range cases {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNewPusherVerifiesByDefault(t *testing.T) {
	p := NewPusher(&Client{Addr: "127.0.0.1:22"})
	if !p.Verify {
		t.Error("Verify should default to true")
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close before connect: %v", err)
	}
}
