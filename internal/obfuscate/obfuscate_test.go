package obfuscate

import (
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	urls := []string{
		"https://cdn.example.com/movie/master.m3u8",
		"https://host.example/v.mp4?token=a%2Fb&exp=123&sig=xyz",
		"https://example.com/path with spaces/%E2%9C%93.mp4",
		"https://例え.jp/動画/ファイル.mp4?q=ü&x=ß",
		"http://127.0.0.1:8080/a.b.c/d..e",
		"",
	}
	for _, u := range urls {
		enc := Encode(u)
		if strings.Contains(enc, ".") {
			t.Errorf("Encode(%q) = %q contains a dot", u, enc)
		}
		got, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode(Encode(%q)) error: %v", u, err)
		}
		if got != u {
			t.Errorf("round trip = %q, want %q", got, u)
		}
	}
}

func TestEncodeHidesURL(t *testing.T) {
	u := "https://origin.example.com/secret/path.mp4"
	if enc := Encode(u); strings.Contains(enc, "origin.example.com") {
		t.Errorf("Encode leaked host: %q", enc)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode("!!not-base64!!"); err == nil {
		t.Error("expected error for invalid input")
	}
}
