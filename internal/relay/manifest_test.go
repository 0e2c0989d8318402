package relay

import (
	"net/url"
	"strings"
	"testing"
)

func TestRewriteManifest(t *testing.T) {
	base, _ := url.Parse("https://origin.example/path/to/master.m3u8?token=abc")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "relative segments",
			in:   "#EXTM3U\n#EXTINF:10,\nseg-1.ts\n#EXTINF:10,\nseg-2.ts\n",
			want: "#EXTM3U\n#EXTINF:10,\nhttps://origin.example/path/to/seg-1.ts\n#EXTINF:10,\nhttps://origin.example/path/to/seg-2.ts\n",
		},
		{
			name: "absolute lines untouched",
			in:   "#EXTM3U\nhttps://cdn.example/a.ts\nhttp://cdn.example/b.ts\n",
			want: "#EXTM3U\nhttps://cdn.example/a.ts\nhttp://cdn.example/b.ts\n",
		},
		{
			name: "tags with URI untouched",
			in:   "#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\n#EXT-X-MAP:URI=\"init.mp4\"\nv.m4s\n",
			want: "#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\n#EXT-X-MAP:URI=\"init.mp4\"\nhttps://origin.example/path/to/v.m4s\n",
		},
		{
			name: "root relative and protocol relative",
			in:   "/live/a.ts\n//edge.example/b.ts\n",
			want: "https://origin.example/live/a.ts\nhttps://edge.example/b.ts\n",
		},
		{
			name: "variant playlists and query strings",
			in:   "#EXT-X-STREAM-INF:BANDWIDTH=800000\n720p/index.m3u8?s=1\n",
			want: "#EXT-X-STREAM-INF:BANDWIDTH=800000\nhttps://origin.example/path/to/720p/index.m3u8?s=1\n",
		},
		{
			name: "crlf and blank lines",
			in:   "#EXTM3U\r\n\r\nseg.ts\r\n",
			want: "#EXTM3U\n\nhttps://origin.example/path/to/seg.ts\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RewriteManifest([]byte(tt.in), base)
			if err != nil {
				t.Fatalf("RewriteManifest: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got\n%s\nwant\n%s", got, tt.want)
			}
		})
	}
}

func TestRewriteManifestOnlyTouchesURILines(t *testing.T) {
	base, _ := url.Parse("https://o.example/a/b.m3u8")
	in := "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6,\ns1.ts\nhttp://x.example/s2.ts\n#EXT-X-ENDLIST\n"
	got, err := RewriteManifest([]byte(in), base)
	if err != nil {
		t.Fatal(err)
	}
	inLines := strings.Split(strings.TrimSuffix(in, "\n"), "\n")
	outLines := strings.Split(strings.TrimSuffix(string(got), "\n"), "\n")
	if len(inLines) != len(outLines) {
		t.Fatalf("line count %d -> %d", len(inLines), len(outLines))
	}
	for i, line := range inLines {
		rewritable := !strings.HasPrefix(line, "#") && !strings.HasPrefix(line, "http") && line != ""
		if rewritable {
			if outLines[i] != "https://o.example/a/"+line {
				t.Errorf("line %d = %q", i, outLines[i])
			}
		} else if outLines[i] != line {
			t.Errorf("line %d changed: %q -> %q", i, line, outLines[i])
		}
	}
}

func TestIsManifest(t *testing.T) {
	tests := map[string]bool{
		"https://a.example/master.m3u8":             true,
		"https://a.example/MASTER.M3U8?x=1":         true,
		"https://a.example/list.m3u":                true,
		"https://a.example/v/index.m3u8/seg":        true,
		"https://a.example/hls/abc123":              true,
		"https://a.example/play?format=m3u8":        true,
		"https://a.example/movie.mp4":               false,
		"https://a.example/hls/seg.ts":              false,
		"https://a.example/download?file=movie.mp4": false,
	}
	for raw, want := range tests {
		u, _ := url.Parse(raw)
		if got := IsManifest(u); got != want {
			t.Errorf("IsManifest(%q) = %v, want %v", raw, got, want)
		}
	}
}
