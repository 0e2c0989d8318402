package relay

import (
	"bufio"
	"bytes"
	"net/url"
	"path"
	"strings"
)

// IsManifest guesses from the URL alone whether it points at an HLS playlist.
func IsManifest(u *url.URL) bool {
	p := strings.ToLower(u.Path)
	switch path.Ext(p) {
	case ".m3u8", ".m3u":
		return true
	}
	if strings.Contains(p, ".m3u8/") || (strings.Contains(p, "/hls/") && path.Ext(p) == "") {
		return true
	}
	q := u.Query()
	for _, k := range []string{"format", "type", "ext"} {
		if strings.EqualFold(q.Get(k), "m3u8") || strings.EqualFold(q.Get(k), "hls") {
			return true
		}
	}
	return false
}

// RewriteManifest makes every relative URI line of an HLS playlist absolute
// against manifestURL's directory. Comment and tag lines, blank lines and
// lines already starting with "http" are copied unchanged.
func RewriteManifest(body []byte, manifestURL *url.URL) ([]byte, error) {
	base := manifestURL.Scheme + "://" + manifestURL.Host
	dir := manifestURL.Path
	if i := strings.LastIndexByte(dir, '/'); i >= 0 {
		dir = dir[:i+1]
	} else {
		dir = "/"
	}

	var out bytes.Buffer
	out.Grow(len(body) + len(body)/4)
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		switch {
		case line == "", strings.HasPrefix(line, "#"), strings.HasPrefix(line, "http"):
			out.WriteString(line)
		case strings.HasPrefix(line, "//"):
			out.WriteString(manifestURL.Scheme + ":" + line)
		case strings.HasPrefix(line, "/"):
			out.WriteString(base + line)
		default:
			out.WriteString(base + dir + line)
		}
		out.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
