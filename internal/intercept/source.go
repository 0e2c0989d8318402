// Package intercept finds the playable media URL exposed by a third-party
// embed page. Independent channels race to report candidates; the first
// qualifying one wins and every other channel is stopped.
package intercept

import (
	"encoding/json"
	"net/url"
	"path"
	"strings"
	"time"
)

type Kind string

const (
	KindMP4 Kind = "mp4"
	KindHLS Kind = "m3u8"
)

// Channel names the detection path that produced a candidate.
type Channel string

const (
	ChannelMessage     Channel = "message"
	ChannelMediaSrc    Channel = "media-src"
	ChannelAppendChild Channel = "append-child"
	ChannelNetwork     Channel = "network"
	ChannelDOMScan     Channel = "dom-scan"
)

var channels = map[Channel]struct{}{
	ChannelMessage:     {},
	ChannelMediaSrc:    {},
	ChannelAppendChild: {},
	ChannelNetwork:     {},
	ChannelDOMScan:     {},
}

func ParseChannel(s string) (Channel, bool) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	_, ok := channels[c]
	return c, ok
}

// Source is a detected media URL.
type Source struct {
	URL     string    `json:"url"`
	Kind    Kind      `json:"kind"`
	Via     Channel   `json:"via"`
	FoundAt time.Time `json:"found_at"`
}

// Classify applies the media heuristics to an absolute http(s) URL.
func Classify(raw string) (Kind, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	p := strings.ToLower(u.Path)
	switch path.Ext(p) {
	case ".m3u8":
		return KindHLS, true
	case ".mp4", ".m4v":
		return KindMP4, true
	}
	switch {
	case strings.Contains(p, ".m3u8/"):
		return KindHLS, true
	case strings.Contains(p, ".mp4/"):
		return KindMP4, true
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "hls", "m3u8":
			return KindHLS, true
		case "mp4":
			return KindMP4, true
		}
	}
	return "", false
}

var messageKeys = []string{"url", "src", "file", "source"}

// ParseMessage extracts a URL from a postMessage payload. Accepted shapes are
// a bare string, an object with one of url/src/file/source, or an object with
// a sources array of strings or such objects.
func ParseMessage(data json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", false
	}
	for _, k := range messageKeys {
		if v, ok := obj[k]; ok {
			if u, ok := ParseMessage(v); ok {
				return u, true
			}
		}
	}
	var list []json.RawMessage
	if err := json.Unmarshal(obj["sources"], &list); err == nil {
		for _, item := range list {
			if u, ok := ParseMessage(item); ok {
				return u, true
			}
		}
	}
	return "", false
}
