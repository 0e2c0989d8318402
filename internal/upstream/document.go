package upstream

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// Kind tags a fetched document by shape. It is decided once, here, so callers
// never re-sniff the body.
type Kind int

const (
	KindOther Kind = iota
	KindHTML
	KindJSON
	KindManifest
)

func (k Kind) String() string {
	switch k {
	case KindHTML:
		return "html"
	case KindJSON:
		return "json"
	case KindManifest:
		return "manifest"
	default:
		return "other"
	}
}

// Document is a fully read upstream response body.
type Document struct {
	Kind       Kind
	URL        string
	StatusCode int
	Body       []byte
}

const maxDocumentSize = 4 << 20

// FetchDocument GETs rawURL and classifies the response. Transport failures
// and non-2xx statuses return an error wrapping ErrUnreachable.
func (c *Client) FetchDocument(ctx context.Context, rawURL string, headers http.Header) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Document{}, fmt.Errorf("upstream: build request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.Do(req)
	if err != nil {
		return Document{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Document{}, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return Document{}, fmt.Errorf("%w: read body: %v", ErrUnreachable, err)
	}
	if len(body) > maxDocumentSize {
		return Document{}, fmt.Errorf("%w: body exceeds %d bytes", ErrUnreachable, maxDocumentSize)
	}
	return Document{
		Kind:       classify(resp.Header.Get("Content-Type"), body),
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Body:       body,
	}, nil
}

func classify(contentType string, body []byte) Kind {
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mt == "text/html" || mt == "application/xhtml+xml":
		return KindHTML
	case mt == "application/json" || strings.HasSuffix(mt, "+json"):
		return KindJSON
	case strings.Contains(mt, "mpegurl"):
		return KindManifest
	}
	trimmed := strings.TrimSpace(string(body[:min(len(body), 16)]))
	if strings.HasPrefix(trimmed, "#EXTM3U") {
		return KindManifest
	}
	return KindOther
}
