package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"cinerelay/internal/fingerprint"
	"cinerelay/internal/metrics"
	"cinerelay/internal/origins"
	"cinerelay/internal/ratelimit"
	"cinerelay/internal/token"
	"cinerelay/internal/upstream"
)

const (
	testUA  = "Mozilla/5.0 (X11; Linux x86_64) TestBrowser/1.0"
	testKey = "app-key-1"
)

type fixture struct {
	handler *Handler
	signer  *token.Signer
	now     time.Time
	metrics *metrics.Metrics
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) token(t *testing.T, raw string) string {
	t.Helper()
	tok, err := f.signer.Sign(raw, fingerprint.FromUserAgent(testUA))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return tok.Value
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	signer, err := token.NewSigner(token.Options{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		Now:    func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	up, err := upstream.New(upstream.Options{Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("upstream.New: %v", err)
	}
	f.signer = signer
	f.metrics = metrics.New(prometheus.NewRegistry())
	opts := Options{
		Signer:   signer,
		Upstream: up,
		Origins: origins.NewRegistry(nil, origins.RegistryOptions{
			StaticTrusted: []string{"cdn.example.com"},
			Log:           zerolog.Nop(),
		}),
		Guard:   NewOriginGuard([]string{"app.example", ".preview.example", "localhost"}, true),
		Metrics: f.metrics,
		Authorize: func(r *http.Request) bool {
			return r.Header.Get("Authorization") == "Bearer "+testKey
		},
		PublicBaseURL:   "https://app.example/",
		ManifestTimeout: 5 * time.Second,
		Log:             zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.handler, err = New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func streamRequest(tok string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, Path+"?action=stream&t="+url.QueryEscape(tok), nil)
	r.Header.Set("User-Agent", testUA)
	return r
}

func newSignRequest(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, Path+"?action=sign", strings.NewReader(body))
	r.Header.Set("User-Agent", testUA)
	r.Header.Set("Authorization", "Bearer "+testKey)
	r.Header.Set("Content-Type", "application/json")
	return r
}

func assertRelayHeaders(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := rec.Header().Get("X-Robots-Tag"); got != "noindex, nofollow" {
		t.Errorf("X-Robots-Tag = %q", got)
	}
}

func TestSignIssuesVerifiableStreamURL(t *testing.T) {
	f := newFixture(t, nil)
	raw := "https://media.example.net/movie.mp4?x=1&y=%20"

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, newSignRequest(`{"video_url":"`+raw+`"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	assertRelayHeaders(t, rec)

	var resp signResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want := f.now.Add(token.DefaultTTL).UnixMilli(); resp.Expires != want {
		t.Errorf("expires = %d, want %d", resp.Expires, want)
	}
	prefix := "https://app.example/api/video-token?action=stream&t="
	if !strings.HasPrefix(resp.StreamURL, prefix) {
		t.Fatalf("stream_url = %q", resp.StreamURL)
	}
	u, err := url.Parse(resp.StreamURL)
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.signer.Verify(u.Query().Get("t"), fingerprint.FromUserAgent(testUA))
	if err != nil || got != raw {
		t.Errorf("Verify = %q, %v", got, err)
	}
}

func TestSignRejects(t *testing.T) {
	tests := []struct {
		name string
		req  func() *http.Request
		want int
	}{
		{"no credential", func() *http.Request {
			r := newSignRequest(`{"video_url":"https://a.example/v.mp4"}`)
			r.Header.Del("Authorization")
			return r
		}, http.StatusUnauthorized},
		{"wrong credential", func() *http.Request {
			r := newSignRequest(`{"video_url":"https://a.example/v.mp4"}`)
			r.Header.Set("Authorization", "Bearer nope")
			return r
		}, http.StatusUnauthorized},
		{"get method", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, Path+"?action=sign", nil)
		}, http.StatusMethodNotAllowed},
		{"bad json", func() *http.Request { return newSignRequest(`{"video_url":`) }, http.StatusBadRequest},
		{"missing url", func() *http.Request { return newSignRequest(`{}`) }, http.StatusBadRequest},
		{"relative url", func() *http.Request { return newSignRequest(`{"video_url":"/movie.mp4"}`) }, http.StatusBadRequest},
		{"ftp url", func() *http.Request { return newSignRequest(`{"video_url":"ftp://a.example/v.mp4"}`) }, http.StatusBadRequest},
		{"unknown action", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, Path+"?action=delete", nil)
		}, http.StatusBadRequest},
		{"no action", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, Path, nil)
		}, http.StatusBadRequest},
	}

	f := newFixture(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, tt.req())
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

type countStore struct {
	mu sync.Mutex
	n  map[string]int64
}

func (s *countStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n[key]++
	return s.n[key], nil
}

func (s *countStore) Expire(ctx context.Context, key string, ttl time.Duration) error { return nil }

func (s *countStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return 42 * time.Second, nil
}

func TestSignRateLimited(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Limiter = ratelimit.New(&countStore{n: map[string]int64{}}, "sign", 2, time.Minute)
	})
	body := `{"video_url":"https://a.example/v.mp4"}`
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, newSignRequest(body))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, newSignRequest(body))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "42" {
		t.Errorf("Retry-After = %q", got)
	}
}

func TestStreamRedirectsTrustedCDN(t *testing.T) {
	f := newFixture(t, nil)
	raw := "https://edge.cdn.example.com/movie/master.m3u8"

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, streamRequest(f.token(t, raw)))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != raw {
		t.Errorf("Location = %q", got)
	}
	assertRelayHeaders(t, rec)
}

func TestStreamManifestRewritten(t *testing.T) {
	var gotReferer, gotUA string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		io.WriteString(w, "#EXTM3U\n#EXT-X-VERSION:3\n#EXTINF:4.0,\nseg0.ts\n#EXTINF:4.0,\n/abs/seg1.ts\nhttps://other.example/seg2.ts\n")
	}))
	defer origin.Close()

	f := newFixture(t, nil)
	raw := origin.URL + "/video/hls/master.m3u8?sig=abc"
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, streamRequest(f.token(t, raw)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	assertRelayHeaders(t, rec)
	if got := rec.Header().Get("Content-Type"); got != "application/vnd.apple.mpegurl" {
		t.Errorf("Content-Type = %q", got)
	}
	want := "#EXTM3U\n#EXT-X-VERSION:3\n#EXTINF:4.0,\n" +
		origin.URL + "/video/hls/seg0.ts\n#EXTINF:4.0,\n" +
		origin.URL + "/abs/seg1.ts\nhttps://other.example/seg2.ts\n"
	if rec.Body.String() != want {
		t.Errorf("body =\n%s\nwant\n%s", rec.Body, want)
	}
	if gotReferer != origin.URL+"/" {
		t.Errorf("upstream Referer = %q", gotReferer)
	}
	if gotUA != upstream.DefaultUserAgent {
		t.Errorf("upstream User-Agent = %q", gotUA)
	}
}

type profileOrigins struct{ profile origins.Profile }

func (p profileOrigins) Trusted(string) bool { return false }
func (p profileOrigins) Profile(string) (origins.Profile, bool) {
	return p.profile, true
}

func TestStreamUsesOriginProfile(t *testing.T) {
	var gotReferer, gotUA string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("data"))
	}))
	defer origin.Close()

	f := newFixture(t, func(o *Options) {
		o.Origins = profileOrigins{origins.Profile{Referer: "https://player.example/", UserAgent: "Spoofed/1"}}
	})
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, streamRequest(f.token(t, origin.URL+"/v.mp4")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotReferer != "https://player.example/" || gotUA != "Spoofed/1" {
		t.Errorf("upstream headers = %q, %q", gotReferer, gotUA)
	}
}

func TestStreamMediaRange(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 100)
	var gotRange string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Type", "video/mp4")
		http.ServeContent(w, r, "movie.mp4", time.Time{}, bytes.NewReader(data))
	}))
	defer origin.Close()

	f := newFixture(t, nil)
	req := streamRequest(f.token(t, origin.URL+"/movie.mp4"))
	req.Header.Set("Range", "bytes=100-199")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d", rec.Code)
	}
	assertRelayHeaders(t, rec)
	if gotRange != "bytes=100-199" {
		t.Errorf("forwarded Range = %q", gotRange)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 100-199/1000" {
		t.Errorf("Content-Range = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "100" {
		t.Errorf("Content-Length = %q", got)
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "video/mp4" {
		t.Errorf("Content-Type = %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), data[100:200]) {
		t.Errorf("body mismatch: %q", rec.Body.Bytes())
	}
}

func TestStreamMediaFullAndUnsatisfiable(t *testing.T) {
	data := []byte("full body")
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "clip.mp4", time.Time{}, bytes.NewReader(data))
	}))
	defer origin.Close()
	f := newFixture(t, nil)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, streamRequest(f.token(t, origin.URL+"/clip.mp4")))
	if rec.Code != http.StatusOK || rec.Body.String() != "full body" {
		t.Errorf("full: status %d body %q", rec.Code, rec.Body)
	}

	req := streamRequest(f.token(t, origin.URL+"/clip.mp4"))
	req.Header.Set("Range", "bytes=5000-")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("unsatisfiable: status %d", rec.Code)
	}
}

func TestStreamRejections(t *testing.T) {
	const raw = "https://media.example.net/movie.mp4"
	tests := []struct {
		name  string
		setup func(f *fixture, t *testing.T) *http.Request
		want  int
	}{
		{"missing token", func(f *fixture, t *testing.T) *http.Request {
			r := httptest.NewRequest(http.MethodGet, Path+"?action=stream", nil)
			return r
		}, http.StatusBadRequest},
		{"garbage token", func(f *fixture, t *testing.T) *http.Request {
			return streamRequest("not-a-token")
		}, http.StatusForbidden},
		{"tampered signature", func(f *fixture, t *testing.T) *http.Request {
			tok := f.token(t, raw)
			last := tok[len(tok)-1]
			repl := byte('0')
			if last == '0' {
				repl = '1'
			}
			return streamRequest(tok[:len(tok)-1] + string(repl))
		}, http.StatusForbidden},
		{"other device", func(f *fixture, t *testing.T) *http.Request {
			r := streamRequest(f.token(t, raw))
			r.Header.Set("User-Agent", "SomethingElse/2.0")
			return r
		}, http.StatusForbidden},
		{"expired", func(f *fixture, t *testing.T) *http.Request {
			tok := f.token(t, raw)
			f.advance(61 * time.Second)
			return streamRequest(tok)
		}, http.StatusGone},
		{"foreign origin", func(f *fixture, t *testing.T) *http.Request {
			r := streamRequest(f.token(t, raw))
			r.Header.Set("Origin", "https://evil.example")
			return r
		}, http.StatusForbidden},
		{"foreign referer", func(f *fixture, t *testing.T) *http.Request {
			r := streamRequest(f.token(t, raw))
			r.Header.Set("Referer", "https://app.example.evil.test/watch")
			return r
		}, http.StatusForbidden},
		{"post method", func(f *fixture, t *testing.T) *http.Request {
			return httptest.NewRequest(http.MethodPost, Path+"?action=stream&t=x", nil)
		}, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, tt.setup(f, t))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			assertRelayHeaders(t, rec)
			if rec.Code == http.StatusForbidden && strings.TrimSpace(rec.Body.String()) != "forbidden" {
				t.Errorf("rejection body leaks detail: %q", rec.Body)
			}
		})
	}
}

func TestStreamAllowedOrigins(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer origin.Close()

	for _, o := range []string{"https://app.example", "https://pr-12.preview.example", "http://localhost:3000"} {
		f := newFixture(t, nil)
		req := streamRequest(f.token(t, origin.URL+"/v.mp4"))
		req.Header.Set("Origin", o)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("origin %s: status %d", o, rec.Code)
		}
	}
}

func TestStreamUpstreamFailures(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer failing.Close()
	html := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>blocked</html>"))
	}))
	defer html.Close()
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	tests := []struct {
		name string
		raw  string
	}{
		{"media 500", failing.URL + "/v.mp4"},
		{"manifest 500", failing.URL + "/index.m3u8"},
		{"manifest is html", html.URL + "/index.m3u8"},
		{"connection refused", closedURL + "/v.mp4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, streamRequest(f.token(t, tt.raw)))
			if rec.Code != http.StatusBadGateway {
				t.Errorf("status = %d, want 502", rec.Code)
			}
			assertRelayHeaders(t, rec)
		})
	}
}

func TestStreamScenarioWithinAndAfterLifetime(t *testing.T) {
	f := newFixture(t, nil)
	tok := f.token(t, "https://cdn.example.com/movie/master.m3u8")

	f.advance(30 * time.Second)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, streamRequest(tok))
	if rec.Code != http.StatusFound {
		t.Fatalf("t0+30s: status %d", rec.Code)
	}

	f.advance(31 * time.Second)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, streamRequest(tok))
	if rec.Code != http.StatusGone {
		t.Fatalf("t0+61s: status %d", rec.Code)
	}
}
