// Package relay serves the signed playback endpoint. A sign call trades a raw
// media URL for a short-lived token; a stream call verifies the token and then
// redirects, serves a rewritten HLS playlist, or proxies media bytes.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cinerelay/internal/fingerprint"
	"cinerelay/internal/metrics"
	"cinerelay/internal/origins"
	"cinerelay/internal/ratelimit"
	"cinerelay/internal/token"
	"cinerelay/internal/upstream"
)

// Path is where the handler is mounted.
const Path = "/api/video-token"

const (
	OutcomeRedirected = "redirected"
	OutcomeManifest   = "manifest"
	OutcomeMedia      = "media"
	OutcomeRejected   = "rejected"
)

// Upstream is the slice of *upstream.Client the relay needs.
type Upstream interface {
	Do(req *http.Request) (*http.Response, error)
	FetchDocument(ctx context.Context, rawURL string, headers http.Header) (upstream.Document, error)
}

// Origins answers per-host questions about media origins.
type Origins interface {
	Trusted(host string) bool
	Profile(host string) (origins.Profile, bool)
}

type Options struct {
	Signer   *token.Signer
	Upstream Upstream
	Origins  Origins
	Guard    *OriginGuard
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Metrics
	// Authorize decides whether a sign request carries a valid credential.
	Authorize func(r *http.Request) bool
	// PublicBaseURL prefixes issued stream URLs. Empty yields root-relative URLs.
	PublicBaseURL   string
	ManifestTimeout time.Duration
	Log             zerolog.Logger
}

type Handler struct {
	signer          *token.Signer
	upstream        Upstream
	origins         Origins
	guard           *OriginGuard
	limiter         *ratelimit.Limiter
	metrics         *metrics.Metrics
	authorize       func(r *http.Request) bool
	publicBaseURL   string
	manifestTimeout time.Duration
	log             zerolog.Logger
}

func New(opts Options) (*Handler, error) {
	if opts.Signer == nil {
		return nil, errors.New("relay: signer is required")
	}
	if opts.Upstream == nil {
		return nil, errors.New("relay: upstream client is required")
	}
	h := &Handler{
		signer:          opts.Signer,
		upstream:        opts.Upstream,
		origins:         opts.Origins,
		guard:           opts.Guard,
		limiter:         opts.Limiter,
		metrics:         opts.Metrics,
		authorize:       opts.Authorize,
		publicBaseURL:   strings.TrimRight(opts.PublicBaseURL, "/"),
		manifestTimeout: opts.ManifestTimeout,
		log:             opts.Log.With().Str("component", "relay").Logger(),
	}
	if h.origins == nil {
		h.origins = origins.NewRegistry(nil, origins.RegistryOptions{Log: opts.Log})
	}
	if h.guard == nil {
		h.guard = NewOriginGuard(nil, true)
	}
	if h.authorize == nil {
		h.authorize = func(*http.Request) bool { return false }
	}
	if h.manifestTimeout <= 0 {
		h.manifestTimeout = 20 * time.Second
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Robots-Tag", "noindex, nofollow")

	switch r.URL.Query().Get("action") {
	case "sign":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		h.sign(w, r)
	case "stream":
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			methodNotAllowed(w, "GET, HEAD")
			return
		}
		h.stream(w, r)
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

type signRequest struct {
	VideoURL string `json:"video_url"`
}

type signResponse struct {
	StreamURL string `json:"stream_url"`
	Expires   int64  `json:"expires"`
}

func (h *Handler) sign(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(r) {
		errorJSON(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if ok, retry := h.limiter.Allow(r.Context(), ratelimit.ClientIP(r)); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		errorJSON(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	var req signRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid body")
		return
	}
	raw := strings.TrimSpace(req.VideoURL)
	if !validMediaURL(raw) {
		errorJSON(w, http.StatusBadRequest, "video_url must be an absolute http(s) URL")
		return
	}

	streamURL, expires, err := h.Issue(r, raw)
	if err != nil {
		h.log.Error().Err(err).Msg("sign token")
		errorJSON(w, http.StatusBadRequest, "cannot sign url")
		return
	}
	writeJSON(w, http.StatusOK, signResponse{
		StreamURL: streamURL,
		Expires:   expires.UnixMilli(),
	})
}

// Issue signs raw for the device that sent r and returns its stream URL.
// Callers are responsible for authorizing r.
func (h *Handler) Issue(r *http.Request, raw string) (string, time.Time, error) {
	if !validMediaURL(raw) {
		return "", time.Time{}, fmt.Errorf("relay: invalid media url %q", raw)
	}
	tok, err := h.signer.Sign(raw, fingerprint.FromRequest(r))
	if err != nil {
		return "", time.Time{}, err
	}
	h.metrics.Signed()
	return h.StreamURL(tok.Value), tok.ExpiresAt, nil
}

// StreamURL is the playable URL handed to the browser for a token.
func (h *Handler) StreamURL(tokenValue string) string {
	return h.publicBaseURL + Path + "?action=stream&t=" + url.QueryEscape(tokenValue)
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	t := r.URL.Query().Get("t")
	if t == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}
	if err := h.guard.Check(r); err != nil {
		h.reject(w, r, "origin", http.StatusForbidden)
		return
	}
	raw, err := h.signer.Verify(t, fingerprint.FromRequest(r))
	if err != nil {
		status := http.StatusForbidden
		if errors.Is(err, token.ErrExpired) {
			status = http.StatusGone
		}
		h.reject(w, r, token.Reason(err), status)
		return
	}

	target, err := url.Parse(raw)
	if err != nil || !validMediaURL(raw) {
		h.upstreamFailed(w, "invalid_url", err)
		return
	}

	switch {
	case h.origins.Trusted(target.Hostname()):
		h.done(OutcomeRedirected, target, http.StatusFound)
		http.Redirect(w, r, target.String(), http.StatusFound)
	case IsManifest(target):
		h.serveManifest(w, r, target)
	default:
		h.serveMedia(w, r, target)
	}
}

// upstreamHeaders builds the Referer and User-Agent the origin expects.
func (h *Handler) upstreamHeaders(target *url.URL) http.Header {
	hdr := http.Header{}
	referer := target.Scheme + "://" + target.Host + "/"
	if p, ok := h.origins.Profile(target.Hostname()); ok {
		if p.Referer != "" {
			referer = p.Referer
		}
		if p.UserAgent != "" {
			hdr.Set("User-Agent", p.UserAgent)
		}
	}
	hdr.Set("Referer", referer)
	return hdr
}

func (h *Handler) serveManifest(w http.ResponseWriter, r *http.Request, target *url.URL) {
	ctx, cancel := context.WithTimeout(r.Context(), h.manifestTimeout)
	defer cancel()

	doc, err := h.upstream.FetchDocument(ctx, target.String(), h.upstreamHeaders(target))
	if err != nil {
		h.upstreamFailed(w, "manifest", err)
		return
	}
	if doc.Kind != upstream.KindManifest {
		h.upstreamFailed(w, "manifest", errors.New("upstream returned "+doc.Kind.String()))
		return
	}
	base := target
	if u, err := url.Parse(doc.URL); err == nil && u.Host != "" {
		base = u
	}
	body, err := RewriteManifest(doc.Body, base)
	if err != nil {
		h.upstreamFailed(w, "manifest", err)
		return
	}

	h.done(OutcomeManifest, target, http.StatusOK)
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

var mirroredHeaders = []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"}

func (h *Handler) serveMedia(w http.ResponseWriter, r *http.Request, target *url.URL) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), nil)
	if err != nil {
		h.upstreamFailed(w, "media", err)
		return
	}
	req.Header = h.upstreamHeaders(target)
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := h.upstream.Do(req)
	if err != nil {
		h.upstreamFailed(w, "media", err)
		return
	}
	defer resp.Body.Close()

	status := http.StatusOK
	switch {
	case resp.StatusCode == http.StatusPartialContent, resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		status = resp.StatusCode
	case resp.StatusCode >= 400:
		h.upstreamFailed(w, "media", errors.New("upstream status "+strconv.Itoa(resp.StatusCode)))
		return
	}

	for _, k := range mirroredHeaders {
		if v := resp.Header.Get(k); v != "" {
			w.Header().Set(k, v)
		}
	}
	h.done(OutcomeMedia, target, status)
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.log.Debug().Err(err).Str("host", target.Host).Msg("media copy interrupted")
	}
}

func (h *Handler) done(outcome string, target *url.URL, status int) {
	h.metrics.Outcome(outcome)
	h.log.Info().Str("outcome", outcome).Str("host", target.Host).Int("status", status).Msg("relay")
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, reason string, status int) {
	h.metrics.Reject(reason)
	h.log.Warn().
		Str("outcome", OutcomeRejected).
		Str("reason", reason).
		Str("origin", r.Header.Get("Origin")).
		Str("referer", r.Header.Get("Referer")).
		Int("status", status).
		Msg("relay rejected")
	if status == http.StatusGone {
		http.Error(w, "token expired", status)
		return
	}
	http.Error(w, "forbidden", status)
}

func (h *Handler) upstreamFailed(w http.ResponseWriter, kind string, err error) {
	h.metrics.Upstream(kind)
	h.log.Warn().Err(err).Str("kind", kind).Msg("upstream failure")
	http.Error(w, "upstream error", http.StatusBadGateway)
}

func validMediaURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
