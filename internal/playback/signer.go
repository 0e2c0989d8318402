package playback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrSignRejected = errors.New("playback: sign rejected")
	ErrNoUserAgent  = errors.New("playback: user agent required")
)

// HTTPSigner calls the relay's sign endpoint. Tokens are bound to UserAgent,
// so it must be the exact string the player sends when it fetches the stream.
type HTTPSigner struct {
	Endpoint  string
	APIKey    string
	UserAgent string
	Client    *http.Client
}

func NewHTTPSigner(baseURL, apiKey, userAgent string) *HTTPSigner {
	return &HTTPSigner{
		Endpoint:  strings.TrimRight(baseURL, "/") + "/api/video-token?action=sign",
		APIKey:    apiKey,
		UserAgent: userAgent,
		Client:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *HTTPSigner) Sign(ctx context.Context, rawURL string) (SignedURL, error) {
	if strings.TrimSpace(s.UserAgent) == "" {
		return SignedURL{}, ErrNoUserAgent
	}
	body, err := json.Marshal(map[string]string{"video_url": rawURL})
	if err != nil {
		return SignedURL{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return SignedURL{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
	req.Header.Set("User-Agent", s.UserAgent)

	resp, err := s.Client.Do(req)
	if err != nil {
		return SignedURL{}, fmt.Errorf("playback: sign request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return SignedURL{}, fmt.Errorf("%w: status %d: %s", ErrSignRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out struct {
		StreamURL string `json:"stream_url"`
		Expires   int64  `json:"expires"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SignedURL{}, fmt.Errorf("playback: decode sign response: %w", err)
	}
	if out.StreamURL == "" {
		return SignedURL{}, fmt.Errorf("%w: empty stream_url", ErrSignRejected)
	}
	return SignedURL{StreamURL: out.StreamURL, ExpiresAt: time.UnixMilli(out.Expires)}, nil
}
