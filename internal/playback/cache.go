// Package playback is the client side of the relay: it keeps the current
// signed stream URL fresh for a single active playback session.
package playback

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMargin        = 10 * time.Second
	DefaultRefreshPeriod = 45 * time.Second
)

// SignedURL is a playable URL and the instant it stops working.
type SignedURL struct {
	StreamURL string
	ExpiresAt time.Time
}

// Signer exchanges a raw media URL for a signed one.
type Signer interface {
	Sign(ctx context.Context, rawURL string) (SignedURL, error)
}

type entry struct {
	raw    string
	signed SignedURL
}

type Options struct {
	Signer Signer
	// DirectHosts are handed to the player unsigned. Suffix match.
	DirectHosts []string
	// Margin is how long before expiry a cached URL stops being served.
	Margin time.Duration
	Now    func() time.Time
	Log    zerolog.Logger
}

// Cache holds at most one signed URL. Readers see either the previous or the
// next entry, never a partially built one.
type Cache struct {
	signer      Signer
	directHosts []string
	margin      time.Duration
	now         func() time.Time
	log         zerolog.Logger

	current atomic.Pointer[entry]
	group   singleflight.Group
}

func NewCache(opts Options) *Cache {
	c := &Cache{
		signer:      opts.Signer,
		directHosts: opts.DirectHosts,
		margin:      opts.Margin,
		now:         opts.Now,
		log:         opts.Log.With().Str("component", "playback").Logger(),
	}
	if c.margin <= 0 {
		c.margin = DefaultMargin
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// SignedURL returns a usable URL for raw, signing only when the cached entry
// is for another URL or inside the refresh margin.
func (c *Cache) SignedURL(ctx context.Context, raw string) (string, error) {
	if c.isDirect(raw) {
		return raw, nil
	}
	if e := c.current.Load(); e != nil && e.raw == raw && c.now().Before(e.signed.ExpiresAt.Add(-c.margin)) {
		return e.signed.StreamURL, nil
	}
	signed, err := c.sign(ctx, raw)
	if err != nil {
		return "", err
	}
	return signed.StreamURL, nil
}

// sign collapses concurrent calls for the same raw URL into one request.
func (c *Cache) sign(ctx context.Context, raw string) (SignedURL, error) {
	v, err, _ := c.group.Do(raw, func() (interface{}, error) {
		signed, err := c.signer.Sign(ctx, raw)
		if err != nil {
			return SignedURL{}, err
		}
		c.current.Store(&entry{raw: raw, signed: signed})
		return signed, nil
	})
	if err != nil {
		return SignedURL{}, err
	}
	return v.(SignedURL), nil
}

// StartRefresh re-signs raw every period and passes each new URL to onNewURL.
// A failed refresh keeps the previous entry and tries again next tick. The
// returned cancel func stops the loop and may be called any number of times.
func (c *Cache) StartRefresh(raw string, period time.Duration, onNewURL func(string)) (cancel func()) {
	if c.isDirect(raw) {
		return func() {}
	}
	if period <= 0 {
		period = DefaultRefreshPeriod
	}
	ctx, stop := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			signed, err := c.sign(ctx, raw)
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn().Err(err).Msg("refresh signed url, keeping previous")
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if onNewURL != nil {
				onNewURL(signed.StreamURL)
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(stop) }
}

// Reset drops the cached entry.
func (c *Cache) Reset() {
	c.current.Store(nil)
}

func (c *Cache) isDirect(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range c.directHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
