package origins

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Lister is the read side of Store.
type Lister interface {
	List(ctx context.Context) ([]Origin, error)
}

// Profile carries the request headers an origin expects to see.
type Profile struct {
	Referer   string
	UserAgent string
}

type snapshot struct {
	byHost map[string]Origin
}

type RegistryOptions struct {
	// StaticTrusted hosts are always trusted, with or without a store.
	StaticTrusted []string
	// HealthTTL is how long a recorded probe result stays authoritative.
	HealthTTL time.Duration
	Now       func() time.Time
	Log       zerolog.Logger
}

// Registry answers per-host questions from an in-memory snapshot of the
// origins table. The snapshot is replaced wholesale on refresh.
type Registry struct {
	source    Lister
	static    map[string]struct{}
	healthTTL time.Duration
	now       func() time.Time
	log       zerolog.Logger
	snap      atomic.Pointer[snapshot]
}

// NewRegistry builds a registry. source may be nil when no database is configured.
func NewRegistry(source Lister, opts RegistryOptions) *Registry {
	r := &Registry{
		source:    source,
		static:    make(map[string]struct{}, len(opts.StaticTrusted)),
		healthTTL: opts.HealthTTL,
		now:       opts.Now,
		log:       opts.Log.With().Str("component", "origins").Logger(),
	}
	for _, h := range opts.StaticTrusted {
		if h = NormalizeHost(h); h != "" {
			r.static[h] = struct{}{}
		}
	}
	if r.healthTTL <= 0 {
		r.healthTTL = 5 * time.Minute
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.snap.Store(&snapshot{byHost: map[string]Origin{}})
	return r
}

// Refresh reloads the snapshot from the source.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.source == nil {
		return nil
	}
	list, err := r.source.List(ctx)
	if err != nil {
		return err
	}
	next := &snapshot{byHost: make(map[string]Origin, len(list))}
	for _, o := range list {
		next.byHost[NormalizeHost(o.Host)] = o
	}
	r.snap.Store(next)
	return nil
}

// Run refreshes every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if r.source == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.log.Warn().Err(err).Msg("refresh origins")
			}
		}
	}
}

// lookup finds the origin for host or its closest registered parent domain.
func (r *Registry) lookup(host string) (Origin, bool) {
	host = NormalizeHost(host)
	byHost := r.snap.Load().byHost
	for host != "" {
		if o, ok := byHost[host]; ok {
			return o, true
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			break
		}
		host = host[i+1:]
	}
	return Origin{}, false
}

// Trusted reports whether the browser may be redirected straight to host.
func (r *Registry) Trusted(host string) bool {
	h := NormalizeHost(host)
	for h != "" {
		if _, ok := r.static[h]; ok {
			return true
		}
		i := strings.IndexByte(h, '.')
		if i < 0 {
			break
		}
		h = h[i+1:]
	}
	o, ok := r.lookup(host)
	return ok && o.Trusted
}

// Profile returns the header profile registered for host.
func (r *Registry) Profile(host string) (Profile, bool) {
	o, ok := r.lookup(host)
	if !ok || (o.Referer == "" && o.UserAgent == "") {
		return Profile{}, false
	}
	return Profile{Referer: o.Referer, UserAgent: o.UserAgent}, true
}

// Healthy reports the last probe result for host. Unknown hosts and results
// older than the health TTL count as healthy.
func (r *Registry) Healthy(host string) bool {
	o, ok := r.lookup(host)
	if !ok {
		return true
	}
	if r.now().Sub(o.LastChecked) > r.healthTTL {
		return true
	}
	return o.IsHealthy
}
