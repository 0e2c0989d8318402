package origins

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HealthStore is what the prober reads origins from and writes results to.
type HealthStore interface {
	Lister
	RecordHealth(ctx context.Context, id string, ok bool, latency time.Duration, at time.Time) error
}

// Doer sends probe requests; *upstream.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type ProberOptions struct {
	Concurrency int
	Timeout     time.Duration
	// OnResult is called after each probe, e.g. to update a gauge.
	OnResult func(o Origin, ok bool)
	Now      func() time.Time
	Log      zerolog.Logger
}

// Prober checks every origin's health path with bounded concurrency.
type Prober struct {
	store       HealthStore
	client      Doer
	concurrency int
	timeout     time.Duration
	onResult    func(Origin, bool)
	now         func() time.Time
	log         zerolog.Logger
}

func NewProber(store HealthStore, client Doer, opts ProberOptions) *Prober {
	p := &Prober{
		store:       store,
		client:      client,
		concurrency: opts.Concurrency,
		timeout:     opts.Timeout,
		onResult:    opts.OnResult,
		now:         opts.Now,
		log:         opts.Log.With().Str("component", "prober").Logger(),
	}
	if p.concurrency <= 0 {
		p.concurrency = 8
	}
	if p.timeout <= 0 {
		p.timeout = 5 * time.Second
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// RunChecks probes all origins once and returns how many were healthy.
func (p *Prober) RunChecks(ctx context.Context) (int, error) {
	list, err := p.store.List(ctx)
	if err != nil {
		return 0, err
	}
	sem := make(chan struct{}, p.concurrency)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		healthy int
	)
	for _, o := range list {
		wg.Add(1)
		sem <- struct{}{}
		go func(o Origin) {
			defer wg.Done()
			defer func() { <-sem }()
			ok, latency := p.probe(ctx, o)
			if ok {
				mu.Lock()
				healthy++
				mu.Unlock()
			}
			if p.onResult != nil {
				p.onResult(o, ok)
			}
			if err := p.store.RecordHealth(ctx, o.ID, ok, latency, p.now()); err != nil {
				p.log.Error().Err(err).Str("origin", o.Host).Msg("record health")
			}
		}(o)
	}
	wg.Wait()
	return healthy, nil
}

// Run probes every interval until ctx is done.
func (p *Prober) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		healthy, err := p.RunChecks(ctx)
		if err != nil {
			p.log.Error().Err(err).Msg("load origins")
		} else {
			p.log.Debug().Int("healthy", healthy).Msg("health round done")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Prober) probe(ctx context.Context, o Origin) (bool, time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	path := o.HealthPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+o.Host+path, nil)
	if err != nil {
		return false, 0
	}
	if o.Referer != "" {
		req.Header.Set("Referer", o.Referer)
	}
	if o.UserAgent != "" {
		req.Header.Set("User-Agent", o.UserAgent)
	}
	start := p.now()
	resp, err := p.client.Do(req)
	latency := p.now().Sub(start)
	if err != nil {
		return false, latency
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500, latency
}
