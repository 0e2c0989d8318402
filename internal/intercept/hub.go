package intercept

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cinerelay/internal/metrics"
	"cinerelay/internal/upstream"
)

const DefaultTimeout = 30 * time.Second

var ErrInvalidEmbed = errors.New("intercept: embed url must be absolute http(s)")

// DocumentFetcher loads an embed page for the server-side scan channel.
type DocumentFetcher interface {
	FetchDocument(ctx context.Context, rawURL string, headers http.Header) (upstream.Document, error)
}

type session struct {
	id        string
	detector  *Detector
	createdAt time.Time
	expiresAt time.Time
}

// Ticket is returned when a session opens.
type Ticket struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"-"`
	Expires   int64     `json:"expires"`
}

type HubOptions struct {
	Timeout time.Duration
	// Retention keeps finished sessions around for late pollers.
	Retention    time.Duration
	ScanInterval time.Duration
	Fetcher      DocumentFetcher
	Metrics      *metrics.Metrics
	Now          func() time.Time
	Log          zerolog.Logger
}

// Hub tracks interception sessions by id.
type Hub struct {
	timeout      time.Duration
	retention    time.Duration
	scanInterval time.Duration
	fetcher      DocumentFetcher
	metrics      *metrics.Metrics
	now          func() time.Time
	log          zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func NewHub(opts HubOptions) *Hub {
	h := &Hub{
		timeout:      opts.Timeout,
		retention:    opts.Retention,
		scanInterval: opts.ScanInterval,
		fetcher:      opts.Fetcher,
		metrics:      opts.Metrics,
		now:          opts.Now,
		log:          opts.Log.With().Str("component", "intercept").Logger(),
		sessions:     make(map[string]*session),
	}
	if h.timeout <= 0 {
		h.timeout = DefaultTimeout
	}
	if h.retention <= 0 {
		h.retention = h.timeout + 5*time.Minute
	}
	if h.scanInterval <= 0 {
		h.scanInterval = 3 * time.Second
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Open starts a session. A non-empty embedURL also starts the server-side
// page scan channel.
func (h *Hub) Open(embedURL string) (Ticket, error) {
	var page *url.URL
	if embedURL != "" {
		u, err := url.Parse(embedURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return Ticket{}, ErrInvalidEmbed
		}
		page = u
	}

	id := uuid.NewString()
	log := h.log.With().Str("session", id).Logger()
	det := NewDetector(h.now, func(src Source) {
		h.metrics.Detected(string(src.Via))
		log.Info().Str("via", string(src.Via)).Str("kind", string(src.Kind)).Msg("source detected")
	})

	now := h.now()
	sess := &session{id: id, detector: det, createdAt: now, expiresAt: now.Add(h.timeout)}
	h.mu.Lock()
	h.sessions[id] = sess
	h.mu.Unlock()

	timer := time.AfterFunc(h.timeout, func() {
		if det.Expire() {
			h.metrics.InterceptTimeout()
			log.Info().Msg("no source before timeout")
		}
	})
	det.Attach(func() { timer.Stop() })

	if page != nil && h.fetcher != nil {
		ctx, cancel := context.WithCancel(context.Background())
		det.Attach(cancel)
		go h.scanLoop(ctx, det, page.String(), log)
	}
	return Ticket{ID: id, ExpiresAt: sess.expiresAt, Expires: sess.expiresAt.UnixMilli()}, nil
}

// scanLoop polls the embed page until a candidate wins or ctx is cancelled.
func (h *Hub) scanLoop(ctx context.Context, det *Detector, pageURL string, log zerolog.Logger) {
	ticker := time.NewTicker(h.scanInterval)
	defer ticker.Stop()
	for {
		doc, err := h.fetcher.FetchDocument(ctx, pageURL, http.Header{"Referer": {pageURL}})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debug().Err(err).Msg("scan embed page")
		} else {
			for _, u := range ScanDocument(doc) {
				if det.Offer(ChannelDOMScan, u) {
					return
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Hub) get(id string) (*session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return sess, nil
}

// Report offers a candidate from a client-side channel. It returns true when
// this report decided the session.
func (h *Hub) Report(id string, via Channel, rawURL string) (bool, error) {
	sess, err := h.get(id)
	if err != nil {
		return false, err
	}
	return sess.detector.Offer(via, rawURL), nil
}

// Await blocks until the session resolves. A session that ran out of time
// returns ErrTimeout; one closed while waiting returns ErrClosed.
func (h *Hub) Await(ctx context.Context, id string) (Source, error) {
	sess, err := h.get(id)
	if err != nil {
		return Source{}, err
	}
	return sess.detector.Wait(ctx)
}

// Peek reports the session state without blocking.
func (h *Hub) Peek(id string) (src Source, done bool, err error) {
	sess, err := h.get(id)
	if err != nil {
		return Source{}, false, err
	}
	select {
	case <-sess.detector.Done():
		src, found := sess.detector.Result()
		if !found {
			return Source{}, true, sess.detector.Err()
		}
		return src, true, nil
	default:
		return Source{}, false, nil
	}
}

// Close ends a session early and forgets it.
func (h *Hub) Close(id string) {
	h.mu.Lock()
	sess, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if ok {
		sess.detector.Close()
	}
}

// Run sweeps expired sessions until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.cleanupOld()
		}
	}
}

func (h *Hub) cleanupOld() int {
	now := h.now()
	var stale []*session
	h.mu.Lock()
	for id, sess := range h.sessions {
		if now.Sub(sess.createdAt) > h.retention {
			stale = append(stale, sess)
			delete(h.sessions, id)
		}
	}
	h.mu.Unlock()
	for _, sess := range stale {
		sess.detector.Close()
	}
	return len(stale)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	all := h.sessions
	h.sessions = make(map[string]*session)
	h.mu.Unlock()
	for _, sess := range all {
		sess.detector.Close()
	}
}

// Len is the number of tracked sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
