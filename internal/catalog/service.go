// Package catalog reads titles and their playable sources from Scylla and
// stores per-user watch progress.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gocql/gocql"
)

var ErrNotFound = errors.New("not found")

// HealthChecker reports whether a media host is currently reachable.
type HealthChecker interface {
	Healthy(host string) bool
}

type Options struct {
	ListTTL time.Duration
	Health  HealthChecker
	Now     func() time.Time
}

type Service struct {
	session  *gocql.Session
	keyspace string
	health   HealthChecker
	listTTL  time.Duration
	now      func() time.Time
	cache    *listCache
}

func NewService(session *gocql.Session, keyspace string, opts Options) *Service {
	s := &Service{
		session:  session,
		keyspace: keyspace,
		health:   opts.Health,
		listTTL:  opts.ListTTL,
		now:      opts.Now,
		cache:    newListCache(),
	}
	if s.listTTL <= 0 {
		s.listTTL = time.Minute
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) List(ctx context.Context, query string, limit int) ([]Title, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query = strings.ToLower(strings.TrimSpace(query))
	key := query + "|" + strconv.Itoa(limit)
	if cached, ok := s.cache.Get(key, s.now()); ok {
		return cached, nil
	}

	titles := make([]Title, 0)
	iter := s.session.Query(fmt.Sprintf(`SELECT id,kind,name,year,poster_url,metadata,created_at FROM %s.titles LIMIT ?`, s.keyspace), limit).
		WithContext(ctx).Iter()
	var t Title
	for iter.Scan(&t.ID, &t.Kind, &t.Name, &t.Year, &t.PosterURL, &t.Metadata, &t.CreatedAt) {
		if query == "" || strings.Contains(strings.ToLower(t.Name), query) {
			titles = append(titles, t)
		}
		t = Title{}
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	s.cache.Set(key, titles, s.listTTL, s.now())
	return titles, nil
}

func (s *Service) Get(ctx context.Context, id string) (Title, error) {
	uid, err := gocql.ParseUUID(id)
	if err != nil {
		return Title{}, ErrNotFound
	}
	var t Title
	err = s.session.Query(fmt.Sprintf(`SELECT id,kind,name,year,poster_url,metadata,created_at FROM %s.titles WHERE id=?`, s.keyspace), uid).
		WithContext(ctx).
		Scan(&t.ID, &t.Kind, &t.Name, &t.Year, &t.PosterURL, &t.Metadata, &t.CreatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return Title{}, ErrNotFound
	}
	if err != nil {
		return Title{}, err
	}
	return t, nil
}

// CreateTitle stores a new title and drops cached list results.
func (s *Service) CreateTitle(ctx context.Context, t Title) (Title, error) {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return Title{}, fmt.Errorf("name required")
	}
	if t.Kind == "" {
		t.Kind = "movie"
	}
	id := gocql.TimeUUID()
	t.ID = id.String()
	t.CreatedAt = s.now()
	if err := s.session.Query(fmt.Sprintf(`INSERT INTO %s.titles (id,kind,name,year,poster_url,metadata,created_at) VALUES (?,?,?,?,?,?,?)`, s.keyspace),
		id, t.Kind, t.Name, t.Year, t.PosterURL, t.Metadata, t.CreatedAt).WithContext(ctx).Exec(); err != nil {
		return Title{}, err
	}
	s.InvalidateList()
	return t, nil
}

// Sources lists a title's playable URLs, healthy origins first, then by
// ascending priority.
func (s *Service) Sources(ctx context.Context, titleID string) ([]Source, error) {
	uid, err := gocql.ParseUUID(titleID)
	if err != nil {
		return nil, ErrNotFound
	}
	sources := make([]Source, 0)
	iter := s.session.Query(fmt.Sprintf(`SELECT id,title_id,url,label,priority FROM %s.title_sources WHERE title_id=?`, s.keyspace), uid).
		WithContext(ctx).Iter()
	var src Source
	for iter.Scan(&src.ID, &src.TitleID, &src.URL, &src.Label, &src.Priority) {
		sources = append(sources, src)
		src = Source{}
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return OrderSources(sources, s.health), nil
}

// AddSource attaches a playable URL to an existing title.
func (s *Service) AddSource(ctx context.Context, titleID, rawURL, label string, priority int) (Source, error) {
	if _, err := s.Get(ctx, titleID); err != nil {
		return Source{}, err
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Source{}, fmt.Errorf("invalid source url %q", rawURL)
	}
	uid, _ := gocql.ParseUUID(titleID)
	id := gocql.TimeUUID()
	if err := s.session.Query(fmt.Sprintf(`INSERT INTO %s.title_sources (title_id,id,url,label,priority) VALUES (?,?,?,?,?)`, s.keyspace),
		uid, id, rawURL, label, priority).WithContext(ctx).Exec(); err != nil {
		return Source{}, err
	}
	return Source{ID: id.String(), TitleID: titleID, URL: rawURL, Label: label, Priority: priority, Healthy: true}, nil
}

// OrderSources marks each source's health and sorts healthy hosts first,
// then by priority. A nil checker treats every host as healthy.
func OrderSources(sources []Source, health HealthChecker) []Source {
	for i := range sources {
		sources[i].Healthy = true
		if health != nil {
			if u, err := url.Parse(sources[i].URL); err == nil {
				sources[i].Healthy = health.Healthy(u.Hostname())
			}
		}
	}
	sort.SliceStable(sources, func(i, j int) bool {
		if sources[i].Healthy != sources[j].Healthy {
			return sources[i].Healthy
		}
		return sources[i].Priority < sources[j].Priority
	})
	return sources
}

func (s *Service) UpdateProgress(ctx context.Context, userID, titleID string, pos int64) error {
	uid, err := gocql.ParseUUID(userID)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}
	tid, err := gocql.ParseUUID(titleID)
	if err != nil {
		return ErrNotFound
	}
	if pos < 0 {
		pos = 0
	}
	return s.session.Query(fmt.Sprintf(`UPDATE %s.play_state SET position_ms=?, updated_at=? WHERE user_id=? AND title_id=?`, s.keyspace),
		pos, s.now(), uid, tid).WithContext(ctx).Exec()
}

func (s *Service) Progress(ctx context.Context, userID, titleID string) (Progress, error) {
	uid, err := gocql.ParseUUID(userID)
	if err != nil {
		return Progress{}, fmt.Errorf("invalid user id: %w", err)
	}
	tid, err := gocql.ParseUUID(titleID)
	if err != nil {
		return Progress{}, ErrNotFound
	}
	p := Progress{TitleID: titleID}
	err = s.session.Query(fmt.Sprintf(`SELECT position_ms,updated_at FROM %s.play_state WHERE user_id=? AND title_id=?`, s.keyspace), uid, tid).
		WithContext(ctx).
		Scan(&p.PositionMs, &p.UpdatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return p, nil
	}
	if err != nil {
		return Progress{}, err
	}
	return p, nil
}

// InvalidateList drops cached list results.
func (s *Service) InvalidateList() {
	s.cache.Clear()
}
