package origins

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("origin not found")

// Origin describes how the relay treats one upstream media host.
type Origin struct {
	ID          string    `json:"id"`
	Host        string    `json:"host"`
	Trusted     bool      `json:"trusted"`
	Referer     string    `json:"referer,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	HealthPath  string    `json:"health_path"`
	IsHealthy   bool      `json:"is_healthy"`
	LastChecked time.Time `json:"last_checked"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists origins in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS origins (
			id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			host text NOT NULL UNIQUE,
			trusted boolean NOT NULL DEFAULT false,
			referer text NOT NULL DEFAULT '',
			user_agent text NOT NULL DEFAULT '',
			health_path text NOT NULL DEFAULT '/',
			is_healthy boolean NOT NULL DEFAULT true,
			last_checked timestamptz NOT NULL DEFAULT now(),
			created_at timestamptz NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS origin_health_events (
			origin_id uuid NOT NULL REFERENCES origins(id) ON DELETE CASCADE,
			status text NOT NULL,
			latency_ms integer NOT NULL,
			at timestamptz NOT NULL
		);`)
	return err
}

const originColumns = `id::text,host,trusted,referer,user_agent,health_path,is_healthy,last_checked,created_at`

func scanOrigin(row pgx.Row) (Origin, error) {
	var o Origin
	err := row.Scan(&o.ID, &o.Host, &o.Trusted, &o.Referer, &o.UserAgent, &o.HealthPath, &o.IsHealthy, &o.LastChecked, &o.CreatedAt)
	return o, err
}

func (s *Store) List(ctx context.Context) ([]Origin, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+originColumns+" FROM origins ORDER BY host")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Origin
	for rows.Next() {
		o, err := scanOrigin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (Origin, error) {
	o, err := scanOrigin(s.pool.QueryRow(ctx, "SELECT "+originColumns+" FROM origins WHERE id=$1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Origin{}, ErrNotFound
	}
	return o, err
}

func (s *Store) Create(ctx context.Context, o Origin) (Origin, error) {
	o.Host = NormalizeHost(o.Host)
	if o.Host == "" {
		return Origin{}, fmt.Errorf("host required")
	}
	if o.HealthPath == "" {
		o.HealthPath = "/"
	}
	return scanOrigin(s.pool.QueryRow(ctx, `
		INSERT INTO origins (host,trusted,referer,user_agent,health_path)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING `+originColumns,
		o.Host, o.Trusted, o.Referer, o.UserAgent, o.HealthPath))
}

// Update overwrites the editable fields; empty strings keep the stored value.
func (s *Store) Update(ctx context.Context, id string, o Origin) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE origins
		SET host=COALESCE(NULLIF($1,''),host),
		    trusted=$2,
		    referer=COALESCE(NULLIF($3,''),referer),
		    user_agent=COALESCE(NULLIF($4,''),user_agent),
		    health_path=COALESCE(NULLIF($5,''),health_path)
		WHERE id=$6`,
		NormalizeHost(o.Host), o.Trusted, o.Referer, o.UserAgent, o.HealthPath, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM origins WHERE id=$1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordHealth stores a probe result and appends it to the event log.
func (s *Store) RecordHealth(ctx context.Context, id string, ok bool, latency time.Duration, at time.Time) error {
	status := "down"
	if ok {
		status = "up"
	}
	batch := &pgx.Batch{}
	batch.Queue(`UPDATE origins SET is_healthy=$1,last_checked=$2 WHERE id=$3`, ok, at, id)
	batch.Queue(`INSERT INTO origin_health_events (origin_id,status,latency_ms,at) VALUES ($1,$2,$3,$4)`,
		id, status, int(latency/time.Millisecond), at)
	return s.pool.SendBatch(ctx, batch).Close()
}

// NormalizeHost lowercases h and strips any scheme, path or port.
func NormalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.IndexAny(h, "/?#"); i >= 0 {
		h = h[:i]
	}
	if i := strings.LastIndex(h, ":"); i >= 0 && !strings.Contains(h[i:], "]") {
		h = h[:i]
	}
	return strings.Trim(h, "[]")
}
