package ratelimit

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu     sync.Mutex
	counts map[string]int64
	ttls   map[string]time.Duration
	err    error
}

func newMemStore() *memStore {
	return &memStore{counts: map[string]int64{}, ttls: map[string]time.Duration{}}
}

func (m *memStore) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.counts[key]++
	return m.counts[key], nil
}

func (m *memStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttls[key] = ttl
	return nil
}

func (m *memStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ttls[key], nil
}

func TestAllowWithinAndOverLimit(t *testing.T) {
	store := newMemStore()
	l := New(store, "sign", 3, 30*time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow(ctx, "1.2.3.4"); !ok {
			t.Fatalf("request %d rejected", i+1)
		}
	}
	ok, retry := l.Allow(ctx, "1.2.3.4")
	if ok {
		t.Fatal("fourth request allowed")
	}
	if retry != 30 {
		t.Errorf("retry = %d, want 30", retry)
	}
	if ok, _ := l.Allow(ctx, "5.6.7.8"); !ok {
		t.Error("other client should have its own window")
	}
	if store.ttls["rl:sign:1.2.3.4"] != 30*time.Second {
		t.Errorf("expiry not set on first hit: %v", store.ttls)
	}
}

func TestAllowDisabled(t *testing.T) {
	tests := []struct {
		name string
		l    *Limiter
	}{
		{"nil limiter", nil},
		{"nil store", New(nil, "sign", 1, time.Minute)},
		{"zero rate", New(newMemStore(), "sign", 0, time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 10; i++ {
				if ok, _ := tt.l.Allow(context.Background(), "k"); !ok {
					t.Fatal("disabled limiter rejected a request")
				}
			}
		})
	}
}

func TestAllowFailsOpen(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("connection refused")
	l := New(store, "sign", 1, time.Minute)
	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow(context.Background(), "k"); !ok {
			t.Fatal("store error should not reject")
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := map[string]string{
		"10.0.0.1:5555": "10.0.0.1",
		"[::1]:80":      "::1",
		"10.0.0.2":      "10.0.0.2",
	}
	for addr, want := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = addr
		if got := ClientIP(r); got != want {
			t.Errorf("ClientIP(%q) = %q, want %q", addr, got, want)
		}
	}
}
