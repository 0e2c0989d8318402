package catalog

import (
	"reflect"
	"testing"
	"time"
)

type hostHealth map[string]bool

func (h hostHealth) Healthy(host string) bool {
	ok, known := h[host]
	return !known || ok
}

func TestOrderSources(t *testing.T) {
	in := []Source{
		{ID: "a", URL: "https://down.example/a.m3u8", Priority: 0},
		{ID: "b", URL: "https://up.example/b.mp4", Priority: 5},
		{ID: "c", URL: "https://new.example/c.mp4", Priority: 1},
		{ID: "d", URL: "https://down.example/d.mp4", Priority: -1},
	}
	got := OrderSources(in, hostHealth{"down.example": false, "up.example": true})

	var ids []string
	for _, s := range got {
		ids = append(ids, s.ID)
	}
	if want := []string{"c", "b", "d", "a"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("order = %v, want %v", ids, want)
	}
	if got[2].Healthy || !got[0].Healthy {
		t.Errorf("health flags not set: %+v", got)
	}
}

func TestOrderSourcesNilChecker(t *testing.T) {
	got := OrderSources([]Source{{ID: "x", Priority: 2}, {ID: "y", Priority: 1}}, nil)
	if got[0].ID != "y" || !got[0].Healthy || !got[1].Healthy {
		t.Errorf("got %+v", got)
	}
}

func TestListCache(t *testing.T) {
	c := newListCache()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Set("q", []Title{{ID: "1"}}, time.Minute, now)

	got, ok := c.Get("q", now.Add(30*time.Second))
	if !ok || len(got) != 1 {
		t.Fatalf("Get = %v, %v", got, ok)
	}
	got[0].ID = "mutated"
	again, _ := c.Get("q", now)
	if again[0].ID != "1" {
		t.Error("cache returned shared slice")
	}
	if _, ok := c.Get("q", now.Add(2*time.Minute)); ok {
		t.Error("expired entry returned")
	}
	c.Set("zero", []Title{{ID: "2"}}, 0, now)
	if _, ok := c.Get("zero", now); ok {
		t.Error("zero ttl entry stored")
	}
}
