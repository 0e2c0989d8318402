package catalog

import "time"

type Title struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Name      string            `json:"name"`
	Year      int               `json:"year,omitempty"`
	PosterURL string            `json:"poster_url,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Source is one playable URL for a title. Raw URLs are never sent to the
// browser; the client exchanges them at the sign endpoint.
type Source struct {
	ID       string `json:"id"`
	TitleID  string `json:"title_id"`
	URL      string `json:"url"`
	Label    string `json:"label,omitempty"`
	Priority int    `json:"priority"`
	Healthy  bool   `json:"healthy"`
}

type Progress struct {
	TitleID    string    `json:"title_id"`
	PositionMs int64     `json:"position_ms"`
	UpdatedAt  time.Time `json:"updated_at"`
}
