package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"cinerelay/internal/auth"
	"cinerelay/internal/catalog"
	"cinerelay/internal/db"
	"cinerelay/internal/origins"
)

type userStore interface {
	Authenticate(ctx context.Context, email, password string) (db.User, error)
	Create(ctx context.Context, email, password, role string) error
}

type catalogStore interface {
	List(ctx context.Context, query string, limit int) ([]catalog.Title, error)
	Get(ctx context.Context, id string) (catalog.Title, error)
	CreateTitle(ctx context.Context, t catalog.Title) (catalog.Title, error)
	Sources(ctx context.Context, titleID string) ([]catalog.Source, error)
	AddSource(ctx context.Context, titleID, rawURL, label string, priority int) (catalog.Source, error)
	UpdateProgress(ctx context.Context, userID, titleID string, pos int64) error
	Progress(ctx context.Context, userID, titleID string) (catalog.Progress, error)
}

type originAdmin interface {
	List(ctx context.Context) ([]origins.Origin, error)
	Get(ctx context.Context, id string) (origins.Origin, error)
	Create(ctx context.Context, o origins.Origin) (origins.Origin, error)
	Update(ctx context.Context, id string, o origins.Origin) error
	Delete(ctx context.Context, id string) error
}

// streamIssuer turns a raw source URL into a relay stream URL for the caller.
type streamIssuer interface {
	Issue(r *http.Request, raw string) (string, time.Time, error)
}

// refresher reloads the origin snapshot after an admin change.
type refresher interface {
	Refresh(ctx context.Context) error
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func handleLogin(users userStore, authSvc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errorJSON(w, http.StatusBadRequest, "invalid body")
			return
		}
		user, err := users.Authenticate(r.Context(), req.Email, req.Password)
		if err != nil {
			errorJSON(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		access, refresh, err := authSvc.GenerateTokens(user.ID, user.Role)
		if err != nil {
			errorJSON(w, http.StatusInternalServerError, "token error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"access_token":  access,
			"refresh_token": refresh,
			"role":          user.Role,
		})
	}
}

func handleRefresh(authSvc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errorJSON(w, http.StatusBadRequest, "invalid body")
			return
		}
		access, refresh, err := authSvc.Refresh(req.RefreshToken)
		if err != nil {
			errorJSON(w, http.StatusUnauthorized, "invalid token")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"access_token":  access,
			"refresh_token": refresh,
		})
	}
}

func handleCreateUser(users userStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
			Role     string `json:"role"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errorJSON(w, http.StatusBadRequest, "invalid body")
			return
		}
		if req.Email == "" || req.Password == "" {
			errorJSON(w, http.StatusBadRequest, "email and password required")
			return
		}
		if req.Role == "" {
			req.Role = "user"
		}
		if err := users.Create(r.Context(), req.Email, req.Password, req.Role); err != nil {
			errorJSON(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"created": req.Email})
	}
}

func handleListMedia(svc catalogStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		items, err := svc.List(r.Context(), q, 100)
		if err != nil {
			errorJSON(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleGetMedia(svc catalogStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		item, err := svc.Get(r.Context(), id)
		if errors.Is(err, catalog.ErrNotFound) {
			errorJSON(w, http.StatusNotFound, "not found")
			return
		}
		if err != nil {
			errorJSON(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

type playableSource struct {
	ID        string `json:"id"`
	Label     string `json:"label,omitempty"`
	Priority  int    `json:"priority"`
	Healthy   bool   `json:"healthy"`
	StreamURL string `json:"stream_url"`
	Expires   int64  `json:"expires"`
}

// handleSources signs every source for the calling device so raw URLs never
// reach the browser. Sources on directHosts are returned as-is with Expires 0.
func handleSources(svc catalogStore, issuer streamIssuer, directHosts []string, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := svc.Get(r.Context(), id); err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				errorJSON(w, http.StatusNotFound, "not found")
				return
			}
			errorJSON(w, http.StatusInternalServerError, err.Error())
			return
		}
		sources, err := svc.Sources(r.Context(), id)
		if err != nil {
			errorJSON(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]playableSource, 0, len(sources))
		for _, src := range sources {
			if isDirectHost(src.URL, directHosts) {
				out = append(out, playableSource{
					ID:        src.ID,
					Label:     src.Label,
					Priority:  src.Priority,
					Healthy:   src.Healthy,
					StreamURL: src.URL,
				})
				continue
			}
			streamURL, expires, err := issuer.Issue(r, src.URL)
			if err != nil {
				log.Warn().Err(err).Str("source", src.ID).Msg("skip unsignable source")
				continue
			}
			out = append(out, playableSource{
				ID:        src.ID,
				Label:     src.Label,
				Priority:  src.Priority,
				Healthy:   src.Healthy,
				StreamURL: streamURL,
				Expires:   expires.UnixMilli(),
			})
		}
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, out)
	}
}

func isDirectHost(raw string, hosts []string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func handleUpdateProgress(svc catalogStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := auth.ClaimsFromContext(r.Context())
		var req struct {
			TitleID    string `json:"title_id"`
			PositionMs int64  `json:"position_ms"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errorJSON(w, http.StatusBadRequest, "invalid body")
			return
		}
		if req.TitleID == "" {
			errorJSON(w, http.StatusBadRequest, "title_id required")
			return
		}
		err := svc.UpdateProgress(r.Context(), claims.UserID, req.TitleID, req.PositionMs)
		if errors.Is(err, catalog.ErrNotFound) {
			errorJSON(w, http.StatusNotFound, "not found")
			return
		}
		if err != nil {
			errorJSON(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func handleGetProgress(svc catalogStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := auth.ClaimsFromContext(r.Context())
		p, err := svc.Progress(r.Context(), claims.UserID, chi.URLParam(r, "id"))
		if errors.Is(err, catalog.ErrNotFound) {
			errorJSON(w, http.StatusNotFound, "not found")
			return
		}
		if err != nil {
			errorJSON(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleCreateTitle(svc catalogStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req catalog.Title
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errorJSON(w, http.StatusBadRequest, "invalid body")
			return
		}
		t, err := svc.CreateTitle(r.Context(), req)
		if err != nil {
			errorJSON(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, t)
	}
}

func handleAddSource(svc catalogStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URL      string `json:"url"`
			Label    string `json:"label"`
			Priority int    `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errorJSON(w, http.StatusBadRequest, "invalid body")
			return
		}
		src, err := svc.AddSource(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.URL), req.Label, req.Priority)
		if errors.Is(err, catalog.ErrNotFound) {
			errorJSON(w, http.StatusNotFound, "not found")
			return
		}
		if err != nil {
			errorJSON(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, src)
	}
}

type originRequest struct {
	Host       string `json:"host"`
	Trusted    bool   `json:"trusted"`
	Referer    string `json:"referer"`
	UserAgent  string `json:"user_agent"`
	HealthPath string `json:"health_path"`
}

func (req originRequest) origin() origins.Origin {
	return origins.Origin{
		Host:       req.Host,
		Trusted:    req.Trusted,
		Referer:    req.Referer,
		UserAgent:  req.UserAgent,
		HealthPath: req.HealthPath,
	}
}

func reloadOrigins(r *http.Request, reg refresher) {
	if err := reg.Refresh(r.Context()); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("origin refresh after admin change")
	}
}

func handleListOrigins(store originAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := store.List(r.Context())
		if err != nil {
			errorJSON(w, http.StatusInternalServerError, err.Error())
			return
		}
		if list == nil {
			list = []origins.Origin{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleCreateOrigin(store originAdmin, reg refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req originRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errorJSON(w, http.StatusBadRequest, "invalid body")
			return
		}
		if origins.NormalizeHost(req.Host) == "" {
			errorJSON(w, http.StatusBadRequest, "host required")
			return
		}
		o, err := store.Create(r.Context(), req.origin())
		if err != nil {
			errorJSON(w, http.StatusInternalServerError, err.Error())
			return
		}
		reloadOrigins(r, reg)
		writeJSON(w, http.StatusCreated, o)
	}
}

func handleUpdateOrigin(store originAdmin, reg refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req originRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errorJSON(w, http.StatusBadRequest, "invalid body")
			return
		}
		id := chi.URLParam(r, "id")
		err := store.Update(r.Context(), id, req.origin())
		if errors.Is(err, origins.ErrNotFound) {
			errorJSON(w, http.StatusNotFound, "not found")
			return
		}
		if err != nil {
			errorJSON(w, http.StatusInternalServerError, err.Error())
			return
		}
		reloadOrigins(r, reg)
		o, err := store.Get(r.Context(), id)
		if err != nil {
			errorJSON(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, o)
	}
}

func handleDeleteOrigin(store originAdmin, reg refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := store.Delete(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, origins.ErrNotFound) {
			errorJSON(w, http.StatusNotFound, "not found")
			return
		}
		if err != nil {
			errorJSON(w, http.StatusInternalServerError, err.Error())
			return
		}
		reloadOrigins(r, reg)
		w.WriteHeader(http.StatusNoContent)
	}
}
