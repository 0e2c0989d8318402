package intercept

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes serves the session API, mounted under /api/intercept.
func (h *Hub) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/", h.handleOpen)
	r.Get("/{id}", h.handleAwait)
	r.Delete("/{id}", h.handleClose)
	r.Post("/{id}/report", h.handleReport)
	return r
}

func (h *Hub) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EmbedURL string `json:"embed_url"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 16<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			errorJSON(w, http.StatusBadRequest, "invalid body")
			return
		}
	}
	ticket, err := h.Open(req.EmbedURL)
	if err != nil {
		errorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

type reportRequest struct {
	Via  string          `json:"via"`
	URL  string          `json:"url"`
	Data json.RawMessage `json:"data"`
}

func (h *Hub) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid body")
		return
	}
	via, ok := ParseChannel(req.Via)
	if !ok {
		errorJSON(w, http.StatusBadRequest, "unknown channel")
		return
	}
	raw := req.URL
	if raw == "" && len(req.Data) > 0 {
		raw, _ = ParseMessage(req.Data)
	}
	accepted, err := h.Report(chi.URLParam(r, "id"), via, raw)
	if errors.Is(err, ErrUnknownSession) {
		errorJSON(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})
}

// handleAwait long-polls by default; ?wait=0 answers immediately with 202
// while detection is still running.
func (h *Hub) handleAwait(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var (
		src Source
		err error
	)
	if r.URL.Query().Get("wait") == "0" {
		var done bool
		src, done, err = h.Peek(id)
		if err == nil && !done {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
			return
		}
	} else {
		src, err = h.Await(r.Context(), id)
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "found", "source": src})
	case errors.Is(err, ErrUnknownSession):
		errorJSON(w, http.StatusNotFound, "unknown session")
	case errors.Is(err, ErrTimeout):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"status": "timeout"})
	case errors.Is(err, ErrClosed):
		writeJSON(w, http.StatusGone, map[string]string{"status": "closed"})
	default:
		// client went away
		return
	}
}

func (h *Hub) handleClose(w http.ResponseWriter, r *http.Request) {
	h.Close(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
