package playback

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/example/treedoc/internal/storage"
	"github.com/example/treedoc/internal/types"
)

// HTTPHandler serves GET /documents/{doc}/state?at_op=...&at_time=...
type HTTPHandler struct {
	svc    *Service
	logger zerolog.Logger
	router *mux.Router
}

// NewHTTPHandler wraps svc. The handler can be mounted directly or its route
// registered on an existing router.
func NewHTTPHandler(svc *Service, logger zerolog.Logger) *HTTPHandler {
	h := &HTTPHandler{svc: svc, logger: logger, router: mux.NewRouter()}
	h.Register(h.router)
	return h
}

// Register adds the playback route to r.
func (h *HTTPHandler) Register(r *mux.Router) {
	r.HandleFunc("/documents/{doc}/state", h.state).Methods(http.MethodGet)
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *HTTPHandler) state(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["doc"]
	query := r.URL.Query()

	req := Request{
		Document:    types.DocumentID(docID),
		OperationID: types.OperationID(query.Get("at_op")),
	}
	if raw := query.Get("at_time"); raw != "" {
		at, err := parseTime(raw)
		if err != nil {
			http.Error(w, "invalid at_time", http.StatusBadRequest)
			return
		}
		req.AtTime = &at
	}

	resp, err := h.svc.Playback(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrInvalidRequest):
			status = http.StatusBadRequest
		case errors.Is(err, storage.ErrNotFound):
			status = http.StatusNotFound
		}
		ev := h.logger.Warn()
		if status == http.StatusInternalServerError {
			ev = h.logger.Error()
		}
		ev.Err(err).Str("document", docID).Int("status", status).Msg("playback failed")
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error().Err(err).Msg("encode playback response failed")
	}
}

// parseTime accepts RFC 3339 or unix milliseconds.
func parseTime(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}
