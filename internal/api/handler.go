// Package api serves the document HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/example/treedoc/internal/collab"
	"github.com/example/treedoc/internal/crdt"
	"github.com/example/treedoc/internal/types"
)

// ErrBadRequest marks a request body that could not be decoded.
var ErrBadRequest = errors.New("bad request")

// HealthFunc reports whether the process dependencies are reachable.
type HealthFunc func(ctx context.Context) error

// InsertRequest is the body of an insert call.
type InsertRequest struct {
	Value    string `json:"value"`
	ParentID string `json:"parentId"`
}

// InsertResponse carries the id assigned to the new character.
type InsertResponse struct {
	ID string `json:"id"`
}

// DeleteRequest names the node to delete either by its composite id or by
// site and clock.
type DeleteRequest struct {
	ID     string `json:"id,omitempty"`
	SiteID string `json:"siteId,omitempty"`
	Clock  int64  `json:"clock,omitempty"`
}

// DeleteResponse reports whether the delete changed the document.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// MergeRequest carries nodes and tombstones from another replica.
type MergeRequest struct {
	Nodes   []crdt.Node   `json:"nodes"`
	Deleted []crdt.NodeID `json:"deleted"`
}

// MergeResponse counts what the merge changed.
type MergeResponse struct {
	Inserted   int `json:"inserted"`
	Tombstoned int `json:"tombstoned"`
	Rejected   int `json:"rejected,omitempty"`
}

// PositionResponse is the node at a visible index, or the root when the index
// is out of range.
type PositionResponse struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
}

// Handler routes the document API.
type Handler struct {
	svc             *collab.Service
	defaultDocument types.DocumentID
	health          HealthFunc
	logger          zerolog.Logger
}

// NewHandler builds the API handler. health may be nil.
func NewHandler(svc *collab.Service, defaultDocument string, health HealthFunc, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:             svc,
		defaultDocument: types.DocumentID(defaultDocument),
		health:          health,
		logger:          logger,
	}
}

// Register mounts the API routes on r.
func (h *Handler) Register(r *mux.Router) {
	docs := r.PathPrefix("/api/crdt/documents/{doc}").Subrouter()
	docs.HandleFunc("/document", h.getDocument).Methods(http.MethodGet)
	docs.HandleFunc("/insert", h.insert).Methods(http.MethodPost)
	docs.HandleFunc("/delete", h.delete).Methods(http.MethodPost)
	docs.HandleFunc("/merge", h.merge).Methods(http.MethodPost)
	docs.HandleFunc("/nodes", h.nodes).Methods(http.MethodGet)
	docs.HandleFunc("/deleted", h.deleted).Methods(http.MethodGet)
	docs.HandleFunc("/position/{index}", h.position).Methods(http.MethodGet)
	docs.Use(instrument)

	legacy := r.PathPrefix("/api/crdt").Subrouter()
	legacy.HandleFunc("/document", h.getDocument).Methods(http.MethodGet)
	legacy.HandleFunc("/insert", h.insert).Methods(http.MethodPost)
	legacy.HandleFunc("/delete", h.delete).Methods(http.MethodPost)
	legacy.Use(instrument)

	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
}

// Router returns a new router with only the API routes.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	h.Register(r)
	return r
}

func (h *Handler) document(r *http.Request) types.DocumentID {
	if doc := mux.Vars(r)["doc"]; doc != "" {
		return types.DocumentID(doc)
	}
	return h.defaultDocument
}

func (h *Handler) getDocument(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(h.svc.Engine().Document(h.document(r))))
}

func (h *Handler) insert(w http.ResponseWriter, r *http.Request) {
	var req InsertRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	parent := crdt.RootID
	if req.ParentID != "" {
		id, err := crdt.ParseNodeID(req.ParentID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		parent = id
	}

	node, err := h.svc.Insert(r.Context(), h.document(r), clientID(r), req.Value, parent)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, InsertResponse{ID: node.ID.String()})
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	var req DeleteRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	id, err := req.nodeID()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	deleted, err := h.svc.Delete(r.Context(), h.document(r), clientID(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Deleted: deleted})
}

func (h *Handler) merge(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.svc.Merge(r.Context(), h.document(r), clientID(r), req.Nodes, req.Deleted)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MergeResponse{
		Inserted:   len(res.Inserted),
		Tombstoned: len(res.Tombstoned),
		Rejected:   len(res.Rejected),
	})
}

func (h *Handler) nodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.svc.Engine().Nodes(h.document(r))
	if nodes == nil {
		nodes = []crdt.Node{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (h *Handler) deleted(w http.ResponseWriter, r *http.Request) {
	nodes := h.svc.Engine().DeletedNodes(h.document(r))
	if nodes == nil {
		nodes = []crdt.Node{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (h *Handler) position(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: index must be an integer", ErrBadRequest))
		return
	}
	id := h.svc.Engine().NodeIDAt(h.document(r), index)
	writeJSON(w, http.StatusOK, PositionResponse{Index: index, ID: id.String()})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.logger.Warn().Err(err).Msg("healthcheck failed")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	event := h.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = h.logger.Error()
	}
	event.Err(err).Str("path", r.URL.Path).Int("status", status).Msg("api request failed")
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, crdt.ErrMalformedID),
		errors.Is(err, collab.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, crdt.ErrUnknownParent):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (d DeleteRequest) nodeID() (crdt.NodeID, error) {
	if d.ID != "" {
		return crdt.ParseNodeID(d.ID)
	}
	if d.SiteID == "" || d.Clock <= 0 {
		return crdt.NodeID{}, fmt.Errorf("%w: need id or siteId and clock", crdt.ErrMalformedID)
	}
	return crdt.NodeID{Site: d.SiteID, Clock: d.Clock}, nil
}

func clientID(r *http.Request) types.ClientID {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return types.ClientID(id)
	}
	return types.ClientID("http:" + r.RemoteAddr)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		ctx, span := tracer.Start(r.Context(), r.Method+" "+route)
		defer span.End()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		apiLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
		apiRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}
