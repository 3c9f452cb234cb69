package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/arohanajit/clustermap/internal/cluster"
	"github.com/arohanajit/clustermap/internal/dmap"
	"github.com/arohanajit/clustermap/internal/notify"
	"github.com/arohanajit/clustermap/internal/storage"
)

// ValueRequest is the body of PUT and put-if-absent requests
type ValueRequest struct {
	Value string `json:"value"`
}

// EntryResponse describes one live entry
type EntryResponse struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Version   uint64    `json:"version"`
	Origin    string    `json:"origin"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MutationResponse reports the value a mutation replaced
type MutationResponse struct {
	Key      string `json:"key"`
	OldValue string `json:"old_value,omitempty"`
	Existed  bool   `json:"existed"`
}

// PutIfAbsentResponse reports whether the value was stored, or the value
// already present
type PutIfAbsentResponse struct {
	Key      string `json:"key"`
	Stored   bool   `json:"stored"`
	Existing string `json:"existing,omitempty"`
}

func (r *Router) handleListMaps(w http.ResponseWriter, req *http.Request) {
	names := r.maps.Names()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (r *Router) handleListEntries(w http.ResponseWriter, req *http.Request) {
	m, ok := r.mapFor(w, req)
	if !ok {
		return
	}

	entries := m.Entries()
	resp := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, toEntryResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) {
	m, ok := r.mapFor(w, req)
	if !ok {
		return
	}
	key, ok := pathVar(w, req, "key")
	if !ok {
		return
	}

	e, found := m.Entry(key)
	if !found {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponse(e))
}

func (r *Router) handlePut(w http.ResponseWriter, req *http.Request) {
	m, ok := r.mapFor(w, req)
	if !ok {
		return
	}
	key, ok := pathVar(w, req, "key")
	if !ok {
		return
	}
	var body ValueRequest
	if !r.decode(w, req, &body) {
		return
	}

	old, existed, err := m.Put(req.Context(), key, body.Value)
	if err != nil {
		r.fail(w, req, err)
		return
	}

	status := http.StatusOK
	if !existed {
		status = http.StatusCreated
	}
	writeJSON(w, status, MutationResponse{Key: key, OldValue: old, Existed: existed})
}

func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request) {
	m, ok := r.mapFor(w, req)
	if !ok {
		return
	}
	key, ok := pathVar(w, req, "key")
	if !ok {
		return
	}

	old, existed, err := m.Remove(req.Context(), key)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, MutationResponse{Key: key, OldValue: old, Existed: true})
}

func (r *Router) handlePutIfAbsent(w http.ResponseWriter, req *http.Request) {
	m, ok := r.mapFor(w, req)
	if !ok {
		return
	}
	key, ok := pathVar(w, req, "key")
	if !ok {
		return
	}
	var body ValueRequest
	if !r.decode(w, req, &body) {
		return
	}

	existing, existed, err := m.PutIfAbsent(req.Context(), key, body.Value)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	if existed {
		writeJSON(w, http.StatusConflict, PutIfAbsentResponse{Key: key, Existing: existing})
		return
	}
	writeJSON(w, http.StatusCreated, PutIfAbsentResponse{Key: key, Stored: true})
}

// handleEvents streams the map's change events as newline-delimited JSON
// until the client goes away
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	m, ok := r.mapFor(w, req)
	if !ok {
		return
	}
	kinds, err := parseKinds(req.URL.Query().Get("kinds"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, err := m.Stream(req.Context(), kinds...)
	if err != nil {
		r.fail(w, req, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			r.logger.Debug("event stream closed", zap.String("map", m.Name()), zap.Error(err))
			return
		}
		flusher.Flush()
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	response := struct {
		Status  string `json:"status"`
		NodeID  string `json:"node_id"`
		Cluster string `json:"cluster"`
	}{
		Status:  "ok",
		NodeID:  r.members.Self().ID,
		Cluster: r.members.Cluster(),
	}
	writeJSON(w, http.StatusOK, response)
}

func (r *Router) mapFor(w http.ResponseWriter, req *http.Request) (*dmap.Map, bool) {
	name, ok := pathVar(w, req, "map")
	if !ok {
		return nil, false
	}
	m, err := r.maps.Map(name)
	if err != nil {
		r.fail(w, req, err)
		return nil, false
	}
	return m, true
}

func (r *Router) decode(w http.ResponseWriter, req *http.Request, v any) bool {
	req.Body = http.MaxBytesReader(w, req.Body, r.opts.MaxPayloadSize)
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("payload too large, maximum size is %d bytes", r.opts.MaxPayloadSize))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// fail maps a domain error onto a status code
func (r *Router) fail(w http.ResponseWriter, req *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		r.logger.Error("request failed",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrEmptyKey), errors.Is(err, storage.ErrEmptyMapName):
		return http.StatusBadRequest
	case errors.Is(err, cluster.ErrClusterMismatch):
		return http.StatusConflict
	case errors.Is(err, dmap.ErrOwnerUnavailable), errors.Is(err, notify.ErrBusClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func pathVar(w http.ResponseWriter, req *http.Request, name string) (string, bool) {
	v, err := url.PathUnescape(mux.Vars(req)[name])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: %v", name, err))
		return "", false
	}
	if v == "" {
		writeError(w, http.StatusBadRequest, name+" is required")
		return "", false
	}
	return v, true
}

func parseKinds(s string) ([]notify.EventKind, error) {
	if s == "" {
		return nil, nil
	}
	var kinds []notify.EventKind
	for _, part := range strings.Split(s, ",") {
		k, ok := notify.ParseKind(strings.ToUpper(strings.TrimSpace(part)))
		if !ok {
			return nil, fmt.Errorf("unknown event kind %q", part)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func toEntryResponse(e storage.Entry) EntryResponse {
	return EntryResponse{
		Key:       e.Key,
		Value:     e.Value,
		Version:   e.Version,
		Origin:    e.Origin,
		UpdatedAt: e.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
