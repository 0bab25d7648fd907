package service

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/helioslabs/ctxd/models"
)

/*
	The HTTP collaborator surface. Same protocol shapes as the
	websocket router, same permission model, but request/response
	instead of resident. Mutations made here still fan out to every
	connected websocket session through the broadcast engine.
*/

func (s *Service) updateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !principal.CanMutate() {
		writeHTTPError(w, models.ErrTypePermission, "role may not update context")
		return
	}

	var req models.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeHTTPError(w, models.ErrTypeValidation, "malformed request body: "+err.Error())
		return
	}
	if req.Key == "" {
		writeHTTPError(w, models.ErrTypeValidation, "key is required")
		return
	}
	if len(req.Context) == 0 {
		writeHTTPError(w, models.ErrTypeValidation, "context is required")
		return
	}

	var payload any
	if err := json.Unmarshal(req.Context, &payload); err != nil {
		writeHTTPError(w, models.ErrTypeValidation, "context is not valid JSON: "+err.Error())
		return
	}

	source := req.Source
	if source == "" {
		source = principal.UserID
	}

	meta, err := s.store.Update(req.Key, payload, source, req.Priority)
	if err != nil {
		writeHTTPError(w, models.ErrTypeValidation, err.Error())
		return
	}
	writeJSON(w, models.Response{Type: models.MsgUpdateAck, Metadata: &meta})
}

func (s *Service) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	snap := s.store.Get()
	writeJSON(w, models.Response{
		Type:     models.MsgContextSnapshot,
		Data:     snap.Entries,
		Metadata: &snap.Metadata,
	})
}

func (s *Service) queryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	var filter models.QueryFilter
	q := r.URL.Query()
	if source := q.Get("source"); source != "" {
		filter.Source = &source
	}
	if raw := q.Get("min_priority"); raw != "" {
		var minPriority int
		if err := json.Unmarshal([]byte(raw), &minPriority); err != nil {
			writeHTTPError(w, models.ErrTypeValidation, "min_priority must be an integer")
			return
		}
		filter.MinPriority = &minPriority
	}

	entries := s.store.Query(filter)
	meta := s.store.Stats()
	writeJSON(w, models.Response{
		Type:     models.MsgContextEntries,
		Entries:  entries,
		Metadata: &meta,
	})
}

func (s *Service) clearHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req models.Request
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeHTTPError(w, models.ErrTypeValidation, "malformed request body: "+err.Error())
			return
		}
	}

	if len(req.Keys) == 0 {
		if !principal.CanClearAll() {
			writeHTTPError(w, models.ErrTypePermission, "clearing the entire store requires the admin role")
			return
		}
	} else if !principal.CanMutate() {
		writeHTTPError(w, models.ErrTypePermission, "role may not clear context")
		return
	}

	meta := s.store.Clear(req.Keys)
	writeJSON(w, models.Response{Type: models.MsgClearAck, Metadata: &meta})
}

func (s *Service) pingHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	meta := s.store.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":       "ok",
		"uptime":       time.Since(s.startedAt).String(),
		"sessions":     s.registry.Len(),
		"entry_count":  meta.EntryCount,
		"total_tokens": meta.TotalTokens,
		"max_tokens":   meta.MaxTokens,
	})
}

func writeJSON(w http.ResponseWriter, resp models.Response) {
	resp.Timestamp = time.Now().UTC()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
