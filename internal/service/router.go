package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/helioslabs/ctxd/internal/auth"
	"github.com/helioslabs/ctxd/models"
	"github.com/helioslabs/ctxd/internal/sessions"
	"github.com/helioslabs/ctxd/internal/store"
)

/*
	The message router: every inbound websocket frame lands here after
	authentication. Malformed or unauthorized messages produce a typed
	error response and never close the connection; only transport
	failures do that.

	Mutations go through the store, which notifies the broadcaster
	after the commit - the direct response here is the per-caller
	acknowledgement, the snapshot everyone sees rides the broadcast.
*/

func (s *Service) dispatch(session *sessions.Session, raw []byte) []byte {
	var req models.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorFrame(models.ErrTypeValidation, "malformed message: "+err.Error())
	}

	switch req.Type {
	case models.MsgUpdateContext:
		return s.handleUpdate(session.Principal, req)
	case models.MsgGetContext:
		return s.handleGet()
	case models.MsgQueryContext:
		return s.handleQuery(req)
	case models.MsgClearContext:
		return s.handleClear(session.Principal, req)
	case models.MsgSetPriority:
		return s.handleSetPriority(session.Principal, req)
	case models.MsgRefreshToken:
		return s.handleRefresh(session, req)
	case "":
		return errorFrame(models.ErrTypeValidation, "message type is required")
	default:
		return errorFrame(models.ErrTypeValidation, "unknown message type: "+req.Type)
	}
}

func (s *Service) handleUpdate(principal models.Principal, req models.Request) []byte {
	if !principal.CanMutate() {
		return errorFrame(models.ErrTypePermission, "role may not update context")
	}
	if req.Key == "" {
		return errorFrame(models.ErrTypeValidation, "key is required")
	}
	if len(req.Context) == 0 {
		return errorFrame(models.ErrTypeValidation, "context is required")
	}

	var payload any
	if err := json.Unmarshal(req.Context, &payload); err != nil {
		return errorFrame(models.ErrTypeValidation, "context is not valid JSON: "+err.Error())
	}

	source := req.Source
	if source == "" {
		source = principal.UserID
	}

	meta, err := s.store.Update(req.Key, payload, source, req.Priority)
	if err != nil {
		return errorFrame(models.ErrTypeValidation, err.Error())
	}
	return responseFrame(models.Response{Type: models.MsgUpdateAck, Metadata: &meta})
}

func (s *Service) handleGet() []byte {
	snap := s.store.Get()
	return responseFrame(models.Response{
		Type:     models.MsgContextSnapshot,
		Data:     snap.Entries,
		Metadata: &snap.Metadata,
	})
}

func (s *Service) handleQuery(req models.Request) []byte {
	var filter models.QueryFilter
	if req.QuerySource != "" {
		filter.Source = &req.QuerySource
	}
	if req.MinPriority != 0 {
		filter.MinPriority = &req.MinPriority
	}

	entries := s.store.Query(filter)
	meta := s.store.Stats()
	return responseFrame(models.Response{
		Type:     models.MsgContextEntries,
		Entries:  entries,
		Metadata: &meta,
	})
}

func (s *Service) handleClear(principal models.Principal, req models.Request) []byte {
	if len(req.Keys) == 0 {
		if !principal.CanClearAll() {
			return errorFrame(models.ErrTypePermission, "clearing the entire store requires the admin role")
		}
	} else if !principal.CanMutate() {
		return errorFrame(models.ErrTypePermission, "role may not clear context")
	}

	meta := s.store.Clear(req.Keys)
	return responseFrame(models.Response{Type: models.MsgClearAck, Metadata: &meta})
}

func (s *Service) handleSetPriority(principal models.Principal, req models.Request) []byte {
	if !principal.CanMutate() {
		return errorFrame(models.ErrTypePermission, "role may not set priority")
	}
	if req.Key == "" {
		return errorFrame(models.ErrTypeValidation, "key is required")
	}

	meta, err := s.store.SetPriority(req.Key, req.Priority)
	if err != nil {
		if store.IsErrKeyNotFound(err) {
			return errorFrame(models.ErrTypeValidation, "key not found: "+req.Key)
		}
		return errorFrame(models.ErrTypeValidation, err.Error())
	}
	return responseFrame(models.Response{Type: models.MsgPriorityAck, Metadata: &meta})
}

// handleRefresh swaps in a fresh credential for the session. The new
// credential must belong to the same subject; a session never changes
// who it is.
func (s *Service) handleRefresh(session *sessions.Session, req models.Request) []byte {
	if req.Token == "" {
		return errorFrame(models.ErrTypeValidation, "token is required")
	}

	ctx, cancel := context.WithTimeout(s.appCtx, s.cfg.Auth.ConnectTimeout)
	defer cancel()

	principal, expiry, err := s.verifier.Verify(ctx, req.Token)
	if err != nil {
		if auth.IsRetryable(err) {
			return errorFrame(models.ErrTypeAuthentication, "refreshed credential is already expired")
		}
		return errorFrame(models.ErrTypeAuthentication, "refreshed credential is invalid")
	}
	if principal.UserID != session.Principal.UserID {
		return errorFrame(models.ErrTypePermission, "refreshed credential belongs to a different subject")
	}

	session.SetCredentialExpiry(expiry)
	s.logger.Info("session credential refreshed",
		"session_id", session.ID,
		"user_id", principal.UserID,
		"expires_at", expiry,
	)
	return responseFrame(models.Response{Type: models.MsgTokenRefreshed, ExpiresAt: &expiry})
}

func responseFrame(resp models.Response) []byte {
	resp.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(resp)
	if err != nil {
		return errorFrame(models.ErrTypeValidation, "failed to encode response")
	}
	return payload
}

func snapshotFrame(snap models.Snapshot) ([]byte, error) {
	return json.Marshal(models.Response{
		Type:      models.MsgContextUpdate,
		Data:      snap.Entries,
		Metadata:  &snap.Metadata,
		Timestamp: time.Now().UTC(),
	})
}
