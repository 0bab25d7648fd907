package models

import (
	"encoding/json"
	"time"
)

/*
	Wire envelopes for the websocket protocol and the HTTP collaborator
	surface. One request shape covers every message type; fields that a
	given type does not use are simply omitted.
*/

// Inbound message types.
const (
	MsgUpdateContext = "update_context"
	MsgGetContext    = "get_context"
	MsgQueryContext  = "query_context"
	MsgClearContext  = "clear_context"
	MsgSetPriority   = "set_priority"
	MsgRefreshToken  = "refresh_token"
)

// Outbound message types.
const (
	MsgContextUpdate   = "context_update"
	MsgUpdateAck       = "update_ack"
	MsgContextSnapshot = "context_snapshot"
	MsgContextEntries  = "context_entries"
	MsgClearAck        = "clear_ack"
	MsgPriorityAck     = "priority_ack"
	MsgTokenRefreshed  = "token_refreshed"
	MsgError           = "error"
)

// Error taxonomy carried in error responses.
const (
	ErrTypeValidation     = "validation_error"
	ErrTypePermission     = "permission_denied"
	ErrTypeAuthentication = "authentication_error"
)

type Request struct {
	Type        string          `json:"type"`
	Key         string          `json:"key,omitempty"`
	Context     json.RawMessage `json:"context,omitempty"`
	Source      string          `json:"source,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	Keys        []string        `json:"keys,omitempty"`
	QuerySource string          `json:"query_source,omitempty"`
	MinPriority int             `json:"min_priority,omitempty"`
	Token       string          `json:"token,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
}

type Response struct {
	Type      string            `json:"type"`
	Data      map[string]Entry  `json:"data,omitempty"`
	Entries   []Entry           `json:"entries,omitempty"`
	Metadata  *SnapshotMetadata `json:"metadata,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type ErrorResponse struct {
	Type      string `json:"type"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}
