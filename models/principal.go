package models

/*
	The principal is the resolved identity of an authenticated
	connection. It is fixed for the lifetime of a session; a
	refresh_token exchange may extend the credential expiry but
	never change who the session is.
*/

const (
	RoleAdmin  = "admin"
	RoleAgent  = "agent"
	RoleViewer = "viewer"
)

type Principal struct {
	UserID string         `json:"user_id"`
	Role   string         `json:"role"`
	Claims map[string]any `json:"claims,omitempty"`
}

// CanMutate reports whether the principal may write to the store at all.
func (p Principal) CanMutate() bool {
	return p.Role == RoleAdmin || p.Role == RoleAgent
}

// CanClearAll reports whether the principal may wipe the entire store.
func (p Principal) CanClearAll() bool {
	return p.Role == RoleAdmin
}
