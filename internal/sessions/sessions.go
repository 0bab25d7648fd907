package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helioslabs/ctxd/models"
)

/*
	The session registry tracks every authenticated connection. It owns
	the Session objects outright; the broadcast engine only ever sees a
	momentary snapshot of live sessions, so removing one mid-cycle never
	invalidates another's delivery.

	Idle reaping is one periodic sweep over the map rather than a timer
	per session.
*/

var ErrRegistryFull = errors.New("session registry full")

// Transport is the bidirectional channel to one client. Implementations
// must make Send safe to call concurrently with Close.
type Transport interface {
	// Send queues one outbound frame. It returns an error when the
	// client cannot accept the frame within the context deadline.
	Send(ctx context.Context, payload []byte) error
	// Close tears the connection down with a close code and reason.
	Close(code int, reason string) error
}

type Session struct {
	ID              string
	Principal       models.Principal
	Transport       Transport
	AuthenticatedAt time.Time

	mu               sync.Mutex
	lastActivity     time.Time
	credentialExpiry time.Time
}

func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SetCredentialExpiry replaces the session credential's expiry after a
// successful refresh_token exchange.
func (s *Session) SetCredentialExpiry(t time.Time) {
	s.mu.Lock()
	s.credentialExpiry = t
	s.mu.Unlock()
}

func (s *Session) CredentialExpiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credentialExpiry
}

type Config struct {
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	MaxConnections int
}

type Registry struct {
	logger *slog.Logger
	cfg    Config

	mu       sync.RWMutex
	sessions map[string]*Session

	now func() time.Time
}

func NewRegistry(logger *slog.Logger, cfg Config) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Registry{
		logger:   logger,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Register creates and tracks a session for an authenticated principal.
func (r *Registry) Register(principal models.Principal, transport Transport, credentialExpiry time.Time) (*Session, error) {
	now := r.now()
	session := &Session{
		ID:               uuid.NewString(),
		Principal:        principal,
		Transport:        transport,
		AuthenticatedAt:  now,
		lastActivity:     now,
		credentialExpiry: credentialExpiry,
	}

	r.mu.Lock()
	if r.cfg.MaxConnections > 0 && len(r.sessions) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		return nil, ErrRegistryFull
	}
	r.sessions[session.ID] = session
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("session registered",
		"session_id", session.ID,
		"user_id", principal.UserID,
		"role", principal.Role,
		"active_sessions", count,
	)
	return session, nil
}

// Remove drops a session from the registry. Returns false when the
// session was already gone (concurrent removal is routine: broadcast
// failure and read-pump teardown race for it).
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if ok {
		r.logger.Info("session removed", "session_id", id, "active_sessions", count)
	}
	return ok
}

// Touch records inbound activity for a session.
func (r *Registry) Touch(id string) {
	r.mu.RLock()
	session, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		session.Touch(r.now())
	}
}

// List returns a momentary snapshot of live sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RunSweeper reaps idle sessions until the context is cancelled.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := r.now().Add(-r.cfg.IdleTimeout)
	for _, session := range r.List() {
		if session.LastActivity().After(cutoff) {
			continue
		}
		if r.Remove(session.ID) {
			r.logger.Info("idle session swept",
				"session_id", session.ID,
				"user_id", session.Principal.UserID,
				"last_activity", session.LastActivity(),
			)
			if err := session.Transport.Close(CloseIdleTimeout, "idle timeout"); err != nil {
				r.logger.Debug("transport close after sweep failed", "session_id", session.ID, "error", err)
			}
		}
	}
}

// Close codes on the 4xxx application range; 4401/4402 let a client
// distinguish a credential it should refresh from one it must replace.
const (
	CloseInvalidCredential = 4401
	CloseExpiredCredential = 4402
	CloseIdleTimeout       = 4408
	CloseSlowConsumer      = 4409
)
