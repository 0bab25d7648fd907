package sessions

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helioslabs/ctxd/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	code   int
}

func (f *fakeTransport) Send(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testPrincipal(role string) models.Principal {
	return models.Principal{UserID: "user-1", Role: role}
}

func TestRegistry_RegisterRemove(t *testing.T) {
	r := NewRegistry(testLogger(), Config{})

	s1, err := r.Register(testPrincipal(models.RoleAgent), &fakeTransport{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	s2, err := r.Register(testPrincipal(models.RoleViewer), &fakeTransport{}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 2, r.Len())
	assert.NotEqual(t, s1.ID, s2.ID)

	assert.True(t, r.Remove(s1.ID))
	assert.False(t, r.Remove(s1.ID), "double remove reports already gone")
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_MaxConnections(t *testing.T) {
	r := NewRegistry(testLogger(), Config{MaxConnections: 1})

	_, err := r.Register(testPrincipal(models.RoleAgent), &fakeTransport{}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = r.Register(testPrincipal(models.RoleAgent), &fakeTransport{}, time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrRegistryFull)
}

func TestRegistry_SweepRemovesIdleSessions(t *testing.T) {
	r := NewRegistry(testLogger(), Config{IdleTimeout: time.Hour, SweepInterval: time.Hour})

	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	r.now = func() time.Time { return current }

	idleTr := &fakeTransport{}
	activeTr := &fakeTransport{}
	idle, err := r.Register(testPrincipal(models.RoleAgent), idleTr, base.Add(48*time.Hour))
	require.NoError(t, err)
	active, err := r.Register(testPrincipal(models.RoleAgent), activeTr, base.Add(48*time.Hour))
	require.NoError(t, err)

	// The active session keeps talking; the idle one goes quiet.
	current = base.Add(2 * time.Hour)
	r.Touch(active.ID)

	r.sweep()

	assert.Equal(t, 1, r.Len())
	assert.True(t, idleTr.isClosed(), "idle transport must be force-closed")
	assert.Equal(t, CloseIdleTimeout, idleTr.code)
	assert.False(t, activeTr.isClosed())

	remaining := r.List()
	require.Len(t, remaining, 1)
	assert.Equal(t, active.ID, remaining[0].ID)
	_ = idle
}

func TestRegistry_TouchUpdatesActivity(t *testing.T) {
	r := NewRegistry(testLogger(), Config{})
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	r.now = func() time.Time { return current }

	s, err := r.Register(testPrincipal(models.RoleAgent), &fakeTransport{}, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, base, s.LastActivity())

	current = base.Add(10 * time.Minute)
	r.Touch(s.ID)
	assert.Equal(t, current, s.LastActivity())
}

func TestRegistry_ListIsAMomentarySnapshot(t *testing.T) {
	r := NewRegistry(testLogger(), Config{})
	s, err := r.Register(testPrincipal(models.RoleAgent), &fakeTransport{}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	listed := r.List()
	require.Len(t, listed, 1)

	// Removing after the snapshot must not disturb iteration of it.
	r.Remove(s.ID)
	assert.Equal(t, s.ID, listed[0].ID)
	assert.Equal(t, 0, r.Len())
}

func TestSession_CredentialExpiryRefresh(t *testing.T) {
	r := NewRegistry(testLogger(), Config{})
	first := time.Now().Add(time.Hour)
	s, err := r.Register(testPrincipal(models.RoleAgent), &fakeTransport{}, first)
	require.NoError(t, err)
	assert.Equal(t, first, s.CredentialExpiry())

	next := first.Add(time.Hour)
	s.SetCredentialExpiry(next)
	assert.Equal(t, next, s.CredentialExpiry())
}
