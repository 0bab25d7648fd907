package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helioslabs/ctxd/internal/auth"
	"github.com/helioslabs/ctxd/internal/config"
	"github.com/helioslabs/ctxd/models"
	"github.com/helioslabs/ctxd/internal/sessions"
	"github.com/helioslabs/ctxd/internal/store"
	"github.com/helioslabs/ctxd/internal/tokens"
)

const testKid = "unit-test-key"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Service {
	return &config.Service{
		Listen:        "127.0.0.1:0",
		MaxTokens:     10_000,
		BytesPerToken: 1,
		Auth: config.Auth{
			CacheTTL:       time.Minute,
			FetchTimeout:   time.Second,
			ConnectTimeout: 2 * time.Second,
		},
		Sessions: config.Sessions{
			IdleTimeout:     time.Hour,
			SweepInterval:   time.Minute,
			SendBuffer:      8,
			SendTimeout:     200 * time.Millisecond,
			MaxConnections:  16,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		RateLimiters: config.RateLimiters{
			Values: config.RateLimiterConfig{Limit: 10_000, Burst: 10_000},
			System: config.RateLimiterConfig{Limit: 10_000, Burst: 10_000},
			WS:     config.RateLimiterConfig{Limit: 10_000, Burst: 10_000},
		},
	}
}

type testHarness struct {
	svc      *Service
	store    *store.Store
	registry *sessions.Registry
	signKey  ed25519.PrivateKey
	cancel   context.CancelFunc
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cfg := testConfig()
	logger := testLogger()

	verifier := auth.NewVerifier(logger, auth.Config{
		StaticKeys: map[string]ed25519.PublicKey{testKid: pub},
	})
	t.Cleanup(verifier.Stop)

	st := store.New(logger, tokens.NewSizeEstimator(cfg.BytesPerToken), cfg.MaxTokens)
	registry := sessions.NewRegistry(logger, sessions.Config{
		IdleTimeout:    cfg.Sessions.IdleTimeout,
		SweepInterval:  cfg.Sessions.SweepInterval,
		MaxConnections: cfg.Sessions.MaxConnections,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	svc := New(ctx, logger, cfg, st, registry, verifier)
	return &testHarness{svc: svc, store: st, registry: registry, signKey: priv, cancel: cancel}
}

func (h *testHarness) token(t *testing.T, userID, role string, ttl time.Duration) string {
	t.Helper()
	token, err := auth.SignToken(testKid, h.signKey, userID, role, ttl, nil)
	require.NoError(t, err)
	return token
}

func (h *testHarness) session(t *testing.T, userID, role string) (*sessions.Session, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}
	session, err := h.registry.Register(
		models.Principal{UserID: userID, Role: role},
		transport,
		time.Now().Add(time.Hour),
	)
	require.NoError(t, err)
	return session, transport
}

// fakeTransport records frames and close calls; optionally fails or
// stalls sends to exercise the failure paths.
type fakeTransport struct {
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	closeCode int
	sendErr   error
	stall     bool
}

func (f *fakeTransport) Send(ctx context.Context, payload []byte) error {
	if f.stall {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, payload)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) lastFrame() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

func (f *fakeTransport) closedWith() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

func decodeResponse(t *testing.T, raw []byte) models.Response {
	t.Helper()
	var resp models.Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp
}

func decodeError(t *testing.T, raw []byte) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp
}
