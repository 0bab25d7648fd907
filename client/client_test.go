package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helioslabs/ctxd/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClientFor(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(&Config{
		Address: srv.URL,
		Token:   "test-token",
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(&Config{Token: "t"})
	assert.Error(t, err)

	_, err = NewClient(&Config{Address: "http://localhost:1"})
	assert.Error(t, err)
}

func TestUpdateSendsRequestAndParsesAck(t *testing.T) {
	var got models.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/ctx/update", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(models.Response{
			Type:     models.MsgUpdateAck,
			Metadata: &models.SnapshotMetadata{TotalTokens: 12, MaxTokens: 1000, EntryCount: 1},
		})
	}))
	defer srv.Close()

	c := newClientFor(t, srv)
	meta, err := c.Update(context.Background(), "task", map[string]string{"goal": "ship"}, "planner", 5)
	require.NoError(t, err)

	assert.Equal(t, "task", got.Key)
	assert.Equal(t, "planner", got.Source)
	assert.Equal(t, 5, got.Priority)
	assert.JSONEq(t, `{"goal":"ship"}`, string(got.Context))
	require.NotNil(t, meta)
	assert.Equal(t, 12, meta.TotalTokens)
}

func TestSnapshotParsesEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.Response{
			Type: models.MsgContextSnapshot,
			Data: map[string]models.Entry{
				"task": {Key: "task", Payload: json.RawMessage(`{"v":1}`), TokenCount: 2, Priority: 5, Timestamp: time.Now()},
			},
			Metadata: &models.SnapshotMetadata{TotalTokens: 2, MaxTokens: 100, EntryCount: 1},
		})
	}))
	defer srv.Close()

	c := newClientFor(t, srv)
	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Contains(t, snap.Entries, "task")
	assert.Equal(t, 1, snap.Metadata.EntryCount)
}

func TestQueryBuildsFilterParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "planner", r.URL.Query().Get("source"))
		assert.Equal(t, "5", r.URL.Query().Get("min_priority"))
		json.NewEncoder(w).Encode(models.Response{
			Type:    models.MsgContextEntries,
			Entries: []models.Entry{{Key: "a"}},
		})
	}))
	defer srv.Close()

	c := newClientFor(t, srv)
	source := "planner"
	minPriority := 5
	entries, err := c.Query(context.Background(), models.QueryFilter{Source: &source, MinPriority: &minPriority})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Key)
}

func TestStatusErrorsMapToSentinels(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrPermissionDenied},
		{http.StatusBadRequest, ErrValidation},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusServiceUnavailable, ErrUnavailable},
	}
	for _, tc := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			json.NewEncoder(w).Encode(models.ErrorResponse{
				Type:      models.MsgError,
				ErrorType: models.ErrTypeValidation,
				Message:   "nope",
			})
		}))

		c := newClientFor(t, srv)
		_, err := c.Snapshot(context.Background())
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
		srv.Close()
	}
}

func TestClearSendsKeys(t *testing.T) {
	var got models.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(models.Response{Type: models.MsgClearAck, Metadata: &models.SnapshotMetadata{}})
	}))
	defer srv.Close()

	c := newClientFor(t, srv)
	_, err := c.Clear(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Keys)
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(PingResult{Status: "ok", Sessions: 3})
	}))
	defer srv.Close()

	c := newClientFor(t, srv)
	out, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, 3, out.Sessions)
}
