package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helioslabs/ctxd/models"
)

/*
	Listener is the resident websocket surface: it holds one long-lived
	connection, receives every broadcast snapshot, and lets the caller
	issue protocol messages over the same connection.

	Snapshots are delivered on the channel returned by Listen. A caller
	that falls behind loses intermediate snapshots, never the latest:
	delivery drops stale frames rather than blocking the read loop.
*/

// Application close codes the service uses; mirrored here so callers
// can react without magic numbers.
const (
	CloseInvalidCredential = 4401
	CloseExpiredCredential = 4402
	CloseIdleTimeout       = 4408
	CloseSlowConsumer      = 4409
)

var ErrListenerClosed = errors.New("listener closed")

type Listener struct {
	cfg    *Config
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	token   string
	closed  bool
	updates chan models.Snapshot
}

func NewListener(cfg *Config) (*Listener, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}

	dialer := *websocket.DefaultDialer
	if cfg.SkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Listener{
		cfg:     cfg,
		dialer:  &dialer,
		token:   cfg.Token,
		updates: make(chan models.Snapshot, 1),
	}, nil
}

// Listen connects and pumps snapshots until the context is cancelled
// or the connection drops. The returned channel is closed when the
// pump exits; the error explains why.
func (l *Listener) Listen(ctx context.Context) (<-chan models.Snapshot, error) {
	wsAddr, err := l.websocketURL()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	token := l.token
	l.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := l.dialer.DialContext(ctx, wsAddr, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close()
		return nil, ErrListenerClosed
	}
	l.conn = conn
	l.mu.Unlock()

	go l.readLoop(ctx, conn)
	return l.updates, nil
}

func (l *Listener) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(l.updates)
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var resp models.Response
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				switch closeErr.Code {
				case CloseInvalidCredential, CloseExpiredCredential:
					l.logf("connection rejected", "code", closeErr.Code, "reason", closeErr.Text)
				case CloseIdleTimeout:
					l.logf("connection reaped for idleness")
				case CloseSlowConsumer:
					l.logf("connection dropped as slow consumer")
				}
			}
			return
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			l.logf("discarding unparseable frame", "error", err)
			continue
		}
		if resp.Type != models.MsgContextUpdate && resp.Type != models.MsgContextSnapshot {
			continue
		}

		snap := models.Snapshot{Entries: resp.Data}
		if resp.Metadata != nil {
			snap.Metadata = *resp.Metadata
		}

		// Keep only the freshest snapshot when the consumer lags.
		select {
		case l.updates <- snap:
		default:
			select {
			case <-l.updates:
			default:
			}
			select {
			case l.updates <- snap:
			default:
			}
		}
	}
}

// Send issues one protocol message over the live connection.
func (l *Listener) Send(req models.Request) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return ErrListenerClosed
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to serialize request: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// Refresh swaps the session credential for a fresh token without
// reconnecting.
func (l *Listener) Refresh(token string) error {
	l.mu.Lock()
	l.token = token
	l.mu.Unlock()
	return l.Send(models.Request{Type: models.MsgRefreshToken, Token: token})
}

func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"), deadline)
	return l.conn.Close()
}

func (l *Listener) websocketURL() (string, error) {
	parsed, err := url.Parse(l.cfg.Address)
	if err != nil {
		return "", fmt.Errorf("failed to parse address %q: %w", l.cfg.Address, err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/api/v1/ctx/ws"
	return parsed.String(), nil
}

func (l *Listener) logf(msg string, args ...any) {
	if l.cfg.Logger != nil {
		l.cfg.Logger.Info(msg, args...)
	}
}
