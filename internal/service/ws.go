package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/helioslabs/ctxd/internal/auth"
	"github.com/helioslabs/ctxd/models"
	"github.com/helioslabs/ctxd/internal/sessions"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 1024 * 1024         // Maximum message size allowed from peer.
)

// wsConn is one live websocket connection. It is the Transport the
// session registry hands to the broadcast engine: Send enqueues onto
// the buffered channel the writePump drains, so a stalled peer backs
// up only its own channel.
type wsConn struct {
	conn    *websocket.Conn
	send    chan []byte
	service *Service
	session *sessions.Session
	limiter *rate.Limiter

	closeOnce sync.Once
	done      chan struct{}
}

var _ sessions.Transport = (*wsConn)(nil)

func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		if writeErr := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); writeErr != nil {
			err = writeErr
		}
		if closeErr := c.conn.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

// wsHandler authenticates the upgrade request and starts the pumps.
// Credential failures are delivered as application close codes after
// the upgrade so clients can tell an expired credential (retryable
// via a fresh token) from an invalid one.
func (s *Service) wsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Auth.ConnectTimeout)
	defer cancel()

	principal, expiry, authErr := s.verifier.Verify(ctx, bearerToken(r))
	if authErr != nil && errors.Is(authErr, auth.ErrKeySetUnavailable) {
		s.logger.Error("cannot authenticate websocket connect, key set unavailable", "error", authErr)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade websocket connection", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	if authErr != nil {
		code := sessions.CloseInvalidCredential
		reason := "invalid credential"
		if auth.IsRetryable(authErr) {
			code = sessions.CloseExpiredCredential
			reason = "expired credential"
		}
		s.logger.Info("rejecting websocket connection",
			"remote_addr", conn.RemoteAddr().String(),
			"reason", reason,
		)
		deadline := time.Now().Add(writeWait)
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		conn.Close()
		return
	}

	ws := &wsConn{
		conn:    conn,
		send:    make(chan []byte, s.cfg.Sessions.SendBuffer),
		service: s,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.RateLimiters.WS.Limit), s.cfg.RateLimiters.WS.Burst),
		done:    make(chan struct{}),
	}

	session, err := s.registry.Register(principal, ws, expiry)
	if err != nil {
		s.logger.Warn("rejecting websocket connection, registry full", "remote_addr", conn.RemoteAddr().String())
		deadline := time.Now().Add(writeWait)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"), deadline)
		conn.Close()
		return
	}
	ws.session = session

	s.logger.Info("websocket connection established",
		"remote_addr", conn.RemoteAddr().String(),
		"session_id", session.ID,
		"user_id", principal.UserID,
	)

	go ws.writePump()
	go ws.readPump()

	// A fresh connection gets the current snapshot immediately rather
	// than waiting for the next mutation.
	snap := s.store.Get()
	if payload, marshalErr := snapshotFrame(snap); marshalErr == nil {
		sendCtx, sendCancel := context.WithTimeout(s.appCtx, s.cfg.Sessions.SendTimeout)
		defer sendCancel()
		if sendErr := ws.Send(sendCtx, payload); sendErr != nil {
			s.logger.Debug("initial snapshot send failed", "session_id", session.ID, "error", sendErr)
		}
	}
}

// readPump pumps inbound protocol messages into the router. There is
// at most one reader per connection.
func (c *wsConn) readPump() {
	defer func() {
		c.service.dropSession(c, websocket.CloseNormalClosure, "connection closed")
		c.service.logger.Info("websocket readPump finished",
			"remote_addr", c.conn.RemoteAddr(),
			"session_id", c.session.ID,
		)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.service.logger.Error("websocket read error",
					"remote_addr", c.conn.RemoteAddr(),
					"session_id", c.session.ID,
					"error", err,
				)
			} else {
				c.service.logger.Info("websocket connection closed",
					"remote_addr", c.conn.RemoteAddr(),
					"session_id", c.session.ID,
					"error", err,
				)
			}
			return
		}

		c.service.registry.Touch(c.session.ID)

		var response []byte
		if !c.limiter.Allow() {
			response = errorFrame(models.ErrTypeValidation, "message rate exceeded, slow down")
		} else {
			response = c.service.dispatch(c.session, raw)
		}
		if response == nil {
			continue
		}

		select {
		case c.send <- response:
		case <-c.done:
			return
		default:
			// The peer is not draining even its own responses; cut it
			// loose the same way a failed broadcast send would.
			c.service.logger.Warn("response send buffer full, dropping session", "session_id", c.session.ID)
			c.service.dropSession(c, sessions.CloseSlowConsumer, "send buffer full")
			return
		}
	}
}

// writePump drains the send channel to the peer. There is at most one
// writer per connection.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.service.logger.Error("websocket write error",
					"remote_addr", c.conn.RemoteAddr(),
					"session_id", c.session.ID,
					"error", err,
				)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		case <-c.service.appCtx.Done():
			return
		}
	}
}

// dropSession removes a connection's session from the registry and
// closes the transport. Safe to call from multiple paths; only the
// first caller does the work.
func (s *Service) dropSession(c *wsConn, code int, reason string) {
	if c.session != nil {
		s.registry.Remove(c.session.ID)
	}
	if err := c.Close(code, reason); err != nil {
		s.logger.Debug("transport close failed", "error", err)
	}
}
