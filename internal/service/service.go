package service

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/helioslabs/ctxd/internal/auth"
	"github.com/helioslabs/ctxd/internal/config"
	"github.com/helioslabs/ctxd/models"
	"github.com/helioslabs/ctxd/internal/sessions"
	"github.com/helioslabs/ctxd/internal/store"
)

/*
	The service ties the store, session registry, authenticator, and
	broadcast engine to the network: one HTTP surface for producers
	that fire single requests, one websocket surface for clients that
	stay resident and receive every snapshot.
*/

type Service struct {
	appCtx   context.Context
	cfg      *config.Service
	logger   *slog.Logger
	store    *store.Store
	registry *sessions.Registry
	verifier *auth.Verifier

	mux         *http.ServeMux
	upgrader    websocket.Upgrader
	broadcaster *Broadcaster

	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]

	startedAt time.Time
}

func New(
	ctx context.Context,
	logger *slog.Logger,
	cfg *config.Service,
	st *store.Store,
	registry *sessions.Registry,
	verifier *auth.Verifier,
) *Service {

	rateLimiters := make(map[string]*ttlcache.Cache[string, *rate.Limiter])
	for _, category := range []string{"values", "system", "ws"} {
		cache := ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go cache.Start()
		rateLimiters[category] = cache
	}

	svc := &Service{
		appCtx:   ctx,
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: registry,
		verifier: verifier,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Sessions.ReadBufferSize,
			WriteBufferSize: cfg.Sessions.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				logger.Debug("websocket CheckOrigin", "origin", r.Header.Get("Origin"), "host", r.Host)
				return true
			},
		},
		rateLimiters: rateLimiters,
	}

	svc.broadcaster = NewBroadcaster(
		logger.With("component", "broadcaster"),
		st,
		registry,
		cfg.Sessions.SendTimeout,
	)
	st.OnMutation(svc.broadcaster.Notify)

	return svc
}

func (s *Service) routes() {
	s.mux.Handle("/api/v1/ctx/ws", s.rateLimitMiddleware(http.HandlerFunc(s.wsHandler), "ws"))
	s.mux.Handle("/api/v1/ctx/update", s.rateLimitMiddleware(http.HandlerFunc(s.updateHandler), "values"))
	s.mux.Handle("/api/v1/ctx/snapshot", s.rateLimitMiddleware(http.HandlerFunc(s.snapshotHandler), "values"))
	s.mux.Handle("/api/v1/ctx/query", s.rateLimitMiddleware(http.HandlerFunc(s.queryHandler), "values"))
	s.mux.Handle("/api/v1/ctx/clear", s.rateLimitMiddleware(http.HandlerFunc(s.clearHandler), "system"))
	s.mux.Handle("/api/v1/ctx/ping", s.rateLimitMiddleware(http.HandlerFunc(s.pingHandler), "system"))
}

// Run serves until the app context is cancelled.
func (s *Service) Run() error {
	s.routes()

	go s.broadcaster.Run(s.appCtx)
	go s.registry.RunSweeper(s.appCtx)

	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.mux,
	}

	go func() {
		<-s.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
	}()

	s.startedAt = time.Now()
	s.logger.Info("starting server",
		"listen", s.cfg.Listen,
		"tls_enabled", s.cfg.TLS.Cert != "" && s.cfg.TLS.Key != "",
		"max_tokens", s.cfg.MaxTokens,
	)

	var err error
	if s.cfg.TLS.Cert != "" && s.cfg.TLS.Key != "" {
		srv.TLSConfig = &tls.Config{}
		err = srv.ListenAndServeTLS(s.cfg.TLS.Cert, s.cfg.TLS.Key)
	} else {
		s.logger.Info("TLS cert or key not specified in config, serving plain HTTP")
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return err
	}

	for _, session := range s.registry.List() {
		s.registry.Remove(session.ID)
		if closeErr := session.Transport.Close(websocket.CloseGoingAway, "server shutting down"); closeErr != nil {
			s.logger.Debug("transport close on shutdown failed", "session_id", session.ID, "error", closeErr)
		}
	}
	for _, limiter := range s.rateLimiters {
		limiter.Stop()
	}

	s.logger.Info("server stopped")
	return nil
}

// bearerToken pulls the credential from the Authorization header or,
// for browser websocket clients that cannot set headers, from the
// access_token query parameter.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

func (s *Service) getRemoteAddress(r *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		s.logger.Debug("could not split host and port from remote address", "remote_addr", r.RemoteAddr, "error", err)
		remoteIP = r.RemoteAddr
	}
	return remoteIP
}

func (s *Service) getRateLimiter(category string, r *http.Request) *rate.Limiter {
	limiterCategory, ok := s.rateLimiters[category]
	if !ok {
		limiterCategory = s.rateLimiters["system"]
	}
	ip := s.getRemoteAddress(r)
	limiterItem := limiterCategory.Get(ip)
	if limiterItem == nil {
		var rlConfig config.RateLimiterConfig
		switch category {
		case "values":
			rlConfig = s.cfg.RateLimiters.Values
		case "ws":
			rlConfig = s.cfg.RateLimiters.WS
		default:
			rlConfig = s.cfg.RateLimiters.System
		}
		limiter := rate.NewLimiter(rate.Limit(rlConfig.Limit), rlConfig.Burst)
		limiterItem = limiterCategory.Set(ip, limiter, time.Minute)
	}
	return limiterItem.Value()
}

func (s *Service) rateLimitMiddleware(next http.Handler, category string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := s.getRateLimiter(category, r)
		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			s.logger.Warn("rate limit exceeded", "category", category, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

			retryAfterSeconds := math.Ceil(delay.Seconds())
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfterSeconds))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate verifies the request credential and writes the protocol
// error on failure.
func (s *Service) authenticate(w http.ResponseWriter, r *http.Request) (models.Principal, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Auth.ConnectTimeout)
	defer cancel()

	principal, _, err := s.verifier.Verify(ctx, bearerToken(r))
	if err != nil {
		s.logger.Debug("request authentication failed", "path", r.URL.Path, "error", err)
		writeHTTPError(w, models.ErrTypeAuthentication, authErrorMessage(err))
		return models.Principal{}, false
	}
	return principal, true
}

func authErrorMessage(err error) string {
	if auth.IsRetryable(err) {
		return "expired credential"
	}
	return "invalid or missing credential"
}
