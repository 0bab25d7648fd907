package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/helioslabs/ctxd/internal/sessions"
	"github.com/helioslabs/ctxd/internal/store"
)

/*
	The broadcast engine. Mutations flip a dirty flag; the single
	broadcaster goroutine serializes one snapshot per cycle and fans
	it out to every live session concurrently. Mutations landing
	faster than cycles complete coalesce into the next cycle - the
	snapshot is always read fresh, so the last cycle after a burst
	reflects the final committed state.

	Each recipient send is independent: a slow or dead transport
	times out, gets dropped from the registry, and never surfaces an
	error to the mutating caller or delays the other recipients.
*/

type Broadcaster struct {
	logger      *slog.Logger
	store       *store.Store
	registry    *sessions.Registry
	sendTimeout time.Duration

	dirty chan struct{}
}

func NewBroadcaster(logger *slog.Logger, st *store.Store, registry *sessions.Registry, sendTimeout time.Duration) *Broadcaster {
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	return &Broadcaster{
		logger:      logger,
		store:       st,
		registry:    registry,
		sendTimeout: sendTimeout,
		dirty:       make(chan struct{}, 1),
	}
}

// Notify marks the store dirty. Never blocks; a pending cycle already
// covers this mutation.
func (b *Broadcaster) Notify() {
	select {
	case b.dirty <- struct{}{}:
	default:
	}
}

// Run drives broadcast cycles until the context is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.dirty:
			b.cycle(ctx)
		}
	}
}

func (b *Broadcaster) cycle(ctx context.Context) {
	snap := b.store.Get()
	payload, err := snapshotFrame(snap)
	if err != nil {
		b.logger.Error("failed to serialize broadcast snapshot", "error", err)
		return
	}

	targets := b.registry.List()
	if len(targets) == 0 {
		return
	}

	b.logger.Debug("broadcast cycle",
		"recipients", len(targets),
		"entry_count", snap.Metadata.EntryCount,
		"total_tokens", snap.Metadata.TotalTokens,
	)

	var wg sync.WaitGroup
	for _, session := range targets {
		wg.Add(1)
		go func(session *sessions.Session) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
			defer cancel()

			if err := session.Transport.Send(sendCtx, payload); err != nil {
				b.logger.Warn("broadcast send failed, dropping session",
					"session_id", session.ID,
					"user_id", session.Principal.UserID,
					"error", err,
				)
				if b.registry.Remove(session.ID) {
					if closeErr := session.Transport.Close(sessions.CloseSlowConsumer, "send timeout"); closeErr != nil {
						b.logger.Debug("transport close after send failure", "session_id", session.ID, "error", closeErr)
					}
				}
			}
		}(session)
	}
	wg.Wait()
}
