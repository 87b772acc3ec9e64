// Copyright 2024-2026 Aiku AI

package proxy

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

const autoJoinQueueSize = 64

type joinRequest struct {
	session *Session
	roomID  id.RoomID
}

// autoJoiner accepts bridge room invites on behalf of sessions. Joins are
// serialized through one worker and delayed so the bridge has time to
// finish provisioning the room before we enter it. Each (user, room) pair
// is attempted once per invite; a failed join clears the marker so the
// bridge's re-invite gets another attempt.
type autoJoiner struct {
	cfg  *Config
	live *LiveRegistry
	log  zerolog.Logger

	mu   sync.Mutex
	seen map[string]struct{}

	queue chan joinRequest
}

func newAutoJoiner(cfg *Config, live *LiveRegistry, log zerolog.Logger) *autoJoiner {
	return &autoJoiner{
		cfg:   cfg,
		live:  live,
		log:   log.With().Str("component", "autojoin").Logger(),
		seen:  make(map[string]struct{}),
		queue: make(chan joinRequest, autoJoinQueueSize),
	}
}

func joinKey(userID id.UserID, roomID id.RoomID) string {
	return string(userID) + "\x00" + string(roomID)
}

// enqueue schedules a join unless one is already pending or done for this
// user and room. When the queue is full the invite is dropped and left
// unmarked, the bridge will re-invite.
func (a *autoJoiner) enqueue(session *Session, roomID id.RoomID) {
	key := joinKey(session.UserID(), roomID)
	a.mu.Lock()
	if _, dup := a.seen[key]; dup {
		a.mu.Unlock()
		return
	}
	a.seen[key] = struct{}{}
	a.mu.Unlock()

	select {
	case a.queue <- joinRequest{session: session, roomID: roomID}:
	default:
		a.forget(key)
		a.log.Warn().
			Str("user_id", session.UserID().String()).
			Str("room_id", roomID.String()).
			Msg("Auto-join queue full, dropping invite")
	}
}

func (a *autoJoiner) forget(key string) {
	a.mu.Lock()
	delete(a.seen, key)
	a.mu.Unlock()
}

func (a *autoJoiner) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-a.queue:
			a.join(ctx, req)
		}
	}
}

func (a *autoJoiner) join(ctx context.Context, req joinRequest) {
	if err := sleepCtx(ctx, a.cfg.AutoJoinDelay()); err != nil {
		return
	}
	log := a.log.With().
		Str("user_id", req.session.UserID().String()).
		Str("room_id", req.roomID.String()).
		Logger()
	if err := req.session.API().JoinRoom(ctx, req.roomID); err != nil {
		a.forget(joinKey(req.session.UserID(), req.roomID))
		log.Warn().Err(err).Msg("Auto-join failed")
		return
	}
	log.Debug().Msg("Auto-joined room")
	a.live.Notify(req.session.UserID(), roomUpdatePayload())
}
