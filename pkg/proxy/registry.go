// Copyright 2024-2026 Aiku AI

package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// controlRoomSetupTimeout bounds the background pass that opens bridge
// bot control rooms after a session comes up.
const controlRoomSetupTimeout = 30 * time.Second

type dialFunc func(ctx context.Context, cfg *Config, userID id.UserID, accessToken string, log zerolog.Logger) (*Session, error)
type loginFunc func(ctx context.Context, homeserverURL, username, password string) (*mautrix.RespLogin, error)
type registerFunc func(ctx context.Context, homeserverURL, username, password string) (*mautrix.RespRegister, error)

// Registry owns at most one Session per Matrix user. Concurrent requests
// for the same user's session are collapsed into a single dial, and a
// fresh login replaces (and stops) whatever session the user had before.
type Registry struct {
	cfg    *Config
	live   *LiveRegistry
	fanout *Fanout
	log    zerolog.Logger

	dial     dialFunc
	login    loginFunc
	register registerFunc

	joiner *autoJoiner
	group  singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[id.UserID]*Session
}

// NewRegistry builds a registry and starts its auto-join worker.
func NewRegistry(cfg *Config, live *LiveRegistry, fanout *Fanout, log zerolog.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:      cfg,
		live:     live,
		fanout:   fanout,
		log:      log.With().Str("component", "registry").Logger(),
		dial:     dialSession,
		login:    loginPassword,
		register: registerAccount,
		joiner:   newAutoJoiner(cfg, live, log),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[id.UserID]*Session),
	}
	go r.joiner.run(ctx)
	return r
}

// Login authenticates against the homeserver with username and password
// and installs a fresh session for the resulting user, replacing any
// session that user already had.
func (r *Registry) Login(ctx context.Context, username, password string) (*Session, error) {
	resp, err := r.login(ctx, r.cfg.HomeserverURL, username, password)
	if err != nil {
		return nil, err
	}
	session, err := r.dial(ctx, r.cfg, resp.UserID, resp.AccessToken, r.log)
	if err != nil {
		return nil, err
	}
	r.install(resp.UserID, session)
	r.wire(session)
	go r.ensureControlRooms(session)
	return session, nil
}

// Register creates a new account on the homeserver, dials its session,
// and opens the per-platform control rooms for it.
func (r *Registry) Register(ctx context.Context, username, password string) (*Session, error) {
	resp, err := r.register(ctx, r.cfg.HomeserverURL, username, password)
	if err != nil {
		return nil, err
	}
	session, err := r.dial(ctx, r.cfg, resp.UserID, resp.AccessToken, r.log)
	if err != nil {
		return nil, err
	}
	r.install(resp.UserID, session)
	r.wire(session)
	go r.ensureControlRooms(session)
	return session, nil
}

// GetOrCreate returns the user's existing session or dials a new one with
// the supplied access token. Concurrent callers for the same user share a
// single dial.
func (r *Registry) GetOrCreate(ctx context.Context, userID id.UserID, accessToken string) (*Session, error) {
	if session, ok := r.Get(userID); ok {
		return session, nil
	}
	v, err, _ := r.group.Do(userID.String(), func() (any, error) {
		if session, ok := r.Get(userID); ok {
			return session, nil
		}
		session, err := r.dial(ctx, r.cfg, userID, accessToken, r.log)
		if err != nil {
			return nil, err
		}
		r.install(userID, session)
		r.wire(session)
		return session, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Get returns the user's session, if one is installed.
func (r *Registry) Get(userID id.UserID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[userID]
	return session, ok
}

// install stores the session under userID, stopping whichever session was
// there before so the old sync loop cannot race the new one.
func (r *Registry) install(userID id.UserID, session *Session) {
	r.mu.Lock()
	old := r.sessions[userID]
	r.sessions[userID] = session
	r.mu.Unlock()
	if old != nil {
		r.log.Debug().Str("user_id", userID.String()).Msg("Replacing existing session")
		old.Stop()
	}
}

// wire attaches the registry's shared machinery to a freshly dialed
// session: invites feed the auto-joiner, membership changes notify the
// user's live connection, and every timeline message goes to the fanout.
func (r *Registry) wire(session *Session) {
	session.wireOnce(func() {
		session.OnInvite(func(roomID id.RoomID) {
			r.joiner.enqueue(session, roomID)
		})
		session.OnRoomUpdate(func() {
			r.live.Notify(session.UserID(), roomUpdatePayload())
		})
		session.Subscribe("", func(evt *event.Event) {
			// A stalled websocket or a slow push gateway must not hold
			// up the sync loop, so delivery runs off it.
			go r.fanout.HandleEvent(session, evt)
		})
	})
}

// ensureControlRooms opens a direct room with each platform's bridge bot
// unless the session already has one. Failures are logged and skipped so
// one unreachable bridge does not block the rest.
func (r *Registry) ensureControlRooms(session *Session) {
	ctx, cancel := context.WithTimeout(r.ctx, controlRoomSetupTimeout)
	defer cancel()
	for _, platform := range Platforms() {
		botID := platform.BotUserID(r.cfg.ServerDomain)
		if roomID, ok := session.ControlRoom(botID); ok {
			r.log.Debug().
				Str("user_id", session.UserID().String()).
				Str("platform", platform.Name).
				Str("room_id", roomID.String()).
				Msg("Control room already exists")
			continue
		}
		roomID, err := session.API().CreateDirectRoom(ctx, botID)
		if err != nil {
			r.log.Warn().Err(err).
				Str("user_id", session.UserID().String()).
				Str("platform", platform.Name).
				Msg("Failed to create control room")
			continue
		}
		r.log.Info().
			Str("user_id", session.UserID().String()).
			Str("platform", platform.Name).
			Str("room_id", roomID.String()).
			Msg("Created control room")
	}
}

// StopAll stops the auto-join worker and every installed session.
func (r *Registry) StopAll() {
	r.cancel()
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.sessions = make(map[id.UserID]*Session)
	r.mu.Unlock()
	for _, session := range sessions {
		session.Stop()
	}
}
