// Copyright 2024-2026 Aiku AI

package proxy

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixAPI is the subset of the Matrix client-server API the proxy calls on
// behalf of a user. The production implementation wraps *mautrix.Client;
// tests substitute an in-memory fake.
type MatrixAPI interface {
	UserID() id.UserID
	SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error)
	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)
	JoinRoom(ctx context.Context, roomID id.RoomID) error
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	CreateDirectRoom(ctx context.Context, invitee id.UserID) (id.RoomID, error)
	// Messages fetches timeline events backwards from the given pagination
	// token (empty for the live edge). It returns the chunk newest-first and
	// the token for the next older page, empty when the history is exhausted.
	Messages(ctx context.Context, roomID id.RoomID, from string, limit int) (chunk []*event.Event, next string, err error)
	MarkRead(ctx context.Context, roomID id.RoomID, eventID id.EventID) error
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) error
	DisplayName(ctx context.Context, userID id.UserID) (string, error)
	StopSync()
}

// RoomState is the session's cached view of one room, maintained from sync
// responses.
type RoomState struct {
	ID            id.RoomID
	Name          string
	AvatarURL     string
	Membership    event.Membership
	Members       map[id.UserID]string // joined members -> display name ("" if unset)
	UnreadCount   int
	LastMessageTS int64
}

// clone returns a deep copy safe to hand out without the session lock.
func (r *RoomState) clone() RoomState {
	cp := *r
	cp.Members = make(map[id.UserID]string, len(r.Members))
	for uid, name := range r.Members {
		cp.Members[uid] = name
	}
	return cp
}

// Subscription is a cancellable timeline listener. Cancel is idempotent.
// Every code path that takes a subscription must cancel it on exit;
// orphaned subscriptions accumulate across repeated operations on the
// same room.
type Subscription struct {
	session *Session
	id      uint64
}

// Cancel detaches the subscription from its session.
func (sub *Subscription) Cancel() {
	if sub == nil || sub.session == nil {
		return
	}
	sub.session.unsubscribe(sub.id)
}

type timelineSub struct {
	roomID id.RoomID // empty matches every room
	fn     func(*event.Event)
}

// Session is one user's live connection to the homeserver: the MatrixAPI
// handle, a sync-fed room cache, and the timeline subscription list.
type Session struct {
	api         MatrixAPI
	accessToken string
	log         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	synced   atomic.Bool

	mu    sync.RWMutex
	rooms map[id.RoomID]*RoomState

	subMu     sync.Mutex
	subs      map[uint64]*timelineSub
	nextSubID uint64

	// wiredOnce guards the one-time listener wiring done by the registry
	// (auto-join and fanout must attach exactly once per handle).
	wiredOnce sync.Once

	// handlerMu guards the handler fields: the registry wires them after
	// the sync loop is already delivering events.
	handlerMu         sync.RWMutex
	inviteHandler     func(roomID id.RoomID)
	roomUpdateHandler func()
}

// NewSession builds a session around an API handle. The caller starts sync
// separately (or, in tests, feeds events directly through the Apply methods).
func NewSession(api MatrixAPI, accessToken string, log zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		api:         api,
		accessToken: accessToken,
		log:         log.With().Str("component", "session").Str("user_id", api.UserID().String()).Logger(),
		ctx:         ctx,
		cancel:      cancel,
		rooms:       make(map[id.RoomID]*RoomState),
		subs:        make(map[uint64]*timelineSub),
	}
}

// UserID returns the Matrix user this session belongs to.
func (s *Session) UserID() id.UserID {
	return s.api.UserID()
}

// AccessToken returns the credential the session was created with.
func (s *Session) AccessToken() string {
	return s.accessToken
}

// API exposes the protocol handle for request-scoped operations.
func (s *Session) API() MatrixAPI {
	return s.api
}

// Done is closed when the session has been stopped.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Stop tears the session down: background sync is stopped and all
// subscriptions are detached. Idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.api.StopSync()
		s.subMu.Lock()
		s.subs = make(map[uint64]*timelineSub)
		s.subMu.Unlock()
		s.log.Info().Msg("Session stopped")
	})
}

// wireOnce runs fn at most once for the lifetime of this handle. The
// registry uses it to attach the auto-join coordinator and fanout listener.
func (s *Session) wireOnce(fn func()) {
	s.wiredOnce.Do(fn)
}

// OnInvite registers the handler called for each room invite addressed to
// this session's user.
func (s *Session) OnInvite(fn func(roomID id.RoomID)) {
	s.handlerMu.Lock()
	s.inviteHandler = fn
	s.handlerMu.Unlock()
}

// OnRoomUpdate registers the handler called when the joined-room list
// changes after the initial sync.
func (s *Session) OnRoomUpdate(fn func()) {
	s.handlerMu.Lock()
	s.roomUpdateHandler = fn
	s.handlerMu.Unlock()
}

// Subscribe attaches a timeline listener. An empty roomID matches events
// from every room. The listener only sees events arriving after the initial
// sync snapshot.
func (s *Session) Subscribe(roomID id.RoomID, fn func(*event.Event)) *Subscription {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSubID++
	subID := s.nextSubID
	s.subs[subID] = &timelineSub{roomID: roomID, fn: fn}
	return &Subscription{session: s, id: subID}
}

func (s *Session) unsubscribe(subID uint64) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subs, subID)
}

// SubscriberCount returns the number of attached timeline listeners.
func (s *Session) SubscriberCount() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

// MarkSynced records that the initial sync snapshot has been applied.
// Events applied before this point only seed the cache; they are not
// dispatched to subscribers.
func (s *Session) MarkSynced() {
	s.synced.Store(true)
}

// Synced reports whether the initial sync has completed.
func (s *Session) Synced() bool {
	return s.synced.Load()
}

// ApplyTimeline feeds one timeline event into the session: the room cache is
// updated and, after the initial sync, matching subscribers are notified.
func (s *Session) ApplyTimeline(evt *event.Event) {
	if evt.Type != event.EventMessage {
		return
	}
	s.mu.Lock()
	room := s.ensureRoomLocked(evt.RoomID)
	if evt.Timestamp > room.LastMessageTS {
		room.LastMessageTS = evt.Timestamp
	}
	s.mu.Unlock()

	if !s.synced.Load() {
		return
	}

	s.subMu.Lock()
	var fns []func(*event.Event)
	for _, sub := range s.subs {
		if sub.roomID == "" || sub.roomID == evt.RoomID {
			fns = append(fns, sub.fn)
		}
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(evt)
	}
}

// ApplyMember feeds one m.room.member state event into the room cache.
// Invites addressed to this session's user are forwarded to the invite
// handler regardless of sync state, matching how bridge bots invite the
// user to freshly created rooms during the very first sync.
func (s *Session) ApplyMember(evt *event.Event) {
	if evt.StateKey == nil {
		return
	}
	target := id.UserID(*evt.StateKey)
	content := evt.Content.AsMember()
	if content == nil {
		return
	}

	ownRoomChange := false
	s.mu.Lock()
	room := s.ensureRoomLocked(evt.RoomID)
	switch content.Membership {
	case event.MembershipJoin:
		room.Members[target] = content.Displayname
		if target == s.api.UserID() {
			ownRoomChange = room.Membership != event.MembershipJoin
			room.Membership = event.MembershipJoin
		}
	case event.MembershipInvite:
		if target == s.api.UserID() {
			room.Membership = event.MembershipInvite
		}
	case event.MembershipLeave, event.MembershipBan:
		delete(room.Members, target)
		if target == s.api.UserID() {
			room.Membership = content.Membership
		}
	}
	s.mu.Unlock()

	if content.Membership == event.MembershipInvite && target == s.api.UserID() {
		s.handlerMu.RLock()
		handler := s.inviteHandler
		s.handlerMu.RUnlock()
		if handler != nil {
			handler(evt.RoomID)
		}
	}
	if ownRoomChange && s.synced.Load() {
		s.handlerMu.RLock()
		handler := s.roomUpdateHandler
		s.handlerMu.RUnlock()
		if handler != nil {
			handler()
		}
	}
}

// ApplyRoomName updates the cached display name for a room.
func (s *Session) ApplyRoomName(evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.RoomNameEventContent)
	if !ok {
		return
	}
	s.mu.Lock()
	s.ensureRoomLocked(evt.RoomID).Name = content.Name
	s.mu.Unlock()
}

// ApplyRoomAvatar updates the cached avatar URL for a room.
func (s *Session) ApplyRoomAvatar(evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.RoomAvatarEventContent)
	if !ok {
		return
	}
	s.mu.Lock()
	s.ensureRoomLocked(evt.RoomID).AvatarURL = string(content.URL)
	s.mu.Unlock()
}

// SetUnread records the server-reported unread notification count.
func (s *Session) SetUnread(roomID id.RoomID, count int) {
	s.mu.Lock()
	s.ensureRoomLocked(roomID).UnreadCount = count
	s.mu.Unlock()
}

// ensureRoomLocked returns the cache entry for roomID, creating it if
// needed. Caller holds s.mu.
func (s *Session) ensureRoomLocked(roomID id.RoomID) *RoomState {
	room, ok := s.rooms[roomID]
	if !ok {
		room = &RoomState{ID: roomID, Members: make(map[id.UserID]string)}
		s.rooms[roomID] = room
	}
	return room
}

// Room returns a copy of the cached state for one room.
func (s *Session) Room(roomID id.RoomID) (RoomState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return RoomState{}, false
	}
	return room.clone(), true
}

// JoinedRooms returns copies of every room the user has joined.
func (s *Session) JoinedRooms() []RoomState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RoomState, 0, len(s.rooms))
	for _, room := range s.rooms {
		if room.Membership == event.MembershipJoin {
			out = append(out, room.clone())
		}
	}
	return out
}

// ControlRoom locates the authoritative control room for a bridge bot: a
// joined room with exactly two members, one of them the bot. The first
// match wins.
func (s *Session) ControlRoom(botID id.UserID) (id.RoomID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for roomID, room := range s.rooms {
		if room.Membership != event.MembershipJoin || len(room.Members) != 2 {
			continue
		}
		if _, ok := room.Members[botID]; ok {
			return roomID, true
		}
	}
	return "", false
}

// IsJoinedMember reports whether userID is a joined member of roomID
// according to the cache.
func (s *Session) IsJoinedMember(roomID id.RoomID, userID id.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	_, joined := room.Members[userID]
	return joined
}

// MemberDisplayName returns the cached display name of a room member.
func (s *Session) MemberDisplayName(roomID id.RoomID, userID id.UserID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return "", false
	}
	name, present := room.Members[userID]
	if !present || name == "" {
		return "", false
	}
	return name, true
}
