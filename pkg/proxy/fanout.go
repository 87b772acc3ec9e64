// Copyright 2024-2026 Aiku AI

package proxy

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Fanout routes inbound room messages to live connections and, for
// messages from bridged networks, to push notifications.
type Fanout struct {
	live   *LiveRegistry
	tokens *PushTokenStore
	pusher PushSender
	log    zerolog.Logger
}

func NewFanout(live *LiveRegistry, tokens *PushTokenStore, pusher PushSender, log zerolog.Logger) *Fanout {
	return &Fanout{
		live:   live,
		tokens: tokens,
		pusher: pusher,
		log:    log.With().Str("component", "fanout").Logger(),
	}
}

// HandleEvent delivers a timeline message from this session to the
// session's own user: a live frame unless the user authored the message,
// plus a push notification when the sender is a bridge bot or ghost and
// the user registered a token. Every session fans out only to its owner,
// so a room shared by several proxied users produces exactly one delivery
// per user. Live and push are independent channels, a user connected over
// both gets both.
func (f *Fanout) HandleEvent(session *Session, evt *event.Event) {
	msg := evt.Content.AsMessage()
	if msg == nil {
		return
	}
	owner := session.UserID()
	if evt.Sender == owner {
		return
	}
	room, ok := session.Room(evt.RoomID)
	if !ok {
		return
	}
	senderName := room.Members[evt.Sender]
	if senderName == "" {
		senderName = evt.Sender.String()
	}
	platform, fromBridge := BridgeSender(evt.Sender)

	payload := newMessagePayload{
		Type:      "new_message",
		RoomID:    evt.RoomID.String(),
		Sender:    evt.Sender.String(),
		Text:      msg.Body,
		Timestamp: evt.Timestamp,
	}
	f.live.Notify(owner, payload)

	if !fromBridge {
		return
	}
	if !session.IsJoinedMember(evt.RoomID, owner) {
		return
	}
	f.push(owner, platform, senderName, msg.Body)
}

func (f *Fanout) push(user id.UserID, platform *Platform, senderName, body string) {
	token, ok := f.tokens.Get(user)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	data := map[string]string{"platform": platform.Name}
	if err := f.pusher.Push(ctx, token, senderName, body, data); err != nil {
		f.log.Warn().Err(err).
			Str("user_id", user.String()).
			Str("platform", platform.Name).
			Msg("Push delivery failed")
	}
}
