// Copyright 2024-2026 Aiku AI

package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// initialSyncTimeout bounds the wait for the first sync response after a
// session is created. Without the snapshot the room cache is empty and
// control-room lookups would falsely 404.
const initialSyncTimeout = 30 * time.Second

// mautrixAPI adapts *mautrix.Client to the MatrixAPI interface.
type mautrixAPI struct {
	cli *mautrix.Client
}

var _ MatrixAPI = (*mautrixAPI)(nil)

func (m *mautrixAPI) UserID() id.UserID {
	return m.cli.UserID
}

func (m *mautrixAPI) SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	resp, err := m.cli.SendText(ctx, roomID, text)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (m *mautrixAPI) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := m.cli.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (m *mautrixAPI) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := m.cli.JoinRoomByID(ctx, roomID)
	return err
}

func (m *mautrixAPI) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := m.cli.LeaveRoom(ctx, roomID)
	return err
}

func (m *mautrixAPI) CreateDirectRoom(ctx context.Context, invitee id.UserID) (id.RoomID, error) {
	resp, err := m.cli.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Invite:   []id.UserID{invitee},
		IsDirect: true,
		Preset:   "trusted_private_chat",
	})
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (m *mautrixAPI) Messages(ctx context.Context, roomID id.RoomID, from string, limit int) ([]*event.Event, string, error) {
	resp, err := m.cli.Messages(ctx, roomID, from, "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, "", err
	}
	return resp.Chunk, resp.End, nil
}

func (m *mautrixAPI) MarkRead(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	return m.cli.MarkRead(ctx, roomID, eventID)
}

func (m *mautrixAPI) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	_, err := m.cli.RedactEvent(ctx, roomID, eventID)
	return err
}

func (m *mautrixAPI) DisplayName(ctx context.Context, userID id.UserID) (string, error) {
	resp, err := m.cli.GetDisplayName(ctx, userID)
	if err != nil {
		return "", err
	}
	return resp.DisplayName, nil
}

func (m *mautrixAPI) StopSync() {
	m.cli.StopSync()
}

// dialSession opens a syncing Matrix session for an already-authenticated
// user and blocks until the initial sync snapshot has been applied.
func dialSession(ctx context.Context, cfg *Config, userID id.UserID, accessToken string, log zerolog.Logger) (*Session, error) {
	cli, err := mautrix.NewClient(cfg.HomeserverURL, userID, accessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	s := NewSession(&mautrixAPI{cli: cli}, accessToken, log)

	syncer := cli.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		s.ApplyTimeline(evt)
	})
	syncer.OnEventType(event.StateMember, func(_ context.Context, evt *event.Event) {
		s.ApplyMember(evt)
	})
	syncer.OnEventType(event.StateRoomName, func(_ context.Context, evt *event.Event) {
		s.ApplyRoomName(evt)
	})
	syncer.OnEventType(event.StateRoomAvatar, func(_ context.Context, evt *event.Event) {
		s.ApplyRoomAvatar(evt)
	})

	synced := make(chan struct{})
	var syncedOnce sync.Once
	syncer.OnSync(func(_ context.Context, resp *mautrix.RespSync, _ string) bool {
		for roomID, room := range resp.Rooms.Join {
			if room.UnreadNotifications != nil {
				s.SetUnread(roomID, room.UnreadNotifications.NotificationCount)
			}
		}
		syncedOnce.Do(func() {
			close(synced)
		})
		return true
	})

	go func() {
		if err := cli.SyncWithContext(s.ctx); err != nil && s.ctx.Err() == nil {
			s.log.Error().Err(err).Msg("Sync loop exited")
		}
	}()

	select {
	case <-synced:
		s.MarkSynced()
		return s, nil
	case <-time.After(initialSyncTimeout):
		s.Stop()
		return nil, fmt.Errorf("initial sync timed out after %s", initialSyncTimeout)
	case <-ctx.Done():
		s.Stop()
		return nil, ctx.Err()
	}
}

// loginPassword authenticates a username/password pair against the
// homeserver and returns the issued credentials.
func loginPassword(ctx context.Context, homeserverURL, username, password string) (*mautrix.RespLogin, error) {
	cli, err := mautrix.NewClient(homeserverURL, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return cli.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: username,
		},
		Password:                 password,
		InitialDeviceDisplayName: "bridgeproxy",
	})
}

// registerAccount creates a new account on the homeserver using the dummy
// auth flow and returns the issued credentials.
func registerAccount(ctx context.Context, homeserverURL, username, password string) (*mautrix.RespRegister, error) {
	cli, err := mautrix.NewClient(homeserverURL, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return cli.RegisterDummy(ctx, &mautrix.ReqRegister{
		Username:                 username,
		Password:                 password,
		InhibitLogin:             false,
		InitialDeviceDisplayName: "bridgeproxy",
	})
}
