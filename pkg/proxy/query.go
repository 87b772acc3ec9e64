// Copyright 2024-2026 Aiku AI

package proxy

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MessageEntry is a single scrollback message in API form.
type MessageEntry struct {
	EventID           string `json:"eventId"`
	Sender            string `json:"sender"`
	SenderDisplayName string `json:"senderDisplayName"`
	Text              string `json:"text"`
	Timestamp         int64  `json:"timestamp"`
	MsgType           string `json:"msgtype"`
	URL               string `json:"url,omitempty"`
	Duration          int    `json:"duration,omitempty"`
}

// LinkedAccount describes one remote network the user is connected to.
type LinkedAccount struct {
	Platform string `json:"platform"`
	Identity string `json:"identity,omitempty"`
}

// FetchMessages returns up to limit of the room's most recent messages in
// chronological order. Redacted and non-message events are dropped rather
// than rendered as tombstones, and pagination continues past them so the
// result is not shrunk by skipped events.
func FetchMessages(ctx context.Context, s *Session, roomID id.RoomID, limit int) ([]MessageEntry, error) {
	if _, ok := s.Room(roomID); !ok {
		return nil, ErrRoomNotFound
	}
	names := make(map[id.UserID]string)
	entries := make([]MessageEntry, 0, limit)
	from := ""
	for len(entries) < limit {
		chunk, next, err := s.API().Messages(ctx, roomID, from, limit)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			break
		}
		for _, evt := range chunk {
			if len(entries) >= limit {
				break
			}
			if evt.Type != event.EventMessage || evt.Unsigned.RedactedBecause != nil {
				continue
			}
			_ = evt.Content.ParseRaw(evt.Type)
			msg := evt.Content.AsMessage()
			if msg == nil {
				continue
			}
			entry := MessageEntry{
				EventID:           evt.ID.String(),
				Sender:            evt.Sender.String(),
				SenderDisplayName: resolveName(ctx, s, roomID, evt.Sender, names),
				Text:              msg.Body,
				Timestamp:         evt.Timestamp,
				MsgType:           string(msg.MsgType),
				URL:               string(msg.URL),
			}
			if msg.Info != nil {
				entry.Duration = msg.Info.Duration
			}
			entries = append(entries, entry)
		}
		if next == "" {
			break
		}
		from = next
	}
	// The server pages backwards, newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// resolveName finds a display name for sender, preferring room state and
// falling back to a profile lookup. names caches lookups for the life of
// one request.
func resolveName(ctx context.Context, s *Session, roomID id.RoomID, sender id.UserID, names map[id.UserID]string) string {
	if name, ok := names[sender]; ok {
		return name
	}
	name, ok := s.MemberDisplayName(roomID, sender)
	if !ok || name == "" {
		profileName, err := s.API().DisplayName(ctx, sender)
		if err == nil && profileName != "" {
			name = profileName
		} else {
			name = sender.String()
		}
	}
	names[sender] = name
	return name
}

const accountScanPageSize = 50

// FetchLinkedAccounts determines which platforms the session is linked to
// by reading each bridge bot's control room history. A platform counts as
// linked when the bot's most recent login confirmation is strictly newer
// than its most recent logout notice.
func FetchLinkedAccounts(ctx context.Context, cfg *Config, s *Session) ([]LinkedAccount, error) {
	accounts := make([]LinkedAccount, 0, len(Platforms()))
	for _, platform := range Platforms() {
		botID := platform.BotUserID(cfg.ServerDomain)
		roomID, ok := s.ControlRoom(botID)
		if !ok {
			continue
		}
		identity, linked, err := scanControlRoom(ctx, cfg, s, roomID, botID)
		if err != nil {
			return nil, err
		}
		if linked {
			accounts = append(accounts, LinkedAccount{Platform: platform.Name, Identity: identity})
		}
	}
	return accounts, nil
}

// scanControlRoom walks the control room backwards looking for the bot's
// latest login and logout markers. Events arrive newest first, so the
// first hit of each marker is the one that matters.
func scanControlRoom(ctx context.Context, cfg *Config, s *Session, roomID id.RoomID, botID id.UserID) (identity string, linked bool, err error) {
	var loginTS, logoutTS int64
	from := ""
	remaining := cfg.AccountScan()
	for remaining > 0 {
		pageSize := accountScanPageSize
		if remaining < pageSize {
			pageSize = remaining
		}
		chunk, next, err := s.API().Messages(ctx, roomID, from, pageSize)
		if err != nil {
			return "", false, err
		}
		remaining -= len(chunk)
		for _, evt := range chunk {
			if evt.Sender != botID || evt.Type != event.EventMessage {
				continue
			}
			_ = evt.Content.ParseRaw(evt.Type)
			msg := evt.Content.AsMessage()
			if msg == nil {
				continue
			}
			if loginTS == 0 {
				if m := loginMarkerPattern.FindStringSubmatch(msg.Body); m != nil {
					loginTS = evt.Timestamp
					identity = m[1]
				}
			}
			if logoutTS == 0 && logoutMarkerPattern.MatchString(msg.Body) {
				logoutTS = evt.Timestamp
			}
			if loginTS != 0 && logoutTS != 0 {
				break
			}
		}
		if (loginTS != 0 && logoutTS != 0) || next == "" || len(chunk) == 0 {
			break
		}
		from = next
	}
	return identity, loginTS > logoutTS, nil
}
