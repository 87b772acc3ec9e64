// Copyright 2024-2026 Aiku AI

package proxy

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// wsConn is the write side of a live client connection. *websocket.Conn
// satisfies it; tests use an in-memory recorder.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// liveConn pairs a connection with its instance id so a slow close of an
// old connection cannot evict the replacement that took its slot.
type liveConn struct {
	id   uuid.UUID
	conn wsConn
	mu   sync.Mutex // serializes writes; gorilla conns allow one writer
}

// LiveRegistry maps each user to at most one open live connection.
// Reconnects replace the previous connection wholesale.
type LiveRegistry struct {
	log   zerolog.Logger
	mu    sync.RWMutex
	conns map[id.UserID]*liveConn
}

// NewLiveRegistry builds an empty registry.
func NewLiveRegistry(log zerolog.Logger) *LiveRegistry {
	return &LiveRegistry{
		log:   log.With().Str("component", "live").Logger(),
		conns: make(map[id.UserID]*liveConn),
	}
}

// Register installs conn as the user's live connection, closing any
// previous one, and returns the instance id to pass to Evict on close.
func (l *LiveRegistry) Register(userID id.UserID, conn wsConn) uuid.UUID {
	entry := &liveConn{id: uuid.New(), conn: conn}
	l.mu.Lock()
	old := l.conns[userID]
	l.conns[userID] = entry
	l.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	l.log.Debug().Str("user_id", userID.String()).Str("conn_id", entry.id.String()).Msg("Live connection registered")
	return entry.id
}

// Evict removes the user's connection, but only if it is still the same
// instance that was registered under connID.
func (l *LiveRegistry) Evict(userID id.UserID, connID uuid.UUID) {
	l.mu.Lock()
	if entry, ok := l.conns[userID]; ok && entry.id == connID {
		delete(l.conns, userID)
	}
	l.mu.Unlock()
}

// Connected reports whether the user currently has a live connection.
func (l *LiveRegistry) Connected(userID id.UserID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.conns[userID]
	return ok
}

// Notify serializes payload as JSON and delivers it to the user's live
// connection, if any. Best-effort: no queueing, no retry. Returns whether
// a delivery was attempted.
func (l *LiveRegistry) Notify(userID id.UserID, payload any) bool {
	l.mu.RLock()
	entry, ok := l.conns[userID]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		l.log.Error().Err(err).Msg("Failed to serialize live payload")
		return false
	}
	entry.mu.Lock()
	err = entry.conn.WriteMessage(websocket.TextMessage, data)
	entry.mu.Unlock()
	if err != nil {
		l.log.Debug().Err(err).Str("user_id", userID.String()).Msg("Live delivery failed")
		return false
	}
	return true
}

// newMessagePayload is pushed to live clients for each inbound room message.
type newMessagePayload struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// roomUpdatePayload tells a live client its room list is stale.
func roomUpdatePayload() any {
	return map[string]string{"type": "room_update"}
}
