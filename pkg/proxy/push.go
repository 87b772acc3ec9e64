// Copyright 2024-2026 Aiku AI

package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// PushTokenStore keeps the latest push token per user. A user has at most
// one token; registering a new one replaces the old.
type PushTokenStore struct {
	mu     sync.RWMutex
	tokens map[id.UserID]string
}

func NewPushTokenStore() *PushTokenStore {
	return &PushTokenStore{tokens: make(map[id.UserID]string)}
}

func (s *PushTokenStore) Save(userID id.UserID, token string) {
	s.mu.Lock()
	s.tokens[userID] = token
	s.mu.Unlock()
}

func (s *PushTokenStore) Clear(userID id.UserID) {
	s.mu.Lock()
	delete(s.tokens, userID)
	s.mu.Unlock()
}

func (s *PushTokenStore) Get(userID id.UserID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[userID]
	return token, ok
}

// PushSender delivers a push notification to a device token.
type PushSender interface {
	Push(ctx context.Context, token, title, body string, data map[string]string) error
}

// GatewayPusher posts notifications to an external push gateway. With an
// empty URL every Push is a silent no-op, which keeps the fanout path
// identical in deployments without a gateway.
type GatewayPusher struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

func NewGatewayPusher(url string, log zerolog.Logger) *GatewayPusher {
	return &GatewayPusher{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.With().Str("component", "push").Logger(),
	}
}

type pushPayload struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

func (g *GatewayPusher) Push(ctx context.Context, token, title, body string, data map[string]string) error {
	if g.url == "" {
		return nil
	}
	buf, err := json.Marshal(pushPayload{To: token, Title: title, Body: body, Data: data})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("push gateway returned HTTP %d", resp.StatusCode)
	}
	return nil
}
