// Copyright 2024-2026 Aiku AI

package proxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestAutoJoinDeduplicatesInvites(t *testing.T) {
	a := newAutoJoiner(testConfig(), NewLiveRegistry(zerolog.Nop()), zerolog.Nop())
	s, _ := newTestSession("@alice:tanmatrix.local")

	a.enqueue(s, "!r:x")
	a.enqueue(s, "!r:x")
	a.enqueue(s, "!other:x")
	if got := len(a.queue); got != 2 {
		t.Errorf("queue length = %d, want 2", got)
	}
}

func TestAutoJoinJoinsAndNotifies(t *testing.T) {
	live := NewLiveRegistry(zerolog.Nop())
	a := newAutoJoiner(testConfig(), live, zerolog.Nop())
	s, api := newTestSession("@alice:tanmatrix.local")
	conn := &fakeWSConn{}
	live.Register(s.UserID(), conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.run(ctx)

	a.enqueue(s, "!new:x")
	waitFor(t, time.Second, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.joined) == 1
	})
	waitFor(t, time.Second, func() bool {
		for _, frame := range conn.received() {
			if frame == `{"type":"room_update"}` {
				return true
			}
		}
		return false
	})
}

func TestAutoJoinFailureAllowsRetry(t *testing.T) {
	a := newAutoJoiner(testConfig(), NewLiveRegistry(zerolog.Nop()), zerolog.Nop())
	s, api := newTestSession("@alice:tanmatrix.local")
	api.joinErr = errors.New("M_UNKNOWN")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.run(ctx)

	a.enqueue(s, "!flaky:x")
	waitFor(t, time.Second, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.seen) == 0
	})

	// The bridge re-invites; the failed pair is accepted again and the
	// fake succeeds this time.
	a.enqueue(s, "!flaky:x")
	waitFor(t, time.Second, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.joined) == 1
	})
}
