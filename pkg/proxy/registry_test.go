// Copyright 2024-2026 Aiku AI

package proxy

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// newTestRegistry wires a registry around fake dialing. Each dialed
// session gets its own fake API, retrievable through the returned map.
func newTestRegistry(cfg *Config) (*Registry, *LiveRegistry, *fakePusher, *sync.Map) {
	live := NewLiveRegistry(zerolog.Nop())
	tokens := NewPushTokenStore()
	pusher := &fakePusher{}
	fanout := NewFanout(live, tokens, pusher, zerolog.Nop())
	r := NewRegistry(cfg, live, fanout, zerolog.Nop())

	apis := &sync.Map{}
	r.dial = func(ctx context.Context, cfg *Config, userID id.UserID, accessToken string, log zerolog.Logger) (*Session, error) {
		api := newFakeAPI(userID)
		apis.Store(userID, api)
		s := NewSession(api, accessToken, zerolog.Nop())
		s.MarkSynced()
		return s, nil
	}
	r.login = func(ctx context.Context, homeserverURL, username, password string) (*mautrix.RespLogin, error) {
		return &mautrix.RespLogin{
			UserID:      id.UserID("@" + username + ":tanmatrix.local"),
			AccessToken: "syt_" + username,
		}, nil
	}
	r.register = func(ctx context.Context, homeserverURL, username, password string) (*mautrix.RespRegister, error) {
		return &mautrix.RespRegister{
			UserID:      id.UserID("@" + username + ":tanmatrix.local"),
			AccessToken: "syt_" + username,
		}, nil
	}
	return r, live, pusher, apis
}

func TestGetOrCreateCollapsesConcurrentDials(t *testing.T) {
	r, _, _, _ := newTestRegistry(testConfig())
	defer r.StopAll()

	var dials atomic.Int32
	gate := make(chan struct{})
	r.dial = func(ctx context.Context, cfg *Config, userID id.UserID, accessToken string, log zerolog.Logger) (*Session, error) {
		dials.Add(1)
		<-gate
		s := NewSession(newFakeAPI(userID), accessToken, zerolog.Nop())
		s.MarkSynced()
		return s, nil
	}

	const workers = 5
	sessions := make([]*Session, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.GetOrCreate(context.Background(), "@alice:tanmatrix.local", "syt_alice")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			sessions[i] = s
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := dials.Load(); got != 1 {
		t.Errorf("dial called %d times, want 1", got)
	}
	for i := 1; i < workers; i++ {
		if sessions[i] != sessions[0] {
			t.Fatal("concurrent callers received different sessions")
		}
	}
}

func TestGetOrCreateReusesExistingSession(t *testing.T) {
	r, _, _, _ := newTestRegistry(testConfig())
	defer r.StopAll()

	s1, err := r.GetOrCreate(context.Background(), "@alice:tanmatrix.local", "syt_alice")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	s2, err := r.GetOrCreate(context.Background(), "@alice:tanmatrix.local", "syt_other")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if s1 != s2 {
		t.Error("existing session not reused")
	}
}

func TestLoginReplacesSession(t *testing.T) {
	r, _, _, _ := newTestRegistry(testConfig())
	defer r.StopAll()

	s1, err := r.Login(context.Background(), "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	s2, err := r.Login(context.Background(), "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if s1 == s2 {
		t.Fatal("second login must dial a fresh session")
	}
	select {
	case <-s1.Done():
	case <-time.After(100 * time.Millisecond):
		t.Error("replaced session was not stopped")
	}
	got, ok := r.Get("@alice:tanmatrix.local")
	if !ok || got != s2 {
		t.Error("registry does not hold the newest session")
	}
}

func TestRegisterCreatesControlRooms(t *testing.T) {
	r, _, _, apis := newTestRegistry(testConfig())
	defer r.StopAll()

	s, err := r.Register(context.Background(), "bob", "hunter2")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	raw, _ := apis.Load(s.UserID())
	api := raw.(*fakeMatrixAPI)

	waitFor(t, time.Second, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.created) == len(Platforms())
	})
	api.mu.Lock()
	defer api.mu.Unlock()
	want := map[id.UserID]bool{}
	for _, p := range Platforms() {
		want[p.BotUserID("tanmatrix.local")] = true
	}
	for _, invitee := range api.created {
		if !want[invitee] {
			t.Errorf("unexpected control room invitee %s", invitee)
		}
	}
}

func TestEnsureControlRoomsSkipsExisting(t *testing.T) {
	r, _, _, _ := newTestRegistry(testConfig())
	defer r.StopAll()

	api := newFakeAPI("@carol:tanmatrix.local")
	s := NewSession(api, "syt_carol", zerolog.Nop())
	s.MarkSynced()
	seedControlRoom(s, "@whatsappbot:tanmatrix.local")

	r.ensureControlRooms(s)
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.created) != len(Platforms())-1 {
		t.Errorf("created %d rooms, want %d", len(api.created), len(Platforms())-1)
	}
	for _, invitee := range api.created {
		if invitee == "@whatsappbot:tanmatrix.local" {
			t.Error("existing control room recreated")
		}
	}
}

func TestWireAttachesFanoutAndAutoJoin(t *testing.T) {
	r, live, _, apis := newTestRegistry(testConfig())
	defer r.StopAll()

	s, err := r.GetOrCreate(context.Background(), "@alice:tanmatrix.local", "syt_alice")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if s.SubscriberCount() != 1 {
		t.Fatalf("fanout subscription missing, count = %d", s.SubscriberCount())
	}

	// An invite flows through the auto-joiner to a JoinRoom call.
	raw, _ := apis.Load(s.UserID())
	api := raw.(*fakeMatrixAPI)
	s.ApplyMember(makeMember("!new:x", s.UserID(), event.MembershipInvite, ""))
	waitFor(t, time.Second, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.joined) == 1 && api.joined[0] == "!new:x"
	})

	// A joined-room change notifies the user's live connection.
	conn := &fakeWSConn{}
	live.Register(s.UserID(), conn)
	s.ApplyMember(makeMember("!new:x", s.UserID(), event.MembershipJoin, ""))
	waitFor(t, time.Second, func() bool {
		return len(conn.received()) > 0
	})
}

func TestTimelineDispatchNotBlockedBySlowClient(t *testing.T) {
	r, live, _, _ := newTestRegistry(testConfig())
	defer r.StopAll()

	s, err := r.GetOrCreate(context.Background(), "@alice:tanmatrix.local", "syt_alice")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	roomID := id.RoomID("!r:x")
	joinRoom(s, roomID, "", s.UserID(), "@bob:tanmatrix.local")

	stalled := &blockingWSConn{release: make(chan struct{})}
	live.Register(s.UserID(), stalled)
	defer close(stalled.release)

	// The sync loop applies events on a single goroutine; a client that
	// stopped reading must not stall it.
	done := make(chan struct{})
	go func() {
		s.ApplyTimeline(makeMessage(roomID, "@bob:tanmatrix.local", "hi", 100))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeline dispatch blocked on a stalled live connection")
	}
}

func TestStopAllStopsSessions(t *testing.T) {
	r, _, _, _ := newTestRegistry(testConfig())

	s, err := r.GetOrCreate(context.Background(), "@alice:tanmatrix.local", "syt_alice")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	r.StopAll()
	select {
	case <-s.Done():
	default:
		t.Error("session not stopped")
	}
	if _, ok := r.Get("@alice:tanmatrix.local"); ok {
		t.Error("session still registered after StopAll")
	}
}
