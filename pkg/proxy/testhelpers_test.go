// Copyright 2024-2026 Aiku AI

package proxy

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type sentMessage struct {
	roomID id.RoomID
	text   string
}

// fakeMatrixAPI is an in-memory MatrixAPI for tests. History is stored
// newest-first, the order the real pagination endpoint returns.
type fakeMatrixAPI struct {
	userID id.UserID

	mu       sync.Mutex
	sent     []sentMessage
	joined   []id.RoomID
	left     []id.RoomID
	created  []id.UserID
	marked   []id.EventID
	redacted []id.EventID
	stopped  bool

	history      map[id.RoomID][]*event.Event
	displayNames map[id.UserID]string
	lookups      int
	lastContent  *event.MessageEventContent

	sendErr     error
	joinErr     error
	leaveErr    map[id.RoomID]error
	messagesErr error

	// onSend runs after each SendText, outside the lock. Tests use it to
	// script bot replies synchronously.
	onSend func(roomID id.RoomID, text string)

	nextEventID int
}

func newFakeAPI(userID id.UserID) *fakeMatrixAPI {
	return &fakeMatrixAPI{
		userID:       userID,
		history:      make(map[id.RoomID][]*event.Event),
		displayNames: make(map[id.UserID]string),
		leaveErr:     make(map[id.RoomID]error),
	}
}

func (f *fakeMatrixAPI) UserID() id.UserID {
	return f.userID
}

func (f *fakeMatrixAPI) SendText(ctx context.Context, roomID id.RoomID, text string) (id.EventID, error) {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return "", err
	}
	f.sent = append(f.sent, sentMessage{roomID: roomID, text: text})
	f.nextEventID++
	eventID := id.EventID(fmt.Sprintf("$sent-%d", f.nextEventID))
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(roomID, text)
	}
	return eventID, nil
}

func (f *fakeMatrixAPI) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	f.mu.Lock()
	f.lastContent = content
	f.mu.Unlock()
	return f.SendText(ctx, roomID, content.Body)
}

func (f *fakeMatrixAPI) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		err := f.joinErr
		f.joinErr = nil
		return err
	}
	f.joined = append(f.joined, roomID)
	return nil
}

func (f *fakeMatrixAPI) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.leaveErr[roomID]; err != nil {
		return err
	}
	f.left = append(f.left, roomID)
	return nil
}

func (f *fakeMatrixAPI) CreateDirectRoom(ctx context.Context, invitee id.UserID) (id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, invitee)
	return id.RoomID("!dm-" + string(invitee)), nil
}

func (f *fakeMatrixAPI) Messages(ctx context.Context, roomID id.RoomID, from string, limit int) ([]*event.Event, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messagesErr != nil {
		return nil, "", f.messagesErr
	}
	all := f.history[roomID]
	offset := 0
	if from != "" {
		offset, _ = strconv.Atoi(from)
	}
	if offset >= len(all) {
		return nil, "", nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	next := ""
	if end < len(all) {
		next = strconv.Itoa(end)
	}
	return all[offset:end], next, nil
}

func (f *fakeMatrixAPI) MarkRead(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, eventID)
	return nil
}

func (f *fakeMatrixAPI) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redacted = append(f.redacted, eventID)
	return nil
}

func (f *fakeMatrixAPI) DisplayName(ctx context.Context, userID id.UserID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	name, ok := f.displayNames[userID]
	if !ok {
		return "", fmt.Errorf("profile not found")
	}
	return name, nil
}

func (f *fakeMatrixAPI) StopSync() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeMatrixAPI) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, msg := range f.sent {
		out[i] = msg.text
	}
	return out
}

func makeMessage(roomID id.RoomID, sender id.UserID, body string, ts int64) *event.Event {
	return &event.Event{
		ID:        id.EventID(fmt.Sprintf("$%s-%d", sender, ts)),
		Type:      event.EventMessage,
		RoomID:    roomID,
		Sender:    sender,
		Timestamp: ts,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    body,
		}},
	}
}

func makeMember(roomID id.RoomID, target id.UserID, membership event.Membership, displayname string) *event.Event {
	key := string(target)
	return &event.Event{
		Type:     event.StateMember,
		RoomID:   roomID,
		Sender:   target,
		StateKey: &key,
		Content: event.Content{Parsed: &event.MemberEventContent{
			Membership:  membership,
			Displayname: displayname,
		}},
	}
}

func makeRoomName(roomID id.RoomID, name string) *event.Event {
	return &event.Event{
		Type:    event.StateRoomName,
		RoomID:  roomID,
		Content: event.Content{Parsed: &event.RoomNameEventContent{Name: name}},
	}
}

// joinRoom seeds a joined room with the given members on the session.
func joinRoom(s *Session, roomID id.RoomID, name string, members ...id.UserID) {
	for _, member := range members {
		s.ApplyMember(makeMember(roomID, member, event.MembershipJoin, ""))
	}
	if name != "" {
		s.ApplyRoomName(makeRoomName(roomID, name))
	}
}

// seedControlRoom creates the two-member DM with a bridge bot.
func seedControlRoom(s *Session, botID id.UserID) id.RoomID {
	roomID := id.RoomID("!ctrl-" + string(botID))
	joinRoom(s, roomID, "", s.UserID(), botID)
	return roomID
}

func testConfig() *Config {
	return &Config{
		HomeserverURL:            "http://localhost:8008",
		ServerDomain:             "tanmatrix.local",
		AutoJoinDelayMS:          1,
		LogoutCommandDelayMS:     1,
		DefaultSettleDelayMS:     1,
		DefaultResponseTimeoutMS: 250,
	}
}

func newTestSession(userID id.UserID) (*Session, *fakeMatrixAPI) {
	api := newFakeAPI(userID)
	return NewSession(api, "syt_test_token", zerolog.Nop()), api
}

// fakeWSConn records frames written to a live connection.
type fakeWSConn struct {
	mu     sync.Mutex
	frames []string
	closed bool
}

func (c *fakeWSConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	c.frames = append(c.frames, string(data))
	return nil
}

func (c *fakeWSConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// blockingWSConn stalls every write until release is closed, standing in
// for a client that stopped reading its socket.
type blockingWSConn struct {
	release chan struct{}
}

func (c *blockingWSConn) WriteMessage(messageType int, data []byte) error {
	<-c.release
	return nil
}

func (c *blockingWSConn) Close() error { return nil }

func (c *fakeWSConn) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

type pushRecord struct {
	token string
	title string
	body  string
	data  map[string]string
}

type fakePusher struct {
	mu     sync.Mutex
	pushes []pushRecord
	err    error
}

func (p *fakePusher) Push(ctx context.Context, token, title, body string, data map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.pushes = append(p.pushes, pushRecord{token: token, title: title, body: body, data: data})
	return nil
}

func (p *fakePusher) records() []pushRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pushRecord(nil), p.pushes...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
