package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"coderoom/internal/session"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store  *session.Store
	hub    *Hub
	clock  *clock
	server *httptest.Server
}

func newFixture(t *testing.T, opts ...session.Option) *fixture {
	t.Helper()
	f := &fixture{clock: &clock{t: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}}
	f.hub = NewHub(nil)
	opts = append([]session.Option{session.WithClock(f.clock.now), session.WithNotifier(f.hub)}, opts...)
	f.store = session.NewStore(session.Options{}, opts...)
	consumer := NewConsumer(f.store, f.hub, ConsumerOptions{SendBuffer: 32})
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		consumer.ServeWS(w, r, r.URL.Query().Get("session"), r.URL.Query().Get("user"))
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) dial(t *testing.T, sessionID, userID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/?session=" + sessionID + "&user=" + userID
	return websocket.DefaultDialer.Dial(url, nil)
}

func (f *fixture) connect(t *testing.T, sessionID, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := f.dial(t, sessionID, userID)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type received struct {
	Type             string          `json:"type"`
	Payload          json.RawMessage `json:"payload"`
	OriginatorUserID string          `json:"originator_user_id"`
}

// readUntil returns the first event of type want and the types skipped
// before it.
func readUntil(t *testing.T, conn *websocket.Conn, want string) (received, []string) {
	t.Helper()
	var skipped []string
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var ev received
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s (skipped %v): %v", want, skipped, err)
		}
		if ev.Type == want {
			return ev, skipped
		}
		skipped = append(skipped, ev.Type)
	}
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestServeWS_RejectsBeforeHandshake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	simple, _ := f.store.Create(ctx, "owner", "", session.CreateOptions{Kind: session.KindSimple})
	stale, _ := f.store.Create(ctx, "owner", "", session.CreateOptions{})
	f.clock.advance(2 * time.Hour)

	tests := []struct {
		name      string
		sessionID string
		want      int
	}{
		{"missing", "does-not-exist", http.StatusNotFound},
		{"not collaborative", simple.ID, http.StatusBadRequest},
		{"inactive", stale.ID, http.StatusGone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := f.dial(t, tt.sessionID, "alice")
			if err == nil {
				t.Fatal("expected handshake failure")
			}
			if resp == nil || resp.StatusCode != tt.want {
				t.Fatalf("resp = %v, want status %d", resp, tt.want)
			}
		})
	}
}

func TestServeWS_StateOnConnect(t *testing.T) {
	f := newFixture(t)
	s, _ := f.store.Create(context.Background(), "owner", "print(1)", session.CreateOptions{})

	conn := f.connect(t, s.ID, "alice")
	state, _ := readUntil(t, conn, session.EventSessionState)
	var sess session.Session
	if err := json.Unmarshal(state.Payload, &sess); err != nil {
		t.Fatal(err)
	}
	if sess.Code != "print(1)" {
		t.Errorf("state code = %q", sess.Code)
	}

	members, _ := readUntil(t, conn, session.EventMembers)
	if !strings.Contains(string(members.Payload), `"alice"`) {
		t.Errorf("members payload = %s", members.Payload)
	}
}

func TestCodeChangeRelayAndPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.store.Create(ctx, "owner", "print(1)", session.CreateOptions{})

	owner := f.connect(t, s.ID, "owner")
	readUntil(t, owner, session.EventMembers)
	alice := f.connect(t, s.ID, "alice")
	readUntil(t, alice, session.EventMembers)
	joined, _ := readUntil(t, owner, session.EventMemberJoined)
	if joined.OriginatorUserID != "alice" {
		t.Errorf("member_joined from %q", joined.OriginatorUserID)
	}

	// view member is rejected and the buffer is unchanged
	send(t, alice, map[string]string{"type": "code_change", "code": "print(2)"})
	errEv, _ := readUntil(t, alice, session.EventError)
	if !strings.Contains(string(errEv.Payload), "permission") {
		t.Errorf("error payload = %s", errEv.Payload)
	}
	if got, _ := f.store.Get(ctx, s.ID); got.Code != "print(1)" {
		t.Fatalf("code = %q after denied edit", got.Code)
	}

	// owner edit reaches alice
	send(t, owner, map[string]string{"type": "code_change", "code": "print(2)"})
	change, _ := readUntil(t, alice, session.EventCodeChange)
	if change.OriginatorUserID != "owner" || !strings.Contains(string(change.Payload), "print(2)") {
		t.Errorf("code_change = %+v %s", change, change.Payload)
	}
	if got, _ := f.store.Get(ctx, s.ID); got.Code != "print(2)" {
		t.Errorf("code = %q", got.Code)
	}

	// no echo: the owner's next relayed event is alice's cursor, not its own edit
	send(t, alice, map[string]any{"type": "cursor_position", "position": map[string]int{"line": 3, "ch": 1}})
	cursor, skipped := readUntil(t, owner, session.EventCursorPosition)
	for _, typ := range skipped {
		if typ == session.EventCodeChange {
			t.Error("originator received its own code_change")
		}
	}
	if !strings.Contains(string(cursor.Payload), `"line":3`) {
		t.Errorf("cursor payload = %s", cursor.Payload)
	}
}

func TestMalformedMessageKeepsConnection(t *testing.T) {
	f := newFixture(t)
	s, _ := f.store.Create(context.Background(), "owner", "", session.CreateOptions{})

	owner := f.connect(t, s.ID, "owner")
	readUntil(t, owner, session.EventMembers)
	alice := f.connect(t, s.ID, "alice")
	readUntil(t, alice, session.EventMembers)

	if err := owner.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	send(t, owner, map[string]string{"type": "dance"})
	send(t, owner, map[string]string{"type": "terminal_output", "output": ">>> 1"})

	out, _ := readUntil(t, alice, session.EventTerminalOutput)
	var payload session.OutputPayload
	if err := json.Unmarshal(out.Payload, &payload); err != nil {
		t.Fatalf("decoding payload %s: %v", out.Payload, err)
	}
	if payload.Output != ">>> 1" {
		t.Errorf("terminal output = %q, want %q", payload.Output, ">>> 1")
	}
	got, _ := f.store.Get(context.Background(), s.ID)
	if len(got.Scrollback) != 1 || got.Scrollback[0] != ">>> 1" {
		t.Errorf("scrollback = %v", got.Scrollback)
	}
}

// flakyPersister fails session writes while failing is set.
type flakyPersister struct {
	mu      sync.Mutex
	failing bool
}

func (p *flakyPersister) setFailing(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = v
}

func (p *flakyPersister) SaveSession(context.Context, session.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return errors.New("database is locked")
	}
	return nil
}

func (p *flakyPersister) SaveMember(context.Context, session.Member) error { return nil }

func (p *flakyPersister) DeleteMember(context.Context, string, string) error { return nil }

func (p *flakyPersister) LoadSessions(context.Context) ([]session.Session, []session.Member, error) {
	return nil, nil, nil
}

func TestActivityWriteFailureKeepsConnection(t *testing.T) {
	p := &flakyPersister{}
	f := newFixture(t, session.WithPersister(p))
	s, _ := f.store.Create(context.Background(), "owner", "", session.CreateOptions{})

	owner := f.connect(t, s.ID, "owner")
	readUntil(t, owner, session.EventMembers)
	alice := f.connect(t, s.ID, "alice")
	readUntil(t, alice, session.EventMembers)

	p.setFailing(true)
	send(t, owner, map[string]any{"type": "cursor_position", "position": map[string]int{"line": 7, "ch": 0}})
	cursor, _ := readUntil(t, alice, session.EventCursorPosition)
	if !strings.Contains(string(cursor.Payload), `"line":7`) {
		t.Errorf("cursor payload = %s", cursor.Payload)
	}

	p.setFailing(false)
	send(t, owner, map[string]string{"type": "terminal_output", "output": "ok"})
	out, _ := readUntil(t, alice, session.EventTerminalOutput)
	var payload session.OutputPayload
	if err := json.Unmarshal(out.Payload, &payload); err != nil || payload.Output != "ok" {
		t.Errorf("terminal payload = %s (%v)", out.Payload, err)
	}
}

func TestPresenceAndRemoval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.store.Create(ctx, "owner", "", session.CreateOptions{})

	owner := f.connect(t, s.ID, "owner")
	readUntil(t, owner, session.EventMembers)
	alice := f.connect(t, s.ID, "alice")
	readUntil(t, alice, session.EventMembers)
	readUntil(t, owner, session.EventMemberJoined)

	if err := f.store.RemoveMember(ctx, s.ID, "owner", "alice"); err != nil {
		t.Fatal(err)
	}
	readUntil(t, alice, session.EventMemberRemoved)

	_ = alice.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := alice.ReadMessage(); err == nil {
		t.Error("removed member's connection stayed open")
	}

	left, _ := readUntil(t, owner, session.EventMemberLeft)
	if left.OriginatorUserID != "alice" {
		t.Errorf("member_left from %q", left.OriginatorUserID)
	}
}

func TestInactiveSessionClosesConnection(t *testing.T) {
	f := newFixture(t)
	s, _ := f.store.Create(context.Background(), "owner", "", session.CreateOptions{})

	conn := f.connect(t, s.ID, "owner")
	readUntil(t, conn, session.EventMembers)
	f.clock.advance(61 * time.Minute)

	send(t, conn, map[string]string{"type": "code_change", "code": "late"})
	readUntil(t, conn, session.EventSessionClosed)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	if got, _ := f.store.Get(context.Background(), s.ID); got.Code == "late" {
		t.Error("mutation applied to inactive session")
	}
}

func TestHub_FirstAndLastConnection(t *testing.T) {
	h := NewHub(nil)
	a1 := newClient("s1", "alice", nil, 4)
	a2 := newClient("s1", "alice", nil, 4)

	if !h.Subscribe(a1) {
		t.Error("first connection not reported")
	}
	if h.Subscribe(a2) {
		t.Error("second connection reported as first")
	}
	if h.Unsubscribe(a1) {
		t.Error("non-final disconnect reported as last")
	}
	if !h.Unsubscribe(a2) {
		t.Error("final disconnect not reported")
	}
	if h.Unsubscribe(a2) {
		t.Error("repeated disconnect reported as last")
	}
	if len(h.Online("s1")) != 0 {
		t.Errorf("online = %v", h.Online("s1"))
	}
}

func TestHub_PublishRouting(t *testing.T) {
	h := NewHub(nil)
	alice := newClient("s1", "alice", nil, 4)
	bob := newClient("s1", "bob", nil, 4)
	other := newClient("s2", "carol", nil, 4)
	for _, c := range []*Client{alice, bob, other} {
		h.Subscribe(c)
	}

	h.Publish("s1", session.Event{Type: session.EventCodeChange, OriginatorUserID: "alice"}, "alice")
	if len(alice.send) != 0 || len(bob.send) != 1 || len(other.send) != 0 {
		t.Errorf("queued alice=%d bob=%d carol=%d", len(alice.send), len(bob.send), len(other.send))
	}

	h.Publish("s1", session.Event{Type: session.EventPermissionChanged, TargetUserID: "alice"}, "")
	if len(alice.send) != 1 || len(bob.send) != 1 {
		t.Errorf("targeted event: alice=%d bob=%d", len(alice.send), len(bob.send))
	}
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	h := NewHub(nil)
	slow := newClient("s1", "slow", nil, 1)
	h.Subscribe(slow)

	h.Publish("s1", session.Event{Type: session.EventTerminalOutput}, "")
	h.Publish("s1", session.Event{Type: session.EventTerminalOutput}, "")

	select {
	case <-slow.done:
	default:
		t.Error("slow subscriber was not kicked")
	}
	if slow.enqueue([]byte("x")) {
		t.Error("kicked client still accepts messages")
	}
}
