package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"coderoom/internal/hooks"
	"coderoom/internal/monitor"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type published struct {
	sessionID string
	ev        Event
	exclude   string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []published
}

func (n *recordingNotifier) Publish(sessionID string, ev Event, exclude string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, published{sessionID, ev, exclude})
}

func (n *recordingNotifier) byType(typ string) []published {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []published
	for _, p := range n.events {
		if p.ev.Type == typ {
			out = append(out, p)
		}
	}
	return out
}

type testEnv struct {
	store    *Store
	clock    *fakeClock
	notifier *recordingNotifier
	metrics  *monitor.Metrics
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{clock: newFakeClock(), notifier: &recordingNotifier{}, metrics: monitor.NewMetrics()}
	base := []Option{WithClock(env.clock.Now), WithNotifier(env.notifier), WithMetrics(env.metrics)}
	env.store = NewStore(Options{}, append(base, opts...)...)
	return env
}

func (env *testEnv) create(t *testing.T, owner, code string) Session {
	t.Helper()
	s, err := env.store.Create(context.Background(), owner, code, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func TestCreate(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t, "owner", "print(1)")

	if !s.Active || s.Code != "print(1)" || s.Kind != KindCollaborative || s.OwnerID != "owner" {
		t.Errorf("session = %+v", s)
	}
	if len(s.ID) < 32 {
		t.Errorf("id %q is too short to be unguessable", s.ID)
	}
	other := env.create(t, "owner", "")
	if other.ID == s.ID {
		t.Error("ids must be unique")
	}

	members, err := env.store.Members(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].UserID != "owner" || members[0].Permission != PermissionEdit {
		t.Errorf("members = %+v", members)
	}
	if got := testutil.ToFloat64(env.metrics.SessionsCreated.WithLabelValues("collaborative")); got != 2 {
		t.Errorf("sessions created = %v", got)
	}
}

func TestCreate_Invalid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.store.Create(ctx, "", "x", CreateOptions{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty owner: %v", err)
	}
	if _, err := env.store.Create(ctx, "o", "x", CreateOptions{Kind: "private"}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad kind: %v", err)
	}
}

func TestJoin_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.create(t, "owner", "")

	first, err := env.store.Join(ctx, s.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if first.Permission != PermissionView || !first.Online {
		t.Errorf("new member = %+v", first)
	}
	if err := env.store.SetPermission(ctx, s.ID, "owner", "alice", PermissionEdit); err != nil {
		t.Fatal(err)
	}

	second, err := env.store.Join(ctx, s.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if second.Permission != PermissionEdit {
		t.Errorf("rejoin reset permission to %q", second.Permission)
	}
	members, _ := env.store.Members(ctx, s.ID)
	if len(members) != 2 {
		t.Errorf("members = %d, want 2 (no duplicate rows)", len(members))
	}

	owner, err := env.store.Join(ctx, s.ID, "owner")
	if err != nil || owner.Permission != PermissionEdit {
		t.Errorf("owner join = %+v, %v", owner, err)
	}
}

func TestApplyMutation_PermissionScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.create(t, "owner", "print(1)")
	if _, err := env.store.Join(ctx, s.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	_, err := env.store.ApplyMutation(ctx, s.ID, "alice", Mutation{Kind: MutationCodeChange, Code: "print(2)"})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("view member mutation: err = %v, want ErrPermissionDenied", err)
	}
	got, _ := env.store.Get(ctx, s.ID)
	if got.Code != "print(1)" {
		t.Fatalf("denied mutation changed the buffer to %q", got.Code)
	}

	res, err := env.store.ApplyMutation(ctx, s.ID, "owner", Mutation{Kind: MutationCodeChange, Code: "print(2)"})
	if err != nil {
		t.Fatalf("owner mutation: %v", err)
	}
	if res.Session.Code != "print(2)" {
		t.Errorf("result code = %q", res.Session.Code)
	}
	got, _ = env.store.Get(ctx, s.ID)
	if got.Code != "print(2)" {
		t.Errorf("buffer = %q, want print(2)", got.Code)
	}

	changes := env.notifier.byType(EventCodeChange)
	if len(changes) != 1 || changes[0].exclude != "owner" || changes[0].ev.OriginatorUserID != "owner" {
		t.Fatalf("code_change events = %+v", changes)
	}
	if p, ok := changes[0].ev.Payload.(CodePayload); !ok || p.Code != "print(2)" {
		t.Errorf("payload = %#v", changes[0].ev.Payload)
	}

	if got := testutil.ToFloat64(env.metrics.SessionMutations.WithLabelValues("code_change", "denied")); got != 1 {
		t.Errorf("denied mutations = %v", got)
	}
}

func TestApplyMutation_OwnerWithoutMemberRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.create(t, "owner", "")

	// simulate a restored session whose owner row was never stored
	r, _ := env.store.lookup("test", s.ID)
	r.mu.Lock()
	delete(r.members, "owner")
	r.mu.Unlock()

	if _, err := env.store.ApplyMutation(ctx, s.ID, "owner", Mutation{Kind: MutationCodeChange, Code: "x = 1"}); err != nil {
		t.Errorf("owner must always have edit: %v", err)
	}
	if _, err := env.store.ApplyMutation(ctx, s.ID, "stranger", Mutation{Kind: MutationCodeChange, Code: "x"}); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("non-member: err = %v", err)
	}
}

func TestApplyMutation_EditMember(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.create(t, "owner", "")
	_, _ = env.store.Join(ctx, s.ID, "alice")
	if err := env.store.SetPermission(ctx, s.ID, "owner", "alice", PermissionEdit); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.ApplyMutation(ctx, s.ID, "alice", Mutation{Kind: MutationCodeChange, Code: "y"}); err != nil {
		t.Errorf("edit member: %v", err)
	}
}

func TestApplyMutation_InvalidKind(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t, "owner", "")
	_, err := env.store.ApplyMutation(context.Background(), s.ID, "owner", Mutation{Kind: "cursor_position"})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestScrollbackBounded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.create(t, "owner", "")

	for i := 1; i <= 1050; i++ {
		if _, err := env.store.ApplyMutation(ctx, s.ID, "owner", Mutation{Kind: MutationTerminalOutput, Output: fmt.Sprintf("line %d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := env.store.Get(ctx, s.ID)
	if len(got.Scrollback) != 1000 {
		t.Fatalf("scrollback = %d lines, want 1000", len(got.Scrollback))
	}
	if got.Scrollback[0] != "line 51" || got.Scrollback[999] != "line 1050" {
		t.Errorf("scrollback spans %q..%q, want line 51..line 1050", got.Scrollback[0], got.Scrollback[999])
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.create(t, "owner", "")
	_, _ = env.store.ApplyMutation(ctx, s.ID, "owner", Mutation{Kind: MutationTerminalOutput, Output: "a"})

	snap, _ := env.store.Get(ctx, s.ID)
	snap.Scrollback[0] = "tampered"
	again, _ := env.store.Get(ctx, s.ID)
	if again.Scrollback[0] != "a" {
		t.Error("snapshot aliases room state")
	}
}

func TestLazyExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.create(t, "owner", "print(1)")
	_, _ = env.store.Join(ctx, s.ID, "alice")

	env.clock.Advance(59 * time.Minute)
	if err := env.store.Touch(ctx, s.ID, "alice"); err != nil {
		t.Fatalf("touch inside window: %v", err)
	}
	// activity resets the window
	env.clock.Advance(59 * time.Minute)
	if _, err := env.store.ApplyMutation(ctx, s.ID, "owner", Mutation{Kind: MutationCodeChange, Code: "print(2)"}); err != nil {
		t.Fatalf("mutation inside window: %v", err)
	}

	env.clock.Advance(time.Hour + time.Second)
	_, err := env.store.ApplyMutation(ctx, s.ID, "owner", Mutation{Kind: MutationCodeChange, Code: "print(3)"})
	if !errors.Is(err, ErrSessionInactive) {
		t.Fatalf("err = %v, want ErrSessionInactive", err)
	}

	got, err := env.store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("inactive session must stay readable: %v", err)
	}
	if got.Active || got.Code != "print(2)" {
		t.Errorf("session = %+v", got)
	}
	if len(env.notifier.byType(EventSessionClosed)) != 1 {
		t.Error("expected one session_closed event")
	}

	// inactive is terminal even after fresh activity attempts
	for name, err := range map[string]error{
		"touch": env.store.Touch(ctx, s.ID, "owner"),
		"join": func() error {
			_, err := env.store.Join(ctx, s.ID, "bob")
			return err
		}(),
		"set_permission": env.store.SetPermission(ctx, s.ID, "owner", "alice", PermissionEdit),
		"remove_member":  env.store.RemoveMember(ctx, s.ID, "owner", "alice"),
	} {
		if !errors.Is(err, ErrSessionInactive) {
			t.Errorf("%s: err = %v, want ErrSessionInactive", name, err)
		}
	}

	members, _ := env.store.Members(ctx, s.ID)
	for _, m := range members {
		if m.Online {
			t.Errorf("member %s still online after deactivation", m.UserID)
		}
	}
}

func TestAbsoluteExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, err := env.store.Create(ctx, "owner", "", CreateOptions{TTL: 10 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if s.ExpiresAt == nil {
		t.Fatal("ExpiresAt not set")
	}

	env.clock.Advance(5 * time.Minute)
	if err := env.store.Touch(ctx, s.ID, "owner"); err != nil {
		t.Fatal(err)
	}
	env.clock.Advance(6 * time.Minute)
	if err := env.store.Touch(ctx, s.ID, "owner"); !errors.Is(err, ErrSessionInactive) {
		t.Errorf("err = %v, want ErrSessionInactive past expires_at", err)
	}
}

func TestCheckOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.ApplyMutation(ctx, "missing", "owner", Mutation{Kind: MutationCodeChange})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing session: err = %v", err)
	}

	s := env.create(t, "owner", "")
	_, _ = env.store.Join(ctx, s.ID, "alice")
	env.clock.Advance(2 * time.Hour)

	// inactive wins over permission
	_, err = env.store.ApplyMutation(ctx, s.ID, "alice", Mutation{Kind: MutationCodeChange})
	if !errors.Is(err, ErrSessionInactive) {
		t.Errorf("err = %v, want ErrSessionInactive", err)
	}
}

func TestSetPermission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.create(t, "owner", "")
	_, _ = env.store.Join(ctx, s.ID, "alice")

	tests := []struct {
		name    string
		caller  string
		target  string
		perm    Permission
		wantErr error
	}{
		{"non-owner caller", "alice", "alice", PermissionEdit, ErrPermissionDenied},
		{"invalid permission", "owner", "alice", Permission("admin"), ErrInvalidArgument},
		{"owner target", "owner", "owner", PermissionView, ErrInvalidArgument},
		{"unknown member", "owner", "bob", PermissionEdit, ErrNotFound},
		{"grant edit", "owner", "alice", PermissionEdit, nil},
		{"back to view", "owner", "alice", PermissionView, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.store.SetPermission(ctx, s.ID, tt.caller, tt.target, tt.perm)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	changed := env.notifier.byType(EventPermissionChanged)
	if len(changed) != 2 || changed[0].ev.TargetUserID != "alice" {
		t.Errorf("permission_changed events = %+v", changed)
	}
}

func TestParsePermission(t *testing.T) {
	for _, s := range []string{"view", "edit"} {
		if _, err := ParsePermission(s); err != nil {
			t.Errorf("ParsePermission(%q): %v", s, err)
		}
	}
	for _, s := range []string{"", "EDIT", "admin", "view "} {
		if _, err := ParsePermission(s); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ParsePermission(%q) err = %v", s, err)
		}
	}
}

func TestRemoveMember(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.create(t, "owner", "")
	_, _ = env.store.Join(ctx, s.ID, "alice")
	_, _ = env.store.Join(ctx, s.ID, "bob")

	if err := env.store.RemoveMember(ctx, s.ID, "alice", "bob"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("non-owner remove: %v", err)
	}
	if err := env.store.RemoveMember(ctx, s.ID, "owner", "owner"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("remove owner: %v", err)
	}
	if err := env.store.RemoveMember(ctx, s.ID, "owner", "bob"); err != nil {
		t.Fatal(err)
	}
	if err := env.store.RemoveMember(ctx, s.ID, "owner", "bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove: %v", err)
	}

	removed := env.notifier.byType(EventMemberRemoved)
	if len(removed) != 1 || removed[0].ev.TargetUserID != "bob" {
		t.Errorf("member_removed events = %+v", removed)
	}
	members, _ := env.store.Members(ctx, s.ID)
	if len(members) != 2 {
		t.Errorf("members = %+v", members)
	}
}

func TestSetOnline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.create(t, "owner", "")

	changed, err := env.store.SetOnline(ctx, s.ID, "owner", true)
	if err != nil || !changed {
		t.Fatalf("first online: changed=%v err=%v", changed, err)
	}
	changed, _ = env.store.SetOnline(ctx, s.ID, "owner", true)
	if changed {
		t.Error("repeated online must report no change")
	}
	if _, err := env.store.SetOnline(ctx, s.ID, "ghost", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown member: %v", err)
	}

	env.clock.Advance(2 * time.Hour)
	if _, err := env.store.SetOnline(ctx, s.ID, "owner", true); !errors.Is(err, ErrSessionInactive) {
		t.Errorf("online on inactive session: %v", err)
	}
	if _, err := env.store.SetOnline(ctx, s.ID, "owner", false); err != nil {
		t.Errorf("offline on inactive session: %v", err)
	}
}

func TestConcurrentMutationsSerialized(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.create(t, "owner", "")
	b := env.create(t, "owner", "")

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := a.ID
			if i%2 == 1 {
				id = b.ID
			}
			_, _ = env.store.ApplyMutation(ctx, id, "owner", Mutation{Kind: MutationTerminalOutput, Output: fmt.Sprint(i)})
		}(i)
	}
	wg.Wait()

	for _, id := range []string{a.ID, b.ID} {
		got, _ := env.store.Get(ctx, id)
		if len(got.Scrollback) != 100 {
			t.Errorf("session %s has %d lines, want 100", id, len(got.Scrollback))
		}
	}
}

func TestSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	stale := env.create(t, "owner", "")
	env.clock.Advance(50 * time.Minute)
	fresh := env.create(t, "owner", "")
	env.clock.Advance(15 * time.Minute)

	report, err := env.store.Sweep(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if report.Checked != 2 || len(report.Deactivated) != 1 || report.Deactivated[0] != stale.ID {
		t.Errorf("dry run report = %+v", report)
	}
	if got, _ := env.store.lookup("test", stale.ID); !got.state.Active {
		t.Error("dry run deactivated a session")
	}

	report, err = env.store.Sweep(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Deactivated) != 1 {
		t.Errorf("report = %+v", report)
	}
	if s, _ := env.store.Get(ctx, stale.ID); s.Active {
		t.Error("stale session still active")
	}
	if s, _ := env.store.Get(ctx, fresh.ID); !s.Active {
		t.Error("fresh session deactivated")
	}
	if got := testutil.ToFloat64(env.metrics.SessionsSwept); got != 1 {
		t.Errorf("swept = %v", got)
	}
}

func TestHooksFired(t *testing.T) {
	d := hooks.NewDispatcher()
	var kinds []hooks.Kind
	record := func(_ context.Context, ev hooks.Event) error {
		kinds = append(kinds, ev.Kind)
		return nil
	}
	d.Register(hooks.SessionCreated, "t", record)
	d.Register(hooks.SessionJoined, "t", record)

	env := newTestEnv(t, WithHooks(d))
	s := env.create(t, "owner", "")
	_, _ = env.store.Join(context.Background(), s.ID, "alice")
	_, _ = env.store.Join(context.Background(), s.ID, "alice")

	if len(kinds) != 2 || kinds[0] != hooks.SessionCreated || kinds[1] != hooks.SessionJoined {
		t.Errorf("hooks = %v", kinds)
	}
}

type memPersister struct {
	mu       sync.Mutex
	sessions map[string]Session
	members  map[string]Member
	fail     bool
}

func newMemPersister() *memPersister {
	return &memPersister{sessions: map[string]Session{}, members: map[string]Member{}}
}

func (p *memPersister) SaveSession(_ context.Context, s Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("disk I/O error")
	}
	p.sessions[s.ID] = s.clone()
	return nil
}

func (p *memPersister) SaveMember(_ context.Context, m Member) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("disk I/O error")
	}
	p.members[m.SessionID+"/"+m.UserID] = m
	return nil
}

func (p *memPersister) DeleteMember(_ context.Context, sessionID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.members, sessionID+"/"+userID)
	return nil
}

func (p *memPersister) LoadSessions(context.Context) ([]Session, []Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ss []Session
	for _, s := range p.sessions {
		ss = append(ss, s.clone())
	}
	var ms []Member
	for _, m := range p.members {
		ms = append(ms, m)
	}
	return ss, ms, nil
}

func TestPersistAndRestore(t *testing.T) {
	p := newMemPersister()
	env := newTestEnv(t, WithPersister(p))
	ctx := context.Background()
	s := env.create(t, "owner", "print(1)")
	_, _ = env.store.Join(ctx, s.ID, "alice")
	_, _ = env.store.ApplyMutation(ctx, s.ID, "owner", Mutation{Kind: MutationCodeChange, Code: "print(2)"})

	restored := NewStore(Options{}, WithPersister(p), WithClock(env.clock.Now))
	n, err := restored.Restore(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	got, err := restored.Get(ctx, s.ID)
	if err != nil || got.Code != "print(2)" {
		t.Fatalf("restored session = %+v, %v", got, err)
	}
	members, _ := restored.Members(ctx, s.ID)
	if len(members) != 2 {
		t.Errorf("restored members = %+v", members)
	}
}

func TestRestoreMarksMembersOffline(t *testing.T) {
	p := newMemPersister()
	env := newTestEnv(t, WithPersister(p))
	ctx := context.Background()
	s := env.create(t, "owner", "")
	_, _ = env.store.Join(ctx, s.ID, "alice")
	if _, err := env.store.SetOnline(ctx, s.ID, "alice", true); err != nil {
		t.Fatal(err)
	}

	restored := NewStore(Options{}, WithPersister(p), WithClock(env.clock.Now))
	if _, err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	members, _ := restored.Members(ctx, s.ID)
	for _, m := range members {
		if m.Online {
			t.Errorf("member %s restored as online", m.UserID)
		}
	}

	p.mu.Lock()
	row := p.members[s.ID+"/alice"]
	p.mu.Unlock()
	if row.Online {
		t.Error("persisted presence not reset on restore")
	}
}

func TestPersistFailureLeavesStateUnchanged(t *testing.T) {
	p := newMemPersister()
	env := newTestEnv(t, WithPersister(p))
	ctx := context.Background()
	s := env.create(t, "owner", "print(1)")

	p.mu.Lock()
	p.fail = true
	p.mu.Unlock()

	if _, err := env.store.ApplyMutation(ctx, s.ID, "owner", Mutation{Kind: MutationCodeChange, Code: "print(2)"}); err == nil {
		t.Fatal("expected persistence error")
	}
	got, _ := env.store.Get(ctx, s.ID)
	if got.Code != "print(1)" {
		t.Errorf("code = %q after failed write", got.Code)
	}
	if len(env.notifier.byType(EventCodeChange)) != 0 {
		t.Error("failed mutation was relayed")
	}
}
