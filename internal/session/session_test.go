package session

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/wargame-backend/internal/auth"
	"github.com/DoyleJ11/wargame-backend/internal/catalog"
	"github.com/DoyleJ11/wargame-backend/internal/hub"
	"github.com/DoyleJ11/wargame-backend/internal/store"
	"github.com/DoyleJ11/wargame-backend/internal/timer"
	"github.com/DoyleJ11/wargame-backend/pkg/types"
)

const code = "ABC123"

type sendCall struct {
	group string
	env   types.Envelope
}

// fakeRegistry records every call so tests can assert on fan-out.
type fakeRegistry struct {
	mu      sync.Mutex
	members map[string]map[string]bool
	sends   []sendCall
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{members: make(map[string]map[string]bool)}
}

func (r *fakeRegistry) GroupAdd(group string, m hub.Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[group] == nil {
		r.members[group] = make(map[string]bool)
	}
	r.members[group][m.ID()] = true
}

func (r *fakeRegistry) GroupDiscard(group string, m hub.Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members[group], m.ID())
	if len(r.members[group]) == 0 {
		delete(r.members, group)
	}
}

func (r *fakeRegistry) GroupSend(_ context.Context, group string, env types.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, sendCall{group: group, env: env})
	return nil
}

func (r *fakeRegistry) isMember(group, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members[group][id]
}

func (r *fakeRegistry) groupsOf(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for g, ids := range r.members {
		if ids[id] {
			out = append(out, g)
		}
	}
	return out
}

func (r *fakeRegistry) sent(channel, action string) []sendCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sendCall
	for _, c := range r.sends {
		if c.env.Channel == channel && c.env.Action == action {
			out = append(out, c)
		}
	}
	return out
}

func (r *fakeRegistry) sendCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sends)
}

func testCatalog() catalog.Catalog {
	army := catalog.Branch{Name: "Army"}
	return catalog.Catalog{
		Teams: []catalog.Team{{Name: "Gamemasters"}, {Name: "USA"}, {Name: "China"}},
		Roles: []catalog.Role{
			{Name: "Gamemaster"},
			{Name: "Ambassador"},
			{Name: "Combatant Commander"},
			{Name: "Army Commander", Branch: army, IsCommander: true},
			{Name: "Army Chief of Staff", Branch: army, IsChiefOfStaff: true},
			{Name: "Army Logistics Commander", Branch: army, IsCommander: true, IsLogistics: true},
		},
	}
}

type fixture struct {
	reg   *fakeRegistry
	store *store.RedisStore
	mr    *miniredis.Miniredis
	deps  Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := newFakeRegistry()
	st := store.NewRedisStore(rdb)
	coord := timer.NewCoordinator(context.Background(), st, reg,
		timer.Config{Duration: 10 * time.Minute, Grace: 5 * time.Second, Interval: time.Hour}, zap.NewNop())
	t.Cleanup(coord.Shutdown)

	return &fixture{
		reg:   reg,
		store: st,
		mr:    mr,
		deps: Deps{
			Registry: reg,
			Store:    st,
			Catalog:  catalog.NewCache(catalog.NewStaticSource(testCatalog())),
			Timer:    coord,
			Table:    DefaultTable(),
			Log:      zap.NewNop(),
		},
	}
}

func (f *fixture) connect(t *testing.T, id int64, name string) *Session {
	t.Helper()
	s := New(f.deps, auth.User{ID: id, Username: name}, code)
	s.Connect(context.Background())
	t.Cleanup(func() { s.Disconnect(context.Background()) })
	return s
}

func descriptor(id int64, name, team, role string) types.Participant {
	p := types.Participant{UserID: id, Username: name, TeamName: team, RoleName: role}
	switch role {
	case "Army Commander":
		p.BranchName, p.RoleFlags.IsCommander = "Army", true
	case "Army Chief of Staff":
		p.BranchName, p.RoleFlags.IsChiefOfStaff = "Army", true
	case "Army Logistics Commander":
		p.BranchName, p.RoleFlags.IsCommander, p.RoleFlags.IsLogistics = "Army", true, true
	}
	return p
}

func frame(t *testing.T, channel, action string, data any) []byte {
	t.Helper()
	env, err := types.NewEnvelope(channel, action, data)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func join(t *testing.T, s *Session, p types.Participant) {
	t.Helper()
	require.NoError(t, s.Receive(context.Background(), frame(t, "users", "join", p)))
}

func TestConnect_SubscribesFixedGroups(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, 1, "alice")

	assert.Equal(t, StateConnected, s.State())
	assert.ElementsMatch(t, []string{"game_ABC123", "game_ABC123_user_1"}, f.reg.groupsOf(s.ID()))
}

func TestJoin_BroadcastsAndCommitsRoster(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, 1, "alice")

	join(t, s, descriptor(1, "alice", "USA", "Army Chief of Staff"))

	assert.Equal(t, StateJoined, s.State())
	joins := f.reg.sent("users", "join")
	require.Len(t, joins, 1)
	assert.Equal(t, "game_ABC123", joins[0].group)

	raw, err := f.store.HGet(context.Background(), store.RosterKey(code), "1")
	require.NoError(t, err)
	assert.JSONEq(t, string(joins[0].env.Data), string(raw))

	assert.True(t, f.reg.isMember("game_ABC123_channel_USAArmyChiefofStaff_USAArmyCommander", s.ID()))
	assert.True(t, f.reg.isMember("game_ABC123_team_USA", s.ID()))
	assert.True(t, f.reg.isMember("game_ABC123_team_role_USAArmyChiefofStaff", s.ID()))
}

func TestJoin_FirstJoinStartsTimer(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, 1, "alice")
	join(t, s, descriptor(1, "alice", "USA", "Army Commander"))

	assert.True(t, f.mr.Exists(store.TimerKey(code)))
}

func TestJoin_DuplicateIsRejected(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, 1, "alice")
	p := descriptor(1, "alice", "USA", "Army Commander")

	join(t, s, p)
	err := s.Receive(context.Background(), frame(t, "users", "join", p))
	require.ErrorIs(t, err, ErrDuplicateJoin)

	n, err := f.store.HLen(context.Background(), store.RosterKey(code))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, f.reg.sent("users", "join"), 1)
}

func TestJoin_SecondConnectionOfSameUserRollsBack(t *testing.T) {
	f := newFixture(t)
	first := f.connect(t, 1, "alice")
	second := f.connect(t, 1, "alice")
	p := descriptor(1, "alice", "USA", "Army Commander")

	join(t, first, p)
	err := second.Receive(context.Background(), frame(t, "users", "join", p))
	require.ErrorIs(t, err, ErrDuplicateJoin)

	assert.Equal(t, StateConnected, second.State())
	assert.ElementsMatch(t, []string{"game_ABC123", "game_ABC123_user_1"}, f.reg.groupsOf(second.ID()))
	assert.True(t, f.reg.isMember("game_ABC123_team_role_USAArmyCommander", first.ID()))
}

func TestJoin_ImpersonationIsRejected(t *testing.T) {
	cases := []struct {
		name string
		p    types.Participant
	}{
		{"other username", descriptor(1, "mallory", "USA", "Army Commander")},
		{"other user id", descriptor(2, "alice", "USA", "Army Commander")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			s := f.connect(t, 1, "alice")

			err := s.Receive(context.Background(), frame(t, "users", "join", tc.p))
			require.ErrorIs(t, err, ErrImpersonation)

			assert.Zero(t, f.reg.sendCount())
			assert.False(t, f.mr.Exists(store.RosterKey(code)))
			assert.Equal(t, StateConnected, s.State())
		})
	}
}

func TestDisconnect_CleansRosterAndLeavesOnce(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, 1, "alice")
	join(t, s, descriptor(1, "alice", "USA", "Army Commander"))

	s.Disconnect(context.Background())
	s.Disconnect(context.Background())

	ok, err := f.store.HExists(context.Background(), store.RosterKey(code), "1")
	require.NoError(t, err)
	assert.False(t, ok)

	leaves := f.reg.sent("users", "leave")
	require.Len(t, leaves, 1)
	assert.Equal(t, "game_ABC123", leaves[0].group)
	assert.Empty(t, f.reg.groupsOf(s.ID()))
	assert.Equal(t, StateDisconnected, s.State())
	assert.False(t, s.Deliver(types.Envelope{Channel: "c", Action: "a"}))
}

func TestDisconnect_WithoutJoinPublishesNothing(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, 1, "alice")

	s.Disconnect(context.Background())

	assert.Zero(t, f.reg.sendCount())
	assert.Empty(t, f.reg.groupsOf(s.ID()))
}

func TestDisconnect_DoesNotRemoveAnotherSessionsEntry(t *testing.T) {
	f := newFixture(t)
	first := f.connect(t, 1, "alice")
	second := f.connect(t, 1, "alice")
	join(t, first, descriptor(1, "alice", "USA", "Army Commander"))

	second.Disconnect(context.Background())

	ok, _ := f.store.HExists(context.Background(), store.RosterKey(code), "1")
	assert.True(t, ok)
	assert.Empty(t, f.reg.sent("users", "leave"))
}

func TestDisconnect_SurvivesStoreOutage(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, 1, "alice")
	join(t, s, descriptor(1, "alice", "USA", "Army Commander"))

	f.mr.Close()
	s.Disconnect(context.Background())

	assert.Equal(t, StateDisconnected, s.State())
	assert.Empty(t, f.reg.groupsOf(s.ID()))
}

func TestCommunicationsSend(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, 1, "alice")
	me := descriptor(1, "alice", "USA", "Army Chief of Staff")
	join(t, s, me)

	t.Run("joined channel", func(t *testing.T) {
		err := s.Receive(context.Background(), frame(t, "communications", "send", map[string]any{
			"sender":              me,
			"recipient_team_name": "USA",
			"recipient_role_name": "Army Commander",
			"message":             "hold the line",
		}))
		require.NoError(t, err)
		sends := f.reg.sent("communications", "send")
		require.Len(t, sends, 1)
		assert.Equal(t, "game_ABC123_channel_USAArmyChiefofStaff_USAArmyCommander", sends[0].group)
	})

	t.Run("channel never joined", func(t *testing.T) {
		before := f.reg.sendCount()
		err := s.Receive(context.Background(), frame(t, "communications", "send", map[string]any{
			"sender":              me,
			"recipient_team_name": "China",
			"recipient_role_name": "Ambassador",
		}))
		require.ErrorIs(t, err, ErrNotInGroup)
		assert.Equal(t, before, f.reg.sendCount())
	})

	t.Run("missing recipient", func(t *testing.T) {
		err := s.Receive(context.Background(), frame(t, "communications", "send", map[string]any{"sender": me}))
		require.ErrorIs(t, err, ErrMissingField)
	})
}

func TestPointsSend_IsDirectional(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, 1, "alice")
	me := descriptor(1, "alice", "USA", "Army Chief of Staff")
	join(t, s, me)

	err := s.Receive(context.Background(), frame(t, "points", "send", map[string]any{
		"sender":              me,
		"recipient_team_name": "USA",
		"recipient_role_name": "Army Logistics Commander",
	}))
	require.NoError(t, err)
	sends := f.reg.sent("points", "send")
	require.Len(t, sends, 1)
	assert.Equal(t, "game_ABC123_transfer_USAArmyChiefofStaff_USAArmyLogisticsCommander", sends[0].group)

	// A chief of staff only receives from the combatant commander.
	err = s.Receive(context.Background(), frame(t, "points", "send", map[string]any{
		"sender":              me,
		"recipient_team_name": "USA",
		"recipient_role_name": "Combatant Commander",
	}))
	require.ErrorIs(t, err, ErrNotInGroup)
	assert.Len(t, f.reg.sent("points", "send"), 1)
}

func TestPointsSpend(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, 1, "alice")

	spend := func(team, role string) error {
		return s.Receive(context.Background(), frame(t, "points", "spend", map[string]any{
			"team_name": team, "role_name": role, "supply_points": 4,
		}))
	}

	require.ErrorIs(t, spend("USA", "Army Commander"), ErrNotJoined)

	join(t, s, descriptor(1, "alice", "USA", "Army Commander"))
	require.NoError(t, spend("USA", "Army Commander"))
	require.ErrorIs(t, spend("China", "Army Commander"), ErrNotInGroup)

	sends := f.reg.sent("points", "spend")
	require.Len(t, sends, 1)
	assert.Equal(t, "game_ABC123_team_role_USAArmyCommander", sends[0].group)
}

func TestUsersList_FiltersByTeam(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, 1, "alice")
	bob := f.connect(t, 2, "bob")
	gm := f.connect(t, 3, "gm")

	join(t, alice, descriptor(1, "alice", "USA", "Army Commander"))
	join(t, bob, descriptor(2, "bob", "China", "Army Commander"))
	join(t, gm, descriptor(3, "gm", "Gamemasters", "Gamemaster"))

	list := func(s *Session, p types.Participant) []types.Participant {
		t.Helper()
		require.NoError(t, s.Receive(context.Background(), frame(t, "users", "list", p)))
		sends := f.reg.sent("users", "list")
		last := sends[len(sends)-1]
		assert.Equal(t, "game_ABC123_user_"+strconv.FormatInt(p.UserID, 10), last.group)
		var out []types.Participant
		require.NoError(t, json.Unmarshal(last.env.Data, &out))
		return out
	}

	usa := list(alice, descriptor(1, "alice", "USA", "Army Commander"))
	require.Len(t, usa, 1)
	assert.Equal(t, int64(1), usa[0].UserID)

	all := list(gm, descriptor(3, "gm", "Gamemasters", "Gamemaster"))
	require.Len(t, all, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{all[0].UserID, all[1].UserID, all[2].UserID})

	err := bob.Receive(context.Background(), frame(t, "users", "list", descriptor(1, "alice", "USA", "Army Commander")))
	require.ErrorIs(t, err, ErrImpersonation)
}

func TestUsersReady_TargetsTeam(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, 1, "alice")

	err := s.Receive(context.Background(), frame(t, "users", "ready", map[string]any{"ready": true}))
	require.ErrorIs(t, err, ErrNotJoined)

	join(t, s, descriptor(1, "alice", "USA", "Army Commander"))
	require.NoError(t, s.Receive(context.Background(), frame(t, "users", "ready", map[string]any{"ready": true})))

	sends := f.reg.sent("users", "ready")
	require.Len(t, sends, 1)
	assert.Equal(t, "game_ABC123_team_USA", sends[0].group)
}

func TestRoleInstancesDelete(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, 1, "gm")

	require.ErrorIs(t, s.Receive(context.Background(), frame(t, "role_instances", "delete", map[string]any{})), ErrMissingField)

	require.NoError(t, s.Receive(context.Background(), frame(t, "role_instances", "delete", map[string]any{"id": 42})))
	sends := f.reg.sent("role_instances", "delete")
	require.Len(t, sends, 1)
	assert.Equal(t, "game_ABC123_user_42", sends[0].group)
	assert.JSONEq(t, `{"id":42}`, string(sends[0].env.Data))
}

func TestUnknownRouteIsBroadcastUnmodified(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, 1, "alice")

	raw := []byte(`{"channel":"units","action":"move","data":{"unit":7,"to":[3,4]}}`)
	require.NoError(t, s.Receive(context.Background(), raw))

	sends := f.reg.sent("units", "move")
	require.Len(t, sends, 1)
	assert.Equal(t, "game_ABC123", sends[0].group)
	assert.JSONEq(t, `{"unit":7,"to":[3,4]}`, string(sends[0].env.Data))
}

func TestMalformedFrameIsDropped(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, 1, "alice")

	err := s.Receive(context.Background(), []byte(`{not json`))
	require.ErrorIs(t, err, ErrMalformedData)
	assert.Zero(t, f.reg.sendCount())
	assert.Equal(t, StateConnected, s.State())
}

func TestDenialReply(t *testing.T) {
	f := newFixture(t)
	f.deps.ReplyErrors = true
	s := f.connect(t, 1, "alice")

	err := s.Receive(context.Background(), frame(t, "users", "join", descriptor(9, "mallory", "USA", "Army Commander")))
	require.ErrorIs(t, err, ErrImpersonation)

	denied := f.reg.sent("errors", "denied")
	require.Len(t, denied, 1)
	assert.Equal(t, "game_ABC123_user_1", denied[0].group)

	var body deniedPayload
	require.NoError(t, json.Unmarshal(denied[0].env.Data, &body))
	assert.Equal(t, "users", body.Channel)
	assert.Equal(t, "join", body.Action)
	assert.NotEmpty(t, body.Reason)
	assert.Empty(t, f.reg.sent("users", "join"))
}

func TestTimerGetFinishTime_SingleWinner(t *testing.T) {
	f := newFixture(t)

	const players = 8
	sessions := make([]*Session, players)
	for i := range sessions {
		id := int64(i + 1)
		sessions[i] = f.connect(t, id, "player"+strconv.FormatInt(id, 10))
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			assert.NoError(t, s.Receive(context.Background(), frame(t, "timer", "get_finish_time", map[string]any{})))
		}(s)
	}
	wg.Wait()

	replies := f.reg.sent("timer", "get_finish_time")
	require.Len(t, replies, players)

	var public int
	finishes := map[int64]bool{}
	for _, r := range replies {
		if r.group == "game_ABC123" {
			public++
		}
		var body struct {
			FinishTime int64 `json:"finish_time"`
		}
		require.NoError(t, json.Unmarshal(r.env.Data, &body))
		finishes[body.FinishTime] = true
	}
	assert.Equal(t, 1, public)
	assert.Len(t, finishes, 1)
}

func TestTimerGetFinishTime_KeepsCallerFields(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, 1, "alice")

	require.NoError(t, s.Receive(context.Background(), frame(t, "timer", "get_finish_time", map[string]any{"turn": 3})))

	sends := f.reg.sent("timer", "get_finish_time")
	require.Len(t, sends, 1)
	var body map[string]any
	require.NoError(t, json.Unmarshal(sends[0].env.Data, &body))
	assert.EqualValues(t, 3, body["turn"])
	assert.Contains(t, body, "finish_time")
}

// countingTimer records how often a join asked for the countdown.
type countingTimer struct {
	inner TimerStarter
	calls atomic.Int32
}

func (c *countingTimer) Start(ctx context.Context, joinCode string) (time.Time, bool, error) {
	c.calls.Add(1)
	return c.inner.Start(ctx, joinCode)
}

func TestJoin_ConcurrentFirstJoinsStartTimerOnce(t *testing.T) {
	f := newFixture(t)
	ct := &countingTimer{inner: f.deps.Timer}
	f.deps.Timer = ct

	const players = 8
	sessions := make([]*Session, players)
	for i := range sessions {
		id := int64(i + 1)
		sessions[i] = f.connect(t, id, "player"+strconv.FormatInt(id, 10))
	}

	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(s *Session, id int64) {
			defer wg.Done()
			name := "player" + strconv.FormatInt(id, 10)
			assert.NoError(t, s.Receive(context.Background(), frame(t, "users", "join", descriptor(id, name, "USA", "Ambassador"))))
		}(s, int64(i+1))
	}
	wg.Wait()

	assert.Equal(t, int32(1), ct.calls.Load())
	assert.True(t, f.mr.Exists(store.TimerKey(code)))
}

func TestUsersList_UsesJoinedTeam(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, 1, "alice")
	bob := f.connect(t, 2, "bob")

	join(t, alice, descriptor(1, "alice", "USA", "Army Commander"))
	join(t, bob, descriptor(2, "bob", "China", "Army Commander"))

	// alice claims the Gamemasters team in the request body.
	claim := descriptor(1, "alice", "Gamemasters", "Gamemaster")
	require.NoError(t, alice.Receive(context.Background(), frame(t, "users", "list", claim)))

	sends := f.reg.sent("users", "list")
	require.Len(t, sends, 1)
	var out []types.Participant
	require.NoError(t, json.Unmarshal(sends[0].env.Data, &out))
	require.Len(t, out, 1)
	assert.Equal(t, "USA", out[0].TeamName)
}

func TestTracker_WaitsForDisconnect(t *testing.T) {
	f := newFixture(t)
	tr := NewTracker()
	f.deps.Tracker = tr

	s := New(f.deps, auth.User{ID: 1, Username: "alice"}, code)
	s.Connect(context.Background())
	join(t, s, descriptor(1, "alice", "USA", "Ambassador"))
	assert.Equal(t, int64(1), tr.Live())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, tr.Wait(ctx), context.DeadlineExceeded)

	waited := make(chan error, 1)
	go func() { waited <- tr.Wait(context.Background()) }()

	s.Disconnect(context.Background())
	s.Disconnect(context.Background())

	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Disconnect")
	}
	assert.Zero(t, tr.Live())
	assert.False(t, f.mr.Exists(store.RosterKey(code)))
}

func TestTracker_CountsUnconnectedSessions(t *testing.T) {
	f := newFixture(t)
	tr := NewTracker()
	f.deps.Tracker = tr

	s := New(f.deps, auth.User{ID: 1, Username: "alice"}, code)
	assert.Equal(t, int64(1), tr.Live())
	s.Disconnect(context.Background())
	require.NoError(t, tr.Wait(context.Background()))
}
