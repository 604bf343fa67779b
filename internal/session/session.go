// Package session is the per-connection half of the game hub. A Session
// joins the fixed game and user groups on connect, routes every inbound
// envelope through the handler Table, and tears its subscriptions and
// roster entry down on disconnect.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/wargame-backend/internal/auth"
	"github.com/DoyleJ11/wargame-backend/internal/catalog"
	"github.com/DoyleJ11/wargame-backend/internal/groups"
	"github.com/DoyleJ11/wargame-backend/internal/hub"
	"github.com/DoyleJ11/wargame-backend/internal/store"
	"github.com/DoyleJ11/wargame-backend/pkg/types"
)

const defaultOutboxSize = 32

type Registry interface {
	GroupAdd(group string, m hub.Member)
	GroupDiscard(group string, m hub.Member)
	GroupSend(ctx context.Context, group string, env types.Envelope) error
}

type CatalogLoader interface {
	Load(ctx context.Context) (catalog.Catalog, error)
}

type TimerStarter interface {
	Start(ctx context.Context, joinCode string) (time.Time, bool, error)
}

// Deps is shared by every session of the process.
type Deps struct {
	Registry Registry
	Store    store.Store
	Catalog  CatalogLoader
	Timer    TimerStarter
	Table    Table
	Log      *zap.Logger

	// Tracker, when set, sees every session from New until Disconnect.
	Tracker *Tracker

	// ReplyErrors sends errors/denied to the caller when a handler refuses
	// an envelope. Off by default: denials are silent.
	ReplyErrors bool
	OutboxSize  int
}

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateJoined
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

type Session struct {
	id       string
	deps     Deps
	user     auth.User
	joinCode string
	log      *zap.Logger

	gameGroup string
	userGroup string

	outbox chan types.Envelope
	done   chan struct{}

	// mu serialises envelope handling with disconnect.
	mu             sync.Mutex
	state          State
	participant    types.Participant
	teamGroups     []string
	teamRoleGroup  string
	channelGroups  []string
	transferGroups []string
}

func New(deps Deps, user auth.User, joinCode string) *Session {
	size := deps.OutboxSize
	if size <= 0 {
		size = defaultOutboxSize
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Table == nil {
		deps.Table = DefaultTable()
	}

	if deps.Tracker != nil {
		deps.Tracker.add()
	}

	id := uuid.NewString()
	return &Session{
		id:       id,
		deps:     deps,
		user:     user,
		joinCode: joinCode,
		log: deps.Log.Named("session").With(
			zap.String("session", id),
			zap.String("join_code", joinCode),
			zap.Int64("user_id", user.ID),
		),
		gameGroup:      groups.Game(joinCode),
		userGroup:      groups.User(joinCode, user.ID),
		outbox:         make(chan types.Envelope, size),
		done:           make(chan struct{}),
		state:          StateConnecting,
		teamGroups:     []string{},
		channelGroups:  []string{},
		transferGroups: []string{},
	}
}

func (s *Session) ID() string { return s.id }

// Deliver hands a group event to the socket writer without blocking.
func (s *Session) Deliver(env types.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbox <- env:
		return true
	default:
		return false
	}
}

// Outbox is drained by the socket writer. It is never closed; watch Done.
func (s *Session) Outbox() <-chan types.Envelope { return s.outbox }

// Done is closed once the session has disconnected.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Groups lists every group the session is currently subscribed to.
func (s *Session) Groups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribedLocked()
}

func (s *Session) subscribedLocked() []string {
	if s.state == StateConnecting || s.state == StateDisconnected {
		return nil
	}
	out := []string{s.gameGroup, s.userGroup}
	out = append(out, s.joinedGroupsLocked()...)
	return out
}

func (s *Session) joinedGroupsLocked() []string {
	var out []string
	out = append(out, s.teamGroups...)
	if s.teamRoleGroup != "" {
		out = append(out, s.teamRoleGroup)
	}
	out = append(out, s.channelGroups...)
	out = append(out, s.transferGroups...)
	return out
}

// Connect subscribes the whole-game and per-user groups.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return
	}
	s.deps.Registry.GroupAdd(s.gameGroup, s)
	s.deps.Registry.GroupAdd(s.userGroup, s)
	s.state = StateConnected
	s.log.Info("connected")
}

// Receive handles one inbound frame. The returned error has already been
// logged; the connection stays usable whatever it is.
func (s *Session) Receive(ctx context.Context, raw []byte) error {
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.log.Debug("dropping malformed frame", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrMalformedData, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected && s.state != StateJoined {
		return fmt.Errorf("receive in state %s: %w", s.state, ErrNotJoined)
	}

	handler, ok := s.deps.Table.Lookup(env.Channel, env.Action)
	if !ok {
		return s.send(ctx, s.gameGroup, env)
	}

	d, err := handler(ctx, s, env.Data)
	if err != nil {
		s.deny(ctx, env, err)
		return err
	}
	return s.send(ctx, d.Group, types.Envelope{Channel: env.Channel, Action: env.Action, Data: d.Data})
}

func (s *Session) send(ctx context.Context, group string, env types.Envelope) error {
	if err := s.deps.Registry.GroupSend(ctx, group, env); err != nil {
		s.log.Warn("group send failed",
			zap.String("group", group),
			zap.String("channel", env.Channel),
			zap.String("action", env.Action),
			zap.Error(err),
		)
		return err
	}
	return nil
}

type deniedPayload struct {
	Channel string `json:"channel"`
	Action  string `json:"action"`
	Reason  string `json:"reason"`
}

func (s *Session) deny(ctx context.Context, env types.Envelope, err error) {
	fields := []zap.Field{
		zap.String("channel", env.Channel),
		zap.String("action", env.Action),
		zap.Error(err),
	}
	if !IsDenial(err) {
		s.log.Warn("handler failed", fields...)
	} else {
		s.log.Info("envelope denied", fields...)
	}

	if !s.deps.ReplyErrors {
		return
	}
	reply, mErr := types.NewEnvelope("errors", "denied", deniedPayload{
		Channel: env.Channel,
		Action:  env.Action,
		Reason:  err.Error(),
	})
	if mErr != nil {
		return
	}
	_ = s.send(ctx, s.userGroup, reply)
}

// Disconnect releases the roster entry and every subscription. It is safe
// to call more than once and from any state; cleanup failures are logged.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return
	}

	var errs error
	if s.state == StateJoined {
		field := strconv.FormatInt(s.user.ID, 10)
		removed, found, err := s.deps.Store.HPop(ctx, store.RosterKey(s.joinCode), field)
		switch {
		case err != nil:
			errs = multierr.Append(errs, err)
		case found:
			leave := types.Envelope{Channel: "users", Action: "leave", Data: json.RawMessage(removed)}
			errs = multierr.Append(errs, s.deps.Registry.GroupSend(ctx, s.gameGroup, leave))
		}
	}

	for _, g := range s.subscribedLocked() {
		s.deps.Registry.GroupDiscard(g, s)
	}

	s.state = StateDisconnected
	s.teamGroups, s.teamRoleGroup = []string{}, ""
	s.channelGroups, s.transferGroups = []string{}, []string{}
	close(s.done)
	if s.deps.Tracker != nil {
		defer s.deps.Tracker.done()
	}

	if errs != nil {
		s.log.Warn("disconnect cleanup incomplete", zap.Error(errs))
		return
	}
	s.log.Info("disconnected")
}
