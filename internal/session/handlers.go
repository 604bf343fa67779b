package session

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/wargame-backend/internal/groups"
	"github.com/DoyleJ11/wargame-backend/internal/store"
	"github.com/DoyleJ11/wargame-backend/pkg/types"
)

// Route selects a handler.
type Route struct {
	Channel string
	Action  string
}

// Delivery is where an accepted envelope goes and what it carries.
type Delivery struct {
	Group string
	Data  json.RawMessage
}

// Handler validates one envelope. Returning an error drops the envelope.
// Handlers run with the session lock held.
type Handler func(ctx context.Context, s *Session, data json.RawMessage) (Delivery, error)

type Table map[Route]Handler

func (t Table) Lookup(channel, action string) (Handler, bool) {
	h, ok := t[Route{Channel: channel, Action: action}]
	return h, ok
}

func DefaultTable() Table {
	return Table{
		{"users", "join"}:            handleUsersJoin,
		{"users", "list"}:            handleUsersList,
		{"users", "ready"}:           handleUsersReady,
		{"role_instances", "delete"}: handleRoleInstancesDelete,
		{"communications", "send"}:   handleCommunicationsSend,
		{"points", "send"}:           handlePointsSend,
		{"points", "spend"}:          handlePointsSpend,
		{"timer", "get_finish_time"}: handleTimerGetFinishTime,
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("%w: data", ErrMissingField)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedData, err)
	}
	return nil
}

func encode(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

func (s *Session) checkIdentity(p types.Participant) error {
	if p.UserID != s.user.ID || p.Username != s.user.Username {
		return fmt.Errorf("%w: descriptor names %q (%d)", ErrImpersonation, p.Username, p.UserID)
	}
	return nil
}

func handleUsersJoin(ctx context.Context, s *Session, data json.RawMessage) (Delivery, error) {
	var p types.Participant
	if err := decode(data, &p); err != nil {
		return Delivery{}, err
	}
	if err := s.checkIdentity(p); err != nil {
		return Delivery{}, err
	}
	if s.state == StateJoined {
		return Delivery{}, ErrDuplicateJoin
	}
	if p.TeamName == "" || p.RoleName == "" {
		return Delivery{}, fmt.Errorf("%w: team_name and role_name", ErrMissingField)
	}

	cat, err := s.deps.Catalog.Load(ctx)
	if err != nil {
		return Delivery{}, fmt.Errorf("load catalog: %w", err)
	}

	teamGroups := groups.TeamGroups(s.joinCode, cat, p)
	teamRoleGroup := groups.TeamRole(s.joinCode, p.TeamName, p.RoleName)
	channelGroups := groups.ChannelGroups(s.joinCode, cat, p)
	transferGroups := groups.TransferGroups(s.joinCode, cat, p)

	var joined []string
	joined = append(joined, teamGroups...)
	joined = append(joined, teamRoleGroup)
	joined = append(joined, channelGroups...)
	joined = append(joined, transferGroups...)

	// Subscribe first so the participant is reachable the moment the
	// roster says they are in.
	for _, g := range joined {
		s.deps.Registry.GroupAdd(g, s)
	}
	rollback := func() {
		for _, g := range joined {
			s.deps.Registry.GroupDiscard(g, s)
		}
	}

	created, size, err := s.deps.Store.HSetIfAbsentLen(ctx, store.RosterKey(s.joinCode), strconv.FormatInt(p.UserID, 10), data)
	if err != nil {
		rollback()
		return Delivery{}, fmt.Errorf("commit roster entry: %w", err)
	}
	if !created {
		rollback()
		return Delivery{}, ErrDuplicateJoin
	}

	s.participant = p
	s.teamGroups = teamGroups
	s.teamRoleGroup = teamRoleGroup
	s.channelGroups = channelGroups
	s.transferGroups = transferGroups
	s.state = StateJoined
	s.log.Info("joined",
		zap.String("team", p.TeamName),
		zap.String("role", p.RoleName),
		zap.Int("channels", len(channelGroups)),
		zap.Int("transfers", len(transferGroups)),
	)

	// The entry and the size come from one transaction, so exactly one of
	// several racing first joins sees a roster of one.
	if size == 1 {
		s.startTimer(ctx)
	}
	return Delivery{Group: s.gameGroup, Data: data}, nil
}

// startTimer starts the countdown for the game. Failures are logged only;
// timer/get_finish_time starts it later anyway.
func (s *Session) startTimer(ctx context.Context) {
	if _, _, err := s.deps.Timer.Start(ctx, s.joinCode); err != nil {
		s.log.Warn("timer start failed", zap.Error(err))
	}
}

func handleUsersList(ctx context.Context, s *Session, data json.RawMessage) (Delivery, error) {
	var caller types.Participant
	if err := decode(data, &caller); err != nil {
		return Delivery{}, err
	}
	if caller.Username != s.user.Username {
		return Delivery{}, fmt.Errorf("%w: list requested as %q", ErrImpersonation, caller.Username)
	}

	// Once joined, the committed team decides what the caller may see.
	team := caller.TeamName
	if s.state == StateJoined {
		team = s.participant.TeamName
	}

	entries, err := s.deps.Store.HGetAll(ctx, store.RosterKey(s.joinCode))
	if err != nil {
		return Delivery{}, fmt.Errorf("read roster: %w", err)
	}

	type row struct {
		id  int64
		raw json.RawMessage
	}
	rows := make([]row, 0, len(entries))
	for field, raw := range entries {
		var p types.Participant
		if err := json.Unmarshal(raw, &p); err != nil {
			s.log.Warn("skipping unreadable roster entry", zap.String("field", field), zap.Error(err))
			continue
		}
		if team != groups.GamemasterTeam && p.TeamName != team {
			continue
		}
		rows = append(rows, row{id: p.UserID, raw: raw})
	}
	slices.SortFunc(rows, func(a, b row) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})

	list := make([]json.RawMessage, 0, len(rows))
	for _, r := range rows {
		list = append(list, r.raw)
	}
	payload, err := encode(list)
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{Group: s.userGroup, Data: payload}, nil
}

func handleUsersReady(_ context.Context, s *Session, data json.RawMessage) (Delivery, error) {
	if s.state != StateJoined {
		return Delivery{}, ErrNotJoined
	}
	return Delivery{Group: groups.Team(s.joinCode, s.participant.TeamName), Data: data}, nil
}

func handleRoleInstancesDelete(_ context.Context, s *Session, data json.RawMessage) (Delivery, error) {
	var req struct {
		ID int64 `json:"id"`
	}
	if err := decode(data, &req); err != nil {
		return Delivery{}, err
	}
	if req.ID == 0 {
		return Delivery{}, fmt.Errorf("%w: id", ErrMissingField)
	}
	return Delivery{Group: groups.User(s.joinCode, req.ID), Data: data}, nil
}

type routedMessage struct {
	Sender            *types.Participant `json:"sender"`
	RecipientTeamName string             `json:"recipient_team_name"`
	RecipientRoleName string             `json:"recipient_role_name"`
}

func (m routedMessage) validate() error {
	var errs error
	if m.Sender == nil || m.Sender.TeamName == "" || m.Sender.RoleName == "" {
		errs = multierr.Append(errs, fmt.Errorf("%w: sender", ErrMissingField))
	}
	if m.RecipientTeamName == "" {
		errs = multierr.Append(errs, fmt.Errorf("%w: recipient_team_name", ErrMissingField))
	}
	if m.RecipientRoleName == "" {
		errs = multierr.Append(errs, fmt.Errorf("%w: recipient_role_name", ErrMissingField))
	}
	return errs
}

func handleCommunicationsSend(_ context.Context, s *Session, data json.RawMessage) (Delivery, error) {
	var msg routedMessage
	if err := decode(data, &msg); err != nil {
		return Delivery{}, err
	}
	if err := msg.validate(); err != nil {
		return Delivery{}, err
	}

	id := groups.Channel(s.joinCode, msg.Sender.TeamName, msg.Sender.RoleName, msg.RecipientTeamName, msg.RecipientRoleName)
	if !slices.Contains(s.channelGroups, id) {
		return Delivery{}, fmt.Errorf("%w: %s", ErrNotInGroup, id)
	}
	return Delivery{Group: id, Data: data}, nil
}

func handlePointsSend(_ context.Context, s *Session, data json.RawMessage) (Delivery, error) {
	var msg routedMessage
	if err := decode(data, &msg); err != nil {
		return Delivery{}, err
	}
	if err := msg.validate(); err != nil {
		return Delivery{}, err
	}

	id := groups.Transfer(s.joinCode, msg.Sender.TeamName, msg.Sender.RoleName, msg.RecipientTeamName, msg.RecipientRoleName)
	if !slices.Contains(s.transferGroups, id) {
		return Delivery{}, fmt.Errorf("%w: %s", ErrNotInGroup, id)
	}
	return Delivery{Group: id, Data: data}, nil
}

func handlePointsSpend(_ context.Context, s *Session, data json.RawMessage) (Delivery, error) {
	var req struct {
		TeamName     string `json:"team_name"`
		RoleName     string `json:"role_name"`
		SupplyPoints *int64 `json:"supply_points"`
	}
	if err := decode(data, &req); err != nil {
		return Delivery{}, err
	}
	if req.TeamName == "" || req.RoleName == "" || req.SupplyPoints == nil {
		return Delivery{}, fmt.Errorf("%w: team_name, role_name and supply_points", ErrMissingField)
	}
	if s.state != StateJoined {
		return Delivery{}, ErrNotJoined
	}

	id := groups.TeamRole(s.joinCode, req.TeamName, req.RoleName)
	if id != s.teamRoleGroup {
		return Delivery{}, fmt.Errorf("%w: %s", ErrNotInGroup, id)
	}
	return Delivery{Group: id, Data: data}, nil
}

func handleTimerGetFinishTime(ctx context.Context, s *Session, data json.RawMessage) (Delivery, error) {
	payload := map[string]json.RawMessage{}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &payload); err != nil {
			return Delivery{}, fmt.Errorf("%w: %v", ErrMalformedData, err)
		}
	}

	finish, created, err := s.deps.Timer.Start(ctx, s.joinCode)
	if err != nil {
		return Delivery{}, fmt.Errorf("start timer: %w", err)
	}
	payload["finish_time"] = json.RawMessage(strconv.FormatInt(finish.Unix(), 10))

	out, err := encode(payload)
	if err != nil {
		return Delivery{}, err
	}
	// The caller that started the countdown announces it to everyone.
	group := s.userGroup
	if created {
		group = s.gameGroup
	}
	return Delivery{Group: group, Data: out}, nil
}
