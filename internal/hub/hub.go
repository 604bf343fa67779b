// Package hub routes envelopes to named groups of live connections.
// Group membership is owned by a single goroutine; other processes hosting
// members of the same game are reached through Redis pub/sub.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DoyleJ11/wargame-backend/pkg/types"
)

// Member is anything that can receive group traffic, usually one socket.
type Member interface {
	ID() string
	// Deliver must not block; it reports false when the event was dropped.
	Deliver(env types.Envelope) bool
}

type HubMsg interface{ isHubMsg() }

type AddMember struct {
	Group  string
	Member Member
}

type DiscardMember struct {
	Group  string
	Member Member
}

type Broadcast struct {
	Group    string
	Envelope types.Envelope
}

type GetMembers struct {
	Group string
	Reply chan []string
}

type CountGroups struct {
	Reply chan int
}

func (AddMember) isHubMsg()     {}
func (DiscardMember) isHubMsg() {}
func (Broadcast) isHubMsg()     {}
func (GetMembers) isHubMsg()    {}
func (CountGroups) isHubMsg()   {}

// wireEvent is what travels over Redis between processes.
type wireEvent struct {
	Origin   string         `json:"origin"`
	Group    string         `json:"group"`
	Envelope types.Envelope `json:"envelope"`
}

type Registry struct {
	inbox  chan HubMsg
	groups map[string]map[string]Member

	rdb    redis.UniversalClient
	pubsub *redis.PubSub
	origin string

	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry starts the registry loop. With a nil rdb the registry only
// reaches members connected to this process.
func NewRegistry(parent context.Context, rdb redis.UniversalClient, log *zap.Logger) *Registry {
	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		inbox:  make(chan HubMsg, 256),
		groups: make(map[string]map[string]Member),
		rdb:    rdb,
		origin: uuid.NewString(),
		log:    log.Named("hub"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if rdb != nil {
		r.pubsub = rdb.Subscribe(ctx)
		go r.listen()
	}
	go r.loop()
	return r
}

func channelName(group string) string {
	return "groups:" + group
}

func (r *Registry) Inbox() chan<- HubMsg { return r.inbox }

func (r *Registry) send(m HubMsg) {
	select {
	case r.inbox <- m:
	case <-r.ctx.Done():
	}
}

func (r *Registry) GroupAdd(group string, m Member) {
	r.send(AddMember{Group: group, Member: m})
}

func (r *Registry) GroupDiscard(group string, m Member) {
	r.send(DiscardMember{Group: group, Member: m})
}

// GroupSend delivers env to every member of group in every process.
// A group without members is not an error.
func (r *Registry) GroupSend(ctx context.Context, group string, env types.Envelope) error {
	r.send(Broadcast{Group: group, Envelope: env})

	if r.rdb == nil {
		return nil
	}
	payload, err := json.Marshal(wireEvent{Origin: r.origin, Group: group, Envelope: env})
	if err != nil {
		return fmt.Errorf("encode event for %s: %w", group, err)
	}
	if err := r.rdb.Publish(ctx, channelName(group), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", group, err)
	}
	return nil
}

// Members returns the ids of the local members of group.
func (r *Registry) Members(group string) []string {
	reply := make(chan []string, 1)
	r.send(GetMembers{Group: group, Reply: reply})
	select {
	case ids := <-reply:
		return ids
	case <-r.ctx.Done():
		return nil
	}
}

func (r *Registry) GroupCount() int {
	reply := make(chan int, 1)
	r.send(CountGroups{Reply: reply})
	select {
	case n := <-reply:
		return n
	case <-r.ctx.Done():
		return 0
	}
}

// Shutdown stops the loop and the Redis subscription.
func (r *Registry) Shutdown() {
	r.cancel()
	<-r.done
	if r.pubsub != nil {
		_ = r.pubsub.Close()
	}
}

func (r *Registry) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			clear(r.groups)
			r.log.Info("registry stopped")
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case AddMember:
				members, ok := r.groups[msg.Group]
				if !ok {
					members = make(map[string]Member)
					r.groups[msg.Group] = members
					r.subscribe(msg.Group)
				}
				members[msg.Member.ID()] = msg.Member

			case DiscardMember:
				members, ok := r.groups[msg.Group]
				if !ok {
					break
				}
				delete(members, msg.Member.ID())
				if len(members) == 0 {
					delete(r.groups, msg.Group)
					r.unsubscribe(msg.Group)
				}

			case Broadcast:
				r.broadcast(msg.Group, msg.Envelope)

			case GetMembers:
				ids := make([]string, 0, len(r.groups[msg.Group]))
				for id := range r.groups[msg.Group] {
					ids = append(ids, id)
				}
				slices.Sort(ids)
				msg.Reply <- ids

			case CountGroups:
				msg.Reply <- len(r.groups)
			}
		}
	}
}

func (r *Registry) broadcast(group string, env types.Envelope) {
	for id, m := range r.groups[group] {
		if !m.Deliver(env) {
			// Slow member; it misses this event but stays subscribed.
			r.log.Warn("dropped event for slow member",
				zap.String("member", id),
				zap.String("group", group),
				zap.String("channel", env.Channel),
				zap.String("action", env.Action),
			)
		}
	}
}

func (r *Registry) subscribe(group string) {
	if r.pubsub == nil {
		return
	}
	if err := r.pubsub.Subscribe(r.ctx, channelName(group)); err != nil {
		r.log.Warn("redis subscribe failed", zap.String("group", group), zap.Error(err))
	}
}

func (r *Registry) unsubscribe(group string) {
	if r.pubsub == nil {
		return
	}
	if err := r.pubsub.Unsubscribe(r.ctx, channelName(group)); err != nil {
		r.log.Warn("redis unsubscribe failed", zap.String("group", group), zap.Error(err))
	}
}

// listen relays events published by other processes into the loop.
func (r *Registry) listen() {
	for msg := range r.pubsub.Channel() {
		var ev wireEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			r.log.Warn("bad event on redis", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		if ev.Origin == r.origin {
			continue
		}
		r.send(Broadcast{Group: ev.Group, Envelope: ev.Envelope})
	}
}
