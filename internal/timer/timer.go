// Package timer runs the per-game turn countdown. At most one countdown is
// active per game; the connection that creates the marker owns the loop
// that announces the remaining time.
package timer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/wargame-backend/internal/groups"
	"github.com/DoyleJ11/wargame-backend/internal/store"
	"github.com/DoyleJ11/wargame-backend/pkg/types"
)

const (
	Channel      = "timer"
	ActionUpdate = "update"
)

// Publisher is the slice of the hub the countdown needs.
type Publisher interface {
	GroupSend(ctx context.Context, group string, env types.Envelope) error
}

type Config struct {
	Duration time.Duration // length of one turn
	Grace    time.Duration // extra marker lifetime past the finish time
	Interval time.Duration // how often updates are published
}

// Update is the payload of timer/update.
type Update struct {
	FinishTime       int64 `json:"finish_time"`
	RemainingSeconds int64 `json:"remaining_seconds"`
}

type Coordinator struct {
	store store.Store
	pub   Publisher
	cfg   Config
	now   func() time.Time
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCoordinator(parent context.Context, st store.Store, pub Publisher, cfg Config, log *zap.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	return &Coordinator{
		store:  st,
		pub:    pub,
		cfg:    cfg,
		now:    time.Now,
		log:    log.Named("timer"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start makes sure a countdown is running for the game and returns its
// finish time. created is true only for the single caller that started it.
// A marker whose finish time has passed is still in its grace period and
// counts as absent: the caller replaces it with a fresh countdown.
func (c *Coordinator) Start(ctx context.Context, joinCode string) (time.Time, bool, error) {
	key := store.TimerKey(joinCode)

	// A marker can expire or be replaced between the failed create and the
	// read; another round then creates or reads the fresh countdown.
	for attempt := 0; attempt < 3; attempt++ {
		finish := time.Unix(c.now().Add(c.cfg.Duration).Unix(), 0)
		value := encodeFinish(finish)

		created, err := c.store.SetIfAbsent(ctx, key, value, c.cfg.Duration+c.cfg.Grace)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("create timer for %s: %w", joinCode, err)
		}
		if created {
			c.log.Info("timer started", zap.String("join_code", joinCode), zap.Int64("finish_time", finish.Unix()))
			c.wg.Add(1)
			go c.run(joinCode, finish)
			return finish, true, nil
		}

		raw, err := c.store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return time.Time{}, false, fmt.Errorf("read timer for %s: %w", joinCode, err)
		}
		secs, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("bad timer marker for %s: %w", joinCode, err)
		}
		existing := time.Unix(secs, 0)
		if existing.After(c.now()) {
			return existing, false, nil
		}

		// Only the exact marker read is removed, so a countdown another
		// caller has just created survives.
		if _, err := c.store.DeleteIfValue(ctx, key, raw); err != nil {
			return time.Time{}, false, fmt.Errorf("clear expired timer for %s: %w", joinCode, err)
		}
		c.log.Debug("expired timer cleared", zap.String("join_code", joinCode), zap.Int64("finish_time", secs))
	}
	return time.Time{}, false, fmt.Errorf("start timer for %s: %w", joinCode, store.ErrConflict)
}

func encodeFinish(finish time.Time) []byte {
	return []byte(strconv.FormatInt(finish.Unix(), 10))
}

func (c *Coordinator) remaining(finish time.Time) int64 {
	left := math.Ceil(finish.Sub(c.now()).Seconds())
	if left < 0 {
		return 0
	}
	return int64(left)
}

func (c *Coordinator) run(joinCode string, finish time.Time) {
	defer c.wg.Done()

	log := c.log.With(zap.String("join_code", joinCode))
	key := store.TimerKey(joinCode)
	group := groups.Game(joinCode)
	own := encodeFinish(finish)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		raw, err := c.store.Get(c.ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			log.Info("timer marker gone, stopping countdown")
			return
		}
		if err != nil {
			log.Warn("timer liveness check failed", zap.Error(err))
			continue
		}
		if !bytes.Equal(raw, own) {
			log.Info("timer marker replaced, stopping countdown")
			return
		}

		left := c.remaining(finish)
		env, err := types.NewEnvelope(Channel, ActionUpdate, Update{FinishTime: finish.Unix(), RemainingSeconds: left})
		if err != nil {
			log.Error("encode timer update", zap.Error(err))
			return
		}
		if err := c.pub.GroupSend(c.ctx, group, env); err != nil {
			log.Warn("publish timer update", zap.Error(err))
		}
		if left == 0 {
			log.Info("timer finished")
			return
		}
	}
}

// Wait blocks until every running countdown has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown stops every countdown owned by this process.
func (c *Coordinator) Shutdown() {
	c.cancel()
	c.wg.Wait()
}
