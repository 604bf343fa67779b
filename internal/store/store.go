// Package store holds the ephemeral per-game state shared by every server
// process: the roster of joined participants and the turn timer marker.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("key not found")
var ErrConflict = errors.New("concurrent modification")

// Store is the keyed, atomic state store the session layer talks to.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// SetIfAbsent creates key only if it does not exist yet and reports
	// whether this call created it.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	HGet(ctx context.Context, key, field string) ([]byte, error)
	HSet(ctx context.Context, key, field string, value []byte) error
	HSetIfAbsent(ctx context.Context, key, field string, value []byte) (bool, error)
	// HSetIfAbsentLen is HSetIfAbsent that also reports the hash length
	// observed in the same transaction.
	HSetIfAbsentLen(ctx context.Context, key, field string, value []byte) (bool, int64, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HExists(ctx context.Context, key, field string) (bool, error)
	HLen(ctx context.Context, key string) (int64, error)

	// HPop atomically reads and removes one hash field.
	HPop(ctx context.Context, key, field string) ([]byte, bool, error)

	// DeleteIfValue removes key only while it still holds value.
	DeleteIfValue(ctx context.Context, key string, value []byte) (bool, error)

	// DeletePrefix removes every key starting with prefix. The prefix is
	// matched literally.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

func GamePrefix(joinCode string) string {
	return fmt.Sprintf("game_%s_", joinCode)
}

func RosterKey(joinCode string) string {
	return fmt.Sprintf("game_%s_role_instances", joinCode)
}

func TimerKey(joinCode string) string {
	return fmt.Sprintf("game_%s_timer", joinCode)
}
