package session

import (
	"context"
	"sync"
	"sync/atomic"
)

// Tracker counts sessions that have not finished Disconnect yet. The HTTP
// server does not wait for hijacked sockets, so shutdown waits here before
// closing the store the sessions clean up through.
type Tracker struct {
	wg   sync.WaitGroup
	live atomic.Int64
}

func NewTracker() *Tracker { return &Tracker{} }

func (t *Tracker) add() {
	t.wg.Add(1)
	t.live.Add(1)
}

func (t *Tracker) done() {
	t.live.Add(-1)
	t.wg.Done()
}

// Live is the number of sessions still to disconnect.
func (t *Tracker) Live() int64 { return t.live.Load() }

// Wait blocks until every tracked session has disconnected or ctx ends.
func (t *Tracker) Wait(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
