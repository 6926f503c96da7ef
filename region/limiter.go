package region

import (
	"context"
	"sync"
	"time"

	regionerrors "github.com/dbregion/regioncore/errors"
	"github.com/dbregion/regioncore/util/limiter"
)

// writeGate implements the disable-write barrier and in-flight-writes
// counter of §5: a write RPC takes a reference against the counter only
// after the gate is open, and a structural operation closes the gate, then
// waits for the counter to drain to zero before proceeding.
type writeGate struct {
	mu       sync.Mutex
	disabled bool
	cond     *sync.Cond
	inflight limiter.CountLimit
}

func newWriteGate(concurrency uint32) *writeGate {
	g := &writeGate{inflight: limiter.NewCountLimit(int(concurrency))}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Enter blocks new writes while the gate is disabled, then takes an
// in-flight reference; every successful Enter must be paired with Leave.
func (g *writeGate) Enter(ctx context.Context) error {
	g.mu.Lock()
	for g.disabled {
		waitCh := make(chan struct{})
		go func() {
			g.cond.Wait()
			close(waitCh)
		}()
		g.mu.Unlock()
		select {
		case <-waitCh:
		case <-ctx.Done():
			return regionerrors.ErrDisableWriteTimeout
		}
		g.mu.Lock()
	}
	g.mu.Unlock()
	return g.inflight.Acquire()
}

func (g *writeGate) Leave() {
	g.inflight.Release()
}

// Disable closes the gate to new writers; existing in-flight writers are
// unaffected and must still call Leave.
func (g *writeGate) Disable() {
	g.mu.Lock()
	g.disabled = true
	g.mu.Unlock()
}

// Enable reopens the gate and wakes any writer blocked in Enter.
func (g *writeGate) Enable() {
	g.mu.Lock()
	g.disabled = false
	g.mu.Unlock()
	g.cond.Broadcast()
}

// DrainInflight waits until Running() reaches zero or timeout elapses,
// producing the quiescent window a structural op needs (§5).
func (g *writeGate) DrainInflight(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for g.inflight.Running() > 0 {
		if time.Now().After(deadline) {
			return regionerrors.ErrSplitTimeout
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// statusGate implements the per-region IDLE/DOING compare-and-set (§4.6,
// §5): only one structural operation may be in flight at a time.
type statusGate struct {
	mu     sync.Mutex
	status int32 // 0 = idle, 1 = doing
	owner  string
}

func (s *statusGate) TryAcquire(owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != 0 {
		return false
	}
	s.status = 1
	s.owner = owner
	return true
}

func (s *statusGate) Release() {
	s.mu.Lock()
	s.status = 0
	s.owner = ""
	s.mu.Unlock()
}

func (s *statusGate) Doing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status != 0
}
