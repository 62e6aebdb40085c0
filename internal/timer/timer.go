// Package timer implements the agent's timer service: one-shot and
// periodic cancellable callbacks driven off a single goroutine, mirroring
// the teacher's cooperative single-threaded event-loop dispatch pattern so
// the checklist engine's Ta pacing and keepalive ticks never race agent
// state directly.
package timer

import (
	"sync"
	"time"
)

// Handle cancels a scheduled callback. Cancelling after the callback has
// already fired is a no-op.
type Handle struct {
	cancel func()
}

// Cancel stops the timer if it has not yet fired.
func (h Handle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Service runs callbacks on a caller-supplied dispatch function so they are
// interleaved with the agent's own task queue rather than running
// concurrently with it (spec's single-threaded dispatch requirement,
// Design Notes "Concurrency model").
type Service struct {
	dispatch func(func())

	mu      sync.Mutex
	closed  bool
	pending map[*time.Timer]struct{}
}

// NewService constructs a timer service. dispatch is called with each due
// callback; the agent typically implements it as "push onto my task
// queue", so callbacks never run on the timer goroutine itself.
func NewService(dispatch func(func())) *Service {
	return &Service{dispatch: dispatch, pending: make(map[*time.Timer]struct{})}
}

// After schedules fn to run (via dispatch) once, after d.
func (s *Service) After(d time.Duration, fn func()) Handle {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Handle{}
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, stillPending := s.pending[t]
		if stillPending {
			delete(s.pending, t)
		}
		closed := s.closed
		s.mu.Unlock()
		if stillPending && !closed {
			s.dispatch(fn)
		}
	})
	s.pending[t] = struct{}{}
	s.mu.Unlock()

	return Handle{cancel: func() {
		t.Stop()
		s.mu.Lock()
		delete(s.pending, t)
		s.mu.Unlock()
	}}
}

// Every schedules fn to run (via dispatch) repeatedly at interval d, until
// cancelled. Used for Ta-paced ordinary checks and the selected-pair
// keepalive.
func (s *Service) Every(d time.Duration, fn func()) Handle {
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				s.dispatch(fn)
			}
		}
	}()

	return Handle{cancel: func() {
		once.Do(func() { close(stop) })
	}}
}

// Close cancels all pending one-shot timers; periodic timers started with
// Every must be cancelled individually via their returned Handle (mirrors
// "agent shutdown drains pending timers" in spec §5).
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for t := range s.pending {
		t.Stop()
	}
	s.pending = nil
}
