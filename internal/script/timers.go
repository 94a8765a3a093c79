package script

import (
	"time"

	"github.com/dop251/goja"

	"macotron/internal/logging"
)

// Scheduler maps integer timer ids to cancellable scheduled callbacks.
// Ids start at 1 and increase monotonically per context lifetime. Firing
// re-enters the runtime under its lock and checks the context generation,
// so a timer can never run against a freed context.
type Scheduler struct {
	rt     *Runtime
	nextID int64
	timers map[int64]*timer
}

type timer struct {
	id        int64
	repeating bool
	interval  time.Duration
	ref       *Ref
	handle    *time.Timer
	cancelled bool
}

func newScheduler(rt *Runtime) *Scheduler {
	return &Scheduler{rt: rt, timers: make(map[int64]*timer)}
}

// resetLocked wipes scheduler state for a fresh context; ids restart at 1.
func (s *Scheduler) resetLocked() {
	s.nextID = 0
	s.timers = make(map[int64]*timer)
}

// SetTimeout schedules a one-shot callback and returns its id.
func (s *Scheduler) SetTimeout(callback goja.Value, delay time.Duration) (int64, error) {
	s.rt.mu.Lock()
	defer s.rt.mu.Unlock()
	return s.scheduleLocked(callback, delay, false)
}

// SetInterval schedules a repeating callback and returns its id.
func (s *Scheduler) SetInterval(callback goja.Value, interval time.Duration) (int64, error) {
	s.rt.mu.Lock()
	defer s.rt.mu.Unlock()
	return s.scheduleLocked(callback, interval, true)
}

func (s *Scheduler) scheduleLocked(callback goja.Value, d time.Duration, repeating bool) (int64, error) {
	ref, err := s.rt.retainLocked(callback)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		d = 0
	}
	s.nextID++
	t := &timer{id: s.nextID, repeating: repeating, interval: d, ref: ref}
	s.timers[t.id] = t

	gen := s.rt.gen
	t.handle = time.AfterFunc(d, func() { s.fire(t, gen) })
	return t.id, nil
}

// fire runs on a background timer goroutine and marshals onto the script
// thread by taking the runtime lock. The generation check closes the race
// with Reset: a timer armed against a dead context silently drops.
func (s *Scheduler) fire(t *timer, gen uint64) {
	s.rt.mu.Lock()
	defer s.rt.mu.Unlock()

	if gen != s.rt.gen || t.cancelled || t.ref.released {
		return
	}
	if _, err := t.ref.call(goja.Undefined()); err != nil {
		logging.Get(logging.CategoryRuntime).Error("timer %d callback failed: %v", t.id, normalizeError(err))
	}
	if t.repeating && !t.cancelled {
		t.handle = time.AfterFunc(t.interval, func() { s.fire(t, gen) })
	} else {
		s.rt.releaseLocked(t.ref)
		delete(s.timers, t.id)
	}
	s.rt.drainJobsLocked()
}

// Cancel stops a pending timer by id. Cancelling an already-fired one-shot
// timer or an unknown id is a silent no-op.
func (s *Scheduler) Cancel(id int64) {
	s.rt.mu.Lock()
	defer s.rt.mu.Unlock()
	s.cancelLocked(id)
}

func (s *Scheduler) cancelLocked(id int64) {
	t, ok := s.timers[id]
	if !ok {
		return
	}
	t.cancelled = true
	if t.handle != nil {
		t.handle.Stop()
	}
	s.rt.releaseLocked(t.ref)
	delete(s.timers, id)
}

// CancelAll cancels every pending timer without invoking callbacks.
func (s *Scheduler) CancelAll() {
	s.rt.mu.Lock()
	defer s.rt.mu.Unlock()
	s.cancelAllLocked()
}

func (s *Scheduler) cancelAllLocked() {
	for id := range s.timers {
		s.cancelLocked(id)
	}
}

// Pending reports the number of armed timers.
func (s *Scheduler) Pending() int {
	s.rt.mu.Lock()
	defer s.rt.mu.Unlock()
	return len(s.timers)
}
