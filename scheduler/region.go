package scheduler

import (
	"sync"
	"time"

	"github.com/caseload/knockbacksync/assert"
)

// RegionScheduler is the Scheduler for hosts that tick regions in parallel. Synchronous tasks are
// dispatched into a Region; delays are kept by runtime timers that dispatch into the region once
// they fire.
type RegionScheduler struct {
	region Region
	pool   *Pool

	mu     sync.Mutex
	nextID uint64
	tasks  map[uint64]*Task
	closed bool
}

// NewRegionScheduler returns a RegionScheduler dispatching synchronous tasks to region and async
// tasks to pool.
func NewRegionScheduler(region Region, pool *Pool) *RegionScheduler {
	return &RegionScheduler{
		region: region,
		pool:   pool,
		tasks:  make(map[uint64]*Task),
	}
}

// Pending returns the amount of tasks that have not completed or been cancelled.
func (s *RegionScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// track registers t so that Close can cancel it, and returns the id it was registered under.
func (s *RegionScheduler) track(t *Task) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false
	}
	s.nextID++
	s.tasks[s.nextID] = t
	return s.nextID, true
}

func (s *RegionScheduler) untrack(id uint64) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

// dispatch runs f in the region or in the pool.
func (s *RegionScheduler) dispatch(f func(), async bool) {
	if async {
		s.pool.Submit(f)
		return
	}
	s.region.Exec(f)
}

func (s *RegionScheduler) schedule(f func(), delay, period int64, async bool) *Task {
	assert.IsTrue(delay >= 0, "task scheduled with negative delay %d", delay)
	assert.IsTrue(period >= 0, "task scheduled with negative period %d", period)

	t := newTask(period > 0)
	id, ok := s.track(t)
	if !ok {
		return cancelledTask()
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	var fire func()
	fire = func() {
		s.dispatch(func() {
			t.run(f)
			if !t.Periodic() || t.Cancelled() {
				s.untrack(id)
				return
			}
			timerMu.Lock()
			timer = time.AfterFunc(time.Duration(period)*TickDuration, fire)
			timerMu.Unlock()
		}, async)
	}

	t.attach(func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
		s.untrack(id)
	})

	if delay == 0 {
		fire()
		return t
	}
	timerMu.Lock()
	timer = time.AfterFunc(time.Duration(delay)*TickDuration, fire)
	timerMu.Unlock()
	return t
}

// Run ...
func (s *RegionScheduler) Run(f func()) *Task {
	return s.schedule(f, 0, 0, false)
}

// RunAsync ...
func (s *RegionScheduler) RunAsync(f func()) *Task {
	return s.schedule(f, 0, 0, true)
}

// RunLater ...
func (s *RegionScheduler) RunLater(f func(), delay int64) *Task {
	return s.schedule(f, delay, 0, false)
}

// RunTimer ...
func (s *RegionScheduler) RunTimer(f func(), delay, period int64) *Task {
	assert.IsTrue(period > 0, "timer scheduled with period %d", period)
	return s.schedule(f, delay, period, false)
}

// RunLaterAsync ...
func (s *RegionScheduler) RunLaterAsync(f func(), delay int64) *Task {
	return s.schedule(f, delay, 0, true)
}

// RunTimerAsync ...
func (s *RegionScheduler) RunTimerAsync(f func(), delay, period int64) *Task {
	assert.IsTrue(period > 0, "timer scheduled with period %d", period)
	return s.schedule(f, delay, period, true)
}

// Close cancels every outstanding task and waits for the async workers to drain.
func (s *RegionScheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tasks := s.tasks
	s.tasks = make(map[uint64]*Task)
	s.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
	s.pool.Close()
}
