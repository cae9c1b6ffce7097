package scheduler

import (
	"sync"
	"time"

	"github.com/caseload/knockbacksync/assert"
	"github.com/elliotchance/orderedmap/v2"
)

// TickScheduler is the Scheduler for hosts that run one global tick loop. Tasks are kept in
// insertion order and run by Tick on whatever goroutine the host ticks on, so tasks due on the same
// tick run in the order they were scheduled.
type TickScheduler struct {
	pool *Pool

	mu     sync.Mutex
	tick   int64
	nextID uint64
	tasks  *orderedmap.OrderedMap[uint64, *entry]
	closed bool

	ticker *time.Ticker
	stop   chan struct{}
}

type entry struct {
	task   *Task
	f      func()
	due    int64
	period int64
	async  bool
}

// NewTickScheduler returns a TickScheduler that hands async tasks to pool.
func NewTickScheduler(pool *Pool) *TickScheduler {
	return &TickScheduler{
		pool:  pool,
		tasks: orderedmap.NewOrderedMap[uint64, *entry](),
	}
}

// Start ticks the scheduler from an internal 20 TPS ticker until Close is called. It is only used
// when the host has no tick loop of its own to drive Tick.
func (s *TickScheduler) Start() {
	s.mu.Lock()
	if s.ticker != nil || s.closed {
		s.mu.Unlock()
		return
	}
	s.ticker = time.NewTicker(TickDuration)
	s.stop = make(chan struct{})
	ticker, stop := s.ticker, s.stop
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				s.Tick()
			case <-stop:
				return
			}
		}
	}()
}

// CurrentTick returns the amount of ticks the scheduler has processed.
func (s *TickScheduler) CurrentTick() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// Pending returns the amount of tasks waiting to run.
func (s *TickScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks.Len()
}

// Tick advances the scheduler by one tick and runs every task that is due.
func (s *TickScheduler) Tick() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.tick++

	var due []*entry
	for el := s.tasks.Front(); el != nil; {
		next := el.Next()
		if e := el.Value; e.due <= s.tick {
			due = append(due, e)
			s.tasks.Delete(el.Key)
			if e.period > 0 {
				e.due = s.tick + e.period
				s.tasks.Set(el.Key, e)
			}
		}
		el = next
	}
	s.mu.Unlock()

	for _, e := range due {
		if e.async {
			task, f := e.task, e.f
			s.pool.Submit(func() { task.run(f) })
			continue
		}
		e.task.run(e.f)
	}
}

func (s *TickScheduler) schedule(f func(), delay, period int64, async bool) *Task {
	assert.IsTrue(delay >= 0, "task scheduled with negative delay %d", delay)
	assert.IsTrue(period >= 0, "task scheduled with negative period %d", period)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return cancelledTask()
	}
	s.nextID++
	id := s.nextID
	t := newTask(period > 0)
	s.tasks.Set(id, &entry{task: t, f: f, due: s.tick + delay, period: period, async: async})
	s.mu.Unlock()

	t.attach(func() {
		s.mu.Lock()
		s.tasks.Delete(id)
		s.mu.Unlock()
	})
	return t
}

// Run ...
func (s *TickScheduler) Run(f func()) *Task {
	return s.schedule(f, 0, 0, false)
}

// RunAsync ...
func (s *TickScheduler) RunAsync(f func()) *Task {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return cancelledTask()
	}

	t := newTask(false)
	if !s.pool.Submit(func() { t.run(f) }) {
		t.expire()
	}
	return t
}

// RunLater ...
func (s *TickScheduler) RunLater(f func(), delay int64) *Task {
	return s.schedule(f, delay, 0, false)
}

// RunTimer ...
func (s *TickScheduler) RunTimer(f func(), delay, period int64) *Task {
	assert.IsTrue(period > 0, "timer scheduled with period %d", period)
	return s.schedule(f, delay, period, false)
}

// RunLaterAsync ...
func (s *TickScheduler) RunLaterAsync(f func(), delay int64) *Task {
	return s.schedule(f, delay, 0, true)
}

// RunTimerAsync ...
func (s *TickScheduler) RunTimerAsync(f func(), delay, period int64) *Task {
	assert.IsTrue(period > 0, "timer scheduled with period %d", period)
	return s.schedule(f, delay, period, true)
}

// Close cancels every pending task, stops the internal ticker if one was started and waits for the
// async workers to drain.
func (s *TickScheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for el := s.tasks.Front(); el != nil; el = el.Next() {
		el.Value.task.expire()
	}
	s.tasks = orderedmap.NewOrderedMap[uint64, *entry]()
	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
	}
	s.mu.Unlock()

	s.pool.Close()
}
