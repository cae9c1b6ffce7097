package knockback

import (
	"github.com/caseload/knockbacksync/scheduler"
	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"github.com/zeebo/xxh3"
)

const slotShards = 32

// slot holds the pending re-application of one victim. Every field is guarded by mu.
type slot struct {
	mu deadlock.Mutex
	// task is the pending re-application, nil if there is none.
	task *scheduler.Task
	// tick is the host tick of the event task was scheduled for.
	tick int64
	// seq is the receive order of the event task was scheduled for.
	seq uint64
	// gen is bumped every time task is replaced or cleared, so a task that fires after being
	// superseded can tell it no longer owns the slot.
	gen uint64
	// dead is set once the victim quit.
	dead bool
}

// clear cancels the pending task, if any, and returns true if a task was cancelled by this call.
func (s *slot) clear() bool {
	if s.task == nil {
		return false
	}
	cancelled := s.task.Cancel()
	s.task = nil
	s.gen++
	return cancelled
}

type slotTable struct {
	shards [slotShards]struct {
		mu deadlock.Mutex
		m  map[uuid.UUID]*slot
	}
}

func newSlotTable() *slotTable {
	t := &slotTable{}
	for i := range t.shards {
		t.shards[i].m = make(map[uuid.UUID]*slot)
	}
	return t
}

// acquire returns the locked slot of the victim, creating it if needed.
func (t *slotTable) acquire(id uuid.UUID) *slot {
	sh := &t.shards[xxh3.Hash(id[:])%slotShards]
	for {
		sh.mu.Lock()
		s, ok := sh.m[id]
		if !ok {
			s = &slot{}
			sh.m[id] = s
		}
		sh.mu.Unlock()

		s.mu.Lock()
		if !s.dead {
			return s
		}
		// The slot was removed between the lookup and locking it; look it up again.
		s.mu.Unlock()
	}
}

// lookup returns the locked slot of the victim if it has one.
func (t *slotTable) lookup(id uuid.UUID) (*slot, bool) {
	sh := &t.shards[xxh3.Hash(id[:])%slotShards]
	sh.mu.Lock()
	s, ok := sh.m[id]
	sh.mu.Unlock()
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return nil, false
	}
	return s, true
}

// remove deletes the slot of the victim and returns it locked and marked dead.
func (t *slotTable) remove(id uuid.UUID) (*slot, bool) {
	sh := &t.shards[xxh3.Hash(id[:])%slotShards]
	sh.mu.Lock()
	s, ok := sh.m[id]
	delete(sh.m, id)
	sh.mu.Unlock()
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	s.dead = true
	return s, true
}

// each calls f with every slot locked in turn.
func (t *slotTable) each(f func(s *slot)) {
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		slots := make([]*slot, 0, len(sh.m))
		for _, s := range sh.m {
			slots = append(slots, s)
		}
		sh.mu.Unlock()

		for _, s := range slots {
			s.mu.Lock()
			f(s)
			s.mu.Unlock()
		}
	}
}

// pending returns the amount of victims with a pending re-application.
func (t *slotTable) pending() int {
	n := 0
	t.each(func(s *slot) {
		if s.task != nil {
			n++
		}
	})
	return n
}
