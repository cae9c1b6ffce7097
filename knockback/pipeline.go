package knockback

import (
	"github.com/caseload/knockbacksync/latency"
	"github.com/caseload/knockbacksync/platform"
	"github.com/caseload/knockbacksync/scheduler"
	"github.com/caseload/knockbacksync/settings"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Stats counts the outcomes of the pipeline since it was created.
type Stats struct {
	Passed      int64
	Compensated int64
	Deferred    int64
	Superseded  int64
	Dropped     int64
	// Stale counts deferred tasks that fired as a no-op, because they were superseded while already
	// running or because the victim was gone.
	Stale int64
}

// Pipeline decides, for every knockback raised by a host, whether it is applied as is, replaced
// by a latency compensated velocity, or deferred to a later tick. At most one deferred application
// is pending per victim; a newer knockback always replaces it.
type Pipeline struct {
	log     *logrus.Logger
	src     settings.Source
	tracker *latency.Tracker
	sched   scheduler.Scheduler
	srv     platform.Server

	slots *slotTable
	seq   atomic.Uint64

	passed, compensated, deferred atomic.Int64
	superseded, dropped, stale    atomic.Int64
}

// NewPipeline returns a Pipeline reading latencies from tracker, deferring through sched and
// resolving victims of deferred knockback through srv.
func NewPipeline(log *logrus.Logger, src settings.Source, tracker *latency.Tracker, sched scheduler.Scheduler, srv platform.Server) *Pipeline {
	return &Pipeline{
		log:     log,
		src:     src,
		tracker: tracker,
		sched:   sched,
		srv:     srv,
		slots:   newSlotTable(),
	}
}

// Handle handles one knockback for victim and returns what the host must do with it. victim is
// only used within the call.
func (p *Pipeline) Handle(ev VelocityEvent, victim platform.Player) Decision {
	seq := p.seq.Inc()

	conf := p.src.Settings()
	l := p.tracker.Latency(ev.victim)
	if !conf.Knockback.Enabled || l < conf.NegligibleLatency() {
		p.supersede(ev.victim)
		p.passed.Inc()
		return Decision{Action: ActionPass, Velocity: ev.velocity, Seq: seq}
	}

	policy := PolicyFrom(conf)
	window := policy.Window(l)
	v := ev.velocity
	if conf.Knockback.OffGroundSync && victim != nil {
		var synced bool
		if v, synced = syncOffGround(victim, v, l, conf); synced {
			p.log.Debugf("off-ground sync for %v: vertical knockback set to %v", ev.victim, v.Y())
		}
	}

	if !conf.Knockback.BypassResistance {
		p.supersede(ev.victim)
		p.compensated.Inc()
		return Decision{Action: ActionReplace, Velocity: v, Compensated: true, Window: window, Seq: seq}
	}

	s := p.slots.acquire(ev.victim)
	defer s.mu.Unlock()

	if s.task != nil && (ev.tick < s.tick || (ev.tick == s.tick && seq < s.seq)) {
		// An event raised or received later than this one is already pending, so this one lost
		// the race.
		p.dropped.Inc()
		return Decision{Action: ActionDrop, Window: window, Seq: seq}
	}
	if s.clear() {
		p.superseded.Inc()
	}

	delay := policy.Delay(window)
	p.compensated.Inc()
	if delay == 0 {
		return Decision{Action: ActionReplace, Velocity: v, Compensated: true, Window: window, Seq: seq}
	}

	s.gen++
	gen, id := s.gen, ev.victim
	s.task = p.sched.RunLater(func() { p.reapply(id, s, gen, v) }, delay)
	s.tick, s.seq = ev.tick, seq
	p.deferred.Inc()
	return Decision{Action: ActionDefer, Velocity: v, Compensated: true, Window: window, Delay: delay, Task: s.task, Seq: seq}
}

// reapply applies a deferred knockback if the task still owns the victim's slot and the victim is
// still online.
func (p *Pipeline) reapply(id uuid.UUID, s *slot, gen uint64, v mgl64.Vec3) {
	s.mu.Lock()
	if s.dead || s.gen != gen {
		s.mu.Unlock()
		p.stale.Inc()
		return
	}
	s.task = nil
	s.gen++
	s.mu.Unlock()

	if !p.srv.ExecPlayer(id, func(pl platform.Player) { pl.SetVelocity(v) }) {
		p.stale.Inc()
		p.log.Debugf("dropping deferred knockback for %v: player is no longer online", id)
	}
}

// supersede cancels the pending re-application of the victim, if any.
func (p *Pipeline) supersede(id uuid.UUID) {
	s, ok := p.slots.lookup(id)
	if !ok {
		return
	}
	if s.clear() {
		p.superseded.Inc()
	}
	s.mu.Unlock()
}

// Forget cancels the pending re-application of a victim that quit and frees its slot.
func (p *Pipeline) Forget(id uuid.UUID) {
	s, ok := p.slots.remove(id)
	if !ok {
		return
	}
	s.clear()
	s.mu.Unlock()
}

// Pending returns the amount of victims with a deferred knockback waiting to be applied.
func (p *Pipeline) Pending() int {
	return p.slots.pending()
}

// Close cancels every pending re-application.
func (p *Pipeline) Close() {
	p.slots.each(func(s *slot) {
		s.clear()
	})
}

// Stats returns the counters of the pipeline.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Passed:      p.passed.Load(),
		Compensated: p.compensated.Load(),
		Deferred:    p.deferred.Load(),
		Superseded:  p.superseded.Load(),
		Dropped:     p.dropped.Load(),
		Stale:       p.stale.Load(),
	}
}
