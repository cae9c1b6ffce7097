package knockback

import (
	"github.com/caseload/knockbacksync/scheduler"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

// VelocityEvent is one attempt by the host to apply knockback to a victim.
type VelocityEvent struct {
	victim   uuid.UUID
	attacker uuid.UUID
	attacked bool
	velocity mgl64.Vec3
	tick     int64
}

// NewVelocityEvent returns an event for a raw knockback velocity raised for victim at the tick passed.
func NewVelocityEvent(victim uuid.UUID, velocity mgl64.Vec3, tick int64) VelocityEvent {
	return VelocityEvent{victim: victim, velocity: velocity, tick: tick}
}

// WithAttacker returns a copy of the event caused by the attacker passed.
func (ev VelocityEvent) WithAttacker(attacker uuid.UUID) VelocityEvent {
	ev.attacker, ev.attacked = attacker, true
	return ev
}

// Victim returns the id of the player receiving the knockback.
func (ev VelocityEvent) Victim() uuid.UUID {
	return ev.victim
}

// Attacker returns the id of the player that caused the knockback, if any.
func (ev VelocityEvent) Attacker() (uuid.UUID, bool) {
	return ev.attacker, ev.attacked
}

// Velocity returns the raw velocity the host wanted to apply.
func (ev VelocityEvent) Velocity() mgl64.Vec3 {
	return ev.velocity
}

// Tick returns the host tick the event was raised at.
func (ev VelocityEvent) Tick() int64 {
	return ev.tick
}

// Action is what the host must do with a knockback after the pipeline has handled it.
type Action int

const (
	// ActionPass lets the host apply the raw velocity itself.
	ActionPass Action = iota
	// ActionReplace makes the host apply the compensated velocity instead of the raw one.
	ActionReplace
	// ActionDefer suppresses the host's application; the compensated velocity is applied by a
	// scheduled task.
	ActionDefer
	// ActionDrop suppresses the host's application because a newer knockback is already pending.
	ActionDrop
)

func (a Action) String() string {
	switch a {
	case ActionPass:
		return "pass"
	case ActionReplace:
		return "replace"
	case ActionDefer:
		return "defer"
	case ActionDrop:
		return "drop"
	}
	return "unknown"
}

// Decision is the outcome of handling a VelocityEvent.
type Decision struct {
	Action Action
	// Velocity is the velocity to apply, either by the host or by the deferred task.
	Velocity mgl64.Vec3
	// Compensated is true if the velocity was computed with latency compensation.
	Compensated bool
	// Window is the compensation window in ticks.
	Window int64
	// Delay is the amount of ticks the application was deferred by.
	Delay int64
	// Task is the deferred application, set for ActionDefer only.
	Task *scheduler.Task
	// Seq is the order in which the pipeline received the event, starting at 1. Of two events
	// raised at the same tick, the one received last wins.
	Seq uint64
}

// HostApplies returns true if the host should apply Velocity itself in the current callback.
func (d Decision) HostApplies() bool {
	return d.Action == ActionPass || d.Action == ActionReplace
}
