package proxy

import (
	"time"

	"github.com/caseload/knockbacksync/platform"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

// Player is a platform.Player over a proxied session. Its position, velocity and ground state are
// the ones last reported by the client or forced by the server.
type Player struct {
	s *session
}

func (p Player) UUID() uuid.UUID {
	return p.s.id
}

func (p Player) Name() string {
	return p.s.name
}

func (p Player) Position() mgl64.Vec3 {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.pos
}

func (p Player) Velocity() mgl64.Vec3 {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.vel
}

// SetVelocity sends the velocity to the client directly, without passing it through the server.
func (p Player) SetVelocity(v mgl64.Vec3) {
	p.s.setVelocity(v)
}

func (p Player) OnGround() bool {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.onGround
}

func (p Player) Latency() time.Duration {
	return p.s.latency()
}

func (p Player) World() platform.World {
	return p.s.world
}
