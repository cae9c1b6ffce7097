// Package platform contains the capability interfaces every supported host implements. The
// knockback pipeline and the latency tracker only ever see hosts through these interfaces.
package platform

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

// Player is a view of a host player. A Player is only valid for the duration of the host callback
// it was handed out in; code that runs later must resolve the player again through Server.ExecPlayer.
type Player interface {
	// UUID returns the stable identity of the player.
	UUID() uuid.UUID
	// Name returns the display name of the player.
	Name() string
	// Position returns the position of the player's feet.
	Position() mgl64.Vec3
	// Velocity returns the current velocity of the player.
	Velocity() mgl64.Vec3
	// SetVelocity sets the velocity of the player and sends it to its client.
	SetVelocity(v mgl64.Vec3)
	// OnGround returns true if the host considers the player to be on the ground.
	OnGround() bool
	// Latency returns the latency the host measured for the player's connection.
	Latency() time.Duration
	// World returns the world the player is in.
	World() World
}

// World is a view of a host world, valid for the same duration as the Player it was obtained from.
type World interface {
	// BlockAt returns the state of the block at the position passed.
	BlockAt(x, y, z int) BlockState
	// RayTraceBlocks traces a ray from start in direction dir for at most maxDistance blocks and
	// returns the first block it hits.
	RayTraceBlocks(start, dir mgl64.Vec3, maxDistance float64, fluids FluidHandling, ignorePassable bool) (RayTraceResult, bool)
}

// Server resolves live players.
type Server interface {
	// ExecPlayer calls f with a live view of the player with the id passed, on the goroutine that
	// owns that player. f may run after ExecPlayer returned. ExecPlayer returns false without calling
	// f if the player is not online anymore.
	ExecPlayer(id uuid.UUID, f func(p Player)) bool
}

// VelocityHandler handles a raw knockback velocity raised by a host for victim. It returns the
// velocity the host should apply itself and false if the host must not apply any velocity.
type VelocityHandler func(victim Player, attacker *uuid.UUID, velocity mgl64.Vec3, tick int64) (mgl64.Vec3, bool)

// Registrar subscribes handlers to the events of a host platform.
type Registrar interface {
	// RegisterVelocityHandler subscribes h to the host's knockback events.
	RegisterVelocityHandler(h VelocityHandler)
	// RegisterSessionHandler subscribes join and quit to players joining and leaving the host.
	RegisterSessionHandler(join, quit func(id uuid.UUID))
}

// Host is implemented by every supported host platform.
type Host interface {
	Server
	Registrar
}
