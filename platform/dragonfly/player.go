package dragonfly

import (
	"time"

	"github.com/caseload/knockbacksync/internal/raytrace"
	"github.com/caseload/knockbacksync/platform"
	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/df-mc/dragonfly/server/player"
	"github.com/df-mc/dragonfly/server/world"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

// Player is a platform.Player over a dragonfly player. It must not be used outside the transaction
// it was created in.
type Player struct {
	p  *player.Player
	tx *world.Tx
}

// NewPlayer returns a view of p valid for the duration of tx.
func NewPlayer(p *player.Player, tx *world.Tx) Player {
	return Player{p: p, tx: tx}
}

func (pl Player) UUID() uuid.UUID {
	return pl.p.UUID()
}

func (pl Player) Name() string {
	return pl.p.Name()
}

func (pl Player) Position() mgl64.Vec3 {
	return pl.p.Position()
}

func (pl Player) Velocity() mgl64.Vec3 {
	return pl.p.Velocity()
}

func (pl Player) SetVelocity(v mgl64.Vec3) {
	pl.p.SetVelocity(v)
}

func (pl Player) OnGround() bool {
	return pl.p.OnGround()
}

// Latency returns the round trip time of the player's connection. Dragonfly reports the one-way
// latency, so it is doubled.
func (pl Player) Latency() time.Duration {
	return pl.p.Latency() * 2
}

func (pl Player) World() platform.World {
	if pl.tx == nil {
		return nil
	}
	return World{tx: pl.tx}
}

// World is a platform.World over a dragonfly world transaction.
type World struct {
	tx *world.Tx
}

func (w World) BlockAt(x, y, z int) platform.BlockState {
	return raytrace.State(w.tx.Block(cube.Pos{x, y, z}))
}

func (w World) RayTraceBlocks(start, dir mgl64.Vec3, maxDistance float64, fluids platform.FluidHandling, ignorePassable bool) (platform.RayTraceResult, bool) {
	return raytrace.Blocks(w.tx, start, dir, maxDistance, fluids, ignorePassable)
}
