package dragonfly

import (
	"github.com/df-mc/dragonfly/server/player"
	"github.com/df-mc/dragonfly/server/world"
	"github.com/go-gl/mathgl/mgl64"
)

// handler is attached to every player joining the host. It hands the knockback of attacks made by
// the player to the registered velocity handler.
type handler struct {
	player.NopHandler
	h *Host
}

// HandleAttackEntity ...
func (hd handler) HandleAttackEntity(ctx *player.Context, e world.Entity, force, height *float64, _ *bool) {
	victim, ok := e.(*player.Player)
	if !ok {
		return
	}
	handle := hd.h.velocityHandler()
	if handle == nil {
		return
	}
	attacker := ctx.Val()
	attackerID := attacker.UUID()

	raw := knockbackVelocity(victim.Position(), attacker.Position(), *force, *height)
	v, apply := handle(NewPlayer(victim, victim.Tx()), &attackerID, raw, hd.h.tick())
	if !apply {
		// Dragonfly applies knockback along the attacker to victim direction no matter what, so the
		// closest thing to suppressing it is a zero vector. The compensated vector follows later.
		*force, *height = 0, 0
		return
	}
	*force, *height = splitKnockback(v)
}

// HandleQuit ...
func (hd handler) HandleQuit(p *player.Player) {
	hd.h.quitPlayer(p.UUID())
}

// knockbackVelocity returns the velocity dragonfly gives a victim at pos knocked back from src.
func knockbackVelocity(pos, src mgl64.Vec3, force, height float64) mgl64.Vec3 {
	v := pos.Sub(src)
	v[1] = 0
	if v.Len() != 0 {
		v = v.Normalize().Mul(force)
	}
	v[1] = height
	return v
}

// splitKnockback returns the force and height that make dragonfly apply v. The horizontal direction
// of v is assumed to be the one dragonfly knocks back in.
func splitKnockback(v mgl64.Vec3) (force, height float64) {
	return mgl64.Vec2{v.X(), v.Z()}.Len(), v.Y()
}
