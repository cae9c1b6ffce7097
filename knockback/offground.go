package knockback

import (
	"time"

	"github.com/caseload/knockbacksync/platform"
	"github.com/caseload/knockbacksync/settings"
	"github.com/go-gl/mathgl/mgl64"
)

const (
	gravity = 0.08
	drag    = 0.98
)

var down = mgl64.Vec3{0, -1, 0}

// syncOffGround replaces the vertical component of v with the on-ground knockback height if the
// airborne victim will have landed by the time a knockback sent now reaches its client.
func syncOffGround(victim platform.Player, v mgl64.Vec3, latency time.Duration, conf settings.Settings) (mgl64.Vec3, bool) {
	if victim.OnGround() {
		return v, false
	}
	w := victim.World()
	if w == nil {
		return v, false
	}

	pos := victim.Position()
	res, ok := w.RayTraceBlocks(pos, down, conf.Knockback.MaxGroundDistance, platform.FluidNone, true)
	if !ok {
		return v, false
	}
	if !willLand(victim.Velocity().Y(), pos.Y()-res.Position.Y(), LatencyTicks(latency)) {
		return v, false
	}
	v[1] = conf.Knockback.GroundHeight
	return v, true
}

// willLand simulates vertical motion starting at velocity vy and returns true if the entity falls
// at least dist blocks within the amount of ticks passed.
func willLand(vy, dist float64, ticks int64) bool {
	if dist <= 0 {
		return true
	}
	fallen := 0.0
	for i := int64(0); i < ticks; i++ {
		fallen -= vy
		if fallen >= dist {
			return true
		}
		vy = (vy - gravity) * drag
	}
	return false
}
