// Package raytrace traces rays through dragonfly block sources. Both the dragonfly platform and the
// proxy's copy of the client world use it to implement platform.World.
package raytrace

import (
	"math"

	"github.com/caseload/knockbacksync/platform"
	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/df-mc/dragonfly/server/block/cube/trace"
	"github.com/df-mc/dragonfly/server/world"
	"github.com/go-gl/mathgl/mgl64"
)

// Source is a world that blocks and liquids can be read from, such as a *world.Tx.
type Source interface {
	Block(pos cube.Pos) world.Block
	Liquid(pos cube.Pos) (world.Liquid, bool)
}

var fullBlock = []cube.BBox{cube.Box(0, 0, 0, 1, 1, 1)}

// Blocks traces a ray from start in direction dir for at most maxDistance blocks and returns the
// closest block it hits. Liquids are hit according to fluids. Blocks without collision boxes are
// treated as full blocks unless ignorePassable is set.
func Blocks(src Source, start, dir mgl64.Vec3, maxDistance float64, fluids platform.FluidHandling, ignorePassable bool) (platform.RayTraceResult, bool) {
	if maxDistance <= 0 || dir.Len() == 0 {
		return platform.RayTraceResult{}, false
	}
	end := start.Add(dir.Normalize().Mul(maxDistance))

	var (
		res platform.RayTraceResult
		hit bool
	)
	trace.TraverseBlocks(start, end, func(pos cube.Pos) bool {
		b := src.Block(pos)
		boxes := b.Model().BBox(pos, src)
		if l, ok := src.Liquid(pos); ok {
			if stopsAt(l, fluids) {
				boxes = append(boxes, cube.Box(0, 0, 0, 1, liquidHeight(l), 1))
			}
		} else if len(boxes) == 0 && !ignorePassable && !State(b).IsAir() {
			boxes = fullBlock
		}

		closest := math.MaxFloat64
		for _, bb := range boxes {
			r, ok := trace.BBoxIntercept(bb.Translate(pos.Vec3()), start, end)
			if !ok {
				continue
			}
			if d := r.Position().Sub(start).Len(); d < closest {
				closest = d
				res = platform.RayTraceResult{
					Position: r.Position(),
					Face:     platform.Face(r.Face()),
					Block:    [3]int{pos[0], pos[1], pos[2]},
					State:    State(b),
				}
				hit = true
			}
		}
		return !hit
	})
	return res, hit
}

// State converts a dragonfly block to its host-neutral state.
func State(b world.Block) platform.BlockState {
	if b == nil {
		return platform.Air
	}
	name, properties := b.EncodeBlock()
	return platform.BlockState{Name: name, Properties: properties}
}

// stopsAt returns true if a ray with the fluid handling passed stops at l.
func stopsAt(l world.Liquid, fluids platform.FluidHandling) bool {
	switch fluids {
	case platform.FluidAny:
		return true
	case platform.FluidSourceOnly:
		return l.LiquidDepth() == 8 && !l.LiquidFalling()
	}
	return false
}

func liquidHeight(l world.Liquid) float64 {
	if l.LiquidFalling() {
		return 1
	}
	return float64(l.LiquidDepth()) / 9
}
