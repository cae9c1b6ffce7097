package raytrace

import (
	"testing"

	"github.com/caseload/knockbacksync/platform"
	"github.com/df-mc/dragonfly/server/block"
	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/df-mc/dragonfly/server/world"
	"github.com/go-gl/mathgl/mgl64"
)

type mockSource map[cube.Pos]world.Block

func (m mockSource) Block(pos cube.Pos) world.Block {
	if b, ok := m[pos]; ok {
		return b
	}
	return block.Air{}
}

func (m mockSource) Liquid(pos cube.Pos) (world.Liquid, bool) {
	l, ok := m[pos].(world.Liquid)
	return l, ok
}

var down = mgl64.Vec3{0, -1, 0}

func TestBlocksHitsGround(t *testing.T) {
	src := mockSource{{0, 63, 0}: block.Stone{}}

	res, ok := Blocks(src, mgl64.Vec3{0.5, 66.2, 0.5}, down, 6, platform.FluidNone, true)
	if !ok {
		t.Fatalf("expected ray to hit the ground")
	}
	if !mgl64.FloatEqual(res.Position.Y(), 64) {
		t.Fatalf("expected hit on top of the block, got %v", res.Position)
	}
	if res.Face != platform.FaceUp || res.Block != [3]int{0, 63, 0} {
		t.Fatalf("unexpected hit: face %v block %v", res.Face, res.Block)
	}
	if res.State.Name != "minecraft:stone" {
		t.Fatalf("expected stone, got %v", res.State.Name)
	}
	if d := res.Distance(mgl64.Vec3{0.5, 66.2, 0.5}); !mgl64.FloatEqualThreshold(d, 2.2, 1e-9) {
		t.Fatalf("expected distance 2.2, got %v", d)
	}
}

func TestBlocksOutOfRange(t *testing.T) {
	src := mockSource{{0, 50, 0}: block.Stone{}}
	if _, ok := Blocks(src, mgl64.Vec3{0.5, 66, 0.5}, down, 6, platform.FluidNone, true); ok {
		t.Fatalf("expected no hit beyond the max distance")
	}
	if _, ok := Blocks(src, mgl64.Vec3{0.5, 66, 0.5}, mgl64.Vec3{}, 6, platform.FluidNone, true); ok {
		t.Fatalf("expected no hit without direction")
	}
}

func TestBlocksFluids(t *testing.T) {
	src := mockSource{
		{0, 64, 0}: block.Water{Still: true, Depth: 8},
		{0, 60, 0}: block.Stone{},
	}
	start := mgl64.Vec3{0.5, 67, 0.5}

	res, ok := Blocks(src, start, down, 10, platform.FluidNone, true)
	if !ok || res.Block != [3]int{0, 60, 0} {
		t.Fatalf("expected ray to pass through water, got %v %v", ok, res.Block)
	}
	res, ok = Blocks(src, start, down, 10, platform.FluidSourceOnly, true)
	if !ok || res.Block != [3]int{0, 64, 0} {
		t.Fatalf("expected ray to stop at a water source, got %v %v", ok, res.Block)
	}

	src[cube.Pos{0, 64, 0}] = block.Water{Depth: 3}
	res, ok = Blocks(src, start, down, 10, platform.FluidSourceOnly, true)
	if !ok || res.Block != [3]int{0, 60, 0} {
		t.Fatalf("expected ray to pass through flowing water, got %v %v", ok, res.Block)
	}
	res, ok = Blocks(src, start, down, 10, platform.FluidAny, true)
	if !ok || res.Block != [3]int{0, 64, 0} {
		t.Fatalf("expected ray to stop at any water, got %v %v", ok, res.Block)
	}
}

func TestStateOfAir(t *testing.T) {
	if !State(block.Air{}).IsAir() || !State(nil).IsAir() {
		t.Fatalf("expected air state")
	}
}
