package platform

import (
	"github.com/go-gl/mathgl/mgl64"
)

// FluidHandling specifies how a ray trace treats liquids.
type FluidHandling int

const (
	// FluidNone makes rays pass through every liquid.
	FluidNone FluidHandling = iota
	// FluidSourceOnly makes rays stop at liquid source blocks only.
	FluidSourceOnly
	// FluidAny makes rays stop at any liquid.
	FluidAny
)

// Face is a face of a block.
type Face int

const (
	FaceDown Face = iota
	FaceUp
	FaceNorth
	FaceSouth
	FaceWest
	FaceEast
)

// BlockState is the host-neutral state of a block.
type BlockState struct {
	Name       string
	Properties map[string]any
}

// Air is the state of an empty block.
var Air = BlockState{Name: "minecraft:air"}

// IsAir returns true if the state is air.
func (b BlockState) IsAir() bool {
	return b.Name == "" || b.Name == Air.Name
}

// RayTraceResult is the block hit by a ray trace.
type RayTraceResult struct {
	// Position is the exact point the ray hit.
	Position mgl64.Vec3
	Face     Face
	Block    [3]int
	State    BlockState
}

// Distance returns the distance between start and the point the ray hit.
func (r RayTraceResult) Distance(start mgl64.Vec3) float64 {
	return r.Position.Sub(start).Len()
}
