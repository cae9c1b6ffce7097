// Package world keeps a copy of the world a proxied client sees, built from the chunk and block
// packets the remote server sends. It gives the proxy enough geometry to trace rays for players
// that are not hosted in-process.
package world

import (
	"github.com/caseload/knockbacksync/internal/raytrace"
	"github.com/caseload/knockbacksync/platform"
	"github.com/chewxy/math32"
	"github.com/df-mc/dragonfly/server/block"
	df_cube "github.com/df-mc/dragonfly/server/block/cube"
	"github.com/df-mc/dragonfly/server/world"
	"github.com/ethaniccc/float32-cube/cube"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/sandertv/gophertunnel/minecraft/protocol"
	"github.com/sasha-s/go-deadlock"
)

// ChunkSource returns block runtime IDs like a regular chunk.
type ChunkSource interface {
	Block(x uint8, y int16, z uint8, layer uint8) (rid uint32)
}

// World is the copy of the world of one proxied player. It is safe for concurrent use.
type World struct {
	mu deadlock.RWMutex

	lastCleanPos protocol.ChunkPos
	chunks       map[protocol.ChunkPos]ChunkSource
	// exempted holds chunks added since the last clean. They are kept even when out of range until
	// a clean finds them in range, as the server may send chunks before the player moved there.
	exempted     map[protocol.ChunkPos]struct{}
	blockUpdates map[protocol.ChunkPos]map[df_cube.Pos]world.Block
}

// New returns an empty World.
func New() *World {
	return &World{
		chunks:       make(map[protocol.ChunkPos]ChunkSource),
		exempted:     make(map[protocol.ChunkPos]struct{}),
		blockUpdates: make(map[protocol.ChunkPos]map[df_cube.Pos]world.Block),
	}
}

// AddChunk adds a chunk to the world, replacing the chunk and block updates previously at pos.
func (w *World) AddChunk(pos protocol.ChunkPos, c ChunkSource) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if old, ok := w.chunks[pos]; ok {
		release(old)
		delete(w.blockUpdates, pos)
	}
	if cached, ok := c.(*CachedChunk); ok {
		cached.Subscribe()
	}
	w.chunks[pos] = c
	w.exempted[pos] = struct{}{}
}

// Chunk returns the chunk at pos, or nil if it was never sent.
func (w *World) Chunk(pos protocol.ChunkPos) ChunkSource {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.chunks[pos]
}

// Len returns the amount of chunks in the world.
func (w *World) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.chunks)
}

// Block returns the block at pos. Positions in unknown chunks are air.
func (w *World) Block(pos df_cube.Pos) world.Block {
	return w.block(pos, 0)
}

// Liquid returns the liquid at pos, either as the block itself or in its second layer.
func (w *World) Liquid(pos df_cube.Pos) (world.Liquid, bool) {
	if l, ok := w.block(pos, 0).(world.Liquid); ok {
		return l, true
	}
	l, ok := w.block(pos, 1).(world.Liquid)
	return l, ok
}

func (w *World) block(pos df_cube.Pos, layer uint8) world.Block {
	if cube.Pos(pos).OutOfBounds(cube.Range(world.Overworld.Range())) {
		return block.Air{}
	}
	chunkPos := protocol.ChunkPos{int32(pos[0]) >> 4, int32(pos[2]) >> 4}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if layer == 0 {
		if b, ok := w.blockUpdates[chunkPos][pos]; ok {
			return b
		}
	}
	c, ok := w.chunks[chunkPos]
	if !ok {
		return block.Air{}
	}
	rid := c.Block(uint8(pos[0]&15), int16(pos[1]), uint8(pos[2]&15), layer)
	if b, ok := world.BlockByRuntimeID(rid); ok {
		return b
	}
	return block.Air{}
}

// SetBlock sets the block at pos, overriding what the chunk holds.
func (w *World) SetBlock(pos df_cube.Pos, b world.Block) {
	if cube.Pos(pos).OutOfBounds(cube.Range(world.Overworld.Range())) {
		return
	}
	chunkPos := protocol.ChunkPos{int32(pos[0]) >> 4, int32(pos[2]) >> 4}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.blockUpdates[chunkPos] == nil {
		w.blockUpdates[chunkPos] = make(map[df_cube.Pos]world.Block)
	}
	w.blockUpdates[chunkPos][pos] = b
}

// BlockAt ...
func (w *World) BlockAt(x, y, z int) platform.BlockState {
	return raytrace.State(w.Block(df_cube.Pos{x, y, z}))
}

// RayTraceBlocks ...
func (w *World) RayTraceBlocks(start, dir mgl64.Vec3, maxDistance float64, fluids platform.FluidHandling, ignorePassable bool) (platform.RayTraceResult, bool) {
	return raytrace.Blocks(w, start, dir, maxDistance, fluids, ignorePassable)
}

// CleanChunks removes the chunks outside radius around pos.
func (w *World) CleanChunks(radius int32, pos protocol.ChunkPos) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if pos == w.lastCleanPos {
		return
	}
	w.lastCleanPos = pos

	for chunkPos, c := range w.chunks {
		_, exempted := w.exempted[chunkPos]
		inRange := chunkInRange(radius, chunkPos, pos)

		if exempted && inRange {
			delete(w.exempted, chunkPos)
		} else if !exempted && !inRange {
			release(c)
			delete(w.chunks, chunkPos)
			delete(w.blockUpdates, chunkPos)
		}
	}
}

// PurgeChunks removes all chunks from the world.
func (w *World) PurgeChunks() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, c := range w.chunks {
		release(c)
	}
	w.chunks = make(map[protocol.ChunkPos]ChunkSource)
	w.exempted = make(map[protocol.ChunkPos]struct{})
	w.blockUpdates = make(map[protocol.ChunkPos]map[df_cube.Pos]world.Block)
}

// release drops the world's subscription to c if it came from a Cache.
func release(c ChunkSource) {
	if cached, ok := c.(*CachedChunk); ok {
		cached.Unsubscribe()
	}
}

// chunkInRange returns true if the chunk position is within the given radius of the chunk position.
func chunkInRange(radius int32, chunkPos, pos protocol.ChunkPos) bool {
	diffX, diffZ := pos[0]-chunkPos[0], pos[1]-chunkPos[1]
	dist := math32.Sqrt(float32(diffX*diffX) + float32(diffZ*diffZ))

	return int32(dist) <= radius
}
