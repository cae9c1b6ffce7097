package world

import (
	"sync"
	_ "unsafe"

	"github.com/caseload/knockbacksync/oerror"
	"github.com/df-mc/dragonfly/server/world"
	"github.com/df-mc/dragonfly/server/world/chunk"
	"github.com/sandertv/gophertunnel/minecraft/protocol/packet"
	"github.com/zeebo/xxh3"
	"go.uber.org/atomic"
)

// airRID is the runtime ID of air, used as the empty block of decoded chunks.
var airRID uint32

// The proxy never starts a dragonfly server, so the block registry is finalised here before any
// runtime ID sent by the remote server is resolved.
//
//go:linkname finaliseBlockRegistry github.com/df-mc/dragonfly/server/world.finaliseBlockRegistry
func finaliseBlockRegistry()

func init() {
	finaliseBlockRegistry()
	rid, ok := chunk.StateToRuntimeID("minecraft:air", nil)
	if !ok {
		panic(oerror.New("air has no runtime ID"))
	}
	airRID = rid
}

// Cache shares decoded chunks between the worlds of every proxied player, so that the same chunk
// sent to many players is only decoded and stored once.
type Cache struct {
	mu     sync.Mutex
	chunks map[xxh3.Uint128]*CachedChunk
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{chunks: make(map[xxh3.Uint128]*CachedChunk)}
}

// CachedChunk is a chunk shared through a Cache. It stays cached while at least one world is
// subscribed to it.
type CachedChunk struct {
	subs atomic.Int64
	c    *chunk.Chunk
}

// Subscribe ...
func (cc *CachedChunk) Subscribe() {
	cc.subs.Inc()
}

// Unsubscribe ...
func (cc *CachedChunk) Unsubscribe() {
	cc.subs.Dec()
}

// Subscribers returns the amount of worlds holding the chunk.
func (cc *CachedChunk) Subscribers() int64 {
	return cc.subs.Load()
}

// Block ...
func (cc *CachedChunk) Block(x uint8, y int16, z uint8, layer uint8) (rid uint32) {
	return cc.c.Block(x, y, z, layer)
}

// Decode returns the chunk held by a LevelChunk packet. The chunk is subscribed to once it is added
// to a World. A payload that fails to decode yields an empty chunk along with the error.
func (c *Cache) Decode(pk *packet.LevelChunk) (*CachedChunk, error) {
	hash := xxh3.Hash128(pk.RawPayload)

	// The lock is held while decoding so that two players receiving the same chunk at once do not
	// both decode and cache it.
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	cached, ok := c.chunks[hash]
	if !ok {
		var ch *chunk.Chunk
		ch, err = chunk.NetworkDecode(airRID, pk.RawPayload, int(pk.SubChunkCount), world.Overworld.Range())
		if err != nil {
			ch = chunk.New(airRID, world.Overworld.Range())
		}
		ch.Compact()

		cached = &CachedChunk{c: ch}
		c.chunks[hash] = cached
	}
	return cached, err
}

// Sweep removes the chunks no world is subscribed to anymore and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for hash, cached := range c.chunks {
		if cached.subs.Load() <= 0 {
			delete(c.chunks, hash)
			n++
		}
	}
	return n
}

// Len returns the amount of cached chunks.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}
