package proxy

import (
	"time"

	"github.com/caseload/knockbacksync/world"
	"github.com/df-mc/dragonfly/server/block"
	"github.com/df-mc/dragonfly/server/block/cube"
	df_world "github.com/df-mc/dragonfly/server/world"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/sandertv/gophertunnel/minecraft/protocol"
	"github.com/sandertv/gophertunnel/minecraft/protocol/packet"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// eyeHeight is the offset between the feet of a player and the position sent in movement packets.
const eyeHeight = 1.62

// latencyInterval is the amount of ticks between two latency acknowledgements.
const latencyInterval = 10

// conn is the side of a proxied connection leading to the client.
type conn interface {
	WritePacket(pk packet.Packet) error
	Latency() time.Duration
}

// session is the proxy's state of one connected player.
type session struct {
	log   *logrus.Logger
	proxy *Proxy

	id     uuid.UUID
	name   string
	rid    uint64
	orbis  bool
	client conn
	world  *world.World
	acks   *acknowledgements

	mu           deadlock.Mutex
	pos, vel     mgl64.Vec3
	onGround     bool
	chunkRadius  int32
	stackLatency time.Duration
	measured     bool
	warned       bool
	closed       bool
}

func newSession(p *Proxy, id uuid.UUID, name string, rid uint64, orbis bool, client conn) *session {
	return &session{
		log:         p.log,
		proxy:       p,
		id:          id,
		name:        name,
		rid:         rid,
		orbis:       orbis,
		client:      client,
		world:       world.New(),
		acks:        newAcknowledgements(),
		chunkRadius: 16,
	}
}

// handleClient processes a packet sent by the client and returns false if it must not be forwarded
// to the server.
func (s *session) handleClient(pk packet.Packet) bool {
	switch pk := pk.(type) {
	case *packet.NetworkStackLatency:
		return !s.acks.handle(pk.Timestamp, s.orbis)
	case *packet.PlayerAuthInput:
		pos := vec64(pk.Position).Sub(mgl64.Vec3{0, eyeHeight, 0})

		s.mu.Lock()
		s.pos, s.vel = pos, vec64(pk.Delta)
		s.onGround = pk.InputData.Load(packet.InputFlagVerticalCollision) && pk.Delta.Y() <= 0
		radius := s.chunkRadius
		s.mu.Unlock()

		s.world.CleanChunks(radius, protocol.ChunkPos{int32(pos[0]) >> 4, int32(pos[2]) >> 4})
	case *packet.RequestChunkRadius:
		s.setChunkRadius(pk.ChunkRadius)
	}
	return true
}

// handleServer processes a packet sent by the server and returns false if it must not be forwarded
// to the client.
func (s *session) handleServer(pk packet.Packet) bool {
	switch pk := pk.(type) {
	case *packet.SetActorMotion:
		if pk.EntityRuntimeID != s.rid {
			return true
		}
		v, ok := s.handleVelocity(vec64(pk.Velocity))
		if !ok {
			return false
		}
		pk.Velocity = vec32(v)
		s.mu.Lock()
		s.vel = v
		s.mu.Unlock()
	case *packet.MovePlayer:
		if pk.EntityRuntimeID != s.rid {
			return true
		}
		s.mu.Lock()
		s.pos = vec64(pk.Position).Sub(mgl64.Vec3{0, eyeHeight, 0})
		s.onGround = pk.OnGround
		s.mu.Unlock()
	case *packet.LevelChunk:
		if pk.SubChunkCount == protocol.SubChunkRequestModeLimited || pk.SubChunkCount == protocol.SubChunkRequestModeLimitless {
			return true
		}
		c, err := s.proxy.cache.Decode(pk)
		if err != nil {
			s.log.Debugf("unable to decode chunk %v for %s: %v", pk.Position, s.name, err)
		}
		s.acks.add(func() {
			s.world.AddChunk(pk.Position, c)
		})
	case *packet.UpdateBlock:
		if pk.Layer != 0 {
			return true
		}
		b, ok := df_world.BlockByRuntimeID(pk.NewBlockRuntimeID)
		if !ok {
			s.log.Debugf("unable to find block with runtime ID %v", pk.NewBlockRuntimeID)
			b = block.Air{}
		}
		pos := cube.Pos{int(pk.Position.X()), int(pk.Position.Y()), int(pk.Position.Z())}
		s.acks.add(func() {
			s.world.SetBlock(pos, b)
		})
	case *packet.ChunkRadiusUpdated:
		s.setChunkRadius(pk.ChunkRadius)
	case *packet.ChangeDimension:
		s.acks.add(s.world.PurgeChunks)
	}
	return true
}

// handleVelocity passes a velocity the server sent for the player to the registered handler.
func (s *session) handleVelocity(v mgl64.Vec3) (mgl64.Vec3, bool) {
	handle := s.proxy.velocityHandler()
	if handle == nil {
		return v, true
	}
	return handle(Player{s: s}, nil, v, s.proxy.CurrentTick())
}

func (s *session) setChunkRadius(radius int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkRadius = radius + 4
}

// tick sends the acknowledgements of the current tick to the client.
func (s *session) tick(currentTick int64) {
	s.acks.tick()
	if currentTick%latencyInterval == 0 {
		sent := time.Now()
		s.acks.add(func() {
			s.mu.Lock()
			s.stackLatency, s.measured, s.warned = time.Since(sent), true, false
			s.mu.Unlock()
		})
	}
	if pk := s.acks.flush(); pk != nil {
		if err := s.client.WritePacket(pk); err != nil {
			s.log.Debugf("unable to send acknowledgement to %s: %v", s.name, err)
		}
	}

	if s.acks.responsive() {
		return
	}
	s.mu.Lock()
	warn := !s.warned
	s.warned = true
	s.mu.Unlock()
	if warn {
		s.log.Warnf("%s is not responding to acknowledgements, latency estimate is stale", s.name)
	}
}

// latency returns the round trip time last measured through an acknowledgement, or the RakNet
// round trip time if no acknowledgement was answered yet.
func (s *session) latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.measured {
		return s.stackLatency
	}
	return s.client.Latency() * 2
}

// setVelocity sends v to the client as the player's motion.
func (s *session) setVelocity(v mgl64.Vec3) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.vel = v
	s.mu.Unlock()

	if err := s.client.WritePacket(&packet.SetActorMotion{EntityRuntimeID: s.rid, Velocity: vec32(v)}); err != nil {
		s.log.Debugf("unable to send motion to %s: %v", s.name, err)
	}
}

func (s *session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.world.PurgeChunks()
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func vec64(v mgl32.Vec3) mgl64.Vec3 {
	return mgl64.Vec3{float64(v[0]), float64(v[1]), float64(v[2])}
}

func vec32(v mgl64.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{float32(v[0]), float32(v[1]), float32(v[2])}
}
