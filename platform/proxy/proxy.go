// Package proxy runs knockback compensation in a transparent proxy placed in front of any Bedrock
// server. Knockback is intercepted as SetActorMotion packets sent by the server, and the proxy keeps
// its own copy of the chunks each client has received to answer ground queries.
package proxy

import (
	"errors"
	"sync"
	"time"

	"github.com/caseload/knockbacksync/oerror"
	"github.com/caseload/knockbacksync/platform"
	"github.com/caseload/knockbacksync/scheduler"
	"github.com/caseload/knockbacksync/world"
	"github.com/google/uuid"
	"github.com/sandertv/gophertunnel/minecraft"
	"github.com/sandertv/gophertunnel/minecraft/protocol"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// sweepInterval is the amount of ticks between two sweeps of the shared chunk cache.
const sweepInterval = 100

// Config holds the addresses the proxy listens on and forwards to.
type Config struct {
	// LocalAddress is the address players connect to, formatted as "ip:port".
	LocalAddress string `toml:"local_address"`
	// RemoteAddress is the address of the server connections are forwarded to.
	RemoteAddress string `toml:"remote_address"`
}

// Proxy is the proxy platform.Host. It runs one global tick loop that drives the scheduler and flushes
// the acknowledgements of every session.
type Proxy struct {
	log   *logrus.Logger
	conf  Config
	cache *world.Cache

	mu       sync.RWMutex
	listener *minecraft.Listener
	sessions map[uuid.UUID]*session
	velocity platform.VelocityHandler
	join     func(id uuid.UUID)
	quit     func(id uuid.UUID)
	drivers  []func()

	currentTick atomic.Int64
	closed      atomic.Bool
	stop        chan struct{}
}

// New returns a Proxy for the configuration passed and starts its tick loop.
func New(log *logrus.Logger, conf Config) *Proxy {
	p := &Proxy{
		log:      log,
		conf:     conf,
		cache:    world.NewCache(),
		sessions: make(map[uuid.UUID]*session),
		stop:     make(chan struct{}),
	}
	go p.tickLoop()
	return p
}

// Listen starts listening on the local address and forwards every connection to the remote address.
// It blocks until the proxy is closed.
func (p *Proxy) Listen() error {
	status, err := minecraft.NewForeignStatusProvider(p.conf.RemoteAddress)
	if err != nil {
		return oerror.New("unable to query %v: %v", p.conf.RemoteAddress, err)
	}
	l, err := minecraft.ListenConfig{
		StatusProvider: status,
	}.Listen("raknet", p.conf.LocalAddress)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.listener = l
	p.mu.Unlock()
	defer l.Close()

	p.log.Infof("proxy is now listening on %v and directing connections to %v", p.conf.LocalAddress, p.conf.RemoteAddress)
	for {
		c, err := l.Accept()
		if err != nil {
			if p.closed.Load() {
				return nil
			}
			return err
		}
		go p.handleConn(c.(*minecraft.Conn), l)
	}
}

// handleConn handles a new incoming minecraft.Conn from the minecraft.Listener passed.
func (p *Proxy) handleConn(conn *minecraft.Conn, listener *minecraft.Listener) {
	serverConn, err := minecraft.Dialer{
		IdentityData: conn.IdentityData(),
		ClientData:   conn.ClientData(),
	}.Dial("raknet", p.conf.RemoteAddress)
	if err != nil {
		p.log.Errorf("unable to connect %s to %v: %v", conn.IdentityData().DisplayName, p.conf.RemoteAddress, err)
		_ = listener.Disconnect(conn, "unable to reach the server")
		return
	}

	var g sync.WaitGroup
	var failed atomic.Bool
	g.Add(2)
	go func() {
		defer g.Done()
		if err := conn.StartGame(serverConn.GameData()); err != nil {
			failed.Store(true)
		}
	}()
	go func() {
		defer g.Done()
		if err := serverConn.DoSpawn(); err != nil {
			failed.Store(true)
		}
	}()
	g.Wait()
	if failed.Load() {
		_ = listener.Disconnect(conn, "connection lost")
		_ = serverConn.Close()
		return
	}

	id, err := uuid.Parse(conn.IdentityData().Identity)
	if err != nil {
		p.log.Errorf("invalid identity of %s: %v", conn.IdentityData().DisplayName, err)
		_ = listener.Disconnect(conn, "invalid identity")
		_ = serverConn.Close()
		return
	}
	s := newSession(p, id, conn.IdentityData().DisplayName, serverConn.GameData().EntityRuntimeID, conn.ClientData().DeviceOS == protocol.DeviceOrbis, conn)
	p.addSession(s)

	g.Add(2)
	go func() {
		defer func() {
			_ = listener.Disconnect(conn, "connection lost")
			_ = serverConn.Close()
			g.Done()
		}()
		for {
			pk, err := conn.ReadPacket()
			if err != nil {
				return
			}
			if !s.handleClient(pk) {
				continue
			}
			if err := serverConn.WritePacket(pk); err != nil {
				var disconnect minecraft.DisconnectError
				if errors.As(err, &disconnect) {
					_ = listener.Disconnect(conn, disconnect.Error())
				}
				return
			}
		}
	}()
	go func() {
		defer func() {
			_ = serverConn.Close()
			_ = listener.Disconnect(conn, "connection lost")
			g.Done()
		}()
		for {
			pk, err := serverConn.ReadPacket()
			if err != nil {
				var disconnect minecraft.DisconnectError
				if errors.As(err, &disconnect) {
					_ = listener.Disconnect(conn, disconnect.Error())
				}
				return
			}
			if !s.handleServer(pk) {
				continue
			}
			if err := conn.WritePacket(pk); err != nil {
				return
			}
		}
	}()
	g.Wait()
	p.removeSession(s)
}

func (p *Proxy) addSession(s *session) {
	p.mu.Lock()
	if old, ok := p.sessions[s.id]; ok {
		old.close()
	}
	p.sessions[s.id] = s
	join := p.join
	p.mu.Unlock()

	p.log.Infof("%s joined through the proxy", s.name)
	if join != nil {
		join(s.id)
	}
}

func (p *Proxy) removeSession(s *session) {
	p.mu.Lock()
	current := p.sessions[s.id] == s
	if current {
		delete(p.sessions, s.id)
	}
	quit := p.quit
	p.mu.Unlock()

	s.close()
	if !current {
		return
	}
	p.log.Infof("%s left the proxy", s.name)
	if quit != nil {
		quit(s.id)
	}
}

func (p *Proxy) tickLoop() {
	t := time.NewTicker(scheduler.TickDuration)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.tick()
		case <-p.stop:
			return
		}
	}
}

// tick runs one tick of the proxy: scheduled tasks first, so velocities they send are covered by
// the acknowledgements flushed right after.
func (p *Proxy) tick() {
	n := p.currentTick.Inc()

	p.mu.RLock()
	drivers := append([]func(){}, p.drivers...)
	sessions := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.RUnlock()

	for _, d := range drivers {
		d()
	}
	for _, s := range sessions {
		s.tick(n)
	}
	if n%sweepInterval == 0 {
		if swept := p.cache.Sweep(); swept > 0 {
			p.log.Debugf("swept %d unused chunks from the cache", swept)
		}
	}
}

// CurrentTick returns the amount of ticks the proxy has run.
func (p *Proxy) CurrentTick() int64 {
	return p.currentTick.Load()
}

// DriveTicks makes the tick loop of the proxy call tick once per tick.
func (p *Proxy) DriveTicks(tick func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drivers = append(p.drivers, tick)
}

// ExecPlayer calls f with the player directly. Sessions guard their own state, so the proxy has no
// thread to move f to.
func (p *Proxy) ExecPlayer(id uuid.UUID, f func(pl platform.Player)) bool {
	p.mu.RLock()
	s, ok := p.sessions[id]
	p.mu.RUnlock()
	if !ok || s.isClosed() {
		return false
	}
	f(Player{s: s})
	return true
}

// RegisterVelocityHandler ...
func (p *Proxy) RegisterVelocityHandler(h platform.VelocityHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.velocity = h
}

// RegisterSessionHandler ...
func (p *Proxy) RegisterSessionHandler(join, quit func(id uuid.UUID)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.join, p.quit = join, quit
}

func (p *Proxy) velocityHandler() platform.VelocityHandler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.velocity
}

// Close stops the tick loop and the listener. Connected sessions are closed as their connections
// drop.
func (p *Proxy) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stop)

	p.mu.RLock()
	l := p.listener
	p.mu.RUnlock()
	if l != nil {
		return l.Close()
	}
	return nil
}
