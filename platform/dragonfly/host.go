// Package dragonfly runs knockback compensation inside a dragonfly server. Every dragonfly world
// runs its own transaction goroutine, so the host provides a region scheduler.
package dragonfly

import (
	"sync"
	"time"

	"github.com/caseload/knockbacksync/oerror"
	"github.com/caseload/knockbacksync/platform"
	"github.com/caseload/knockbacksync/scheduler"
	"github.com/df-mc/dragonfly/server"
	"github.com/df-mc/dragonfly/server/player"
	"github.com/df-mc/dragonfly/server/world"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Host is the dragonfly platform.Host. Players must be passed to Accept as the server accepts them.
type Host struct {
	srv   *server.Server
	log   *logrus.Logger
	start time.Time

	mu       sync.RWMutex
	velocity platform.VelocityHandler
	join     func(id uuid.UUID)
	quit     func(id uuid.UUID)
}

// New returns a Host for srv.
func New(srv *server.Server, log *logrus.Logger) *Host {
	return &Host{srv: srv, log: log, start: time.Now()}
}

// Accept attaches the knockback handler to p and reports it as joined. It should be called for every
// player returned by the server's Accept iterator.
func (h *Host) Accept(p *player.Player) {
	p.Handle(handler{h: h})

	h.mu.RLock()
	join := h.join
	h.mu.RUnlock()
	if join != nil {
		join(p.UUID())
	}
}

// ExecPlayer resolves the player through the server and calls f inside the transaction of the world
// the player is in. f runs on that world's goroutine and may run after ExecPlayer returned, so
// ExecPlayer may be called from within any transaction, including one of the player's own world.
func (h *Host) ExecPlayer(id uuid.UUID, f func(p platform.Player)) bool {
	handle, ok := h.srv.Player(id)
	if !ok {
		return false
	}
	go handle.ExecWorld(func(tx *world.Tx, e world.Entity) {
		if p, ok := e.(*player.Player); ok {
			f(NewPlayer(p, tx))
		}
	})
	return true
}

// GlobalRegion returns the region for tasks that are not bound to a player: the transaction loop of
// the server's default world.
func (h *Host) GlobalRegion() (scheduler.Region, error) {
	if h.srv == nil {
		return nil, oerror.New("dragonfly host has no server")
	}
	w := h.srv.World()
	if w == nil {
		return nil, oerror.New("dragonfly server has no default world")
	}
	return globalRegion{exec: func(f func()) {
		w.Exec(func(*world.Tx) { f() })
	}}, nil
}

// globalRegion queues functions into a world transaction.
type globalRegion struct {
	exec func(f func())
}

func (r globalRegion) Exec(f func()) {
	r.exec(f)
}

// RegisterVelocityHandler ...
func (h *Host) RegisterVelocityHandler(handle platform.VelocityHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.velocity = handle
}

// RegisterSessionHandler ...
func (h *Host) RegisterSessionHandler(join, quit func(id uuid.UUID)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.join, h.quit = join, quit
}

func (h *Host) velocityHandler() platform.VelocityHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.velocity
}

func (h *Host) quitPlayer(id uuid.UUID) {
	h.mu.RLock()
	quit := h.quit
	h.mu.RUnlock()
	if quit != nil {
		quit(id)
	}
}

// tick returns the current server tick, counted from the creation of the host.
func (h *Host) tick() int64 {
	return int64(time.Since(h.start) / scheduler.TickDuration)
}
