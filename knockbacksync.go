// Package knockbacksync compensates knockback for the latency of its victims. It tracks the round
// trip time of every player of a host and hands every knockback the host raises to a pipeline that
// passes, replaces or defers it so the victim receives it when it would have on a local connection.
package knockbacksync

import (
	"runtime"
	"sync"

	"github.com/caseload/knockbacksync/knockback"
	"github.com/caseload/knockbacksync/latency"
	"github.com/caseload/knockbacksync/platform"
	"github.com/caseload/knockbacksync/scheduler"
	"github.com/caseload/knockbacksync/settings"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// KnockbackSync is an instance of knockback compensation attached to one host.
type KnockbackSync struct {
	log  *logrus.Logger
	conf *settings.Manager
	host platform.Host

	sched    scheduler.Scheduler
	tracker  *latency.Tracker
	pipeline *knockback.Pipeline

	mu           sync.Mutex
	sampler      *scheduler.Task
	pingInterval int64
	closed       bool
}

// New attaches knockback compensation to host. Settings are read from conf on every event, so a
// reload takes effect immediately.
func New(log *logrus.Logger, conf *settings.Manager, host platform.Host) *KnockbackSync {
	k := &KnockbackSync{
		log:     log,
		conf:    conf,
		host:    host,
		tracker: latency.NewTracker(log, conf),
	}
	k.sched = scheduler.Detect(host, scheduler.NewPool(runtime.NumCPU()), log)
	k.pipeline = knockback.NewPipeline(log, conf, k.tracker, k.sched, host)

	host.RegisterVelocityHandler(k.handleVelocity)
	host.RegisterSessionHandler(k.Join, k.Quit)

	k.mu.Lock()
	k.startSampler(conf.Settings().Latency.PingInterval)
	k.mu.Unlock()
	return k
}

// handleVelocity is the platform.VelocityHandler registered with the host.
func (k *KnockbackSync) handleVelocity(victim platform.Player, attacker *uuid.UUID, v mgl64.Vec3, tick int64) (mgl64.Vec3, bool) {
	ev := knockback.NewVelocityEvent(victim.UUID(), v, tick)
	if attacker != nil {
		ev = ev.WithAttacker(*attacker)
	}
	d := k.pipeline.Handle(ev, victim)
	if d.Compensated {
		k.log.Debugf("%s knockback for %s: window %d, delay %d", d.Action, victim.Name(), d.Window, d.Delay)
	}
	return d.Velocity, d.HostApplies()
}

// startSampler schedules the periodic latency sampling of every tracked player. It must be called
// with the mutex held.
func (k *KnockbackSync) startSampler(interval int64) {
	if k.sampler != nil {
		k.sampler.Cancel()
	}
	k.pingInterval = interval
	k.sampler = k.sched.RunTimerAsync(k.sample, interval, interval)
}

// sample records the latency the host currently reports for every tracked player.
func (k *KnockbackSync) sample() {
	for _, id := range k.tracker.Players() {
		online := k.host.ExecPlayer(id, func(p platform.Player) {
			k.tracker.Sample(id, p.Latency())
		})
		if !online {
			k.log.Debugf("skipping latency sample of %v: player is not online", id)
		}
	}
}

// Join starts tracking the latency of a player that joined the host.
func (k *KnockbackSync) Join(id uuid.UUID) {
	k.tracker.Track(id)
}

// Quit frees everything held for a player that left the host, cancelling its pending knockback.
func (k *KnockbackSync) Quit(id uuid.UUID) {
	k.pipeline.Forget(id)
	k.tracker.Remove(id)
}

// Latency returns the smoothed latency estimate of a player.
func (k *KnockbackSync) Latency(id uuid.UUID) latency.Record {
	r, _ := k.tracker.Snapshot(id)
	return r
}

// Reload reloads the settings file and returns the configured reload message.
func (k *KnockbackSync) Reload() (string, error) {
	msg, err := k.conf.Reload()
	if err != nil {
		return "", err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if interval := k.conf.Settings().Latency.PingInterval; !k.closed && interval != k.pingInterval {
		k.startSampler(interval)
	}
	return msg, nil
}

// Stats returns the counters of the knockback pipeline.
func (k *KnockbackSync) Stats() knockback.Stats {
	return k.pipeline.Stats()
}

// Close cancels every pending knockback and scheduled task. Knockback raised by the host afterwards
// is passed through as long as the host keeps calling the handler.
func (k *KnockbackSync) Close() {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	k.closed = true
	k.sampler.Cancel()
	k.mu.Unlock()

	k.pipeline.Close()
	k.sched.Close()
}
