package scheduler

import (
	"time"

	"github.com/sirupsen/logrus"
)

// TickDuration is the wall-clock length of one game tick at 20 TPS.
const TickDuration = time.Second / 20

// Scheduler runs tasks on the host's own execution facility. Delays and periods are expressed in
// ticks. Every method returns a Task that may be cancelled.
type Scheduler interface {
	// Run runs f on the host's game thread as soon as possible.
	Run(f func()) *Task
	// RunAsync runs f off the game thread as soon as possible.
	RunAsync(f func()) *Task
	// RunLater runs f on the host's game thread after delay ticks.
	RunLater(f func(), delay int64) *Task
	// RunTimer runs f on the host's game thread after delay ticks and then every period ticks.
	RunTimer(f func(), delay, period int64) *Task
	// RunLaterAsync runs f off the game thread after delay ticks.
	RunLaterAsync(f func(), delay int64) *Task
	// RunTimerAsync runs f off the game thread after delay ticks and then every period ticks.
	RunTimerAsync(f func(), delay, period int64) *Task
	// Close cancels every outstanding task and stops the async workers.
	Close()
}

// Region is a host execution context that runs functions on its own goroutine, such as a dragonfly
// world's transaction loop.
type Region interface {
	Exec(f func())
}

// RegionProvider is implemented by hosts that tick in parallel regions. GlobalRegion returns the
// region used for tasks that are not bound to a specific player.
type RegionProvider interface {
	GlobalRegion() (Region, error)
}

// TickDriver is implemented by hosts that run a single global tick loop. DriveTicks registers a
// function the host calls once per tick on its game thread.
type TickDriver interface {
	DriveTicks(tick func())
}

// Detect selects the scheduler variant for host. Hosts providing parallel regions get a
// RegionScheduler. Any other host, or a region probe that fails, gets a TickScheduler driven by the
// host's tick loop when it has one, or by an internal ticker otherwise.
func Detect(host any, pool *Pool, log *logrus.Logger) Scheduler {
	if rp, ok := host.(RegionProvider); ok {
		region, err := rp.GlobalRegion()
		if err == nil && region != nil {
			log.Debugf("using region scheduler for %T", host)
			return NewRegionScheduler(region, pool)
		}
		log.Warnf("failed to access region scheduler of %T (%v), falling back to global tick loop", host, err)
	} else {
		log.Warnf("%T has no region scheduler, falling back to global tick loop", host)
	}

	s := NewTickScheduler(pool)
	if d, ok := host.(TickDriver); ok {
		d.DriveTicks(s.Tick)
	} else {
		s.Start()
	}
	return s
}
