package knockback

import (
	"math"
	"time"

	"github.com/caseload/knockbacksync/scheduler"
	"github.com/caseload/knockbacksync/settings"
)

// Policy converts a latency into a compensation window and a re-application delay.
type Policy struct {
	Multiplier float64
	Offset     int64
	Max        int64
	DelayScale float64
}

// PolicyFrom returns the policy configured in s.
func PolicyFrom(s settings.Settings) Policy {
	return Policy{
		Multiplier: s.Knockback.WindowMultiplier,
		Offset:     s.Knockback.WindowOffset,
		Max:        s.Knockback.MaxWindow,
		DelayScale: s.Knockback.DelayScale,
	}
}

// Window returns the compensation window in ticks for the latency passed.
func (p Policy) Window(latency time.Duration) int64 {
	w := int64(math.Ceil(float64(latency)*p.Multiplier/float64(scheduler.TickDuration))) + p.Offset
	return max(0, min(w, p.Max))
}

// Delay returns the amount of ticks a compensated knockback is held for within a window.
func (p Policy) Delay(window int64) int64 {
	return max(0, int64(math.Ceil(float64(window)*p.DelayScale)))
}

// LatencyTicks returns the amount of whole ticks a latency spans, rounded up.
func LatencyTicks(latency time.Duration) int64 {
	if latency <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(latency) / float64(scheduler.TickDuration)))
}
