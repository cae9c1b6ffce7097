package knockback

import (
	"sync"
	"testing"
	"time"

	"github.com/caseload/knockbacksync/latency"
	"github.com/caseload/knockbacksync/platform"
	"github.com/caseload/knockbacksync/scheduler"
	"github.com/caseload/knockbacksync/settings"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
)

type mockWorld struct {
	// floor is the Y level of the highest solid block surface below every position.
	floor float64
	solid bool
}

func (w *mockWorld) BlockAt(_, y, _ int) platform.BlockState {
	if w.solid && float64(y) < w.floor {
		return platform.BlockState{Name: "minecraft:stone"}
	}
	return platform.Air
}

func (w *mockWorld) RayTraceBlocks(start, dir mgl64.Vec3, maxDistance float64, _ platform.FluidHandling, _ bool) (platform.RayTraceResult, bool) {
	if !w.solid || dir.Y() >= 0 || start.Y()-w.floor > maxDistance {
		return platform.RayTraceResult{}, false
	}
	hit := mgl64.Vec3{start.X(), w.floor, start.Z()}
	return platform.RayTraceResult{
		Position: hit,
		Face:     platform.FaceUp,
		Block:    [3]int{int(hit.X()), int(w.floor) - 1, int(hit.Z())},
		State:    platform.BlockState{Name: "minecraft:stone"},
	}, true
}

type mockPlayer struct {
	id       uuid.UUID
	pos      mgl64.Vec3
	vel      mgl64.Vec3
	onGround bool
	world    platform.World

	mu      sync.Mutex
	applied []mgl64.Vec3
}

func newMockPlayer() *mockPlayer {
	return &mockPlayer{id: uuid.New(), onGround: true, world: &mockWorld{}}
}

func (p *mockPlayer) UUID() uuid.UUID { return p.id }
func (p *mockPlayer) Name() string { return "Steve" }
func (p *mockPlayer) Position() mgl64.Vec3 { return p.pos }
func (p *mockPlayer) Velocity() mgl64.Vec3 { return p.vel }
func (p *mockPlayer) OnGround() bool { return p.onGround }
func (p *mockPlayer) Latency() time.Duration { return 0 }
func (p *mockPlayer) World() platform.World { return p.world }
func (p *mockPlayer) SetVelocity(v mgl64.Vec3) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, v)
}

func (p *mockPlayer) Applied() []mgl64.Vec3 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]mgl64.Vec3(nil), p.applied...)
}

// mockServer resolves players from a map. Removing a player from it simulates a disconnect.
type mockServer struct {
	mu      sync.Mutex
	players map[uuid.UUID]platform.Player
	lookups int
}

func newMockServer(players ...platform.Player) *mockServer {
	s := &mockServer{players: make(map[uuid.UUID]platform.Player)}
	for _, p := range players {
		s.players[p.UUID()] = p
	}
	return s
}

func (s *mockServer) ExecPlayer(id uuid.UUID, f func(p platform.Player)) bool {
	s.mu.Lock()
	s.lookups++
	p, ok := s.players[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	f(p)
	return true
}

func (s *mockServer) disconnect(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.players, id)
}

type fixture struct {
	sched    *scheduler.TickScheduler
	tracker  *latency.Tracker
	srv      *mockServer
	pipeline *Pipeline
	victim   *mockPlayer
}

func newFixture(t *testing.T, mutate func(s *settings.Settings)) *fixture {
	t.Helper()
	s := settings.DefaultSettings()
	if mutate != nil {
		mutate(&s)
	}
	log, _ := test.NewNullLogger()

	f := &fixture{
		sched:  scheduler.NewTickScheduler(scheduler.NewPool(1)),
		victim: newMockPlayer(),
	}
	f.tracker = latency.NewTracker(log, settings.Static(s))
	f.srv = newMockServer(f.victim)
	f.pipeline = NewPipeline(log, settings.Static(s), f.tracker, f.sched, f.srv)
	t.Cleanup(f.sched.Close)
	return f
}

func (f *fixture) handle(v mgl64.Vec3) Decision {
	return f.pipeline.Handle(NewVelocityEvent(f.victim.id, v, f.sched.CurrentTick()), f.victim)
}

func (f *fixture) tick(n int64) {
	for i := int64(0); i < n; i++ {
		f.sched.Tick()
	}
}

func TestZeroLatencyPassesThrough(t *testing.T) {
	f := newFixture(t, nil)
	f.tracker.Record(f.victim.id, 0)

	d := f.handle(mgl64.Vec3{0, 1, 0})
	if d.Action != ActionPass || !d.HostApplies() {
		t.Fatalf("expected pass, got %v", d.Action)
	}
	if d.Velocity != (mgl64.Vec3{0, 1, 0}) {
		t.Fatalf("expected velocity to be unmodified, got %v", d.Velocity)
	}
	if d.Compensated || d.Task != nil {
		t.Fatalf("expected no compensation and no task, got %+v", d)
	}
	if n := f.sched.Pending(); n != 0 {
		t.Fatalf("expected no scheduled task, got %d", n)
	}
}

func TestNegligibleLatencyIsIdentity(t *testing.T) {
	f := newFixture(t, nil)
	vectors := []mgl64.Vec3{{0, 1, 0}, {0.4, 0.4, -0.4}, {-2.5, 0, 1e-9}, {0, 0, 0}}

	for _, ms := range []int64{0, 1, 50, 99} {
		id := uuid.New()
		f.tracker.Record(id, time.Duration(ms)*time.Millisecond)
		for _, v := range vectors {
			d := f.pipeline.Handle(NewVelocityEvent(id, v, 0), nil)
			if d.Action != ActionPass || d.Velocity != v {
				t.Fatalf("latency %dms: expected %v to pass through, got %v %v", ms, v, d.Action, d.Velocity)
			}
		}
	}
	if st := f.pipeline.Stats(); st.Passed != 16 || st.Compensated != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestDisabledPassesThrough(t *testing.T) {
	f := newFixture(t, func(s *settings.Settings) { s.Knockback.Enabled = false })
	f.tracker.Record(f.victim.id, 300*time.Millisecond)

	if d := f.handle(mgl64.Vec3{0, 1, 0}); d.Action != ActionPass {
		t.Fatalf("expected pass while disabled, got %v", d.Action)
	}
}

func TestSecondHitSupersedesFirst(t *testing.T) {
	f := newFixture(t, nil)
	f.tracker.Record(f.victim.id, 300*time.Millisecond)

	first := f.handle(mgl64.Vec3{0, 1, 0})
	if first.Action != ActionDefer || first.Window != 6 || first.Delay != 3 {
		t.Fatalf("expected first hit to be deferred by 3 ticks in a window of 6, got %+v", first)
	}
	if first.HostApplies() {
		t.Fatalf("host must not apply a deferred knockback")
	}

	f.tick(2)
	second := f.handle(mgl64.Vec3{0, 1.2, 0})
	if second.Action != ActionDefer {
		t.Fatalf("expected second hit to be deferred, got %v", second.Action)
	}
	if !first.Task.Cancelled() {
		t.Fatalf("expected first task to be cancelled")
	}
	if second.Task.Cancelled() {
		t.Fatalf("expected second task to stay pending")
	}
	if n := f.pipeline.Pending(); n != 1 {
		t.Fatalf("expected exactly one pending task, got %d", n)
	}

	f.tick(10)
	applied := f.victim.Applied()
	if len(applied) != 1 || applied[0] != (mgl64.Vec3{0, 1.2, 0}) {
		t.Fatalf("expected only the second knockback to be applied, got %v", applied)
	}
	if !second.Task.Done() {
		t.Fatalf("expected second task to be done")
	}
	st := f.pipeline.Stats()
	if st.Deferred != 2 || st.Superseded != 1 || st.Stale != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestDisconnectMakesTaskNoop(t *testing.T) {
	f := newFixture(t, nil)
	f.tracker.Record(f.victim.id, 300*time.Millisecond)

	d := f.handle(mgl64.Vec3{0, 1, 0})
	if d.Action != ActionDefer {
		t.Fatalf("expected defer, got %v", d.Action)
	}
	f.srv.disconnect(f.victim.id)
	f.tick(d.Delay)

	if applied := f.victim.Applied(); len(applied) != 0 {
		t.Fatalf("expected no velocity for a disconnected player, got %v", applied)
	}
	if f.srv.lookups != 1 {
		t.Fatalf("expected the task to check liveness once, got %d lookups", f.srv.lookups)
	}
	if st := f.pipeline.Stats(); st.Stale != 1 {
		t.Fatalf("expected stale task to be counted, got %+v", st)
	}
}

func TestForgetCancelsPending(t *testing.T) {
	f := newFixture(t, nil)
	f.tracker.Record(f.victim.id, 300*time.Millisecond)

	d := f.handle(mgl64.Vec3{0, 1, 0})
	f.pipeline.Forget(f.victim.id)
	f.pipeline.Forget(f.victim.id)
	if !d.Task.Cancelled() {
		t.Fatalf("expected pending task to be cancelled on quit")
	}
	f.tick(10)
	if applied := f.victim.Applied(); len(applied) != 0 {
		t.Fatalf("expected no velocity after quit, got %v", applied)
	}
	if n := f.pipeline.Pending(); n != 0 {
		t.Fatalf("expected no pending tasks, got %d", n)
	}
}

func TestOlderEventIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.tracker.Record(f.victim.id, 300*time.Millisecond)

	newer := f.pipeline.Handle(NewVelocityEvent(f.victim.id, mgl64.Vec3{0, 0.5, 0}, 5), f.victim)
	older := f.pipeline.Handle(NewVelocityEvent(f.victim.id, mgl64.Vec3{0, 0.9, 0}, 4), f.victim)
	if older.Action != ActionDrop || older.HostApplies() {
		t.Fatalf("expected older event to be dropped, got %v", older.Action)
	}
	if newer.Task.Cancelled() {
		t.Fatalf("expected newer task to survive an older event")
	}
	if older.Seq != newer.Seq+1 {
		t.Fatalf("expected receive order %d after %d", older.Seq, newer.Seq)
	}

	// Events raised on the same tick: the one received last wins.
	same := f.pipeline.Handle(NewVelocityEvent(f.victim.id, mgl64.Vec3{0, 0.7, 0}, 5), f.victim)
	if same.Action != ActionDefer || !newer.Task.Cancelled() {
		t.Fatalf("expected event received last to win a tie, got %v", same.Action)
	}
}

func TestNoBypassReplacesImmediately(t *testing.T) {
	f := newFixture(t, func(s *settings.Settings) { s.Knockback.BypassResistance = false })
	f.tracker.Record(f.victim.id, 300*time.Millisecond)

	d := f.handle(mgl64.Vec3{0.3, 0.4, 0})
	if d.Action != ActionReplace || !d.Compensated || d.Task != nil {
		t.Fatalf("expected compensated replace without task, got %+v", d)
	}
	if f.sched.Pending() != 0 {
		t.Fatalf("expected nothing to be scheduled")
	}
}

func TestZeroDelayReplaces(t *testing.T) {
	f := newFixture(t, func(s *settings.Settings) { s.Knockback.DelayScale = 0 })
	f.tracker.Record(f.victim.id, 300*time.Millisecond)

	if d := f.handle(mgl64.Vec3{0, 1, 0}); d.Action != ActionReplace || d.Window != 6 {
		t.Fatalf("expected replace with window 6, got %+v", d)
	}
}

func TestOffGroundSync(t *testing.T) {
	f := newFixture(t, func(s *settings.Settings) { s.Knockback.BypassResistance = false })
	f.tracker.Record(f.victim.id, 300*time.Millisecond)
	f.victim.onGround = false
	f.victim.pos = mgl64.Vec3{0.5, 64.5, 0.5}
	f.victim.vel = mgl64.Vec3{0, -0.3, 0}
	f.victim.world = &mockWorld{floor: 64, solid: true}

	d := f.handle(mgl64.Vec3{0.2, 0.1, 0})
	if d.Velocity != (mgl64.Vec3{0.2, 0.4, 0}) {
		t.Fatalf("expected vertical knockback to be synced to ground height, got %v", d.Velocity)
	}

	// Too far above the ground to land within the latency.
	f.victim.pos = mgl64.Vec3{0.5, 69, 0.5}
	f.victim.vel = mgl64.Vec3{0, 0.42, 0}
	d = f.handle(mgl64.Vec3{0.2, 0.1, 0})
	if d.Velocity != (mgl64.Vec3{0.2, 0.1, 0}) {
		t.Fatalf("expected velocity to be kept for a player that will not land, got %v", d.Velocity)
	}
}

func TestWillLand(t *testing.T) {
	if !willLand(0, 0, 0) {
		t.Fatalf("expected touching the ground to count as landed")
	}
	if !willLand(-0.3, 0.5, 6) {
		t.Fatalf("expected falling player to land")
	}
	if willLand(0.42, 3, 2) {
		t.Fatalf("expected jumping player not to land within two ticks")
	}
	if willLand(-0.1, 2, 0) {
		t.Fatalf("expected no landing without ticks")
	}
}

func TestPolicy(t *testing.T) {
	p := PolicyFrom(settings.DefaultSettings())
	cases := []struct {
		latency time.Duration
		window  int64
		delay   int64
	}{
		{0, 0, 0},
		{50 * time.Millisecond, 1, 1},
		{300 * time.Millisecond, 6, 3},
		{310 * time.Millisecond, 7, 4},
		{10 * time.Second, 20, 10},
	}
	for _, c := range cases {
		w := p.Window(c.latency)
		if w != c.window {
			t.Errorf("window(%v): expected %d, got %d", c.latency, c.window, w)
		}
		if d := p.Delay(w); d != c.delay {
			t.Errorf("delay(%d): expected %d, got %d", w, c.delay, d)
		}
	}

	p.Offset = -10
	if w := p.Window(300 * time.Millisecond); w != 0 {
		t.Errorf("expected negative window to clamp to 0, got %d", w)
	}
	if n := LatencyTicks(120 * time.Millisecond); n != 3 {
		t.Errorf("expected 120ms to span 3 ticks, got %d", n)
	}
}

func TestCloseCancelsPending(t *testing.T) {
	f := newFixture(t, nil)
	f.tracker.Record(f.victim.id, 300*time.Millisecond)

	d := f.handle(mgl64.Vec3{0, 1, 0})
	f.pipeline.Close()
	if !d.Task.Cancelled() {
		t.Fatalf("expected close to cancel pending task")
	}
}

// inlineRegion runs functions on the goroutine of whoever dispatches them, like a region whose
// thread fires the timer.
type inlineRegion struct{}

func (inlineRegion) Exec(f func()) {
	f()
}

func TestConcurrentHitsKeepOnePending(t *testing.T) {
	s := settings.DefaultSettings()
	log, _ := test.NewNullLogger()
	victim := newMockPlayer()

	sched := scheduler.NewRegionScheduler(inlineRegion{}, scheduler.NewPool(1))
	t.Cleanup(sched.Close)
	tracker := latency.NewTracker(log, settings.Static(s))
	tracker.Record(victim.id, 300*time.Millisecond)
	p := NewPipeline(log, settings.Static(s), tracker, sched, newMockServer(victim))

	const n = 64
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		decisions []Decision
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			d := p.Handle(NewVelocityEvent(victim.id, mgl64.Vec3{0, float64(i), 0}, 0), victim)
			mu.Lock()
			decisions = append(decisions, d)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if pending := p.Pending(); pending != 1 {
		t.Fatalf("expected exactly one pending knockback, got %d", pending)
	}
	var last Decision
	for _, d := range decisions {
		if d.Seq > last.Seq {
			last = d
		}
	}
	if last.Action != ActionDefer {
		t.Fatalf("expected the event received last to be deferred, got %v", last.Action)
	}

	stats := p.Stats()
	if stats.Deferred+stats.Dropped != n || stats.Superseded != stats.Deferred-1 {
		t.Fatalf("expected every deferral but the last to be superseded, got %+v", stats)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(victim.Applied()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("deferred knockback was never applied")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	applied := victim.Applied()
	if len(applied) != 1 || applied[0] != last.Velocity {
		t.Fatalf("expected only %v to be applied, got %v", last.Velocity, applied)
	}
	if pending := p.Pending(); pending != 0 {
		t.Fatalf("expected nothing pending after the application, got %d", pending)
	}
}
