package latency

import (
	"sync"
	"testing"
	"time"

	"github.com/caseload/knockbacksync/settings"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
)

func newTestTracker(mutate func(s *settings.Settings)) *Tracker {
	s := settings.DefaultSettings()
	if mutate != nil {
		mutate(&s)
	}
	log, _ := test.NewNullLogger()
	return NewTracker(log, settings.Static(s))
}

func TestDefaultLatencyWithoutSamples(t *testing.T) {
	tr := newTestTracker(func(s *settings.Settings) { s.Latency.DefaultMs = 75 })
	id := uuid.New()

	if l := tr.Latency(id); l != 75*time.Millisecond {
		t.Fatalf("expected default latency for unknown player, got %v", l)
	}
	tr.Track(id)
	if l := tr.Latency(id); l != 75*time.Millisecond {
		t.Fatalf("expected default latency for tracked player without samples, got %v", l)
	}
}

func TestFirstSampleSeedsEstimate(t *testing.T) {
	tr := newTestTracker(nil)
	id := uuid.New()

	if !tr.Record(id, 120*time.Millisecond) {
		t.Fatalf("expected sample to be accepted")
	}
	if l := tr.Latency(id); l != 120*time.Millisecond {
		t.Fatalf("expected first sample to seed the estimate, got %v", l)
	}
}

func TestEstimateConverges(t *testing.T) {
	tr := newTestTracker(nil)
	id := uuid.New()
	start := time.Now()

	tr.RecordAt(id, 400*time.Millisecond, start)
	for i := 1; i <= 60; i++ {
		tr.RecordAt(id, 80*time.Millisecond, start.Add(time.Duration(i)*time.Second))
		if l := tr.Latency(id); l < 0 {
			t.Fatalf("estimate went negative: %v", l)
		}
	}
	diff := tr.Latency(id) - 80*time.Millisecond
	if diff < -time.Millisecond || diff > time.Millisecond {
		t.Fatalf("expected estimate to converge to 80ms, got %v", tr.Latency(id))
	}

	r, ok := tr.Snapshot(id)
	if !ok || r.Samples != 61 {
		t.Fatalf("expected 61 samples, got %+v", r)
	}
}

func TestMalformedSamplesDiscarded(t *testing.T) {
	tr := newTestTracker(func(s *settings.Settings) { s.Latency.MaxSampleMs = 1000 })
	id := uuid.New()
	tr.Record(id, 100*time.Millisecond)

	if tr.Record(id, -5*time.Millisecond) {
		t.Fatalf("negative sample accepted")
	}
	if tr.Record(id, 2*time.Second) {
		t.Fatalf("sample above ceiling accepted")
	}
	if l := tr.Latency(id); l != 100*time.Millisecond {
		t.Fatalf("discarded samples changed the estimate: %v", l)
	}
}

func TestOutOfOrderSampleDiscarded(t *testing.T) {
	tr := newTestTracker(nil)
	id := uuid.New()
	now := time.Now()

	tr.RecordAt(id, 100*time.Millisecond, now)
	if tr.RecordAt(id, 300*time.Millisecond, now.Add(-time.Second)) {
		t.Fatalf("expected older sample to be discarded")
	}
	if l := tr.Latency(id); l != 100*time.Millisecond {
		t.Fatalf("older sample changed the estimate: %v", l)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	tr := newTestTracker(nil)
	id := uuid.New()
	tr.Record(id, 50*time.Millisecond)

	tr.Remove(id)
	tr.Remove(id)
	if _, ok := tr.Snapshot(id); ok {
		t.Fatalf("record survived removal")
	}
	if tr.Len() != 0 {
		t.Fatalf("expected no records, got %d", tr.Len())
	}
}

func TestConcurrentPlayers(t *testing.T) {
	tr := newTestTracker(nil)
	ids := make([]uuid.UUID, 64)
	for i := range ids {
		ids[i] = uuid.New()
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tr.Record(id, 60*time.Millisecond)
				_ = tr.Latency(id)
			}
		}(id)
	}
	wg.Wait()

	if tr.Len() != len(ids) || len(tr.Players()) != len(ids) {
		t.Fatalf("expected %d records, got %d", len(ids), tr.Len())
	}
	for _, id := range ids {
		if l := tr.Latency(id); l != 60*time.Millisecond {
			t.Fatalf("expected 60ms for %v, got %v", id, l)
		}
	}
}

func TestSampleNeedsTrackedPlayer(t *testing.T) {
	tr := newTestTracker(nil)
	id := uuid.New()

	if tr.Sample(id, 80*time.Millisecond) {
		t.Fatalf("expected sample for untracked player to be dropped")
	}
	if tr.Len() != 0 {
		t.Fatalf("expected no record to be created, got %d", tr.Len())
	}

	tr.Track(id)
	if !tr.Sample(id, 80*time.Millisecond) {
		t.Fatalf("expected sample for tracked player to be accepted")
	}
	tr.Remove(id)
	if tr.Sample(id, 90*time.Millisecond) {
		t.Fatalf("expected sample after removal to be dropped")
	}
	if _, ok := tr.Snapshot(id); ok {
		t.Fatalf("expected removed player to stay removed")
	}
}
