package latency

import (
	"time"

	"github.com/caseload/knockbacksync/settings"
	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
)

const shardCount = 32

// Record is the latency state of one player.
type Record struct {
	// Estimate is the exponentially smoothed round trip time. It is never negative.
	Estimate time.Duration
	// Updated is the time of the last accepted sample.
	Updated time.Time
	// Samples is the amount of samples accepted so far.
	Samples uint64
}

// Tracker keeps a smoothed RTT estimate per online player. Records are spread over shards that each
// have their own lock, so players processed on different goroutines rarely contend.
type Tracker struct {
	log *logrus.Logger
	src settings.Source

	shards [shardCount]shard
}

type shard struct {
	mu      deadlock.Mutex
	records map[uuid.UUID]*Record
}

// NewTracker returns an empty Tracker reading its smoothing factor, sample ceiling and default
// latency from src on every call.
func NewTracker(log *logrus.Logger, src settings.Source) *Tracker {
	t := &Tracker{log: log, src: src}
	for i := range t.shards {
		t.shards[i].records = make(map[uuid.UUID]*Record)
	}
	return t
}

func (t *Tracker) shard(id uuid.UUID) *shard {
	return &t.shards[xxh3.Hash(id[:])%shardCount]
}

// Track creates an empty record for a player that just joined. It does nothing if the player
// already has a record.
func (t *Tracker) Track(id uuid.UUID) {
	s := t.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		s.records[id] = &Record{}
	}
}

// Record ingests an RTT sample measured now.
func (t *Tracker) Record(id uuid.UUID, rtt time.Duration) bool {
	return t.RecordAt(id, rtt, time.Now())
}

// RecordAt ingests an RTT sample measured at the time passed. Negative samples, samples above the
// configured ceiling and samples older than the last accepted one are discarded. A record is
// created if the player has none yet. RecordAt returns true if the sample was accepted.
func (t *Tracker) RecordAt(id uuid.UUID, rtt time.Duration, at time.Time) bool {
	return t.record(id, rtt, at, true)
}

// Sample ingests an RTT sample measured now for a player that is already tracked. Unlike Record, it
// never creates a record, so a sample that races the removal of a player is dropped.
func (t *Tracker) Sample(id uuid.UUID, rtt time.Duration) bool {
	return t.record(id, rtt, time.Now(), false)
}

func (t *Tracker) record(id uuid.UUID, rtt time.Duration, at time.Time, create bool) bool {
	conf := t.src.Settings()
	if rtt < 0 || rtt > conf.MaxSample() {
		t.log.Debugf("discarding latency sample of %v for %v", rtt, id)
		return false
	}

	s := t.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		if !create {
			return false
		}
		r = &Record{}
		s.records[id] = r
	}
	if r.Samples > 0 && at.Before(r.Updated) {
		t.log.Debugf("discarding out of order latency sample for %v", id)
		return false
	}

	if r.Samples == 0 {
		r.Estimate = rtt
	} else {
		alpha := conf.Latency.Smoothing
		r.Estimate += time.Duration(alpha * float64(rtt-r.Estimate))
	}
	if r.Estimate < 0 {
		r.Estimate = 0
	}
	r.Updated = at
	r.Samples++
	return true
}

// Latency returns the smoothed RTT of the player, or the configured default latency if no sample
// has been recorded for it.
func (t *Tracker) Latency(id uuid.UUID) time.Duration {
	s := t.shard(id)
	s.mu.Lock()
	r, ok := s.records[id]
	sampled := ok && r.Samples > 0
	var est time.Duration
	if sampled {
		est = r.Estimate
	}
	s.mu.Unlock()

	if !sampled {
		return t.src.Settings().DefaultLatency()
	}
	return est
}

// Snapshot returns a copy of the record of the player.
func (t *Tracker) Snapshot(id uuid.UUID) (Record, bool) {
	s := t.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Players returns the ids of every tracked player.
func (t *Tracker) Players() []uuid.UUID {
	var ids []uuid.UUID
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id := range s.records {
			ids = append(ids, id)
		}
		s.mu.Unlock()
	}
	return ids
}

// Len returns the amount of tracked players.
func (t *Tracker) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}

// Remove frees the record of the player. Removing an unknown player does nothing.
func (t *Tracker) Remove(id uuid.UUID) {
	s := t.shard(id)
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
}
